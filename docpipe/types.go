package docpipe

// Format identifies a document type.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDocx Format = "docx"
	FormatODT  Format = "odt"
	FormatHTML Format = "html"
	FormatTXT  Format = "txt"
	FormatMD   Format = "md"
)

// Block kinds.
const (
	KindHeading   = "heading"
	KindParagraph = "paragraph"
	KindTableRow  = "table_row"
	KindList      = "list"
	KindPage      = "page"
)

// Block is one unit of extracted text: a page for PDFs, a heading,
// paragraph or table row elsewhere. Table rows join their cells with " | ".
type Block struct {
	Kind  string `json:"kind"`
	Level int    `json:"level,omitempty"`
	Page  int    `json:"page,omitempty"`
	Text  string `json:"text"`
}

// Document is the text extracted from one file.
type Document struct {
	// Name is the file name, prefixed by the enclosing archive names for
	// documents found inside nested archives.
	Name    string   `json:"name"`
	Format  Format   `json:"format"`
	Title   string   `json:"title"`
	Blocks  []Block  `json:"blocks"`
	Text    string   `json:"text"`
	Pages   int      `json:"pages,omitempty"`
	Quality *Quality `json:"quality,omitempty"`
}

// Skip records an archive member that produced no document.
type Skip struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Bundle is the text of every readable document in a tender archive.
type Bundle struct {
	Archive   string      `json:"archive"`
	Documents []*Document `json:"documents"`
	Skipped   []Skip      `json:"skipped,omitempty"`
}
