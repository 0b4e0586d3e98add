package docpipe

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/text/encoding/charmap"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// writeZip creates a zip at path holding members in order.
func writeZip(t *testing.T, path string, members [][2]string) string {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := zip.NewWriter(f)
	for _, m := range members {
		fw, err := w.Create(m[0])
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(m[1])); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func kinds(blocks []Block) map[string]int {
	out := map[string]int{}
	for _, b := range blocks {
		out[b.Kind]++
	}
	return out
}

func TestDetect(t *testing.T) {
	tests := []struct {
		path   string
		format Format
	}{
		{"edital.docx", FormatDocx},
		{"edital.odt", FormatODT},
		{"edital.PDF", FormatPDF},
		{"leia.md", FormatMD},
		{"itens.txt", FormatTXT},
		{"planilha.csv", FormatTXT},
		{"aviso.html", FormatHTML},
		{"aviso.htm", FormatHTML},
		{"notas.markdown", FormatMD},
	}
	for _, tt := range tests {
		f, err := Detect(tt.path)
		if err != nil {
			t.Errorf("Detect(%q): %v", tt.path, err)
			continue
		}
		if f != tt.format {
			t.Errorf("Detect(%q) = %q, want %q", tt.path, f, tt.format)
		}
	}

	for _, bad := range []string{"planta.dwg", "anexos.rar", "noext"} {
		if _, err := Detect(bad); err == nil {
			t.Errorf("Detect(%q): expected error", bad)
		}
	}
}

func TestExtractText(t *testing.T) {
	path := writeFile(t, t.TempDir(), "itens.txt", "Aquisição de  hidrômetros\n\n  Lote único  ")

	doc, err := New(Config{}).Extract(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Format != FormatTXT {
		t.Fatalf("format = %s, want txt", doc.Format)
	}
	if len(doc.Blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(doc.Blocks))
	}
	if doc.Title != "Aquisição de hidrômetros" {
		t.Errorf("title = %q", doc.Title)
	}
	if doc.Text != "Aquisição de hidrômetros\nLote único" {
		t.Errorf("text = %q", doc.Text)
	}
}

func TestExtractText_Windows1252(t *testing.T) {
	// WHAT: Text that is not valid UTF-8 is decoded as Windows-1252.
	// WHY: Back office exports of the portals are often Latin encoded.
	raw, err := charmap.Windows1252.NewEncoder().String("Licitação nº 12")
	if err != nil {
		t.Fatal(err)
	}
	path := writeFile(t, t.TempDir(), "aviso.txt", raw)

	doc, err := New(Config{}).Extract(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Text != "Licitação nº 12" {
		t.Errorf("text = %q", doc.Text)
	}
}

func TestExtractText_BOM(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bom.txt", "\ufeffObjeto")
	doc, err := New(Config{}).Extract(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Text != "Objeto" {
		t.Errorf("text = %q", doc.Text)
	}
}

func TestExtractMarkdown(t *testing.T) {
	content := `---
source: portal
---
# Edital 12/2024

Objeto da licitação.

## Itens

| ITEM | DESCRIÇÃO | QUANTIDADE |
|------|-----------|------------|
| 1 | Hidrômetro DN20 | 500 |

Prazo de entrega.
`
	path := writeFile(t, t.TempDir(), "edital.md", content)

	doc, err := New(Config{}).Extract(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != "Edital 12/2024" {
		t.Fatalf("title = %q", doc.Title)
	}
	k := kinds(doc.Blocks)
	if k[KindHeading] != 2 || k[KindParagraph] != 2 || k[KindTableRow] != 2 {
		t.Fatalf("kinds = %v", k)
	}
	if strings.Contains(doc.Text, "source: portal") {
		t.Error("front matter should be skipped")
	}
	if !strings.Contains(doc.Text, "1 | Hidrômetro DN20 | 500") {
		t.Errorf("table row missing from %q", doc.Text)
	}
}

func TestExtractDocx(t *testing.T) {
	docXML := `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:pPr><w:pStyle w:val="Ttulo1"/></w:pPr><w:r><w:t>Termo de Referência</w:t></w:r></w:p>
<w:p><w:r><w:t>Fornecimento de </w:t></w:r><w:r><w:t>tubos PEAD.</w:t></w:r></w:p>
<w:tbl>
<w:tr><w:tc><w:p><w:r><w:t>ITEM</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>QTD</w:t></w:r></w:p></w:tc></w:tr>
<w:tr><w:tc><w:p><w:r><w:t>1</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>300</w:t></w:r></w:p></w:tc></w:tr>
</w:tbl>
<w:p><w:pPr><w:pStyle w:val="Heading2"/></w:pPr><w:r><w:t>Prazos</w:t></w:r></w:p>
</w:body>
</w:document>`
	path := writeZip(t, filepath.Join(t.TempDir(), "tr.docx"), [][2]string{{"word/document.xml", docXML}})

	doc, err := New(Config{}).Extract(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != "Termo de Referência" {
		t.Fatalf("title = %q", doc.Title)
	}
	want := []Block{
		{Kind: KindHeading, Level: 1, Text: "Termo de Referência"},
		{Kind: KindParagraph, Text: "Fornecimento de tubos PEAD."},
		{Kind: KindTableRow, Text: "ITEM | QTD"},
		{Kind: KindTableRow, Text: "1 | 300"},
		{Kind: KindHeading, Level: 2, Text: "Prazos"},
	}
	if len(doc.Blocks) != len(want) {
		t.Fatalf("blocks = %+v", doc.Blocks)
	}
	for i := range want {
		if doc.Blocks[i] != want[i] {
			t.Errorf("block %d = %+v, want %+v", i, doc.Blocks[i], want[i])
		}
	}
}

func TestDocxHeadingLevel(t *testing.T) {
	tests := map[string]int{
		"Heading1": 1, "heading3": 3, "Ttulo2": 2, "Título4": 4,
		"Title": 1, "Subtítulo": 2, "Normal": 0, "Heading7": 0, "": 0,
	}
	for style, want := range tests {
		if got := docxHeadingLevel(style); got != want {
			t.Errorf("docxHeadingLevel(%q) = %d, want %d", style, got, want)
		}
	}
}

func TestExtractODT(t *testing.T) {
	contentXML := `<?xml version="1.0" encoding="UTF-8"?>
<office:document-content xmlns:office="urn:oasis:names:tc:opendocument:xmlns:office:1.0"
  xmlns:text="urn:oasis:names:tc:opendocument:xmlns:text:1.0"
  xmlns:table="urn:oasis:names:tc:opendocument:xmlns:table:1.0">
<office:body>
<office:text>
<text:h text:outline-level="1">Aviso de Licitação</text:h>
<text:p>Pregão eletrônico.</text:p>
<text:list><text:list-item><text:p>Habilitação jurídica</text:p></text:list-item></text:list>
<table:table><table:table-row>
<table:table-cell><text:p>Lote</text:p></table:table-cell>
<table:table-cell><text:p>Valor</text:p></table:table-cell>
</table:table-row></table:table>
<text:h text:outline-level="2">Abertura</text:h>
</office:text>
</office:body>
</office:document-content>`
	path := writeZip(t, filepath.Join(t.TempDir(), "aviso.odt"), [][2]string{{"content.xml", contentXML}})

	doc, err := New(Config{}).Extract(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != "Aviso de Licitação" {
		t.Fatalf("title = %q", doc.Title)
	}
	k := kinds(doc.Blocks)
	if k[KindHeading] != 2 || k[KindParagraph] != 1 || k[KindList] != 1 || k[KindTableRow] != 1 {
		t.Fatalf("kinds = %v (%+v)", k, doc.Blocks)
	}
	if !strings.Contains(doc.Text, "Lote | Valor") {
		t.Errorf("text = %q", doc.Text)
	}
}

func TestExtractHTML(t *testing.T) {
	html := `<!DOCTYPE html>
<html><head><title>Aviso 45/2024</title><style>p{}</style></head>
<body>
<nav>Menu</nav>
<h1>Objeto</h1>
<p>Contratação de serviços de   manutenção.</p>
<table><tr><th>Item</th><th>Qtd</th></tr><tr><td>1</td><td>10</td></tr></table>
<script>var x = "não";</script>
</body></html>`
	path := writeFile(t, t.TempDir(), "aviso.html", html)

	doc, err := New(Config{}).Extract(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != "Aviso 45/2024" {
		t.Fatalf("title = %q", doc.Title)
	}
	want := "Objeto\nContratação de serviços de manutenção.\nItem | Qtd\n1 | 10"
	if doc.Text != want {
		t.Errorf("text = %q, want %q", doc.Text, want)
	}
}

func TestExtract_TooLarge(t *testing.T) {
	path := writeFile(t, t.TempDir(), "big.txt", strings.Repeat("a", 64))
	_, err := New(Config{MaxFileSize: 10}).Extract(context.Background(), path)
	if err == nil {
		t.Fatal("expected size error")
	}
}

func TestExtract_Cancelled(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.txt", "x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(Config{}).Extract(ctx, path); err == nil {
		t.Fatal("expected context error")
	}
}

// --- HTML hidden text filtering tests ---

func TestHTML_HiddenDisplayNone(t *testing.T) {
	// WHAT: Elements with display:none are excluded.
	// WHY: Hidden text in a portal page must not reach the summarizer prompt.
	dir := t.TempDir()
	path := filepath.Join(dir, "hidden.html")
	html := `<!DOCTYPE html><html><body>
<p>Visible text here</p>
<div style="display:none">secret hidden text</div>
</body></html>`
	os.WriteFile(path, []byte(html), 0644)

	pipe := New(Config{})
	doc, err := pipe.Extract(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(doc.Text, "secret hidden text") {
		t.Error("display:none text should be excluded")
	}
	if !strings.Contains(doc.Text, "Visible text") {
		t.Error("visible text should be present")
	}
}

func TestHTML_HiddenVisibility(t *testing.T) {
	// WHAT: Elements with visibility:hidden are excluded.
	// WHY: Another CSS technique for hiding injected text.
	dir := t.TempDir()
	path := filepath.Join(dir, "vis.html")
	html := `<!DOCTYPE html><html><body>
<p>Normal text</p>
<span style="visibility:hidden">hidden payload</span>
</body></html>`
	os.WriteFile(path, []byte(html), 0644)

	pipe := New(Config{})
	doc, err := pipe.Extract(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(doc.Text, "hidden payload") {
		t.Error("visibility:hidden text should be excluded")
	}
}

func TestHTML_HiddenFontSize0(t *testing.T) {
	// WHAT: Elements with font-size:0 are excluded.
	// WHY: Zero-size text is invisible to humans but extractable.
	dir := t.TempDir()
	path := filepath.Join(dir, "fs0.html")
	html := `<!DOCTYPE html><html><body>
<p>Readable text</p>
<span style="font-size:0px">tiny invisible</span>
</body></html>`
	os.WriteFile(path, []byte(html), 0644)

	pipe := New(Config{})
	doc, err := pipe.Extract(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(doc.Text, "tiny invisible") {
		t.Error("font-size:0 text should be excluded")
	}
}

func TestHTML_HiddenOpacity0(t *testing.T) {
	// WHAT: Elements with opacity:0 are excluded.
	// WHY: Transparent text is another injection vector.
	dir := t.TempDir()
	path := filepath.Join(dir, "op0.html")
	html := `<!DOCTYPE html><html><body>
<p>Real content</p>
<span style="opacity:0">ghost text</span>
</body></html>`
	os.WriteFile(path, []byte(html), 0644)

	pipe := New(Config{})
	doc, err := pipe.Extract(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(doc.Text, "ghost text") {
		t.Error("opacity:0 text should be excluded")
	}
}

func TestHTML_VisibleTextKept(t *testing.T) {
	// WHAT: Visible text is preserved after hidden filtering.
	// WHY: The filter must not over-strip.
	dir := t.TempDir()
	path := filepath.Join(dir, "keep.html")
	html := `<!DOCTYPE html><html><body>
<h1>Title</h1>
<p style="color:red">Styled but visible</p>
<p>Normal paragraph</p>
</body></html>`
	os.WriteFile(path, []byte(html), 0644)

	pipe := New(Config{})
	doc, err := pipe.Extract(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(doc.Text, "Styled but visible") {
		t.Error("visible styled text should be kept")
	}
	if !strings.Contains(doc.Text, "Normal paragraph") {
		t.Error("normal text should be kept")
	}
}

// --- XML bomb tests ---

func TestDOCX_XMLBomb(t *testing.T) {
	// WHAT: DOCX with deeply nested XML returns depth error.
	// WHY: XML bomb / billion laughs defense.
	dir := t.TempDir()
	path := filepath.Join(dir, "bomb.docx")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := zip.NewWriter(f)

	// Build XML with 300 levels of nesting (exceeds 256 limit).
	var xmlB strings.Builder
	xmlB.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	xmlB.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for i := 0; i < 300; i++ {
		xmlB.WriteString("<w:p>")
	}
	xmlB.WriteString("<w:r><w:t>deep</w:t></w:r>")
	for i := 0; i < 300; i++ {
		xmlB.WriteString("</w:p>")
	}
	xmlB.WriteString("</w:body></w:document>")

	fw, _ := w.Create("word/document.xml")
	fw.Write([]byte(xmlB.String()))
	w.Close()
	f.Close()

	_, _, err = extractDocx(path)
	if err == nil {
		t.Fatal("expected error for deeply nested XML")
	}
	if !strings.Contains(err.Error(), "nesting depth") {
		t.Errorf("expected 'nesting depth' error, got: %v", err)
	}
}

func TestODT_XMLBomb(t *testing.T) {
	// WHAT: ODT with deeply nested XML returns depth error.
	// WHY: XML bomb defense for ODT format.
	dir := t.TempDir()
	path := filepath.Join(dir, "bomb.odt")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := zip.NewWriter(f)

	var xmlB strings.Builder
	xmlB.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	xmlB.WriteString(`<office:document-content xmlns:office="urn:oasis:names:tc:opendocument:xmlns:office:1.0" xmlns:text="urn:oasis:names:tc:opendocument:xmlns:text:1.0">`)
	xmlB.WriteString(`<office:body><office:text>`)
	for i := 0; i < 300; i++ {
		xmlB.WriteString("<text:p>")
	}
	xmlB.WriteString("deep text")
	for i := 0; i < 300; i++ {
		xmlB.WriteString("</text:p>")
	}
	xmlB.WriteString("</office:text></office:body></office:document-content>")

	fw, _ := w.Create("content.xml")
	fw.Write([]byte(xmlB.String()))
	w.Close()
	f.Close()

	_, _, err = extractODT(path)
	if err == nil {
		t.Fatal("expected error for deeply nested XML")
	}
	if !strings.Contains(err.Error(), "nesting depth") {
		t.Errorf("expected 'nesting depth' error, got: %v", err)
	}
}
