package docpipe

import (
	"encoding/xml"
	"strings"
)

// extractDocx reads word/document.xml. Paragraphs styled as headings
// become heading blocks; table rows become one block each.
func extractDocx(path string) (string, []Block, error) {
	var (
		blocks []Block
		title  string
		para   strings.Builder
		inPara bool
		inText bool
		style  string
		row    tableRow
		tables int
	)
	err := readPart(path, "word/document.xml", func(tok xml.Token) error {
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				tables++
			case "tc":
				row.startCell()
			case "p":
				inPara = true
				para.Reset()
				style = ""
			case "pStyle":
				style = attr(t, "val")
			case "t":
				inText = true
			case "tab":
				para.WriteByte(' ')
			}
		case xml.CharData:
			if inPara && inText {
				para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if !inPara {
					break
				}
				inPara = false
				text := strings.TrimSpace(para.String())
				if text == "" {
					break
				}
				if tables > 0 && row.open {
					row.write(text)
					break
				}
				if level := docxHeadingLevel(style); level > 0 {
					if title == "" {
						title = text
					}
					blocks = append(blocks, Block{Kind: KindHeading, Level: level, Text: text})
				} else {
					blocks = append(blocks, Block{Kind: KindParagraph, Text: text})
				}
			case "tc":
				row.endCell()
			case "tr":
				if b, ok := row.flush(); ok {
					blocks = append(blocks, b)
				}
			case "tbl":
				tables--
			}
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return title, blocks, nil
}

// docxHeadingLevel maps a paragraph style to a heading level, 0 for body
// text. Word localizes style ids, so Portuguese names are recognized too.
func docxHeadingLevel(style string) int {
	s := strings.ToLower(style)
	switch s {
	case "title", "titulo", "título":
		return 1
	case "subtitle", "subtitulo", "subtítulo":
		return 2
	}
	for _, prefix := range []string{"heading", "ttulo", "titulo", "título"} {
		if rest, ok := strings.CutPrefix(s, prefix); ok && len(rest) == 1 && rest[0] >= '1' && rest[0] <= '6' {
			return int(rest[0] - '0')
		}
	}
	return 0
}
