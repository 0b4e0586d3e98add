package docpipe

import (
	"encoding/xml"
	"strconv"
	"strings"
)

// extractODT reads content.xml of an OpenDocument text.
func extractODT(path string) (string, []Block, error) {
	var (
		blocks  []Block
		title   string
		buf     strings.Builder
		inBlock bool
		heading int
		lists   int
		row     tableRow
	)
	err := readPart(path, "content.xml", func(tok xml.Token) error {
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "h":
				inBlock = true
				buf.Reset()
				heading = 1
				if n, err := strconv.Atoi(attr(t, "outline-level")); err == nil && n > 0 {
					heading = n
				}
			case "p":
				inBlock = true
				buf.Reset()
				heading = 0
			case "list":
				lists++
			case "table-cell":
				row.startCell()
			case "s", "tab":
				buf.WriteByte(' ')
			}
		case xml.CharData:
			if inBlock {
				buf.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "h", "p":
				if !inBlock {
					break
				}
				inBlock = false
				text := strings.TrimSpace(buf.String())
				if text == "" {
					break
				}
				switch {
				case row.open:
					row.write(text)
				case heading > 0:
					if title == "" {
						title = text
					}
					blocks = append(blocks, Block{Kind: KindHeading, Level: heading, Text: text})
				case lists > 0:
					blocks = append(blocks, Block{Kind: KindList, Text: text})
				default:
					blocks = append(blocks, Block{Kind: KindParagraph, Text: text})
				}
			case "list":
				lists--
			case "table-cell":
				row.endCell()
			case "table-row":
				if b, ok := row.flush(); ok {
					blocks = append(blocks, b)
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return title, blocks, nil
}
