package docpipe

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// maxXMLDepth bounds element nesting in DOCX and ODT parts.
const maxXMLDepth = 256

// maxXMLPart bounds the uncompressed size of one XML part.
const maxXMLPart = 64 << 20

// readPart streams the XML part member of the zip container at path to
// visit. Elements nested deeper than maxXMLDepth abort the walk.
func readPart(path, member string, visit func(tok xml.Token) error) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open container: %w", err)
	}
	defer r.Close()

	var part *zip.File
	for _, f := range r.File {
		if f.Name == member {
			part = f
			break
		}
	}
	if part == nil {
		return fmt.Errorf("%s not found in container", member)
	}
	rc, err := part.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", member, err)
	}
	defer rc.Close()

	dec := xml.NewDecoder(io.LimitReader(rc, maxXMLPart))
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("parse %s: %w", member, err)
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
			if depth > maxXMLDepth {
				return fmt.Errorf("%s: nesting depth exceeds %d", member, maxXMLDepth)
			}
		case xml.EndElement:
			depth--
		}
		if err := visit(tok); err != nil {
			return err
		}
	}
}

func attr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// tableRow accumulates the cells of one table row.
type tableRow struct {
	cells []string
	cell  strings.Builder
	open  bool
}

func (r *tableRow) startCell() {
	r.cell.Reset()
	r.open = true
}

func (r *tableRow) write(s string) {
	if r.cell.Len() > 0 {
		r.cell.WriteByte(' ')
	}
	r.cell.WriteString(s)
}

func (r *tableRow) endCell() {
	r.cells = append(r.cells, strings.TrimSpace(r.cell.String()))
	r.open = false
}

// flush returns the row as a block, or false for rows with no text.
func (r *tableRow) flush() (Block, bool) {
	cells := r.cells
	r.cells = nil
	for _, c := range cells {
		if c != "" {
			return Block{Kind: KindTableRow, Text: strings.Join(cells, " | ")}, true
		}
	}
	return Block{}, false
}
