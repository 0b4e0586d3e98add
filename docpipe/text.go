package docpipe

import (
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// readText returns the file contents as UTF-8. Files that are not valid
// UTF-8 are decoded as Windows-1252, the usual encoding of exports from
// the portals' back offices.
func readText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if utf8.Valid(data) {
		return strings.TrimPrefix(string(data), "\ufeff"), nil
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return string(data), nil
	}
	return string(decoded), nil
}

// extractText splits plain text into paragraphs on blank lines.
func extractText(path string) (string, []Block, error) {
	s, err := readText(path)
	if err != nil {
		return "", nil, err
	}
	var blocks []Block
	for _, para := range splitParagraphs(s) {
		blocks = append(blocks, Block{Kind: KindParagraph, Text: collapseSpaces(para)})
	}
	if len(blocks) == 0 {
		return "", nil, nil
	}
	return firstLine(blocks[0].Text), blocks, nil
}

// extractMarkdown reads ATX headings and paragraphs. Table lines are kept
// as rows.
func extractMarkdown(path string) (string, []Block, error) {
	s, err := readText(path)
	if err != nil {
		return "", nil, err
	}
	var (
		blocks []Block
		title  string
		para   []string
	)
	flush := func() {
		if len(para) > 0 {
			blocks = append(blocks, Block{Kind: KindParagraph, Text: collapseSpaces(strings.Join(para, " "))})
			para = nil
		}
	}
	inFront := false
	for i, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if i == 0 && trimmed == "---" {
			inFront = true
			continue
		}
		if inFront {
			if trimmed == "---" {
				inFront = false
			}
			continue
		}
		switch {
		case trimmed == "":
			flush()
		case strings.HasPrefix(trimmed, "#"):
			flush()
			level := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
			text := strings.TrimSpace(strings.Trim(trimmed, "#"))
			if text == "" || level > 6 {
				continue
			}
			if title == "" {
				title = text
			}
			blocks = append(blocks, Block{Kind: KindHeading, Level: level, Text: text})
		case strings.HasPrefix(trimmed, "|"):
			flush()
			if strings.Trim(trimmed, "|-: ") == "" {
				continue
			}
			cells := strings.Split(strings.Trim(trimmed, "|"), "|")
			for j := range cells {
				cells[j] = strings.TrimSpace(cells[j])
			}
			blocks = append(blocks, Block{Kind: KindTableRow, Text: strings.Join(cells, " | ")})
		default:
			para = append(para, trimmed)
		}
	}
	flush()
	if title == "" && len(blocks) > 0 {
		title = firstLine(blocks[0].Text)
	}
	return title, blocks, nil
}

func splitParagraphs(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(s, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// collapseSpaces folds every whitespace run into one space.
func collapseSpaces(s string) string {
	var sb strings.Builder
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = sb.Len() > 0
			continue
		}
		if space {
			sb.WriteByte(' ')
			space = false
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > 200 {
		s = string([]rune(s)[:200])
	}
	return s
}
