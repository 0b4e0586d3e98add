package docpipe

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// extractPDF returns one block per page with text. A PDF with pages but
// no text (a scanned edital) is not an error: it yields no blocks and a
// quality report that asks for OCR.
func extractPDF(path string) (string, []Block, *Quality, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, nil, err
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	ctx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return "", nil, nil, fmt.Errorf("pdfcpu read: %w", err)
	}

	var (
		blocks []Block
		title  string
		all    strings.Builder
	)
	for page := 1; page <= ctx.PageCount; page++ {
		text := pageText(ctx, page)
		if text == "" {
			continue
		}
		if title == "" {
			title = firstLine(text)
		}
		blocks = append(blocks, Block{Kind: KindPage, Page: page, Text: text})
		if all.Len() > 0 {
			all.WriteByte('\n')
		}
		all.WriteString(text)
	}
	return title, blocks, assess(all.String(), ctx.PageCount, hasImages(ctx)), nil
}

// PageCount returns the number of pages of the PDF at path.
func PageCount(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("docpipe: page count %s: %w", path, err)
	}
	return n, nil
}

func pageText(ctx *model.Context, page int) string {
	r, err := pdfcpu.ExtractPageContent(ctx, page)
	if err != nil || r == nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return ""
	}
	return contentText(data)
}

func hasImages(ctx *model.Context) bool {
	if ctx.Optimize != nil {
		for page := 1; page <= ctx.PageCount; page++ {
			if len(pdfcpu.ImageObjNrs(ctx, page)) > 0 {
				return true
			}
		}
	}
	for _, entry := range ctx.Table {
		if entry == nil || entry.Free || entry.Compressed {
			continue
		}
		sd, ok := entry.Object.(types.StreamDict)
		if !ok {
			continue
		}
		if st, found := sd.Find("Subtype"); found {
			if name, ok := st.(types.Name); ok && name == "Image" {
				return true
			}
		}
	}
	return false
}

// contentText interprets the text operators of a page content stream.
// Strings shown by Tj, TJ, ' and " are emitted; line moves (T*, ', ", and
// Td/TD with a vertical offset) start a new line; large negative TJ
// kerning becomes a space.
func contentText(data []byte) string {
	var (
		out     strings.Builder
		pending []string
		nums    []float64
	)
	newline := func() {
		if out.Len() > 0 && !strings.HasSuffix(out.String(), "\n") {
			out.WriteByte('\n')
		}
	}
	space := func() {
		s := out.String()
		if len(s) > 0 && !strings.HasSuffix(s, " ") && !strings.HasSuffix(s, "\n") {
			out.WriteByte(' ')
		}
	}
	show := func() {
		for _, p := range pending {
			out.WriteString(p)
		}
		pending = pending[:0]
	}

	for i := 0; i < len(data); {
		c := data[i]
		switch {
		case c == '%':
			for i < len(data) && data[i] != '\n' && data[i] != '\r' {
				i++
			}
		case c == '(':
			s, n := literalString(data[i:])
			pending = append(pending, s)
			i += n
		case c == '<' && i+1 < len(data) && data[i+1] != '<':
			s, n := hexString(data[i:])
			pending = append(pending, s)
			i += n
		case c == '<' || c == '>':
			i++
			if i < len(data) && data[i] == c {
				i++
			}
		case c == '[' || c == ']':
			i++
		case isDelimiterSpace(c):
			i++
		default:
			j := i
			for j < len(data) && !isDelimiterSpace(data[j]) && !strings.ContainsRune("()<>[]/%", rune(data[j])) {
				j++
			}
			if j == i {
				i++
				continue
			}
			word := string(data[i:j])
			i = j
			if f, err := strconv.ParseFloat(word, 64); err == nil {
				if len(pending) > 0 && f < -200 {
					pending = append(pending, " ")
				}
				nums = append(nums, f)
				continue
			}
			switch word {
			case "Tj", "TJ":
				show()
			case "'", "\"":
				newline()
				show()
			case "T*":
				newline()
			case "Td", "TD":
				if len(nums) >= 2 && nums[len(nums)-1] != 0 {
					newline()
				} else {
					space()
				}
			case "ET":
				space()
			}
			pending = pending[:0]
			nums = nums[:0]
		}
	}

	lines := strings.Split(out.String(), "\n")
	kept := lines[:0]
	for _, l := range lines {
		if l = collapseSpaces(printable(l)); l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

func isDelimiterSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

// literalString decodes a PDF literal string starting at b[0] == '('. It
// returns the decoded text and the number of bytes consumed.
func literalString(b []byte) (string, int) {
	var sb strings.Builder
	depth := 0
	i := 0
	for ; i < len(b); i++ {
		c := b[i]
		switch c {
		case '(':
			depth++
			if depth == 1 {
				continue
			}
		case ')':
			depth--
			if depth == 0 {
				return sb.String(), i + 1
			}
		case '\\':
			if i+1 >= len(b) {
				continue
			}
			i++
			switch e := b[i]; e {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case 'b', 'f':
			case '\n', '\r':
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for k := 0; k < 2 && i+1 < len(b) && b[i+1] >= '0' && b[i+1] <= '7'; k++ {
						i++
						v = v*8 + int(b[i]-'0')
					}
					sb.WriteRune(winAnsi(byte(v)))
				} else {
					sb.WriteByte(e)
				}
			}
			continue
		}
		if c >= 0x80 {
			sb.WriteRune(winAnsi(c))
		} else {
			sb.WriteByte(c)
		}
	}
	return sb.String(), i
}

// hexString decodes <48656C6C6F>. Two-byte strings starting with a BOM are
// read as UTF-16BE; others as single-byte text.
func hexString(b []byte) (string, int) {
	end := strings.IndexByte(string(b), '>')
	if end < 0 {
		return "", len(b)
	}
	digits := make([]byte, 0, end)
	for _, c := range b[1:end] {
		if !isDelimiterSpace(c) {
			digits = append(digits, c)
		}
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	raw := make([]byte, 0, len(digits)/2)
	for k := 0; k+1 < len(digits); k += 2 {
		v, err := strconv.ParseUint(string(digits[k:k+2]), 16, 8)
		if err != nil {
			return "", end + 1
		}
		raw = append(raw, byte(v))
	}
	if len(raw) >= 2 && raw[0] == 0xFE && raw[1] == 0xFF {
		var sb strings.Builder
		for k := 2; k+1 < len(raw); k += 2 {
			sb.WriteRune(rune(raw[k])<<8 | rune(raw[k+1]))
		}
		return sb.String(), end + 1
	}
	var sb strings.Builder
	for _, c := range raw {
		sb.WriteRune(winAnsi(c))
	}
	return sb.String(), end + 1
}

// winAnsi maps a WinAnsiEncoding byte to a rune. Latin-1 covers the
// accented Portuguese letters; the 0x80-0x9F block holds typographic
// punctuation.
func winAnsi(c byte) rune {
	switch c {
	case 0x91, 0x92:
		return '\''
	case 0x93, 0x94:
		return '"'
	case 0x96, 0x97:
		return '-'
	case 0x80:
		return '€'
	case 0x95:
		return '•'
	}
	return rune(c)
}

func printable(s string) string {
	return strings.Map(func(r rune) rune {
		if isGarbageRune(r) {
			return -1
		}
		return r
	}, s)
}
