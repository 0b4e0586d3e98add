package docpipe

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Quality describes how usable the text of a PDF is.
type Quality struct {
	PageCount      int     `json:"page_count"`
	CharsPerPage   float64 `json:"chars_per_page"`
	PrintableRatio float64 `json:"printable_ratio"`
	WordlikeRatio  float64 `json:"wordlike_ratio"`
	HasImages      bool    `json:"has_images"`
	VisualRefs     int     `json:"visual_refs"`
}

// NeedsOCR reports a PDF whose text layer is missing or garbled, typically
// a scanned edital.
func (q *Quality) NeedsOCR() bool {
	if q.PageCount == 0 {
		return false
	}
	return (q.CharsPerPage < 50 && q.HasImages) || q.PrintableRatio < 0.85
}

// HasVisualGap reports text that points at figures or annexed tables that
// only exist as images.
func (q *Quality) HasVisualGap() bool {
	return q.VisualRefs > 0 && q.HasImages
}

func assess(text string, pages int, images bool) *Quality {
	q := &Quality{
		PageCount:      pages,
		PrintableRatio: printableRatio(text),
		WordlikeRatio:  wordlikeRatio(text),
		HasImages:      images,
		VisualRefs:     visualRefs(text),
	}
	if pages > 0 {
		q.CharsPerPage = float64(utf8.RuneCountInString(text)) / float64(pages)
	}
	return q
}

func printableRatio(text string) float64 {
	total, ok := 0, 0
	for _, r := range text {
		total++
		if !isGarbageRune(r) && (unicode.IsPrint(r) || r == '\n' || r == '\t') {
			ok++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(ok) / float64(total)
}

// isGarbageRune flags private-use glyphs, replacement characters and
// control characters other than line breaks and tabs.
func isGarbageRune(r rune) bool {
	switch {
	case r >= 0xE000 && r <= 0xF8FF, r == utf8.RuneError:
		return true
	case r < 0x20:
		return r != '\n' && r != '\r' && r != '\t'
	}
	return false
}

// wordlikeRatio is the share of tokens between 2 and 20 runes long.
func wordlikeRatio(text string) float64 {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0
	}
	n := 0
	for _, f := range fields {
		if l := utf8.RuneCountInString(f); l >= 2 && l <= 20 {
			n++
		}
	}
	return float64(n) / float64(len(fields))
}

var visualRefPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:ver|vide|conforme|see)\s+(?:o\s+|a\s+)?(?:figura|fig\.?|tabela|quadro|desenho|planta|figure|table)\s*\d`),
	regexp.MustCompile(`(?i)\b(?:figura|tabela|quadro|desenho|figure|table)\s+\d+`),
}

func visualRefs(text string) int {
	n := 0
	for _, re := range visualRefPatterns {
		n += len(re.FindAllStringIndex(text, -1))
	}
	return n
}
