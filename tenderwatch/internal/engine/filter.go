package engine

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lower-cases s and strips diacritics so "AQUISIÇÃO" and "aquisicao"
// compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// MatchAny reports whether text contains any keyword as a folded substring.
// An empty keyword list matches everything.
func MatchAny(text string, keywords []string) bool {
	kws := foldAll(keywords)
	if len(kws) == 0 {
		return true
	}
	t := Fold(text)
	for _, k := range kws {
		if strings.Contains(t, k) {
			return true
		}
	}
	return false
}

// MatchWords is MatchAny restricted to whole-word occurrences.
func MatchWords(text string, keywords []string) bool {
	kws := foldAll(keywords)
	if len(kws) == 0 {
		return true
	}
	t := Fold(text)
	for _, k := range kws {
		if regexp.MustCompile(`\b` + regexp.QuoteMeta(k) + `\b`).MatchString(t) {
			return true
		}
	}
	return false
}

func foldAll(keywords []string) []string {
	var out []string
	for _, k := range keywords {
		if k = strings.TrimSpace(Fold(k)); k != "" {
			out = append(out, k)
		}
	}
	return out
}
