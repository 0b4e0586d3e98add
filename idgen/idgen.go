// Package idgen provides the identifier strategies used across tenderwatch:
// time-sortable run identifiers and the synthesized fallback ids given to
// listing rows that carry no portal-native number.
package idgen

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StampLayout is the compact timestamp used in fallback ids and file names.
const StampLayout = "20060102150405"

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is UUIDv7. Prefixed variants compose on top.
var Default Generator = UUIDv7()

// RunID generates run identifiers ("run_<uuidv7>").
var RunID Generator = Prefixed("run_", UUIDv7())

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Stamp formats t with StampLayout.
func Stamp(t time.Time) string {
	return t.Format(StampLayout)
}

// Row synthesizes the fallback id of the n-th listing row (1-based). The
// run start time is used so a row keeps its id across re-reads of the same
// listing within one run.
func Row(n int, runStart time.Time) string {
	return fmt.Sprintf("row%d_%s", n, Stamp(runStart))
}

// IsRow reports whether id was produced by Row.
func IsRow(id string) bool {
	if !strings.HasPrefix(id, "row") {
		return false
	}
	n, stamp, ok := strings.Cut(id[3:], "_")
	if !ok || n == "" || len(stamp) != len(StampLayout) {
		return false
	}
	for _, r := range n + stamp {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Parse validates a UUID string (with an optional "run_" prefix) and returns
// it or an error.
func Parse(s string) (string, error) {
	raw := strings.TrimPrefix(s, "run_")
	if _, err := uuid.Parse(raw); err != nil {
		return "", fmt.Errorf("idgen: invalid id %q: %w", s, err)
	}
	return s, nil
}
