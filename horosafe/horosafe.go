// Package horosafe provides the safety primitives shared by the tenderwatch
// binaries: secret validation, path traversal guards, filesystem-safe file
// names and bounded I/O helpers.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// MinSecretLen is the minimum acceptable length for shared secrets
// (front door token, webhook signatures). 32 bytes = 256 bits.
const MinSecretLen = 32

// MaxResponseBody is the default cap for HTTP response body reads (1 MiB).
const MaxResponseBody int64 = 1 << 20

// MaxFilenameLen is the default bound for derived file names, in bytes.
const MaxFilenameLen = 100

// maxExtLen bounds the part of a name treated as an extension when truncating.
const maxExtLen = 16

// ErrSecretTooShort is returned when a secret does not meet MinSecretLen.
var ErrSecretTooShort = fmt.Errorf("horosafe: secret must be at least %d bytes", MinSecretLen)

// ErrPathTraversal is returned when a user-supplied path escapes its base.
var ErrPathTraversal = errors.New("horosafe: path traversal detected")

// ValidateSecret checks that secret is at least MinSecretLen bytes.
func ValidateSecret(secret []byte) error {
	if len(secret) < MinSecretLen {
		return ErrSecretTooShort
	}
	return nil
}

// SafePath validates that joining base and userInput does not escape base.
// Absolute inputs are accepted only when they already live under base.
// Returns the cleaned path or ErrPathTraversal.
func SafePath(base, userInput string) (string, error) {
	base = filepath.Clean(base)
	if filepath.IsAbs(userInput) {
		cleaned := filepath.Clean(userInput)
		if cleaned != base && !strings.HasPrefix(cleaned, base+string(filepath.Separator)) {
			return "", ErrPathTraversal
		}
		return cleaned, nil
	}
	if strings.Contains(userInput, "..") {
		return "", ErrPathTraversal
	}
	cleaned := filepath.Join(base, filepath.Clean("/"+userInput))
	if !strings.HasPrefix(cleaned, base+string(filepath.Separator)) && cleaned != base {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// ValidateIdentifier rejects identifiers that contain characters unsuitable
// for file names or URL path segments. Allows alphanumeric, underscore,
// hyphen and dot.
func ValidateIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("horosafe: identifier must not be empty")
	}
	if len(s) > 256 {
		return fmt.Errorf("horosafe: identifier too long (max 256)")
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("horosafe: invalid character %q in identifier", r)
		}
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r and fails if the limit is
// exceeded.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("horosafe: response exceeds %d bytes", maxBytes)
	}
	return data, nil
}

var (
	illegalChars = regexp.MustCompile(`[\\/*?:"<>|]`)
	separatorRun = regexp.MustCompile(`[\s_]+`)
)

// SanitizeFilename turns a server-declared or displayed document name into a
// file name safe on every filesystem: directory components are dropped,
// separators and reserved characters become underscores, whitespace runs
// collapse, and the result is truncated to maxLen bytes keeping the
// extension. An empty result falls back to a timestamped name.
func SanitizeFilename(name string, maxLen int) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return clean(name, maxLen, "unknown_file")
}

// SanitizeComponent is SanitizeFilename for values that are not file names
// (tender ids, titles): separators are replaced instead of treated as
// directories, so "2024/00123" becomes "2024_00123".
func SanitizeComponent(s string, maxLen int) string {
	return clean(s, maxLen, "unnamed")
}

func clean(s string, maxLen int, fallback string) string {
	if maxLen <= 0 {
		maxLen = MaxFilenameLen
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == utf8.RuneError {
			return '_'
		}
		return r
	}, s)
	s = illegalChars.ReplaceAllString(s, "_")
	s = separatorRun.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_ .")
	if len(s) > maxLen {
		s = truncateKeepExt(s, maxLen)
	}
	if s == "" {
		return fmt.Sprintf("%s_%d", fallback, time.Now().Unix())
	}
	return s
}

// truncateKeepExt cuts s to at most maxLen bytes on a rune boundary,
// preserving a short extension.
func truncateKeepExt(s string, maxLen int) string {
	ext := filepath.Ext(s)
	if len(ext) > maxExtLen || len(ext) >= maxLen {
		ext = ""
	}
	base := strings.TrimSuffix(s, ext)
	limit := maxLen - len(ext)
	for len(base) > limit {
		_, size := utf8.DecodeLastRuneInString(base)
		base = base[:len(base)-size]
	}
	return strings.TrimRight(base, "_ .") + ext
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
