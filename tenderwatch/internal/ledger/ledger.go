// Package ledger persists the set of tender ids already handled for one
// portal in one output directory.
//
// The file is a JSON object; this package owns a single key of it
// ("processed_<portal>_processos") and preserves every other key. Each Add
// is flushed with an atomic write before it returns, so a crash loses at
// most the candidate in flight.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Key returns the JSON key under which portal ids are stored.
func Key(portal string) string {
	return "processed_" + strings.ToLower(portal) + "_processos"
}

// Ledger is the durable "already done" set. Safe for concurrent use.
type Ledger struct {
	path   string
	key    string
	logger *slog.Logger

	mu    sync.Mutex
	ids   []string
	set   map[string]struct{}
	other map[string]json.RawMessage
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// Open loads the ledger at path, tracking ids under key. A missing file
// yields an empty ledger. A corrupt file is copied to <path>.bak and the
// ledger starts empty; the original is rewritten on the first Add.
func Open(path, key string, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		path:   path,
		key:    key,
		logger: slog.Default(),
		set:    make(map[string]struct{}),
		other:  make(map[string]json.RawMessage),
	}
	for _, o := range opts {
		o(l)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return l, nil
	}

	if err := l.decode(data); err != nil {
		bak := path + ".bak"
		l.logger.Warn("ledger: corrupt file, starting empty", "path", path, "backup", bak, "error", err)
		if werr := os.WriteFile(bak, data, 0o644); werr != nil {
			return nil, fmt.Errorf("ledger: backup corrupt file: %w", werr)
		}
		l.ids, l.set, l.other = nil, make(map[string]struct{}), make(map[string]json.RawMessage)
	}
	return l, nil
}

func (l *Ledger) decode(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	var ids []string
	if raw, ok := doc[l.key]; ok {
		if err := json.Unmarshal(raw, &ids); err != nil {
			return fmt.Errorf("key %s: %w", l.key, err)
		}
		delete(doc, l.key)
	}
	for _, id := range ids {
		if _, dup := l.set[id]; dup || id == "" {
			continue
		}
		l.set[id] = struct{}{}
		l.ids = append(l.ids, id)
	}
	l.other = doc
	return nil
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Has reports whether id has been recorded.
func (l *Ledger) Has(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.set[id]
	return ok
}

// Len returns the number of recorded ids.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}

// IDs returns the recorded ids in insertion order.
func (l *Ledger) IDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.ids))
	copy(out, l.ids)
	return out
}

// Add records id and flushes the ledger to disk before returning. Adding an
// id already present is a no-op. If the flush fails the id stays recorded
// in memory and the error is returned so the caller can log it; the next
// successful flush persists it.
func (l *Ledger) Add(id string) error {
	if id == "" {
		return fmt.Errorf("ledger: empty id")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.set[id]; ok {
		return nil
	}
	l.set[id] = struct{}{}
	l.ids = append(l.ids, id)
	return l.flushLocked()
}

// Flush writes the current state to disk.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Ledger) flushLocked() error {
	doc := make(map[string]any, len(l.other)+1)
	for k, v := range l.other {
		doc[k] = v
	}
	ids := l.ids
	if ids == nil {
		ids = []string{}
	}
	doc[l.key] = ids

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal: %w", err)
	}
	return writeAtomic(l.path, append(data, '\n'))
}

// writeAtomic writes data to a temp file in the target directory, syncs it,
// and renames it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ledger: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("ledger: create tmp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("ledger: write tmp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("ledger: sync tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ledger: close tmp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ledger: rename: %w", err)
	}
	return nil
}
