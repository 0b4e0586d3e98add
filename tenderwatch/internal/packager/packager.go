// Package packager bundles the attachments of one tender into a single
// deflate-compressed zip in the archive directory.
package packager

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/hazyhaar/licita/horosafe"
)

const (
	maxIDLen    = 80
	maxLabelLen = 40
)

// File is one staged attachment.
type File struct {
	Path string
	Name string // name inside the archive; defaults to the base of Path
}

// Bundle describes one tender's archive request.
type Bundle struct {
	Portal  string
	ID      string
	Label   string // optional title fragment appended to the archive name
	Staging string // removed after packaging, whatever the outcome
	Files   []File
}

// Packager writes archives into one directory and tracks the names it has
// handed out during the run.
type Packager struct {
	dir    string
	logger *slog.Logger

	mu   sync.Mutex
	used map[string]struct{}
}

// Option configures a Packager.
type Option func(*Packager)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Packager) { p.logger = l }
}

// New creates a Packager writing into dir.
func New(dir string, opts ...Option) *Packager {
	p := &Packager{
		dir:    dir,
		logger: slog.Default(),
		used:   make(map[string]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns the deterministic archive name
// {PORTAL}_{id}[_{label}].zip with every component sanitized.
func Name(portal, id, label string) string {
	name := strings.ToUpper(horosafe.SanitizeComponent(portal, 32)) + "_" + horosafe.SanitizeComponent(id, maxIDLen)
	if label = strings.TrimSpace(label); label != "" {
		name += "_" + horosafe.SanitizeComponent(label, maxLabelLen)
	}
	return horosafe.SanitizeComponent(name, horosafe.MaxFilenameLen-len(".zip")) + ".zip"
}

// Package zips b.Files and returns the archive path. Zero usable files is
// not an error: no archive is written and the returned path is empty. A
// partially written archive is never left behind, and b.Staging is removed
// in every case.
func (p *Packager) Package(b Bundle) (string, error) {
	defer p.Discard(b.Staging)

	files := p.usable(b)
	if len(files) == 0 {
		p.logger.Warn("packager: no files to archive", "portal", b.Portal, "tender_id", b.ID)
		return "", nil
	}

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return "", fmt.Errorf("packager: mkdir: %w", err)
	}
	target := p.reserve(Name(b.Portal, b.ID, b.Label))

	if err := writeZip(target, files); err != nil {
		p.release(target)
		return "", err
	}
	p.logger.Info("packager: archive written", "path", target, "files", len(files))
	return target, nil
}

// Discard removes a staging directory. Errors are logged only.
func (p *Packager) Discard(staging string) {
	if staging == "" {
		return
	}
	if err := os.RemoveAll(staging); err != nil {
		p.logger.Warn("packager: remove staging", "dir", staging, "error", err)
	}
}

// usable drops missing and zero-byte files.
func (p *Packager) usable(b Bundle) []File {
	var out []File
	for _, f := range b.Files {
		st, err := os.Stat(f.Path)
		if err != nil || st.IsDir() {
			p.logger.Warn("packager: skipping unreadable file", "path", f.Path, "error", err)
			continue
		}
		if st.Size() == 0 {
			p.logger.Warn("packager: skipping empty file", "path", f.Path)
			continue
		}
		if f.Name == "" {
			f.Name = filepath.Base(f.Path)
		}
		out = append(out, f)
	}
	return out
}

// reserve returns a path in the archive directory that neither this run
// nor an earlier one has used, appending _2, _3... on collision.
func (p *Packager) reserve(name string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for n := 2; ; n++ {
		path := filepath.Join(p.dir, candidate)
		if _, taken := p.used[path]; !taken {
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				p.used[path] = struct{}{}
				return path
			}
		}
		candidate = fit(stem, "_"+strconv.Itoa(n)+ext)
	}
}

// fit appends tail to stem, shortening stem on a rune boundary so the
// result stays within horosafe.MaxFilenameLen.
func fit(stem, tail string) string {
	for len(stem)+len(tail) > horosafe.MaxFilenameLen && stem != "" {
		_, size := utf8.DecodeLastRuneInString(stem)
		stem = stem[:len(stem)-size]
	}
	return stem + tail
}

func (p *Packager) release(path string) {
	p.mu.Lock()
	delete(p.used, path)
	p.mu.Unlock()
}

// writeZip writes files into a temp file next to target and renames it into
// place once complete.
func writeZip(target string, files []File) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("packager: create tmp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	zw := zip.NewWriter(tmp)
	names := make(map[string]int, len(files))
	for _, f := range files {
		if err = addFile(zw, f, entryName(names, f.Name)); err != nil {
			return err
		}
	}
	if err = zw.Close(); err != nil {
		return fmt.Errorf("packager: finalize zip: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("packager: sync: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("packager: close: %w", err)
	}
	if err = os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("packager: rename: %w", err)
	}
	return nil
}

func addFile(zw *zip.Writer, f File, name string) error {
	src, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("packager: open %s: %w", f.Path, err)
	}
	defer src.Close()
	st, err := src.Stat()
	if err != nil {
		return fmt.Errorf("packager: stat %s: %w", f.Path, err)
	}
	hdr, err := zip.FileInfoHeader(st)
	if err != nil {
		return fmt.Errorf("packager: header %s: %w", f.Path, err)
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("packager: add %s: %w", name, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("packager: copy %s: %w", name, err)
	}
	return nil
}

// entryName keeps entry names unique inside one archive.
func entryName(seen map[string]int, name string) string {
	name = horosafe.SanitizeFilename(name, horosafe.MaxFilenameLen)
	seen[name]++
	if n := seen[name]; n > 1 {
		ext := filepath.Ext(name)
		name = strings.TrimSuffix(name, ext) + "_" + strconv.Itoa(n) + ext
		seen[name]++
	}
	return name
}
