package docpipe

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hazyhaar/licita/horosafe"
)

var errTooLarge = errors.New("docpipe: member too large")

// ExtractArchive reads every supported document in the tender archive at
// archivePath, descending into nested zip files up to MaxDepth. Members
// that cannot be read are listed in Skipped. A path that is not a zip is
// read as a single document.
func (p *Pipeline) ExtractArchive(ctx context.Context, archivePath string) (*Bundle, error) {
	b := &Bundle{Archive: filepath.Base(archivePath), Documents: []*Document{}}
	if strings.ToLower(filepath.Ext(archivePath)) != ".zip" {
		doc, err := p.Extract(ctx, archivePath)
		if err != nil {
			return nil, err
		}
		b.Documents = append(b.Documents, doc)
		return b, nil
	}

	tmp, err := os.MkdirTemp("", "docpipe-")
	if err != nil {
		return nil, fmt.Errorf("docpipe: %w", err)
	}
	defer os.RemoveAll(tmp)

	w := &walker{p: p, tmp: tmp, bundle: b}
	if err := w.walk(ctx, archivePath, "", 0); err != nil {
		return nil, err
	}
	p.logger.Info("docpipe: archive extracted",
		"archive", b.Archive,
		"documents", len(b.Documents),
		"skipped", len(b.Skipped))
	return b, nil
}

type walker struct {
	p       *Pipeline
	tmp     string
	bundle  *Bundle
	entries int
	seq     int
}

func (w *walker) walk(ctx context.Context, zipPath, prefix string, depth int) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		if depth == 0 {
			return fmt.Errorf("docpipe: open %s: %w", filepath.Base(zipPath), err)
		}
		w.skip(prefix, "unreadable archive: "+err.Error())
		return nil
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX/") {
			continue
		}
		base := path.Base(strings.ReplaceAll(f.Name, "\\", "/"))
		if base == "" || base == "." || strings.HasPrefix(base, ".") {
			continue
		}
		name := prefix + base
		if w.entries >= w.p.cfg.MaxEntries {
			w.skip(name, "entry limit reached")
			continue
		}
		w.entries++

		ext := strings.ToLower(path.Ext(base))
		switch {
		case ext == ".zip":
			if depth+1 >= w.p.cfg.MaxDepth {
				w.skip(name, "archive nested too deep")
				continue
			}
			local, err := w.copyOut(f)
			if err != nil {
				w.skip(name, err.Error())
				continue
			}
			if err := w.walk(ctx, local, name+"/", depth+1); err != nil {
				return err
			}
		case ext == ".rar" || ext == ".7z":
			w.skip(name, "archive format not supported")
		default:
			if _, err := Detect(base); err != nil {
				w.skip(name, "unsupported format")
				continue
			}
			local, err := w.copyOut(f)
			if err != nil {
				w.skip(name, err.Error())
				continue
			}
			doc, err := w.p.Extract(ctx, local)
			if err != nil {
				w.skip(name, err.Error())
				continue
			}
			doc.Name = name
			w.bundle.Documents = append(w.bundle.Documents, doc)
		}
	}
	return nil
}

// copyOut writes member f to a fresh file under the walker's temp dir,
// keeping its extension.
func (w *walker) copyOut(f *zip.File) (string, error) {
	if f.UncompressedSize64 > uint64(w.p.cfg.MaxFileSize) {
		return "", errTooLarge
	}
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	w.seq++
	name := strconv.Itoa(w.seq) + "_" + horosafe.SanitizeFilename(f.Name, 120)
	local, err := horosafe.SafePath(w.tmp, name)
	if err != nil {
		return "", err
	}
	out, err := os.Create(local)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(out, io.LimitReader(rc, w.p.cfg.MaxFileSize+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	if n > w.p.cfg.MaxFileSize {
		return "", errTooLarge
	}
	return local, nil
}

func (w *walker) skip(name, reason string) {
	w.p.logger.Debug("docpipe: member skipped", "name", name, "reason", reason)
	w.bundle.Skipped = append(w.bundle.Skipped, Skip{Name: name, Reason: reason})
}

// Readable returns the documents that carry text.
func (b *Bundle) Readable() []*Document {
	var out []*Document
	for _, d := range b.Documents {
		if strings.TrimSpace(d.Text) != "" {
			out = append(out, d)
		}
	}
	return out
}

// NeedsOCR lists documents whose text layer is missing or unusable.
func (b *Bundle) NeedsOCR() []string {
	var out []string
	for _, d := range b.Documents {
		if d.Quality != nil && d.Quality.NeedsOCR() {
			out = append(out, d.Name)
		}
	}
	return out
}
