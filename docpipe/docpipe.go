// Package docpipe extracts text from tender documents so they can be
// summarized: PDF through pdfcpu, DOCX and ODT through their XML parts,
// HTML through golang.org/x/net/html, and plain text. Archives are
// unpacked recursively.
package docpipe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config configures the pipeline.
type Config struct {
	// MaxFileSize bounds a single document, inside or outside an archive.
	// Default: 100 MB.
	MaxFileSize int64 `yaml:"max_file_size"`

	// MaxEntries bounds the members read from one archive tree. Default: 500.
	MaxEntries int `yaml:"max_entries"`

	// MaxDepth bounds archive nesting. Default: 3.
	MaxDepth int `yaml:"max_depth"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 100 << 20
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 500
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pipeline is the extraction engine. Safe for concurrent use.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	cfg.defaults()
	return &Pipeline{cfg: cfg, logger: cfg.Logger}
}

// Detect returns the document format of path from its extension.
func Detect(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return FormatPDF, nil
	case ".docx":
		return FormatDocx, nil
	case ".odt":
		return FormatODT, nil
	case ".html", ".htm", ".xhtml":
		return FormatHTML, nil
	case ".txt", ".text", ".csv":
		return FormatTXT, nil
	case ".md", ".markdown":
		return FormatMD, nil
	}
	return "", fmt.Errorf("docpipe: unsupported format %q", filepath.Ext(path))
}

// Extract reads one document.
func (p *Pipeline) Extract(ctx context.Context, path string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("docpipe: %w", err)
	}
	if info.Size() > p.cfg.MaxFileSize {
		return nil, fmt.Errorf("docpipe: %s is %d bytes (max %d)", filepath.Base(path), info.Size(), p.cfg.MaxFileSize)
	}
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}

	doc := &Document{Name: filepath.Base(path), Format: format}
	switch format {
	case FormatPDF:
		doc.Title, doc.Blocks, doc.Quality, err = extractPDF(path)
		if doc.Quality != nil {
			doc.Pages = doc.Quality.PageCount
		}
	case FormatDocx:
		doc.Title, doc.Blocks, err = extractDocx(path)
	case FormatODT:
		doc.Title, doc.Blocks, err = extractODT(path)
	case FormatHTML:
		doc.Title, doc.Blocks, err = extractHTMLFile(path)
	case FormatMD:
		doc.Title, doc.Blocks, err = extractMarkdown(path)
	case FormatTXT:
		doc.Title, doc.Blocks, err = extractText(path)
	}
	if err != nil {
		return nil, fmt.Errorf("docpipe: %s (%s): %w", filepath.Base(path), format, err)
	}
	doc.Text = joinBlocks(doc.Blocks)
	p.logger.Debug("docpipe: extracted", "name", doc.Name, "format", format, "blocks", len(doc.Blocks), "chars", len(doc.Text))
	return doc, nil
}

func joinBlocks(blocks []Block) string {
	var sb strings.Builder
	for i, b := range blocks {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(b.Text)
	}
	return sb.String()
}
