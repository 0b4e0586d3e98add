// Package report renders the documents a scrape synthesizes from a detail
// page: printable HTML tables and markdown copies with YAML frontmatter.
package report

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"gopkg.in/yaml.v3"
)

// Meta is the frontmatter of a markdown report.
type Meta struct {
	Portal    string    `yaml:"portal"`
	TenderID  string    `yaml:"tender_id"`
	Title     string    `yaml:"title"`
	SourceURL string    `yaml:"source_url,omitempty"`
	Kind      string    `yaml:"kind"`
	Generated time.Time `yaml:"generated"`
}

// Table is one titled table of a report.
type Table struct {
	Heading string
	Columns []string
	Rows    [][]string
}

var page = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; font-size: 10px; }
table { width: 100%; border-collapse: collapse; margin-bottom: 15px; }
th, td { border: 1px solid #ddd; padding: 4px; text-align: left; }
th { background-color: #f2f2f2; font-weight: bold; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{range .Tables}}{{if .Rows}}<h2>{{.Heading}}</h2>
<table>
<thead><tr>{{range .Columns}}<th>{{.}}</th>{{end}}</tr></thead>
<tbody>
{{range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{end}}</tbody>
</table>
{{end}}{{end}}</body>
</html>
`))

// HTML renders tables as a standalone printable document. Tables without
// rows are omitted.
func HTML(title string, tables []Table) (string, error) {
	var buf bytes.Buffer
	err := page.Execute(&buf, struct {
		Title  string
		Tables []Table
	}{title, tables})
	if err != nil {
		return "", fmt.Errorf("report: render: %w", err)
	}
	return buf.String(), nil
}

// Converter turns captured page fragments into markdown.
type Converter struct {
	policy *bluemonday.Policy
	md     *converter.Converter
}

// NewConverter creates a Converter. Fragments are sanitized with the UGC
// policy first, which keeps tables and links and drops scripts and styles.
func NewConverter() *Converter {
	return &Converter{
		policy: bluemonday.UGCPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Markdown converts html into a markdown document prefixed with meta as
// YAML frontmatter.
func (c *Converter) Markdown(meta Meta, html string) ([]byte, error) {
	clean := c.policy.Sanitize(html)
	var (
		body string
		err  error
	)
	if meta.SourceURL != "" {
		body, err = c.md.ConvertString(clean, converter.WithDomain(meta.SourceURL))
	} else {
		body, err = c.md.ConvertString(clean)
	}
	if err != nil {
		return nil, fmt.Errorf("report: markdown: %w", err)
	}
	if meta.Generated.IsZero() {
		meta.Generated = time.Now().UTC()
	}
	front, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("report: frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(front)
	buf.WriteString("---\n\n")
	buf.WriteString(body)
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// ParseFrontmatter splits a markdown report into its metadata and body.
func ParseFrontmatter(doc []byte) (Meta, []byte, error) {
	const sep = "---\n"
	if !bytes.HasPrefix(doc, []byte(sep)) {
		return Meta{}, nil, fmt.Errorf("report: missing frontmatter")
	}
	rest := doc[len(sep):]
	end := bytes.Index(rest, []byte("\n"+sep))
	if end < 0 {
		return Meta{}, nil, fmt.Errorf("report: unterminated frontmatter")
	}
	var m Meta
	if err := yaml.Unmarshal(rest[:end+1], &m); err != nil {
		return Meta{}, nil, fmt.Errorf("report: frontmatter: %w", err)
	}
	return m, bytes.TrimLeft(rest[end+1+len(sep):], "\n"), nil
}
