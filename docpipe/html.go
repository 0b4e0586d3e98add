package docpipe

import (
	"bytes"
	"os"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var hiddenStyle = regexp.MustCompile(`(?i)display\s*:\s*none|visibility\s*:\s*hidden|font-size\s*:\s*0(?:[^.1-9]|$)|opacity\s*:\s*0(?:[^.]|$)`)

func hidden(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, a := range n.Attr {
		switch a.Key {
		case "hidden":
			return true
		case "style":
			if hiddenStyle.MatchString(a.Val) {
				return true
			}
		}
	}
	return false
}

// extractHTMLFile reads saved portal pages and markdown-free HTML reports.
func extractHTMLFile(path string) (string, []Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", nil, err
	}
	var blocks []Block
	htmlBlocks(doc, &blocks)
	if len(blocks) == 0 {
		if text := htmlText(doc); text != "" {
			blocks = append(blocks, Block{Kind: KindParagraph, Text: text})
		}
	}
	title := htmlTitle(doc)
	if title == "" {
		for _, b := range blocks {
			if b.Kind == KindHeading {
				title = b.Text
				break
			}
		}
	}
	return title, blocks, nil
}

func htmlTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		return htmlText(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := htmlTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func htmlBlocks(n *html.Node, out *[]Block) {
	if n.Type == html.ElementNode {
		if hidden(n) {
			return
		}
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Nav, atom.Footer, atom.Head, atom.Template:
			return
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			if text := htmlText(n); text != "" {
				*out = append(*out, Block{Kind: KindHeading, Level: int(n.Data[1] - '0'), Text: text})
			}
			return
		case atom.P, atom.Li, atom.Dd, atom.Dt, atom.Pre, atom.Blockquote:
			if text := htmlText(n); text != "" {
				kind := KindParagraph
				if n.DataAtom == atom.Li {
					kind = KindList
				}
				*out = append(*out, Block{Kind: kind, Text: text})
			}
			return
		case atom.Tr:
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) && !hidden(c) {
					cells = append(cells, htmlText(c))
				}
			}
			if strings.TrimSpace(strings.Join(cells, "")) != "" {
				*out = append(*out, Block{Kind: KindTableRow, Text: strings.Join(cells, " | ")})
			}
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		htmlBlocks(c, out)
	}
}

// htmlText returns the visible text under n with whitespace collapsed.
func htmlText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(t)
			}
		case html.ElementNode:
			if hidden(n) {
				return
			}
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return collapseSpaces(sb.String())
}
