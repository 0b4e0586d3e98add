package browser

import (
	"regexp"

	"github.com/go-rod/rod"
)

// Locator is one strategy for finding elements. Query must not wait: Find
// polls all strategies in order until one yields a visible element.
type Locator struct {
	Name  string
	Query func(p *rod.Page) (rod.Elements, error)
}

// CSS locates elements by CSS selector.
func CSS(selector string) Locator {
	return Locator{
		Name:  "css:" + selector,
		Query: func(p *rod.Page) (rod.Elements, error) { return p.Elements(selector) },
	}
}

// XPath locates elements by XPath expression.
func XPath(expr string) Locator {
	return Locator{
		Name:  "xpath:" + expr,
		Query: func(p *rod.Page) (rod.Elements, error) { return p.ElementsX(expr) },
	}
}

// Text locates elements matching selector whose visible text matches the
// regular expression pattern (case-insensitive).
func Text(selector, pattern string) Locator {
	re := regexp.MustCompile("(?i)" + pattern)
	return Locator{
		Name: "text:" + selector + "~" + pattern,
		Query: func(p *rod.Page) (rod.Elements, error) {
			els, err := p.Elements(selector)
			if err != nil {
				return nil, err
			}
			var out rod.Elements
			for _, el := range els {
				txt, err := el.Text()
				if err != nil {
					continue
				}
				if re.MatchString(txt) {
					out = append(out, el)
				}
			}
			return out, nil
		},
	}
}

// Attr locates elements matching selector whose attribute value matches
// the regular expression pattern.
func Attr(selector, attr, pattern string) Locator {
	re := regexp.MustCompile("(?i)" + pattern)
	return Locator{
		Name: "attr:" + selector + "[" + attr + "~" + pattern + "]",
		Query: func(p *rod.Page) (rod.Elements, error) {
			els, err := p.Elements(selector)
			if err != nil {
				return nil, err
			}
			var out rod.Elements
			for _, el := range els {
				v, err := el.Attribute(attr)
				if err != nil || v == nil {
					continue
				}
				if re.MatchString(*v) {
					out = append(out, el)
				}
			}
			return out, nil
		},
	}
}
