package browser

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// PageText is the readable content of a rendered document.
type PageText struct {
	Title       string
	Description string
	Text        string
}

// ExtractText parses rendered HTML and returns its visible text with
// scripts, styles and other noise removed. Block elements end a line so
// paragraphs and list items stay separate.
func ExtractText(rawHTML string) (*PageText, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var b strings.Builder
	walkText(doc, &b)

	return &PageText{
		Title:       extractTitle(doc),
		Description: extractMetaDescription(doc),
		Text:        collapseLines(b.String()),
	}, nil
}

func walkText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.CommentNode:
		return
	case html.TextNode:
		if text := strings.Join(strings.Fields(n.Data), " "); text != "" {
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
				b.WriteByte(' ')
			}
			b.WriteString(text)
		}
		return
	case html.ElementNode:
		tag := strings.ToLower(n.Data)
		if isSkippedElement(tag) || tag == "head" {
			return
		}
		if tag == "br" {
			b.WriteByte('\n')
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walkText(c, b)
		}
		if isBlockElement(tag) {
			b.WriteByte('\n')
		}
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkText(c, b)
	}
}

// collapseLines trims every line and drops empty ones.
func collapseLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// isSkippedElement returns true for elements whose content is never visible text
func isSkippedElement(tag string) bool {
	switch tag {
	case "script", "style", "noscript", "template", "iframe", "embed", "object", "svg":
		return true
	}
	return false
}

// isBlockElement returns true for elements that break lines
func isBlockElement(tag string) bool {
	switch tag {
	case "div", "p", "section", "article", "header", "footer", "nav", "main", "aside",
		"h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol", "li", "table", "tr",
		"form", "fieldset", "blockquote", "pre", "hr", "dl", "dt", "dd", "figure", "figcaption":
		return true
	}
	return false
}

// extractTitle extracts the page title from the document
func extractTitle(doc *html.Node) string {
	var title string
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "title" {
			if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				title = strings.TrimSpace(n.FirstChild.Data)
			}
			return
		}
		for c := n.FirstChild; c != nil && title == ""; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(doc)
	return title
}

// extractMetaDescription extracts the meta description from the document
func extractMetaDescription(doc *html.Node) string {
	var description string
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "meta" {
			var isDescription bool
			var content string
			for _, attr := range n.Attr {
				switch attr.Key {
				case "name":
					isDescription = strings.EqualFold(attr.Val, "description")
				case "content":
					content = attr.Val
				}
			}
			if isDescription && content != "" {
				description = strings.TrimSpace(content)
				return
			}
		}
		for c := n.FirstChild; c != nil && description == ""; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(doc)
	return description
}
