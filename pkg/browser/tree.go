package browser

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// captureTree parses raw page HTML into a cleaned outline of content and
// interactive elements, dropping scripts, styles, and presentation noise.
// The outline is bounded at maxChars; Truncated reports whether the bound
// was hit.
func captureTree(rawHTML string, maxChars int) (*DocumentTree, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	tree := &DocumentTree{Title: documentTitle(doc)}

	var b strings.Builder
	var written int
	tree.Truncated = writeNode(doc, &b, &written, maxChars, 0)
	tree.Outline = b.String()
	return tree, nil
}

// writeNode recursively renders a node into the outline. Returns true once
// the character bound is reached.
func writeNode(n *html.Node, b *strings.Builder, written *int, maxChars, depth int) bool {
	if *written >= maxChars {
		return true
	}

	switch n.Type {
	case html.CommentNode:
		return false

	case html.TextNode:
		text := strings.Join(strings.Fields(n.Data), " ")
		if text == "" {
			return false
		}
		if *written+len(text) > maxChars {
			text = clampToRune(text, maxChars-*written) + "..."
			b.WriteString(text)
			*written = maxChars
			return true
		}
		b.WriteString(text)
		*written += len(text)
		return false

	case html.ElementNode:
		tag := strings.ToLower(n.Data)
		if droppedTags[tag] {
			return false
		}
		return writeElement(n, tag, b, written, maxChars, depth)
	}

	return writeChildren(n, b, written, maxChars, depth)
}

func writeElement(n *html.Node, tag string, b *strings.Builder, written *int, maxChars, depth int) bool {
	if depth > 0 && blockTags[tag] {
		b.WriteString("\n")
		b.WriteString(strings.Repeat("  ", depth))
	}

	b.WriteString("<")
	b.WriteString(tag)
	for _, attr := range n.Attr {
		if keepAttribute(tag, strings.ToLower(attr.Key)) {
			fmt.Fprintf(b, ` %s=%q`, attr.Key, attr.Val)
		}
	}
	b.WriteString(">")
	*written += len(tag) + 2

	truncated := writeChildren(n, b, written, maxChars, depth+1)

	if !voidTags[tag] {
		if blockTags[tag] {
			b.WriteString("\n")
			b.WriteString(strings.Repeat("  ", depth))
		}
		fmt.Fprintf(b, "</%s>", tag)
		*written += len(tag) + 3
	}
	return truncated
}

// clampToRune bounds s to at most limit bytes without splitting a UTF-8
// sequence.
func clampToRune(s string, limit int) string {
	if limit >= len(s) {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

func writeChildren(n *html.Node, b *strings.Builder, written *int, maxChars, depth int) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if writeNode(c, b, written, maxChars, depth) {
			return true
		}
	}
	return false
}

// droppedTags are removed entirely, subtree included.
var droppedTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"iframe":   true,
	"embed":    true,
	"object":   true,
	"svg":      true,
	"template": true,
}

// blockTags get newline/indent formatting in the outline.
var blockTags = map[string]bool{
	"div": true, "p": true, "section": true, "article": true,
	"header": true, "footer": true, "nav": true, "main": true, "aside": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "li": true,
	"table": true, "thead": true, "tbody": true, "tr": true, "td": true, "th": true,
	"form": true, "fieldset": true, "blockquote": true, "pre": true,
}

// voidTags have no closing tag.
var voidTags = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

// keepAttribute reports whether an attribute is useful for extraction or
// element targeting and should survive cleaning.
func keepAttribute(tag, attr string) bool {
	switch attr {
	case "id", "class", "role", "aria-label", "aria-describedby":
		return true
	}
	if strings.HasPrefix(attr, "data-") {
		return true
	}
	switch tag {
	case "a":
		return attr == "href" || attr == "target"
	case "img":
		return attr == "src" || attr == "alt"
	case "input", "textarea", "select":
		return attr == "name" || attr == "type" || attr == "placeholder" || attr == "value"
	case "button":
		return attr == "type" || attr == "name"
	case "form":
		return attr == "action" || attr == "method"
	}
	return false
}

func documentTitle(doc *html.Node) string {
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" {
			if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				title = strings.TrimSpace(n.FirstChild.Data)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}
