// Package converter cleans fetched HTML and renders it as compact Markdown.
package converter

import (
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/markdown-scraper/internal/scrape"
)

var (
	xmlPrologRe  = regexp.MustCompile(`(?is)<\?xml.*?\?>`)
	doctypeRe    = regexp.MustCompile(`(?is)<!doctype.*?>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// structural elements are never flattened: lifting their only child out
// drops the heading level, the paragraph break or the table and list shape.
var structural = map[string]struct{}{
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {},
	"p": {}, "blockquote": {}, "li": {}, "td": {}, "th": {},
	"table": {}, "thead": {}, "tbody": {}, "tfoot": {}, "tr": {},
	"ul": {}, "ol": {}, "dl": {}, "pre": {},
}

// Converter sanitizes HTML and transcodes it to Markdown with ATX headings and
// GitHub-flavored tables, strikethrough and task lists. It is safe for
// concurrent use.
type Converter struct {
	markdown *md.Converter
}

// New creates a Converter.
func New() *Converter {
	conv := md.NewConverter("", true, &md.Options{HeadingStyle: "atx"})
	conv.Use(plugin.GitHubFlavored())
	return &Converter{markdown: conv}
}

// Convert cleans rawHTML and renders the result as Markdown. It never fails:
// malformed markup is handled by the lenient HTML5 parser and anything that
// cannot be parsed yields an empty conversion.
func (c *Converter) Convert(rawHTML string) scrape.Conversion {
	cleaned := Clean(rawHTML)
	if cleaned == "" {
		return scrape.Conversion{}
	}
	markdown, err := c.markdown.ConvertString(cleaned)
	if err != nil {
		return scrape.Conversion{HTML: cleaned}
	}
	return scrape.Conversion{HTML: cleaned, Markdown: strings.TrimSpace(markdown)}
}

// Clean strips everything from rawHTML that costs tokens without carrying
// content: declarations, scripts, styles, comments, attributes, empty
// elements and wrapper-only nesting. The returned markup has no blank lines
// and no leading or trailing whitespace on any line.
func Clean(rawHTML string) string {
	stripped := stripDeclarations(rawHTML)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(stripped))
	if err != nil {
		return ""
	}

	doc.Find("script, style").Remove()
	removeComments(doc.Selection.Nodes[0])
	stripAttributes(doc)
	pruneEmpty(doc)
	flattenWrappers(doc)

	rendered, err := doc.Html()
	if err != nil {
		return ""
	}
	return compactLines(rendered)
}

func stripDeclarations(raw string) string {
	raw = xmlPrologRe.ReplaceAllString(raw, "")
	return doctypeRe.ReplaceAllString(raw, "")
}

func removeComments(root *html.Node) {
	var comments []*html.Node
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.CommentNode {
			comments = append(comments, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(root)

	for _, n := range comments {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
}

// stripAttributes drops every attribute, so anchors lose their href too and
// links degrade to plain text.
func stripAttributes(doc *goquery.Document) {
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		for _, n := range s.Nodes {
			n.Attr = nil
		}
	})
}

// pruneEmpty removes elements without visible text until a full sweep removes
// nothing. Removing a child can empty its parent, so one sweep is not enough.
func pruneEmpty(doc *goquery.Document) {
	for {
		removed := false
		doc.Find("*").Each(func(_ int, s *goquery.Selection) {
			if strings.TrimSpace(s.Text()) == "" {
				s.Remove()
				removed = true
			}
		})
		if !removed {
			return
		}
	}
}

// flattenWrappers replaces an element by its only element child when both
// carry the same text, until a sweep changes nothing.
func flattenWrappers(doc *goquery.Document) {
	for {
		flattened := false
		doc.Find("*").Each(func(_ int, s *goquery.Selection) {
			n := s.Nodes[0]
			if n.Parent == nil {
				return
			}
			if _, ok := structural[n.Data]; ok {
				return
			}
			children := s.Children()
			if children.Length() != 1 {
				return
			}
			if squash(s.Text()) != squash(children.Text()) {
				return
			}
			child := children.Nodes[0]
			n.RemoveChild(child)
			n.Parent.InsertBefore(child, n)
			n.Parent.RemoveChild(n)
			flattened = true
		})
		if !flattened {
			return
		}
	}
}

func squash(text string) string {
	return whitespaceRe.ReplaceAllString(text, "")
}

func compactLines(rendered string) string {
	lines := strings.Split(rendered, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
