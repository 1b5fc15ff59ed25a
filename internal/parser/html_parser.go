// Package parser extracts the title, description and outbound anchors of an
// archived HTML page.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/masahif/sitemirror/internal/urlnorm"
)

// HTMLParser resolves anchors of one page against its URL.
type HTMLParser struct {
	baseURL *url.URL
}

// ParseResult contains the parsed page data.
type ParseResult struct {
	Title    string
	MetaDesc string
	Links    []Link
}

// Link is one outbound anchor. Internal means same host as the page, with a
// leading "www." ignored.
type Link struct {
	URL      string `json:"url"`
	Text     string `json:"text"`
	Internal bool   `json:"internal"`
}

// NewHTMLParser creates a parser for the page at baseURL.
func NewHTMLParser(baseURL string) (*HTMLParser, error) {
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if !parsedURL.IsAbs() {
		return nil, fmt.Errorf("invalid base URL: %q is not absolute", baseURL)
	}
	return &HTMLParser{baseURL: parsedURL}, nil
}

// Parse walks the document. The tokenizer-backed parser accepts malformed
// markup, so an error here means the input could not be read at all.
func (p *HTMLParser) Parse(htmlContent []byte) (*ParseResult, error) {
	doc, err := html.Parse(bytes.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	result := &ParseResult{Links: []Link{}}
	p.traverse(doc, result)
	return result, nil
}

func (p *HTMLParser) traverse(n *html.Node, result *ParseResult) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "title":
			if result.Title == "" {
				result.Title = strings.TrimSpace(extractText(n))
			}
		case "meta":
			if strings.EqualFold(attr(n, "name"), "description") && result.MetaDesc == "" {
				result.MetaDesc = strings.TrimSpace(attr(n, "content"))
			}
		case "a":
			if link, ok := p.anchor(n); ok {
				result.Links = append(result.Links, link)
			}
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.traverse(c, result)
	}
}

func (p *HTMLParser) anchor(n *html.Node) (Link, bool) {
	href := strings.TrimSpace(attr(n, "href"))
	if href == "" || strings.HasPrefix(href, "#") {
		return Link{}, false
	}
	if strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return Link{}, false
	}

	ref, err := url.Parse(href)
	if err != nil {
		return Link{}, false
	}
	resolved := p.baseURL.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		// mailto:, tel:, data: and friends
		return Link{}, false
	}
	resolved.Fragment = ""
	resolved.RawFragment = ""

	return Link{
		URL:      resolved.String(),
		Text:     strings.TrimSpace(extractText(n)),
		Internal: urlnorm.SameHost(p.baseURL.String(), resolved.String()),
	}, true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func extractText(n *html.Node) string {
	if n.Type == html.TextNode {
		return strings.TrimSpace(n.Data)
	}

	var parts []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if text := extractText(c); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}
