package fetch

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/mazen4bs/crawlgrid/internal/crawl"
)

// Page holds what extraction pulls out of an HTML body.
type Page struct {
	Title string
	// Text is the indexable prose: headings and paragraphs when the page
	// has them, otherwise all visible text.
	Text  string
	Links []string
}

// ExtractPage parses an HTML body fetched from baseURL.
func ExtractPage(baseURL string, body []byte) (Page, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return Page{}, fmt.Errorf("parse html from %s: %w", baseURL, err)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return Page{}, fmt.Errorf("parse base url %s: %w", baseURL, err)
	}

	var (
		title      string
		links      []string
		seen       = make(map[string]struct{})
		structured []string
		fullText   []string
		skipDepth  int
	)

	var walker func(n *html.Node)
	walker = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "title":
				if title == "" {
					title = strings.TrimSpace(nodeText(n))
				}
			case "a":
				if link, ok := resolveLink(base, n); ok {
					if _, dup := seen[link]; !dup {
						seen[link] = struct{}{}
						links = append(links, link)
					}
				}
			case "h1", "h2", "h3", "h4", "h5", "h6", "p":
				if t := strings.TrimSpace(nodeText(n)); t != "" {
					structured = append(structured, t)
				}
			case "script", "style", "noscript":
				skipDepth++
				defer func() { skipDepth-- }()
			}
		case html.TextNode:
			if skipDepth == 0 {
				if t := strings.TrimSpace(n.Data); t != "" {
					fullText = append(fullText, t)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walker(c)
		}
	}
	walker(doc)

	text := strings.Join(structured, "\n")
	if text == "" {
		text = strings.Join(fullText, " ")
	}
	return Page{Title: title, Text: text, Links: links}, nil
}

// resolveLink turns an anchor's href into an absolute, canonical HTTP(S) URL.
// Fragment-only self references and non-web schemes are dropped.
func resolveLink(base *url.URL, n *html.Node) (string, bool) {
	var href string
	for _, attr := range n.Attr {
		if attr.Key == "href" {
			href = strings.TrimSpace(attr.Val)
			break
		}
	}
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	canonical, err := crawl.Canonicalize(abs.String())
	if err != nil {
		return "", false
	}
	return canonical, true
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
