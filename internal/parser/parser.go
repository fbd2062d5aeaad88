// Package parser is the boundary between fetched HTML and normalized items. It sanitizes
// documents with goquery and ships a selector-driven generic parser; site-specific parsers
// register themselves under their source name.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/osint-watchtower/internal/hash/sha256"
	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

// Extra keys understood by Generic.
const (
	ExtraItemSelector  = "item_selector"
	ExtraTitleSelector = "title_selector"
)

// GenericName is the registry key of the generic parser.
const GenericName = "generic"

var strippedTags = "script, style, noscript, iframe, template, svg"

// Sanitize parses html and removes elements whose text is never content.
func Sanitize(raw []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	doc.Find(strippedTags).Remove()
	return doc, nil
}

// Generic yields one item per element matching the source's item_selector, or one item for
// the whole page when no selector is configured.
type Generic struct{}

// Parse implements osint.Parser.
func (Generic) Parse(in osint.ParseInput) (items []osint.NormalizedItem, err error) {
	defer func() {
		if r := recover(); r != nil {
			items = nil
			err = &osint.ParseError{Source: in.Source.Name, URL: in.URL, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	doc, err := Sanitize(in.HTML)
	if err != nil {
		return nil, &osint.ParseError{Source: in.Source.Name, URL: in.URL, Err: err}
	}
	base, _ := url.Parse(in.URL)

	selector := strings.TrimSpace(in.Source.Extra[ExtraItemSelector])
	if selector == "" {
		text := TextOf(doc.Find("body"))
		if text == "" {
			return nil, nil
		}
		return []osint.NormalizedItem{newItem(in, in.URL, sha256.Normalize(doc.Find("title").First().Text()), text, publishedAt(doc.Selection))}, nil
	}

	titleSel := in.Source.Extra[ExtraTitleSelector]
	if titleSel == "" {
		titleSel = "a"
	}
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		text := TextOf(s)
		if text == "" {
			return
		}
		titleNode := s.Find(titleSel).First()
		title := TextOf(titleNode)
		link := in.URL
		if href, ok := s.Find("a[href]").First().Attr("href"); ok {
			link = resolve(base, href, in.URL)
		}
		items = append(items, newItem(in, link, title, text, publishedAt(s)))
	})
	return items, nil
}

// TextOf joins every text node under s with single spaces, so adjacent cells and
// blocks do not run together the way Selection.Text does.
func TextOf(s *goquery.Selection) string {
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			parts = append(parts, n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range s.Nodes {
		walk(n)
	}
	return sha256.Normalize(strings.Join(parts, " "))
}

func newItem(in osint.ParseInput, link, title, text string, published time.Time) osint.NormalizedItem {
	return osint.NormalizedItem{
		Source:      in.Source.Name,
		URL:         link,
		Title:       title,
		Text:        text,
		PublishedAt: published,
		FetchedAt:   in.FetchedAt,
		FromCache:   in.FromCache,
	}
}

func resolve(base *url.URL, href, fallback string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return fallback
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

var timeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

func publishedAt(s *goquery.Selection) time.Time {
	raw, ok := s.Find("time[datetime]").First().Attr("datetime")
	if !ok {
		return time.Time{}
	}
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// Registry maps parser names to implementations.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]osint.Parser
}

// NewRegistry returns a registry preloaded with the generic parser.
func NewRegistry() *Registry {
	return &Registry{parsers: map[string]osint.Parser{GenericName: Generic{}}}
}

// Register adds or replaces a parser.
func (r *Registry) Register(name string, p osint.Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[name] = p
}

// For returns the parser configured for source, falling back to the generic parser.
func (r *Registry) For(source osint.Source) osint.Parser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.parsers[source.Parser]; ok {
		return p
	}
	if p, ok := r.parsers[source.Name]; ok {
		return p
	}
	return r.parsers[GenericName]
}
