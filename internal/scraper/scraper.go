// Package scraper holds the document loading and markup helpers shared by the
// brand and product scrapers.
package scraper

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
)

var whitespace = regexp.MustCompile(`\s+`)

// Parse builds a goquery document from an HTML body.
func Parse(url string, body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &catalog.ParseError{URL: url, Err: err}
	}
	return doc, nil
}

// Load fetches url and parses the response.
func Load(ctx context.Context, fetcher catalog.Fetcher, url string) (*goquery.Document, error) {
	resp, err := fetcher.Fetch(ctx, catalog.FetchRequest{URL: url})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	return Parse(url, resp.Body)
}

// CleanText collapses runs of whitespace and trims the result.
func CleanText(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// FirstAttr returns the first non-empty attribute among names.
func FirstAttr(sel *goquery.Selection, names ...string) string {
	for _, name := range names {
		if v, ok := sel.Attr(name); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

// ImageSource returns the lazy-load aware source of an img element.
func ImageSource(img *goquery.Selection) string {
	return FirstAttr(img, "src", "data-src", "data-original")
}
