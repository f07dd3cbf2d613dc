// Package detector decides when a plain HTTP fetch returned a script shell that
// has to be rendered in a browser before it can be scraped.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
)

const defaultMinVisibleText = 64

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	// MinVisibleText is the least amount of body text, scripts and styles
	// excluded, a rendered page is expected to carry.
	MinVisibleText int
}

// NewHeuristic creates a new detector. A non-positive threshold uses 64.
func NewHeuristic(minVisibleText int) *Heuristic {
	if minVisibleText <= 0 {
		minVisibleText = defaultMinVisibleText
	}
	return &Heuristic{MinVisibleText: minVisibleText}
}

var spaMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="__nuxt"`),
	[]byte(`id="root"></div>`),
	[]byte(`id="app"></div>`),
	[]byte("data-reactroot"),
}

// ShouldPromote reports whether resp needs a headless fetch. Failed and
// already rendered responses are never promoted.
func (h *Heuristic) ShouldPromote(resp catalog.FetchResponse) bool {
	if resp.StatusCode != 200 || resp.UsedHeadless {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	if asksForJavaScript(doc) {
		return true
	}
	doc.Find("script, style, noscript, template").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	return len(text) < h.MinVisibleText
}

func asksForJavaScript(doc *goquery.Document) bool {
	found := false
	doc.Find("noscript").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.ToLower(s.Text())
		if strings.Contains(text, "enable javascript") || strings.Contains(text, "javascript is required") {
			found = true
			return false
		}
		return true
	})
	return found
}
