package product

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/scraper"
)

const (
	productAnchorSelector = `a[href*="/product/"]`
	loaderAsset           = "product-loader.svg"
)

// extractListing turns every product anchor on a listing page into a product
// summary. seen carries source URLs across pages of the same brand.
func (s *Scraper) extractListing(doc *goquery.Document, brandName string, page int, seen map[string]struct{}) []catalog.Product {
	now := s.clock.Now()
	var products []catalog.Product
	doc.Find(productAnchorSelector).Each(func(_ int, a *goquery.Selection) {
		name := productName(a)
		if name == "" {
			return
		}
		href, _ := a.Attr("href")
		sourceURL := catalog.ResolveURL(s.cfg.BaseURL, href)
		if sourceURL == "" {
			return
		}
		if _, dup := seen[sourceURL]; dup {
			return
		}
		seen[sourceURL] = struct{}{}
		products = append(products, s.summarize(a, name, sourceURL, brandName, page, now))
	})
	return products
}

func (s *Scraper) summarize(a *goquery.Selection, name, sourceURL, brandName string, page int, now time.Time) catalog.Product {
	container, _ := findContainer(a, s.cfg.Currency)
	scope := container
	if scope == nil {
		scope = a
	}

	current, original := s.prices.extract(container)
	discounted := current != nil && original != nil && *original > *current

	image := s.anchorImage(a)
	if image == "" && container != nil {
		image = s.firstUsableImage(container)
	}

	return catalog.Product{
		Name:             name,
		CurrentPrice:     current,
		OriginalPrice:    original,
		IsDiscounted:     discounted,
		Currency:         s.cfg.Currency,
		MainImage:        image,
		AdditionalImages: []string{},
		Sizes:            []catalog.Size{},
		SourceURL:        sourceURL,
		BrandName:        brandName,
		Availability:     availability(scope, current != nil),
		Page:             page,
		ScrapedAt:        now,
	}
}

// productName prefers the title attribute and falls back to the first line
// of the anchor text. Unrendered template placeholders are rejected.
func productName(a *goquery.Selection) string {
	if title, ok := a.Attr("title"); ok {
		title = strings.TrimSpace(title)
		if title != "" && !strings.Contains(title, "{{") {
			return title
		}
	}
	text := strings.TrimSpace(a.Text())
	if text == "" || strings.Contains(text, "{{") || strings.Contains(text, "}}") {
		return ""
	}
	first, _, _ := strings.Cut(text, "\n")
	return strings.TrimSpace(first)
}

func (s *Scraper) anchorImage(a *goquery.Selection) string {
	img := a.Find("img").First()
	if img.Length() == 0 {
		return ""
	}
	src := scraper.ImageSource(img)
	if !usableImage(src) {
		return ""
	}
	return catalog.ResolveURL(s.cfg.BaseURL, src)
}

func (s *Scraper) firstUsableImage(scope *goquery.Selection) string {
	var found string
	scope.Find("img").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		if src := scraper.ImageSource(img); usableImage(src) {
			found = catalog.ResolveURL(s.cfg.BaseURL, src)
			return false
		}
		return true
	})
	return found
}

func usableImage(src string) bool {
	return src != "" && !strings.Contains(src, loaderAsset) && !strings.HasPrefix(src, "data:")
}
