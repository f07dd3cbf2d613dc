package product

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/scraper"
)

// gallerySelectors are tried in order; the first one yielding a usable image
// is the gallery.
var gallerySelectors = []string{
	".product-gallery img",
	".product-images img",
	".product-slider img",
	".swiper-slide img",
	".carousel-item img",
	".nav-thumbs img",
	`[class*="gallery"] img`,
	`[class*="thumb"] img`,
}

const stockInputSelector = `input[type="radio"][name^="stock_"]`

var (
	trailingProductID = regexp.MustCompile(`-([0-9]+)$`)
	sizeVocabulary    = regexp.MustCompile(`(?i)^(?:XXS|XS|S|M|L|XL|XXL|XXXL|[2-5]XL|[0-9]{1,3}(?:[.,][0-9])?(?:\s?[0-9]/[0-9])?)$`)
)

// enrich fetches every product's detail page concurrently and fills in
// additional images and sizes. Failures leave the fields empty.
func (s *Scraper) enrich(ctx context.Context, products []catalog.Product) {
	var g errgroup.Group
	for i := range products {
		p := &products[i]
		if p.SourceURL == "" {
			continue
		}
		g.Go(func() error {
			doc, err := scraper.Load(ctx, s.fetcher, p.SourceURL)
			if err != nil {
				s.logger.Warn("detail page failed", zap.String("url", p.SourceURL), zap.Error(err))
				return nil
			}
			p.AdditionalImages = s.additionalImages(doc, p.MainImage)
			p.Sizes = extractSizes(doc, p.SourceURL)
			return nil
		})
	}
	// Detail failures are logged per product; Wait only joins.
	g.Wait()
}

// additionalImages collects gallery images, deduplicated against the main
// image and each other.
func (s *Scraper) additionalImages(doc *goquery.Document, mainImage string) []string {
	images := []string{}
	seen := map[string]struct{}{}
	if mainImage != "" {
		seen[mainImage] = struct{}{}
	}
	add := func(src string) {
		if len(images) >= s.cfg.MaxImages || !usableImage(src) {
			return
		}
		abs := catalog.ResolveURL(s.cfg.BaseURL, src)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		images = append(images, abs)
	}

	for _, sel := range gallerySelectors {
		matched := doc.Find(sel).FilterFunction(func(_ int, img *goquery.Selection) bool {
			return usableImage(scraper.ImageSource(img))
		})
		if matched.Length() == 0 {
			continue
		}
		matched.Each(func(_ int, img *goquery.Selection) { add(scraper.ImageSource(img)) })
		return images
	}

	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		src := scraper.ImageSource(img)
		if isDecoration(img, src) || !productAssociated(img) {
			return
		}
		add(src)
	})
	return images
}

func productAssociated(img *goquery.Selection) bool {
	if strings.Contains(strings.ToLower(img.AttrOr("alt", "")), "product") {
		return true
	}
	return img.ParentsFiltered(`[class*="product"]`).Length() > 0
}

func isDecoration(img *goquery.Selection, src string) bool {
	probe := strings.ToLower(src + " " + img.AttrOr("alt", "") + " " + img.AttrOr("class", ""))
	return strings.Contains(probe, "logo") || strings.Contains(probe, "icon")
}

// stockPayload is the JSON document carried in a stock_ radio input's value.
// Numeric fields may arrive as numbers or strings.
type stockPayload struct {
	SizeName        string    `json:"sizeName"`
	SizeID          textValue `json:"sizeId"`
	ProductID       textValue `json:"productId"`
	Count           textValue `json:"count"`
	Price           textValue `json:"price"`
	DiscountedPrice textValue `json:"discountedPrice"`
	Barcode         textValue `json:"barcode"`
}

type textValue string

func (t *textValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*t = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = textValue(strings.TrimSpace(s))
	default:
		*t = textValue(data)
	}
	return nil
}

func (t textValue) asFloat() *float64 {
	if t == "" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(string(t), ",", "."), 64)
	if err != nil {
		return nil
	}
	return &v
}

func (t textValue) asInt() int {
	v, err := strconv.Atoi(string(t))
	if err != nil {
		if f := t.asFloat(); f != nil {
			return int(*f)
		}
		return 0
	}
	return v
}

// extractSizes prefers structured stock inputs and falls back to option-like
// elements with a recognizable size label.
func extractSizes(doc *goquery.Document, pageURL string) []catalog.Size {
	if sizes, ok := structuredSizes(doc, currentProductID(doc, pageURL)); ok {
		return sizes
	}
	return optionSizes(doc)
}

// currentProductID reads the product id from page markup, then from the
// trailing -<digits> of the URL. Empty when undeterminable.
func currentProductID(doc *goquery.Document, pageURL string) string {
	if v := strings.TrimSpace(doc.Find(`input[name="product_id"]`).First().AttrOr("value", "")); v != "" {
		return v
	}
	if v := strings.TrimSpace(doc.Find("[data-product-id]").First().AttrOr("data-product-id", "")); v != "" {
		return v
	}
	if m := trailingProductID.FindStringSubmatch(catalog.LastPathSegment(pageURL)); m != nil {
		return m[1]
	}
	return ""
}

// structuredSizes reports ok when the page carries stock inputs at all, even
// if every one belonged to another product.
func structuredSizes(doc *goquery.Document, productID string) ([]catalog.Size, bool) {
	inputs := doc.Find(stockInputSelector)
	if inputs.Length() == 0 {
		return nil, false
	}
	sizes := []catalog.Size{}
	inputs.Each(func(_ int, input *goquery.Selection) {
		var payload stockPayload
		if err := json.Unmarshal([]byte(input.AttrOr("value", "")), &payload); err != nil {
			return
		}
		owner := string(payload.ProductID)
		if productID != "" && owner != "" && owner != productID {
			return
		}
		name := strings.TrimSpace(payload.SizeName)
		if name == "" {
			name = inputLabel(doc, input)
		}
		if name == "" {
			return
		}
		count := payload.Count.asInt()
		sizes = append(sizes, catalog.Size{
			SizeName:        name,
			SizeID:          string(payload.SizeID),
			ProductID:       owner,
			IsAvailable:     count > 0,
			StockQuantity:   count,
			Price:           payload.Price.asFloat(),
			DiscountedPrice: payload.DiscountedPrice.asFloat(),
			Barcode:         string(payload.Barcode),
		})
	})
	if len(sizes) == 0 && productID == "" {
		return nil, false
	}
	return sizes, true
}

func inputLabel(doc *goquery.Document, input *goquery.Selection) string {
	if id := input.AttrOr("id", ""); id != "" {
		if label := doc.Find(`label[for="` + id + `"]`).First(); label.Length() > 0 {
			return scraper.CleanText(label.Text())
		}
	}
	return scraper.CleanText(input.Parent().Find("label").First().Text())
}

// optionSizes scans radio groups, select options and size buttons. Entries
// are available unless explicitly disabled.
func optionSizes(doc *goquery.Document) []catalog.Size {
	sizes := []catalog.Size{}
	seen := map[string]struct{}{}
	add := func(name string, disabled bool) {
		name = scraper.CleanText(name)
		if !sizeVocabulary.MatchString(name) {
			return
		}
		key := strings.ToUpper(name)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		sizes = append(sizes, catalog.Size{SizeName: name, IsAvailable: !disabled})
	}

	doc.Find(".form-check.radio-text").Each(func(_ int, group *goquery.Selection) {
		input := group.Find(`input[type="radio"]`).First()
		label := group.Find("label.radio-text-label").First()
		if input.Length() == 0 || label.Length() == 0 {
			return
		}
		add(label.Text(), isDisabled(input) || isDisabled(group))
	})
	doc.Find("select option, .size-option, [class*=\"size\"] button, [class*=\"size\"] li").Each(func(_ int, el *goquery.Selection) {
		add(el.Text(), isDisabled(el))
	})
	return sizes
}

func isDisabled(sel *goquery.Selection) bool {
	if _, ok := sel.Attr("disabled"); ok {
		return true
	}
	return strings.Contains(strings.ToLower(sel.AttrOr("class", "")), "disabled")
}
