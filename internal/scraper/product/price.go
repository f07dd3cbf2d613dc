package product

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
)

const strikeSelector = "del, s, strike"

// containerSignature is one rule for locating the element that holds an
// anchor's price markup.
type containerSignature struct {
	name   string
	locate func(a *goquery.Selection) *goquery.Selection
}

func closest(selector string) func(*goquery.Selection) *goquery.Selection {
	return func(a *goquery.Selection) *goquery.Selection { return a.Closest(selector) }
}

// containerSignatures are tried in order; the first candidate whose text
// mentions the currency is the price container.
var containerSignatures = []containerSignature{
	{name: "col", locate: closest(".col")},
	{name: "col-class", locate: closest(`[class*="col"]`)},
	{name: "card", locate: closest(".card")},
	{name: "product", locate: closest(".product")},
	{name: "product-class", locate: closest(`[class*="product"]`)},
	{name: "parent", locate: func(a *goquery.Selection) *goquery.Selection { return a.Parent() }},
	{name: "grandparent", locate: func(a *goquery.Selection) *goquery.Selection { return a.Parent().Parent() }},
}

// findContainer returns the nearest marked ancestor carrying a price, and the
// name of the signature that matched. It returns nil when none does.
func findContainer(a *goquery.Selection, currency string) (*goquery.Selection, string) {
	for _, sig := range containerSignatures {
		candidate := sig.locate(a)
		if candidate.Length() == 0 {
			continue
		}
		if strings.Contains(candidate.Text(), currency) {
			return candidate.First(), sig.name
		}
	}
	return nil, ""
}

// priceSelectors are tried in order inside the container.
var priceSelectors = []string{
	".product-price",
	".text-primary",
	".price",
	`[class*="price"]`,
	".fs-5",
	".fw-bold",
}

var numberPattern = regexp.MustCompile(`[0-9]+(?:[.,][0-9]+)?`)

type priceExtractor struct {
	amount *regexp.Regexp
}

func newPriceExtractor(currency string) priceExtractor {
	return priceExtractor{
		amount: regexp.MustCompile(`([0-9]+(?:[.,][0-9]+)?)\s*` + regexp.QuoteMeta(currency)),
	}
}

// extract returns the current and original price found in container. The
// original price comes from struck-through markup and defaults to the
// current price.
func (p priceExtractor) extract(container *goquery.Selection) (current, original *float64) {
	if container == nil {
		return nil, nil
	}
	for _, sel := range priceSelectors {
		el := container.Find(sel).Not(strikeSelector).First()
		if el.Length() == 0 {
			continue
		}
		if v, ok := parseNumber(textWithoutStrike(el)); ok {
			current = &v
			break
		}
	}
	if current == nil {
		if m := p.amount.FindStringSubmatch(textWithoutStrike(container)); m != nil {
			if v, ok := parseNumber(m[1]); ok {
				current = &v
			}
		}
	}
	if current == nil {
		return nil, nil
	}
	if strike := container.Find(strikeSelector).First(); strike.Length() > 0 {
		if v, ok := parseNumber(strike.Text()); ok && v > 0 {
			original = &v
		}
	}
	if original == nil {
		v := *current
		original = &v
	}
	return current, original
}

func textWithoutStrike(sel *goquery.Selection) string {
	clone := sel.Clone()
	clone.Find(strikeSelector).Remove()
	return clone.Text()
}

func parseNumber(text string) (float64, bool) {
	raw := numberPattern.FindString(text)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

var (
	outOfStockKeywords = []string{"yoxdur", "bitib", "tükənib", "out of stock", "sold out", "unavailable"}
	inStockKeywords    = []string{"stokda", "mövcud", "in stock", "available"}
	sizeOptionSelector = `input[type="radio"][name^="stock_"], .size-option, .radio-text`
)

func classifyStockText(text string) catalog.Availability {
	text = strings.ToLower(text)
	for _, kw := range outOfStockKeywords {
		if strings.Contains(text, kw) {
			return catalog.AvailabilityOutOfStock
		}
	}
	for _, kw := range inStockKeywords {
		if strings.Contains(text, kw) {
			return catalog.AvailabilityInStock
		}
	}
	return catalog.AvailabilityUnknown
}

// availability walks the signal ladder from strongest to weakest.
func availability(scope *goquery.Selection, hasPrice bool) catalog.Availability {
	if badge := scope.Find(".badge-ribbon"); badge.Length() > 0 {
		if a := classifyStockText(badge.Text()); a != catalog.AvailabilityUnknown {
			return a
		}
	}
	if a := classifyStockText(scope.Text()); a != catalog.AvailabilityUnknown {
		return a
	}
	if marked := scope.Find(`[class*="stock"], [class*="available"]`).First(); marked.Length() > 0 {
		class := strings.ToLower(marked.AttrOr("class", ""))
		if strings.Contains(class, "out") || strings.Contains(class, "unavailable") || strings.Contains(class, "sold") {
			return catalog.AvailabilityOutOfStock
		}
		return catalog.AvailabilityInStock
	}
	if scope.Find(sizeOptionSelector).Length() > 0 {
		return catalog.AvailabilityInStock
	}
	if hasPrice {
		return catalog.AvailabilityInStock
	}
	return catalog.AvailabilityUnknown
}
