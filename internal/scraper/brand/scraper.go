// Package brand scrapes the site's paginated brand directory.
package brand

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/logging"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/metrics"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/scraper"
)

// CacheKey is where the aggregate directory is stored in the KV store.
const CacheKey = "brands:all"

const (
	brandAnchorSelector = `a[href*="/brand/"]`
	paginationSelector  = `.pagination a, .page-numbers a, [class*="page"] a`
	defaultLimit        = 50
)

var (
	lastPageMarkers = []string{"son", "last", "»"}
	pageParam       = regexp.MustCompile(`page=(\d+)`)
	trailingID      = regexp.MustCompile(`-([0-9]+)$`)
)

// Config tunes directory discovery.
type Config struct {
	BaseURL    string
	BrandsPath string
	// FallbackPages is used when the page count cannot be detected.
	FallbackPages int
	// BatchSize bounds how many directory pages are fetched at once.
	BatchSize int
	CacheTTL  time.Duration
}

// Scraper implements catalog.BrandScraper.
type Scraper struct {
	cfg     Config
	fetcher catalog.Fetcher
	cache   catalog.KVStore
	clock   catalog.Clock
	logger  *zap.Logger
}

// New wires a Scraper.
func New(cfg Config, fetcher catalog.Fetcher, cache catalog.KVStore, clock catalog.Clock, logger *zap.Logger) *Scraper {
	if cfg.BrandsPath == "" {
		cfg.BrandsPath = "/brands"
	}
	if cfg.FallbackPages <= 0 {
		cfg.FallbackPages = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 3
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	return &Scraper{
		cfg:     cfg,
		fetcher: fetcher,
		cache:   cache,
		clock:   clock,
		logger:  logging.OrNop(logger).Named("brand_scraper"),
	}
}

func (s *Scraper) directoryURL() string {
	return catalog.ResolveURL(s.cfg.BaseURL, s.cfg.BrandsPath)
}

// ScrapeAllBrands returns the deduplicated directory, served from the cache
// while it is fresh.
func (s *Scraper) ScrapeAllBrands(ctx context.Context) ([]catalog.Brand, error) {
	if cached, ok := s.cached(ctx); ok {
		metrics.ObserveBrandCache(true)
		return cached, nil
	}
	metrics.ObserveBrandCache(false)

	var (
		all   []catalog.Brand
		total int
		next  = 1
	)
	firstURL := catalog.WithPage(s.directoryURL(), 1)
	if doc, err := scraper.Load(ctx, s.fetcher, firstURL); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		total = s.cfg.FallbackPages
		s.logger.Warn("page count detection failed, using fallback",
			zap.Int("pages", total), zap.Error(err))
	} else {
		total = detectPageCount(doc)
		all = append(all, s.extractBrands(doc, 1)...)
		next = 2
	}
	s.logger.Info("scraping brand directory", zap.Int("pages", total))

	for start := next; start <= total; start += s.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+s.cfg.BatchSize-1, total)
		all = append(all, s.scrapeBatch(ctx, start, end)...)
	}

	unique := dedupeByName(all)
	s.store(ctx, unique)
	s.logger.Info("brand directory scraped", zap.Int("brands", len(unique)))
	return unique, nil
}

// scrapeBatch fetches pages start..end concurrently. Failed pages contribute
// nothing.
func (s *Scraper) scrapeBatch(ctx context.Context, start, end int) []catalog.Brand {
	results := make([][]catalog.Brand, end-start+1)
	var g errgroup.Group
	g.SetLimit(s.cfg.BatchSize)
	for page := start; page <= end; page++ {
		g.Go(func() error {
			brands, err := s.scrapePage(ctx, page)
			if err != nil {
				s.logger.Warn("brand page failed", zap.Int("page", page), zap.Error(err))
				return nil
			}
			results[page-start] = brands
			return nil
		})
	}
	// Page failures are logged and skipped, so Wait never reports an error.
	g.Wait()

	var out []catalog.Brand
	for _, brands := range results {
		out = append(out, brands...)
	}
	return out
}

// ScrapeBrands returns up to limit entries from one directory page. It
// neither reads nor refreshes the aggregate cache.
func (s *Scraper) ScrapeBrands(ctx context.Context, page, limit int) ([]catalog.Brand, error) {
	if page < 1 {
		return nil, &catalog.ValidationError{Field: "page", Reason: "must be >= 1"}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	brands, err := s.scrapePage(ctx, page)
	if err != nil {
		return nil, err
	}
	if len(brands) > limit {
		brands = brands[:limit]
	}
	return brands, nil
}

// ClearCache forces the next ScrapeAllBrands to hit the site.
func (s *Scraper) ClearCache(ctx context.Context) error {
	if err := s.cache.Delete(ctx, CacheKey); err != nil {
		return err
	}
	s.logger.Info("brand cache cleared")
	return nil
}

func (s *Scraper) scrapePage(ctx context.Context, page int) ([]catalog.Brand, error) {
	doc, err := scraper.Load(ctx, s.fetcher, catalog.WithPage(s.directoryURL(), page))
	if err != nil {
		return nil, err
	}
	return s.extractBrands(doc, page), nil
}

func (s *Scraper) extractBrands(doc *goquery.Document, page int) []catalog.Brand {
	now := s.clock.Now()
	seen := make(map[string]struct{})
	var brands []catalog.Brand
	doc.Find(brandAnchorSelector).Each(func(i int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		name := scraper.CleanText(a.Text())
		if strings.TrimSpace(href) == "" || name == "" {
			return
		}
		url := catalog.ResolveURL(s.cfg.BaseURL, href)
		if _, dup := seen[url]; dup {
			return
		}
		seen[url] = struct{}{}

		slug := catalog.LastPathSegment(href)
		id := strconv.Itoa(i)
		if m := trailingID.FindStringSubmatch(slug); m != nil {
			id = m[1]
		}
		var image string
		if img := a.Find("img").First(); img.Length() > 0 {
			if src := scraper.FirstAttr(img, "src", "data-src"); src != "" {
				image = catalog.ResolveURL(s.cfg.BaseURL, src)
			}
		}
		brands = append(brands, catalog.Brand{
			ID:               id,
			Name:             name,
			URL:              url,
			Slug:             slug,
			ImageURL:         image,
			DiscoveredOnPage: page,
			ScrapedAt:        now,
		})
	})
	return brands
}

// detectPageCount takes the larger of the highest numeric pagination label
// and the page number linked from a last-page anchor.
func detectPageCount(doc *goquery.Document) int {
	maxPage := 1
	doc.Find(paginationSelector).Each(func(_ int, a *goquery.Selection) {
		if n, err := strconv.Atoi(strings.TrimSpace(a.Text())); err == nil && n > maxPage {
			maxPage = n
		}
	})
	// Only pagination anchors qualify; brand names like "Jackson" contain a marker.
	last := doc.Find(paginationSelector).FilterFunction(func(_ int, a *goquery.Selection) bool {
		text := strings.ToLower(a.Text())
		for _, marker := range lastPageMarkers {
			if strings.Contains(text, marker) {
				return true
			}
		}
		return false
	}).First()
	if href, ok := last.Attr("href"); ok {
		if m := pageParam.FindStringSubmatch(href); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > maxPage {
				maxPage = n
			}
		}
	}
	return maxPage
}

func dedupeByName(brands []catalog.Brand) []catalog.Brand {
	seen := make(map[string]struct{}, len(brands))
	out := make([]catalog.Brand, 0, len(brands))
	for _, b := range brands {
		if _, dup := seen[b.Name]; dup {
			continue
		}
		seen[b.Name] = struct{}{}
		out = append(out, b)
	}
	return out
}

func (s *Scraper) cached(ctx context.Context) ([]catalog.Brand, bool) {
	raw, err := s.cache.Get(ctx, CacheKey)
	if err != nil {
		if !errors.Is(err, catalog.ErrKeyNotFound) {
			s.logger.Warn("brand cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var brands []catalog.Brand
	if err := json.Unmarshal(raw, &brands); err != nil {
		s.logger.Warn("brand cache entry corrupt", zap.Error(err))
		return nil, false
	}
	return brands, true
}

// store caches a non-empty directory. An empty result is not cached so a
// transient outage does not hide the directory for a full TTL window.
func (s *Scraper) store(ctx context.Context, brands []catalog.Brand) {
	if len(brands) == 0 {
		return
	}
	raw, err := json.Marshal(brands)
	if err != nil {
		s.logger.Warn("brand cache encode failed", zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, CacheKey, raw, s.cfg.CacheTTL); err != nil {
		s.logger.Warn("brand cache write failed", zap.Error(err))
	}
}
