// Package product scrapes a brand's paginated product listing and enriches
// each product from its detail page.
package product

import (
	"context"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/logging"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/metrics"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/scraper"
)

// maxConsecutivePageFailures stops paging once this many pages in a row
// could not be loaded.
const maxConsecutivePageFailures = 3

// Sleeper pauses between listing pages; *system.Clock satisfies it.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Config tunes listing traversal and enrichment.
type Config struct {
	BaseURL   string
	Currency  string
	MaxPages  int
	PageDelay time.Duration
	MaxImages int
}

// Scraper implements catalog.ProductScraper.
type Scraper struct {
	cfg     Config
	fetcher catalog.Fetcher
	clock   catalog.Clock
	sleeper Sleeper
	logger  *zap.Logger
	prices  priceExtractor
}

// New wires a Scraper. A nil sleeper falls back to a timer.
func New(cfg Config, fetcher catalog.Fetcher, clock catalog.Clock, sleeper Sleeper, logger *zap.Logger) *Scraper {
	if cfg.Currency == "" {
		cfg.Currency = "AZN"
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 200
	}
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = 10
	}
	if sleeper == nil {
		sleeper = timerSleeper{}
	}
	return &Scraper{
		cfg:     cfg,
		fetcher: fetcher,
		clock:   clock,
		sleeper: sleeper,
		logger:  logging.OrNop(logger).Named("product_scraper"),
		prices:  newPriceExtractor(cfg.Currency),
	}
}

// ScrapeProducts walks listing pages 1..k until a page yields no new
// products, the next-page probe is negative or MaxPages is reached. Pages
// that fail to load are skipped. The brand only fails when no page loaded.
func (s *Scraper) ScrapeProducts(ctx context.Context, brandURL, brandName string) ([]catalog.Product, error) {
	log := s.logger.With(zap.String("brand", brandName), zap.String("url", brandURL))
	var (
		products    []catalog.Product
		seen        = make(map[string]struct{})
		loaded      int
		consecutive int
		lastErr     error
	)
	for page := 1; page <= s.cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pageURL := catalog.WithPage(brandURL, page)
		doc, err := scraper.Load(ctx, s.fetcher, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			consecutive++
			log.Warn("listing page failed", zap.Int("page", page), zap.Error(err))
			if consecutive >= maxConsecutivePageFailures {
				break
			}
			continue
		}
		loaded++
		consecutive = 0

		pageProducts := s.extractListing(doc, brandName, page, seen)
		if len(pageProducts) == 0 {
			log.Debug("no new products, stopping", zap.Int("page", page))
			break
		}
		s.enrich(ctx, pageProducts)
		products = append(products, pageProducts...)
		log.Debug("listing page scraped", zap.Int("page", page), zap.Int("products", len(pageProducts)))

		if !hasNextPage(doc) {
			break
		}
		if err := s.sleeper.Sleep(ctx, s.cfg.PageDelay); err != nil {
			return nil, err
		}
	}
	if loaded == 0 && lastErr != nil {
		return nil, fmt.Errorf("scrape %s: %w", brandName, lastErr)
	}
	metrics.ObserveProducts(len(products))
	log.Info("brand scraped", zap.Int("products", len(products)))
	return products, nil
}

// hasNextPage probes the page that was just parsed for pagination markup.
func hasNextPage(doc *goquery.Document) bool {
	return doc.Find(`a[href*="page="]`).Length() > 0 ||
		doc.Find(".pagination").Length() > 0 ||
		doc.Find(`[class*="next"]`).Length() > 0
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
