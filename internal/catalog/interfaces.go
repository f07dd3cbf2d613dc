package catalog

import (
	"context"
	"io"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// KVStore is a TTL-aware key-value store. A ttl <= 0 stores the value without
// expiry. Get returns ErrKeyNotFound for missing or expired keys.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Publisher pushes records to a topic; used as the dead-letter sink.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// ProductScraper scrapes every listing page of one brand.
type ProductScraper interface {
	ScrapeProducts(ctx context.Context, brandURL, brandName string) ([]Product, error)
}

// BrandScraper discovers the site's brand directory.
type BrandScraper interface {
	ScrapeAllBrands(ctx context.Context) ([]Brand, error)
	ScrapeBrands(ctx context.Context, page, limit int) ([]Brand, error)
	ClearCache(ctx context.Context) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
