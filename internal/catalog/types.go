package catalog

import "time"

// JobStatus represents the lifecycle state of a bulk-fetch job.
type JobStatus string

// Job status values.
const (
	JobStatusQueued              JobStatus = "queued"
	JobStatusProcessing          JobStatus = "processing"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"
	JobStatusFailed              JobStatus = "failed"
	JobStatusCancelled           JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Availability is the coarse stock state of a listed product.
type Availability string

// Availability values.
const (
	AvailabilityInStock    Availability = "in_stock"
	AvailabilityOutOfStock Availability = "out_of_stock"
	AvailabilityUnknown    Availability = "unknown"
)

// BrandStatus is the terminal outcome of one brand task.
type BrandStatus string

// Brand outcome values.
const (
	BrandStatusCompleted BrandStatus = "completed"
	BrandStatusFailed    BrandStatus = "failed"
)

// Job is one bulk-fetch run over a set of brands.
type Job struct {
	ID               string         `json:"id"`
	TargetID         string         `json:"targetId"`
	OwnerID          string         `json:"ownerId"`
	Status           JobStatus      `json:"status"`
	TotalBrands      int            `json:"totalBrands"`
	ProcessedBrands  int            `json:"processedBrands"`
	SuccessfulBrands int            `json:"successfulBrands"`
	FailedBrands     int            `json:"failedBrands"`
	SuccessRate      int            `json:"successRate"`
	StartTime        time.Time      `json:"startTime"`
	EndTime          *time.Time     `json:"endTime,omitempty"`
	Brands           []BrandRef     `json:"brands"`
	Outcomes         []BrandOutcome `json:"outcomes"`
	Products         []Product      `json:"products"`
	Errors           []ErrorRecord  `json:"errors"`
}

// BrandRef is one entry of the brand map a job was created with, in task order.
type BrandRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// BrandTask is the unit of work that scrapes one brand's catalog.
type BrandTask struct {
	JobID      string `json:"jobId"`
	BrandIndex int    `json:"brandIndex"`
	BrandName  string `json:"brandName"`
	BrandURL   string `json:"brandUrl"`
	RetryCount int    `json:"retryCount"`
}

// BrandOutcome records how one brand task finished.
type BrandOutcome struct {
	BrandIndex   int          `json:"brandIndex"`
	BrandName    string       `json:"brandName"`
	BrandURL     string       `json:"brandUrl"`
	Status       BrandStatus  `json:"status"`
	ProductCount int          `json:"productCount"`
	Products     []Product    `json:"-"`
	Error        *ErrorRecord `json:"error,omitempty"`
	RetryCount   int          `json:"retryCount"`
	FinishedAt   time.Time    `json:"finishedAt"`
}

// Succeeded reports whether the brand produced a result.
func (o BrandOutcome) Succeeded() bool {
	return o.Status == BrandStatusCompleted
}

// Brand is one entry of the site's brand directory.
type Brand struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	URL              string    `json:"url"`
	Slug             string    `json:"slug"`
	ImageURL         string    `json:"imageUrl,omitempty"`
	DiscoveredOnPage int       `json:"page"`
	ScrapedAt        time.Time `json:"scrapedAt"`
}

// Product is a normalized listing entry, optionally enriched from its detail page.
type Product struct {
	Name             string       `json:"name"`
	CurrentPrice     *float64     `json:"currentPrice"`
	OriginalPrice    *float64     `json:"originalPrice"`
	IsDiscounted     bool         `json:"isDiscounted"`
	Currency         string       `json:"currency"`
	MainImage        string       `json:"mainImage,omitempty"`
	AdditionalImages []string     `json:"additionalImages"`
	Sizes            []Size       `json:"sizes"`
	SourceURL        string       `json:"sourceUrl"`
	BrandName        string       `json:"brandName"`
	Availability     Availability `json:"availability"`
	Page             int          `json:"page"`
	ScrapedAt        time.Time    `json:"scrapedAt"`
}

// Size is one size/stock variant of a product.
type Size struct {
	SizeName        string   `json:"sizeName"`
	SizeID          string   `json:"sizeId,omitempty"`
	ProductID       string   `json:"productId,omitempty"`
	IsAvailable     bool     `json:"isAvailable"`
	StockQuantity   int      `json:"stockQuantity"`
	Price           *float64 `json:"price,omitempty"`
	DiscountedPrice *float64 `json:"discountedPrice,omitempty"`
	Barcode         string   `json:"barcode,omitempty"`
}

// ErrorRecord describes why a brand failed.
type ErrorRecord struct {
	BrandName  string    `json:"brandName"`
	BrandURL   string    `json:"brandUrl"`
	ErrorKind  ErrorKind `json:"errorKind"`
	Message    string    `json:"message"`
	RetryCount int       `json:"retryCount"`
	CanRetry   bool      `json:"canRetry"`
	Timestamp  time.Time `json:"timestamp"`
}

// DeadLetterRecord is the immutable record published for a brand task that
// exhausted its retries. It is never replayed automatically.
type DeadLetterRecord struct {
	OriginalTask BrandTask `json:"originalTask"`
	FinalError   string    `json:"finalError"`
	ErrorKind    ErrorKind `json:"errorKind"`
	RetryCount   int       `json:"retryCount"`
	FailedAt     time.Time `json:"failedAt"`
}

// FetchRequest describes one page fetch.
type FetchRequest struct {
	URL string
	// Headers are added on top of the fetcher's defaults.
	Headers map[string]string
}

// FetchResponse is the raw result of a fetch.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
