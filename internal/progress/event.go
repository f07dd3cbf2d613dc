package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
)

// Kind identifies which payload an Event carries.
type Kind string

// Event kinds delivered per job.
const (
	KindProgress  Kind = "progress"
	KindError     Kind = "error"
	KindComplete  Kind = "complete"
	KindCancelled Kind = "cancelled"
)

// CancelReason is the reason reported when a caller cancels a job.
const CancelReason = "User requested cancellation"

// Event is a tagged union: exactly the payload matching Kind is set.
type Event struct {
	JobID string
	Kind  Kind
	TS    time.Time

	Progress  *ProgressPayload
	Error     *ErrorPayload
	Complete  *CompletePayload
	Cancelled *CancelledPayload
}

// ProgressPayload reports a brand that finished successfully.
type ProgressPayload struct {
	BrandIndex      int                 `json:"brandIndex"`
	BrandName       string              `json:"brandName"`
	Status          catalog.BrandStatus `json:"status"`
	Products        []catalog.Product   `json:"products"`
	ProcessedBrands int                 `json:"processedBrands"`
	TotalBrands     int                 `json:"totalBrands"`
}

// ErrorPayload reports a brand that failed permanently.
type ErrorPayload struct {
	BrandIndex      int               `json:"brandIndex"`
	BrandName       string            `json:"brandName"`
	Error           string            `json:"error"`
	ErrorKind       catalog.ErrorKind `json:"errorKind"`
	ProcessedBrands int               `json:"processedBrands"`
	TotalBrands     int               `json:"totalBrands"`
}

// CompletePayload summarises a job that reached a terminal status on its own.
type CompletePayload struct {
	Status           catalog.JobStatus `json:"status"`
	TotalBrands      int               `json:"totalBrands"`
	ProcessedBrands  int               `json:"processedBrands"`
	SuccessfulBrands int               `json:"successfulBrands"`
	FailedBrands     int               `json:"failedBrands"`
	TotalProducts    int               `json:"totalProducts"`
	SuccessRate      int               `json:"successRate"`
	DurationMs       int64             `json:"durationMs"`
	HasErrors        bool              `json:"hasErrors"`
}

// CancelledPayload reports a job stopped by its owner.
type CancelledPayload struct {
	ProcessedBrands int    `json:"processedBrands"`
	TotalBrands     int    `json:"totalBrands"`
	Reason          string `json:"reason"`
}

// NewProgress builds a progress event.
func NewProgress(jobID string, ts time.Time, p ProgressPayload) Event {
	return Event{JobID: jobID, Kind: KindProgress, TS: ts, Progress: &p}
}

// NewError builds an error event.
func NewError(jobID string, ts time.Time, p ErrorPayload) Event {
	return Event{JobID: jobID, Kind: KindError, TS: ts, Error: &p}
}

// NewComplete builds a completion event.
func NewComplete(jobID string, ts time.Time, p CompletePayload) Event {
	return Event{JobID: jobID, Kind: KindComplete, TS: ts, Complete: &p}
}

// NewCancelled builds a cancellation event.
func NewCancelled(jobID string, ts time.Time, p CancelledPayload) Event {
	if p.Reason == "" {
		p.Reason = CancelReason
	}
	return Event{JobID: jobID, Kind: KindCancelled, TS: ts, Cancelled: &p}
}

// Payload returns the payload matching Kind, or nil for a malformed event.
func (e Event) Payload() any {
	switch e.Kind {
	case KindProgress:
		if e.Progress != nil {
			return e.Progress
		}
	case KindError:
		if e.Error != nil {
			return e.Error
		}
	case KindComplete:
		if e.Complete != nil {
			return e.Complete
		}
	case KindCancelled:
		if e.Cancelled != nil {
			return e.Cancelled
		}
	}
	return nil
}

// Terminal reports whether the event closes the job's stream.
func (e Event) Terminal() bool {
	return e.Kind == KindComplete || e.Kind == KindCancelled
}

// Validate performs lightweight sanity checks before an event is accepted.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("missing job id")
	}
	if e.TS.IsZero() {
		return errors.New("missing timestamp")
	}
	set := 0
	for _, present := range []bool{e.Progress != nil, e.Error != nil, e.Complete != nil, e.Cancelled != nil} {
		if present {
			set++
		}
	}
	if set != 1 || e.Payload() == nil {
		return fmt.Errorf("event kind %q does not match its payload", e.Kind)
	}
	return nil
}
