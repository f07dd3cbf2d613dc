package catalog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrKeyNotFound is returned by KVStore.Get for missing or expired keys.
var ErrKeyNotFound = errors.New("key not found")

// ErrTimeout marks a brand task that exceeded its hard time ceiling.
var ErrTimeout = errors.New("brand task timed out")

// ErrorKind classifies failures for ErrorRecord and metrics labels.
type ErrorKind string

// Error kinds.
const (
	KindValidation ErrorKind = "validation"
	KindNetwork    ErrorKind = "network"
	KindTimeout    ErrorKind = "timeout"
	KindHTTPStatus ErrorKind = "http_status"
	KindParse      ErrorKind = "parse"
	KindCancelled  ErrorKind = "cancelled"
	KindUnknown    ErrorKind = "unknown"
)

// ValidationError rejects bad job input; it is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// NotFoundError reports a missing job or an empty brand directory.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ForbiddenError reports access to a job owned by someone else.
type ForbiddenError struct {
	JobID string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("job %s belongs to another owner", e.JobID)
}

// InvalidStateError reports an operation not allowed in the job's current status.
type InvalidStateError struct {
	JobID  string
	Status JobStatus
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s job %s in status %s", e.Op, e.JobID, e.Status)
}

// HTTPStatusError reports a non-2xx response.
type HTTPStatusError struct {
	URL  string
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Code, e.URL)
}

// Permanent reports whether the status points at a source problem retries
// cannot fix.
func (e *HTTPStatusError) Permanent() bool {
	if e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

// ParseError reports markup that did not match the expected shape.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Kind classifies err into an ErrorKind.
func Kind(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var (
		validation *ValidationError
		status     *HTTPStatusError
		parse      *ParseError
		netErr     net.Error
	)
	switch {
	case errors.As(err, &validation):
		return KindValidation
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.As(err, &status):
		return KindHTTPStatus
	case errors.As(err, &parse):
		return KindParse
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	default:
		return KindUnknown
	}
}
