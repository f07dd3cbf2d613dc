// Package promote fetches pages over plain HTTP first and re-fetches them in a
// headless browser when the response turns out to be a script shell.
package promote

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/logging"
)

// Detector judges a probe response; *detector.Heuristic satisfies it.
type Detector interface {
	ShouldPromote(resp catalog.FetchResponse) bool
}

// Fetcher implements catalog.Fetcher.
type Fetcher struct {
	probe    catalog.Fetcher
	headless catalog.Fetcher
	detect   Detector
	logger   *zap.Logger
}

// New wires a Fetcher. A nil headless fetcher disables promotion.
func New(probe, headless catalog.Fetcher, detect Detector, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		probe:    probe,
		headless: headless,
		detect:   detect,
		logger:   logging.OrNop(logger).Named("promote_fetcher"),
	}
}

// Fetch returns the probe response unless the detector asks for rendering.
// A failed headless fetch falls back to the probe response.
func (f *Fetcher) Fetch(ctx context.Context, request catalog.FetchRequest) (catalog.FetchResponse, error) {
	resp, err := f.probe.Fetch(ctx, request)
	if err != nil || f.headless == nil || f.detect == nil || !f.detect.ShouldPromote(resp) {
		return resp, err
	}
	f.logger.Debug("promoting fetch to headless", zap.String("url", request.URL), zap.Int("bytes", len(resp.Body)))
	rendered, herr := f.headless.Fetch(ctx, request)
	if herr != nil {
		if ctx.Err() != nil {
			return catalog.FetchResponse{}, herr
		}
		f.logger.Warn("headless fetch failed, keeping probe response",
			zap.String("url", request.URL), zap.Error(herr))
		return resp, nil
	}
	return rendered, nil
}
