package promote

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
)

type stubFetcher struct {
	mu    sync.Mutex
	calls int
	resp  catalog.FetchResponse
	err   error
}

func (s *stubFetcher) Fetch(context.Context, catalog.FetchRequest) (catalog.FetchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.resp, s.err
}

type detectFunc func(catalog.FetchResponse) bool

func (f detectFunc) ShouldPromote(resp catalog.FetchResponse) bool { return f(resp) }

var always = detectFunc(func(catalog.FetchResponse) bool { return true })

func TestFetchKeepsProbeWhenNotPromoted(t *testing.T) {
	t.Parallel()
	probe := &stubFetcher{resp: catalog.FetchResponse{StatusCode: 200, Body: []byte("plain")}}
	headless := &stubFetcher{}
	f := New(probe, headless, detectFunc(func(catalog.FetchResponse) bool { return false }), nil)

	resp, err := f.Fetch(context.Background(), catalog.FetchRequest{URL: "https://shop.test/brands/acme"})
	require.NoError(t, err)
	require.Equal(t, "plain", string(resp.Body))
	require.Zero(t, headless.calls)
}

func TestFetchPromotesScriptShell(t *testing.T) {
	t.Parallel()
	probe := &stubFetcher{resp: catalog.FetchResponse{StatusCode: 200}}
	headless := &stubFetcher{resp: catalog.FetchResponse{StatusCode: 200, Body: []byte("rendered"), UsedHeadless: true}}
	f := New(probe, headless, always, nil)

	resp, err := f.Fetch(context.Background(), catalog.FetchRequest{URL: "https://shop.test/brands/acme"})
	require.NoError(t, err)
	require.True(t, resp.UsedHeadless)
	require.Equal(t, "rendered", string(resp.Body))
	require.Equal(t, 1, headless.calls)
}

func TestFetchFallsBackToProbeWhenHeadlessFails(t *testing.T) {
	t.Parallel()
	probe := &stubFetcher{resp: catalog.FetchResponse{StatusCode: 200, Body: []byte("shell")}}
	headless := &stubFetcher{err: errors.New("chrome not found")}
	f := New(probe, headless, always, nil)

	resp, err := f.Fetch(context.Background(), catalog.FetchRequest{URL: "https://shop.test/"})
	require.NoError(t, err)
	require.Equal(t, "shell", string(resp.Body))
}

func TestFetchReturnsProbeErrorWithoutPromotion(t *testing.T) {
	t.Parallel()
	probeErr := &catalog.HTTPStatusError{URL: "https://shop.test/", Code: 503}
	probe := &stubFetcher{err: probeErr}
	headless := &stubFetcher{}
	f := New(probe, headless, always, nil)

	_, err := f.Fetch(context.Background(), catalog.FetchRequest{URL: "https://shop.test/"})
	require.ErrorIs(t, err, probeErr)
	require.Zero(t, headless.calls)
}

func TestFetchWithoutHeadlessNeverPromotes(t *testing.T) {
	t.Parallel()
	probe := &stubFetcher{resp: catalog.FetchResponse{StatusCode: 200}}
	f := New(probe, nil, always, nil)

	_, err := f.Fetch(context.Background(), catalog.FetchRequest{URL: "https://shop.test/"})
	require.NoError(t, err)
	require.Equal(t, 1, probe.calls)
}
