package scraper

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
)

type stubFetcher struct {
	body string
	err  error
}

func (s stubFetcher) Fetch(_ context.Context, req catalog.FetchRequest) (catalog.FetchResponse, error) {
	if s.err != nil {
		return catalog.FetchResponse{}, s.err
	}
	return catalog.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(s.body)}, nil
}

func TestLoadParsesBody(t *testing.T) {
	t.Parallel()

	doc, err := Load(context.Background(), stubFetcher{body: `<div class="x"><img data-src="/a.jpg"></div>`}, "https://site/")
	require.NoError(t, err)
	require.Equal(t, "/a.jpg", ImageSource(doc.Find(".x img")))
}

func TestLoadWrapsFetchError(t *testing.T) {
	t.Parallel()

	boom := errors.New("dial tcp: refused")
	_, err := Load(context.Background(), stubFetcher{err: boom}, "https://site/")
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "https://site/")
}

func TestCleanText(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Air Max 90", CleanText("\n  Air\tMax   90 \n"))
	require.Empty(t, CleanText("   "))
}

func TestFirstAttrSkipsBlank(t *testing.T) {
	t.Parallel()

	doc, err := Parse("u", []byte(`<img src=" " data-src="" data-original="/lazy.png">`))
	require.NoError(t, err)
	require.Equal(t, "/lazy.png", ImageSource(doc.Find("img")))
	require.Empty(t, FirstAttr(doc.Find("img"), "alt"))
}
