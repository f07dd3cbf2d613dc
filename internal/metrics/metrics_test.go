package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://WWW.Gosport.az/brand/nike", "www.gosport.az"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserveHelpersInitialiseLazily(t *testing.T) {
	ObserveFetch("https://shop.test/brand/a", true, 128)
	ObserveFetch("https://shop.test/brand/a", false, 0)
	ObserveBrandTask("completed", 2*time.Second)
	ObserveBrandRetry()
	ObserveDeadLetter()
	ObserveProducts(3)
	SetQueueDepth("bulk-fetch", 4)
	ObserveQueueTaskFailure("bulk-fetch")
	ObserveBrandCache(true)

	require.GreaterOrEqual(t, testutil.ToFloat64(pagesFetchedTotal.WithLabelValues("shop.test", "ok")), 1.0)
	require.GreaterOrEqual(t, testutil.ToFloat64(fetchBytesTotal.WithLabelValues("shop.test")), 128.0)
	require.Equal(t, 4.0, testutil.ToFloat64(queueDepth.WithLabelValues("bulk-fetch")))
	require.GreaterOrEqual(t, testutil.ToFloat64(productsScrapedTotal), 3.0)
	require.GreaterOrEqual(t, testutil.ToFloat64(brandCacheTotal.WithLabelValues("hit")), 1.0)
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://gosport.az", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
