package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveURL(t *testing.T) {
	t.Parallel()

	base := "https://www.gosport.az"
	require.Equal(t, "https://www.gosport.az/brand/nike-21", ResolveURL(base, "/brand/nike-21"))
	require.Equal(t, "https://cdn.example.com/a.jpg", ResolveURL(base, "https://cdn.example.com/a.jpg"))
	require.Equal(t, "https://www.gosport.az/img/a.jpg", ResolveURL(base+"/brands", "img/a.jpg"))
	require.Empty(t, ResolveURL(base, "  "))
}

func TestWithPage(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://site/brand/nike", WithPage("https://site/brand/nike", 1))
	require.Equal(t, "https://site/brand/nike?page=3", WithPage("https://site/brand/nike", 3))
	require.Equal(t, "https://site/brands?page=2&sort=a", WithPage("https://site/brands?sort=a", 2))
}

func TestLastPathSegment(t *testing.T) {
	t.Parallel()

	require.Equal(t, "adidas-20", LastPathSegment("https://www.gosport.az/brand/adidas-20"))
	require.Equal(t, "adidas-20", LastPathSegment("/brand/adidas-20/"))
	require.Equal(t, "www.gosport.az", Host("https://WWW.gosport.az/x"))
	require.Equal(t, "unknown", Host("::"))
}
