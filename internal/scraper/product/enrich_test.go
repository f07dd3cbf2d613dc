package product

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
)

func TestStructuredSizesFilterByProduct(t *testing.T) {
	t.Parallel()

	doc := mustDoc(t, `<html><body>
		<input type="hidden" name="product_id" value="42">
		<div class="nav-thumbs nav mb-3">
			<div class="form-check radio-text form-check-inline">
				<input type="radio" name="stock_42" value='{"sizeName":"S","sizeId":"11","productId":"42","count":"3","price":"120.00","discountedPrice":"99.90","barcode":"869000000011"}'>
				<label class="radio-text-label">S</label>
			</div>
			<div class="form-check radio-text form-check-inline">
				<input type="radio" name="stock_42" value='{"sizeName":"M","sizeId":12,"productId":42,"count":0,"price":120}'>
				<label class="radio-text-label">M</label>
			</div>
			<div class="form-check radio-text form-check-inline">
				<input id="sz-l" type="radio" name="stock_42" value='{"sizeId":13,"productId":42,"count":5}'>
				<label for="sz-l" class="radio-text-label">L</label>
			</div>
		</div>
		<div class="related">
			<input type="radio" name="stock_77" value='{"sizeName":"S","sizeId":71,"productId":77,"count":9}'>
			<input type="radio" name="stock_77" value='{"sizeName":"M","sizeId":72,"productId":77,"count":9}'>
			<input type="radio" name="stock_broken" value="not json">
		</div>
	</body></html>`)

	sizes := extractSizes(doc, "https://www.gosport.az/product/air-max-42")
	require.Len(t, sizes, 3)

	for _, s := range sizes {
		require.Equal(t, "42", s.ProductID)
		require.Equal(t, s.StockQuantity > 0, s.IsAvailable)
	}
	require.Equal(t, "S", sizes[0].SizeName)
	require.Equal(t, "11", sizes[0].SizeID)
	require.Equal(t, 3, sizes[0].StockQuantity)
	require.InDelta(t, 120.0, *sizes[0].Price, 0.001)
	require.InDelta(t, 99.9, *sizes[0].DiscountedPrice, 0.001)
	require.Equal(t, "869000000011", sizes[0].Barcode)

	require.Equal(t, "M", sizes[1].SizeName)
	require.False(t, sizes[1].IsAvailable)
	require.Nil(t, sizes[1].DiscountedPrice)

	require.Equal(t, "L", sizes[2].SizeName, "missing sizeName falls back to the label")
}

func TestStructuredSizesProductIDFromURL(t *testing.T) {
	t.Parallel()

	doc := mustDoc(t, `<input type="radio" name="stock_5" value='{"sizeName":"40","productId":5,"count":1}'>
		<input type="radio" name="stock_6" value='{"sizeName":"41","productId":6,"count":1}'>`)
	sizes := extractSizes(doc, "https://www.gosport.az/product/runner-6")
	require.Len(t, sizes, 1)
	require.Equal(t, "41", sizes[0].SizeName)
}

func TestStructuredSizesForOtherProductOnlyYieldsNone(t *testing.T) {
	t.Parallel()

	doc := mustDoc(t, `<input type="radio" name="stock_9" value='{"sizeName":"M","productId":9,"count":2}'>
		<select><option>M</option></select>`)
	sizes := extractSizes(doc, "https://www.gosport.az/product/tee-10")
	require.Empty(t, sizes)
	require.NotNil(t, sizes)
}

func TestOptionSizesFallback(t *testing.T) {
	t.Parallel()

	doc := mustDoc(t, `<html><body>
		<div class="nav-thumbs">
			<div class="form-check radio-text"><input type="radio" name="size"><label class="radio-text-label">XS</label></div>
			<div class="form-check radio-text"><input type="radio" name="size" disabled><label class="radio-text-label">XXL</label></div>
		</div>
		<select name="size"><option>Ölçü seçin</option><option>42.5</option><option class="disabled">44</option><option>XS</option></select>
	</body></html>`)

	sizes := extractSizes(doc, "https://www.gosport.az/product/boot")
	names := make([]string, 0, len(sizes))
	for _, s := range sizes {
		names = append(names, s.SizeName)
	}
	require.Equal(t, []string{"XS", "XXL", "42.5", "44"}, names)
	require.True(t, sizes[0].IsAvailable)
	require.False(t, sizes[1].IsAvailable)
	require.True(t, sizes[2].IsAvailable)
	require.False(t, sizes[3].IsAvailable)
}

func TestAdditionalImagesFromGallery(t *testing.T) {
	t.Parallel()

	s := New(Config{BaseURL: "https://www.gosport.az", MaxImages: 3}, nil, fixedClock{}, nil, nil)
	doc := mustDoc(t, `<html><body>
		<div class="product-gallery">
			<img src="/img/main.jpg">
			<img src="/img/side.jpg">
			<img data-src="/img/side.jpg">
			<img src="/assets/product-loader.svg">
			<img data-original="/img/back.jpg">
			<img src="/img/top.jpg">
			<img src="/img/sole.jpg">
		</div>
		<div class="swiper-slide"><img src="/img/other.jpg"></div>
	</body></html>`)

	images := s.additionalImages(doc, "https://www.gosport.az/img/main.jpg")
	require.Equal(t, []string{
		"https://www.gosport.az/img/side.jpg",
		"https://www.gosport.az/img/back.jpg",
		"https://www.gosport.az/img/top.jpg",
	}, images)
}

func TestAdditionalImagesFallbackScan(t *testing.T) {
	t.Parallel()

	s := New(Config{BaseURL: "https://www.gosport.az"}, nil, fixedClock{}, nil, nil)
	doc := mustDoc(t, `<html><body>
		<header><img src="/img/logo.png" alt="GoSport"></header>
		<div class="product-detail"><img src="/img/a.jpg"><img src="/img/icon-heart.svg"></div>
		<img src="/img/b.jpg" alt="Product photo">
		<img src="/img/banner.jpg" alt="Sale">
	</body></html>`)

	images := s.additionalImages(doc, "")
	require.Equal(t, []string{
		"https://www.gosport.az/img/a.jpg",
		"https://www.gosport.az/img/b.jpg",
	}, images)
}

func TestEnrichSkipsFailedDetailPages(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(map[string]string{
		base + "/product/ok-1": detail("1", "/img/ok-1-back.jpg"),
	})
	s := newTestScraper(f, &countingSleeper{})
	products := []catalog.Product{
		{Name: "OK", SourceURL: base + "/product/ok-1"},
		{Name: "Gone", SourceURL: base + "/product/gone-2"},
		{Name: "No link"},
	}

	s.enrich(context.Background(), products)

	require.Equal(t, []string{base + "/img/ok-1-back.jpg"}, products[0].AdditionalImages)
	require.Len(t, products[0].Sizes, 1)
	require.Empty(t, products[1].AdditionalImages)
	require.Empty(t, products[1].Sizes)
	require.Equal(t, 1, f.count(base+"/product/gone-2"))
	require.Empty(t, products[2].Sizes)
}
