package scraper

import (
	"context"
	"net/http"
	"testing"

	"github.com/aluiziolira/go-catalog-crawler/models"
	"github.com/aluiziolira/go-catalog-crawler/parser"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractRecord(t *testing.T) {
	fixture := newCatalogFixture(fixtureCategory{Name: "Travel", Slug: "travel_2", Books: 3})
	cfg := newTestConfig()
	fetcher := newTestFetcher(t, context.Background(), cfg, fixture.transport)

	raw, err := ExtractRecord(context.Background(), fetcher, detailURL(3))
	require.NoError(t, err)

	assert.Equal(t, &models.RawRecord{
		URL:               detailURL(3),
		UPC:               "upc0003",
		Category:          "Travel",
		Title:             "Book 3",
		PriceDisplay:      "£13.03",
		PriceExTaxDisplay: "£13.03",
		TaxDisplay:        "£0.00",
		RatingLabel:       "Three",
		AvailabilityText:  "In stock (3 available)",
		Description:       "Description of Book 3.",
		ImageURL:          imageURL(3),
	}, raw)

	record, err := parser.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "travel", record.CategorySlug)
	assert.Equal(t, "book-3", record.TitleSlug)
	assert.True(t, decimal.RequireFromString("13.03").Equal(record.Price))
	assert.Equal(t, 3, record.Rating)
	assert.Equal(t, 3, record.Availability)
}

func TestParseRecordMissingLandmarks(t *testing.T) {
	book := fixtureBook{ID: 1, Title: "Book 1", Category: "Travel"}
	base := detailOptions{tableRows: 7, rating: "Two", availability: "In stock (1 available)"}

	tests := []struct {
		name     string
		modify   func(*detailOptions)
		landmark string
	}{
		{name: "short table", modify: func(o *detailOptions) { o.tableRows = 6 }, landmark: "product attributes table"},
		{name: "no table", modify: func(o *detailOptions) { o.tableRows = 0 }, landmark: "product attributes table"},
		{name: "no breadcrumb", modify: func(o *detailOptions) { o.noBreadcrumb = true }, landmark: "breadcrumb category"},
		{name: "no image", modify: func(o *detailOptions) { o.noImage = true }, landmark: "product image"},
		{name: "no rating token", modify: func(o *detailOptions) { o.rating = "" }, landmark: "rating"},
		{name: "empty availability row", modify: func(o *detailOptions) { o.availability = "" }, landmark: "product attributes table"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base
			tt.modify(&opts)
			doc := mustDocument(t, detailPageWith(book, opts))

			raw, err := ParseRecord(doc, detailURL(1))
			assert.Nil(t, raw)
			var extractErr *ExtractionError
			require.ErrorAs(t, err, &extractErr)
			assert.Equal(t, tt.landmark, extractErr.Landmark)
			assert.Equal(t, detailURL(1), extractErr.URL)
		})
	}
}

func TestParseRecordKeepsUnknownRatingForNormalizer(t *testing.T) {
	book := fixtureBook{ID: 2, Title: "Book 2", Category: "Travel"}
	doc := mustDocument(t, detailPageWith(book, detailOptions{tableRows: 7, rating: "Zero", availability: "In stock (4 available)"}))

	raw, err := ParseRecord(doc, detailURL(2))
	require.NoError(t, err)
	assert.Equal(t, "Zero", raw.RatingLabel)

	_, err = parser.Normalize(raw)
	var normErr *parser.NormalizationError
	require.ErrorAs(t, err, &normErr)
	assert.Equal(t, "normalization", ErrorKind(err))
}

func TestExtractRecordFetchFailure(t *testing.T) {
	fixture := newCatalogFixture()
	cfg := newTestConfig()
	fetcher := newTestFetcher(t, context.Background(), cfg, fixture.transport)
	fixture.transport.RegisterResponder(http.MethodGet, detailURL(9), htmlResponder("<html></html>"))

	_, err := ExtractRecord(context.Background(), fetcher, detailURL(9))
	var extractErr *ExtractionError
	require.ErrorAs(t, err, &extractErr)

	_, err = ExtractRecord(context.Background(), fetcher, detailURL(10))
	assert.Equal(t, "fetch", ErrorKind(err))
}
