// Package models defines data structures for the crawler.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CategoryRef identifies one catalog category as listed in the side navigation.
type CategoryRef struct {
	Name       string
	Slug       string // path segment naming the category, e.g. "travel_2"
	ListingURL string
}

// RawRecord holds the fields of a detail page exactly as scraped.
type RawRecord struct {
	URL               string
	UPC               string
	Category          string
	Title             string
	PriceDisplay      string
	PriceExTaxDisplay string
	TaxDisplay        string
	RatingLabel       string
	AvailabilityText  string
	Description       string
	ImageURL          string
}

// NormalizedRecord is the typed projection of a RawRecord and the unit of persistence.
type NormalizedRecord struct {
	UPC          string          `csv:"book_upc" json:"upc"`
	CategorySlug string          `csv:"book_category" json:"category"`
	TitleSlug    string          `csv:"-" json:"title_slug"`
	Title        string          `csv:"book_title" json:"title"`
	Price        decimal.Decimal `csv:"book_price" json:"price"`
	PriceExTax   decimal.Decimal `csv:"price_exc_tax" json:"price_exc_tax"`
	Tax          decimal.Decimal `csv:"tax" json:"tax"`
	Rating       int             `csv:"book_rating" json:"rating"`
	Availability int             `csv:"book_availability" json:"availability"`
	Description  string          `csv:"book_description" json:"description"`
	ImageURL     string          `csv:"book_img_link" json:"image_url"`
	URL          string          `csv:"-" json:"url"`
}

// CSVColumns is the fixed column order of the tabular output.
var CSVColumns = []string{
	"book_upc",
	"book_category",
	"book_title",
	"book_price",
	"price_exc_tax",
	"tax",
	"book_rating",
	"book_availability",
	"book_description",
	"book_img_link",
}

// Failure records one item or category that did not make it into the batch.
type Failure struct {
	Scope string // item, not_attempted, category, category_csv or image
	URL   string
	Slug  string
	Kind  string
	Err   string
}

// CategoryStats summarises one category of a run. NotAttempted counts items
// abandoned because the run was cancelled; they are not in Failed.
type CategoryStats struct {
	Slug         string
	Name         string
	Links        int
	Items        int
	Failed       int
	NotAttempted int
	Skipped      bool
}

// PhaseTiming is the wall time spent in one orchestrator phase.
type PhaseTiming struct {
	Phase    string
	Duration time.Duration
}

// RunResult holds the overall result of a crawl.
type RunResult struct {
	Records      []*NormalizedRecord
	Categories   []CategoryStats
	Failures     []Failure
	Phases       []PhaseTiming
	StartTime    time.Time
	EndTime      time.Time
	TotalCount   int
	FailedCount  int
	NotAttempted int
	ImagesSaved  int
	ImagesFailed int
	FinalState   string
	Incomplete   bool
	ErrorsByType map[string]int
	RequestCount int

	// ValidationErrors counts records the batch refused, such as duplicate_url.
	ValidationErrors map[string]int
}
