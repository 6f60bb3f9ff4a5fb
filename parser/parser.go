// Package parser turns scraped string fields into typed catalog records.
package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-catalog-crawler/models"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownRating is returned for a rating label outside One..Five.
	ErrUnknownRating = errors.New("unknown rating label")
	// ErrNoDigits is returned when availability text carries no integer.
	ErrNoDigits = errors.New("no digits in text")
	// ErrEmptyField is returned when a required raw field is blank.
	ErrEmptyField = errors.New("empty field")
)

// NormalizationError reports a raw value that is present but cannot be mapped or parsed.
type NormalizationError struct {
	Field string
	Value string
	Err   error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}

// Kind labels the error for tallies and metrics.
func (e *NormalizationError) Kind() string {
	return "normalization"
}

var ratings = map[string]int{
	"One":   1,
	"Two":   2,
	"Three": 3,
	"Four":  4,
	"Five":  5,
}

// currencyArtifacts are stripped from price text, mis-decoded prefix first.
var currencyArtifacts = []string{"Â£", "Â", "£"}

var (
	digitRun = regexp.MustCompile(`\d+`)

	// RE2 \s is ASCII only; \p{Z} and the extra code points cover
	// the rest of Unicode whitespace.
	slugStrip     = regexp.MustCompile(`[^\p{L}\p{N}_\s\v\p{Z}\x{1c}-\x{1f}\x{85}-]`)
	slugSeparator = regexp.MustCompile(`[\s\v\p{Z}\x{1c}-\x{1f}\x{85}_-]+`)
)

// Normalize converts a raw record into its typed projection. The raw record is not modified.
func Normalize(raw *models.RawRecord) (*models.NormalizedRecord, error) {
	if raw == nil {
		return nil, &NormalizationError{Field: "record", Err: ErrEmptyField}
	}
	if err := ValidateRaw(raw); err != nil {
		return nil, err
	}

	price, err := ParsePrice(raw.PriceDisplay)
	if err != nil {
		return nil, withField("book_price", err)
	}
	priceExTax, err := ParsePrice(raw.PriceExTaxDisplay)
	if err != nil {
		return nil, withField("price_exc_tax", err)
	}
	tax, err := ParsePrice(raw.TaxDisplay)
	if err != nil {
		return nil, withField("tax", err)
	}
	rating, err := ParseRating(raw.RatingLabel)
	if err != nil {
		return nil, err
	}
	availability, err := ParseAvailability(raw.AvailabilityText)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(raw.Title)
	return &models.NormalizedRecord{
		UPC:          strings.TrimSpace(raw.UPC),
		CategorySlug: Slugify(raw.Category),
		TitleSlug:    Slugify(title),
		Title:        title,
		Price:        price,
		PriceExTax:   priceExTax,
		Tax:          tax,
		Rating:       rating,
		Availability: availability,
		Description:  strings.TrimSpace(raw.Description),
		ImageURL:     strings.TrimSpace(raw.ImageURL),
		URL:          raw.URL,
	}, nil
}

// ValidateRaw ensures all ten scraped fields are present.
func ValidateRaw(raw *models.RawRecord) error {
	fields := []struct {
		name  string
		value string
	}{
		{"book_upc", raw.UPC},
		{"book_category", raw.Category},
		{"book_title", raw.Title},
		{"book_price", raw.PriceDisplay},
		{"price_exc_tax", raw.PriceExTaxDisplay},
		{"tax", raw.TaxDisplay},
		{"book_rating", raw.RatingLabel},
		{"book_availability", raw.AvailabilityText},
		{"book_description", raw.Description},
		{"book_img_link", raw.ImageURL},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return &NormalizationError{Field: f.name, Err: ErrEmptyField}
		}
	}
	return nil
}

// ParseRating maps One..Five to 1..5. Any other label is an error.
func ParseRating(label string) (int, error) {
	label = strings.TrimSpace(label)
	rating, ok := ratings[label]
	if !ok {
		return 0, &NormalizationError{Field: "book_rating", Value: label, Err: ErrUnknownRating}
	}
	return rating, nil
}

// ParsePrice strips currency artifacts and parses the remainder as a decimal.
func ParsePrice(text string) (decimal.Decimal, error) {
	cleaned := strings.TrimSpace(text)
	for _, artifact := range currencyArtifacts {
		cleaned = strings.ReplaceAll(cleaned, artifact, "")
	}
	cleaned = strings.TrimSpace(cleaned)

	value, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, &NormalizationError{Field: "price", Value: text, Err: err}
	}
	return value, nil
}

// ParseAvailability returns the first run of digits in text.
func ParseAvailability(text string) (int, error) {
	match := digitRun.FindString(text)
	if match == "" {
		return 0, &NormalizationError{Field: "book_availability", Value: text, Err: ErrNoDigits}
	}
	value, err := strconv.Atoi(match)
	if err != nil {
		return 0, &NormalizationError{Field: "book_availability", Value: text, Err: err}
	}
	return value, nil
}

// Slugify lowercases s, drops punctuation and joins words with single hyphens.
// Distinct inputs may produce the same slug.
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugStrip.ReplaceAllString(s, "")
	s = slugSeparator.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func withField(field string, err error) error {
	var nerr *NormalizationError
	if errors.As(err, &nerr) {
		return &NormalizationError{Field: field, Value: nerr.Value, Err: nerr.Err}
	}
	return &NormalizationError{Field: field, Err: err}
}
