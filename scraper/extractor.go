package scraper

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-catalog-crawler/models"
)

// attributeField names a row of the product attributes table.
type attributeField int

const (
	fieldUPC attributeField = iota
	fieldPriceExTax
	fieldTax
	fieldAvailability
)

// productTableRows is the row count of the product attributes table. The
// rows are read by position, so any other count is treated as markup drift.
const productTableRows = 7

// productTableSchema maps table rows to record fields.
var productTableSchema = []struct {
	row   int
	field attributeField
	name  string
}{
	{row: 0, field: fieldUPC, name: "UPC"},
	{row: 2, field: fieldPriceExTax, name: "price excl. tax"},
	{row: 4, field: fieldTax, name: "tax"},
	{row: 5, field: fieldAvailability, name: "availability"},
}

const (
	attributeTableSelector = "table.table.table-striped"
	breadcrumbSelector     = "ul.breadcrumb li a"
	productMainSelector    = "div.product_main"
	descriptionSelector    = "#product_description + p"
	activeImageSelector    = "div.item.active img"
	breadcrumbCategoryPos  = 2
)

// ExtractRecord fetches a detail page and extracts its raw record.
func ExtractRecord(ctx context.Context, fetcher PageFetcher, detailURL string) (*models.RawRecord, error) {
	doc, err := fetcher.FetchDocument(ctx, detailURL)
	if err != nil {
		return nil, err
	}
	return ParseRecord(doc, detailURL)
}

// ParseRecord reads every landmark of a detail page. Any missing landmark is
// an ExtractionError; no field is ever left as a placeholder.
func ParseRecord(doc *goquery.Document, detailURL string) (*models.RawRecord, error) {
	rec := &models.RawRecord{URL: detailURL}

	if err := parseAttributeTable(doc, detailURL, rec); err != nil {
		return nil, err
	}

	crumbs := doc.Find(breadcrumbSelector)
	if crumbs.Length() <= breadcrumbCategoryPos {
		return nil, &ExtractionError{URL: detailURL, Landmark: "breadcrumb category", Detail: fmt.Sprintf("%d entries", crumbs.Length())}
	}
	rec.Category = strings.TrimSpace(crumbs.Eq(breadcrumbCategoryPos).Text())

	main := doc.Find(productMainSelector).First()
	if main.Length() == 0 {
		return nil, &ExtractionError{URL: detailURL, Landmark: "product header"}
	}
	rec.Title = strings.TrimSpace(main.Find("h1").First().Text())
	rec.PriceDisplay = strings.TrimSpace(main.Find("p.price_color").First().Text())

	ratingClass, _ := main.Find("p.star-rating").First().Attr("class")
	if tokens := strings.Fields(ratingClass); len(tokens) > 1 {
		rec.RatingLabel = tokens[1]
	}

	rec.Description = strings.TrimSpace(doc.Find(descriptionSelector).First().Text())

	if src, ok := doc.Find(activeImageSelector).First().Attr("src"); ok && strings.TrimSpace(src) != "" {
		abs, err := resolve(documentURL(doc, detailURL), src)
		if err != nil {
			return nil, &ExtractionError{URL: detailURL, Landmark: "product image", Detail: err.Error()}
		}
		rec.ImageURL = abs
	}

	for _, check := range []struct {
		landmark string
		value    string
	}{
		{"breadcrumb category", rec.Category},
		{"title", rec.Title},
		{"price", rec.PriceDisplay},
		{"rating", rec.RatingLabel},
		{"description", rec.Description},
		{"product image", rec.ImageURL},
	} {
		if check.value == "" {
			return nil, &ExtractionError{URL: detailURL, Landmark: check.landmark}
		}
	}
	return rec, nil
}

func parseAttributeTable(doc *goquery.Document, detailURL string, rec *models.RawRecord) error {
	table := doc.Find(attributeTableSelector).First()
	if table.Length() == 0 {
		return &ExtractionError{URL: detailURL, Landmark: "product attributes table"}
	}
	rows := table.Find("tr")
	if rows.Length() != productTableRows {
		return &ExtractionError{
			URL:      detailURL,
			Landmark: "product attributes table",
			Detail:   fmt.Sprintf("expected %d rows, found %d", productTableRows, rows.Length()),
		}
	}

	for _, entry := range productTableSchema {
		value := strings.TrimSpace(rows.Eq(entry.row).Find("td").First().Text())
		if value == "" {
			return &ExtractionError{URL: detailURL, Landmark: "product attributes table", Detail: entry.name + " row is empty"}
		}
		switch entry.field {
		case fieldUPC:
			rec.UPC = value
		case fieldPriceExTax:
			rec.PriceExTaxDisplay = value
		case fieldTax:
			rec.TaxDisplay = value
		case fieldAvailability:
			rec.AvailabilityText = value
		}
	}
	return nil
}
