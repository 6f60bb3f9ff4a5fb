package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-catalog-crawler/models"
	"golang.org/x/sync/errgroup"
)

const (
	nextControlSelector = "li.next a"
	pageLabelSelector   = "li.current"
	itemLinkSelector    = "article.product_pod h3 a"
)

var trailingNumber = regexp.MustCompile(`(\d+)\s*$`)

// ListingURLFunc builds the URL of page n of a category listing.
type ListingURLFunc func(categorySlug string, page int) string

// Paginator enumerates every listing page of a category and collects item
// detail links in display order.
type Paginator struct {
	fetcher     PageFetcher
	listingURL  ListingURLFunc
	parallelism int
}

// NewPaginator returns a paginator fetching up to parallelism listing pages at once.
func NewPaginator(fetcher PageFetcher, listingURL ListingURLFunc, parallelism int) *Paginator {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Paginator{
		fetcher:     fetcher,
		listingURL:  listingURL,
		parallelism: parallelism,
	}
}

// Paginate returns the category's item detail URLs, page 1 first, without duplicates.
func (p *Paginator) Paginate(ctx context.Context, category models.CategoryRef) ([]string, error) {
	first, err := p.fetcher.FetchDocument(ctx, category.ListingURL)
	if err != nil {
		return nil, err
	}

	if first.Find(nextControlSelector).Length() == 0 {
		links, err := ItemLinks(first, category.ListingURL)
		if err != nil {
			return nil, err
		}
		return dedupeLinks(category, [][]string{links}), nil
	}

	total, err := TotalPages(first, category.ListingURL)
	if err != nil {
		return nil, err
	}

	pages := make([][]string, total)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for i := 1; i <= total; i++ {
		page := i
		g.Go(func() error {
			pageURL := p.listingURL(category.Slug, page)
			doc, err := p.fetcher.FetchDocument(gctx, pageURL)
			if err != nil {
				return err
			}
			links, err := ItemLinks(doc, pageURL)
			if err != nil {
				return err
			}
			pages[page-1] = links
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Debug("category paginated",
		slog.String("slug", category.Slug),
		slog.Int("pages", total),
	)
	return dedupeLinks(category, pages), nil
}

// TotalPages reads the total page count from a "Page 1 of N" indicator.
func TotalPages(doc *goquery.Document, pageURL string) (int, error) {
	label := doc.Find(pageLabelSelector).First()
	if label.Length() == 0 {
		return 0, &ExtractionError{URL: pageURL, Landmark: "pagination indicator"}
	}
	text := strings.TrimSpace(label.Text())
	match := trailingNumber.FindStringSubmatch(text)
	if match == nil {
		return 0, &ExtractionError{URL: pageURL, Landmark: "pagination indicator", Detail: fmt.Sprintf("no page count in %q", text)}
	}
	total, err := strconv.Atoi(match[1])
	if err != nil || total < 1 {
		return 0, &ExtractionError{URL: pageURL, Landmark: "pagination indicator", Detail: fmt.Sprintf("invalid page count in %q", text)}
	}
	return total, nil
}

// ItemLinks returns the absolute detail links of every item card, in document
// order. A page without cards yields an empty, non-nil slice.
func ItemLinks(doc *goquery.Document, pageURL string) ([]string, error) {
	cards := doc.Find(itemLinkSelector)
	if cards.Length() == 0 {
		slog.Debug("listing page has no item cards", slog.String("url", pageURL))
		return []string{}, nil
	}

	base := documentURL(doc, pageURL)
	links := make([]string, 0, cards.Length())
	var extractErr error
	cards.EachWithBreak(func(i int, s *goquery.Selection) bool {
		href, ok := s.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			extractErr = &ExtractionError{URL: pageURL, Landmark: "item link", Detail: fmt.Sprintf("card %d has no href", i)}
			return false
		}
		abs, err := resolve(base, href)
		if err != nil {
			extractErr = &ExtractionError{URL: pageURL, Landmark: "item link", Detail: err.Error()}
			return false
		}
		links = append(links, abs)
		return true
	})
	if extractErr != nil {
		return nil, extractErr
	}
	return links, nil
}

func dedupeLinks(category models.CategoryRef, pages [][]string) []string {
	total := 0
	for _, page := range pages {
		total += len(page)
	}
	out := make([]string, 0, total)
	seen := make(map[string]struct{}, total)
	for _, page := range pages {
		for _, link := range page {
			if _, dup := seen[link]; dup {
				slog.Warn("duplicate item link on listing",
					slog.String("slug", category.Slug),
					slog.String("url", link),
				)
				continue
			}
			seen[link] = struct{}{}
			out = append(out, link)
		}
	}
	return out
}
