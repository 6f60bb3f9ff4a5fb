package scraper

import (
	"context"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-catalog-crawler/models"
)

const categoryNavSelector = "ul.nav.nav-list a"

// DiscoverCategories fetches the home page and returns every category in
// navigation order. The first navigation entry is the catch-all "Books"
// listing and is skipped.
func DiscoverCategories(ctx context.Context, fetcher PageFetcher, homeURL string) ([]models.CategoryRef, error) {
	doc, err := fetcher.FetchDocument(ctx, homeURL)
	if err != nil {
		return nil, err
	}
	return ParseCategories(doc, homeURL)
}

// ParseCategories reads the side navigation of a home page document.
func ParseCategories(doc *goquery.Document, pageURL string) ([]models.CategoryRef, error) {
	links := doc.Find(categoryNavSelector)
	if links.Length() == 0 {
		return nil, &ExtractionError{URL: pageURL, Landmark: "category navigation"}
	}

	base := documentURL(doc, pageURL)
	categories := make([]models.CategoryRef, 0, links.Length()-1)
	seen := make(map[string]struct{}, links.Length())
	var extractErr error

	links.Slice(1, links.Length()).EachWithBreak(func(i int, s *goquery.Selection) bool {
		href, ok := s.Attr("href")
		name := strings.TrimSpace(s.Text())
		if !ok || strings.TrimSpace(href) == "" || name == "" {
			extractErr = &ExtractionError{URL: pageURL, Landmark: "category link", Detail: "entry without href or name"}
			return false
		}
		listing, err := resolve(base, href)
		if err != nil {
			extractErr = &ExtractionError{URL: pageURL, Landmark: "category link", Detail: err.Error()}
			return false
		}
		slug := categorySlugFromURL(listing)
		if slug == "" {
			extractErr = &ExtractionError{URL: pageURL, Landmark: "category slug", Detail: href}
			return false
		}
		if _, dup := seen[slug]; dup {
			return true
		}
		seen[slug] = struct{}{}
		categories = append(categories, models.CategoryRef{
			Name:       name,
			Slug:       slug,
			ListingURL: listing,
		})
		return true
	})
	if extractErr != nil {
		return nil, extractErr
	}
	return categories, nil
}

// categorySlugFromURL returns the path segment naming the category, i.e. the
// directory holding index.html or page-N.html.
func categorySlugFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	dir := path.Dir(u.Path)
	if dir == "/" || dir == "." {
		return ""
	}
	return path.Base(dir)
}

func documentURL(doc *goquery.Document, fallback string) *url.URL {
	if doc != nil && doc.Url != nil {
		return doc.Url
	}
	u, err := url.Parse(fallback)
	if err != nil {
		return &url.URL{}
	}
	return u
}

func resolve(base *url.URL, ref string) (string, error) {
	rel, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(rel).String(), nil
}
