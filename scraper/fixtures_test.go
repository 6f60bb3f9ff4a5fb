package scraper

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aluiziolira/go-catalog-crawler/config"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
)

const testBaseURL = "http://example.test/"

type fixtureCategory struct {
	Name    string
	Slug    string
	Books   int
	PerPage int
}

type fixtureBook struct {
	ID       int
	Title    string
	Category string
}

// catalogFixture serves a small catalog shaped like the real site through an
// httpmock transport.
type catalogFixture struct {
	transport  *httpmock.MockTransport
	categories []fixtureCategory
	books      map[string][]fixtureBook
	nextID     int
}

func newCatalogFixture(categories ...fixtureCategory) *catalogFixture {
	f := &catalogFixture{
		transport:  httpmock.NewMockTransport(),
		categories: categories,
		books:      make(map[string][]fixtureBook),
	}
	f.transport.RegisterResponder(http.MethodGet, testBaseURL+"index.html", htmlResponder(f.homePage()))
	for _, c := range categories {
		f.addCategory(c)
	}
	return f
}

func (f *catalogFixture) addCategory(c fixtureCategory) {
	perPage := c.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	for i := 0; i < c.Books; i++ {
		f.nextID++
		book := fixtureBook{ID: f.nextID, Title: fmt.Sprintf("Book %d", f.nextID), Category: c.Name}
		f.books[c.Slug] = append(f.books[c.Slug], book)
		f.transport.RegisterResponder(http.MethodGet, detailURL(book.ID), htmlResponder(detailPage(book)))
		f.transport.RegisterResponder(http.MethodGet, imageURL(book.ID), imageResponder(book.ID))
	}

	books := f.books[c.Slug]
	total := (len(books) + perPage - 1) / perPage
	if total <= 1 {
		f.transport.RegisterResponder(http.MethodGet, listingIndexURL(c.Slug), htmlResponder(listingPage(books, 1, 1)))
		return
	}
	for page := 1; page <= total; page++ {
		end := page * perPage
		if end > len(books) {
			end = len(books)
		}
		body := listingPage(books[(page-1)*perPage:end], page, total)
		f.transport.RegisterResponder(http.MethodGet, listingPageURL(c.Slug, page), htmlResponder(body))
		if page == 1 {
			f.transport.RegisterResponder(http.MethodGet, listingIndexURL(c.Slug), htmlResponder(body))
		}
	}
}

func (f *catalogFixture) detailURLs(slug string) []string {
	urls := make([]string, 0, len(f.books[slug]))
	for _, b := range f.books[slug] {
		urls = append(urls, detailURL(b.ID))
	}
	return urls
}

func (f *catalogFixture) homePage() string {
	var b strings.Builder
	b.WriteString(`<html><body><div class="side_categories"><ul class="nav nav-list"><li>`)
	b.WriteString(`<a href="catalogue/category/books_1/index.html">Books</a><ul>`)
	for _, c := range f.categories {
		fmt.Fprintf(&b, `<li><a href="catalogue/category/books/%s/index.html">
			%s
		</a></li>`, c.Slug, c.Name)
	}
	b.WriteString(`</ul></li></ul></div></body></html>`)
	return b.String()
}

func listingIndexURL(slug string) string {
	return fmt.Sprintf("%scatalogue/category/books/%s/index.html", testBaseURL, slug)
}

func listingPageURL(slug string, page int) string {
	return fmt.Sprintf("%scatalogue/category/books/%s/page-%d.html", testBaseURL, slug, page)
}

func detailURL(id int) string {
	return fmt.Sprintf("%scatalogue/book-%d_%d/index.html", testBaseURL, id, id)
}

func imageURL(id int) string {
	return fmt.Sprintf("%smedia/cache/%d.jpg", testBaseURL, id)
}

func listingPage(books []fixtureBook, page, total int) string {
	var b strings.Builder
	b.WriteString(`<html><body><section><ol class="row">`)
	for _, book := range books {
		b.WriteString(`<li><article class="product_pod">`)
		fmt.Fprintf(&b, `<h3><a href="../../../book-%d_%d/index.html" title="%s">%s</a></h3>`, book.ID, book.ID, book.Title, book.Title)
		b.WriteString(`</article></li>`)
	}
	b.WriteString(`</ol>`)
	if total > 1 {
		b.WriteString(`<ul class="pager">`)
		fmt.Fprintf(&b, `<li class="current">
			Page %d of %d
		</li>`, page, total)
		if page < total {
			fmt.Fprintf(&b, `<li class="next"><a href="page-%d.html">next</a></li>`, page+1)
		}
		b.WriteString(`</ul>`)
	}
	b.WriteString(`</section></body></html>`)
	return b.String()
}

type detailOptions struct {
	tableRows    int
	rating       string
	availability string
	noBreadcrumb bool
	noImage      bool
}

func detailPage(book fixtureBook) string {
	return detailPageWith(book, detailOptions{tableRows: 7, rating: "Three", availability: fmt.Sprintf("In stock (%d available)", book.ID)})
}

func detailPageWith(book fixtureBook, opts detailOptions) string {
	price := fmt.Sprintf("£%d.%02d", 10+book.ID, book.ID%100)
	rows := []struct{ name, value string }{
		{"UPC", fmt.Sprintf("upc%04d", book.ID)},
		{"Product Type", "Books"},
		{"Price (excl. tax)", price},
		{"Price (incl. tax)", price},
		{"Tax", "£0.00"},
		{"Availability", opts.availability},
		{"Number of reviews", "0"},
	}
	if opts.tableRows < len(rows) {
		rows = rows[:opts.tableRows]
	}

	var b strings.Builder
	b.WriteString(`<html><head><meta charset="utf-8"></head><body>`)
	if !opts.noBreadcrumb {
		b.WriteString(`<ul class="breadcrumb"><li><a href="../../index.html">Home</a></li>`)
		b.WriteString(`<li><a href="../category/books_1/index.html">Books</a></li>`)
		fmt.Fprintf(&b, `<li><a href="../category/books/x/index.html">%s</a></li>`, book.Category)
		fmt.Fprintf(&b, `<li class="active">%s</li></ul>`, book.Title)
	}
	b.WriteString(`<article class="product_page"><div class="row">`)
	if !opts.noImage {
		fmt.Fprintf(&b, `<div id="product_gallery" class="carousel"><div class="thumbnail"><div class="carousel-inner">
			<div class="item active"><img src="../../media/cache/%d.jpg" alt="%s" /></div>
		</div></div></div>`, book.ID, book.Title)
	}
	fmt.Fprintf(&b, `<div class="col-sm-6 product_main"><h1>%s</h1><p class="price_color">%s</p>`, book.Title, price)
	fmt.Fprintf(&b, `<p class="instock availability"><i class="icon-ok"></i> %s</p>`, opts.availability)
	fmt.Fprintf(&b, `<p class="star-rating %s"><i class="icon-star"></i></p></div></div>`, opts.rating)
	b.WriteString(`<div id="product_description" class="sub-header"><h2>Product Description</h2></div>`)
	fmt.Fprintf(&b, `<p>Description of %s.</p>`, book.Title)
	b.WriteString(`<div class="sub-header"><h2>Product Information</h2></div><table class="table table-striped">`)
	for _, row := range rows {
		fmt.Fprintf(&b, `<tr><th>%s</th><td>%s</td></tr>`, row.name, row.value)
	}
	b.WriteString(`</table></article></body></html>`)
	return b.String()
}

func htmlResponder(body string) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusOK, body)
		resp.Header.Set("Content-Type", "text/html; charset=utf-8")
		resp.Request = req
		return resp, nil
	}
}

func imageBytes(id int) []byte {
	return []byte{0xff, 0xd8, 0xff, 0xe0, byte(id), 0x80, 0xa3, 0xff, 0xd9}
}

func imageResponder(id int) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewBytesResponse(http.StatusOK, imageBytes(id))
		resp.Header.Set("Content-Type", "image/jpeg")
		resp.Request = req
		return resp, nil
	}
}

func newTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = testBaseURL
	cfg.Parallelism = 4
	cfg.Timeout = 2 * time.Second
	cfg.OutputFile = "out/all_books.csv"
	cfg.ImageDir = "out/images"
	return cfg
}

func newTestFetcher(t *testing.T, ctx context.Context, cfg *config.Config, transport http.RoundTripper, opts ...FetcherOption) *Fetcher {
	t.Helper()
	fetcher, err := NewFetcher(ctx, cfg, append([]FetcherOption{WithTransport(transport)}, opts...)...)
	require.NoError(t, err)
	return fetcher
}
