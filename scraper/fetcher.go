package scraper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-catalog-crawler/config"
	"github.com/gocolly/colly/v2"
)

// PageFetcher issues single GET requests against the catalog host.
type PageFetcher interface {
	FetchDocument(ctx context.Context, rawURL string) (*goquery.Document, error)
	FetchBytes(ctx context.Context, rawURL string) ([]byte, error)
}

const (
	slotKey    = "slot"
	phaseKey   = "phase"
	charsetKey = "charset"
	startKey   = "start"
)

// fetchSlot receives the outcome of one request from the collector callbacks.
type fetchSlot struct {
	body     []byte
	finalURL *url.URL
	status   int
	err      error
}

// Fetcher wraps a synchronous colly collector. Every request carries its own
// colly.Context holding the slot the callbacks write into, so concurrent
// callers never share results.
type Fetcher struct {
	collector *colly.Collector
	metrics   *Metrics

	requestCount int64
}

type fetcherOptions struct {
	transport http.RoundTripper
	metrics   *Metrics
}

// FetcherOption customises NewFetcher.
type FetcherOption func(*fetcherOptions)

// WithTransport replaces the default HTTP transport.
func WithTransport(rt http.RoundTripper) FetcherOption {
	return func(o *fetcherOptions) {
		o.transport = rt
	}
}

// WithMetrics records request counts, latencies and errors on m.
func WithMetrics(m *Metrics) FetcherOption {
	return func(o *fetcherOptions) {
		o.metrics = m
	}
}

// NewFetcher builds a fetcher whose requests are all bound to ctx: cancelling
// ctx aborts every in-flight request.
func NewFetcher(ctx context.Context, cfg *config.Config, opts ...FetcherOption) (*Fetcher, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	options := fetcherOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.transport == nil {
		options.transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   cfg.Timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Host),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.WithTransport(&boundTransport{ctx: ctx, base: options.transport})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	f := &Fetcher{
		collector: collector,
		metrics:   options.metrics,
	}
	f.configureHandlers()
	return f, nil
}

func (f *Fetcher) configureHandlers() {
	f.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put(startKey, time.Now())
		if charset, ok := r.Ctx.GetAny(charsetKey).(string); ok && charset != "" {
			r.ResponseCharacterEncoding = charset
		}
		current := atomic.AddInt64(&f.requestCount, 1)
		phase, _ := r.Ctx.GetAny(phaseKey).(string)
		f.metrics.IncRequest(phase)
		if current%50 == 0 {
			slog.Debug("crawler request progress",
				slog.Int64("requests", current),
				slog.String("url", r.URL.String()),
			)
		}
	})

	f.collector.OnResponse(func(r *colly.Response) {
		if start, ok := r.Request.Ctx.GetAny(startKey).(time.Time); ok {
			f.metrics.ObserveDuration(time.Since(start))
		}
		slot, ok := r.Request.Ctx.GetAny(slotKey).(*fetchSlot)
		if !ok {
			return
		}
		slot.body = r.Body
		slot.finalURL = r.Request.URL
		slot.status = r.StatusCode
	})

	f.collector.OnError(func(r *colly.Response, err error) {
		if r == nil || r.Request == nil {
			return
		}
		slot, ok := r.Request.Ctx.GetAny(slotKey).(*fetchSlot)
		if !ok {
			return
		}
		slot.status = r.StatusCode
		slot.err = err
	})
}

// FetchDocument fetches rawURL and parses it as UTF-8 HTML. The returned
// document's Url is the final request URL, used to resolve relative links.
func (f *Fetcher) FetchDocument(ctx context.Context, rawURL string) (*goquery.Document, error) {
	slot, err := f.fetch(ctx, rawURL, "page", "utf-8")
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(slot.body))
	if err != nil {
		return nil, &FetchError{URL: rawURL, StatusCode: slot.status, Err: fmt.Errorf("parse html: %w", err)}
	}
	doc.Url = slot.finalURL
	if doc.Url == nil {
		doc.Url, _ = url.Parse(rawURL)
	}
	return doc, nil
}

// FetchBytes fetches rawURL and returns the body untouched.
func (f *Fetcher) FetchBytes(ctx context.Context, rawURL string) ([]byte, error) {
	slot, err := f.fetch(ctx, rawURL, "image", "")
	if err != nil {
		return nil, err
	}
	return slot.body, nil
}

// RequestCount is the number of requests issued so far.
func (f *Fetcher) RequestCount() int {
	return int(atomic.LoadInt64(&f.requestCount))
}

func (f *Fetcher) fetch(ctx context.Context, rawURL, phase, charset string) (*fetchSlot, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	slot := &fetchSlot{}
	cctx := colly.NewContext()
	cctx.Put(slotKey, slot)
	cctx.Put(phaseKey, phase)
	if charset != "" {
		cctx.Put(charsetKey, charset)
	}

	err := f.collector.Request(http.MethodGet, rawURL, nil, cctx, nil)
	if err == nil {
		err = slot.err
	}
	if err != nil {
		classified := classifyError(err, slot.status)
		if classified == nil {
			classified = err
		}
		fetchErr := &FetchError{URL: rawURL, StatusCode: slot.status, Err: classified}
		f.metrics.IncError(errorTypeLabel(fetchErr))
		return nil, fetchErr
	}
	return slot, nil
}

// boundTransport cancels every outgoing request when the run context is done,
// keeping the request's own deadline.
type boundTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *boundTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(req.Context())
	stop := context.AfterFunc(t.ctx, cancel)
	release := func() {
		stop()
		cancel()
	}

	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		release()
		return nil, err
	}
	resp.Body = &boundBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

// boundBody releases the request context once the body is closed.
type boundBody struct {
	io.ReadCloser
	release func()
}

func (b *boundBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}
