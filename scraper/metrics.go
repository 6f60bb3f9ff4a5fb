package scraper

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the crawler.
type Metrics struct {
	Registry          *prometheus.Registry
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   prometheus.Histogram
	ItemsScrapedTotal prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec
	PhaseDuration     *prometheus.HistogramVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_requests_total",
			Help: "Total HTTP requests issued by the crawler.",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_request_duration_seconds",
			Help:    "HTTP request latency for crawler requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	itemsScraped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_items_scraped_total",
			Help: "Total number of records normalized and added to the batch.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Total number of crawler errors by type.",
		},
		[]string{"error_type"},
	)
	phaseDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraper_phase_duration_seconds",
			Help:    "Wall time spent in each orchestrator phase.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"phase"},
	)

	registry.MustRegister(requests, requestDuration, itemsScraped, errorsTotal, phaseDuration)

	return &Metrics{
		Registry:          registry,
		RequestsTotal:     requests,
		RequestDuration:   requestDuration,
		ItemsScrapedTotal: itemsScraped,
		ErrorsTotal:       errorsTotal,
		PhaseDuration:     phaseDuration,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncItems increments the items scraped counter.
func (m *Metrics) IncItems(n int) {
	if m == nil {
		return
	}
	m.ItemsScrapedTotal.Add(float64(n))
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// ObservePhase records the wall time of one phase.
func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// PhaseTimer records start and end of a unit of work at a phase boundary.
type PhaseTimer struct {
	metrics *Metrics
	phase   string
	attrs   []any
	start   time.Time
}

// StartPhase logs the start of phase and returns a timer to Stop at its end.
func (m *Metrics) StartPhase(phase string, attrs ...any) *PhaseTimer {
	slog.Debug("phase started", append([]any{slog.String("phase", phase)}, attrs...)...)
	return &PhaseTimer{metrics: m, phase: phase, attrs: attrs, start: time.Now()}
}

// Stop records the elapsed time and returns it.
func (t *PhaseTimer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.metrics.ObservePhase(t.phase, elapsed)
	slog.Info("phase finished",
		append([]any{slog.String("phase", t.phase), slog.Duration("elapsed", elapsed)}, t.attrs...)...,
	)
	return elapsed
}
