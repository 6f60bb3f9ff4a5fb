package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/aluiziolira/go-catalog-crawler/config"
	"github.com/aluiziolira/go-catalog-crawler/models"
	"github.com/aluiziolira/go-catalog-crawler/parser"
	"github.com/aluiziolira/go-catalog-crawler/pipeline"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// ErrRunIncomplete is returned when a run was cancelled and its output holds
// only part of the catalog.
var ErrRunIncomplete = errors.New("run incomplete")

// State is a step of the orchestrator's run.
type State string

const (
	StateIdle        State = "idle"
	StateDiscovering State = "discovering_categories"
	StatePaginating  State = "paginating"
	StateExtracting  State = "extracting"
	StateNormalizing State = "normalizing"
	StatePersisting  State = "persisting"
	StateArchiving   State = "archiving"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Scraper sequences discovery, pagination, extraction, normalization,
// persistence and image archiving for one catalog.
type Scraper struct {
	cfg       *config.Config
	fetcher   PageFetcher
	paginator *Paginator
	fs        afero.Fs
	Metrics   *Metrics

	mu          sync.Mutex
	state       State
	transitions []State
}

// NewScraper wires an orchestrator around fetcher. Output files are written to fs.
func NewScraper(cfg *config.Config, fetcher PageFetcher, fs afero.Fs, metrics *Metrics) *Scraper {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Scraper{
		cfg:       cfg,
		fetcher:   fetcher,
		paginator: NewPaginator(fetcher, cfg.ListingURL, cfg.Parallelism),
		fs:        fs,
		Metrics:   metrics,
		state:     StateIdle,
	}
}

// State returns the current state.
func (s *Scraper) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transitions returns every state entered so far, in order.
func (s *Scraper) Transitions() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, len(s.transitions))
	copy(out, s.transitions)
	return out
}

// Run crawls the catalog. Item and category failures are tallied in the
// result. Run returns an error only when category discovery fails, when the
// primary CSV cannot be written or read back, or when ctx is cancelled.
// The result is non-nil in every case.
func (s *Scraper) Run(ctx context.Context) (*models.RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	result := &models.RunResult{
		StartTime:    time.Now(),
		ErrorsByType: make(map[string]int),
	}

	batch, err := pipeline.NewBatch(s.cfg.DedupeMaxSize)
	if err != nil {
		s.setState(StateFailed)
		return s.finish(result, nil), err
	}

	s.setState(StateDiscovering)
	timer := s.Metrics.StartPhase("discover")
	categories, err := DiscoverCategories(ctx, s.fetcher, s.cfg.HomeURL())
	s.addPhase(result, "discover", timer.Stop())
	if err != nil {
		s.recordError(result, err)
		slog.Error("category discovery failed",
			slog.String("url", s.cfg.HomeURL()),
			slog.String("error_kind", ErrorKind(err)),
			slog.Any("error", err),
		)
		s.setState(StateFailed)
		return s.finish(result, batch), fmt.Errorf("discover categories: %w", err)
	}
	if s.cfg.MaxCategories > 0 && len(categories) > s.cfg.MaxCategories {
		categories = categories[:s.cfg.MaxCategories]
	}
	slog.Info("categories discovered", slog.Int("count", len(categories)))

	for _, category := range categories {
		if ctx.Err() != nil {
			break
		}
		result.Categories = append(result.Categories, s.crawlCategory(ctx, category, batch, result))
	}

	if cause := ctx.Err(); cause != nil {
		return s.finish(result, batch), s.flushIncomplete(result, batch, cause)
	}

	s.setState(StatePersisting)
	timer = s.Metrics.StartPhase("persist", slog.Int("records", batch.Len()))
	err = s.persist(batch, result)
	s.addPhase(result, "persist", timer.Stop())
	if err != nil {
		s.recordError(result, err)
		slog.Error("primary output write failed",
			slog.String("path", s.cfg.OutputFile),
			slog.String("error_kind", ErrorKind(err)),
			slog.Any("error", err),
		)
		s.setState(StateFailed)
		return s.finish(result, batch), err
	}
	if err := pipeline.ClearIncomplete(s.fs, s.cfg.OutputFile); err != nil {
		slog.Warn("stale incomplete marker not removed", slog.Any("error", err))
	}

	if !s.cfg.SkipImages {
		s.setState(StateArchiving)
		timer = s.Metrics.StartPhase("archive")
		persisted, err := pipeline.ReadCSV(s.fs, s.cfg.OutputFile)
		if err != nil {
			s.addPhase(result, "archive", timer.Stop())
			s.recordError(result, err)
			slog.Error("persisted output not readable",
				slog.String("path", s.cfg.OutputFile),
				slog.String("error_kind", ErrorKind(err)),
				slog.Any("error", err),
			)
			s.setState(StateFailed)
			return s.finish(result, batch), fmt.Errorf("read back output: %w", err)
		}
		err = s.archive(ctx, persisted, batch, result)
		s.addPhase(result, "archive", timer.Stop())
		if err != nil {
			return s.finish(result, batch), s.markIncomplete(result, fmt.Errorf("image archiving: %w", err))
		}
	}

	s.setState(StateDone)
	return s.finish(result, batch), nil
}

func (s *Scraper) crawlCategory(ctx context.Context, category models.CategoryRef, batch *pipeline.Batch, result *models.RunResult) models.CategoryStats {
	stats := models.CategoryStats{Slug: category.Slug, Name: category.Name}

	s.setState(StatePaginating)
	timer := s.Metrics.StartPhase("paginate", slog.String("slug", category.Slug))
	links, err := s.paginator.Paginate(ctx, category)
	s.addPhase(result, "paginate", timer.Stop())
	if err != nil {
		s.recordError(result, err)
		batch.Fail(models.Failure{
			Scope: "category",
			URL:   category.ListingURL,
			Slug:  category.Slug,
			Kind:  ErrorKind(err),
			Err:   err.Error(),
		})
		slog.Error("category skipped",
			slog.String("slug", category.Slug),
			slog.String("url", category.ListingURL),
			slog.String("error_kind", ErrorKind(err)),
			slog.Any("error", err),
		)
		stats.Skipped = true
		return stats
	}
	stats.Links = len(links)

	s.setState(StateExtracting)
	timer = s.Metrics.StartPhase("extract", slog.String("slug", category.Slug), slog.Int("items", len(links)))
	raws := make([]*models.RawRecord, len(links))
	errs := make([]error, len(links))
	var g errgroup.Group
	g.SetLimit(s.cfg.Parallelism)
	for i, link := range links {
		idx, detailURL := i, link
		g.Go(func() error {
			raws[idx], errs[idx] = ExtractRecord(ctx, s.fetcher, detailURL)
			return nil
		})
	}
	_ = g.Wait()
	s.addPhase(result, "extract", timer.Stop())

	s.setState(StateNormalizing)
	timer = s.Metrics.StartPhase("normalize", slog.String("slug", category.Slug))
	records := make([]*models.NormalizedRecord, 0, len(links))
	for i, detailURL := range links {
		err := errs[i]
		if err == nil {
			var record *models.NormalizedRecord
			record, err = parser.Normalize(raws[i])
			if err == nil {
				records = append(records, record)
				continue
			}
		}
		if errors.Is(err, context.Canceled) {
			stats.NotAttempted++
			batch.Fail(models.Failure{Scope: "not_attempted", URL: detailURL, Slug: category.Slug, Kind: "cancelled", Err: err.Error()})
			continue
		}
		stats.Failed++
		s.itemFailed(result, batch, category, detailURL, err)
	}
	s.addPhase(result, "normalize", timer.Stop())

	stats.Items = batch.Add(records...)
	s.Metrics.IncItems(stats.Items)
	slog.Info("category processed",
		slog.String("slug", category.Slug),
		slog.Int("items", stats.Items),
		slog.Int("failed", stats.Failed),
		slog.Int("not_attempted", stats.NotAttempted),
	)
	return stats
}

func (s *Scraper) itemFailed(result *models.RunResult, batch *pipeline.Batch, category models.CategoryRef, detailURL string, err error) {
	kind := ErrorKind(err)
	s.recordError(result, err)
	batch.Fail(models.Failure{
		Scope: "item",
		URL:   detailURL,
		Slug:  category.Slug,
		Kind:  kind,
		Err:   err.Error(),
	})
	slog.Warn("item failed",
		slog.String("url", detailURL),
		slog.String("slug", category.Slug),
		slog.String("error_kind", kind),
		slog.Any("error", err),
	)
}

// persist writes the primary output, then the optional per-category CSVs.
// Only a primary write failure is returned.
func (s *Scraper) persist(batch *pipeline.Batch, result *models.RunResult) error {
	records := batch.Records()
	if err := s.writePrimary(records); err != nil {
		return err
	}
	slog.Info("output written", slog.String("path", s.cfg.OutputFile), slog.Int("records", len(records)))

	if s.cfg.CategoryCSVDir == "" {
		return nil
	}
	order, groups := pipeline.GroupByCategory(records)
	for _, slug := range order {
		path := filepath.Join(s.cfg.CategoryCSVDir, slug+".csv")
		if err := pipeline.WriteCSV(s.fs, path, groups[slug]); err != nil {
			s.recordError(result, err)
			batch.Fail(models.Failure{Scope: "category_csv", URL: path, Slug: slug, Kind: ErrorKind(err), Err: err.Error()})
			slog.Error("category csv write failed",
				slog.String("slug", slug),
				slog.String("path", path),
				slog.String("error_kind", ErrorKind(err)),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

func (s *Scraper) writePrimary(records []*models.NormalizedRecord) error {
	if s.cfg.OutputFormat == "dual" {
		jsonPath := s.cfg.JSONOutputFile()
		return pipeline.WriteBatch(s.fs, s.cfg.OutputFile, records, func(fs afero.Fs, path string) (pipeline.OutputWriter, error) {
			return pipeline.NewDualWriter(fs, path, jsonPath)
		})
	}
	return pipeline.WriteCSV(s.fs, s.cfg.OutputFile, records)
}

// archive downloads the images of the records read back from the primary CSV.
func (s *Scraper) archive(ctx context.Context, persisted []*models.NormalizedRecord, batch *pipeline.Batch, result *models.RunResult) error {
	archiver := pipeline.NewImageArchiver(s.fs, s.cfg.ImageDir, s.fetcher, s.cfg.Parallelism)
	report, err := archiver.Archive(ctx, persisted)
	result.ImagesSaved = len(report.Saved)
	result.ImagesFailed = len(report.Failed)
	for _, entry := range report.Failed {
		s.recordError(result, entry.Err)
		batch.Fail(models.Failure{
			Scope: "image",
			URL:   entry.URL,
			Slug:  entry.CategorySlug,
			Kind:  entry.Kind,
			Err:   entry.Err.Error(),
		})
	}
	slog.Info("images archived",
		slog.Int("categories", report.Categories),
		slog.Int("saved", result.ImagesSaved),
		slog.Int("failed", result.ImagesFailed),
	)
	return err
}

// flushIncomplete writes whatever the batch holds and marks the output as partial.
func (s *Scraper) flushIncomplete(result *models.RunResult, batch *pipeline.Batch, cause error) error {
	s.setState(StatePersisting)
	timer := s.Metrics.StartPhase("persist", slog.Int("records", batch.Len()), slog.Bool("incomplete", true))
	err := s.writePrimary(batch.Records())
	s.addPhase(result, "persist", timer.Stop())
	if err != nil {
		s.recordError(result, err)
		s.setState(StateFailed)
		result.Incomplete = true
		return fmt.Errorf("%w: %v; partial output not written: %w", ErrRunIncomplete, cause, err)
	}
	return s.markIncomplete(result, cause)
}

func (s *Scraper) markIncomplete(result *models.RunResult, cause error) error {
	result.Incomplete = true
	s.setState(StateFailed)
	if err := pipeline.MarkIncomplete(s.fs, s.cfg.OutputFile, cause.Error()); err != nil {
		slog.Error("incomplete marker not written", slog.Any("error", err))
	}
	slog.Warn("run incomplete",
		slog.String("path", s.cfg.OutputFile),
		slog.Any("cause", cause),
	)
	return fmt.Errorf("%w: %w", ErrRunIncomplete, cause)
}

func (s *Scraper) finish(result *models.RunResult, batch *pipeline.Batch) *models.RunResult {
	result.EndTime = time.Now()
	result.FinalState = string(s.State())
	if rc, ok := s.fetcher.(interface{ RequestCount() int }); ok {
		result.RequestCount = rc.RequestCount()
	}
	if batch == nil {
		return result
	}
	result.Records = batch.Records()
	result.TotalCount = len(result.Records)
	result.Failures = batch.Failures()
	for _, f := range result.Failures {
		switch f.Scope {
		case "item":
			result.FailedCount++
		case "not_attempted":
			result.NotAttempted++
		}
	}
	result.ValidationErrors = batch.ValidationErrors()
	return result
}

func (s *Scraper) recordError(result *models.RunResult, err error) {
	if err == nil {
		return
	}
	label := errorTypeLabel(err)
	if errors.Is(err, context.Canceled) {
		label = "cancelled"
	}
	result.ErrorsByType[label]++
	if ErrorKind(err) != "fetch" {
		// fetch errors are already counted by the fetcher
		s.Metrics.IncError(label)
	}
}

func (s *Scraper) addPhase(result *models.RunResult, phase string, d time.Duration) {
	for i := range result.Phases {
		if result.Phases[i].Phase == phase {
			result.Phases[i].Duration += d
			return
		}
	}
	result.Phases = append(result.Phases, models.PhaseTiming{Phase: phase, Duration: d})
}

func (s *Scraper) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.transitions = append(s.transitions, next)
	s.mu.Unlock()
	if prev != next {
		slog.Debug("state transition", slog.String("from", string(prev)), slog.String("to", string(next)))
	}
}
