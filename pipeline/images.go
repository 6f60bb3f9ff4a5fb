package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/aluiziolira/go-catalog-crawler/models"
	"github.com/aluiziolira/go-catalog-crawler/parser"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const defaultImageExt = "jpg"

// ImageFetcher downloads raw bytes.
type ImageFetcher interface {
	FetchBytes(ctx context.Context, rawURL string) ([]byte, error)
}

// ArchiveEntry is the outcome for one record's image.
type ArchiveEntry struct {
	CategorySlug string
	TitleSlug    string
	URL          string
	Path         string
	Kind         string
	Err          error
}

// ArchiveReport lists saved and failed images.
type ArchiveReport struct {
	Categories int
	Saved      []ArchiveEntry
	Failed     []ArchiveEntry
}

// ImageArchiver stores each record's image as <root>/<category>/<title>.<ext>.
// Existing files are overwritten.
type ImageArchiver struct {
	fs          afero.Fs
	root        string
	fetcher     ImageFetcher
	parallelism int
}

// NewImageArchiver returns an archiver downloading up to parallelism images at once.
func NewImageArchiver(fs afero.Fs, root string, fetcher ImageFetcher, parallelism int) *ImageArchiver {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &ImageArchiver{
		fs:          fs,
		root:        root,
		fetcher:     fetcher,
		parallelism: parallelism,
	}
}

// Archive downloads every image of records. A failed download or write is
// recorded in the report and never stops the batch. The returned error is
// non-nil only when ctx was cancelled; the report is still complete for the
// records handled before that.
func (a *ImageArchiver) Archive(ctx context.Context, records []*models.NormalizedRecord) (*ArchiveReport, error) {
	order, groups := GroupByCategory(records)
	report := &ArchiveReport{Categories: len(order)}

	jobs := make([]ArchiveEntry, 0, len(records))
	dirFailed := make(map[string]error, len(order))
	for _, slug := range order {
		dir := filepath.Join(a.root, slug)
		if err := a.fs.MkdirAll(dir, 0o755); err != nil {
			dirFailed[slug] = persistErr("create image directory", dir, err)
			slog.Error("image directory failed",
				slog.String("slug", slug),
				slog.String("error_kind", "persistence"),
				slog.Any("error", err),
			)
		}

		taken := make(map[string]struct{}, len(groups[slug]))
		for _, record := range groups[slug] {
			p := filepath.Join(dir, imageName(record)+"."+imageExt(record.ImageURL))
			if _, dup := taken[p]; dup {
				slog.Warn("image path collision, later record overwrites earlier",
					slog.String("slug", slug),
					slog.String("path", p),
				)
			}
			taken[p] = struct{}{}
			jobs = append(jobs, ArchiveEntry{
				CategorySlug: slug,
				TitleSlug:    record.TitleSlug,
				URL:          record.ImageURL,
				Path:         p,
			})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallelism)
	for i := range jobs {
		idx := i
		if err, ok := dirFailed[jobs[idx].CategorySlug]; ok {
			jobs[idx].Err = err
			continue
		}
		g.Go(func() error {
			jobs[idx].Err = a.save(gctx, jobs[idx])
			return nil
		})
	}
	_ = g.Wait()

	for _, job := range jobs {
		if job.Err != nil {
			job.Kind = errorKind(job.Err)
			slog.Error("image archive failed",
				slog.String("url", job.URL),
				slog.String("slug", job.CategorySlug),
				slog.String("error_kind", job.Kind),
				slog.Any("error", job.Err),
			)
			report.Failed = append(report.Failed, job)
			continue
		}
		report.Saved = append(report.Saved, job)
	}
	return report, ctx.Err()
}

func (a *ImageArchiver) save(ctx context.Context, job ArchiveEntry) error {
	data, err := a.fetcher.FetchBytes(ctx, job.URL)
	if err != nil {
		return err
	}
	return persistErr("write image", job.Path, afero.WriteFile(a.fs, job.Path, data, 0o644))
}

// imageName is the file stem of a record's image. Titles made only of
// punctuation slugify to nothing, so the UPC stands in for them.
func imageName(record *models.NormalizedRecord) string {
	if record.TitleSlug != "" {
		return record.TitleSlug
	}
	return parser.Slugify(record.UPC)
}

// imageExt takes the extension from the URL path, falling back to jpg.
func imageExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return defaultImageExt
	}
	ext := strings.TrimPrefix(path.Ext(u.Path), ".")
	if ext == "" || len(ext) > 5 {
		return defaultImageExt
	}
	return strings.ToLower(ext)
}

func errorKind(err error) string {
	var k interface{ Kind() string }
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "other"
}
