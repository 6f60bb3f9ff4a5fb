package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-catalog-crawler/config"
	"github.com/aluiziolira/go-catalog-crawler/models"
	"github.com/aluiziolira/go-catalog-crawler/scraper"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := config.DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		os.Exit(1)
	}

	cmd := &cobra.Command{
		Use:           "scraper",
		Short:         "Crawl the book catalog into CSV files and per-category image folders",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.OutputFormat = strings.ToLower(cfg.OutputFormat)
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Catalog base URL")
	flags.IntVarP(&cfg.Parallelism, "parallel", "p", cfg.Parallelism, "Maximum concurrent requests")
	flags.DurationVar(&cfg.Delay, "delay", cfg.Delay, "Delay between requests")
	flags.DurationVar(&cfg.RandomDelay, "random-delay", cfg.RandomDelay, "Random jitter added to delay")
	flags.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request transport timeout")
	flags.IntVar(&cfg.MaxCategories, "max-categories", cfg.MaxCategories, "Crawl only the first N categories (0 = all)")
	flags.StringVarP(&cfg.OutputFile, "output", "o", cfg.OutputFile, "Primary CSV output path")
	flags.StringVar(&cfg.OutputFormat, "format", cfg.OutputFormat, "Output format: csv or dual (csv + jsonl)")
	flags.StringVar(&cfg.CategoryCSVDir, "category-csv-dir", cfg.CategoryCSVDir, "Also write one CSV per category into this directory")
	flags.StringVar(&cfg.ImageDir, "image-dir", cfg.ImageDir, "Root directory for category image folders")
	flags.BoolVar(&cfg.SkipImages, "skip-images", cfg.SkipImages, "Do not download images")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Enable verbose logging")

	return cmd
}

func run(parent context.Context, cfg *config.Config) error {
	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		if errors.Is(ctx.Err(), context.Canceled) {
			slog.Info("shutdown signal received, flushing partial output")
		}
	}()

	slog.Info("starting crawl",
		slog.String("base_url", cfg.BaseURL),
		slog.Int("workers", cfg.Parallelism),
		slog.String("output", cfg.OutputFile),
	)

	metrics := scraper.NewMetrics()
	fetcher, err := scraper.NewFetcher(ctx, cfg, scraper.WithMetrics(metrics))
	if err != nil {
		slog.Error("initialising fetcher", slog.Any("error", err))
		return err
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	s := scraper.NewScraper(cfg, fetcher, afero.NewOsFs(), metrics)
	result, runErr := s.Run(ctx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(result, cfg)
	if runErr != nil {
		slog.Error("crawl failed", slog.String("state", result.FinalState), slog.Any("error", runErr))
		return runErr
	}
	return nil
}

func printSummary(result *models.RunResult, cfg *config.Config) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	if result.Incomplete {
		fmt.Println("Crawl INCOMPLETE")
	} else {
		fmt.Println("Crawl complete")
	}

	fmt.Printf("  Final state:   %s\n", result.FinalState)
	fmt.Printf("  Categories:    %d\n", len(result.Categories))
	for _, c := range result.Categories {
		status := ""
		if c.Skipped {
			status = " (skipped)"
		}
		if c.NotAttempted > 0 {
			status += fmt.Sprintf(" not_attempted=%d", c.NotAttempted)
		}
		fmt.Printf("    %-32s items=%-4d failed=%d%s\n", c.Slug, c.Items, c.Failed, status)
	}
	fmt.Printf("  Total items:   %d\n", result.TotalCount)
	fmt.Printf("  Failed items:  %d\n", result.FailedCount)
	if result.NotAttempted > 0 {
		fmt.Printf("  Not attempted: %d\n", result.NotAttempted)
	}
	if !cfg.SkipImages {
		fmt.Printf("  Images:        saved=%d failed=%d\n", result.ImagesSaved, result.ImagesFailed)
	}
	fmt.Printf("  Requests:      %d\n", result.RequestCount)
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %s\n", formatCounts(result.ErrorsByType))
	}
	if len(result.ValidationErrors) > 0 {
		fmt.Printf("  Rejected:      %s\n", formatCounts(result.ValidationErrors))
	}
	for _, phase := range result.Phases {
		fmt.Printf("  Phase %-9s %v\n", phase.Phase+":", phase.Duration.Round(time.Millisecond))
	}
	fmt.Printf("  Duration:      %v\n", result.EndTime.Sub(result.StartTime).Round(time.Millisecond))
	fmt.Printf("  Output file:   %s\n", cfg.OutputFile)
	fmt.Println(separator)
}

// formatCounts renders counts as sorted key=value pairs.
func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
