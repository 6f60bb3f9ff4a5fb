package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds crawler configuration. It is built once at startup and passed
// to every component that needs the host, path templates or output layout.
type Config struct {
	BaseURL         string
	HomePath        string
	ListingTemplate string // category slug, page number
	Parallelism     int
	Delay           time.Duration
	RandomDelay     time.Duration
	Timeout         time.Duration
	UserAgent       string
	MaxCategories   int // 0 crawls every category
	DedupeMaxSize   int
	OutputFile      string
	OutputFormat    string // csv or dual
	CategoryCSVDir  string // empty disables per-category files
	ImageDir        string
	SkipImages      bool
	MetricsAddr     string
	Verbose         bool
}

// DefaultConfig returns defaults for the books.toscrape.com catalog.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:         "https://books.toscrape.com/",
		HomePath:        "index.html",
		ListingTemplate: "catalogue/category/books/%s/page-%d.html",
		Parallelism:     8,
		Delay:           0,
		RandomDelay:     0,
		Timeout:         10 * time.Second,
		UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		MaxCategories:   0,
		DedupeMaxSize:   10000,
		OutputFile:      "datas/csv_files/all_books.csv",
		OutputFormat:    "csv",
		CategoryCSVDir:  "",
		ImageDir:        "datas/images",
		SkipImages:      false,
		MetricsAddr:     "",
		Verbose:         false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if c.HomePath == "" {
		return fmt.Errorf("home path cannot be empty")
	}
	if strings.Count(c.ListingTemplate, "%s") != 1 || strings.Count(c.ListingTemplate, "%d") != 1 {
		return fmt.Errorf("listing template must contain one %%s and one %%d verb")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.MaxCategories < 0 {
		return fmt.Errorf("max categories cannot be negative")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv or dual")
	}
	if !c.SkipImages && c.ImageDir == "" {
		return fmt.Errorf("image dir cannot be empty unless images are skipped")
	}

	return nil
}

// HomeURL is the absolute URL of the catalog home page.
func (c *Config) HomeURL() string {
	u, err := c.Resolve(c.HomePath)
	if err != nil {
		return strings.TrimSuffix(c.BaseURL, "/") + "/" + c.HomePath
	}
	return u
}

// ListingURL builds the absolute URL of page n (1-based) of a category listing.
func (c *Config) ListingURL(categorySlug string, page int) string {
	ref := fmt.Sprintf(c.ListingTemplate, categorySlug, page)
	u, err := c.Resolve(ref)
	if err != nil {
		return strings.TrimSuffix(c.BaseURL, "/") + "/" + ref
	}
	return u
}

// Resolve resolves ref against the base URL.
func (c *Config) Resolve(ref string) (string, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse reference %q: %w", ref, err)
	}
	return base.ResolveReference(rel).String(), nil
}

// JSONOutputFile is the JSON Lines companion of OutputFile for dual output.
func (c *Config) JSONOutputFile() string {
	return strings.TrimSuffix(c.OutputFile, ".csv") + ".jsonl"
}
