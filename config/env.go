package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvString returns the trimmed value of key and whether it was set to a non-empty value.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer. A missing or empty variable is not an error.
func EnvInt(key string) (int, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// EnvBool parses key with strconv.ParseBool.
func EnvBool(key string) (bool, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return false, false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// EnvDuration parses key with time.ParseDuration.
func EnvDuration(key string) (time.Duration, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// ApplyEnv overlays SCRAPER_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	if v, ok := EnvString("SCRAPER_BASE_URL"); ok {
		c.BaseURL = v
	}
	if v, ok, err := EnvInt("SCRAPER_PARALLEL"); err != nil {
		return err
	} else if ok {
		c.Parallelism = v
	}
	if v, ok, err := EnvInt("SCRAPER_MAX_CATEGORIES"); err != nil {
		return err
	} else if ok {
		c.MaxCategories = v
	}
	if v, ok, err := EnvDuration("SCRAPER_TIMEOUT"); err != nil {
		return err
	} else if ok {
		c.Timeout = v
	}
	if v, ok := EnvString("SCRAPER_OUTPUT"); ok {
		c.OutputFile = v
	}
	if v, ok := EnvString("SCRAPER_CATEGORY_CSV_DIR"); ok {
		c.CategoryCSVDir = v
	}
	if v, ok := EnvString("SCRAPER_IMAGE_DIR"); ok {
		c.ImageDir = v
	}
	if v, ok, err := EnvBool("SCRAPER_SKIP_IMAGES"); err != nil {
		return err
	} else if ok {
		c.SkipImages = v
	}
	if v, ok := EnvString("SCRAPER_METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	return nil
}
