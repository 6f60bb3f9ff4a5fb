// Package pipeline accumulates normalized records and persists them as CSV,
// JSON Lines and per-category image archives.
package pipeline

import (
	"fmt"
	"sync"

	"github.com/aluiziolira/go-catalog-crawler/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Batch is the append-only record accumulator of one run, plus its failure
// tally. All methods are safe for concurrent use.
type Batch struct {
	mu         sync.Mutex
	records    []*models.NormalizedRecord
	failures   []models.Failure
	validation map[string]int
	seen       *lru.Cache[string, struct{}]
}

// NewBatch builds an empty batch remembering up to dedupeSize record keys.
func NewBatch(dedupeSize int) (*Batch, error) {
	if dedupeSize <= 0 {
		dedupeSize = 1
	}
	seen, err := lru.New[string, struct{}](dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	return &Batch{
		validation: make(map[string]int),
		seen:       seen,
	}, nil
}

// Add appends records in the given order, skipping nil records and records
// whose detail URL (or UPC when the URL is unknown) was already added.
// It returns the number of records appended.
func (b *Batch) Add(records ...*models.NormalizedRecord) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	added := 0
	for _, record := range records {
		if record == nil {
			b.validation["nil_record"]++
			continue
		}
		key := record.URL
		if key == "" {
			key = "upc:" + record.UPC
		}
		if found, _ := b.seen.ContainsOrAdd(key, struct{}{}); found {
			b.validation["duplicate_url"]++
			continue
		}
		b.records = append(b.records, record)
		added++
	}
	return added
}

// Fail records one failed item or category.
func (b *Batch) Fail(f models.Failure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, f)
}

// Len returns the number of accumulated records.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Records returns a copy of the accumulated records in insertion order.
func (b *Batch) Records() []*models.NormalizedRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.NormalizedRecord, len(b.records))
	copy(out, b.records)
	return out
}

// Failures returns a copy of the failure tally.
func (b *Batch) Failures() []models.Failure {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Failure, len(b.failures))
	copy(out, b.failures)
	return out
}

// ValidationErrors returns how many records Add rejected, by reason.
func (b *Batch) ValidationErrors() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]int, len(b.validation))
	for k, v := range b.validation {
		out[k] = v
	}
	return out
}

// GroupByCategory splits records by CategorySlug, keeping first-seen category
// order and record order within each category.
func GroupByCategory(records []*models.NormalizedRecord) ([]string, map[string][]*models.NormalizedRecord) {
	order := make([]string, 0)
	groups := make(map[string][]*models.NormalizedRecord)
	for _, record := range records {
		if record == nil {
			continue
		}
		if _, ok := groups[record.CategorySlug]; !ok {
			order = append(order, record.CategorySlug)
		}
		groups[record.CategorySlug] = append(groups[record.CategorySlug], record)
	}
	return order, groups
}
