package pipeline

import (
	"errors"
	"fmt"

	"github.com/aluiziolira/go-catalog-crawler/models"
	"github.com/spf13/afero"
)

// DualWriter writes the same records as CSV and as JSON Lines. The CSV side
// is written first and is the one callers treat as primary.
type DualWriter struct {
	sinks []namedWriter
}

type namedWriter struct {
	format string
	OutputWriter
}

// NewDualWriter creates both files, truncating earlier output.
func NewDualWriter(fs afero.Fs, csvFilename, jsonFilename string) (*DualWriter, error) {
	csvWriter, err := NewCSVWriter(fs, csvFilename)
	if err != nil {
		return nil, err
	}
	jsonWriter, err := NewJSONWriter(fs, jsonFilename)
	if err != nil {
		return nil, errors.Join(err, csvWriter.Close())
	}
	return &DualWriter{sinks: []namedWriter{
		{format: "csv", OutputWriter: csvWriter},
		{format: "jsonl", OutputWriter: jsonWriter},
	}}, nil
}

// Write stops at the first sink that fails.
func (dw *DualWriter) Write(records []*models.NormalizedRecord) error {
	for _, sink := range dw.sinks {
		if err := sink.Write(records); err != nil {
			return fmt.Errorf("%s output: %w", sink.format, err)
		}
	}
	return nil
}

// Close closes every sink and joins their errors.
func (dw *DualWriter) Close() error {
	return dw.each(OutputWriter.Close)
}

// Validate checks that every file has content.
func (dw *DualWriter) Validate() error {
	return dw.each(OutputWriter.Validate)
}

func (dw *DualWriter) each(fn func(OutputWriter) error) error {
	var errs []error
	for _, sink := range dw.sinks {
		if err := fn(sink.OutputWriter); err != nil {
			errs = append(errs, fmt.Errorf("%s output: %w", sink.format, err))
		}
	}
	return errors.Join(errs...)
}
