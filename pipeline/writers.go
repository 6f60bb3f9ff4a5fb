package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aluiziolira/go-catalog-crawler/models"
	"github.com/aluiziolira/go-catalog-crawler/parser"
	"github.com/jszwec/csvutil"
	"github.com/spf13/afero"
)

// IncompleteSuffix names the sidecar marker written next to a partial output file.
const IncompleteSuffix = ".incomplete"

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(records []*models.NormalizedRecord) error
	Close() error
	Validate() error
}

// CSVWriter writes records to a freshly created CSV file.
type CSVWriter struct {
	path    string
	file    afero.File
	writer  *csv.Writer
	encoder *csvutil.Encoder
	mu      sync.Mutex
}

// NewCSVWriter truncates or creates filename and writes the header row.
// Output from a previous run is never appended to.
func NewCSVWriter(fs afero.Fs, filename string) (*CSVWriter, error) {
	if err := ensureDir(fs, filename); err != nil {
		return nil, err
	}

	f, err := fs.Create(filename)
	if err != nil {
		return nil, persistErr("create csv file", filename, err)
	}

	header, err := csvutil.Header(models.NormalizedRecord{}, "csv")
	if err != nil {
		f.Close()
		return nil, persistErr("build csv header", filename, err)
	}

	writer := csv.NewWriter(f)
	if err := writer.Write(header); err != nil {
		f.Close()
		return nil, persistErr("write csv header", filename, err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return nil, persistErr("flush csv header", filename, err)
	}

	encoder := csvutil.NewEncoder(writer)
	encoder.AutoHeader = false

	return &CSVWriter{
		path:    filename,
		file:    f,
		writer:  writer,
		encoder: encoder,
	}, nil
}

// Write appends records after the header.
func (cw *CSVWriter) Write(records []*models.NormalizedRecord) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, record := range records {
		if record == nil {
			continue
		}
		if err := cw.encoder.Encode(record); err != nil {
			return persistErr("write csv record", cw.path, err)
		}
	}
	cw.writer.Flush()
	return persistErr("flush csv records", cw.path, cw.writer.Error())
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		cw.file.Close()
		return persistErr("flush csv writer", cw.path, err)
	}
	return persistErr("close csv file", cw.path, cw.file.Close())
}

// Validate ensures the file has content. The header alone counts.
func (cw *CSVWriter) Validate() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	info, err := cw.file.Stat()
	if err != nil {
		return persistErr("stat csv file", cw.path, err)
	}
	if info.Size() <= 0 {
		return persistErr("validate csv file", cw.path, errors.New("csv file is empty"))
	}
	return nil
}

// JSONWriter writes newline-delimited JSON records.
type JSONWriter struct {
	path    string
	file    afero.File
	writer  *bufio.Writer
	encoder *json.Encoder
	written int
	mu      sync.Mutex
}

// NewJSONWriter truncates or creates filename.
func NewJSONWriter(fs afero.Fs, filename string) (*JSONWriter, error) {
	if err := ensureDir(fs, filename); err != nil {
		return nil, err
	}

	f, err := fs.Create(filename)
	if err != nil {
		return nil, persistErr("create json file", filename, err)
	}

	buffer := bufio.NewWriter(f)
	return &JSONWriter{
		path:    filename,
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Write appends records in JSONL format.
func (jw *JSONWriter) Write(records []*models.NormalizedRecord) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, record := range records {
		if record == nil {
			continue
		}
		if err := jw.encoder.Encode(record); err != nil {
			return persistErr("encode json record", jw.path, err)
		}
		jw.written++
	}
	return persistErr("flush json writer", jw.path, jw.writer.Flush())
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		jw.file.Close()
		return persistErr("flush json writer", jw.path, err)
	}
	return persistErr("close json file", jw.path, jw.file.Close())
}

// Validate ensures the JSON file holds data once a record was written.
// A JSON Lines file of zero records is legitimately empty.
func (jw *JSONWriter) Validate() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	info, err := jw.file.Stat()
	if err != nil {
		return persistErr("stat json file", jw.path, err)
	}
	if jw.written > 0 && info.Size() <= 0 {
		return persistErr("validate json file", jw.path, errors.New("json file is empty"))
	}
	return nil
}

// WriteBatch writes records to a new file at path through the writer built by
// open, validates what landed on disk and closes the writer whatever happens.
func WriteBatch(fs afero.Fs, path string, records []*models.NormalizedRecord, open func(afero.Fs, string) (OutputWriter, error)) (err error) {
	w, err := open(fs, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := w.Write(records); err != nil {
		return err
	}
	return w.Validate()
}

// WriteCSV writes a complete CSV file holding records.
func WriteCSV(fs afero.Fs, path string, records []*models.NormalizedRecord) error {
	return WriteBatch(fs, path, records, func(fs afero.Fs, path string) (OutputWriter, error) {
		return NewCSVWriter(fs, path)
	})
}

// ReadCSV decodes a file written by CSVWriter. TitleSlug is not a column and
// is recomputed from the title; URL stays empty.
func ReadCSV(fs afero.Fs, path string) ([]*models.NormalizedRecord, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, persistErr("read csv file", path, err)
	}
	var rows []models.NormalizedRecord
	if err := csvutil.Unmarshal(data, &rows); err != nil {
		return nil, persistErr("decode csv file", path, err)
	}
	records := make([]*models.NormalizedRecord, len(rows))
	for i := range rows {
		rows[i].TitleSlug = parser.Slugify(rows[i].Title)
		records[i] = &rows[i]
	}
	return records, nil
}

// MarkIncomplete drops a sidecar next to path recording why the run stopped early.
func MarkIncomplete(fs afero.Fs, path, reason string) error {
	marker := path + IncompleteSuffix
	if err := ensureDir(fs, marker); err != nil {
		return err
	}
	body := fmt.Sprintf("incomplete run at %s: %s\n", time.Now().UTC().Format(time.RFC3339), reason)
	return persistErr("write incomplete marker", marker, afero.WriteFile(fs, marker, []byte(body), 0o644))
}

// ClearIncomplete removes a stale marker left by an earlier partial run.
func ClearIncomplete(fs afero.Fs, path string) error {
	marker := path + IncompleteSuffix
	if err := fs.Remove(marker); err != nil && !errors.Is(err, os.ErrNotExist) {
		return persistErr("remove incomplete marker", marker, err)
	}
	return nil
}

func ensureDir(fs afero.Fs, filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return persistErr("create directory", dir, err)
	}
	return nil
}
