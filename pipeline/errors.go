package pipeline

import "fmt"

// PersistenceError reports an I/O failure writing a CSV, JSON or image file.
type PersistenceError struct {
	Path string
	Op   string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Kind labels the error for tallies and metrics.
func (e *PersistenceError) Kind() string {
	return "persistence"
}

func persistErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Path: path, Op: op, Err: err}
}
