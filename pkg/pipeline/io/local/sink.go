package local

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
)

// Sink appends rows to a CSV file, flushing after every row.
type Sink struct {
	path string
	f    *os.File
	w    *csv.Writer
	cols int
}

// CreateSink creates (or truncates) path, creating parent directories, and writes header.
func CreateSink(path string, header []string) (*Sink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output %s: %w", path, err)
	}
	s := &Sink{path: path, f: f, w: csv.NewWriter(f), cols: len(header)}
	if err := s.Write(header); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the output file path.
func (s *Sink) Path() string {
	return s.path
}

// Write appends one row and flushes it to the file.
func (s *Sink) Write(row []string) error {
	if s.w == nil {
		return fmt.Errorf("write %s: sink closed", s.path)
	}
	if len(row) != s.cols {
		return fmt.Errorf("write %s: row has %d columns, want %d", s.path, len(row), s.cols)
	}
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", s.path, err)
	}
	return nil
}

// Close flushes and closes the file. It is safe to call more than once.
func (s *Sink) Close() error {
	if s.w == nil {
		return nil
	}
	s.w.Flush()
	flushErr := s.w.Error()
	s.w = nil
	closeErr := s.f.Close()
	if flushErr != nil {
		return fmt.Errorf("flush %s: %w", s.path, flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", s.path, closeErr)
	}
	return nil
}
