// SPDX-License-Identifier: MIT

package encoder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/labrig/labrig/internal/csvspec"
	"github.com/labrig/labrig/internal/pipeline"
)

// RowFunc converts a frame into one CSV record.
type RowFunc func(f pipeline.Frame) []string

// Rows is the raw-CSV sink: one record per written frame, flushed per
// row so a crash loses at most the frame in flight.
type Rows struct {
	mu     sync.Mutex
	f      *os.File
	w      *csv.Writer
	schema csvspec.Schema
	row    RowFunc
	count  int64

	closeOnce sync.Once
	closeErr  error
}

// NewRows creates the file, writes the schema header and returns the
// sink.
func NewRows(path string, schema csvspec.Schema, row RowFunc) (*Rows, error) {
	if row == nil {
		return nil, fmt.Errorf("encoder: row func required")
	}
	f, err := os.Create(path) // #nosec G304 -- path is built from the session directory
	if err != nil {
		return nil, fmt.Errorf("encoder: create csv: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(schema.Header()); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("encoder: csv header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("encoder: csv header flush: %w", err)
	}
	return &Rows{f: f, w: w, schema: schema, row: row}, nil
}

// WriteFrame appends one record.
func (r *Rows) WriteFrame(f pipeline.Frame) error {
	rec := r.row(f)
	if err := r.schema.CheckRow(rec); err != nil {
		return fmt.Errorf("encoder: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.w.Write(rec); err != nil {
		return fmt.Errorf("encoder: csv write: %w", err)
	}
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		return fmt.Errorf("encoder: csv flush: %w", err)
	}
	r.count++
	return nil
}

// Close flushes and closes the file.
func (r *Rows) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.w.Flush()
		flushErr := r.w.Error()
		fileErr := r.f.Close()
		r.closeErr = errors.Join(flushErr, fileErr)
	})
	return r.closeErr
}

// Count reports how many records were written.
func (r *Rows) Count() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
