// SPDX-License-Identifier: MIT

// Package csvspec declares the column contracts of every CSV artifact
// the recorder produces. Writers take their headers from here and the
// conformance tests assert against the same tables, so the two can not
// drift apart.
package csvspec

import (
	"fmt"
	"strconv"
)

// StandardPrefix is the first six columns of every module CSV.
var StandardPrefix = []string{
	"trial",
	"module",
	"device_id",
	"label",
	"record_time_unix",
	"record_time_mono",
}

// Schema names one CSV artifact and its exact column order.
type Schema struct {
	Name    string
	Columns []string
}

// Header returns a copy of the column list for csv.Writer.Write.
func (s Schema) Header() []string {
	out := make([]string, len(s.Columns))
	copy(out, s.Columns)
	return out
}

// NumColumns returns the expected field count per row.
func (s Schema) NumColumns() int { return len(s.Columns) }

// ColumnIndex returns the zero-based position of the named column.
func (s Schema) ColumnIndex(name string) (int, error) {
	for i, c := range s.Columns {
		if c == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("csvspec: schema %s has no column %q", s.Name, name)
}

// CheckHeader verifies a parsed header row matches the schema exactly.
func (s Schema) CheckHeader(header []string) error {
	if len(header) != len(s.Columns) {
		return fmt.Errorf("csvspec: %s header has %d columns, want %d",
			s.Name, len(header), len(s.Columns))
	}
	for i, c := range s.Columns {
		if header[i] != c {
			return fmt.Errorf("csvspec: %s column %d is %q, want %q",
				s.Name, i+1, header[i], c)
		}
	}
	return nil
}

// CheckRow verifies a data row has the schema's field count.
func (s Schema) CheckRow(row []string) error {
	if len(row) != len(s.Columns) {
		return fmt.Errorf("csvspec: %s row has %d fields, want %d",
			s.Name, len(row), len(s.Columns))
	}
	return nil
}

func withPrefix(cols ...string) []string {
	out := make([]string, 0, len(StandardPrefix)+len(cols))
	out = append(out, StandardPrefix...)
	out = append(out, cols...)
	return out
}

// FormatSeconds renders fractional seconds with microsecond precision,
// the resolution every timestamp column carries.
func FormatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// FormatFloat renders a measurement value, trimming trailing zeros.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FormatBool renders the 0/1 flags used across the contracts.
func FormatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
