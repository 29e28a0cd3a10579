// SPDX-License-Identifier: MIT

package csvspec

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
)

// ReadFile parses a CSV artifact into header and data rows.
func ReadFile(path string) (header []string, rows [][]string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("csvspec: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	all, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("csvspec: read %s: %w", path, err)
	}
	if len(all) == 0 {
		return nil, nil, fmt.Errorf("csvspec: %s is empty", path)
	}
	return all[0], all[1:], nil
}

// CheckFile verifies an artifact's header and per-row field counts
// against the schema.
func (s Schema) CheckFile(path string) error {
	header, rows, err := ReadFile(path)
	if err != nil {
		return err
	}
	if err := s.CheckHeader(header); err != nil {
		return err
	}
	for i, row := range rows {
		if err := s.CheckRow(row); err != nil {
			return fmt.Errorf("row %d: %w", i+2, err)
		}
	}
	return nil
}

// CheckMonotonic verifies record_time_mono strictly increases down the
// rows of a standard-prefix CSV.
func CheckMonotonic(s Schema, rows [][]string) error {
	idx, err := s.ColumnIndex("record_time_mono")
	if err != nil {
		return err
	}
	prev := math.Inf(-1)
	for i, row := range rows {
		if err := s.CheckRow(row); err != nil {
			return fmt.Errorf("row %d: %w", i+2, err)
		}
		v, err := strconv.ParseFloat(row[idx], 64)
		if err != nil {
			return fmt.Errorf("csvspec: row %d: bad record_time_mono %q", i+2, row[idx])
		}
		if v <= prev {
			return fmt.Errorf("csvspec: row %d: record_time_mono %v not > %v", i+2, v, prev)
		}
		prev = v
	}
	return nil
}

// CheckClockAgreement verifies the wall and monotonic clocks measured
// the same elapsed span, within 1% of the elapsed time or 500 ms,
// whichever is larger.
func CheckClockAgreement(s Schema, rows [][]string) error {
	if len(rows) < 2 {
		return nil
	}
	unixIdx, err := s.ColumnIndex("record_time_unix")
	if err != nil {
		return err
	}
	monoIdx, err := s.ColumnIndex("record_time_mono")
	if err != nil {
		return err
	}

	parse := func(row []string, idx int) (float64, error) {
		return strconv.ParseFloat(row[idx], 64)
	}
	firstUnix, err := parse(rows[0], unixIdx)
	if err != nil {
		return fmt.Errorf("csvspec: first row unix: %w", err)
	}
	firstMono, err := parse(rows[0], monoIdx)
	if err != nil {
		return fmt.Errorf("csvspec: first row mono: %w", err)
	}
	last := rows[len(rows)-1]
	lastUnix, err := parse(last, unixIdx)
	if err != nil {
		return fmt.Errorf("csvspec: last row unix: %w", err)
	}
	lastMono, err := parse(last, monoIdx)
	if err != nil {
		return fmt.Errorf("csvspec: last row mono: %w", err)
	}

	elapsedWall := lastUnix - firstUnix
	elapsedMono := lastMono - firstMono
	limit := math.Max(0.01*elapsedMono, 0.5)
	if diff := math.Abs(elapsedWall - elapsedMono); diff > limit {
		return fmt.Errorf("csvspec: clock disagreement %.3fs exceeds %.3fs over %.3fs",
			diff, limit, elapsedMono)
	}
	return nil
}

// CheckFrameCount verifies the number of produced frames for a recording
// of elapsed seconds at rate fps: within [floor(T*f), ceil(T*f)+1].
func CheckFrameCount(elapsed, fps float64, frames int) error {
	lo := int(math.Floor(elapsed * fps))
	hi := int(math.Ceil(elapsed*fps)) + 1
	if frames < lo || frames > hi {
		return fmt.Errorf("csvspec: frame count %d outside [%d,%d] for %.3fs at %g fps",
			frames, lo, hi, elapsed, fps)
	}
	return nil
}

// CheckFrameAccounting verifies written = captured - dropped + duplicated,
// with one frame of slack allowed for session boundaries.
func CheckFrameAccounting(written, captured, dropped, duplicated int) error {
	want := captured - dropped + duplicated
	if diff := written - want; diff < -1 || diff > 1 {
		return fmt.Errorf("csvspec: written %d != captured %d - dropped %d + duplicated %d (= %d)",
			written, captured, dropped, duplicated, want)
	}
	return nil
}
