// SPDX-License-Identifier: MIT

package pipeline

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/labrig/labrig/internal/csvspec"
	"github.com/labrig/labrig/internal/timing"
)

// timingWriter appends one diagnostics row per written frame. Rows are
// flushed immediately so a crash never loses committed frames' rows.
type timingWriter struct {
	f      *os.File
	w      *csv.Writer
	schema csvspec.Schema

	rows          atomic.Int64
	prevWriteMono time.Duration
	prevCamUnix   float64
	prevGazeUnix  float64
	havePrev      bool
	havePrevCam   bool
	havePrevGaze  bool
}

func newTimingWriter(path string, withGaze bool) (*timingWriter, error) {
	schema := csvspec.Timing
	if withGaze {
		schema = csvspec.TimingEyeTracker
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: create timing csv %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(schema.Header()); err != nil {
		f.Close()
		return nil, fmt.Errorf("pipeline: write timing header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("pipeline: flush timing header: %w", err)
	}
	return &timingWriter{f: f, w: w, schema: schema}, nil
}

// row records one written frame. expected is the nominal frame period.
func (t *timingWriter) row(f Frame, writeStart timing.Stamp, writeDur time.Duration, backlogAfter int, expected time.Duration) error {
	n := t.rows.Add(1)

	sec := csvspec.FormatSeconds
	record := []string{
		fmt.Sprintf("%d", n),
		sec(writeStart.UnixSeconds()),
		writeStart.Wall.Format(time.RFC3339Nano),
		sec(expected.Seconds()),
	}

	if t.havePrev {
		actual := writeStart.Mono - t.prevWriteMono
		record = append(record,
			sec(actual.Seconds()),
			sec((actual - expected).Seconds()),
		)
	} else {
		record = append(record, "", "")
	}

	record = append(record,
		sec((writeStart.Mono - f.Enqueued).Seconds()),
		sec((f.Enqueued - f.Capture.Mono).Seconds()),
		sec(writeDur.Seconds()),
		fmt.Sprintf("%d", backlogAfter),
		fmt.Sprintf("%d", f.Meta.CameraFrameIndex),
		fmt.Sprintf("%d", f.DisplayFrameIndex),
	)

	camUnix := f.Capture.UnixSeconds()
	record = append(record, sec(camUnix))
	if t.havePrevCam {
		record = append(record, sec(camUnix-t.prevCamUnix))
	} else {
		record = append(record, "")
	}

	if t.schema.Name == csvspec.TimingEyeTracker.Name {
		if f.Meta.HasGaze {
			record = append(record, sec(f.Meta.GazeUnix))
			if t.havePrevGaze {
				record = append(record, sec(f.Meta.GazeUnix-t.prevGazeUnix))
			} else {
				record = append(record, "")
			}
			t.prevGazeUnix = f.Meta.GazeUnix
			t.havePrevGaze = true
		} else {
			record = append(record, "", "")
		}
	}

	record = append(record,
		csvspec.FormatFloat(f.Meta.AvailableFPS),
		fmt.Sprintf("%d", f.DroppedTotal),
		fmt.Sprintf("%d", f.DuplicatesTotal),
		csvspec.FormatBool(f.IsDuplicate),
	)

	t.prevWriteMono = writeStart.Mono
	t.havePrev = true
	t.prevCamUnix = camUnix
	t.havePrevCam = true

	if err := t.w.Write(record); err != nil {
		return fmt.Errorf("pipeline: write timing row: %w", err)
	}
	t.w.Flush()
	return t.w.Error()
}

func (t *timingWriter) close() error {
	t.w.Flush()
	flushErr := t.w.Error()
	closeErr := t.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
