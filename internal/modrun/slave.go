// SPDX-License-Identifier: MIT

package modrun

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// CommandQueueSize bounds buffered commands between the stdin reader
// and the event loop.
const CommandQueueSize = 100

// maxCommandLine caps one stdin line; anything larger aborts the reader.
const maxCommandLine = 1 << 20

// SlaveMode is the parent-driven mode: commands arrive on stdin, status
// goes to stdout, no UI. Stdin EOF initiates shutdown.
type SlaveMode struct {
	// Input overrides the command stream. Nil means os.Stdin.
	Input io.Reader
}

func (m SlaveMode) Run(ctx context.Context, sys *System) error {
	in := m.Input
	if in == nil {
		in = os.Stdin
	}
	d := NewDispatcher(sys, nil)

	lines := make(chan []byte, CommandQueueSize)
	go readLines(in, lines, sys.Done(), sys.Logger())

	for {
		select {
		case <-ctx.Done():
			sys.SendQuitting("shutdown")
			sys.SetShutdown()
			return nil
		case <-sys.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				sys.Logger().Info().Msg("stdin closed, shutting down")
				sys.SendQuitting("stdin_eof")
				sys.SetShutdown()
				return nil
			}
			if d.DispatchLine(ctx, line) {
				return nil
			}
		}
	}
}

// readLines feeds stdin lines into out and closes it on EOF or error.
// The reader blocks when the queue is full; done unblocks a pending
// send during shutdown.
func readLines(r io.Reader, out chan<- []byte, done <-chan struct{}, logger zerolog.Logger) {
	defer close(out)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxCommandLine)
	for sc.Scan() {
		line := make([]byte, len(sc.Bytes()))
		copy(line, sc.Bytes())
		select {
		case out <- line:
		case <-done:
			return
		}
	}
	if err := sc.Err(); err != nil {
		logger.Warn().Err(err).Msg("stdin reader stopped")
	}
}
