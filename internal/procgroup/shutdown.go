// SPDX-License-Identifier: MIT

package procgroup

import (
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/labrig/labrig/internal/metrics"
)

// Terminate stops a process group gracefully: SIGTERM, wait up to grace
// via waitCh, then SIGKILL and drain. It returns the error from waitCh
// and is safe to call with a nil command.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	signalGroup(cmd, syscall.SIGTERM, "SIGTERM")

	select {
	case err := <-waitCh:
		if err == nil {
			metrics.IncProcWait("exit0")
		} else {
			metrics.IncProcWait("exit_nonzero")
		}
		return err
	case <-time.After(grace):
	}

	signalGroup(cmd, syscall.SIGKILL, "SIGKILL")

	// waitCh must always be drained so the caller's Wait goroutine exits.
	err := <-waitCh
	if err == nil {
		metrics.IncProcWait("forced_exit0")
	} else {
		metrics.IncProcWait("forced_error")
	}
	return err
}

// TerminatedBySignal reports whether a wait error is a plain
// signal-driven exit, the expected outcome after Terminate.
func TerminatedBySignal(err error) bool {
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return false
	}
	ws, ok := ee.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled()
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal, name string) {
	err := Kill(cmd, sig)
	switch {
	case err == nil:
		metrics.IncProcSignal(name, "sent")
	case strings.Contains(err.Error(), "process already finished"),
		strings.Contains(err.Error(), "no such process"):
		metrics.IncProcSignal(name, "esrch")
	default:
		metrics.IncProcSignal(name, "error")
	}
}
