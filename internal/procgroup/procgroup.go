// SPDX-License-Identifier: MIT

// Package procgroup spawns and reaps child process trees. Module children
// and encoder subprocesses are started as process group leaders so a
// single signal reaches the whole tree.
package procgroup

import (
	"errors"
)

// ErrKillTimeout is returned when a process group survives SIGKILL past
// the final wait window.
var ErrKillTimeout = errors.New("procgroup: process did not exit after SIGKILL")
