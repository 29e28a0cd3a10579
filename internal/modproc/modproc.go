// SPDX-License-Identifier: MIT

// Package modproc owns module child processes on the master side. Each
// Instance wraps one spawned child: stdio wiring, the stdout status
// consumer, a single-writer command lane with reply futures, and the
// lifecycle state machine from spawn through stopped or crashed.
//
// The package is mechanical on purpose. Policy decisions such as
// restarting a crashed module or injecting session parameters into
// commands belong to the orchestrator; modproc only reports what the
// child said and did.
package modproc

import (
	"errors"
	"io"
	"time"

	"github.com/labrig/labrig/internal/bus"
	"github.com/labrig/labrig/internal/protocol"
)

// State is the lifecycle phase of one module instance.
type State string

const (
	// StateStarting covers fork/exec until the child reports initializing.
	StateStarting State = "starting"
	// StateInitialising covers device setup inside the child.
	StateInitialising State = "initialising"
	// StateReady means the child is initialized and idle.
	StateReady State = "ready"
	// StateRecording means a trial is in progress in the child.
	StateRecording State = "recording"
	// StateStopping means a quit was issued or announced.
	StateStopping State = "stopping"
	// StateStopped is a terminal clean exit.
	StateStopped State = "stopped"
	// StateCrashed is a terminal dirty exit: process error, exit before
	// initialization, or init timeout. Instances are never restarted
	// here; the orchestrator decides what a crash means.
	StateCrashed State = "crashed"
)

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateCrashed
}

// Event kinds published on bus.TopicModuleStatus.
const (
	// EventStatus carries one parsed status line from the child.
	EventStatus = "status"
	// EventState marks a lifecycle state transition.
	EventState = "state"
)

// Event is the bus payload for module process activity.
type Event struct {
	Kind       string
	Module     string
	InstanceID string
	PID        int
	State      State
	// Status is set for EventStatus only.
	Status *protocol.Status
}

// Errors returned by Instance operations.
var (
	// ErrInstanceExited is returned by pending replies when the child
	// exits before answering.
	ErrInstanceExited = errors.New("modproc: instance exited")
	// ErrInstanceStopped rejects sends to a terminal instance.
	ErrInstanceStopped = errors.New("modproc: instance stopped")
	// ErrReplyTimeout is returned when no matching status arrives in time.
	ErrReplyTimeout = errors.New("modproc: reply timeout")
	// ErrKillTimeout means even SIGKILL did not reap the child in time.
	ErrKillTimeout = errors.New("modproc: child did not die after SIGKILL")
)

// Default timing knobs. Config fields override them per instance.
const (
	DefaultInitTimeout = 15 * time.Second
	DefaultStopTimeout = 5 * time.Second
	DefaultKillGrace   = 2 * time.Second

	// DefaultLogMaxSizeMB caps one child stderr log file.
	DefaultLogMaxSizeMB  = 10
	DefaultLogMaxBackups = 3
	DefaultLogMaxAgeDays = 7
)

// Config describes one child process to spawn.
type Config struct {
	// Module is the module identifier (audio, gps, ...). Required.
	Module string
	// Command is the argv to exec. Required, Command[0] is the binary.
	Command []string
	// Dir is the child working directory. Empty inherits the master's.
	Dir string
	// Env entries are appended to the inherited environment.
	Env []string

	// SessionDir, when set, is appended as "-output-dir <dir>" so a
	// module started mid-session records into the right place.
	SessionDir string
	// Geometry, when set, is appended as "-geometry WxH+X+Y" to restore
	// the previous window placement.
	Geometry *protocol.Geometry

	// LogPath receives the child's stderr through a rotating writer.
	// Empty discards stderr unless Stderr is set.
	LogPath       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	// Stderr overrides LogPath, mainly for tests.
	Stderr io.Writer

	// InitTimeout bounds spawn to the initialized status. A child that
	// is not initialized in time is killed and marked crashed.
	InitTimeout time.Duration
	// StopTimeout bounds the graceful quit before signals are used.
	StopTimeout time.Duration
	// KillGrace is the SIGTERM to SIGKILL escalation window.
	KillGrace time.Duration

	// Bus receives Events. Optional.
	Bus bus.Bus
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.InitTimeout <= 0 {
		out.InitTimeout = DefaultInitTimeout
	}
	if out.StopTimeout <= 0 {
		out.StopTimeout = DefaultStopTimeout
	}
	if out.KillGrace <= 0 {
		out.KillGrace = DefaultKillGrace
	}
	if out.LogMaxSizeMB <= 0 {
		out.LogMaxSizeMB = DefaultLogMaxSizeMB
	}
	if out.LogMaxBackups <= 0 {
		out.LogMaxBackups = DefaultLogMaxBackups
	}
	if out.LogMaxAgeDays <= 0 {
		out.LogMaxAgeDays = DefaultLogMaxAgeDays
	}
	return out
}
