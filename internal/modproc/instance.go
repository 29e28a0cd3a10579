// SPDX-License-Identifier: MIT

package modproc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/labrig/labrig/internal/bus"
	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/metrics"
	"github.com/labrig/labrig/internal/procgroup"
	"github.com/labrig/labrig/internal/protocol"
)

// maxStatusLine bounds one child stdout line. Preview frames are the
// largest payload and stay well under this.
const maxStatusLine = 1 << 20

// Instance is one running module child process.
type Instance struct {
	cfg    Config
	id     string
	pid    int
	logger zerolog.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	logSink io.Closer

	// writeMu serializes command writes so interleaved lines cannot
	// corrupt the child's stdin stream.
	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	initialized  bool
	quitReceived bool
	devices      int
	lastGeometry *protocol.Geometry
	lastError    string
	lastStatusAt time.Time
	exitErr      error
	waiters      []*waiter
	nextWaiter   uint64

	initTimer    *time.Timer
	consumerDone chan struct{}
	done         chan struct{}
}

type waiter struct {
	id     uint64
	accept map[string]bool
	ch     chan protocol.Status
}

// Reply is a pending answer to one sent command. The protocol carries
// no correlation ids, so a reply is resolved by the next status whose
// name is in the accept set, or by the next error status.
type Reply struct {
	inst *Instance
	w    *waiter
}

// Spawn starts the configured child and begins consuming its stdout.
// The returned instance is in StateStarting; callers observe progress
// through State, Done and bus events.
func Spawn(cfg Config) (*Instance, error) {
	cfg = cfg.withDefaults()
	if cfg.Module == "" {
		return nil, errors.New("modproc: module name required")
	}
	if len(cfg.Command) == 0 {
		return nil, errors.New("modproc: command required")
	}

	argv := append([]string{}, cfg.Command...)
	if cfg.SessionDir != "" {
		argv = append(argv, "-output-dir", cfg.SessionDir)
	}
	if cfg.Geometry != nil {
		argv = append(argv, "-geometry", cfg.Geometry.String())
	}

	cmd := exec.Command(argv[0], argv[1:]...) // #nosec G204 -- argv comes from operator configuration
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	procgroup.Set(cmd)

	var sink io.Closer
	switch {
	case cfg.Stderr != nil:
		cmd.Stderr = cfg.Stderr
	case cfg.LogPath != "":
		lj := &lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
		}
		cmd.Stderr = lj
		sink = lj
	}

	// Stdout goes through an io.Pipe instead of StdoutPipe so that
	// cmd.Wait blocks until every status line has been copied to the
	// consumer. A quitting line written just before exit is never lost.
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeAll(pw, pr, sink)
		return nil, fmt.Errorf("modproc: stdin pipe for %s: %w", cfg.Module, err)
	}

	inst := &Instance{
		cfg:          cfg,
		id:           uuid.NewString(),
		cmd:          cmd,
		stdin:        stdin,
		logSink:      sink,
		consumerDone: make(chan struct{}),
		done:         make(chan struct{}),
	}
	inst.logger = log.WithComponent("modproc").With().
		Str(log.FieldModule, cfg.Module).
		Str(log.FieldInstanceID, inst.id).
		Logger()

	if err := cmd.Start(); err != nil {
		closeAll(pw, pr, sink)
		return nil, fmt.Errorf("modproc: start %s: %w", cfg.Module, err)
	}
	inst.pid = cmd.Process.Pid
	inst.logger = inst.logger.With().Int(log.FieldPID, inst.pid).Logger()
	inst.logger.Info().Strs("argv", argv).Msg("module process started")

	inst.mu.Lock()
	var events []Event
	inst.setStateLocked(StateStarting, &events)
	inst.mu.Unlock()
	inst.publish(events...)

	go inst.consume(pr)
	go inst.reap(pw)
	inst.initTimer = time.AfterFunc(cfg.InitTimeout, inst.initTimedOut)

	return inst, nil
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}

// consume parses status lines until stdout closes.
func (i *Instance) consume(r io.Reader) {
	defer close(i.consumerDone)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxStatusLine)
	for sc.Scan() {
		st, err := protocol.ParseStatus(sc.Bytes())
		if err != nil {
			if errors.Is(err, protocol.ErrEmptyLine) {
				continue
			}
			metrics.IncStatusParseFailure(i.cfg.Module)
			i.logger.Warn().Err(err).
				Str("line", protocol.SanitizeMessage(sc.Text())).
				Msg("discarding unparseable stdout line")
			continue
		}
		i.handleStatus(st)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		i.logger.Debug().Err(err).Msg("stdout consumer stopped")
	}
}

// reap waits for the process, drains the consumer and settles the
// final state.
func (i *Instance) reap(pw *io.PipeWriter) {
	werr := i.cmd.Wait()
	_ = pw.Close()
	<-i.consumerDone
	_ = i.stdin.Close()
	i.onExit(werr)
	if i.logSink != nil {
		_ = i.logSink.Close()
	}
	close(i.done)
}

func (i *Instance) handleStatus(st protocol.Status) {
	metrics.IncStatus(i.cfg.Module, st.Status)

	var events []Event
	i.mu.Lock()
	i.lastStatusAt = time.Now()
	switch st.Status {
	case protocol.StatusInitializing:
		i.setStateLocked(StateInitialising, &events)
	case protocol.StatusInitialized:
		i.initialized = true
		if i.initTimer != nil {
			i.initTimer.Stop()
		}
		if n, ok := deviceCount(st.Data); ok {
			i.devices = n
		}
		i.setStateLocked(StateReady, &events)
	case protocol.StatusRecordingStarted:
		i.setStateLocked(StateRecording, &events)
	case protocol.StatusRecordingStopped:
		i.setStateLocked(StateReady, &events)
	case protocol.StatusGeometryChanged:
		if g, ok := protocol.GeometryFromData(st.Data); ok {
			i.lastGeometry = &g
		}
	case protocol.StatusQuitting:
		i.quitReceived = true
		i.setStateLocked(StateStopping, &events)
	case protocol.StatusReport:
		if n, ok := deviceCount(st.Data); ok {
			i.devices = n
		}
	case protocol.StatusError:
		i.lastError = st.Message()
	}
	i.resolveWaitersLocked(st)
	state := i.state
	i.mu.Unlock()

	if st.IsError() {
		i.logger.Warn().Str(log.FieldStatus, st.Status).Str("message", st.Message()).Msg("child reported error")
	} else {
		i.logger.Debug().Str(log.FieldStatus, st.Status).Msg("status received")
	}
	events = append(events, Event{
		Kind:       EventStatus,
		Module:     i.cfg.Module,
		InstanceID: i.id,
		PID:        i.pid,
		State:      state,
		Status:     &st,
	})
	i.publish(events...)
}

// setStateLocked applies a transition, records metrics and queues the
// state event. Terminal states are never left.
func (i *Instance) setStateLocked(to State, events *[]Event) {
	from := i.state
	if from == to || from.Terminal() {
		return
	}
	i.state = to
	metrics.RecordTransition(i.cfg.Module, string(from), string(to))
	i.logger.Info().
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(to)).
		Msg("state changed")
	*events = append(*events, Event{
		Kind:       EventState,
		Module:     i.cfg.Module,
		InstanceID: i.id,
		PID:        i.pid,
		State:      to,
	})
}

// resolveWaitersLocked answers the oldest waiter matching this status.
// Error statuses answer the oldest waiter unconditionally.
func (i *Instance) resolveWaitersLocked(st protocol.Status) {
	for idx, w := range i.waiters {
		if w.accept[st.Status] || st.IsError() {
			w.ch <- st
			i.waiters = append(i.waiters[:idx], i.waiters[idx+1:]...)
			return
		}
	}
}

func (i *Instance) onExit(err error) {
	code := -1
	if i.cmd.ProcessState != nil {
		code = i.cmd.ProcessState.ExitCode()
	}

	var events []Event
	i.mu.Lock()
	i.exitErr = err
	if i.initTimer != nil {
		i.initTimer.Stop()
	}
	wasCrashed := i.state == StateCrashed
	switch {
	case i.state.Terminal():
		// init timeout already settled the verdict
	case i.quitReceived || i.state == StateStopping:
		i.setStateLocked(StateStopped, &events)
	case err == nil && i.initialized:
		i.setStateLocked(StateStopped, &events)
	default:
		i.setStateLocked(StateCrashed, &events)
	}
	crashed := i.state == StateCrashed
	for _, w := range i.waiters {
		close(w.ch)
	}
	i.waiters = nil
	i.mu.Unlock()

	if crashed {
		if !wasCrashed {
			metrics.IncCrash(i.cfg.Module)
		}
		i.logger.Error().Err(err).Int("exit_code", code).Msg("module process crashed")
	} else {
		i.logger.Info().Int("exit_code", code).Msg("module process exited")
	}
	i.publish(events...)
}

// initTimedOut marks the instance crashed and reaps the child when the
// initialized status never arrives.
func (i *Instance) initTimedOut() {
	var events []Event
	i.mu.Lock()
	if i.initialized || i.state.Terminal() {
		i.mu.Unlock()
		return
	}
	i.logger.Error().Dur("timeout", i.cfg.InitTimeout).Msg("module not initialized in time, terminating")
	i.setStateLocked(StateCrashed, &events)
	i.mu.Unlock()
	metrics.IncCrash(i.cfg.Module)
	i.publish(events...)

	_ = procgroup.Kill(i.cmd, syscall.SIGTERM)
	select {
	case <-i.done:
	case <-time.After(i.cfg.KillGrace):
		_ = procgroup.Kill(i.cmd, syscall.SIGKILL)
	}
}

// Send writes one command to the child without waiting for an answer.
func (i *Instance) Send(name string, params map[string]any) error {
	if i.State().Terminal() {
		return ErrInstanceStopped
	}
	line, err := protocol.EncodeCommand(name, params)
	if err != nil {
		return fmt.Errorf("modproc: encode %s: %w", name, err)
	}
	i.writeMu.Lock()
	_, err = i.stdin.Write(line)
	i.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("modproc: send %s to %s: %w", name, i.cfg.Module, err)
	}
	metrics.IncCommand(i.cfg.Module, name)
	i.logger.Debug().Str(log.FieldCommand, name).Msg("command sent")
	return nil
}

// Request sends a command and registers interest in the statuses that
// answer it. The waiter is registered before the write so a fast child
// cannot answer into the void.
func (i *Instance) Request(name string, params map[string]any, accept ...string) (*Reply, error) {
	w := i.addWaiter(accept)
	if w == nil {
		return nil, ErrInstanceStopped
	}
	if err := i.Send(name, params); err != nil {
		i.removeWaiter(w.id)
		return nil, err
	}
	return &Reply{inst: i, w: w}, nil
}

// Exec is Request plus Wait with one timeout.
func (i *Instance) Exec(ctx context.Context, name string, params map[string]any, timeout time.Duration, accept ...string) (protocol.Status, error) {
	rep, err := i.Request(name, params, accept...)
	if err != nil {
		return protocol.Status{}, err
	}
	return rep.Wait(ctx, timeout)
}

func (i *Instance) addWaiter(accept []string) *waiter {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state.Terminal() {
		return nil
	}
	set := make(map[string]bool, len(accept))
	for _, a := range accept {
		set[a] = true
	}
	i.nextWaiter++
	w := &waiter{id: i.nextWaiter, accept: set, ch: make(chan protocol.Status, 1)}
	i.waiters = append(i.waiters, w)
	return w
}

func (i *Instance) removeWaiter(id uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, w := range i.waiters {
		if w.id == id {
			i.waiters = append(i.waiters[:idx], i.waiters[idx+1:]...)
			return
		}
	}
}

// Wait blocks for the answering status. A timeout of zero waits until
// ctx is done or the instance exits.
func (r *Reply) Wait(ctx context.Context, timeout time.Duration) (protocol.Status, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case st, ok := <-r.w.ch:
		if !ok {
			return protocol.Status{}, ErrInstanceExited
		}
		return st, nil
	case <-ctx.Done():
		return r.abandon(ctx.Err())
	case <-timer:
		return r.abandon(ErrReplyTimeout)
	}
}

// abandon removes the waiter but honors an answer that raced in.
func (r *Reply) abandon(cause error) (protocol.Status, error) {
	r.inst.removeWaiter(r.w.id)
	select {
	case st, ok := <-r.w.ch:
		if ok {
			return st, nil
		}
	default:
	}
	return protocol.Status{}, cause
}

// Stop asks the child to quit and escalates through SIGTERM and
// SIGKILL when it lingers. It returns once the process is reaped.
func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	terminal := i.state.Terminal()
	var events []Event
	if !terminal {
		i.setStateLocked(StateStopping, &events)
	}
	i.mu.Unlock()
	i.publish(events...)

	if !terminal {
		if err := i.Send(protocol.CmdQuit, nil); err != nil {
			i.logger.Debug().Err(err).Msg("quit not delivered")
		}
	}

	select {
	case <-i.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(i.cfg.StopTimeout):
	}

	i.logger.Warn().Dur("grace", i.cfg.StopTimeout).Msg("quit ignored, signalling process group")
	_ = procgroup.Kill(i.cmd, syscall.SIGTERM)
	select {
	case <-i.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(i.cfg.KillGrace):
	}

	_ = procgroup.Kill(i.cmd, syscall.SIGKILL)
	select {
	case <-i.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(i.cfg.KillGrace):
		return ErrKillTimeout
	}
}

// ID returns the instance identifier.
func (i *Instance) ID() string { return i.id }

// Module returns the module name this instance runs.
func (i *Instance) Module() string { return i.cfg.Module }

// PID returns the child process id.
func (i *Instance) PID() int { return i.pid }

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// DeviceCount returns the device count last reported by the child.
func (i *Instance) DeviceCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.devices
}

// LastGeometry returns the most recent geometry the child announced,
// or nil. The orchestrator persists it across restarts.
func (i *Instance) LastGeometry() *protocol.Geometry {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.lastGeometry == nil {
		return nil
	}
	g := *i.lastGeometry
	return &g
}

// LastError returns the most recent error message from the child.
func (i *Instance) LastError() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastError
}

// LastStatusAt returns when the child last said anything.
func (i *Instance) LastStatusAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastStatusAt
}

// Done is closed once the process is reaped and the final state set.
func (i *Instance) Done() <-chan struct{} { return i.done }

// ExitErr returns the cmd.Wait result. Valid after Done is closed.
func (i *Instance) ExitErr() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exitErr
}

func (i *Instance) publish(events ...Event) {
	if i.cfg.Bus == nil || len(events) == 0 {
		return
	}
	for _, ev := range events {
		if err := i.cfg.Bus.Publish(context.Background(), bus.TopicModuleStatus, ev); err != nil {
			i.logger.Warn().Err(err).Msg("bus publish failed")
		}
	}
}

func deviceCount(data map[string]any) (int, bool) {
	switch n := data["devices"].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
