// SPDX-License-Identifier: MIT

package modrun

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/labrig/labrig/internal/config"
	"github.com/labrig/labrig/internal/protocol"
)

// modeFunc adapts a bare function to the Mode interface.
type modeFunc func(ctx context.Context, sys *System) error

func (f modeFunc) Run(ctx context.Context, sys *System) error { return f(ctx, sys) }

func newSystemWithOpts(t *testing.T, rec Recorder, opts config.ModuleOptions, retry time.Duration) (*System, *statusLog) {
	t.Helper()
	lg := &statusLog{}
	sys, err := NewSystem(SystemConfig{
		Name:          "probe",
		Opts:          opts,
		Status:        protocol.NewStatusWriter(lg),
		Recorder:      rec,
		RetryInterval: retry,
	})
	require.NoError(t, err)
	return sys, lg
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("module runtime did not exit")
	}
}

func statusIndex(list []protocol.Status, name string) int {
	for i, s := range list {
		if s.Status == name {
			return i
		}
	}
	return -1
}

func lastStatusIndex(list []protocol.Status, name string) int {
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Status == name {
			return i
		}
	}
	return -1
}

func countStatus(list []protocol.Status, name string) int {
	n := 0
	for _, s := range list {
		if s.Status == name {
			n++
		}
	}
	return n
}

func TestNewSystem_Validation(t *testing.T) {
	rec := &fakeRecorder{}
	sw := protocol.NewStatusWriter(&statusLog{})

	cases := []struct {
		name string
		cfg  SystemConfig
	}{
		{"missing name", SystemConfig{Status: sw, Recorder: rec}},
		{"missing status", SystemConfig{Name: "probe", Recorder: rec}},
		{"missing recorder", SystemConfig{Name: "probe", Status: sw}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSystem(tc.cfg)
			assert.Error(t, err)
		})
	}
}

func TestSupervise_RetriesInit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := &fakeRecorder{
		initErrs: []error{
			&InitError{Reason: "no devices yet"},
			&InitError{Reason: "no devices yet"},
		},
		devices: 1,
	}
	sys, lg := newSystemWithOpts(t, rec, config.ModuleDefaults(), 10*time.Millisecond)

	err := Supervise(context.Background(), sys, modeFunc(func(context.Context, *System) error {
		return nil
	}))
	require.NoError(t, err)

	inits, _, _, cleanups := rec.counts()
	assert.Equal(t, 3, inits)
	assert.Equal(t, 1, cleanups)

	all := lg.statuses(t)
	assert.Equal(t, 3, countStatus(all, protocol.StatusInitializing))
	assert.Equal(t, 1, countStatus(all, protocol.StatusInitialized))
	assert.Equal(t, 1, countStatus(all, protocol.StatusQuitting))
}

func TestSupervise_RetriesRuntimeFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := &fakeRecorder{devices: 1}
	sys, _ := newSystemWithOpts(t, rec, config.ModuleDefaults(), 10*time.Millisecond)

	var calls atomic.Int32
	err := Supervise(context.Background(), sys, modeFunc(func(context.Context, *System) error {
		if calls.Add(1) == 1 {
			return errors.New("event loop crashed")
		}
		return nil
	}))
	require.NoError(t, err)

	inits, _, _, cleanups := rec.counts()
	assert.Equal(t, 2, inits, "init runs again after a runtime failure")
	assert.Equal(t, 1, cleanups)
}

func TestSupervise_CancelDuringBackoff(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := &fakeRecorder{initErrs: []error{&InitError{Reason: "no devices yet"}}}
	sys, lg := newSystemWithOpts(t, rec, config.ModuleDefaults(), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Supervise(ctx, sys, modeFunc(func(context.Context, *System) error {
			t.Error("mode must not run when init never succeeded")
			return nil
		}))
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	waitDone(t, done)

	inits, _, _, cleanups := rec.counts()
	assert.Equal(t, 1, inits)
	assert.Equal(t, 1, cleanups)

	quit := lg.wait(t, protocol.StatusQuitting, time.Second)
	assert.Equal(t, "shutdown", quit.Data["reason"])
}

func TestSupervise_InitializedCarriesDeviceCount(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := &fakeRecorder{devices: 4}
	opts := config.ModuleDefaults()
	opts.OutputDir = "/data/run7"
	sys, lg := newSystemWithOpts(t, rec, opts, 10*time.Millisecond)

	err := Supervise(context.Background(), sys, modeFunc(func(context.Context, *System) error {
		return nil
	}))
	require.NoError(t, err)

	all := lg.statuses(t)
	i := statusIndex(all, protocol.StatusInitialized)
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, float64(4), all[i].Data["devices"])
	assert.Equal(t, "/data/run7", all[i].Data["session"])
	assert.Greater(t, i, statusIndex(all, protocol.StatusInitializing))
}
