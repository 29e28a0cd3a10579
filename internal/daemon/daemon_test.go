// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// blockUntilCancel is the minimal well-behaved component.
func blockUntilCancel(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestManager_RunStopsComponentsInReverseOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var mu sync.Mutex
	var stopped []string
	record := func(name string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			<-ctx.Done()
			mu.Lock()
			stopped = append(stopped, name)
			mu.Unlock()
			return ctx.Err()
		}
	}

	m := New(2 * time.Second)
	m.Add("first", record("first"))
	m.Add("second", record("second"))
	m.Add("third", record("third"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"third", "second", "first"}, stopped)
}

func TestManager_HookRunsBetweenComponentStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var mu sync.Mutex
	var order []string
	note := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	m := New(2 * time.Second)
	m.Add("consumer", func(ctx context.Context) error {
		<-ctx.Done()
		note("consumer stopped")
		return ctx.Err()
	})
	m.AddHook("drain", func(context.Context) error {
		note("drain")
		return nil
	})
	m.Add("server", func(ctx context.Context) error {
		<-ctx.Done()
		note("server stopped")
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"server stopped", "drain", "consumer stopped"}, order)
}

func TestManager_ComponentFailureBringsDaemonDown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	boom := errors.New("listen refused")
	m := New(time.Second)
	m.Add("steady", blockUntilCancel)
	m.Add("flaky", func(context.Context) error { return boom })

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "flaky")
}

func TestManager_HookErrorsAreCollected(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	closeErr := errors.New("close failed")
	m := New(time.Second)
	m.AddHook("store", func(context.Context) error { return closeErr })
	m.Add("core", blockUntilCancel)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, closeErr)
	assert.Contains(t, err.Error(), "store")
}

func TestManager_StubbornComponentTimesOut(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	m := New(100 * time.Millisecond)
	m.Add("stubborn", func(context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stop timed out")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not give up on the stubborn component")
	}
}

func TestManager_RunTwiceFails(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := New(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Run(ctx))
	assert.ErrorIs(t, m.Run(ctx), ErrAlreadyStarted)
}

func TestApp_RequestShutdownStopsRun(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := New(time.Second)
	m.Add("core", blockUntilCancel)
	app := NewApp(m, nil)

	done := make(chan error, 1)
	go func() { done <- app.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	app.RequestShutdown()
	app.RequestShutdown()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after RequestShutdown")
	}
}

func TestApp_RequiresManager(t *testing.T) {
	app := NewApp(nil, nil)
	require.Error(t, app.Run(context.Background()))
}
