// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/labrig/labrig/internal/bus"
	"github.com/labrig/labrig/internal/cache"
	"github.com/labrig/labrig/internal/catalog"
	"github.com/labrig/labrig/internal/config"
	"github.com/labrig/labrig/internal/devices"
	"github.com/labrig/labrig/internal/health"
	"github.com/labrig/labrig/internal/httpx/problem"
	"github.com/labrig/labrig/internal/modproc"
	"github.com/labrig/labrig/internal/modules"
	"github.com/labrig/labrig/internal/orchestrator"
	"github.com/labrig/labrig/internal/protocol"
)

func init() {
	modules.RegisterExtension(modules.Extension{
		Spec: modules.Spec{ModuleID: "testext", Version: "1.0", Description: "test extension"},
		Install: func(r chi.Router, c modules.Controller) {
			r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
				problem.JSON(w, http.StatusOK, map[string]any{
					"pong":           true,
					"session_active": c.SessionActive(),
				})
			})
		},
	})
}

// fakeProc is a scripted module child handle.
type fakeProc struct {
	mu     sync.Mutex
	module string
	state  modproc.State
	sent   []string
	done   chan struct{}
	closed bool
}

func newFakeProc(module string) *fakeProc {
	return &fakeProc{module: module, state: modproc.StateReady, done: make(chan struct{})}
}

func (p *fakeProc) ID() string     { return p.module + "-inst" }
func (p *fakeProc) Module() string { return p.module }
func (p *fakeProc) PID() int       { return os.Getpid() }

func (p *fakeProc) State() modproc.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakeProc) DeviceCount() int                 { return 1 }
func (p *fakeProc) LastGeometry() *protocol.Geometry { return nil }
func (p *fakeProc) LastError() string                { return "" }
func (p *fakeProc) LastStatusAt() time.Time          { return time.Now() }

func (p *fakeProc) Send(name string, _ map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return modproc.ErrInstanceStopped
	}
	p.sent = append(p.sent, name)
	return nil
}

func (p *fakeProc) Exec(_ context.Context, name string, _ map[string]any, _ time.Duration, _ ...string) (protocol.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return protocol.Status{}, modproc.ErrInstanceStopped
	}
	p.sent = append(p.sent, name)
	switch name {
	case protocol.CmdStartRecording:
		p.state = modproc.StateRecording
		return protocol.Status{Status: protocol.StatusRecordingStarted, Data: map[string]any{}}, nil
	case protocol.CmdStopRecording:
		p.state = modproc.StateReady
		return protocol.Status{Status: protocol.StatusRecordingStopped, Data: map[string]any{}}, nil
	default:
		return protocol.Status{Status: protocol.StatusReport, Data: map[string]any{"echo": name}}, nil
	}
}

func (p *fakeProc) Stop(context.Context) error {
	p.mu.Lock()
	p.state = modproc.StateStopped
	wasClosed := p.closed
	p.closed = true
	p.mu.Unlock()
	if !wasClosed {
		close(p.done)
	}
	return nil
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) sentNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

// rig assembles a control plane over a real orchestrator with scripted
// children.
type rig struct {
	server  *Server
	handler http.Handler
	orch    *orchestrator.Orchestrator
	bus     *bus.MemoryBus
	cache   cache.Store
	opts    config.Options

	mu    sync.Mutex
	procs map[string]*fakeProc
}

func (g *rig) proc(module string) *fakeProc {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.procs[module]
}

func newRig(t *testing.T, mutate ...func(*Deps)) *rig {
	t.Helper()

	opts := config.Defaults()
	opts.DataDir = t.TempDir()
	opts.APIRateLimit = 0
	opts.TrialStartTimeout = 500 * time.Millisecond
	opts.TrialStopTimeout = 500 * time.Millisecond

	g := &rig{
		bus:   bus.NewMemoryBus(),
		cache: cache.NewMemoryStore(0, 0),
		opts:  opts,
		procs: make(map[string]*fakeProc),
	}

	spawn := func(cfg modproc.Config) (orchestrator.ProcHandle, error) {
		p := newFakeProc(cfg.Module)
		g.mu.Lock()
		g.procs[cfg.Module] = p
		g.mu.Unlock()
		t.Cleanup(func() { _ = p.Stop(context.Background()) })
		return p, nil
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Options: opts,
		Bus:     g.bus,
		Spawn:   spawn,
	},
		orchestrator.ModuleDef{Name: "audio", Command: []string{"labrig-module", "-module", "audio"}},
		orchestrator.ModuleDef{Name: "gps", Command: []string{"labrig-module", "-module", "gps"}},
	)
	require.NoError(t, err)
	g.orch = orch

	state, err := config.OpenState(filepath.Join(opts.DataDir, "state.json"))
	require.NoError(t, err)

	deps := Deps{
		Options:      opts,
		Version:      "test",
		Manifest:     config.BuiltinManifest(),
		Orchestrator: orch,
		Cache:        g.cache,
		Health:       health.NewManager("test"),
		Bus:          g.bus,
		State:        state,
	}
	for _, m := range mutate {
		m(&deps)
	}

	srv, err := New(deps)
	require.NoError(t, err)
	g.server = srv
	g.handler = srv.Handler()
	return g
}

// do runs one request as a loopback peer.
func (g *rig) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rdr)
	req.RemoteAddr = "127.0.0.1:54321"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	g.handler.ServeHTTP(rr, req)
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), "body: %s", rr.Body.String())
	return out
}

// errCode digs the error code out of a problem envelope.
func errCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body problem.Body
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), "body: %s", rr.Body.String())
	return body.Error.Code
}

func startModule(t *testing.T, g *rig, name string) {
	t.Helper()
	rr := g.do(t, http.MethodPost, "/api/v1/modules/"+name+"/enable", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rr = g.do(t, http.MethodPost, "/api/v1/modules/"+name+"/start", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestRouter_RejectsNonLoopbackPeer(t *testing.T) {
	g := newRig(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	rr := httptest.NewRecorder()
	g.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, problem.CodeForbidden, errCode(t, rr))
}

func TestRouter_NotFoundAndMethodNotAllowed(t *testing.T) {
	g := newRig(t)

	rr := g.do(t, http.MethodGet, "/api/v1/no/such/route", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, problem.CodeNotFound, errCode(t, rr))

	rr = g.do(t, http.MethodDelete, "/api/v1/session", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestSessionAndTrialLifecycle(t *testing.T) {
	g := newRig(t)
	startModule(t, g, "audio")

	rr := g.do(t, http.MethodGet, "/api/v1/session", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, decodeMap(t, rr)["active"])

	rr = g.do(t, http.MethodPost, "/api/v1/session/start", map[string]any{"session_dir": "run1"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	sess := decodeMap(t, rr)
	assert.Equal(t, true, sess["active"])
	assert.Equal(t, filepath.Join(g.opts.DataDir, "run1"), sess["session_dir"])

	rr = g.do(t, http.MethodPost, "/api/v1/session/start", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, problem.CodeSessionActive, errCode(t, rr))

	rr = g.do(t, http.MethodPost, "/api/v1/trial/start", map[string]any{"label": "baseline"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	trial := decodeMap(t, rr)
	assert.Equal(t, float64(1), trial["trial_number"])
	assert.Contains(t, trial["started"], "audio")

	rr = g.do(t, http.MethodPost, "/api/v1/trial/start", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, problem.CodeTrialActive, errCode(t, rr))

	rr = g.do(t, http.MethodGet, "/api/v1/trial", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decodeMap(t, rr)["trial_active"])

	rr = g.do(t, http.MethodPost, "/api/v1/trial/stop", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = g.do(t, http.MethodPost, "/api/v1/trial/stop", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, problem.CodeNoTrial, errCode(t, rr))

	rr = g.do(t, http.MethodPost, "/api/v1/session/stop", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = g.do(t, http.MethodPost, "/api/v1/session/stop", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, problem.CodeNoSession, errCode(t, rr))

	assert.Contains(t, g.proc("audio").sentNames(), protocol.CmdStartRecording)
}

func TestModuleRoutes(t *testing.T) {
	g := newRig(t)

	rr := g.do(t, http.MethodGet, "/api/v1/modules", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	mods := decodeMap(t, rr)["modules"].([]any)
	assert.Len(t, mods, 2)

	rr = g.do(t, http.MethodGet, "/api/v1/modules/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, problem.CodeModuleNotFound, errCode(t, rr))

	// start without enable is a validation failure
	rr = g.do(t, http.MethodPost, "/api/v1/modules/audio/start", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, problem.CodeValidation, errCode(t, rr))

	startModule(t, g, "audio")

	rr = g.do(t, http.MethodGet, "/api/v1/modules/audio", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	st := decodeMap(t, rr)
	assert.Equal(t, true, st["running"])
	assert.Equal(t, string(modproc.StateReady), st["state"])

	rr = g.do(t, http.MethodGet, "/api/v1/instances", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	instances := decodeMap(t, rr)["instances"].([]any)
	require.Len(t, instances, 1)
	inst := instances[0].(map[string]any)
	assert.Equal(t, "audio", inst["module"])
	assert.Equal(t, "audio-inst", inst["instance_id"])

	rr = g.do(t, http.MethodPost, "/api/v1/modules/audio/stop", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	st = decodeMap(t, rr)
	assert.Equal(t, false, st["running"])
}

func TestModuleCommand(t *testing.T) {
	g := newRig(t)
	startModule(t, g, "gps")

	rr := g.do(t, http.MethodPost, "/api/v1/modules/gps/command", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, problem.CodeMissingField, errCode(t, rr))

	rr = g.do(t, http.MethodPost, "/api/v1/modules/gps/command", map[string]any{
		"command": protocol.CmdGetStatus,
		"wait":    true,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeMap(t, rr)
	assert.Equal(t, protocol.StatusReport, body["status"])

	rr = g.do(t, http.MethodPost, "/api/v1/modules/gps/command", map[string]any{
		"command": protocol.CmdTakeSnapshot,
	})
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Contains(t, g.proc("gps").sentNames(), protocol.CmdTakeSnapshot)

	// not running
	rr = g.do(t, http.MethodPost, "/api/v1/modules/audio/command", map[string]any{
		"command": protocol.CmdGetStatus,
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, problem.CodeValidation, errCode(t, rr))
}

func TestWindowsArrange(t *testing.T) {
	g := newRig(t)
	startModule(t, g, "audio")
	startModule(t, g, "gps")

	rr := g.do(t, http.MethodPost, "/api/v1/windows/arrange", map[string]any{
		"layout": "grid",
		"screen": map[string]int{"width": 1920, "height": 1080},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, g.proc("audio").sentNames(), protocol.CmdSetWindowGeometry)
	assert.Contains(t, g.proc("gps").sentNames(), protocol.CmdSetWindowGeometry)

	rr = g.do(t, http.MethodPost, "/api/v1/windows/arrange", map[string]any{
		"screen": map[string]int{"width": 1920, "height": 1080},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, problem.CodeMissingField, errCode(t, rr))

	rr = g.do(t, http.MethodPost, "/api/v1/windows/arrange", map[string]any{
		"layout": "spiral",
		"screen": map[string]int{"width": 1920, "height": 1080},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, problem.CodeValidation, errCode(t, rr))
}

func TestLatestSampleRoute(t *testing.T) {
	g := newRig(t)

	rr := g.do(t, http.MethodGet, "/api/v1/modules/gps/samples/latest", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	g.cache.Put(cache.Sample{
		Module:     "gps",
		Status:     protocol.StatusReport,
		Data:       map[string]any{"lat": 48.1},
		ReceivedAt: time.Now(),
	})

	rr = g.do(t, http.MethodGet, "/api/v1/modules/gps/samples/latest", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	sample := decodeMap(t, rr)
	assert.Equal(t, "gps", sample["module"])
	data := sample["data"].(map[string]any)
	assert.Equal(t, 48.1, data["lat"])
}

func TestPreferenceRoundtrip(t *testing.T) {
	g := newRig(t)

	rr := g.do(t, http.MethodGet, "/api/v1/modules/audio/preferences/theme", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = g.do(t, http.MethodPut, "/api/v1/modules/audio/preferences/theme", map[string]any{"value": "dark"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = g.do(t, http.MethodPut, "/api/v1/modules/audio/preferences/theme", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, problem.CodeMissingField, errCode(t, rr))

	rr = g.do(t, http.MethodGet, "/api/v1/modules/audio/preferences/theme", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "dark", decodeMap(t, rr)["value"])

	rr = g.do(t, http.MethodGet, "/api/v1/modules/audio/preferences", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	prefs := decodeMap(t, rr)["preferences"].(map[string]any)
	assert.Equal(t, "dark", prefs["theme"])

	rr = g.do(t, http.MethodDelete, "/api/v1/modules/audio/preferences/theme", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = g.do(t, http.MethodGet, "/api/v1/modules/audio/preferences/theme", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// unknown module
	rr = g.do(t, http.MethodGet, "/api/v1/modules/ghost/preferences", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, problem.CodeModuleNotFound, errCode(t, rr))
}

func TestDeviceRoutes(t *testing.T) {
	registry := devices.NewRegistry(devices.Config{})
	registry.ApplySweep(context.Background(), "test", []devices.Device{
		{ID: "serial:gps0", DisplayName: "GPS", ModuleID: "gps", Interface: devices.InterfaceSerial, Port: "/dev/ttyUSB0"},
		{ID: "alsa:hw:1", DisplayName: "Mic", ModuleID: "audio", Interface: devices.InterfaceUSB},
	})
	g := newRig(t, func(d *Deps) { d.Registry = registry })

	rr := g.do(t, http.MethodGet, "/api/v1/devices", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	devs := decodeMap(t, rr)["devices"].([]any)
	assert.Len(t, devs, 2)

	rr = g.do(t, http.MethodGet, "/api/v1/devices?module=gps", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	devs = decodeMap(t, rr)["devices"].([]any)
	require.Len(t, devs, 1)
	assert.Equal(t, "serial:gps0", devs[0].(map[string]any)["device_id"])

	rr = g.do(t, http.MethodGet, "/api/v1/devices/serial:gps0", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = g.do(t, http.MethodGet, "/api/v1/devices/net:unknown", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// connect requires the owning module to be running
	rr = g.do(t, http.MethodPost, "/api/v1/devices/serial:gps0/connect", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	startModule(t, g, "gps")
	rr = g.do(t, http.MethodPost, "/api/v1/devices/serial:gps0/connect", nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	dev := decodeMap(t, rr)["device"].(map[string]any)
	assert.Equal(t, true, dev["connecting"])
	assert.Contains(t, g.proc("gps").sentNames(), protocol.CmdToggleDevice)

	rr = g.do(t, http.MethodPost, "/api/v1/devices/serial:gps0/disconnect", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	dev = decodeMap(t, rr)["device"].(map[string]any)
	assert.Equal(t, false, dev["connected"])

	// scanning toggle
	rr = g.do(t, http.MethodPost, "/api/v1/devices/scanning/stop", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, registry.Scanning())
	rr = g.do(t, http.MethodGet, "/api/v1/devices/scanning", nil)
	assert.Equal(t, false, decodeMap(t, rr)["scanning"])
	rr = g.do(t, http.MethodPost, "/api/v1/devices/scanning/start", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, registry.Scanning())

	rr = g.do(t, http.MethodGet, "/api/v1/connections/summary", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	summary := decodeMap(t, rr)["summary"].([]any)
	assert.Len(t, summary, 2)
}

func TestDeviceRoutes_UnavailableWithoutRegistry(t *testing.T) {
	g := newRig(t)

	for _, target := range []string{"/api/v1/devices", "/api/v1/connections", "/api/v1/devices/scanning"} {
		rr := g.do(t, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code, target)
		assert.Equal(t, problem.CodeUnavailable, errCode(t, rr), target)
	}
}

func TestLogsRoutes(t *testing.T) {
	g := newRig(t)

	rr := g.do(t, http.MethodGet, "/api/v1/logs/paths", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	paths := decodeMap(t, rr)
	assert.Equal(t, filepath.Join(g.opts.DataDir, "logs", "events.log"), paths["events"])
	mods := paths["modules"].(map[string]any)
	assert.Contains(t, mods, "audio")

	// no log file configured, master log answers from memory
	rr = g.do(t, http.MethodGet, "/api/v1/logs/master", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "memory", decodeMap(t, rr)["source"])

	rr = g.do(t, http.MethodGet, "/api/v1/logs/session", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, problem.CodeNoSession, errCode(t, rr))

	rr = g.do(t, http.MethodGet, "/api/v1/logs/modules/audio", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = g.do(t, http.MethodGet, "/api/v1/logs/modules/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, problem.CodeModuleNotFound, errCode(t, rr))
}

func TestLogTail(t *testing.T) {
	g := newRig(t)

	logDir := filepath.Join(g.opts.DataDir, "logs")
	require.NoError(t, os.MkdirAll(logDir, 0o755))
	content := "line one\nline two\nline three\n"
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "audio.log"), []byte(content), 0o644))

	rr := g.do(t, http.MethodGet, "/api/v1/logs/tail/logs/audio.log", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeMap(t, rr)
	assert.Equal(t, float64(3), body["count"])
	assert.Equal(t, false, body["truncated"])

	rr = g.do(t, http.MethodGet, "/api/v1/logs/tail/logs/audio.log?lines=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body = decodeMap(t, rr)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, true, body["truncated"])
	lines := body["lines"].([]any)
	assert.Equal(t, "line three", lines[1])

	// the module log route reads the same file
	rr = g.do(t, http.MethodGet, "/api/v1/logs/modules/audio", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = g.do(t, http.MethodGet, "/api/v1/logs/tail/logs/missing.log", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestLogTail_RejectsTraversal(t *testing.T) {
	g := newRig(t)

	for _, target := range []string{
		"/api/v1/logs/tail/../outside.log",
		"/api/v1/logs/tail/logs/..%2F..%2Fetc%2Fpasswd",
		"/api/v1/logs/tail/logs/%2e%2e/secret",
		"/api/v1/logs/tail/%252e%252e/double",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.RemoteAddr = "127.0.0.1:54321"
		rr := httptest.NewRecorder()
		g.handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusForbidden, rr.Code, target)
		assert.Equal(t, problem.CodeForbidden, errCode(t, rr), target)
	}
}

func TestIsPathTraversal(t *testing.T) {
	cases := map[string]bool{
		"logs/audio.log":    false,
		"session_1/gps.csv": false,
		"../etc/passwd":     true,
		"logs/../../x":      true,
		"%2e%2e/x":          true,
		"%252e%252e/x":      true,
		"logs/file%00.log":  true,
		"a..b":              true,
	}
	for input, want := range cases {
		assert.Equal(t, want, isPathTraversal(input), "input %q", input)
	}
}

func TestCatalogRoutes(t *testing.T) {
	store, err := catalog.NewStore(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	g := newRig(t, func(d *Deps) { d.Catalog = store })

	rr := g.do(t, http.MethodGet, "/api/v1/catalog/sessions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decodeMap(t, rr)["sessions"])

	sess := orchestrator.Session{Label: "run1", Dir: "/data/run1", Active: true, StartedAt: time.Now()}
	require.NoError(t, store.SessionStarted(context.Background(), sess))
	require.NoError(t, store.TrialStarted(context.Background(), sess,
		orchestrator.TrialResult{Number: 1, Label: "baseline", Started: []string{"audio"}}))
	require.NoError(t, store.TrialStopped(context.Background(), sess,
		orchestrator.TrialResult{Number: 1, Label: "baseline", Started: []string{"audio"}}))
	require.NoError(t, store.AddArtifact(context.Background(), "run1", "audio", "audio/trial_001.wav", "wav", 1024))

	rr = g.do(t, http.MethodGet, "/api/v1/catalog/sessions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	sessions := decodeMap(t, rr)["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, "run1", sessions[0].(map[string]any)["label"])

	rr = g.do(t, http.MethodGet, "/api/v1/catalog/sessions/run1", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = g.do(t, http.MethodGet, "/api/v1/catalog/sessions/run1/trials", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	trials := decodeMap(t, rr)["trials"].([]any)
	require.Len(t, trials, 1)
	assert.Equal(t, "baseline", trials[0].(map[string]any)["trial_label"])

	rr = g.do(t, http.MethodGet, "/api/v1/catalog/sessions/run1/artifacts", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	artifacts := decodeMap(t, rr)["artifacts"].([]any)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "audio/trial_001.wav", artifacts[0].(map[string]any)["path"])

	rr = g.do(t, http.MethodGet, "/api/v1/catalog/sessions/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = g.do(t, http.MethodGet, "/api/v1/catalog/sessions?limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCatalogRoutes_UnavailableWithoutStore(t *testing.T) {
	g := newRig(t)
	rr := g.do(t, http.MethodGet, "/api/v1/catalog/sessions", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, problem.CodeUnavailable, errCode(t, rr))
}

func TestStatusRoute(t *testing.T) {
	g := newRig(t)
	startModule(t, g, "audio")

	rr := g.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeMap(t, rr)
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, float64(1), body["running"])
	assert.Equal(t, float64(0), body["crashed"])
	session := body["session"].(map[string]any)
	assert.Equal(t, false, session["active"])
}

func TestConfigRoute(t *testing.T) {
	g := newRig(t)

	rr := g.do(t, http.MethodGet, "/api/v1/config", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeMap(t, rr)
	assert.Equal(t, g.opts.DataDir, body[config.KeyDataDir])
	assert.Equal(t, float64(g.opts.APIPort), body[config.KeyAPIPort])
}

func TestShutdownRoute(t *testing.T) {
	requested := make(chan struct{})
	g := newRig(t, func(d *Deps) {
		d.RequestShutdown = func() { close(requested) }
	})

	rr := g.do(t, http.MethodPost, "/api/v1/shutdown", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	select {
	case <-requested:
	case <-time.After(time.Second):
		t.Fatal("shutdown was not requested")
	}
}

func TestShutdownRoute_NotWired(t *testing.T) {
	g := newRig(t)
	rr := g.do(t, http.MethodPost, "/api/v1/shutdown", nil)
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
}

func TestExtensionRoutes(t *testing.T) {
	g := newRig(t)

	rr := g.do(t, http.MethodGet, "/api/v1/extensions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	exts := decodeMap(t, rr)["extensions"].([]any)
	require.NotEmpty(t, exts)
	assert.Equal(t, "testext", exts[0].(map[string]any)["module_id"])

	rr = g.do(t, http.MethodGet, "/api/v1/testext/ping", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeMap(t, rr)
	assert.Equal(t, true, body["pong"])
	assert.Equal(t, false, body["session_active"])
}

func TestEventsWebSocket(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	g := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		g.server.hub.Run(ctx)
	}()

	ts := httptest.NewServer(g.handler)
	defer ts.Close()

	url := "ws" + ts.URL[len("http"):] + "/api/v1/events?topics=" + bus.TopicDeviceEvents
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = conn.Close() }()

	// Wait until the hub has the client registered before publishing.
	require.Eventually(t, func() bool {
		g.server.hub.mu.Lock()
		defer g.server.hub.mu.Unlock()
		return len(g.server.hub.clients) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, g.bus.Publish(ctx, bus.TopicDeviceEvents, devices.Event{
		Kind:   devices.EventDiscovered,
		Device: devices.Device{ID: "serial:gps0", ModuleID: "gps"},
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var envelope struct {
		Topic string         `json:"topic"`
		Data  map[string]any `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&envelope))
	assert.Equal(t, bus.TopicDeviceEvents, envelope.Topic)
	dev := envelope.Data["device"].(map[string]any)
	assert.Equal(t, "serial:gps0", dev["device_id"])

	cancel()
	select {
	case <-hubDone:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
}
