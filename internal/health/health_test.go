// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockChecker struct {
	name   string
	status Status
}

func (c *mockChecker) Name() string { return c.name }
func (c *mockChecker) Check(context.Context) CheckResult {
	return CheckResult{Status: c.status}
}

func TestManager_Health_NoCheckers(t *testing.T) {
	m := NewManager("v1.0.0")

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "v1.0.0", resp.Version)
	assert.Nil(t, resp.Checks)
}

func TestManager_Health_Verbose(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "ok", status: StatusHealthy})
	m.RegisterChecker(&mockChecker{name: "shaky", status: StatusDegraded})

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Nil(t, resp.Checks)

	resp = m.Health(context.Background(), true)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Len(t, resp.Checks, 2)
	assert.Equal(t, StatusHealthy, resp.Checks["ok"].Status)
	assert.Equal(t, StatusDegraded, resp.Checks["shaky"].Status)
}

func TestManager_Health_UnhealthyWins(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "shaky", status: StatusDegraded})
	m.RegisterChecker(&mockChecker{name: "dead", status: StatusUnhealthy})

	resp := m.Health(context.Background(), true)
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestManager_Ready(t *testing.T) {
	m := NewManager("v1.0.0")
	assert.True(t, m.Ready(context.Background()).Ready)

	m.RegisterChecker(&mockChecker{name: "ok", status: StatusHealthy})
	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusHealthy, resp.Status)

	m.RegisterChecker(&mockChecker{name: "shaky", status: StatusDegraded})
	resp = m.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusDegraded, resp.Status)

	m.RegisterChecker(&mockChecker{name: "dead", status: StatusUnhealthy})
	resp = m.Ready(context.Background())
	assert.False(t, resp.Ready)
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestManager_ServeHealth(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "dead", status: StatusUnhealthy})

	// liveness answers 200 even with unhealthy components
	req := httptest.NewRequest(http.MethodGet, "/health?verbose=true", nil)
	rec := httptest.NewRecorder()
	m.ServeHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Len(t, resp.Checks, 1)
}

func TestManager_ServeReady(t *testing.T) {
	m := NewManager("v1.0.0")

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	m.ServeReady(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	m.RegisterChecker(&mockChecker{name: "dead", status: StatusUnhealthy})
	rec = httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Ready)
}

func TestDirChecker(t *testing.T) {
	t.Run("writable", func(t *testing.T) {
		c := NewDirChecker("data_dir", t.TempDir())
		res := c.Check(context.Background())
		assert.Equal(t, StatusHealthy, res.Status)
	})

	t.Run("missing", func(t *testing.T) {
		c := NewDirChecker("data_dir", filepath.Join(t.TempDir(), "nope"))
		res := c.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, res.Status)
		assert.Equal(t, "directory not found", res.Error)
	})

	t.Run("file not dir", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "plain")
		require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))
		c := NewDirChecker("data_dir", f)
		res := c.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, res.Status)
	})
}

func TestPingChecker(t *testing.T) {
	ok := NewPingChecker("catalog", func(context.Context) error { return nil })
	assert.Equal(t, StatusHealthy, ok.Check(context.Background()).Status)

	bad := NewPingChecker("redis", func(context.Context) error { return errors.New("connection refused") })
	res := bad.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "connection refused", res.Error)
}

func TestModulesChecker(t *testing.T) {
	c := NewModulesChecker(func() (int, int) { return 3, 0 })
	res := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, "3 running, 0 crashed", res.Message)

	c = NewModulesChecker(func() (int, int) { return 2, 1 })
	res = c.Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, "2 running, 1 crashed", res.Message)
}
