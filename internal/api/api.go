// SPDX-License-Identifier: MIT

// Package api is the localhost REST control plane of the master daemon.
//
// Every handler runs against the orchestrator facade plus the device
// registry, the latest-sample cache and the session catalog. Module
// families extend the surface through the link-time extension registry;
// their routes mount under /api/v1/<module_id>.
//
// The listener binds loopback only and the middleware stack drops any
// peer that is not local, so the surface carries no authentication.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/labrig/labrig/internal/bus"
	"github.com/labrig/labrig/internal/cache"
	"github.com/labrig/labrig/internal/catalog"
	"github.com/labrig/labrig/internal/config"
	"github.com/labrig/labrig/internal/devices"
	"github.com/labrig/labrig/internal/health"
	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/orchestrator"
)

// shutdownBudget bounds the in-flight handler drain on server stop.
const shutdownBudget = 5 * time.Second

// Deps wires the control plane to the rest of the master.
type Deps struct {
	Options  config.Options
	Version  string
	Manifest config.Manifest

	Orchestrator *orchestrator.Orchestrator
	Registry     *devices.Registry
	Cache        cache.Store
	Catalog      *catalog.Store
	Health       *health.Manager
	Bus          bus.Bus

	// State persists per-module operator preferences.
	State *config.State

	// EventLogDir holds events.log; defaults to <DataDir>/logs.
	EventLogDir string

	// RequestShutdown asks the daemon to exit. Invoked by POST /shutdown
	// after the response is written.
	RequestShutdown func()
}

// Server is the REST control plane.
type Server struct {
	deps      Deps
	logger    zerolog.Logger
	startedAt time.Time
	hub       *hub
	ctrl      *controller
	sysinfo   singleflight.Group
}

// New builds the control plane server. The orchestrator and health
// manager are required; everything else degrades to a 404/503 surface.
func New(deps Deps) (*Server, error) {
	if deps.Orchestrator == nil {
		return nil, errors.New("api: orchestrator is required")
	}
	if deps.Health == nil {
		return nil, errors.New("api: health manager is required")
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewNoOpStore()
	}
	if deps.EventLogDir == "" {
		deps.EventLogDir = defaultEventLogDir(deps.Options.DataDir)
	}
	s := &Server{
		deps:      deps,
		logger:    log.WithComponent("api"),
		startedAt: time.Now(),
	}
	s.ctrl = &controller{
		orch:     deps.Orchestrator,
		cache:    deps.Cache,
		registry: deps.Registry,
	}
	if deps.Bus != nil {
		s.hub = newHub(deps.Bus)
	}
	return s, nil
}

// Handler returns the fully routed control plane handler.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// Run serves the control plane on the loopback interface until ctx is
// cancelled, then drains in-flight handlers within the shutdown budget.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.deps.Options.APIPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if s.hub != nil {
		go s.hub.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Bool("debug", s.deps.Options.APIDebug).Msg("control plane listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("control plane drain incomplete, closing")
			_ = srv.Close()
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api: serve: %w", err)
	}
}
