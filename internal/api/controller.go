// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"fmt"
	"time"

	"github.com/labrig/labrig/internal/cache"
	"github.com/labrig/labrig/internal/devices"
	"github.com/labrig/labrig/internal/modules"
	"github.com/labrig/labrig/internal/orchestrator"
	"github.com/labrig/labrig/internal/protocol"
)

// controller is the single facade module extensions and route handlers
// drive the orchestrator through.
type controller struct {
	orch     *orchestrator.Orchestrator
	cache    cache.Store
	registry *devices.Registry
}

var _ modules.Controller = (*controller)(nil)

func (c *controller) Exec(ctx context.Context, module, command string, params map[string]any, timeout time.Duration, accept ...string) (protocol.Status, error) {
	inst, ok := c.orch.Instance(module)
	if !ok {
		return protocol.Status{}, fmt.Errorf("%s: %w", module, orchestrator.ErrModuleNotRunning)
	}
	return inst.Exec(ctx, command, params, timeout, accept...)
}

func (c *controller) Send(module, command string, params map[string]any) error {
	inst, ok := c.orch.Instance(module)
	if !ok {
		return fmt.Errorf("%s: %w", module, orchestrator.ErrModuleNotRunning)
	}
	return inst.Send(command, params)
}

func (c *controller) LatestSample(module string) (cache.Sample, bool) {
	return c.cache.Latest(module)
}

func (c *controller) DevicesFor(family string) []devices.Device {
	if c.registry == nil {
		return nil
	}
	return c.registry.DevicesFor(family)
}

func (c *controller) SessionActive() bool {
	return c.orch.Session().Active
}
