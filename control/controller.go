// control/controller.go
// Author: momentics <momentics@gmail.com>
//
// Controller bundles config, metrics and probes behind api.Control.

package control

import (
	"github.com/momentics/hioload-rpc/api"
)

// Controller implements api.Control on top of the control primitives.
type Controller struct {
	config  *ConfigStore
	metrics *MetricsRegistry
	debug   *DebugProbes
}

var _ api.Control = (*Controller)(nil)

// NewController creates a controller with platform probes registered.
func NewController() *Controller {
	c := &Controller{
		config:  NewConfigStore(),
		metrics: NewMetricsRegistry(),
		debug:   NewDebugProbes(),
	}
	RegisterPlatformProbes(c.debug)
	return c
}

// Config exposes the underlying store.
func (c *Controller) Config() *ConfigStore { return c.config }

// Metrics exposes the underlying registry.
func (c *Controller) Metrics() *MetricsRegistry { return c.metrics }

// Probes exposes the underlying probe registry.
func (c *Controller) Probes() *DebugProbes { return c.debug }

func (c *Controller) GetConfig() map[string]any {
	return c.config.GetSnapshot()
}

func (c *Controller) SetConfig(cfg map[string]any) error {
	if cfg == nil {
		return api.NewError(api.ErrCodeInvalidArgument, "nil config")
	}
	c.config.SetConfig(cfg)
	return nil
}

// Stats merges metrics with probe output under the "debug." prefix.
func (c *Controller) Stats() map[string]any {
	stats := c.metrics.GetSnapshot()
	debugStats := c.debug.DumpState()
	combined := make(map[string]any, len(stats)+len(debugStats))
	for k, v := range stats {
		combined[k] = v
	}
	for k, v := range debugStats {
		combined["debug."+k] = v
	}
	return combined
}

func (c *Controller) OnReload(fn func()) {
	c.config.OnReload(func(map[string]any) { fn() })
}

func (c *Controller) SetMetric(key string, value any) {
	c.metrics.Set(key, value)
}

func (c *Controller) RegisterDebugProbe(name string, fn func() any) {
	c.debug.RegisterProbe(name, fn)
}
