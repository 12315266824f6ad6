// File: event/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package event

import (
	"github.com/momentics/hioload-rpc/control"
	"github.com/sirupsen/logrus"
)

// Config holds event manager parameters.
type Config struct {
	QueueCapacity int          // pending events before backpressure applies, 0 = unbounded
	Backpressure  Backpressure // policy when QueueCapacity is reached
	PoolSize      int          // workers pre-spawned in each of the fan-out and listener pools
	Ordered       bool         // fan out on the dispatcher goroutine so delivery follows queue order
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		QueueCapacity: 1024,
		Backpressure:  BackpressureBlock,
		PoolSize:      4,
	}
}

// Option customizes manager initialization.
type Option func(*Manager)

// WithConfig replaces the whole configuration.
func WithConfig(cfg *Config) Option {
	return func(m *Manager) {
		if cfg != nil {
			c := *cfg
			m.cfg = &c
		}
	}
}

// WithQueueCapacity bounds the event queue; 0 makes it unbounded.
func WithQueueCapacity(n int) Option {
	return func(m *Manager) {
		m.cfg.QueueCapacity = n
	}
}

// WithBackpressure sets the full-queue policy.
func WithBackpressure(b Backpressure) Option {
	return func(m *Manager) {
		m.cfg.Backpressure = b
	}
}

// WithPoolSize sets the initial worker count of the internal pools.
func WithPoolSize(n int) Option {
	return func(m *Manager) {
		m.cfg.PoolSize = n
	}
}

// WithOrderedDelivery fans events out one at a time on the dispatcher.
func WithOrderedDelivery() Option {
	return func(m *Manager) {
		m.cfg.Ordered = true
	}
}

// WithLogger replaces the manager logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics mirrors manager counters into reg under the "event." prefix.
func WithMetrics(reg *control.MetricsRegistry) Option {
	return func(m *Manager) {
		m.metrics = reg
	}
}
