// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds per-connection and listener parameters.
type Config struct {
	MaxLineLength int           // longest accepted inbound line in bytes
	WriteTimeout  time.Duration // optional per-send write deadline
	ReadTimeout   time.Duration // optional idle read deadline, reset per line
	AcceptCPUs    []int         // optional CPU set for the accept goroutine's thread
	Logger        logrus.FieldLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxLineLength: 64 * 1024,
		Logger:        logrus.StandardLogger(),
	}
}

// Option customizes a connection or listener.
type Option func(*Config)

// WithMaxLineLength bounds inbound lines; longer lines close the connection.
func WithMaxLineLength(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxLineLength = n
		}
	}
}

// WithWriteTimeout sets the deadline applied to every send.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.WriteTimeout = d
	}
}

// WithReadTimeout closes connections idle for longer than d.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ReadTimeout = d
	}
}

// WithAcceptAffinity pins the accept loop's OS thread to cpus.
func WithAcceptAffinity(cpus ...int) Option {
	return func(c *Config) {
		c.AcceptCPUs = append([]int(nil), cpus...)
	}
}

// WithLogger replaces the transport logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

func buildConfig(opts []Option) *Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
