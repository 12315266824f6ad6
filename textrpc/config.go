// File: textrpc/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package textrpc

import (
	"time"

	"github.com/momentics/hioload-rpc/control"
	"github.com/momentics/hioload-rpc/transport/tcp"
	"github.com/sirupsen/logrus"
)

// ConfigCallTimeout is the control key read on reload by a Server.
const ConfigCallTimeout = "rpc.call_timeout"

// Config holds connection parameters shared by clients and servers.
type Config struct {
	ProtocolVersion    int           // highest protocol version spoken
	CallTimeout        time.Duration // default bound of Call and Ping when ctx has no deadline, 0 = none
	NegotiationTimeout time.Duration // connections not running after this are closed, 0 = none
	PingInterval       time.Duration // keepalive period once running, 0 = off
	PoolSize           int           // initial workers of the dispatch pool
	MaxLineLength      int           // longest accepted inbound line
	WriteTimeout       time.Duration // optional per-line write deadline
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProtocolVersion:    1,
		CallTimeout:        30 * time.Second,
		NegotiationTimeout: 10 * time.Second,
		PoolSize:           4,
		MaxLineLength:      64 * 1024,
	}
}

type settings struct {
	cfg     *Config
	logger  logrus.FieldLogger
	control *control.Controller
	onOpen  func(*Conn)
	onClose func(*Conn, error)
}

// Option customizes a Conn, client or Server.
type Option func(*settings)

func buildSettings(opts []Option) *settings {
	st := &settings{
		cfg:    DefaultConfig(),
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

func (st *settings) tcpOptions() []tcp.Option {
	return []tcp.Option{
		tcp.WithMaxLineLength(st.cfg.MaxLineLength),
		tcp.WithWriteTimeout(st.cfg.WriteTimeout),
		tcp.WithLogger(st.logger),
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg *Config) Option {
	return func(st *settings) {
		if cfg != nil {
			c := *cfg
			st.cfg = &c
		}
	}
}

// WithProtocolVersion sets the highest protocol version spoken.
func WithProtocolVersion(v int) Option {
	return func(st *settings) {
		if v > 0 {
			st.cfg.ProtocolVersion = v
		}
	}
}

// WithCallTimeout sets the default call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(st *settings) {
		st.cfg.CallTimeout = d
	}
}

// WithNegotiationTimeout bounds the version handshake.
func WithNegotiationTimeout(d time.Duration) Option {
	return func(st *settings) {
		st.cfg.NegotiationTimeout = d
	}
}

// WithPingInterval enables keepalive pings; a missed reply closes the connection.
func WithPingInterval(d time.Duration) Option {
	return func(st *settings) {
		st.cfg.PingInterval = d
	}
}

// WithPoolSize sets the initial dispatch pool size.
func WithPoolSize(n int) Option {
	return func(st *settings) {
		if n >= 0 {
			st.cfg.PoolSize = n
		}
	}
}

// WithMaxLineLength bounds inbound lines.
func WithMaxLineLength(n int) Option {
	return func(st *settings) {
		st.cfg.MaxLineLength = n
	}
}

// WithWriteTimeout sets the per-line write deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(st *settings) {
		st.cfg.WriteTimeout = d
	}
}

// WithLogger replaces the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(st *settings) {
		if l != nil {
			st.logger = l
		}
	}
}

// WithControl publishes metrics and probes into c; a Server also reloads
// ConfigCallTimeout from its config store.
func WithControl(c *control.Controller) Option {
	return func(st *settings) {
		st.control = c
	}
}

// WithOnOpen registers a callback run once a server connection finished
// version negotiation. It runs on the connection's reader goroutine and must
// not block.
func WithOnOpen(fn func(*Conn)) Option {
	return func(st *settings) {
		st.onOpen = fn
	}
}

// WithOnClose registers a callback run after a server connection that was
// opened has gone.
func WithOnClose(fn func(*Conn, error)) Option {
	return func(st *settings) {
		st.onClose = fn
	}
}
