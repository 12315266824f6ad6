// File: textrpc/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package textrpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/control"
	"github.com/momentics/hioload-rpc/core/concurrency"
	"github.com/momentics/hioload-rpc/internal/session"
	"github.com/momentics/hioload-rpc/transport/tcp"
	"github.com/sirupsen/logrus"
)

// Server accepts text RPC connections and serves their calls on one shared pool.
type Server struct {
	st         *settings
	dispatcher Dispatcher
	logger     logrus.FieldLogger

	pool     *concurrency.ThreadPool
	listener *tcp.Listener
	sessions *session.Registry[*Conn]
	control  *control.Controller

	callTimeout atomic.Int64

	shutdownOnce sync.Once
	shutdownErr  error
}

var _ api.GracefulShutdown = (*Server)(nil)

// NewServer binds addr. Call Serve to start accepting.
func NewServer(addr string, d Dispatcher, opts ...Option) (*Server, error) {
	if d == nil {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "nil dispatcher")
	}
	st := buildSettings(opts)
	s := &Server{
		st:         st,
		dispatcher: d,
		logger:     st.logger.WithField("component", "textrpc-server"),
		sessions:   session.NewRegistry[*Conn](16),
		control:    st.control,
	}
	if s.control == nil {
		s.control = control.NewController()
	}
	s.callTimeout.Store(int64(st.cfg.CallTimeout))

	var err error
	s.pool, err = concurrency.NewThreadPool(st.cfg.PoolSize, concurrency.Attributes{Name: "textrpc-server"},
		concurrency.WithPoolLogger(st.logger))
	if err != nil {
		return nil, err
	}
	s.listener, err = tcp.Listen(addr, s.newHandler, st.tcpOptions()...)
	if err != nil {
		_ = s.pool.Destroy(context.Background())
		return nil, err
	}

	s.control.Config().OnReload(s.reload)
	s.control.RegisterDebugProbe("rpc.connections", func() any { return s.sessions.Len() })
	s.control.RegisterDebugProbe("rpc.pool", func() any { return s.pool.Stats() })
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Control exposes the server's config, metrics and probes.
func (s *Server) Control() *control.Controller {
	return s.control
}

// CallTimeout returns the current default timeout of server-issued calls.
func (s *Server) CallTimeout() time.Duration {
	return time.Duration(s.callTimeout.Load())
}

// Serve runs the accept loop until Shutdown.
func (s *Server) Serve() error {
	s.logger.WithFields(logrus.Fields{
		"function": "Serve",
		"addr":     s.Addr().String(),
	}).Info("Serving text RPC")
	return s.listener.Serve()
}

// Connections returns the connections that completed negotiation.
func (s *Server) Connections() []*Conn {
	snap := s.sessions.Snapshot()
	out := make([]*Conn, 0, len(snap))
	for _, c := range snap {
		out = append(out, c)
	}
	return out
}

// Connection looks a connection up by id.
func (s *Server) Connection(id string) (*Conn, bool) {
	return s.sessions.Get(id)
}

// Shutdown stops accepting, closes every connection, failing their
// outstanding calls, and waits for running dispatches.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		lerr := s.listener.Close()
		perr := s.pool.Destroy(ctx)
		s.shutdownErr = errors.Join(lerr, perr)
		s.logger.WithField("function", "Shutdown").Info("Text RPC server stopped")
	})
	return s.shutdownErr
}

func (s *Server) newHandler(remote net.Addr) api.LineHandler {
	c := newConn(RoleServer, s.dispatcher, s.pool, false, s.st.cfg,
		s.st.logger.WithField("remote", remote.String()), s.CallTimeout)
	c.server = s
	c.metrics = s.control.Metrics()
	return c
}

func (s *Server) opened(c *Conn) {
	id := s.sessions.Add(c)
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()

	metrics := s.control.Metrics()
	metrics.Add("rpc.connections.accepted", 1)
	metrics.Set("rpc.connections.open", s.sessions.Len())
	s.logger.WithFields(logrus.Fields{
		"function": "opened",
		"conn":     id,
	}).Debug("Connection registered")

	if s.st.onOpen != nil {
		s.st.onOpen(c)
	}
}

func (s *Server) closed(c *Conn, err error) {
	s.sessions.Delete(c.ID())
	s.control.Metrics().Set("rpc.connections.open", s.sessions.Len())
	if s.st.onClose != nil {
		s.st.onClose(c, err)
	}
}

func (s *Server) reload(map[string]any) {
	d, err := s.control.Config().Duration(ConfigCallTimeout, s.CallTimeout())
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"function": "reload",
			"error":    err.Error(),
		}).Warn("Ignoring call timeout")
		return
	}
	if d == s.CallTimeout() {
		return
	}
	s.callTimeout.Store(int64(d))
	s.logger.WithFields(logrus.Fields{
		"function":     "reload",
		"call_timeout": d,
	}).Info("Call timeout updated")
}
