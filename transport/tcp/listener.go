// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/momentics/hioload-rpc/api"
	internal "github.com/momentics/hioload-rpc/internal/concurrency"
	"github.com/sirupsen/logrus"
)

// HandlerFactory returns the handler for a newly accepted connection.
type HandlerFactory func(remote net.Addr) api.LineHandler

// Listener accepts TCP connections and wraps each one in a Conn.
type Listener struct {
	ln      net.Listener
	factory HandlerFactory
	cfg     *Config
	logger  logrus.FieldLogger

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Listen binds addr. Connections are accepted once Serve runs.
func Listen(addr string, factory HandlerFactory, opts ...Option) (*Listener, error) {
	if factory == nil {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "nil handler factory")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, api.Wrap(api.ErrCodeInvalidArgument, err, "tcp listen failed").WithContext("addr", addr)
	}
	cfg := buildConfig(opts)
	l := &Listener{
		ln:      ln,
		factory: factory,
		cfg:     cfg,
		logger:  cfg.Logger.WithField("listen", ln.Addr().String()),
		conns:   make(map[*Conn]struct{}),
	}
	l.logger.WithField("function", "Listen").Info("TCP listening")
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve runs the accept loop until Close. It returns nil after Close.
func (l *Listener) Serve() error {
	if len(l.cfg.AcceptCPUs) > 0 {
		if err := internal.ApplyCurrentThread(internal.ThreadAttributes{CPUs: l.cfg.AcceptCPUs}); err != nil {
			l.logger.WithFields(logrus.Fields{
				"function": "Serve",
				"error":    err.Error(),
			}).Warn("Accept affinity not applied")
		}
	}

	var backoff time.Duration
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || l.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff *= 2; backoff > time.Second {
					backoff = time.Second
				}
				l.logger.WithFields(logrus.Fields{
					"function": "Serve",
					"error":    err.Error(),
					"retry_in": backoff,
				}).Warn("Accept error")
				time.Sleep(backoff)
				continue
			}
			return api.Wrap(api.ErrCodeConnectionClosed, err, "accept failed")
		}
		backoff = 0
		l.accept(nc)
	}
}

func (l *Listener) accept(nc net.Conn) {
	l.logger.WithFields(logrus.Fields{
		"function": "accept",
		"remote":   nc.RemoteAddr().String(),
	}).Debug("Connection accepted")

	handler := l.factory(nc.RemoteAddr())
	c := newConn(nc, handler, l.cfg)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = nc.Close()
		return
	}
	l.conns[c] = struct{}{}
	l.wg.Add(1)
	l.mu.Unlock()

	c.start()
	go func() {
		<-c.Done()
		l.mu.Lock()
		delete(l.conns, c)
		l.mu.Unlock()
		l.wg.Done()
	}()
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops accepting, closes every live connection and waits for their
// disconnect callbacks.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := make([]*Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	err := l.ln.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	l.wg.Wait()
	l.logger.WithField("function", "Close").Info("TCP listener closed")
	return err
}
