// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/momentics/hioload-rpc/api"
	"github.com/sirupsen/logrus"
)

// Conn is a line-oriented connection over a net.Conn.
type Conn struct {
	nc      net.Conn
	handler api.LineHandler
	cfg     *Config
	logger  logrus.FieldLogger

	writeMu sync.Mutex

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

var _ api.LineConn = (*Conn)(nil)

// NewConn wraps nc and starts its reader goroutine. handler.OnConnect is the
// first callback issued, OnDisconnect the last.
func NewConn(nc net.Conn, handler api.LineHandler, opts ...Option) *Conn {
	c := newConn(nc, handler, buildConfig(opts))
	c.start()
	return c
}

func newConn(nc net.Conn, handler api.LineHandler, cfg *Config) *Conn {
	c := &Conn{
		nc:      nc,
		handler: handler,
		cfg:     cfg,
		logger:  cfg.Logger.WithField("remote", addrString(nc.RemoteAddr())),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	return c
}

func (c *Conn) start() {
	go c.readLoop()
}

// Dial connects to addr and returns the running connection.
func Dial(ctx context.Context, addr string, handler api.LineHandler, opts ...Option) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, api.Wrap(api.ErrCodeConnectionClosed, err, "dial failed").WithContext("addr", addr)
	}
	return NewConn(nc, handler, opts...), nil
}

// Send writes line followed by '\n'. Lines with embedded newlines are rejected.
// A failed write closes the connection.
func (c *Conn) Send(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return api.NewError(api.ErrCodeInvalidArgument, "line contains a newline")
	}
	select {
	case <-c.closing:
		return api.ErrConnectionClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if _, err := io.WriteString(c.nc, line+"\n"); err != nil {
		c.logger.WithFields(logrus.Fields{
			"function": "Send",
			"error":    err.Error(),
		}).Debug("Write failed, closing connection")
		_ = c.Close()
		return api.Wrap(api.ErrCodeConnectionClosed, err, "send failed")
	}
	return nil
}

// Close shuts the socket down. The reader goroutine then issues OnDisconnect.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.nc.Close()
	})
	return err
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// LocalAddr returns the local address.
func (c *Conn) LocalAddr() net.Addr {
	return c.nc.LocalAddr()
}

// Done is closed after OnDisconnect returned.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) readLoop() {
	var cause error
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{
				"function": "readLoop",
				"panic":    r,
			}).Error("Connection handler panicked")
			cause = api.Errorf(api.ErrCodeInternal, "handler panicked: %v", r)
		}
		_ = c.Close()
		c.handler.OnDisconnect(c, cause)
		close(c.done)
	}()

	c.handler.OnConnect(c)

	sc := bufio.NewScanner(c.nc)
	initial := 4096
	if c.cfg.MaxLineLength < initial {
		initial = c.cfg.MaxLineLength
	}
	sc.Buffer(make([]byte, 0, initial), c.cfg.MaxLineLength)
	for {
		if c.cfg.ReadTimeout > 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		if !sc.Scan() {
			break
		}
		c.handler.OnMessage(c, sc.Text())
	}
	cause = c.classify(sc.Err())
}

// classify maps a scanner error to the cause reported to OnDisconnect; a clean
// EOF or a local Close yields nil.
func (c *Conn) classify(err error) error {
	select {
	case <-c.closing:
		return nil
	default:
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bufio.ErrTooLong):
		return api.Wrap(api.ErrCodeProtocolViolation, err, "line too long").
			WithContext("max", c.cfg.MaxLineLength)
	default:
		return api.Wrap(api.ErrCodeConnectionClosed, err, "read failed")
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
