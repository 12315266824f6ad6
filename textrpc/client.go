// File: textrpc/client.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package textrpc

import (
	"context"

	"github.com/momentics/hioload-rpc/transport/tcp"
	"github.com/sirupsen/logrus"
)

// Dial connects to a text RPC server and returns once version negotiation
// finished. d serves calls issued by the server and may be nil.
func Dial(ctx context.Context, addr string, d Dispatcher, opts ...Option) (*Conn, error) {
	st := buildSettings(opts)
	c, err := NewConn(RoleClient, d, opts...)
	if err != nil {
		return nil, err
	}
	line, err := tcp.Dial(ctx, addr, c, st.tcpOptions()...)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.attach(line)

	if err := c.WaitReady(ctx); err != nil {
		_ = c.Close()
		return nil, timeoutError(err, "dial")
	}
	c.logger.WithFields(logrus.Fields{
		"function": "Dial",
		"addr":     addr,
		"version":  c.Version(),
	}).Info("Connected")
	return c, nil
}
