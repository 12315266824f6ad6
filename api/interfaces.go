// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package api

import (
	"net"
)

// LineConn abstracts a line-oriented, full-duplex connection.
// Lines never contain the terminating newline.
type LineConn interface {
	// Send writes one line. It is safe for concurrent use.
	Send(line string) error
	// Close shuts the connection down; OnDisconnect fires once.
	Close() error
	// RemoteAddr returns the peer address.
	RemoteAddr() net.Addr
	// Done is closed once the connection is gone.
	Done() <-chan struct{}
}

// LineHandler receives connection callbacks. All callbacks for one connection
// are issued from that connection's reader goroutine.
type LineHandler interface {
	OnConnect(conn LineConn)
	OnMessage(conn LineConn, line string)
	OnDisconnect(conn LineConn, err error)
}
