// File: textrpc/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package textrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/control"
	"github.com/momentics/hioload-rpc/core/concurrency"
	"github.com/sirupsen/logrus"
)

// Dispatcher serves incoming calls. It is invoked concurrently from pool
// workers; ctx is cancelled when the connection goes away.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn *Conn, text string) (string, error)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, conn *Conn, text string) (string, error)

// Dispatch calls f.
func (f DispatchFunc) Dispatch(ctx context.Context, conn *Conn, text string) (string, error) {
	return f(ctx, conn, text)
}

// Role selects which side of the negotiation a connection plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// State is the connection protocol state.
type State int32

const (
	StateInitializing State = iota
	StateNegotiatingVersion
	StateRunning
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateNegotiatingVersion:
		return "negotiating-version"
	case StateRunning:
		return "running"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnStats is a snapshot of per-connection counters.
type ConnStats struct {
	Outstanding int   // calls awaiting a reply
	Served      int64 // incoming calls answered with R
	Failed      int64 // incoming calls answered with E
	LateReplies int64 // replies with no outstanding call
}

type callResult struct {
	text string
	err  error
}

type outstandingCall struct {
	id   uint64
	done chan callResult // buffered, written exactly once
}

// Conn is one text RPC connection. It is the api.LineHandler of its socket.
type Conn struct {
	role        Role
	dispatcher  Dispatcher
	pool        *concurrency.ThreadPool
	ownsPool    bool
	cfg         *Config
	logger      logrus.FieldLogger
	metrics     *control.MetricsRegistry
	callTimeout func() time.Duration
	server      *Server

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	line     api.LineConn
	id       string
	state    State
	version  int
	nextID   uint64
	calls    map[uint64]*outstandingCall
	pings    map[uint64]chan struct{} // keyed by ping sequence number
	pingSent uint64
	pingSeen uint64
	failErr  error
	closeErr error
	negTimer *time.Timer

	pingMu sync.Mutex // orders sequence assignment with the send

	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}

	served atomic.Int64
	failed atomic.Int64
	late   atomic.Int64
}

var _ api.LineHandler = (*Conn)(nil)

// NewConn creates a connection with its own dispatch pool. Attach it to a
// socket by passing it as the api.LineHandler, e.g. to tcp.NewConn.
func NewConn(role Role, d Dispatcher, opts ...Option) (*Conn, error) {
	st := buildSettings(opts)
	pool, err := concurrency.NewThreadPool(st.cfg.PoolSize,
		concurrency.Attributes{Name: "textrpc-" + role.String()},
		concurrency.WithPoolLogger(st.logger))
	if err != nil {
		return nil, err
	}
	c := newConn(role, d, pool, true, st.cfg, st.logger, func() time.Duration { return st.cfg.CallTimeout })
	if st.control != nil {
		c.metrics = st.control.Metrics()
	}
	return c, nil
}

func newConn(role Role, d Dispatcher, pool *concurrency.ThreadPool, ownsPool bool,
	cfg *Config, logger logrus.FieldLogger, timeout func() time.Duration) *Conn {
	c := &Conn{
		role:        role,
		dispatcher:  d,
		pool:        pool,
		ownsPool:    ownsPool,
		cfg:         cfg,
		logger:      logger.WithField("role", role.String()),
		callTimeout: timeout,
		calls:       make(map[uint64]*outstandingCall),
		pings:       make(map[uint64]chan struct{}),
		ready:       make(chan struct{}),
		closed:      make(chan struct{}),
	}
	if role == RoleClient {
		c.nextID = 1
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// ID returns the server-assigned session id; empty for clients and for
// server connections still negotiating.
func (c *Conn) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Role reports which side this connection plays.
func (c *Conn) Role() Role {
	return c.role
}

// State returns the protocol state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Version returns the negotiated protocol version, 0 before negotiation.
func (c *Conn) Version() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// RemoteAddr returns the peer address once attached.
func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.line == nil {
		return nil
	}
	return c.line.RemoteAddr()
}

// Done is closed once the connection is disconnected.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Err returns why the connection went away; nil while connected or after a
// clean close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Stats returns per-connection counters.
func (c *Conn) Stats() ConnStats {
	c.mu.Lock()
	outstanding := len(c.calls)
	c.mu.Unlock()
	return ConnStats{
		Outstanding: outstanding,
		Served:      c.served.Load(),
		Failed:      c.failed.Load(),
		LateReplies: c.late.Load(),
	}
}

// WaitReady blocks until version negotiation finished or the connection went away.
func (c *Conn) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunning {
		return nil
	}
	return c.closedErrLocked()
}

func (c *Conn) closedErrLocked() error {
	return api.Wrap(api.ErrCodeConnectionClosed, c.closeErr, "connection closed")
}

// Call sends text to the peer and waits for its reply. Without a ctx deadline
// the configured call timeout applies. A peer error is returned with
// ErrCodeRemoteException and the peer's description as message.
func (c *Conn) Call(ctx context.Context, text string) (string, error) {
	if strings.ContainsAny(text, "\r\n") {
		return "", api.NewError(api.ErrCodeInvalidArgument, "call text contains a newline")
	}
	ctx, cancel := c.withCallTimeout(ctx)
	defer cancel()

	if err := c.WaitReady(ctx); err != nil {
		return "", timeoutError(err, "call")
	}

	oc := &outstandingCall{done: make(chan callResult, 1)}
	c.mu.Lock()
	if c.state != StateRunning {
		err := c.closedErrLocked()
		c.mu.Unlock()
		return "", err
	}
	oc.id = c.nextID
	c.nextID++
	c.calls[oc.id] = oc
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"function": "Call",
		"call_id":  oc.id,
	}).Debug("Sending call")

	if err := c.send(Message{Kind: KindCall, ID: oc.id, Text: text}); err != nil {
		if c.forget(oc.id) {
			return "", err
		}
		res := <-oc.done
		return res.text, res.err
	}

	select {
	case res := <-oc.done:
		return res.text, res.err
	case <-ctx.Done():
		if c.forget(oc.id) {
			return "", timeoutError(ctx.Err(), "call").WithContext("call_id", oc.id)
		}
		// the reply won the race
		res := <-oc.done
		return res.text, res.err
	}
}

// Ping sends "ping" and waits for the matching "ping-reply".
func (c *Conn) Ping(ctx context.Context) error {
	ctx, cancel := c.withCallTimeout(ctx)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		return timeoutError(err, "ping")
	}

	ch := make(chan struct{})
	c.pingMu.Lock()
	c.mu.Lock()
	if c.state != StateRunning {
		err := c.closedErrLocked()
		c.mu.Unlock()
		c.pingMu.Unlock()
		return err
	}
	c.pingSent++
	seq := c.pingSent
	c.pings[seq] = ch
	c.mu.Unlock()

	if err := c.send(Message{Kind: KindPing}); err != nil {
		c.mu.Lock()
		delete(c.pings, seq)
		c.pingSent--
		c.mu.Unlock()
		c.pingMu.Unlock()
		return err
	}
	c.pingMu.Unlock()
	select {
	case <-ch:
		return nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.closedErrLocked()
	case <-ctx.Done():
		c.dropPing(seq)
		return timeoutError(ctx.Err(), "ping")
	}
}

// Close drops the connection. Outstanding calls fail with ErrCodeConnectionClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	line := c.line
	c.mu.Unlock()
	if line == nil {
		c.disconnect(nil)
		return nil
	}
	return line.Close()
}

func (c *Conn) withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok {
		if d := c.callTimeout(); d > 0 {
			return context.WithTimeout(ctx, d)
		}
	}
	return ctx, func() {}
}

func timeoutError(err error, op string) *api.Error {
	var e *api.Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return api.Wrap(api.ErrCodeTimeout, err, op+" timed out")
	}
	return api.Wrap(api.ErrCodeClosed, err, op+" cancelled")
}

// forget removes an outstanding call; false means a reply or disconnect
// already claimed it.
func (c *Conn) forget(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.calls[id]; !ok {
		return false
	}
	delete(c.calls, id)
	return true
}

// dropPing forgets a ping waiter; its reply, if it still arrives, is
// consumed without completing a later ping.
func (c *Conn) dropPing(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pings, seq)
}

func (c *Conn) attach(line api.LineConn) {
	c.mu.Lock()
	if c.line == nil {
		c.line = line
	}
	c.mu.Unlock()
}

func (c *Conn) send(m Message) error {
	line, err := Encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	lc := c.line
	c.mu.Unlock()
	if lc == nil {
		return api.NewError(api.ErrCodeConnectionClosed, "connection not attached")
	}
	return lc.Send(line)
}

// fail closes the connection, recording err as the reason.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.failErr == nil {
		c.failErr = err
	}
	line := c.line
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"function": "fail",
		"error":    err.Error(),
	}).Warn("Closing connection")
	if line == nil {
		c.disconnect(err)
		return
	}
	_ = line.Close()
}

// OnConnect starts version negotiation.
func (c *Conn) OnConnect(line api.LineConn) {
	c.attach(line)
	c.mu.Lock()
	c.state = StateNegotiatingVersion
	if c.cfg.NegotiationTimeout > 0 {
		c.negTimer = time.AfterFunc(c.cfg.NegotiationTimeout, c.negotiationExpired)
	}
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"function": "OnConnect",
		"remote":   line.RemoteAddr().String(),
	}).Debug("Negotiating protocol version")

	if c.role != RoleServer {
		return
	}
	err := c.pool.Submit(func() {
		if err := c.send(Message{Kind: KindVersionRequest, Version: c.cfg.ProtocolVersion}); err != nil {
			c.logger.WithFields(logrus.Fields{
				"function": "OnConnect",
				"error":    err.Error(),
			}).Debug("Version request not sent")
		}
	})
	if err != nil {
		c.fail(err)
	}
}

func (c *Conn) negotiationExpired() {
	if c.State() == StateNegotiatingVersion {
		c.fail(api.NewError(api.ErrCodeTimeout, "protocol version negotiation timed out"))
	}
}

// OnMessage handles one inbound line.
func (c *Conn) OnMessage(_ api.LineConn, line string) {
	msg, err := Decode(line)
	state := c.State()
	if state != StateRunning {
		if err == nil {
			err = c.negotiate(msg)
		}
		if err != nil {
			c.fail(err)
		}
		return
	}
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"function": "OnMessage",
			"error":    err.Error(),
		}).Warn("Dropping malformed message")
		return
	}

	switch msg.Kind {
	case KindCall:
		c.serve(msg)
	case KindResult, KindError:
		c.complete(msg)
	case KindPing:
		if err := c.send(Message{Kind: KindPingReply}); err != nil {
			c.logger.WithField("function", "OnMessage").Debug("Ping reply not sent")
		}
	case KindPingReply:
		c.pong()
	default:
		c.logger.WithFields(logrus.Fields{
			"function": "OnMessage",
			"line":     line,
		}).Warn("Dropping unexpected message")
	}
}

func (c *Conn) negotiate(msg Message) error {
	switch {
	case c.role == RoleClient && msg.Kind == KindVersionRequest:
		v := min(msg.Version, c.cfg.ProtocolVersion)
		if err := c.send(Message{Kind: KindVersion, Version: v}); err != nil {
			return err
		}
		c.becomeRunning(v)
		return nil
	case c.role == RoleServer && msg.Kind == KindVersion:
		if msg.Version > c.cfg.ProtocolVersion {
			return api.Errorf(api.ErrCodeProtocolViolation, "peer chose version %d above offered %d",
				msg.Version, c.cfg.ProtocolVersion)
		}
		c.becomeRunning(msg.Version)
		return nil
	default:
		return api.Errorf(api.ErrCodeProtocolViolation, "unexpected %q before version negotiation", msg.Kind.String())
	}
}

func (c *Conn) becomeRunning(version int) {
	c.mu.Lock()
	if c.state != StateNegotiatingVersion {
		c.mu.Unlock()
		return
	}
	c.state = StateRunning
	c.version = version
	if c.negTimer != nil {
		c.negTimer.Stop()
	}
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })

	c.logger.WithFields(logrus.Fields{
		"function": "becomeRunning",
		"version":  version,
	}).Info("Connection running")

	if c.server != nil {
		c.server.opened(c)
	}
	if c.cfg.PingInterval > 0 {
		go c.keepalive()
	}
}

// serve runs an incoming call on the pool.
func (c *Conn) serve(msg Message) {
	id, text := msg.ID, msg.Text
	if err := c.pool.Submit(func() { c.dispatch(id, text) }); err != nil {
		c.reply(id, "", err)
	}
}

func (c *Conn) dispatch(id uint64, text string) {
	var (
		result string
		err    error
	)
	if c.dispatcher == nil {
		err = api.NewError(api.ErrCodeNotFound, "no dispatcher")
	} else {
		result, err = c.safeDispatch(text)
	}
	c.reply(id, result, err)
}

func (c *Conn) safeDispatch(text string) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = api.Errorf(api.ErrCodeInternal, "dispatcher panicked: %v", r)
		}
	}()
	return c.dispatcher.Dispatch(c.ctx, c, text)
}

func (c *Conn) reply(id uint64, result string, err error) {
	msg := Message{Kind: KindResult, ID: id, Text: result}
	if err == nil && strings.ContainsAny(result, "\r\n") {
		err = api.NewError(api.ErrCodeInvalidArgument, "result contains a newline")
	}
	if err != nil {
		msg = Message{Kind: KindError, ID: id, Text: describe(err)}
		c.failed.Add(1)
		c.count("rpc.calls.failed")
	} else {
		c.served.Add(1)
		c.count("rpc.calls.served")
	}
	if err := c.send(msg); err != nil {
		c.logger.WithFields(logrus.Fields{
			"function": "reply",
			"call_id":  id,
			"error":    err.Error(),
		}).Debug("Reply not sent")
	}
}

// describe flattens err into a single line for the wire. Structured errors
// contribute their message and cause, never their context map.
func describe(err error) string {
	d := strings.Join(strings.Fields(errorText(err)), " ")
	if d == "" {
		d = fmt.Sprintf("%T", err)
	}
	return d
}

func errorText(err error) string {
	e, ok := err.(*api.Error)
	if !ok {
		return err.Error()
	}
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Cause != nil {
		msg += ": " + errorText(e.Cause)
	}
	return msg
}

// complete hands a reply to its waiting caller.
func (c *Conn) complete(msg Message) {
	c.mu.Lock()
	oc, ok := c.calls[msg.ID]
	if ok {
		delete(c.calls, msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.late.Add(1)
		c.count("rpc.replies.late")
		err := api.Errorf(api.ErrCodeNoSuchOutstandingCall, "no outstanding call %d", msg.ID)
		c.logger.WithFields(logrus.Fields{
			"function": "complete",
			"call_id":  msg.ID,
			"error":    err.Error(),
		}).Warn("Dropping reply")
		return
	}
	if msg.Kind == KindResult {
		oc.done <- callResult{text: msg.Text}
		return
	}
	oc.done <- callResult{err: api.NewError(api.ErrCodeRemoteException, msg.Text).WithContext("call_id", msg.ID)}
}

func (c *Conn) pong() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pingSeen == c.pingSent {
		c.logger.WithField("function", "pong").Debug("Unsolicited ping-reply")
		return
	}
	c.pingSeen++
	if ch, ok := c.pings[c.pingSeen]; ok {
		delete(c.pings, c.pingSeen)
		close(ch)
	}
}

func (c *Conn) keepalive() {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.PingInterval)
			err := c.Ping(ctx)
			cancel()
			if err != nil && c.ctx.Err() == nil {
				c.fail(api.Wrap(api.ErrCodeTimeout, err, "keepalive failed"))
				return
			}
		}
	}
}

// OnDisconnect fails every outstanding call.
func (c *Conn) OnDisconnect(_ api.LineConn, err error) {
	c.disconnect(err)
}

func (c *Conn) disconnect(err error) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	wasRunning := c.state == StateRunning
	c.state = StateDisconnected
	cause := c.failErr
	if cause == nil {
		cause = err
	}
	c.closeErr = cause
	calls := c.calls
	c.calls = make(map[uint64]*outstandingCall)
	if c.negTimer != nil {
		c.negTimer.Stop()
	}
	c.mu.Unlock()

	c.cancel()
	close(c.closed)
	c.readyOnce.Do(func() { close(c.ready) })

	for _, oc := range calls {
		oc.done <- callResult{err: api.Wrap(api.ErrCodeConnectionClosed, cause, "connection closed").
			WithContext("call_id", oc.id)}
	}

	fields := logrus.Fields{
		"function":    "disconnect",
		"outstanding": len(calls),
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	c.logger.WithFields(fields).Info("Connection closed")

	if c.server != nil && wasRunning {
		c.server.closed(c, cause)
	}
	if c.ownsPool {
		go func() {
			if err := c.pool.Destroy(context.Background()); err != nil {
				c.logger.WithFields(logrus.Fields{
					"function": "disconnect",
					"error":    err.Error(),
				}).Debug("Dispatch pool reported failures")
			}
		}()
	}
}

func (c *Conn) count(name string) {
	if c.metrics != nil {
		c.metrics.Add(name, 1)
	}
}
