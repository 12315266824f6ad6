package textrpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// peer scripts the far end of a connection line by line.
type peer struct {
	t  *testing.T
	nc net.Conn
	r  *bufio.Reader
}

func (p *peer) send(line string) {
	p.t.Helper()
	require.NoError(p.t, p.nc.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := p.nc.Write([]byte(line + "\n"))
	require.NoError(p.t, err)
}

func (p *peer) expect() string {
	p.t.Helper()
	require.NoError(p.t, p.nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := p.r.ReadString('\n')
	require.NoError(p.t, err)
	return strings.TrimSuffix(line, "\n")
}

// attach wires a fresh Conn of role to one end of a pipe and returns the
// scripted other end.
func attach(t *testing.T, role Role, d Dispatcher, opts ...Option) (*Conn, *peer) {
	t.Helper()
	c, err := NewConn(role, d, opts...)
	require.NoError(t, err)
	local, remote := net.Pipe()
	tcp.NewConn(local, c)
	t.Cleanup(func() {
		_ = c.Close()
		_ = remote.Close()
	})
	return c, &peer{t: t, nc: remote, r: bufio.NewReader(remote)}
}

// runningClient completes negotiation for a client Conn.
func runningClient(t *testing.T, d Dispatcher, opts ...Option) (*Conn, *peer) {
	t.Helper()
	c, p := attach(t, RoleClient, d, opts...)
	p.send("protocolVersion-request 1")
	assert.Equal(t, "protocolVersion 1", p.expect())
	require.NoError(t, c.WaitReady(testCtx(t)))
	return c, p
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var echo = DispatchFunc(func(_ context.Context, _ *Conn, text string) (string, error) {
	verb, rest, _ := strings.Cut(text, " ")
	switch verb {
	case "echo":
		return rest, nil
	case "nothing":
		return "", nil
	default:
		return "", fmt.Errorf("unknown verb %q", verb)
	}
})

func TestClientNegotiatesMinimumVersion(t *testing.T) {
	c, p := attach(t, RoleClient, nil, WithProtocolVersion(3))
	// OnConnect runs on the reader goroutine
	require.Eventually(t, func() bool { return c.State() == StateNegotiatingVersion },
		time.Second, time.Millisecond)
	p.send("protocolVersion-request 5")
	assert.Equal(t, "protocolVersion 3", p.expect())
	require.NoError(t, c.WaitReady(testCtx(t)))
	assert.Equal(t, 3, c.Version())
	assert.Equal(t, StateRunning, c.State())
}

func TestServerRequestsVersionAndStartsAtZero(t *testing.T) {
	c, p := attach(t, RoleServer, echo, WithProtocolVersion(2))
	assert.Equal(t, "protocolVersion-request 2", p.expect())
	p.send("protocolVersion 1")
	require.NoError(t, c.WaitReady(testCtx(t)))
	assert.Equal(t, 1, c.Version())

	result := make(chan string, 1)
	go func() {
		r, err := c.Call(testCtx(t), "whoami")
		assert.NoError(t, err)
		result <- r
	}()
	assert.Equal(t, "C 0 whoami", p.expect())
	p.send("R 0 client")
	assert.Equal(t, "client", <-result)
}

func TestServerRejectsVersionAboveOffer(t *testing.T) {
	c, p := attach(t, RoleServer, echo, WithProtocolVersion(1))
	p.expect()
	p.send("protocolVersion 2")
	err := c.WaitReady(testCtx(t))
	assert.ErrorIs(t, err, api.ErrConnectionClosed)
	assert.ErrorIs(t, c.Err(), api.ErrProtocolViolation)
}

func TestMessageBeforeNegotiationIsProtocolViolation(t *testing.T) {
	c, p := attach(t, RoleClient, echo)
	p.send("C 1 echo early")
	err := c.WaitReady(testCtx(t))
	assert.ErrorIs(t, err, api.ErrConnectionClosed)
	assert.ErrorIs(t, err, api.ErrProtocolViolation)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestPingBeforeNegotiationIsProtocolViolation(t *testing.T) {
	c, p := attach(t, RoleClient, nil)
	p.send("ping")
	<-c.Done()
	assert.ErrorIs(t, c.Err(), api.ErrProtocolViolation)
}

func TestNegotiationTimeout(t *testing.T) {
	c, _ := attach(t, RoleClient, nil, WithNegotiationTimeout(30*time.Millisecond))
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after negotiation timeout")
	}
	assert.Equal(t, api.ErrCodeTimeout, api.CodeOf(c.Err()))
}

func TestCallsCompleteOutOfOrder(t *testing.T) {
	c, p := runningClient(t, nil)
	const n = 16

	type outcome struct {
		text, result string
		err          error
	}
	results := make(chan outcome, n)
	for i := 0; i < n; i++ {
		text := fmt.Sprintf("call-%d", i)
		go func() {
			r, err := c.Call(testCtx(t), text)
			results <- outcome{text, r, err}
		}()
	}

	// collect every call, then answer from the highest id down
	byID := make(map[uint64]string, n)
	ids := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		msg, err := Decode(p.expect())
		require.NoError(t, err)
		require.Equal(t, KindCall, msg.Kind)
		byID[msg.ID] = msg.Text
		ids = append(ids, msg.ID)
	}
	for id := uint64(1); id <= n; id++ {
		assert.Contains(t, byID, id, "client ids start at 1")
	}
	assert.Equal(t, n, c.Stats().Outstanding)
	for id := uint64(n); id >= 1; id-- {
		p.send(fmt.Sprintf("R %d %s-done", id, byID[id]))
	}

	for i := 0; i < n; i++ {
		o := <-results
		require.NoError(t, o.err)
		assert.Equal(t, o.text+"-done", o.result)
	}
	assert.Zero(t, c.Stats().Outstanding)
}

func TestRemoteErrorBecomesRemoteException(t *testing.T) {
	c, p := runningClient(t, nil)
	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(testCtx(t), "explode")
		errc <- err
	}()
	assert.Equal(t, "C 1 explode", p.expect())
	p.send("E 1 disk on fire")

	err := <-errc
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrRemoteException)
	var e *api.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "disk on fire", e.Message)
}

func TestIncomingCallsAreDispatched(t *testing.T) {
	_, p := runningClient(t, echo)

	p.send("C 0 echo hello")
	assert.Equal(t, "R 0 hello", p.expect())
	p.send("C 1 nothing")
	assert.Equal(t, "R 1", p.expect())
	p.send("C 2 frobnicate")
	assert.Equal(t, `E 2 unknown verb "frobnicate"`, p.expect())
}

func TestErrorReplyOmitsErrorContext(t *testing.T) {
	strict := DispatchFunc(func(context.Context, *Conn, string) (string, error) {
		cause := api.NewError(api.ErrCodeNotFound, "no such key").WithContext("key", "k1")
		return "", api.Wrap(api.ErrCodeInvalidArgument, cause, "lookup failed").WithContext("table", "users")
	})
	_, p := runningClient(t, strict)
	p.send("C 3 get k1")
	assert.Equal(t, "E 3 lookup failed: no such key", p.expect())
}

func TestDispatcherPanicIsReportedToCaller(t *testing.T) {
	boom := DispatchFunc(func(context.Context, *Conn, string) (string, error) { panic("bad handler") })
	c, p := runningClient(t, boom)
	p.send("C 5 anything")
	line := p.expect()
	assert.True(t, strings.HasPrefix(line, "E 5 "), line)
	assert.Contains(t, line, "bad handler")
	assert.Eventually(t, func() bool { return c.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
}

func TestDisconnectFailsOutstandingCalls(t *testing.T) {
	c, p := runningClient(t, nil)
	const n = 4
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Call(testCtx(t), "slow")
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		p.expect()
	}
	require.NoError(t, p.nc.Close())

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, api.ErrConnectionClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("outstanding call not failed on disconnect")
		}
	}
	_, err := c.Call(testCtx(t), "after")
	assert.ErrorIs(t, err, api.ErrConnectionClosed)
}

func TestCallTimeoutAndLateReply(t *testing.T) {
	c, p := runningClient(t, nil, WithCallTimeout(30*time.Millisecond))
	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "never answered")
		errc <- err
	}()
	assert.Equal(t, "C 1 never answered", p.expect())
	err := <-errc
	assert.Equal(t, api.ErrCodeTimeout, api.CodeOf(err))
	assert.Zero(t, c.Stats().Outstanding)

	p.send("R 1 too late")
	assert.Eventually(t, func() bool { return c.Stats().LateReplies == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, c.State())
}

func TestCallRejectsNewline(t *testing.T) {
	c, _ := runningClient(t, nil)
	_, err := c.Call(testCtx(t), "a\nb")
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestPing(t *testing.T) {
	c, p := runningClient(t, nil)

	p.send("ping")
	assert.Equal(t, "ping-reply", p.expect())

	done := make(chan error, 1)
	go func() { done <- c.Ping(testCtx(t)) }()
	assert.Equal(t, "ping", p.expect())
	p.send("ping-reply")
	require.NoError(t, <-done)
}

func TestLatePingReplyDoesNotCompleteNextPing(t *testing.T) {
	c, p := runningClient(t, nil)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	first := make(chan error, 1)
	go func() { first <- c.Ping(short) }()
	assert.Equal(t, "ping", p.expect())
	assert.Equal(t, api.ErrCodeTimeout, api.CodeOf(<-first))

	second := make(chan error, 1)
	go func() { second <- c.Ping(testCtx(t)) }()
	assert.Equal(t, "ping", p.expect())

	// reply to the expired ping, then round-trip once so it has been read
	p.send("ping-reply")
	p.send("ping")
	assert.Equal(t, "ping-reply", p.expect())
	select {
	case err := <-second:
		t.Fatalf("second ping completed by a stale reply: %v", err)
	default:
	}

	p.send("ping-reply")
	require.NoError(t, <-second)
}

func TestUnknownCommandIsDroppedWhileRunning(t *testing.T) {
	_, p := runningClient(t, nil)
	p.send("bogus 1 2 3")
	p.send("R notanumber")
	p.send("ping")
	assert.Equal(t, "ping-reply", p.expect())
}

func TestKeepaliveClosesDeadPeer(t *testing.T) {
	c, p := runningClient(t, nil, WithPingInterval(20*time.Millisecond))
	assert.Equal(t, "ping", p.expect())
	// no reply
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive did not close the connection")
	}
	assert.Equal(t, api.ErrCodeTimeout, api.CodeOf(c.Err()))
}

func TestConcurrentIncomingCallsRunInParallel(t *testing.T) {
	var mu sync.Mutex
	inside, peak := 0, 0
	release := make(chan struct{})
	slow := DispatchFunc(func(_ context.Context, _ *Conn, text string) (string, error) {
		mu.Lock()
		inside++
		if inside > peak {
			peak = inside
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inside--
		mu.Unlock()
		return text, nil
	})
	_, p := runningClient(t, slow, WithPoolSize(2))
	for i := 0; i < 3; i++ {
		p.send(fmt.Sprintf("C %d job", i))
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return peak == 3
	}, 2*time.Second, 5*time.Millisecond)
	close(release)
	for i := 0; i < 3; i++ {
		assert.True(t, strings.HasSuffix(p.expect(), " job"))
	}
}
