package concurrency

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/hioload-rpc/api"
	internal "github.com/momentics/hioload-rpc/internal/concurrency"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, size int, attrs Attributes) *ThreadPool {
	t.Helper()
	p, err := NewThreadPool(size, attrs)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Destroy(ctx)
	})
	return p
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestThreadPool_SequentialReuse(t *testing.T) {
	p := newTestPool(t, 3, Attributes{})
	assert.Equal(t, 3, p.Stats().Created)

	for i := 0; i < 20; i++ {
		h, err := p.RunThread(func() (any, error) { return nil, nil })
		require.NoError(t, err)
		waitDone(t, h)
	}
	stats := p.Stats()
	assert.Equal(t, 3, stats.Created)
	assert.Equal(t, int64(20), stats.Completed)
}

func TestThreadPool_GrowsOnDemand(t *testing.T) {
	p := newTestPool(t, 2, Attributes{Joinable: true})
	const k = 6

	release := make(chan struct{})
	var running sync.WaitGroup
	running.Add(k)
	handles := make([]*Handle, 0, k)
	for i := 0; i < k; i++ {
		i := i
		h, err := p.RunThread(func() (any, error) {
			running.Done()
			<-release
			return i * i, nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	running.Wait()
	assert.Equal(t, k, p.Stats().Created)
	assert.Equal(t, k, p.Stats().InUse)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i, h := range handles {
		v, err := h.Join(ctx)
		require.NoError(t, err)
		assert.Equal(t, i*i, v)
	}
	assert.Equal(t, k, p.Stats().Available)
}

func TestThreadPool_JoinExactlyOnce(t *testing.T) {
	p := newTestPool(t, 1, Attributes{Joinable: true})
	h, err := p.RunThread(func() (any, error) { return "done", nil })
	require.NoError(t, err)

	ctx := context.Background()
	v, err := h.Join(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, StateComplete, h.State())

	_, err = h.Join(ctx)
	assert.ErrorIs(t, err, api.ErrAlreadyJoined)

	// the worker is recycled for the next run
	h2, err := p.RunThread(func() (any, error) { return 2, nil })
	require.NoError(t, err)
	v, err = h2.Join(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, p.Stats().Created)
}

func TestThreadPool_JoinOnDetachedPool(t *testing.T) {
	p := newTestPool(t, 1, Attributes{})
	h, err := p.RunThread(func() (any, error) { return nil, nil })
	require.NoError(t, err)
	waitDone(t, h)
	_, err = h.Join(context.Background())
	assert.ErrorIs(t, err, api.ErrJoinOnDetachedPool)
}

func TestThreadPool_JoinReturnsTaskError(t *testing.T) {
	p := newTestPool(t, 1, Attributes{Joinable: true})
	boom := errors.New("boom")
	h, err := p.RunThread(func() (any, error) { return nil, boom })
	require.NoError(t, err)
	_, err = h.Join(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestThreadPool_JoinContextCancelAllowsRetry(t *testing.T) {
	p := newTestPool(t, 1, Attributes{Joinable: true})
	release := make(chan struct{})
	h, err := p.RunThread(func() (any, error) {
		<-release
		return 1, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = h.Join(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	v, err := h.Join(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestThreadPool_PanicBecomesError(t *testing.T) {
	p := newTestPool(t, 1, Attributes{Joinable: true})
	h, err := p.RunThread(func() (any, error) { panic("kaboom") })
	require.NoError(t, err)
	_, err = h.Join(context.Background())
	require.Error(t, err)
	assert.Equal(t, api.ErrCodeInternal, api.CodeOf(err))
	assert.Contains(t, err.Error(), "kaboom")
}

func TestThreadPool_DestroyWaitsForRunningAndReportsFailures(t *testing.T) {
	p, err := NewThreadPool(2, Attributes{})
	require.NoError(t, err)

	var finished atomic.Bool
	started := make(chan struct{})
	_, err = p.RunThread(func() (any, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil, errors.New("detached failure")
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = p.Destroy(ctx)
	assert.True(t, finished.Load(), "destroy returned before the running task finished")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "detached failure")

	_, err = p.RunThread(func() (any, error) { return nil, nil })
	assert.ErrorIs(t, err, api.ErrPoolShuttingDown)
	assert.Equal(t, 0, p.NumWorkers())
}

func TestThreadPool_DestroyReleasesUnjoinedWorkers(t *testing.T) {
	p, err := NewThreadPool(1, Attributes{Joinable: true})
	require.NoError(t, err)
	h, err := p.RunThread(func() (any, error) { return nil, errors.New("never joined") })
	require.NoError(t, err)
	waitDone(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = p.Destroy(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never joined")
}

func TestThreadPool_JoinAfterDestroyDoesNotReportTwice(t *testing.T) {
	p, err := NewThreadPool(1, Attributes{Joinable: true})
	require.NoError(t, err)
	h, err := p.RunThread(func() (any, error) { return nil, errors.New("reported once") })
	require.NoError(t, err)
	waitDone(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = p.Destroy(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reported once")

	_, err = h.Join(ctx)
	assert.ErrorIs(t, err, api.ErrPoolShuttingDown)
	assert.NotContains(t, err.Error(), "reported once")
}

func TestThreadPool_SubmitRequiresDetached(t *testing.T) {
	p := newTestPool(t, 1, Attributes{Joinable: true})
	err := p.Submit(func() {})
	assert.Equal(t, api.ErrCodeLogic, api.CodeOf(err))

	d := newTestPool(t, 1, Attributes{})
	ran := make(chan struct{})
	require.NoError(t, d.Submit(func() { close(ran) }))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("submitted task did not run")
	}
}

func TestThreadPool_CPUAffinity(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("affinity is applied on linux only")
	}
	allowed, err := internal.CurrentThreadAffinity()
	require.NoError(t, err)
	require.NotEmpty(t, allowed)

	p := newTestPool(t, 1, Attributes{Joinable: true, CPUs: allowed[:1]})
	h, err := p.RunThread(func() (any, error) {
		return internal.CurrentThreadAffinity()
	})
	require.NoError(t, err)
	v, err := h.Join(context.Background())
	require.NoError(t, err)
	assert.Equal(t, allowed[:1], v)
}

func TestThreadPool_InvalidCPUIsThreadingFailure(t *testing.T) {
	_, err := NewThreadPool(1, Attributes{CPUs: []int{-1}})
	require.Error(t, err)
	assert.Equal(t, api.ErrCodeThreadingFailure, api.CodeOf(err))
}
