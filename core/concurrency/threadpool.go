// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ThreadPool keeps reusable worker goroutines. Each worker parks on its own start
// channel, runs one submitted function, and either goes straight back to the
// available list (detached pools) or waits for the result to be joined first.

package concurrency

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-rpc/api"
	internal "github.com/momentics/hioload-rpc/internal/concurrency"
	"github.com/sirupsen/logrus"
)

// TaskFunc is a unit of work returning an explicit result.
type TaskFunc func() (any, error)

// maxRecordedErrors bounds the failures kept for Destroy.
const maxRecordedErrors = 32

// Attributes control how pool workers are created.
type Attributes struct {
	// Joinable pools park finished workers until Handle.Join collects the result.
	Joinable bool
	// Name tags log lines.
	Name string
	// Priority is the nice value applied to each worker thread; 0 keeps the default.
	Priority int
	// CPUs pins each worker thread to these CPUs; empty keeps the default mask.
	CPUs []int
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Created   int
	Available int
	InUse     int
	Completed int64
	Failed    int64
}

// PoolOption customizes a ThreadPool.
type PoolOption func(*ThreadPool)

// WithPoolLogger replaces the pool logger.
func WithPoolLogger(l logrus.FieldLogger) PoolOption {
	return func(p *ThreadPool) {
		if l != nil {
			p.logger = l
		}
	}
}

// RunState tracks one submitted function through a worker.
type RunState int32

const (
	StateAvailable RunState = iota
	StateRunning
	StateFinishedUnjoined
	StateFinishedJoined
	StateComplete
)

func (s RunState) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateRunning:
		return "running"
	case StateFinishedUnjoined:
		return "finished-unjoined"
	case StateFinishedJoined:
		return "finished-joined"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// run is one execution of a TaskFunc on a worker.
type run struct {
	fn TaskFunc

	mu     sync.Mutex
	state  RunState
	result api.Result[any]
	joined bool
	reaped bool // result handed to Destroy instead of a joiner

	finished chan struct{} // closed when fn returned
	complete chan struct{} // closed by the joiner
	recycled chan struct{} // closed once the worker left this run
}

func newRun(fn TaskFunc) *run {
	return &run{
		fn:       fn,
		finished: make(chan struct{}),
		complete: make(chan struct{}),
		recycled: make(chan struct{}),
	}
}

type worker struct {
	id    int64
	pool  *ThreadPool
	elem  *list.Element
	start chan *run
}

// ThreadPool is a pool of reusable workers.
type ThreadPool struct {
	attrs  Attributes
	logger logrus.FieldLogger

	mu           sync.Mutex
	available    *list.List
	inUse        *list.List
	shuttingDown bool
	created      int
	errs         []error
	droppedErrs  int

	nextID    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	closing     chan struct{}
	destroyOnce sync.Once
	wg          sync.WaitGroup
}

var _ api.Executor = (*ThreadPool)(nil)

// NewThreadPool creates a pool and pre-spawns initialSize workers.
func NewThreadPool(initialSize int, attrs Attributes, opts ...PoolOption) (*ThreadPool, error) {
	if initialSize < 0 {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "negative pool size %d", initialSize)
	}
	if attrs.Name == "" {
		attrs.Name = "pool"
	}
	p := &ThreadPool{
		attrs:     attrs,
		logger:    logrus.StandardLogger(),
		available: list.New(),
		inUse:     list.New(),
		closing:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithField("pool", attrs.Name)

	for i := 0; i < initialSize; i++ {
		w, err := p.spawn()
		if err != nil {
			_ = p.Destroy(context.Background())
			return nil, err
		}
		p.mu.Lock()
		w.elem = p.available.PushBack(w)
		p.mu.Unlock()
	}

	p.logger.WithFields(logrus.Fields{
		"function": "NewThreadPool",
		"size":     initialSize,
		"joinable": attrs.Joinable,
	}).Debug("Thread pool created")
	return p, nil
}

// spawn starts a worker goroutine and waits for its thread attributes to apply.
func (p *ThreadPool) spawn() (*worker, error) {
	w := &worker{
		id:    p.nextID.Add(1),
		pool:  p,
		start: make(chan *run, 1),
	}
	ready := make(chan error, 1)
	p.wg.Add(1)
	go w.loop(ready)
	if err := <-ready; err != nil {
		return nil, api.Wrap(api.ErrCodeThreadingFailure, err, "worker thread setup failed").
			WithContext("pool", p.attrs.Name)
	}
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	return w, nil
}

// RunThread hands fn to an idle worker, creating one when none is available.
func (p *ThreadPool) RunThread(fn TaskFunc) (*Handle, error) {
	if fn == nil {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "nil task")
	}

	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil, api.ErrPoolShuttingDown
	}
	var w *worker
	if front := p.available.Front(); front != nil {
		w = p.available.Remove(front).(*worker)
		w.elem = p.inUse.PushBack(w)
		p.mu.Unlock()
	} else {
		p.mu.Unlock()
		var err error
		if w, err = p.spawn(); err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.shuttingDown {
			p.mu.Unlock()
			close(w.start)
			return nil, api.ErrPoolShuttingDown
		}
		w.elem = p.inUse.PushBack(w)
		p.mu.Unlock()
	}

	r := newRun(fn)
	w.start <- r
	return &Handle{pool: p, run: r, workerID: w.id}, nil
}

// Submit runs task on a detached pool, satisfying api.Executor.
func (p *ThreadPool) Submit(task func()) error {
	if p.attrs.Joinable {
		return api.NewError(api.ErrCodeLogic, "submit requires a detached pool")
	}
	_, err := p.RunThread(func() (any, error) {
		task()
		return nil, nil
	})
	return err
}

// NumWorkers returns the number of live workers.
func (p *ThreadPool) NumWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available.Len() + p.inUse.Len()
}

// Joinable reports whether results must be collected with Handle.Join.
func (p *ThreadPool) Joinable() bool {
	return p.attrs.Joinable
}

// Stats returns a snapshot of pool counters.
func (p *ThreadPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Created:   p.created,
		Available: p.available.Len(),
		InUse:     p.inUse.Len(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// release moves w back to the available list. It returns false when the pool
// is shutting down and the worker must exit.
func (p *ThreadPool) release(w *worker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse.Remove(w.elem)
	w.elem = nil
	if p.shuttingDown {
		return false
	}
	w.elem = p.available.PushBack(w)
	return true
}

// recordError keeps failures nobody observed so Destroy can report them.
func (p *ThreadPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) < maxRecordedErrors {
		p.errs = append(p.errs, err)
	} else {
		p.droppedErrs++
	}
}

// Destroy stops accepting work, wakes idle workers, waits for running
// functions to return and for every worker to exit. Failures of detached runs
// and of runs nobody joined are returned joined together.
func (p *ThreadPool) Destroy(ctx context.Context) error {
	p.destroyOnce.Do(func() {
		p.mu.Lock()
		p.shuttingDown = true
		close(p.closing)
		for e := p.available.Front(); e != nil; e = e.Next() {
			close(e.Value.(*worker).start)
		}
		p.available.Init()
		p.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return api.Wrap(api.ErrCodeTimeout, ctx.Err(), "thread pool destroy interrupted").
			WithContext("pool", p.attrs.Name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	errs := append([]error(nil), p.errs...)
	if p.droppedErrs > 0 {
		errs = append(errs, api.Errorf(api.ErrCodeInternal, "%d further task failures not recorded", p.droppedErrs))
	}
	p.logger.WithFields(logrus.Fields{
		"function": "Destroy",
		"failures": len(errs),
	}).Debug("Thread pool destroyed")
	return errors.Join(errs...)
}

func (w *worker) loop(ready chan<- error) {
	defer w.pool.wg.Done()
	p := w.pool

	err := internal.ApplyCurrentThread(internal.ThreadAttributes{
		CPUs:     p.attrs.CPUs,
		Priority: p.attrs.Priority,
	})
	ready <- err
	if err != nil {
		return
	}

	for r := range w.start {
		w.execute(r)

		if !p.attrs.Joinable {
			if r.result.Err != nil {
				p.logger.WithFields(logrus.Fields{
					"function": "worker",
					"worker":   w.id,
					"error":    r.result.Err.Error(),
				}).Warn("Detached task failed")
				p.recordError(r.result.Err)
			}
			r.mu.Lock()
			r.state = StateComplete
			r.mu.Unlock()
			alive := p.release(w)
			close(r.finished)
			close(r.recycled)
			if !alive {
				return
			}
			continue
		}

		r.mu.Lock()
		r.state = StateFinishedUnjoined
		r.mu.Unlock()
		close(r.finished)

		select {
		case <-r.complete:
		case <-p.closing:
			r.mu.Lock()
			if !r.joined {
				r.reaped = true
				if r.result.Err != nil {
					p.recordError(r.result.Err)
				}
			}
			r.mu.Unlock()
		}
		alive := p.release(w)
		close(r.recycled)
		if !alive {
			return
		}
	}
}

func (w *worker) execute(r *run) {
	r.mu.Lock()
	r.state = StateRunning
	r.mu.Unlock()

	res := safeCall(r.fn)

	r.mu.Lock()
	r.result = res
	r.mu.Unlock()

	if res.Err != nil {
		w.pool.failed.Add(1)
	}
	w.pool.completed.Add(1)
}

// safeCall runs fn, converting a panic into an error result.
func safeCall(fn TaskFunc) (res api.Result[any]) {
	defer func() {
		if rec := recover(); rec != nil {
			res = api.Fail[any](api.Errorf(api.ErrCodeInternal, "task panicked: %v", rec))
		}
	}()
	v, err := fn()
	return api.Result[any]{Value: v, Err: err}
}

// Handle refers to one submitted function.
type Handle struct {
	pool     *ThreadPool
	run      *run
	workerID int64
}

// State reports where the run currently is.
func (h *Handle) State() RunState {
	h.run.mu.Lock()
	defer h.run.mu.Unlock()
	return h.run.state
}

// Done is closed once the function has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.run.finished
}

// Join waits for the function to return and collects its result. A result is
// delivered exactly once; later joins fail with ErrAlreadyJoined. A result
// Destroy already reported is not delivered again and Join fails with
// ErrPoolShuttingDown. Joining on a detached pool always fails with
// ErrJoinOnDetachedPool.
func (h *Handle) Join(ctx context.Context) (any, error) {
	if !h.pool.attrs.Joinable {
		return nil, api.ErrJoinOnDetachedPool
	}
	r := h.run

	r.mu.Lock()
	if r.reaped {
		r.mu.Unlock()
		return nil, api.NewError(api.ErrCodePoolShuttingDown, "result was collected by Destroy")
	}
	if r.joined {
		r.mu.Unlock()
		return nil, api.ErrAlreadyJoined
	}
	r.joined = true
	r.mu.Unlock()

	select {
	case <-r.finished:
	case <-ctx.Done():
		r.mu.Lock()
		r.joined = false
		r.mu.Unlock()
		return nil, ctx.Err()
	}

	r.mu.Lock()
	r.state = StateFinishedJoined
	res := r.result
	r.mu.Unlock()

	close(r.complete)
	<-r.recycled

	r.mu.Lock()
	r.state = StateComplete
	r.mu.Unlock()
	return res.Unpack()
}
