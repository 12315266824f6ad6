// File: event/manager.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package event

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/control"
	"github.com/momentics/hioload-rpc/core/concurrency"
	"github.com/sirupsen/logrus"
)

type state int32

const (
	stateRunning state = iota
	stateStopping
	stateStopped
)

// Manager owns the event queue, the dispatcher and the listener table.
type Manager struct {
	cfg     *Config
	logger  logrus.FieldLogger
	metrics *control.MetricsRegistry

	queue   *concurrency.Queue[*Event]
	fanout  *concurrency.ThreadPool // detached, one run per event
	workers *concurrency.ThreadPool // joinable, threaded listeners

	tableMu sync.RWMutex
	table   map[key]*listenerList

	stateMu     sync.RWMutex
	state       state
	posting     sync.WaitGroup // posts past the state check
	outstanding sync.WaitGroup // accepted events not yet finished
	dispatched  chan struct{}
	drained     chan struct{} // closed once posting and outstanding reach zero

	teardownOnce sync.Once
	teardownErr  error

	posted    atomic.Int64
	rejected  atomic.Int64
	delivered atomic.Int64
	completed atomic.Int64
	panics    atomic.Int64
}

var _ api.GracefulShutdown = (*Manager)(nil)

// Startup creates a running manager with its dispatcher goroutine.
func Startup(opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:        DefaultConfig(),
		logger:     logrus.StandardLogger(),
		table:      make(map[key]*listenerList),
		dispatched: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.QueueCapacity < 0 {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "negative queue capacity %d", m.cfg.QueueCapacity)
	}
	if m.cfg.PoolSize < 0 {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "negative pool size %d", m.cfg.PoolSize)
	}
	m.logger = m.logger.WithField("component", "event")

	var err error
	m.fanout, err = concurrency.NewThreadPool(m.cfg.PoolSize, concurrency.Attributes{Name: "event-fanout"},
		concurrency.WithPoolLogger(m.logger))
	if err != nil {
		return nil, err
	}
	m.workers, err = concurrency.NewThreadPool(m.cfg.PoolSize, concurrency.Attributes{Name: "event-listeners", Joinable: true},
		concurrency.WithPoolLogger(m.logger))
	if err != nil {
		_ = m.fanout.Destroy(context.Background())
		return nil, err
	}
	m.queue = concurrency.NewBoundedQueue[*Event](m.cfg.QueueCapacity)

	go m.dispatch()

	m.logger.WithFields(logrus.Fields{
		"function":       "Startup",
		"queue_capacity": m.cfg.QueueCapacity,
		"ordered":        m.cfg.Ordered,
	}).Info("Event manager started")
	return m, nil
}

func (m *Manager) checkRunning() error {
	if m == nil {
		return api.NewError(api.ErrCodeLogic, "event manager not started")
	}
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.state != stateRunning {
		return api.NewError(api.ErrCodeLogic, "event manager is shut down")
	}
	return nil
}

// PostEvent enqueues an event for (source, typ). free, when set, runs exactly
// once after every listener returned. A blocking post waits for that point;
// if ctx ends first the post returns ctx's error and the event is still
// delivered.
func (m *Manager) PostEvent(ctx context.Context, source any, typ Type, data any, free func(*Event), blocking bool) error {
	if m == nil {
		return api.NewError(api.ErrCodeLogic, "event manager not started")
	}
	if err := checkSource(source); err != nil {
		return err
	}

	m.stateMu.RLock()
	if m.state != stateRunning {
		m.stateMu.RUnlock()
		return api.NewError(api.ErrCodeLogic, "event manager is shut down")
	}
	m.posting.Add(1)
	m.stateMu.RUnlock()
	defer m.posting.Done()

	ev := &Event{
		Source:   source,
		Type:     typ,
		Data:     data,
		FreeFunc: free,
		blocking: blocking,
	}
	if blocking {
		ev.done = make(chan struct{})
	}

	m.outstanding.Add(1)
	var err error
	if m.cfg.Backpressure == BackpressureReject {
		err = m.queue.TryPush(ev)
	} else {
		err = m.queue.PushContext(ctx, ev)
	}
	if err != nil {
		m.outstanding.Done()
		if api.CodeOf(err) == api.ErrCodeQueueFull {
			m.rejected.Add(1)
			m.count("event.rejected", 1)
			return api.Wrap(api.ErrCodeQueueFull, err, "event queue full").WithContext("event_type", typ)
		}
		return err
	}
	m.posted.Add(1)
	m.count("event.posted", 1)

	if !blocking {
		return nil
	}
	select {
	case <-ev.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post is a fire-and-forget PostEvent without a free function.
func (m *Manager) Post(ctx context.Context, source any, typ Type, data any) error {
	return m.PostEvent(ctx, source, typ, data, nil, false)
}

// PostAndWait posts and waits until every listener returned.
func (m *Manager) PostAndWait(ctx context.Context, source any, typ Type, data any) error {
	return m.PostEvent(ctx, source, typ, data, nil, true)
}

// dispatch pops events in FIFO order until the queue is closed.
func (m *Manager) dispatch() {
	defer close(m.dispatched)
	for {
		ev, err := m.queue.PopContext(context.Background())
		if err != nil {
			return
		}
		if m.cfg.Ordered {
			m.handle(ev)
			continue
		}
		if err := m.fanout.Submit(func() { m.handle(ev) }); err != nil {
			m.logger.WithFields(logrus.Fields{
				"function": "dispatch",
				"error":    err.Error(),
			}).Warn("Fan-out pool unavailable, delivering on dispatcher")
			m.handle(ev)
		}
	}
}

// handle fans one event out and finishes it.
func (m *Manager) handle(ev *Event) {
	defer m.finish(ev)

	list := m.lookup(key{source: ev.Source, typ: ev.Type})
	if list == nil {
		return
	}
	regs := list.snapshot()

	var handles []*concurrency.Handle
	for _, r := range regs {
		if r.delivery == Threaded {
			r := r
			h, err := m.workers.RunThread(func() (any, error) {
				m.invoke(r, ev)
				return nil, nil
			})
			if err == nil {
				handles = append(handles, h)
				continue
			}
			m.logger.WithFields(logrus.Fields{
				"function": "handle",
				"error":    err.Error(),
			}).Warn("Listener pool unavailable, delivering inline")
		}
		m.invoke(r, ev)
	}
	for _, h := range handles {
		if _, err := h.Join(context.Background()); err != nil {
			m.logger.WithFields(logrus.Fields{
				"function": "handle",
				"error":    err.Error(),
			}).Warn("Listener join failed")
		}
	}
}

func (m *Manager) invoke(r *Registration, ev *Event) {
	defer func() {
		if rec := recover(); rec != nil {
			m.panics.Add(1)
			m.logger.WithFields(logrus.Fields{
				"function":   "invoke",
				"event_type": ev.Type,
				"panic":      rec,
			}).Warn("Listener panicked")
		}
	}()
	m.delivered.Add(1)
	m.count("event.delivered", 1)
	r.listener.HandleEvent(ev, r.data)
}

func (m *Manager) finish(ev *Event) {
	if ev.FreeFunc != nil {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					m.logger.WithFields(logrus.Fields{
						"function":   "finish",
						"event_type": ev.Type,
						"panic":      rec,
					}).Warn("Free function panicked")
				}
			}()
			ev.FreeFunc(ev)
		}()
	}
	m.completed.Add(1)
	m.count("event.completed", 1)
	if ev.done != nil {
		close(ev.done)
	}
	m.outstanding.Done()
}

func (m *Manager) count(name string, delta int64) {
	if m.metrics != nil {
		m.metrics.Add(name, delta)
	}
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	keys, listeners := m.countListeners()
	return Stats{
		Queued:    m.queue.Len(),
		Keys:      keys,
		Listeners: listeners,
		Posted:    m.posted.Load(),
		Rejected:  m.rejected.Load(),
		Delivered: m.delivered.Load(),
		Completed: m.completed.Load(),
		Panics:    m.panics.Load(),
	}
}

// Shutdown refuses new posts, delivers every event already accepted, stops
// the dispatcher and destroys the pools. If ctx ends before the accepted
// events are delivered, Shutdown returns a timeout and may be called again to
// finish. Shutting down a stopped manager is a logic error.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return api.NewError(api.ErrCodeLogic, "event manager not started")
	}
	m.stateMu.Lock()
	switch m.state {
	case stateStopped:
		m.stateMu.Unlock()
		return api.NewError(api.ErrCodeLogic, "event manager already shut down")
	case stateRunning:
		m.state = stateStopping
		m.drained = make(chan struct{})
		go func(drained chan struct{}) {
			m.posting.Wait()
			m.outstanding.Wait()
			close(drained)
		}(m.drained)
	}
	drained := m.drained
	m.stateMu.Unlock()

	select {
	case <-drained:
	case <-ctx.Done():
		return api.Wrap(api.ErrCodeTimeout, ctx.Err(), "event manager shutdown interrupted").
			WithContext("queued", m.queue.Len())
	}

	m.teardownOnce.Do(func() { m.teardownErr = m.teardown(ctx) })
	return m.teardownErr
}

func (m *Manager) teardown(ctx context.Context) error {
	if rest := m.queue.Shutdown(); len(rest) != 0 {
		m.logger.WithField("function", "Shutdown").Warnf("%d events left undelivered", len(rest))
	}
	<-m.dispatched

	err := errors.Join(m.fanout.Destroy(ctx), m.workers.Destroy(ctx))

	m.stateMu.Lock()
	m.state = stateStopped
	m.stateMu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"function":  "Shutdown",
		"completed": m.completed.Load(),
	}).Info("Event manager stopped")
	return err
}
