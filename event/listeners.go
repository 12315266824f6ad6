// File: event/listeners.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Listener table keyed by (source, type). The table lock covers structural
// changes; each key's list has its own lock for its entries.

package event

import (
	"reflect"
	"sync"

	"github.com/momentics/hioload-rpc/api"
	"github.com/sirupsen/logrus"
)

type key struct {
	source any
	typ    Type
}

type listenerList struct {
	mu   sync.Mutex
	regs []*Registration
}

// Registration is one listener entry for a key.
type Registration struct {
	m        *Manager
	k        key
	listener Listener
	data     any
	delivery Delivery
}

// Delivery reports where the listener runs.
func (r *Registration) Delivery() Delivery {
	return r.delivery
}

// Remove unregisters this entry. Removing twice is a no-op.
func (r *Registration) Remove() {
	r.m.removeWhere(r.k, func(x *Registration) bool { return x == r })
}

func (l *listenerList) snapshot() []*Registration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Registration(nil), l.regs...)
}

// isComparable reports whether v can be used as a map key or with ==.
func isComparable(v any) bool {
	if v == nil {
		return true
	}
	return reflect.TypeOf(v).Comparable()
}

func sameValue(a, b any) bool {
	if !isComparable(a) || !isComparable(b) {
		return false
	}
	return a == b
}

// AddListener registers listener for events posted with (source, typ).
// Listeners for one key are invoked in registration order.
func (m *Manager) AddListener(source any, typ Type, listener Listener, data any, delivery Delivery) (*Registration, error) {
	if err := m.checkRunning(); err != nil {
		return nil, err
	}
	if err := checkSource(source); err != nil {
		return nil, err
	}
	if listener == nil {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "nil listener")
	}
	if delivery != Inline && delivery != Threaded {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "unknown delivery %d", delivery)
	}

	k := key{source: source, typ: typ}
	reg := &Registration{m: m, k: k, listener: listener, data: data, delivery: delivery}

	m.tableMu.RLock()
	list, ok := m.table[k]
	if ok {
		list.mu.Lock()
		list.regs = append(list.regs, reg)
		list.mu.Unlock()
	}
	m.tableMu.RUnlock()

	if !ok {
		m.tableMu.Lock()
		list, ok = m.table[k]
		if !ok {
			list = &listenerList{}
			m.table[k] = list
		}
		list.mu.Lock()
		list.regs = append(list.regs, reg)
		list.mu.Unlock()
		m.tableMu.Unlock()
	}

	m.logger.WithFields(logrus.Fields{
		"function":   "AddListener",
		"event_type": typ,
		"delivery":   delivery.String(),
	}).Debug("Listener added")
	return reg, nil
}

// RemoveListener drops the first entry of (source, typ) whose listener and
// data equal the arguments. Listeners of non-comparable types, such as
// ListenerFunc, must be removed with Registration.Remove.
func (m *Manager) RemoveListener(source any, typ Type, listener Listener, data any) error {
	if err := checkSource(source); err != nil {
		return err
	}
	if listener == nil || !isComparable(listener) {
		return api.NewError(api.ErrCodeInvalidArgument, "listener is not comparable, remove it through its registration")
	}
	if !m.removeWhere(key{source: source, typ: typ}, func(r *Registration) bool {
		return r.listener == listener && sameValue(r.data, data)
	}) {
		return api.NewError(api.ErrCodeNotFound, "no matching listener").WithContext("event_type", typ)
	}
	return nil
}

// removeWhere deletes the first registration matching pred and drops the key
// once its list is empty.
func (m *Manager) removeWhere(k key, pred func(*Registration) bool) bool {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	list, ok := m.table[k]
	if !ok {
		return false
	}
	list.mu.Lock()
	defer list.mu.Unlock()
	for i, r := range list.regs {
		if pred(r) {
			list.regs = append(list.regs[:i:i], list.regs[i+1:]...)
			if len(list.regs) == 0 {
				delete(m.table, k)
			}
			return true
		}
	}
	return false
}

func (m *Manager) lookup(k key) *listenerList {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()
	return m.table[k]
}

func (m *Manager) countListeners() (keys, listeners int) {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()
	for _, l := range m.table {
		l.mu.Lock()
		listeners += len(l.regs)
		l.mu.Unlock()
	}
	return len(m.table), listeners
}

func checkSource(source any) error {
	if source == nil {
		return api.NewError(api.ErrCodeInvalidArgument, "nil event source")
	}
	if !isComparable(source) {
		return api.Errorf(api.ErrCodeInvalidArgument, "event source of type %T is not comparable", source)
	}
	return nil
}
