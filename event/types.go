// File: event/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package event

// Type identifies an event kind. The upper 16 bits are a namespace by
// convention; the manager treats the value as opaque.
type Type int32

// Namespaced builds a Type inside namespace ns.
func Namespaced(ns uint16, code uint16) Type {
	return Type(int32(ns)<<16 | int32(code))
}

// Namespace returns the namespace part of t.
func (t Type) Namespace() uint16 {
	return uint16(uint32(t) >> 16)
}

// Code returns the code part of t.
func (t Type) Code() uint16 {
	return uint16(uint32(t) & 0xffff)
}

// Event is one posted notification. Source is an identity key and is never
// dereferenced by the manager.
type Event struct {
	Source   any
	Type     Type
	Data     any
	FreeFunc func(*Event)

	blocking bool
	done     chan struct{}
}

// Blocking reports whether the poster waits for the fan-out to finish.
func (e *Event) Blocking() bool {
	return e.blocking
}

// Listener receives events for the keys it was registered on, together with
// the data given at registration.
type Listener interface {
	HandleEvent(ev *Event, data any)
}

// ListenerFunc adapts a function to Listener. Function values cannot be
// compared, so listeners of this type are removed through their Registration.
type ListenerFunc func(ev *Event, data any)

// HandleEvent calls f.
func (f ListenerFunc) HandleEvent(ev *Event, data any) {
	f(ev, data)
}

// Delivery selects where a listener runs.
type Delivery int

const (
	// Inline listeners run on the fan-out worker, one after another.
	Inline Delivery = iota
	// Threaded listeners run on their own pool worker and are joined before the event finishes.
	Threaded
)

func (d Delivery) String() string {
	switch d {
	case Inline:
		return "inline"
	case Threaded:
		return "threaded"
	default:
		return "unknown"
	}
}

// Backpressure decides what a post does when the queue is at capacity.
type Backpressure int

const (
	// BackpressureBlock makes the poster wait for room until its context ends.
	BackpressureBlock Backpressure = iota
	// BackpressureReject fails the post with api.ErrQueueFull.
	BackpressureReject
)

// Stats is a snapshot of manager counters.
type Stats struct {
	Queued    int   // events waiting for the dispatcher
	Keys      int   // (source, type) keys with a listener list
	Listeners int   // registered listeners over all keys
	Posted    int64 // events accepted into the queue
	Rejected  int64 // posts refused for a full queue
	Delivered int64 // listener invocations
	Completed int64 // events whose fan-out finished
	Panics    int64 // recovered listener panics
}
