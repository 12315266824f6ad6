// Package event
// Author: momentics <momentics@gmail.com>
//
// Event manager: a bounded FIFO of posted events drained by one dispatcher
// goroutine and fanned out to listeners registered per (source, type) key.
//
// A Manager is created by Startup and passed explicitly to every caller; there
// is no process-wide instance. Listeners run either inline on the fan-out
// worker or on a joinable thread pool, and every listener of one event has
// returned before the event's FreeFunc runs and before a blocking poster is
// released.
package event
