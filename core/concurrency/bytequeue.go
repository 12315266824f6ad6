// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ByteQueue is a fixed-capacity byte ring for one writer and one reader with an
// explicit start -> data -> end -> (reported) -> start stream protocol.

package concurrency

import (
	"sync"

	"github.com/momentics/hioload-rpc/api"
)

// ByteQueue buffers a stream of bytes between a single writer and a single reader.
// Writes never block and drop what does not fit; reads block.
type ByteQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf  []byte
	head int // next read position
	tail int // next write position
	full bool

	streaming   bool // between start and end of stream
	eos         bool // end of stream written
	eosReported bool // a reader observed the end of the last stream
	closed      bool
}

// NewByteQueue allocates a ByteQueue holding at most capacity bytes.
func NewByteQueue(capacity int) (*ByteQueue, error) {
	if capacity <= 0 {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "byte queue capacity must be positive, got %d", capacity)
	}
	q := &ByteQueue{
		buf:         make([]byte, capacity),
		eosReported: true,
	}
	q.cond = sync.NewCond(&q.mu)
	return q, nil
}

// Cap returns the ring capacity.
func (q *ByteQueue) Cap() int {
	return len(q.buf)
}

// Buffered returns the number of unread bytes.
func (q *ByteQueue) Buffered() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.usedLocked()
}

func (q *ByteQueue) usedLocked() int {
	switch {
	case q.full:
		return len(q.buf)
	case q.tail >= q.head:
		return q.tail - q.head
	default:
		return len(q.buf) - q.head + q.tail
	}
}

func (q *ByteQueue) emptyLocked() bool {
	return q.head == q.tail && !q.full
}

// WriteStartOfStream opens a new stream. It blocks until the end of the
// previous stream has been observed by a reader.
func (q *ByteQueue) WriteStartOfStream() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.streaming {
		return api.NewError(api.ErrCodeLogic, "start of stream while a stream is open")
	}
	for !q.eosReported && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return api.ErrClosed
	}
	q.head, q.tail, q.full = 0, 0, false
	q.streaming = true
	q.eos = false
	q.eosReported = false
	return nil
}

// WriteData copies as much of p as fits. It returns false if any byte was dropped.
func (q *ByteQueue) WriteData(p []byte) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, api.ErrClosed
	}
	if !q.streaming {
		return false, api.NewError(api.ErrCodeLogic, "write data outside of a stream")
	}
	if len(p) == 0 {
		return true, nil
	}

	room := len(q.buf) - q.usedLocked()
	n := len(p)
	if n > room {
		n = room
	}
	for written := 0; written < n; {
		end := len(q.buf)
		if q.head > q.tail {
			end = q.head
		}
		c := copy(q.buf[q.tail:end], p[written:n])
		written += c
		q.tail = (q.tail + c) % len(q.buf)
	}
	if n > 0 && q.tail == q.head {
		q.full = true
	}
	if n > 0 {
		q.cond.Broadcast()
	}
	return n == len(p), nil
}

// WriteEndOfStream closes the current stream and wakes the reader.
func (q *ByteQueue) WriteEndOfStream() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return api.ErrClosed
	}
	if !q.streaming {
		return api.NewError(api.ErrCodeLogic, "end of stream without an open stream")
	}
	q.streaming = false
	q.eos = true
	q.cond.Broadcast()
	return nil
}

// ReadData blocks until len(p) bytes were copied or the stream ended. A short
// read reports the end of the stream; it happens exactly once per stream and
// later reads wait for the next one.
func (q *ByteQueue) ReadData(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for n < len(p) {
		for q.emptyLocked() && !q.pendingEOSLocked() && !q.closed {
			q.cond.Wait()
		}
		if q.closed && q.emptyLocked() {
			return n, api.ErrClosed
		}
		if q.emptyLocked() {
			// drained and the end is pending
			q.eosReported = true
			q.cond.Broadcast()
			return n, nil
		}

		end := q.tail
		if q.head >= q.tail {
			end = len(q.buf)
		}
		c := copy(p[n:], q.buf[q.head:end])
		n += c
		q.head = (q.head + c) % len(q.buf)
		q.full = false
	}
	return n, nil
}

func (q *ByteQueue) pendingEOSLocked() bool {
	return q.eos && !q.eosReported
}

// Close wakes every blocked caller with ErrClosed.
func (q *ByteQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
