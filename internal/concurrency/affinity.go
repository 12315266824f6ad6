// File: internal/concurrency/affinity.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Cross-platform thread attribute management.

package concurrency

import (
	"errors"
	"runtime"
)

// ErrNotSupported is returned when the platform cannot apply a thread attribute.
var ErrNotSupported = errors.New("thread attributes not supported on this platform")

// ThreadAttributes describe how a worker's OS thread is configured.
type ThreadAttributes struct {
	// CPUs restricts the thread to these logical CPUs; empty leaves the mask alone.
	CPUs []int
	// Priority is a nice value (-20..19); 0 leaves the priority alone.
	Priority int
}

// NeedsOSThread reports whether applying attrs requires a locked OS thread.
func (a ThreadAttributes) NeedsOSThread() bool {
	return len(a.CPUs) > 0 || a.Priority != 0
}

// ApplyCurrentThread locks the calling goroutine to its OS thread and applies
// attrs. The goroutine stays locked, so the thread is discarded when it exits.
func ApplyCurrentThread(attrs ThreadAttributes) error {
	if !attrs.NeedsOSThread() {
		return nil
	}
	runtime.LockOSThread()
	if len(attrs.CPUs) > 0 {
		if err := platformSetAffinity(attrs.CPUs); err != nil {
			return err
		}
	}
	if attrs.Priority != 0 {
		if err := platformSetPriority(attrs.Priority); err != nil {
			return err
		}
	}
	return nil
}

// NumCPUs returns the number of logical CPUs.
func NumCPUs() int {
	return runtime.NumCPU()
}
