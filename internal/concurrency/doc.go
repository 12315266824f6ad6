// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Platform support for pooled worker threads: CPU affinity and scheduling
// priority of the OS thread a worker goroutine is locked to. Linux uses
// golang.org/x/sys/unix; other platforms report ErrNotSupported when an
// attribute is requested.
package concurrency
