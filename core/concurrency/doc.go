// Package concurrency provides the blocking primitives the event manager and the
// text RPC layer are built on: a FIFO Queue with blocking pop and optional
// backpressure, a single-writer/single-reader ByteQueue with an explicit
// end-of-stream protocol, and a ThreadPool with detached and joinable workers.
package concurrency
