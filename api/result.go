// Package api
// Author: momentics@gmail.com
//
// Generic result, error propagation and cancellation.

package api

// Result wraps any payload or error.
type Result[T any] struct {
	Value T
	Err   error
}

// Ok builds a successful Result.
func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Fail builds a failed Result.
func Fail[T any](err error) Result[T] {
	return Result[T]{Err: err}
}

// Unpack returns the value and error pair.
func (r Result[T]) Unpack() (T, error) {
	return r.Value, r.Err
}
