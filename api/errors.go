// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-rpc.

package api

import (
	"errors"
	"fmt"
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeOutOfMemory
	ErrCodeThreadingFailure
	ErrCodeQueueNotEmpty
	ErrCodeQueueTimedOut
	ErrCodeQueueFull
	ErrCodeClosed
	ErrCodePoolShuttingDown
	ErrCodeAlreadyJoined
	ErrCodeJoinOnDetachedPool
	ErrCodeProtocolViolation
	ErrCodeRemoteException
	ErrCodeConnectionClosed
	ErrCodeNoSuchOutstandingCall
	ErrCodeTimeout
	ErrCodeNotFound
	ErrCodeLogic
	ErrCodeInternal
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                    "ok",
	ErrCodeInvalidArgument:       "invalid argument",
	ErrCodeOutOfMemory:           "out of memory",
	ErrCodeThreadingFailure:      "threading failure",
	ErrCodeQueueNotEmpty:         "queue not empty",
	ErrCodeQueueTimedOut:         "queue timed out",
	ErrCodeQueueFull:             "queue full",
	ErrCodeClosed:                "closed",
	ErrCodePoolShuttingDown:      "pool shutting down",
	ErrCodeAlreadyJoined:         "already joined",
	ErrCodeJoinOnDetachedPool:    "join on detached pool",
	ErrCodeProtocolViolation:     "protocol violation",
	ErrCodeRemoteException:       "remote exception",
	ErrCodeConnectionClosed:      "connection closed",
	ErrCodeNoSuchOutstandingCall: "no such outstanding call",
	ErrCodeTimeout:               "timeout",
	ErrCodeNotFound:              "not found",
	ErrCodeLogic:                 "logic error",
	ErrCodeInternal:              "internal error",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error code %d", int(c))
}

// Sentinel errors, matched by code through errors.Is.
var (
	ErrInvalidArgument       = NewError(ErrCodeInvalidArgument, "invalid argument")
	ErrThreadingFailure      = NewError(ErrCodeThreadingFailure, "threading failure")
	ErrQueueNotEmpty         = NewError(ErrCodeQueueNotEmpty, "queue not empty")
	ErrQueueTimedOut         = NewError(ErrCodeQueueTimedOut, "queue wait timed out")
	ErrQueueFull             = NewError(ErrCodeQueueFull, "queue is full")
	ErrClosed                = NewError(ErrCodeClosed, "resource is closed")
	ErrPoolShuttingDown      = NewError(ErrCodePoolShuttingDown, "thread pool is shutting down")
	ErrAlreadyJoined         = NewError(ErrCodeAlreadyJoined, "thread already joined")
	ErrJoinOnDetachedPool    = NewError(ErrCodeJoinOnDetachedPool, "join on detached thread pool")
	ErrProtocolViolation     = NewError(ErrCodeProtocolViolation, "protocol violation")
	ErrRemoteException       = NewError(ErrCodeRemoteException, "remote exception")
	ErrConnectionClosed      = NewError(ErrCodeConnectionClosed, "connection closed")
	ErrNoSuchOutstandingCall = NewError(ErrCodeNoSuchOutstandingCall, "no such outstanding call")
	ErrOperationTimeout      = NewError(ErrCodeTimeout, "operation timeout")
	ErrNotFound              = NewError(ErrCodeNotFound, "resource not found")
	ErrLogic                 = NewError(ErrCodeLogic, "logic error")
)

// Error represents a structured error with code, context and an optional cause.
type Error struct {
	Code    ErrorCode
	SubCode int
	Message string
	Context map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if len(e.Context) != 0 {
		msg = fmt.Sprintf("%s (context: %+v)", msg, e.Context)
	}
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Errorf creates a structured error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a structured error that chains cause.
func Wrap(code ErrorCode, cause error, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithSubCode sets the numeric sub-code.
func (e *Error) WithSubCode(sub int) *Error {
	e.SubCode = sub
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or ErrCodeOK for nil
// and ErrCodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}
