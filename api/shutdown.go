// File: api/shutdown.go
// Package api defines unified graceful shutdown contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "context"

// GracefulShutdown is implemented by components that own goroutines.
type GracefulShutdown interface {
	// Shutdown stops internal services and releases resources, waiting at most
	// until ctx is done.
	Shutdown(ctx context.Context) error
}
