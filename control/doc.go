// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime configuration, metrics and debug introspection for hioload-rpc
// components.
//
// Provides concurrent-safe state handling primitives including:
//   - Snapshot config reads, typed getters and reload hooks
//   - Counters and gauges published by the event manager and RPC server
//   - Debug probes and platform introspection
package control
