// Package session
// Author: momentics <momentics@gmail.com>
//
// Sharded registry of live connections. Each entry is keyed by a random UUID
// assigned on insertion, so identifiers stay unique across restarts and are
// safe to log.
package session
