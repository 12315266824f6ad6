// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Thread-safe configuration store with dynamic update and reload propagation.

package control

import (
	"fmt"
	"sync"
	"time"

	"github.com/momentics/hioload-rpc/api"
)

// ConfigStore is a dynamic key/value map with snapshot reads and reload hooks.
type ConfigStore struct {
	mu        sync.RWMutex
	config    map[string]any
	listeners []func(map[string]any)
}

// NewConfigStore initializes a new config store with empty data.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{
		config: make(map[string]any),
	}
}

// GetSnapshot returns a copy of all config values.
func (cs *ConfigStore) GetSnapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.snapshotLocked()
}

func (cs *ConfigStore) snapshotLocked() map[string]any {
	out := make(map[string]any, len(cs.config))
	for k, v := range cs.config {
		out[k] = v
	}
	return out
}

// Get returns a single value.
func (cs *ConfigStore) Get(key string) (any, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	v, ok := cs.config[key]
	return v, ok
}

// Duration reads key as a time.Duration. Durations, integer nanoseconds and
// strings accepted by time.ParseDuration are understood; a missing key yields def.
func (cs *ConfigStore) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := cs.Get(key)
	if !ok {
		return def, nil
	}
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case int:
		return time.Duration(d), nil
	case int64:
		return time.Duration(d), nil
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return def, api.Wrap(api.ErrCodeInvalidArgument, err, "bad duration").WithContext("key", key)
		}
		return parsed, nil
	default:
		return def, api.NewError(api.ErrCodeInvalidArgument, fmt.Sprintf("config %q is %T, not a duration", key, v))
	}
}

// SetConfig merges new values and runs reload hooks with the resulting snapshot.
// Hooks run on the caller's goroutine, after the store lock is released.
func (cs *ConfigStore) SetConfig(newCfg map[string]any) {
	cs.mu.Lock()
	for k, v := range newCfg {
		cs.config[k] = v
	}
	snap := cs.snapshotLocked()
	hooks := append([]func(map[string]any){}, cs.listeners...)
	cs.mu.Unlock()

	for _, fn := range hooks {
		fn(snap)
	}
}

// OnReload registers a hook called on config changes.
func (cs *ConfigStore) OnReload(fn func(map[string]any)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
