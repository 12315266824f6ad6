// File: statemachine/definition.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package statemachine

import (
	"sort"

	"github.com/momentics/hioload-rpc/api"
	"github.com/sirupsen/logrus"
)

// Hook runs on state or class entry and exit. A non-nil error aborts Run.
type Hook func(m *Machine) error

type class struct {
	name        string
	entry, exit Hook
}

type state struct {
	name        string
	class       *class
	entry, exit Hook
}

// Definition is the static part of a state machine. Build it before running
// machines on it; it is not safe to modify concurrently with Run.
type Definition struct {
	nuance  bool
	logger  logrus.FieldLogger
	classes map[string]*class
	states  map[string]*state
}

// Option customizes a Definition.
type Option func(*Definition)

// WithNuance makes a second SetNextState within one state visit an error
// instead of overwriting the first.
func WithNuance() Option {
	return func(d *Definition) {
		d.nuance = true
	}
}

// WithLogger replaces the definition logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Definition) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDefinition creates an empty definition.
func NewDefinition(opts ...Option) *Definition {
	d := &Definition{
		logger:  logrus.StandardLogger(),
		classes: make(map[string]*class),
		states:  make(map[string]*state),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddClass registers a state class. Hooks may be nil.
func (d *Definition) AddClass(name string, entry, exit Hook) error {
	if name == "" {
		return api.NewError(api.ErrCodeInvalidArgument, "empty class name")
	}
	if _, dup := d.classes[name]; dup {
		return api.NewError(api.ErrCodeInvalidArgument, "duplicate class").WithContext("class", name)
	}
	d.classes[name] = &class{name: name, entry: entry, exit: exit}
	return nil
}

// AddState registers a state in className, or in no class when className is
// empty. Hooks may be nil.
func (d *Definition) AddState(name, className string, entry, exit Hook) error {
	if name == "" {
		return api.NewError(api.ErrCodeInvalidArgument, "empty state name")
	}
	if _, dup := d.states[name]; dup {
		return api.NewError(api.ErrCodeInvalidArgument, "duplicate state").WithContext("state", name)
	}
	s := &state{name: name, entry: entry, exit: exit}
	if className != "" {
		c, ok := d.classes[className]
		if !ok {
			return api.NewError(api.ErrCodeNotFound, "unknown class").WithContext("class", className)
		}
		s.class = c
	}
	d.states[name] = s
	return nil
}

// Nuance reports whether WithNuance was set.
func (d *Definition) Nuance() bool {
	return d.nuance
}

// States returns the state names in lexical order.
func (d *Definition) States() []string {
	names := make([]string, 0, len(d.states))
	for n := range d.states {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ClassOf returns the class of a state, empty if it has none.
func (d *Definition) ClassOf(stateName string) (string, bool) {
	s, ok := d.states[stateName]
	if !ok {
		return "", false
	}
	if s.class == nil {
		return "", true
	}
	return s.class.name, true
}
