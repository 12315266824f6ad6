// File: statemachine/machine.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package statemachine

import (
	"fmt"

	"github.com/momentics/hioload-rpc/api"
	"github.com/sirupsen/logrus"
)

// Machine runs a Definition over caller-owned data. Hooks run on the
// goroutine that called Run.
type Machine struct {
	def  *Definition
	data any

	running       bool
	current       *state
	next          *state
	nextSet       bool
	immediateExit bool
	steps         int
}

// NewMachine binds def to data.
func NewMachine(def *Definition, data any) *Machine {
	return &Machine{def: def, data: data}
}

// Data returns the value given to NewMachine.
func (m *Machine) Data() any {
	return m.data
}

// Current returns the state being visited, empty outside Run.
func (m *Machine) Current() string {
	if m.current == nil {
		return ""
	}
	return m.current.name
}

// Steps returns the number of state visits made by the last Run.
func (m *Machine) Steps() int {
	return m.steps
}

// SetNextState selects the state visited after the current one; an empty
// name ends the run after this visit.
func (m *Machine) SetNextState(name string) error {
	var next *state
	if name != "" {
		s, ok := m.def.states[name]
		if !ok {
			return api.NewError(api.ErrCodeInvalidArgument, "unknown state").WithContext("state", name)
		}
		next = s
	}
	if m.def.nuance && m.nextSet {
		return api.NewError(api.ErrCodeLogic, "next state already set for this visit").
			WithContext("state", m.Current()).
			WithContext("next", name)
	}
	m.next = next
	m.nextSet = true
	return nil
}

// SetImmediateExit makes Run return once the running hook returns.
func (m *Machine) SetImmediateExit() {
	m.immediateExit = true
}

// Run visits states starting at initial. Each visit runs class entry, state
// entry, state exit and class exit, then moves to the state chosen with
// SetNextState during the visit. Run ends when no next state was chosen, after
// SetImmediateExit, or with the first hook error.
func (m *Machine) Run(initial string) error {
	if m.running {
		return api.NewError(api.ErrCodeLogic, "state machine already running")
	}
	cur, ok := m.def.states[initial]
	if !ok {
		return api.NewError(api.ErrCodeInvalidArgument, "unknown initial state").WithContext("state", initial)
	}

	m.running = true
	m.immediateExit = false
	m.steps = 0
	defer func() {
		m.running = false
		m.current = nil
		m.next = nil
		m.nextSet = false
	}()

	log := m.def.logger.WithField("function", "Run")
	for cur != nil {
		m.current = cur
		m.next = nil
		m.nextSet = false
		m.steps++
		log.WithFields(logrus.Fields{
			"state": cur.name,
			"step":  m.steps,
		}).Debug("Entering state")

		if err := m.visit(cur); err != nil {
			return err
		}
		if m.immediateExit {
			log.WithField("state", cur.name).Debug("Immediate exit")
			return nil
		}
		cur = m.next
	}
	return nil
}

// visit runs the hooks of one state, stopping early on error or immediate exit.
func (m *Machine) visit(s *state) error {
	type step struct {
		hook  Hook
		phase string
	}
	var steps []step
	if s.class != nil {
		steps = append(steps, step{s.class.entry, "class entry"})
	}
	steps = append(steps, step{s.entry, "entry"}, step{s.exit, "exit"})
	if s.class != nil {
		steps = append(steps, step{s.class.exit, "class exit"})
	}

	for _, st := range steps {
		if st.hook == nil {
			continue
		}
		if err := st.hook(m); err != nil {
			return api.Wrap(api.CodeOf(err), err, fmt.Sprintf("state %q %s failed", s.name, st.phase))
		}
		if m.immediateExit {
			return nil
		}
	}
	return nil
}
