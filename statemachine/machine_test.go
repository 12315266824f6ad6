package statemachine

import (
	"errors"
	"testing"

	"github.com/momentics/hioload-rpc/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trace struct {
	calls []string
}

func (tr *trace) hook(name string, next func(m *Machine) error) Hook {
	return func(m *Machine) error {
		tr.calls = append(tr.calls, name)
		if next != nil {
			return next(m)
		}
		return nil
	}
}

func goTo(state string) func(m *Machine) error {
	return func(m *Machine) error { return m.SetNextState(state) }
}

func TestRun_VisitsPathInOrder(t *testing.T) {
	tr := &trace{}
	d := NewDefinition()
	require.NoError(t, d.AddClass("io", tr.hook("io+", nil), tr.hook("io-", nil)))
	require.NoError(t, d.AddState("open", "io", tr.hook("open+", goTo("read")), tr.hook("open-", nil)))
	require.NoError(t, d.AddState("read", "io", tr.hook("read+", goTo("done")), tr.hook("read-", nil)))
	require.NoError(t, d.AddState("done", "", tr.hook("done+", nil), nil))

	m := NewMachine(d, "payload")
	require.NoError(t, m.Run("open"))
	assert.Equal(t, 3, m.Steps())
	assert.Equal(t, []string{
		"io+", "open+", "open-", "io-",
		"io+", "read+", "read-", "io-",
		"done+",
	}, tr.calls)
	assert.Equal(t, "", m.Current())
	assert.Equal(t, "payload", m.Data())
}

func TestRun_TerminatesInPathLength(t *testing.T) {
	d := NewDefinition()
	names := []string{"s0", "s1", "s2", "s3", "s4", "s5"}
	for i, n := range names {
		var entry Hook
		if i+1 < len(names) {
			entry = goTo(names[i+1])
		}
		require.NoError(t, d.AddState(n, "", entry, nil))
	}
	m := NewMachine(d, nil)
	require.NoError(t, m.Run("s2"))
	assert.Equal(t, 4, m.Steps())
}

func TestRun_NextStateIsClearedEachVisit(t *testing.T) {
	d := NewDefinition()
	visits := 0
	require.NoError(t, d.AddState("loop", "", func(m *Machine) error {
		visits++
		if visits < 3 {
			return m.SetNextState("loop")
		}
		return nil
	}, nil))
	m := NewMachine(d, nil)
	require.NoError(t, m.Run("loop"))
	assert.Equal(t, 3, visits)
	assert.Equal(t, 3, m.Steps())
}

func TestRun_ImmediateExitSkipsRemainingHooks(t *testing.T) {
	tr := &trace{}
	d := NewDefinition()
	require.NoError(t, d.AddClass("c", tr.hook("c+", nil), tr.hook("c-", nil)))
	require.NoError(t, d.AddState("a", "c", tr.hook("a+", func(m *Machine) error {
		if err := m.SetNextState("b"); err != nil {
			return err
		}
		m.SetImmediateExit()
		return nil
	}), tr.hook("a-", nil)))
	require.NoError(t, d.AddState("b", "c", tr.hook("b+", nil), nil))

	m := NewMachine(d, nil)
	require.NoError(t, m.Run("a"))
	assert.Equal(t, []string{"c+", "a+"}, tr.calls)
	assert.Equal(t, 1, m.Steps())
}

func TestRun_ImmediateExitFromClassEntry(t *testing.T) {
	tr := &trace{}
	d := NewDefinition()
	require.NoError(t, d.AddClass("c", tr.hook("c+", func(m *Machine) error {
		m.SetImmediateExit()
		return nil
	}), tr.hook("c-", nil)))
	require.NoError(t, d.AddState("a", "c", tr.hook("a+", nil), tr.hook("a-", nil)))

	require.NoError(t, NewMachine(d, nil).Run("a"))
	assert.Equal(t, []string{"c+"}, tr.calls)
}

func TestSetNextState_Nuance(t *testing.T) {
	var second error
	build := func(opts ...Option) *Definition {
		d := NewDefinition(opts...)
		require.NoError(t, d.AddState("a", "", func(m *Machine) error {
			if err := m.SetNextState("b"); err != nil {
				return err
			}
			second = m.SetNextState("c")
			return nil
		}, nil))
		require.NoError(t, d.AddState("b", "", nil, nil))
		require.NoError(t, d.AddState("c", "", nil, nil))
		return d
	}

	m := NewMachine(build(), nil)
	require.NoError(t, m.Run("a"))
	assert.NoError(t, second)
	assert.Equal(t, 2, m.Steps())

	nuanced := build(WithNuance())
	assert.True(t, nuanced.Nuance())
	m = NewMachine(nuanced, nil)
	require.NoError(t, m.Run("a"))
	assert.ErrorIs(t, second, api.ErrLogic)
	// the first choice stands
	assert.Equal(t, 2, m.Steps())
}

func TestSetNextState_UnknownState(t *testing.T) {
	d := NewDefinition()
	require.NoError(t, d.AddState("a", "", goTo("missing"), nil))
	err := NewMachine(d, nil).Run("a")
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	assert.Contains(t, err.Error(), `state "a" entry failed`)
}

func TestRun_HookErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	tr := &trace{}
	d := NewDefinition()
	require.NoError(t, d.AddState("a", "", tr.hook("a+", func(*Machine) error { return boom }), tr.hook("a-", nil)))
	err := NewMachine(d, nil).Run("a")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, api.ErrCodeInternal, api.CodeOf(err))
	assert.Equal(t, []string{"a+"}, tr.calls)
}

func TestRun_Reentry(t *testing.T) {
	d := NewDefinition()
	var nested error
	require.NoError(t, d.AddState("a", "", func(m *Machine) error {
		nested = m.Run("a")
		return nil
	}, nil))
	require.NoError(t, NewMachine(d, nil).Run("a"))
	assert.ErrorIs(t, nested, api.ErrLogic)
}

func TestDefinition_Validation(t *testing.T) {
	d := NewDefinition()
	assert.ErrorIs(t, d.AddClass("", nil, nil), api.ErrInvalidArgument)
	require.NoError(t, d.AddClass("c", nil, nil))
	assert.ErrorIs(t, d.AddClass("c", nil, nil), api.ErrInvalidArgument)
	assert.ErrorIs(t, d.AddState("s", "nope", nil, nil), api.ErrNotFound)
	require.NoError(t, d.AddState("s", "c", nil, nil))
	require.NoError(t, d.AddState("t", "", nil, nil))
	assert.ErrorIs(t, d.AddState("s", "", nil, nil), api.ErrInvalidArgument)
	assert.Equal(t, []string{"s", "t"}, d.States())

	cls, ok := d.ClassOf("s")
	assert.True(t, ok)
	assert.Equal(t, "c", cls)

	err := NewMachine(d, nil).Run("missing")
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}
