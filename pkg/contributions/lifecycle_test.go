package contributions

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestMachineHappyPath(t *testing.T) {
	m := NewMachine()

	state := StateDraft
	for _, step := range []struct {
		action Action
		want   State
	}{
		{ActionSubmit, StateSubmitted},
		{ActionReview, StateUnderReview},
		{ActionApprove, StateApproved},
		{ActionIntegrate, StateIntegrated},
	} {
		next, err := m.Apply(state, step.action)
		require.NoError(t, err)
		assert.Equal(t, step.want, next)
		state = next
	}
	assert.True(t, m.IsTerminal(state))
}

func TestMachineRejectFromReview(t *testing.T) {
	m := NewMachine()

	next, err := m.Apply(StateUnderReview, ActionReject)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, next)
	assert.True(t, m.IsTerminal(StateRejected))
}

func TestMachineIllegalTransitions(t *testing.T) {
	m := NewMachine()

	tests := []struct {
		from   State
		action Action
	}{
		{StateDraft, ActionApprove},
		{StateDraft, ActionReject},
		{StateSubmitted, ActionApprove},
		{StateRejected, ActionSubmit},
		{StateIntegrated, ActionReject},
		{StateApproved, ActionReject},
	}
	for _, tc := range tests {
		_, err := m.Apply(tc.from, tc.action)
		var te *TransitionError
		require.ErrorAs(t, err, &te, "from %s action %s", tc.from, tc.action)
		assert.Equal(t, "CONTRIB_ILLEGAL_TRANSITION", te.Code)
	}
}

func TestMachineNoEscapeFromTerminalStates(t *testing.T) {
	m := NewMachine()

	actions := []Action{ActionSubmit, ActionReview, ActionApprove, ActionReject, ActionIntegrate}
	for _, terminal := range []State{StateRejected, StateIntegrated} {
		for _, a := range actions {
			_, err := m.Apply(terminal, a)
			var te *TransitionError
			assert.True(t, errors.As(err, &te), "state %s must not accept %s", terminal, a)
		}
	}
}

// Random action sequences either follow the automaton or stop at the first
// illegal action; the machine itself never reaches a state outside the rule
// table.
func TestMachineClosedUnderRandomActions(t *testing.T) {
	known := map[State]bool{
		StateDraft: true, StateSubmitted: true, StateUnderReview: true,
		StateApproved: true, StateRejected: true, StateIntegrated: true,
	}
	actions := []Action{ActionSubmit, ActionReview, ActionApprove, ActionReject, ActionIntegrate}

	rapid.Check(t, func(t *rapid.T) {
		m := NewMachine()
		state := StateDraft
		steps := rapid.SliceOfN(rapid.SampledFrom(actions), 0, 12).Draw(t, "steps")
		for _, a := range steps {
			next, err := m.Apply(state, a)
			if err != nil {
				continue
			}
			if !known[next] {
				t.Fatalf("reached unknown state %q", next)
			}
			state = next
		}
	})
}
