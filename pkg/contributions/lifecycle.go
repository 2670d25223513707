// Package contributions implements the contribution request pipeline: the
// submission lifecycle and its state machine, category-driven payload
// validation, the cross-site submission surface, and the export of approved
// payloads into the template registry.
package contributions

import "fmt"

// State is a contribution request's lifecycle state.
type State string

const (
	StateDraft       State = "Draft"
	StateSubmitted   State = "Submitted"
	StateUnderReview State = "Under Review"
	StateApproved    State = "Approved"
	StateRejected    State = "Rejected"
	StateIntegrated  State = "Integrated"
)

// Action names a lifecycle transition.
type Action string

const (
	ActionSubmit    Action = "submit"
	ActionReview    Action = "review"
	ActionApprove   Action = "approve"
	ActionReject    Action = "reject"
	ActionIntegrate Action = "integrate"
)

// TransitionRule defines one allowed lifecycle transition.
type TransitionRule struct {
	From   State
	Action Action
	To     State
}

// DefaultTransitions defines the allowed transitions. Everything else fails
// with a TransitionError.
var DefaultTransitions = []TransitionRule{
	{From: StateDraft, Action: ActionSubmit, To: StateSubmitted},
	{From: StateSubmitted, Action: ActionReview, To: StateUnderReview},
	{From: StateUnderReview, Action: ActionApprove, To: StateApproved},
	{From: StateUnderReview, Action: ActionReject, To: StateRejected},
	{From: StateApproved, Action: ActionIntegrate, To: StateIntegrated},
}

// Machine validates lifecycle transitions.
type Machine struct {
	transitions []TransitionRule
}

// NewMachine creates a machine with the default rules.
func NewMachine() *Machine {
	return &Machine{transitions: DefaultTransitions}
}

// Apply resolves the target state for an action from the given state.
// Returns a TransitionError with a machine-readable code if the action is
// not allowed.
func (m *Machine) Apply(from State, action Action) (State, error) {
	for _, t := range m.transitions {
		if t.From == from && t.Action == action {
			return t.To, nil
		}
	}
	return "", &TransitionError{
		Code:    "CONTRIB_ILLEGAL_TRANSITION",
		From:    from,
		Action:  action,
		Message: fmt.Sprintf("action %s is not allowed from state %s", action, from),
	}
}

// Allowed returns the actions available from a state.
func (m *Machine) Allowed(from State) []Action {
	var actions []Action
	for _, t := range m.transitions {
		if t.From == from {
			actions = append(actions, t.Action)
		}
	}
	return actions
}

// IsTerminal reports whether no action can leave the state. Rejected and
// Integrated are the terminal states.
func (m *Machine) IsTerminal(s State) bool {
	return len(m.Allowed(s)) == 0
}

// ValidPath reports whether a sequence of transition records is a valid walk
// of the automaton starting at Draft.
func (m *Machine) ValidPath(transitions []TransitionRecord) bool {
	current := StateDraft
	for i := range transitions {
		tr := &transitions[i]
		if State(tr.FromState) != current {
			return false
		}
		next, err := m.Apply(current, Action(tr.Action))
		if err != nil || next != State(tr.ToState) {
			return false
		}
		current = next
	}
	return true
}

// TransitionError is a structured error for disallowed transitions.
type TransitionError struct {
	Code    string `json:"code"`
	From    State  `json:"from"`
	Action  Action `json:"action"`
	Message string `json:"message"`
}

func (e *TransitionError) Error() string {
	return e.Message
}
