// Package taskstate validates task lifecycle transitions and fans confirmed
// transitions out to listeners.
package taskstate

import (
	"fmt"
	"slices"
	"time"
)

// State is a task lifecycle state.
type State string

const (
	Created   State = "created"
	Assigned  State = "assigned"
	Running   State = "running"
	Review    State = "review"
	Rework    State = "rework"
	Done      State = "done"
	Cancelled State = "cancelled"
	Failed    State = "failed"
)

// ValidTransitions maps each state to the states it may move to. Done and
// cancelled are terminal.
var ValidTransitions = map[State][]State{
	Created:   {Assigned, Cancelled},
	Assigned:  {Running, Created, Cancelled},
	Running:   {Review, Assigned, Failed, Cancelled},
	Review:    {Done, Rework, Cancelled},
	Rework:    {Running, Review, Cancelled},
	Done:      {},
	Cancelled: {},
	Failed:    {Created, Assigned},
}

// InvalidTransitionError is returned for a transition not in the table.
type InvalidTransitionError struct {
	From    State
	To      State
	Allowed []State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("taskstate: invalid transition from %q to %q; valid transitions: %v", e.From, e.To, e.Allowed)
}

// Parse converts s to a State, rejecting unknown values.
func Parse(s string) (State, error) {
	st := State(s)
	if _, ok := ValidTransitions[st]; !ok {
		return "", fmt.Errorf("taskstate: unknown state %q", s)
	}
	return st, nil
}

// IsValidTransition reports whether from → to is allowed.
func IsValidTransition(from, to State) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// Allowed returns the states reachable from from.
func Allowed(from State) []State {
	return slices.Clone(ValidTransitions[from])
}

// Validate returns an *InvalidTransitionError when from → to is not allowed.
func Validate(from, to State) error {
	if IsValidTransition(from, to) {
		return nil
	}
	return &InvalidTransitionError{From: from, To: to, Allowed: Allowed(from)}
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s State) bool {
	return s == Done || s == Cancelled
}

// Transition is a confirmed state change of one task.
type Transition struct {
	TaskID string
	RunID  string
	From   State
	To     State
	Actor  string
	At     time.Time
}
