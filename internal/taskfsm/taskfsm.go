// Package taskfsm implements ASAP's C11 component: the task status
// lifecycle and validated transitions between statuses (spec.md §4.11).
//
// The transition table is a pure, side-effect-free lookup, grounded on the
// teacher's internal/service/syncservice upsert pattern in
// task_list_service.go: that code accepts a mutation only when the
// incoming updated_at_ms is strictly newer than what's stored, rejecting
// (rather than panicking on) anything else. taskfsm.Transition generalizes
// that same "is this move allowed" gate from a timestamp comparison to a
// status-reachability table.
package taskfsm

import "github.com/asap-run/asap/internal/asaperr"

// Status is a task's position in its lifecycle (spec.md "Task &
// StateSnapshot").
type Status string

const (
	StatusSubmitted     Status = "submitted"
	StatusWorking       Status = "working"
	StatusInputRequired Status = "input_required"
	StatusPaused        Status = "paused"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
	StatusRejected      Status = "rejected"
)

// transitions is the allowed-targets table from spec.md §4.11. Terminal
// statuses map to an empty (non-nil) slice: reachable but with no further
// moves, distinct from an unknown status which has no entry at all.
var transitions = map[Status][]Status{
	StatusSubmitted:     {StatusWorking, StatusRejected},
	StatusWorking:       {StatusCompleted, StatusFailed, StatusCancelled, StatusInputRequired, StatusPaused},
	StatusInputRequired: {StatusWorking, StatusCancelled},
	StatusPaused:        {StatusWorking, StatusCancelled},
	StatusCompleted:     {},
	StatusFailed:        {},
	StatusCancelled:     {},
	StatusRejected:      {},
}

// IsTerminal reports whether a status accepts no further transitions.
func (s Status) IsTerminal() bool {
	targets, ok := transitions[s]
	return ok && len(targets) == 0
}

// Valid reports whether s is one of the known lifecycle statuses.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Transition validates the move from -> to against the lifecycle table. An
// unknown "from" status (e.g. corrupt persisted state) returns
// ErrNoValidTargets rather than panicking, so a single bad record can't
// crash dispatch (spec.md §4.11). A disallowed move, including any move out
// of a terminal status, returns an invalid_transition asaperr.
func Transition(from, to Status) (Status, error) {
	targets, ok := transitions[from]
	if !ok {
		return "", ErrNoValidTargets(from)
	}
	for _, t := range targets {
		if t == to {
			return to, nil
		}
	}
	return "", asaperr.New(asaperr.CategoryExecution, asaperr.CodeInvalidTransition,
		"no transition from "+string(from)+" to "+string(to)).WithData(map[string]any{
		"from": string(from),
		"to":   string(to),
	})
}

// ErrNoValidTargets builds the error returned when from is not a
// recognized lifecycle status at all (as opposed to a recognized status
// with no path to the requested target).
func ErrNoValidTargets(from Status) error {
	return asaperr.New(asaperr.CategoryExecution, asaperr.CodeInvalidTransition,
		"unknown source status: "+string(from)).WithData(map[string]any{
		"from": string(from),
	})
}

// AllowedTargets returns the statuses reachable from from, or nil if from
// is not a recognized status. The returned slice is owned by the caller.
func AllowedTargets(from Status) []Status {
	targets, ok := transitions[from]
	if !ok {
		return nil
	}
	out := make([]Status, len(targets))
	copy(out, targets)
	return out
}
