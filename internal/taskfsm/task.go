package taskfsm

import "time"

// Task is a unit of work tracked through the lifecycle in transitions
// (spec.md "Task & StateSnapshot"). Values are immutable: Apply returns a
// new Task rather than mutating the receiver, mirroring the envelope
// package's "any transformation produces a new value" rule.
type Task struct {
	ID             string
	ConversationID string
	ParentTaskID   string
	Status         Status
	Progress       float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Apply validates and performs the status transition, returning a new Task
// value with Status and UpdatedAt changed; t is left untouched. now is
// supplied by the caller (via an ids.Clock) rather than read internally, so
// Task stays free of any time-source dependency.
func (t Task) Apply(to Status, now time.Time) (Task, error) {
	next, err := Transition(t.Status, to)
	if err != nil {
		return Task{}, err
	}
	out := t
	out.Status = next
	out.UpdatedAt = now
	return out, nil
}

// WithProgress returns a copy of t with Progress updated, for in-flight
// progress reporting that doesn't change status (envelope payload
// task.update carries progress independently of status transitions).
func (t Task) WithProgress(progress float64, now time.Time) Task {
	out := t
	out.Progress = progress
	out.UpdatedAt = now
	return out
}
