package domain

import (
	"fmt"
	"time"
)

// RunState describes the current state of a WorkflowRun.
type RunState int

const (
	RunStateUnknown   RunState = 0
	RunStatePending   RunState = 10 // Run created, instances not yet scheduled
	RunStateRunning   RunState = 20 // At least one instance dispatched
	RunStateSucceeded RunState = 30 // All instances succeeded (or were allowed to fail)
	RunStateFailed    RunState = 40 // At least one required instance failed
	RunStateCancelled RunState = 50 // Cancelled before completion
)

func (s RunState) String() string {
	switch s {
	case RunStatePending:
		return "PENDING"
	case RunStateRunning:
		return "RUNNING"
	case RunStateSucceeded:
		return "SUCCEEDED"
	case RunStateFailed:
		return "FAILED"
	case RunStateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the run is in a terminal state.
func (s RunState) IsFinal() bool {
	return s == RunStateSucceeded || s == RunStateFailed || s == RunStateCancelled
}

// ValidRunStateTransition checks if a state transition is valid.
// Valid transitions: PENDING -> RUNNING -> (SUCCEEDED|FAILED|CANCELLED),
// plus direct PENDING -> CANCELLED.
func ValidRunStateTransition(from, to RunState) bool {
	switch from {
	case RunStatePending:
		return to == RunStateRunning || to == RunStateCancelled
	case RunStateRunning:
		return to.IsFinal()
	case RunStateSucceeded, RunStateFailed, RunStateCancelled:
		return false // Terminal states
	default:
		return to == RunStatePending // Allow setting initial state
	}
}

// WorkflowRun is one evaluation of a workflow for a triggering event.
type WorkflowRun struct {
	ID           string
	WorkflowName string
	EventType    string
	Branch       string
	SHA          string
	Repo         string
	State        RunState
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	Version      int64
}

// NewWorkflowRun creates a new WorkflowRun with the given ID.
func NewWorkflowRun(id, workflowName string) *WorkflowRun {
	now := time.Now().UTC()
	return &WorkflowRun{
		ID:           id,
		WorkflowName: workflowName,
		State:        RunStatePending,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
}

// SetState transitions the run to a new state.
func (r *WorkflowRun) SetState(newState RunState) error {
	if !ValidRunStateTransition(r.State, newState) {
		return fmt.Errorf("%w: cannot transition run from %s to %s",
			ErrInvalidState, r.State, newState)
	}
	now := time.Now().UTC()
	r.State = newState
	r.UpdatedAt = now
	if newState == RunStateRunning && r.StartedAt == nil {
		r.StartedAt = &now
	}
	if newState.IsFinal() {
		r.FinishedAt = &now
	}
	// Note: Version is managed by the storage layer, not here
	return nil
}

// Failure contains information about a failure.
type Failure struct {
	Message    string
	OccurredAt time.Time
}

// NewFailure creates a Failure stamped with the current time.
func NewFailure(message string) *Failure {
	return &Failure{Message: message, OccurredAt: time.Now().UTC()}
}
