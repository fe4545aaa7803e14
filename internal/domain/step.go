package domain

import (
	"fmt"
	"time"
)

// StepState describes the state of a single step execution.
type StepState int

const (
	StepStateUnknown   StepState = 0
	StepStatePending   StepState = 10
	StepStateRunning   StepState = 20
	StepStateSucceeded StepState = 30
	StepStateFailed    StepState = 40
	StepStateSkipped   StepState = 50 // Not executed because an earlier step failed
)

func (s StepState) String() string {
	switch s {
	case StepStatePending:
		return "PENDING"
	case StepStateRunning:
		return "RUNNING"
	case StepStateSucceeded:
		return "SUCCEEDED"
	case StepStateFailed:
		return "FAILED"
	case StepStateSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the step is in a terminal state.
func (s StepState) IsFinal() bool {
	return s == StepStateSucceeded || s == StepStateFailed || s == StepStateSkipped
}

// ValidStepStateTransition checks if a state transition is valid.
func ValidStepStateTransition(from, to StepState) bool {
	switch from {
	case StepStatePending:
		return to == StepStateRunning || to == StepStateSkipped
	case StepStateRunning:
		return to == StepStateSucceeded || to == StepStateFailed
	case StepStateSucceeded, StepStateFailed, StepStateSkipped:
		return false // Terminal states
	default:
		return to == StepStatePending // Allow setting initial state
	}
}

// StepResult records the outcome of one step within a job instance.
type StepResult struct {
	ID              int64
	RunID           string
	JobInstanceID   string
	Idx             int // 1-based position in the step list
	Name            string
	Uses            string // Action reference, empty for run steps
	Command         string // Inline command, empty for action steps
	State           StepState
	Output          string
	ExitCode        int
	ContinueOnError bool
	StartedAt       *time.Time
	FinishedAt      *time.Time
	Failure         *Failure
	CreatedAt       time.Time
}

// NewStepResult creates a pending StepResult for the given step position.
func NewStepResult(runID, jobInstanceID string, idx int, name string) *StepResult {
	return &StepResult{
		RunID:         runID,
		JobInstanceID: jobInstanceID,
		Idx:           idx,
		Name:          name,
		State:         StepStatePending,
		CreatedAt:     time.Now().UTC(),
	}
}

// SetState transitions the step to a new state.
func (r *StepResult) SetState(newState StepState) error {
	if !ValidStepStateTransition(r.State, newState) {
		return fmt.Errorf("%w: cannot transition step from %s to %s",
			ErrInvalidState, r.State, newState)
	}
	now := time.Now().UTC()
	r.State = newState
	if newState == StepStateRunning {
		r.StartedAt = &now
	}
	if newState.IsFinal() {
		r.FinishedAt = &now
	}
	return nil
}

// MarkFailed marks the step as failed with an exit code and message.
func (r *StepResult) MarkFailed(exitCode int, message string) error {
	r.ExitCode = exitCode
	r.Failure = NewFailure(message)
	return r.SetState(StepStateFailed)
}
