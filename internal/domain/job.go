package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// JobState describes the current state of a JobInstance.
type JobState int

const (
	JobStateUnknown   JobState = 0
	JobStateWaiting   JobState = 10 // Blocked on unresolved needs
	JobStateQueued    JobState = 20 // Ready to be claimed by the scheduler
	JobStateRunning   JobState = 30 // Currently executing
	JobStateSucceeded JobState = 40 // All steps completed successfully
	JobStateFailed    JobState = 50 // A step failed or the instance timed out
	JobStateCancelled JobState = 60 // Cancelled by fail-fast or run cancellation
	JobStateSkipped   JobState = 70 // A needed job failed or was skipped
)

func (s JobState) String() string {
	switch s {
	case JobStateWaiting:
		return "WAITING"
	case JobStateQueued:
		return "QUEUED"
	case JobStateRunning:
		return "RUNNING"
	case JobStateSucceeded:
		return "SUCCEEDED"
	case JobStateFailed:
		return "FAILED"
	case JobStateCancelled:
		return "CANCELLED"
	case JobStateSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the instance is in a terminal state.
func (s JobState) IsFinal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled, JobStateSkipped:
		return true
	}
	return false
}

// ValidJobStateTransition checks if a state transition is valid.
func ValidJobStateTransition(from, to JobState) bool {
	switch from {
	case JobStateWaiting:
		return to == JobStateQueued || to == JobStateSkipped || to == JobStateCancelled
	case JobStateQueued:
		return to == JobStateRunning || to == JobStateCancelled || to == JobStateSkipped
	case JobStateRunning:
		return to == JobStateSucceeded || to == JobStateFailed || to == JobStateCancelled
	case JobStateSucceeded, JobStateFailed, JobStateCancelled, JobStateSkipped:
		return false // Terminal states
	default:
		return to == JobStateWaiting || to == JobStateQueued // Allow setting initial state
	}
}

// JobInstance is one matrix-expanded execution of a job template. Each
// instance runs in its own isolated workspace with no state shared between
// siblings.
type JobInstance struct {
	ID              string
	RunID           string
	JobID           string            // Job identifier in the workflow file
	Combination     map[string]string // Matrix variable values, empty for non-matrix jobs
	Needs           []string
	State           JobState
	FailFast        bool // Whether a failure cancels queued siblings of the same job
	ContinueOnError bool // Whether a failure is ignored for the run result
	RunsOn          string
	TimeoutSeconds  int
	ClaimedBy       string // Scheduler process UID, set when claimed
	Workspace       string
	Steps           []StepResult
	Failure         *Failure
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	Version         int64
}

// NewJobInstance creates a new JobInstance with the given ID.
func NewJobInstance(runID, id, jobID string) *JobInstance {
	now := time.Now().UTC()
	return &JobInstance{
		ID:          id,
		RunID:       runID,
		JobID:       jobID,
		Combination: make(map[string]string),
		State:       JobStateQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
}

// InstanceName returns the display name of the instance, e.g. "test (3.9, linux)".
func (j *JobInstance) InstanceName() string {
	if len(j.Combination) == 0 {
		return j.JobID
	}
	keys := make([]string, 0, len(j.Combination))
	for k := range j.Combination {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, 0, len(keys))
	for _, k := range keys {
		values = append(values, j.Combination[k])
	}
	return j.JobID + " (" + strings.Join(values, ", ") + ")"
}

// SetState transitions the instance to a new state.
func (j *JobInstance) SetState(newState JobState) error {
	if !ValidJobStateTransition(j.State, newState) {
		return fmt.Errorf("%w: cannot transition job instance from %s to %s",
			ErrInvalidState, j.State, newState)
	}
	now := time.Now().UTC()
	j.State = newState
	j.UpdatedAt = now
	if newState == JobStateRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if newState.IsFinal() {
		j.FinishedAt = &now
	}
	// Note: Version is managed by the storage layer, not here
	return nil
}

// Claim claims this instance for a scheduler process and marks it running.
func (j *JobInstance) Claim(processUID string) error {
	if j.State != JobStateQueued {
		return fmt.Errorf("%w: instance in state %s cannot be claimed",
			ErrInvalidState, j.State)
	}
	if j.ClaimedBy != "" && j.ClaimedBy != processUID {
		return fmt.Errorf("%w: claimed by %s", ErrInstanceClaimed, j.ClaimedBy)
	}
	j.ClaimedBy = processUID
	return j.SetState(JobStateRunning)
}

// SetFailure marks the instance as failed with a message.
func (j *JobInstance) SetFailure(message string) error {
	j.Failure = NewFailure(message)
	return j.SetState(JobStateFailed)
}

// Deadline returns the absolute execution deadline, or zero when no timeout
// is configured.
func (j *JobInstance) Deadline() time.Time {
	if j.TimeoutSeconds <= 0 || j.StartedAt == nil {
		return time.Time{}
	}
	return j.StartedAt.Add(time.Duration(j.TimeoutSeconds) * time.Second)
}

// IsExpired returns true if the instance has passed its deadline.
func (j *JobInstance) IsExpired() bool {
	deadline := j.Deadline()
	if deadline.IsZero() {
		return false
	}
	return time.Now().UTC().After(deadline)
}

// IsStale returns true if the instance has been running without a state
// change for longer than threshold. A stale claim means the owning process
// died before finishing the instance.
func (j *JobInstance) IsStale(threshold time.Duration) bool {
	if j.State != JobStateRunning || threshold <= 0 {
		return false
	}
	return time.Now().UTC().Sub(j.UpdatedAt) > threshold
}
