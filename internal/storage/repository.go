package storage

import (
	"context"

	"github.com/example/matrixci/internal/domain"
)

// ListOptions provides filtering options for list operations.
type ListOptions struct {
	// IDs to filter by (empty = all)
	IDs []string

	// States to filter by (empty = all)
	RunStates []domain.RunState
	JobStates []domain.JobState

	// JobID filters job instances by their workflow job identifier.
	JobID string

	// Pagination
	Limit  int
	Offset int
}

// RunRepository provides access to WorkflowRun storage.
type RunRepository interface {
	// Create creates a new WorkflowRun.
	Create(ctx context.Context, run *domain.WorkflowRun) error

	// Get retrieves a WorkflowRun by ID.
	Get(ctx context.Context, id string) (*domain.WorkflowRun, error)

	// Update updates an existing WorkflowRun.
	Update(ctx context.Context, run *domain.WorkflowRun) error

	// List lists WorkflowRuns with optional filtering, newest first.
	List(ctx context.Context, opts ListOptions) ([]*domain.WorkflowRun, error)

	// Delete deletes a WorkflowRun and its instances.
	Delete(ctx context.Context, id string) error
}

// JobRepository provides access to JobInstance storage.
type JobRepository interface {
	// Create creates a new JobInstance.
	Create(ctx context.Context, inst *domain.JobInstance) error

	// Get retrieves a JobInstance by run ID and instance ID.
	Get(ctx context.Context, runID, instanceID string) (*domain.JobInstance, error)

	// Update updates an existing JobInstance.
	Update(ctx context.Context, inst *domain.JobInstance) error

	// ListByRun lists instances of a run with optional filtering.
	ListByRun(ctx context.Context, runID string, opts ListOptions) ([]*domain.JobInstance, error)

	// ListByStates lists instances across runs in any of the given states,
	// oldest first, up to limit.
	ListByStates(ctx context.Context, states []domain.JobState, limit int) ([]*domain.JobInstance, error)

	// CountByState counts a run's instances grouped by state.
	CountByState(ctx context.Context, runID string) (map[domain.JobState]int, error)

	// AddStepResult appends a step result to an instance.
	AddStepResult(ctx context.Context, result *domain.StepResult) error

	// ListStepResults lists an instance's step results ordered by position.
	ListStepResults(ctx context.Context, runID, instanceID string) ([]domain.StepResult, error)
}

// UnitOfWork provides transactional access to all repositories.
type UnitOfWork interface {
	// Repository accessors
	Runs() RunRepository
	Jobs() JobRepository

	// Transaction control
	Commit() error
	Rollback() error
}

// Storage provides the main entry point for storage operations.
type Storage interface {
	// Begin starts a new transaction and returns a UnitOfWork.
	Begin(ctx context.Context) (UnitOfWork, error)

	// Close closes the storage connection.
	Close() error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error
}
