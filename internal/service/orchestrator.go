// Package service implements the engine's behavior: event intake and run
// creation, job scheduling and execution, and run lifecycle management.
package service

import (
	"context"
	"fmt"
	"log"

	"github.com/example/matrixci/internal/domain"
	"github.com/example/matrixci/internal/observability"
	"github.com/example/matrixci/internal/storage"
	"github.com/example/matrixci/internal/workflow"
	"github.com/example/matrixci/pkg/id"
)

// Canceller is notified when a running instance should be stopped. The
// scheduler implements this to cancel in-flight executions.
type Canceller interface {
	CancelInstance(runID, instanceID string)
}

// OrchestratorService turns incoming repository events into workflow runs and
// their matrix-expanded job instances, and answers queries about them.
type OrchestratorService struct {
	storage   storage.Storage
	registry  *WorkflowRegistry
	metrics   *observability.Metrics
	canceller Canceller
}

// NewOrchestratorService creates a new OrchestratorService.
func NewOrchestratorService(st storage.Storage, registry *WorkflowRegistry, metrics *observability.Metrics) *OrchestratorService {
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &OrchestratorService{
		storage:  st,
		registry: registry,
		metrics:  metrics,
	}
}

// SetCanceller wires the scheduler in after construction.
func (s *OrchestratorService) SetCanceller(c Canceller) {
	s.canceller = c
}

// Registry returns the workflow registry backing this orchestrator.
func (s *OrchestratorService) Registry() *WorkflowRegistry {
	return s.registry
}

// SubmitEvent evaluates an event against every registered workflow and
// creates one run per matching workflow. The run and all of its instances are
// created in a single transaction, so a run is never observable half-built.
func (s *OrchestratorService) SubmitEvent(ctx context.Context, ev workflow.Event) ([]*domain.WorkflowRun, error) {
	if err := validateEvent(ev); err != nil {
		return nil, err
	}
	s.metrics.EventsReceived().WithLabels(string(ev.Type)).Inc()

	var runs []*domain.WorkflowRun
	for _, wf := range s.registry.List() {
		if !wf.On.Matches(ev) {
			continue
		}
		run, err := s.createRun(ctx, wf, ev)
		if err != nil {
			return runs, fmt.Errorf("failed to create run for workflow %s: %w", wf.Name, err)
		}
		s.metrics.RunsStarted().Inc()
		log.Printf("Created run %s for workflow %s (%s on %s)",
			run.ID, wf.Name, ev.Type, ev.Branch)
		runs = append(runs, run)
	}
	if len(runs) == 0 {
		s.metrics.EventsUnmatched().Inc()
		log.Printf("Event %s on branch %s matched no workflow", ev.Type, ev.Branch)
	}
	return runs, nil
}

func validateEvent(ev workflow.Event) error {
	known := false
	for _, t := range workflow.KnownEventTypes {
		if ev.Type == t {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: unknown event type %q", domain.ErrInvalidArgument, ev.Type)
	}
	if ev.Branch == "" {
		return fmt.Errorf("%w: event has no branch", domain.ErrInvalidArgument)
	}
	return nil
}

func (s *OrchestratorService) createRun(ctx context.Context, wf *workflow.Workflow, ev workflow.Event) (*domain.WorkflowRun, error) {
	run := domain.NewWorkflowRun(id.GenerateShort(), wf.Name)
	run.EventType = string(ev.Type)
	run.Branch = ev.Branch
	run.SHA = ev.SHA
	run.Repo = ev.Repo

	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	if err := uow.Runs().Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	for _, jobID := range wf.JobIDs() {
		job := wf.Jobs[jobID]
		for _, combo := range job.Combinations() {
			inst := newInstance(run.ID, jobID, job, combo)
			if err := uow.Jobs().Create(ctx, inst); err != nil {
				return nil, fmt.Errorf("failed to create instance for job %s: %w", jobID, err)
			}
		}
	}
	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit run: %w", err)
	}
	return run, nil
}

// newInstance builds one JobInstance for a matrix combination. Instances with
// unresolved needs start WAITING; everything else is immediately QUEUED.
func newInstance(runID, jobID string, job *workflow.Job, combo workflow.Combination) *domain.JobInstance {
	inst := domain.NewJobInstance(runID, id.GenerateShort(), jobID)
	for axis, val := range combo {
		inst.Combination[axis] = val.String()
	}
	inst.Needs = append(inst.Needs, job.Needs...)
	inst.FailFast = job.FailFast()
	inst.ContinueOnError = job.ContinueOnError
	inst.RunsOn = job.RunsOn
	inst.TimeoutSeconds = job.TimeoutMinutes * 60
	if len(inst.Needs) > 0 {
		inst.State = domain.JobStateWaiting
	}
	return inst
}

// GetRun returns a run together with its job instances.
func (s *OrchestratorService) GetRun(ctx context.Context, runID string) (*domain.WorkflowRun, []*domain.JobInstance, error) {
	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	run, err := uow.Runs().Get(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	instances, err := uow.Jobs().ListByRun(ctx, runID, storage.ListOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return run, instances, nil
}

// JobCounts returns the run's instance counts grouped by state.
func (s *OrchestratorService) JobCounts(ctx context.Context, runID string) (map[domain.JobState]int, error) {
	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	if _, err := uow.Runs().Get(ctx, runID); err != nil {
		return nil, err
	}
	return uow.Jobs().CountByState(ctx, runID)
}

// DeleteRun removes a finished run together with its instances and step
// results. Non-final runs cannot be deleted.
func (s *OrchestratorService) DeleteRun(ctx context.Context, runID string) error {
	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	run, err := uow.Runs().Get(ctx, runID)
	if err != nil {
		return err
	}
	if !run.State.IsFinal() {
		return fmt.Errorf("%w: run %s is still %s", domain.ErrInvalidState, runID, run.State)
	}
	if err := uow.Runs().Delete(ctx, runID); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if err := uow.Commit(); err != nil {
		return fmt.Errorf("failed to commit deletion: %w", err)
	}
	log.Printf("Deleted run %s", runID)
	return nil
}

// ListRuns lists runs, newest first.
func (s *OrchestratorService) ListRuns(ctx context.Context, opts storage.ListOptions) ([]*domain.WorkflowRun, error) {
	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()
	return uow.Runs().List(ctx, opts)
}

// QueryJobs lists job instances of a run with optional filtering.
func (s *OrchestratorService) QueryJobs(ctx context.Context, runID string, opts storage.ListOptions) ([]*domain.JobInstance, error) {
	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	// Verify the run exists so unknown IDs report ErrNotFound rather than
	// an empty list.
	if _, err := uow.Runs().Get(ctx, runID); err != nil {
		return nil, err
	}
	return uow.Jobs().ListByRun(ctx, runID, opts)
}

// GetJobLogs returns the recorded step results of one job instance.
func (s *OrchestratorService) GetJobLogs(ctx context.Context, runID, instanceID string) ([]domain.StepResult, error) {
	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	if _, err := uow.Jobs().Get(ctx, runID, instanceID); err != nil {
		return nil, err
	}
	return uow.Jobs().ListStepResults(ctx, runID, instanceID)
}

// CancelRun cancels a run. Pending instances are cancelled immediately;
// running instances are signalled through the canceller and finalized by the
// scheduler once their executions stop.
func (s *OrchestratorService) CancelRun(ctx context.Context, runID string) error {
	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	run, err := uow.Runs().Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.IsFinal() {
		return fmt.Errorf("%w: run %s is already %s", domain.ErrInvalidState, runID, run.State)
	}

	instances, err := uow.Jobs().ListByRun(ctx, runID, storage.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}
	var running []*domain.JobInstance
	for _, inst := range instances {
		switch inst.State {
		case domain.JobStateWaiting, domain.JobStateQueued:
			if err := inst.SetState(domain.JobStateCancelled); err != nil {
				return err
			}
			if err := uow.Jobs().Update(ctx, inst); err != nil {
				return fmt.Errorf("failed to cancel instance %s: %w", inst.ID, err)
			}
		case domain.JobStateRunning:
			running = append(running, inst)
		}
	}
	if len(running) == 0 {
		if err := run.SetState(domain.RunStateCancelled); err != nil {
			return err
		}
		if err := uow.Runs().Update(ctx, run); err != nil {
			return fmt.Errorf("failed to update run: %w", err)
		}
	}
	if err := uow.Commit(); err != nil {
		return fmt.Errorf("failed to commit cancellation: %w", err)
	}

	for _, inst := range running {
		if s.canceller != nil {
			s.canceller.CancelInstance(runID, inst.ID)
		}
	}
	log.Printf("Cancelled run %s (%d running instance(s) signalled)", runID, len(running))
	return nil
}
