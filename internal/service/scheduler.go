package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/example/matrixci/internal/domain"
	"github.com/example/matrixci/internal/observability"
	"github.com/example/matrixci/internal/storage"
)

// SchedulerConfig holds configuration for the SchedulerService.
type SchedulerConfig struct {
	PollInterval     time.Duration // How often to poll for queued instances
	WatchdogInterval time.Duration // How often to check for overdue instances
	StaleDuration    time.Duration // Running instances untouched this long are reclaimed
	MaxConcurrent    int           // Global cap on concurrently executing instances
	ClaimBatch       int           // Max instances claimed per poll cycle
	ProcessUID       string        // Identity recorded on claimed instances
}

// DefaultSchedulerConfig returns reasonable defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollInterval:     time.Second,
		WatchdogInterval: 15 * time.Second,
		StaleDuration:    10 * time.Minute,
		MaxConcurrent:    4,
		ClaimBatch:       16,
		ProcessUID:       "scheduler-1",
	}
}

// SchedulerService claims queued job instances and executes them through a
// JobRunner. Claims are committed before execution starts, so an instance is
// never run twice. Matrix siblings execute as independent instances; a
// failure only touches siblings through the fail-fast policy.
type SchedulerService struct {
	storage  storage.Storage
	registry *WorkflowRegistry
	runner   JobRunner
	metrics  *observability.Metrics
	config   SchedulerConfig

	sem    chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc // instance ID -> cancel
}

// NewSchedulerService creates a new SchedulerService.
func NewSchedulerService(
	store storage.Storage,
	registry *WorkflowRegistry,
	runner JobRunner,
	metrics *observability.Metrics,
	config SchedulerConfig,
) *SchedulerService {
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultSchedulerConfig().MaxConcurrent
	}
	if config.ClaimBatch <= 0 {
		config.ClaimBatch = DefaultSchedulerConfig().ClaimBatch
	}
	if config.StaleDuration <= 0 {
		config.StaleDuration = DefaultSchedulerConfig().StaleDuration
	}
	return &SchedulerService{
		storage:  store,
		registry: registry,
		runner:   runner,
		metrics:  metrics,
		config:   config,
		sem:      make(chan struct{}, config.MaxConcurrent),
		stopCh:   make(chan struct{}),
		running:  make(map[string]context.CancelFunc),
	}
}

// Start begins the scheduler loops.
func (s *SchedulerService) Start() {
	s.wg.Add(3)
	go s.pollLoop()
	go s.watchdogLoop()
	go s.statusLoop()
}

// Stop gracefully stops the scheduler, waiting for in-flight executions.
func (s *SchedulerService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// CancelInstance cancels a locally executing instance. Implements Canceller.
func (s *SchedulerService) CancelInstance(runID, instanceID string) {
	s.mu.Lock()
	cancel, ok := s.running[instanceID]
	s.mu.Unlock()
	if ok {
		log.Printf("scheduler: cancelling instance %s of run %s", instanceID, runID)
		cancel()
	}
}

// pollLoop claims and dispatches queued instances.
func (s *SchedulerService) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.dispatchQueued(context.Background()); err != nil {
				log.Printf("scheduler: error dispatching queued instances: %v", err)
			}
		}
	}
}

// watchdogLoop fails instances that outlived their deadline.
func (s *SchedulerService) watchdogLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.expireOverdue(context.Background()); err != nil {
				log.Printf("scheduler: error expiring overdue instances: %v", err)
			}
		}
	}
}

// statusLoop periodically logs scheduler status.
func (s *SchedulerService) statusLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			executing := len(s.running)
			s.mu.Unlock()
			if executing > 0 || s.metrics.QueueDepth().Get() > 0 {
				log.Printf("scheduler status: %d executing, queue depth %d",
					executing, s.metrics.QueueDepth().Get())
			}
		}
	}
}

// dispatchQueued finds queued instances and starts as many as capacity allows.
func (s *SchedulerService) dispatchQueued(ctx context.Context) error {
	timer := s.metrics.SchedulerCycleDuration().Start()
	defer timer.Stop()

	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return err
	}
	queued, err := uow.Jobs().ListByStates(ctx, []domain.JobState{domain.JobStateQueued}, s.config.ClaimBatch)
	if err != nil {
		uow.Rollback()
		return err
	}
	if err := uow.Commit(); err != nil {
		return err
	}
	s.metrics.QueueDepth().Set(int64(len(queued)))

	for _, candidate := range queued {
		// Acquire a concurrency slot up front; without one there is no
		// point claiming more work this cycle.
		select {
		case s.sem <- struct{}{}:
		default:
			return nil
		}

		run, inst, ok, err := s.claim(ctx, candidate)
		if err != nil {
			<-s.sem
			log.Printf("scheduler: error claiming instance %s: %v", candidate.ID, err)
			continue
		}
		if !ok {
			<-s.sem
			continue
		}

		log.Printf("scheduler: dispatching %s (run %s)", inst.InstanceName(), inst.RunID)

		// Detach from the poll context so the execution survives the
		// current cycle, then bound it by the instance deadline.
		execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		if inst.TimeoutSeconds > 0 {
			execCtx, cancel = context.WithDeadline(execCtx, inst.Deadline())
		}
		s.mu.Lock()
		s.running[inst.ID] = cancel
		s.mu.Unlock()

		s.wg.Add(1)
		go s.execute(execCtx, cancel, run, inst)
	}
	return nil
}

// claim marks an instance running in its own transaction. Returns ok=false
// when the instance is no longer claimable or its job is at max-parallel.
func (s *SchedulerService) claim(ctx context.Context, candidate *domain.JobInstance) (*domain.WorkflowRun, *domain.JobInstance, bool, error) {
	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, nil, false, err
	}
	defer uow.Rollback()

	inst, err := uow.Jobs().Get(ctx, candidate.RunID, candidate.ID)
	if err != nil {
		return nil, nil, false, err
	}
	if inst.State != domain.JobStateQueued {
		return nil, nil, false, nil
	}

	run, err := uow.Runs().Get(ctx, inst.RunID)
	if err != nil {
		return nil, nil, false, err
	}
	wf, err := s.registry.Get(run.WorkflowName)
	if err != nil {
		return nil, nil, false, fmt.Errorf("workflow %s not registered: %w", run.WorkflowName, err)
	}
	job, ok := wf.Jobs[inst.JobID]
	if !ok {
		return nil, nil, false, fmt.Errorf("%w: workflow %s has no job %s", domain.ErrNotFound, wf.Name, inst.JobID)
	}

	if mp := job.MaxParallel(); mp > 0 {
		siblings, err := uow.Jobs().ListByRun(ctx, inst.RunID, storage.ListOptions{
			JobID:     inst.JobID,
			JobStates: []domain.JobState{domain.JobStateRunning},
		})
		if err != nil {
			return nil, nil, false, err
		}
		if len(siblings) >= mp {
			return nil, nil, false, nil
		}
	}

	if err := inst.Claim(s.config.ProcessUID); err != nil {
		if errors.Is(err, domain.ErrInstanceClaimed) {
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}
	if err := uow.Jobs().Update(ctx, inst); err != nil {
		if errors.Is(err, domain.ErrConcurrentModify) {
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}

	if run.State == domain.RunStatePending {
		if err := run.SetState(domain.RunStateRunning); err != nil {
			return nil, nil, false, err
		}
		if err := uow.Runs().Update(ctx, run); err != nil {
			return nil, nil, false, err
		}
	}

	if err := uow.Commit(); err != nil {
		return nil, nil, false, err
	}
	return run, inst, true, nil
}

// execute runs one claimed instance and persists the outcome.
func (s *SchedulerService) execute(ctx context.Context, cancel context.CancelFunc, run *domain.WorkflowRun, inst *domain.JobInstance) {
	defer s.wg.Done()
	defer func() { <-s.sem }()
	defer cancel()
	defer func() {
		s.mu.Lock()
		delete(s.running, inst.ID)
		s.mu.Unlock()
	}()

	start := time.Now()
	var (
		results []*domain.StepResult
		execErr error
	)
	wf, err := s.registry.Get(run.WorkflowName)
	if err != nil {
		execErr = fmt.Errorf("workflow %s not registered: %w", run.WorkflowName, err)
	} else {
		results, execErr = s.runner.Execute(ctx, run, inst, wf)
	}

	finalState := s.persistOutcome(context.WithoutCancel(ctx), ctx.Err(), inst, results, execErr)

	s.metrics.JobDuration().WithLabels(inst.JobID).Observe(time.Since(start))
	s.metrics.JobsFinished().WithLabels(finalState.String()).Inc()
	log.Printf("scheduler: %s (run %s) finished %s in %s",
		inst.InstanceName(), inst.RunID, finalState, time.Since(start).Round(time.Millisecond))

	if err := s.postProcess(context.Background(), inst.RunID); err != nil {
		log.Printf("scheduler: error post-processing run %s: %v", inst.RunID, err)
	}
}

// persistOutcome writes the step results and the final instance state.
func (s *SchedulerService) persistOutcome(ctx context.Context, ctxErr error, inst *domain.JobInstance, results []*domain.StepResult, execErr error) domain.JobState {
	finalState := domain.JobStateSucceeded
	switch {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		finalState = domain.JobStateFailed
		execErr = errors.New("job timed out")
	case ctxErr != nil:
		finalState = domain.JobStateCancelled
	case execErr != nil:
		finalState = domain.JobStateFailed
	}

	uow, err := s.storage.Begin(ctx)
	if err != nil {
		log.Printf("scheduler: error starting outcome transaction: %v", err)
		return finalState
	}
	defer uow.Rollback()

	stored, err := uow.Jobs().Get(ctx, inst.RunID, inst.ID)
	if err != nil {
		log.Printf("scheduler: error reloading instance %s: %v", inst.ID, err)
		return finalState
	}
	stored.Workspace = inst.Workspace

	for _, result := range results {
		if err := uow.Jobs().AddStepResult(ctx, result); err != nil {
			log.Printf("scheduler: error storing step result: %v", err)
			return finalState
		}
	}

	switch finalState {
	case domain.JobStateFailed:
		err = stored.SetFailure(execErr.Error())
	default:
		err = stored.SetState(finalState)
	}
	if err != nil {
		log.Printf("scheduler: error finalizing instance %s: %v", inst.ID, err)
		return finalState
	}
	if err := uow.Jobs().Update(ctx, stored); err != nil {
		log.Printf("scheduler: error updating instance %s: %v", inst.ID, err)
		return finalState
	}
	if err := uow.Commit(); err != nil {
		log.Printf("scheduler: error committing outcome for %s: %v", inst.ID, err)
	}
	return finalState
}

// postProcess applies run-level policy after an instance finishes: fail-fast
// cancellation, needs resolution and run finalization. It is idempotent and
// safe to run after every instance.
func (s *SchedulerService) postProcess(ctx context.Context, runID string) error {
	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	run, err := uow.Runs().Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.IsFinal() {
		return nil
	}
	instances, err := uow.Jobs().ListByRun(ctx, runID, storage.ListOptions{})
	if err != nil {
		return err
	}

	changed := applyFailFast(instances)
	changed = append(changed, resolveNeeds(instances)...)
	for _, inst := range changed {
		if err := uow.Jobs().Update(ctx, inst); err != nil {
			return fmt.Errorf("failed to update instance %s: %w", inst.ID, err)
		}
	}

	if finalizeRun(run, instances) {
		if err := uow.Runs().Update(ctx, run); err != nil {
			return fmt.Errorf("failed to finalize run: %w", err)
		}
		log.Printf("scheduler: run %s finished %s", run.ID, run.State)
	}
	return uow.Commit()
}

// applyFailFast cancels pending siblings of any failed instance whose job
// runs with fail-fast. Siblings of a fail-fast:false job keep running.
func applyFailFast(instances []*domain.JobInstance) []*domain.JobInstance {
	failedJobs := make(map[string]bool)
	for _, inst := range instances {
		if inst.State == domain.JobStateFailed && inst.FailFast && !inst.ContinueOnError {
			failedJobs[inst.JobID] = true
		}
	}
	var changed []*domain.JobInstance
	for _, inst := range instances {
		if !failedJobs[inst.JobID] {
			continue
		}
		if inst.State == domain.JobStateWaiting || inst.State == domain.JobStateQueued {
			if err := inst.SetState(domain.JobStateCancelled); err == nil {
				changed = append(changed, inst)
			}
		}
	}
	return changed
}

// resolveNeeds promotes waiting instances whose needed jobs all succeeded and
// skips those with a failed, cancelled or skipped need.
func resolveNeeds(instances []*domain.JobInstance) []*domain.JobInstance {
	// Aggregate outcome per job template across its matrix instances.
	type outcome struct {
		total, succeeded, bad int
	}
	byJob := make(map[string]*outcome)
	for _, inst := range instances {
		o := byJob[inst.JobID]
		if o == nil {
			o = &outcome{}
			byJob[inst.JobID] = o
		}
		o.total++
		switch inst.State {
		case domain.JobStateSucceeded:
			o.succeeded++
		case domain.JobStateFailed:
			if inst.ContinueOnError {
				o.succeeded++
			} else {
				o.bad++
			}
		case domain.JobStateCancelled, domain.JobStateSkipped:
			o.bad++
		}
	}

	var changed []*domain.JobInstance
	for _, inst := range instances {
		if inst.State != domain.JobStateWaiting {
			continue
		}
		ready := true
		blocked := false
		for _, need := range inst.Needs {
			o := byJob[need]
			if o == nil || o.bad > 0 {
				blocked = true
				break
			}
			if o.succeeded < o.total {
				ready = false
			}
		}
		switch {
		case blocked:
			if err := inst.SetState(domain.JobStateSkipped); err == nil {
				changed = append(changed, inst)
			}
		case ready:
			if err := inst.SetState(domain.JobStateQueued); err == nil {
				changed = append(changed, inst)
			}
		}
	}
	return changed
}

// finalizeRun sets the run's terminal state once every instance is final.
// Returns true if the run changed.
func finalizeRun(run *domain.WorkflowRun, instances []*domain.JobInstance) bool {
	var failed, cancelled int
	for _, inst := range instances {
		if !inst.State.IsFinal() {
			return false
		}
		switch inst.State {
		case domain.JobStateFailed:
			if !inst.ContinueOnError {
				failed++
			}
		case domain.JobStateCancelled:
			cancelled++
		}
	}

	target := domain.RunStateSucceeded
	if failed > 0 {
		target = domain.RunStateFailed
	} else if cancelled > 0 {
		target = domain.RunStateCancelled
	}

	// A run that never dispatched anything still passes through RUNNING so
	// the transition table holds.
	if run.State == domain.RunStatePending && target != domain.RunStateCancelled {
		if err := run.SetState(domain.RunStateRunning); err != nil {
			return false
		}
	}
	return run.SetState(target) == nil
}

// expireOverdue handles instances claimed by a process that never finished
// them, typically after a crash. An orphaned instance is failed when its
// deadline has passed, or when its claim has gone stale for instances
// without a timeout. Locally executing instances are bounded by their
// context deadline instead.
func (s *SchedulerService) expireOverdue(ctx context.Context) error {
	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	running, err := uow.Jobs().ListByStates(ctx, []domain.JobState{domain.JobStateRunning}, 0)
	if err != nil {
		return err
	}

	var expiredRuns []string
	for _, inst := range running {
		s.mu.Lock()
		_, local := s.running[inst.ID]
		s.mu.Unlock()
		if local {
			continue
		}
		expired := inst.IsExpired()
		if !expired && !inst.IsStale(s.config.StaleDuration) {
			continue
		}
		reason := "job timed out"
		if !expired {
			reason = fmt.Sprintf("claim by %s went stale", inst.ClaimedBy)
		}
		log.Printf("scheduler: failing orphaned instance %s: %s", inst.ID, reason)
		if err := inst.SetFailure(reason); err != nil {
			log.Printf("scheduler: error expiring instance %s: %v", inst.ID, err)
			continue
		}
		if err := uow.Jobs().Update(ctx, inst); err != nil {
			log.Printf("scheduler: error updating expired instance %s: %v", inst.ID, err)
			continue
		}
		expiredRuns = append(expiredRuns, inst.RunID)
	}
	if err := uow.Commit(); err != nil {
		return err
	}

	for _, runID := range expiredRuns {
		if err := s.postProcess(ctx, runID); err != nil {
			log.Printf("scheduler: error post-processing run %s: %v", runID, err)
		}
	}
	return nil
}
