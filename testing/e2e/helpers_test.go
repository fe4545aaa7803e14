package e2e

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/matrixci/internal/domain"
	"github.com/example/matrixci/internal/service"
	"github.com/example/matrixci/internal/storage/sqlite"
	"github.com/example/matrixci/internal/workflow"
)

// TestEnv provides a complete engine with real local shell execution.
type TestEnv struct {
	Storage      *sqlite.SQLiteStorage
	Registry     *service.WorkflowRegistry
	Orchestrator *service.OrchestratorService
	Scheduler    *service.SchedulerService

	WorkspaceRoot string

	t      *testing.T
	dbPath string // path to temp db file for cleanup
}

// NewTestEnv creates a new test environment with a temp database and a
// LocalRunner that executes steps as real shell commands.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	ctx := context.Background()

	// Use a real file database with WAL mode. The scheduler writes from
	// multiple goroutines and shared-memory SQLite handles that poorly.
	dbPath := filepath.Join(os.TempDir(), "matrixci_e2e_"+t.Name()+".db")
	os.Remove(dbPath)
	os.Remove(dbPath + "-wal")
	os.Remove(dbPath + "-shm")

	store, err := sqlite.New(dbPath)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	workspaceRoot := t.TempDir()
	registry := service.NewWorkflowRegistry()
	orchestrator := service.NewOrchestratorService(store, registry, nil)
	runner := service.NewLocalRunner(workspaceRoot, service.NewActionRegistry())

	cfg := service.DefaultSchedulerConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.WatchdogInterval = 250 * time.Millisecond
	cfg.ProcessUID = "e2e-" + t.Name()
	scheduler := service.NewSchedulerService(store, registry, runner, nil, cfg)
	orchestrator.SetCanceller(scheduler)
	scheduler.Start()

	env := &TestEnv{
		Storage:       store,
		Registry:      registry,
		Orchestrator:  orchestrator,
		Scheduler:     scheduler,
		WorkspaceRoot: workspaceRoot,
		t:             t,
		dbPath:        dbPath,
	}
	t.Cleanup(env.Close)
	return env
}

// Close stops the scheduler and removes the temp database.
func (e *TestEnv) Close() {
	e.Scheduler.Stop()
	e.Storage.Close()
	os.Remove(e.dbPath)
	os.Remove(e.dbPath + "-wal")
	os.Remove(e.dbPath + "-shm")
}

// MustRegister parses the YAML and registers the workflow, failing the test
// on any error.
func (e *TestEnv) MustRegister(yamlText string) *workflow.Workflow {
	e.t.Helper()
	wf, err := workflow.Parse([]byte(yamlText))
	if err != nil {
		e.t.Fatalf("failed to parse workflow: %v", err)
	}
	if err := e.Registry.Register(wf); err != nil {
		e.t.Fatalf("failed to register workflow: %v", err)
	}
	return wf
}

// SubmitPush submits a push event for the given branch and returns the single
// run it created.
func (e *TestEnv) SubmitPush(branch string) *domain.WorkflowRun {
	e.t.Helper()
	runs, err := e.Orchestrator.SubmitEvent(context.Background(), workflow.Event{
		Type:   workflow.EventPush,
		Branch: branch,
		SHA:    "deadbeef",
	})
	if err != nil {
		e.t.Fatalf("failed to submit event: %v", err)
	}
	if len(runs) != 1 {
		e.t.Fatalf("expected exactly one run, got %d", len(runs))
	}
	return runs[0]
}

// WaitForRunState polls until the run reaches the given state or the timeout
// expires.
func (e *TestEnv) WaitForRunState(runID string, want domain.RunState, timeout time.Duration) *domain.WorkflowRun {
	e.t.Helper()
	deadline := time.Now().Add(timeout)
	var last *domain.WorkflowRun
	for time.Now().Before(deadline) {
		run, _, err := e.Orchestrator.GetRun(context.Background(), runID)
		if err != nil {
			e.t.Fatalf("failed to get run: %v", err)
		}
		last = run
		if run.State == want {
			return run
		}
		if run.State.IsFinal() {
			e.t.Fatalf("run reached final state %s, wanted %s", run.State, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if last != nil {
		e.t.Fatalf("timed out waiting for run state %s, last state %s", want, last.State)
	}
	return nil
}

// Instances returns all job instances of the run.
func (e *TestEnv) Instances(runID string) []*domain.JobInstance {
	e.t.Helper()
	_, instances, err := e.Orchestrator.GetRun(context.Background(), runID)
	if err != nil {
		e.t.Fatalf("failed to get run: %v", err)
	}
	return instances
}

// InstancesByState buckets the run's instances by state.
func (e *TestEnv) InstancesByState(runID string) map[domain.JobState][]*domain.JobInstance {
	e.t.Helper()
	out := make(map[domain.JobState][]*domain.JobInstance)
	for _, inst := range e.Instances(runID) {
		out[inst.State] = append(out[inst.State], inst)
	}
	return out
}

// StepResults fetches the recorded step results of an instance.
func (e *TestEnv) StepResults(runID, instanceID string) []domain.StepResult {
	e.t.Helper()
	steps, err := e.Orchestrator.GetJobLogs(context.Background(), runID, instanceID)
	if err != nil {
		e.t.Fatalf("failed to get job logs: %v", err)
	}
	return steps
}
