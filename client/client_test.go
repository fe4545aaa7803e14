package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/example/matrixci/internal/service"
	"github.com/example/matrixci/internal/storage/sqlite"
	"github.com/example/matrixci/internal/web"
	"github.com/example/matrixci/internal/workflow"
)

const testWorkflowYAML = `
name: ci
on:
  push:
    branches: [main]
jobs:
  test:
    runs-on: ubuntu-latest
    strategy:
      fail-fast: false
      matrix:
        version: ["1.0", "1.1"]
    steps:
      - run: 'true'
  lint:
    runs-on: ubuntu-latest
    steps:
      - run: 'true'
`

func newTestClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(t.TempDir() + "/client_test.db")
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	wf, err := workflow.Parse([]byte(testWorkflowYAML))
	if err != nil {
		t.Fatalf("failed to parse workflow: %v", err)
	}
	registry := service.NewWorkflowRegistry()
	if err := registry.Register(wf); err != nil {
		t.Fatalf("failed to register workflow: %v", err)
	}
	orchestrator := service.NewOrchestratorService(store, registry, nil)

	srv := httptest.NewServer(web.NewServer(":0", orchestrator).Handler())
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func TestClientSubmitAndInspect(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	runs, err := c.SubmitEvent(ctx, web.EventRequest{Type: "push", Branch: "main", SHA: "abc123"})
	if err != nil {
		t.Fatalf("SubmitEvent: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	runID := runs[0].ID

	detail, err := c.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if len(detail.Jobs) != 3 {
		t.Errorf("expected 3 job instances, got %d", len(detail.Jobs))
	}

	jobs, err := c.ListJobs(ctx, runID, "test", "")
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("expected 2 test instances, got %d", len(jobs))
	}

	listed, err := c.ListRuns(ctx, ListRunsOptions{Limit: 10})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(listed) != 1 {
		t.Errorf("expected 1 listed run, got %d", len(listed))
	}
}

func TestClientCancelRun(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	runs, err := c.SubmitEvent(ctx, web.EventRequest{Type: "push", Branch: "main"})
	if err != nil {
		t.Fatalf("SubmitEvent: %v", err)
	}
	run, err := c.CancelRun(ctx, runs[0].ID)
	if err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	if run.State != "CANCELLED" {
		t.Errorf("run state = %s, want CANCELLED", run.State)
	}

	// Cancelling a final run is a conflict.
	_, err = c.CancelRun(ctx, runs[0].ID)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 409 {
		t.Errorf("expected 409 APIError, got %v", err)
	}

	// A cancelled run can be deleted, after which it is gone.
	if err := c.DeleteRun(ctx, runs[0].ID); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	_, err = c.GetRun(ctx, runs[0].ID)
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Errorf("expected 404 APIError after delete, got %v", err)
	}
}

func TestClientWorkflows(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	workflows, err := c.ListWorkflows(ctx)
	if err != nil {
		t.Fatalf("ListWorkflows: %v", err)
	}
	if len(workflows) != 1 || workflows[0].Name != "ci" {
		t.Fatalf("unexpected workflows: %+v", workflows)
	}

	wf, err := c.GetWorkflow(ctx, "ci")
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if len(wf.Jobs) != 2 {
		t.Errorf("expected 2 jobs, got %v", wf.Jobs)
	}

	_, err = c.GetWorkflow(ctx, "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Errorf("expected 404 APIError, got %v", err)
	}
}

func TestClientRegisterWorkflow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	summary, err := c.RegisterWorkflow(ctx, []byte(`
name: nightly
on:
  push:
    branches: [release/*]
jobs:
  smoke:
    runs-on: ubuntu-latest
    steps:
      - run: 'true'
`))
	if err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	if summary.Name != "nightly" {
		t.Errorf("workflow name = %q, want nightly", summary.Name)
	}

	workflows, err := c.ListWorkflows(ctx)
	if err != nil {
		t.Fatalf("ListWorkflows: %v", err)
	}
	if len(workflows) != 2 {
		t.Errorf("expected 2 workflows after register, got %d", len(workflows))
	}

	_, err = c.RegisterWorkflow(ctx, []byte("name: broken\njobs: {}\n"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 400 {
		t.Errorf("expected 400 APIError for invalid workflow, got %v", err)
	}
}
