package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/matrixci/internal/service"
	"github.com/example/matrixci/internal/storage/sqlite"
	"github.com/example/matrixci/internal/workflow"
)

const testWorkflowYAML = `
name: build
on:
  push:
    branches: [main]
jobs:
  test:
    strategy:
      fail-fast: false
      matrix:
        version: ["1.0", "1.1"]
    steps:
      - run: echo testing
  lint:
    steps:
      - run: echo linting
`

func newTestServer(t *testing.T) *Server {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "web_test.db")
	store, err := sqlite.New(dbPath)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	wf, err := workflow.Parse([]byte(testWorkflowYAML))
	if err != nil {
		t.Fatalf("failed to parse workflow: %v", err)
	}
	registry := service.NewWorkflowRegistry()
	if err := registry.Register(wf); err != nil {
		t.Fatalf("failed to register workflow: %v", err)
	}

	orch := service.NewOrchestratorService(store, registry, nil)
	return NewServer("127.0.0.1:0", orch)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return rec
}

func submitTestEvent(t *testing.T, srv *Server) SubmitEventResponse {
	t.Helper()
	var resp SubmitEventResponse
	rec := doJSON(t, srv, http.MethodPost, "/api/events", EventRequest{Type: "push", Branch: "main", SHA: "abc"}, &resp)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /api/events = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if len(resp.Runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(resp.Runs))
	}
	return resp
}

func TestSubmitEvent(t *testing.T) {
	srv := newTestServer(t)
	resp := submitTestEvent(t, srv)

	if resp.Runs[0].Workflow != "build" {
		t.Errorf("run workflow = %s, want build", resp.Runs[0].Workflow)
	}
	if resp.Runs[0].State != "PENDING" {
		t.Errorf("run state = %s, want PENDING", resp.Runs[0].State)
	}
}

func TestSubmitEventValidation(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/events", EventRequest{Type: "release", Branch: "main"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown event type = %d, want 400", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/events", bytes.NewBufferString("{not json"))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", rec.Code)
	}
}

func TestSubmitEventNoMatch(t *testing.T) {
	srv := newTestServer(t)

	var resp SubmitEventResponse
	rec := doJSON(t, srv, http.MethodPost, "/api/events", EventRequest{Type: "push", Branch: "feature/x"}, &resp)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /api/events = %d, want 202", rec.Code)
	}
	if len(resp.Runs) != 0 {
		t.Errorf("got %d runs, want 0", len(resp.Runs))
	}
}

func TestGetRun(t *testing.T) {
	srv := newTestServer(t)
	created := submitTestEvent(t, srv)

	var detail RunDetailResponse
	rec := doJSON(t, srv, http.MethodGet, "/api/runs/"+created.Runs[0].ID, nil, &detail)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET run = %d, want 200", rec.Code)
	}
	if len(detail.Jobs) != 3 {
		t.Errorf("got %d jobs, want 3 (2 matrix + lint)", len(detail.Jobs))
	}
	for _, job := range detail.Jobs {
		if job.State != "QUEUED" {
			t.Errorf("job %s state = %s, want QUEUED", job.Name, job.State)
		}
	}
	if detail.JobCounts["QUEUED"] != 3 {
		t.Errorf("jobCounts = %v, want QUEUED:3", detail.JobCounts)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/runs/does-not-exist", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET unknown run = %d, want 404", rec.Code)
	}
}

func TestDeleteRun(t *testing.T) {
	srv := newTestServer(t)
	created := submitTestEvent(t, srv)
	runID := created.Runs[0].ID

	// A run that has not finished cannot be deleted.
	rec := doJSON(t, srv, http.MethodDelete, "/api/runs/"+runID, nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("DELETE pending run = %d, want 409", rec.Code)
	}

	if rec := doJSON(t, srv, http.MethodPost, "/api/runs/"+runID+"/cancel", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d, want 200", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodDelete, "/api/runs/"+runID, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE finished run = %d, want 204", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/runs/"+runID, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET deleted run = %d, want 404", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodDelete, "/api/runs/does-not-exist", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("DELETE unknown run = %d, want 404", rec.Code)
	}
}

func TestListRuns(t *testing.T) {
	srv := newTestServer(t)
	submitTestEvent(t, srv)

	var list ListRunsResponse
	rec := doJSON(t, srv, http.MethodGet, "/api/runs", nil, &list)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/runs = %d, want 200", rec.Code)
	}
	if len(list.Runs) != 1 {
		t.Errorf("got %d runs, want 1", len(list.Runs))
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/runs?state=SUCCEEDED", nil, &list)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET filtered runs = %d, want 200", rec.Code)
	}
	if len(list.Runs) != 0 {
		t.Errorf("got %d succeeded runs, want 0", len(list.Runs))
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/runs?state=BOGUS", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("GET bogus state = %d, want 400", rec.Code)
	}
}

func TestListJobsFilter(t *testing.T) {
	srv := newTestServer(t)
	created := submitTestEvent(t, srv)

	var jobs ListJobsResponse
	rec := doJSON(t, srv, http.MethodGet, "/api/runs/"+created.Runs[0].ID+"/jobs?job=test", nil, &jobs)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET jobs = %d, want 200", rec.Code)
	}
	if len(jobs.Jobs) != 2 {
		t.Errorf("got %d test jobs, want 2", len(jobs.Jobs))
	}
	for _, job := range jobs.Jobs {
		if job.Job != "test" {
			t.Errorf("job filter leaked %s", job.Job)
		}
		if job.Matrix["version"] == "" {
			t.Errorf("matrix instance %s missing version value", job.Name)
		}
	}
}

func TestCancelRun(t *testing.T) {
	srv := newTestServer(t)
	created := submitTestEvent(t, srv)

	var run RunSummary
	rec := doJSON(t, srv, http.MethodPost, "/api/runs/"+created.Runs[0].ID+"/cancel", nil, &run)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST cancel = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if run.State != "CANCELLED" {
		t.Errorf("run state = %s, want CANCELLED", run.State)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/runs/"+created.Runs[0].ID+"/cancel", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel = %d, want 409", rec.Code)
	}
}

func TestWorkflowEndpoints(t *testing.T) {
	srv := newTestServer(t)

	var list ListWorkflowsResponse
	rec := doJSON(t, srv, http.MethodGet, "/api/workflows", nil, &list)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/workflows = %d, want 200", rec.Code)
	}
	if len(list.Workflows) != 1 || list.Workflows[0].Name != "build" {
		t.Fatalf("unexpected workflows: %+v", list.Workflows)
	}
	if len(list.Workflows[0].Jobs) != 2 {
		t.Errorf("got %d jobs, want 2", len(list.Workflows[0].Jobs))
	}

	var wf WorkflowSummary
	rec = doJSON(t, srv, http.MethodGet, "/api/workflows/build", nil, &wf)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET workflow = %d, want 200", rec.Code)
	}
	if len(wf.Events) != 1 || wf.Events[0] != "push" {
		t.Errorf("workflow events = %v, want [push]", wf.Events)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/workflows/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET unknown workflow = %d, want 404", rec.Code)
	}
}

func TestRegisterWorkflowEndpoint(t *testing.T) {
	srv := newTestServer(t)

	definition := `
name: nightly
on:
  push:
    branches: [release/*]
jobs:
  smoke:
    runs-on: ubuntu-latest
    steps:
      - run: 'true'
`
	req := httptest.NewRequest(http.MethodPost, "/api/workflows", strings.NewReader(definition))
	req.Header.Set("Content-Type", "application/x-yaml")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /api/workflows = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var summary WorkflowSummary
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if summary.Name != "nightly" {
		t.Errorf("registered name = %q, want nightly", summary.Name)
	}

	var list ListWorkflowsResponse
	if rec := doJSON(t, srv, http.MethodGet, "/api/workflows", nil, &list); rec.Code != http.StatusOK {
		t.Fatalf("GET /api/workflows = %d, want 200", rec.Code)
	}
	if len(list.Workflows) != 2 {
		t.Errorf("got %d workflows after register, want 2", len(list.Workflows))
	}

	req = httptest.NewRequest(http.MethodPost, "/api/workflows", strings.NewReader("jobs: {}"))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("POST invalid workflow = %d, want 400", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", rec.Code)
	}
}
