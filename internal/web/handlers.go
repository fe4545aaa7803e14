package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/example/matrixci/internal/domain"
	"github.com/example/matrixci/internal/service"
	"github.com/example/matrixci/internal/storage"
	"github.com/example/matrixci/internal/workflow"
)

// maxWorkflowBytes caps the size of an uploaded workflow definition.
const maxWorkflowBytes = 1 << 20

// Handlers contains HTTP handlers for the engine API
type Handlers struct {
	orchestrator *service.OrchestratorService
}

// NewHandlers creates new API handlers
func NewHandlers(orchestrator *service.OrchestratorService) *Handlers {
	return &Handlers{orchestrator: orchestrator}
}

// SubmitEvent handles POST /api/events
func (h *Handlers) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	runs, err := h.orchestrator.SubmitEvent(r.Context(), workflow.Event{
		Type:   workflow.EventType(req.Type),
		Branch: req.Branch,
		SHA:    req.SHA,
		Repo:   req.Repo,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := SubmitEventResponse{Runs: make([]RunSummary, 0, len(runs))}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, convertRun(run))
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// ListRuns handles GET /api/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{Limit: queryInt(r, "limit", 50), Offset: queryInt(r, "offset", 0)}
	if state := r.URL.Query().Get("state"); state != "" {
		parsed, ok := parseRunState(state)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown run state: "+state)
			return
		}
		opts.RunStates = []domain.RunState{parsed}
	}

	runs, err := h.orchestrator.ListRuns(r.Context(), opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := ListRunsResponse{Runs: make([]RunSummary, 0, len(runs))}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, convertRun(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetRun handles GET /api/runs/:runID
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, instances, err := h.orchestrator.GetRun(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	counts, err := h.orchestrator.JobCounts(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := RunDetailResponse{
		RunSummary: convertRun(run),
		Jobs:       make([]JobInstanceInfo, 0, len(instances)),
		JobCounts:  make(map[string]int, len(counts)),
	}
	for _, inst := range instances {
		resp.Jobs = append(resp.Jobs, convertInstance(inst))
	}
	for state, n := range counts {
		resp.JobCounts[state.String()] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteRun handles DELETE /api/runs/:runID
func (h *Handlers) DeleteRun(w http.ResponseWriter, r *http.Request) {
	if err := h.orchestrator.DeleteRun(r.Context(), chi.URLParam(r, "runID")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListJobs handles GET /api/runs/:runID/jobs
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	opts := storage.ListOptions{JobID: r.URL.Query().Get("job")}
	if state := r.URL.Query().Get("state"); state != "" {
		parsed, ok := parseJobState(state)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown job state: "+state)
			return
		}
		opts.JobStates = []domain.JobState{parsed}
	}

	instances, err := h.orchestrator.QueryJobs(r.Context(), runID, opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := ListJobsResponse{Jobs: make([]JobInstanceInfo, 0, len(instances))}
	for _, inst := range instances {
		resp.Jobs = append(resp.Jobs, convertInstance(inst))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetJobLogs handles GET /api/runs/:runID/jobs/:instanceID/logs
func (h *Handlers) GetJobLogs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	instanceID := chi.URLParam(r, "instanceID")

	steps, err := h.orchestrator.GetJobLogs(r.Context(), runID, instanceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := JobLogsResponse{
		RunID:      runID,
		InstanceID: instanceID,
		Steps:      make([]StepInfo, 0, len(steps)),
	}
	for _, step := range steps {
		resp.Steps = append(resp.Steps, convertStep(step))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelRun handles POST /api/runs/:runID/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if err := h.orchestrator.CancelRun(r.Context(), runID); err != nil {
		writeDomainError(w, err)
		return
	}
	run, _, err := h.orchestrator.GetRun(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convertRun(run))
}

// RegisterWorkflow handles POST /api/workflows. The request body is a
// workflow definition in YAML.
func (h *Handlers) RegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWorkflowBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}
	wf, err := workflow.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.orchestrator.Registry().Register(wf); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, convertWorkflow(wf))
}

// ListWorkflows handles GET /api/workflows
func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows := h.orchestrator.Registry().List()
	resp := ListWorkflowsResponse{Workflows: make([]WorkflowSummary, 0, len(workflows))}
	for _, wf := range workflows {
		resp.Workflows = append(resp.Workflows, convertWorkflow(wf))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetWorkflow handles GET /api/workflows/:name
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.orchestrator.Registry().Get(chi.URLParam(r, "name"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convertWorkflow(wf))
}

func convertWorkflow(wf *workflow.Workflow) WorkflowSummary {
	var events []string
	for _, typ := range workflow.KnownEventTypes {
		if wf.On.Rule(typ) != nil {
			events = append(events, string(typ))
		}
	}
	sort.Strings(events)
	return WorkflowSummary{
		Name:   wf.Name,
		Events: events,
		Jobs:   wf.JobIDs(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeDomainError maps domain sentinel errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrConcurrentModify):
		status = http.StatusConflict
	}
	writeError(w, status, err.Error())
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func parseRunState(s string) (domain.RunState, bool) {
	for _, state := range []domain.RunState{
		domain.RunStatePending, domain.RunStateRunning, domain.RunStateSucceeded,
		domain.RunStateFailed, domain.RunStateCancelled,
	} {
		if state.String() == s {
			return state, true
		}
	}
	return domain.RunStateUnknown, false
}

func parseJobState(s string) (domain.JobState, bool) {
	for _, state := range []domain.JobState{
		domain.JobStateWaiting, domain.JobStateQueued, domain.JobStateRunning,
		domain.JobStateSucceeded, domain.JobStateFailed, domain.JobStateCancelled,
		domain.JobStateSkipped,
	} {
		if state.String() == s {
			return state, true
		}
	}
	return domain.JobStateUnknown, false
}
