package web

import (
	"time"

	"github.com/example/matrixci/internal/domain"
)

// EventRequest is the body of POST /api/events
type EventRequest struct {
	Type   string `json:"type"`
	Branch string `json:"branch"`
	SHA    string `json:"sha,omitempty"`
	Repo   string `json:"repo,omitempty"`
}

// SubmitEventResponse is the response for POST /api/events
type SubmitEventResponse struct {
	Runs []RunSummary `json:"runs"`
}

// RunSummary is a summary of a workflow run
type RunSummary struct {
	ID         string     `json:"id"`
	Workflow   string     `json:"workflow"`
	Event      string     `json:"event"`
	Branch     string     `json:"branch"`
	SHA        string     `json:"sha,omitempty"`
	State      string     `json:"state"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// ListRunsResponse is the response for GET /api/runs
type ListRunsResponse struct {
	Runs []RunSummary `json:"runs"`
}

// RunDetailResponse is the response for GET /api/runs/:id
type RunDetailResponse struct {
	RunSummary
	Jobs      []JobInstanceInfo `json:"jobs"`
	JobCounts map[string]int    `json:"jobCounts,omitempty"`
}

// JobInstanceInfo represents one matrix-expanded job instance
type JobInstanceInfo struct {
	ID              string            `json:"id"`
	Job             string            `json:"job"`
	Name            string            `json:"name"`
	Matrix          map[string]string `json:"matrix,omitempty"`
	Needs           []string          `json:"needs,omitempty"`
	State           string            `json:"state"`
	FailFast        bool              `json:"failFast"`
	ContinueOnError bool              `json:"continueOnError,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	StartedAt       *time.Time        `json:"startedAt,omitempty"`
	FinishedAt      *time.Time        `json:"finishedAt,omitempty"`
	Failure         *FailureInfo      `json:"failure,omitempty"`
}

// ListJobsResponse is the response for GET /api/runs/:id/jobs
type ListJobsResponse struct {
	Jobs []JobInstanceInfo `json:"jobs"`
}

// StepInfo represents the recorded outcome of one step
type StepInfo struct {
	Idx        int          `json:"idx"`
	Name       string       `json:"name"`
	Uses       string       `json:"uses,omitempty"`
	Command    string       `json:"command,omitempty"`
	State      string       `json:"state"`
	ExitCode   int          `json:"exitCode,omitempty"`
	Output     string       `json:"output,omitempty"`
	StartedAt  *time.Time   `json:"startedAt,omitempty"`
	FinishedAt *time.Time   `json:"finishedAt,omitempty"`
	Failure    *FailureInfo `json:"failure,omitempty"`
}

// JobLogsResponse is the response for GET /api/runs/:id/jobs/:jobID/logs
type JobLogsResponse struct {
	RunID      string     `json:"runId"`
	InstanceID string     `json:"instanceId"`
	Steps      []StepInfo `json:"steps"`
}

// FailureInfo represents a failure
type FailureInfo struct {
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurredAt"`
}

// WorkflowSummary describes a registered workflow
type WorkflowSummary struct {
	Name   string   `json:"name"`
	Events []string `json:"events"`
	Jobs   []string `json:"jobs"`
}

// ListWorkflowsResponse is the response for GET /api/workflows
type ListWorkflowsResponse struct {
	Workflows []WorkflowSummary `json:"workflows"`
}

// ErrorResponse is returned for failed requests
type ErrorResponse struct {
	Error string `json:"error"`
}

func convertRun(run *domain.WorkflowRun) RunSummary {
	return RunSummary{
		ID:         run.ID,
		Workflow:   run.WorkflowName,
		Event:      run.EventType,
		Branch:     run.Branch,
		SHA:        run.SHA,
		State:      run.State.String(),
		CreatedAt:  run.CreatedAt,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
}

func convertInstance(inst *domain.JobInstance) JobInstanceInfo {
	info := JobInstanceInfo{
		ID:              inst.ID,
		Job:             inst.JobID,
		Name:            inst.InstanceName(),
		Matrix:          inst.Combination,
		Needs:           inst.Needs,
		State:           inst.State.String(),
		FailFast:        inst.FailFast,
		ContinueOnError: inst.ContinueOnError,
		CreatedAt:       inst.CreatedAt,
		StartedAt:       inst.StartedAt,
		FinishedAt:      inst.FinishedAt,
	}
	if inst.Failure != nil {
		info.Failure = &FailureInfo{
			Message:    inst.Failure.Message,
			OccurredAt: inst.Failure.OccurredAt,
		}
	}
	return info
}

func convertStep(step domain.StepResult) StepInfo {
	info := StepInfo{
		Idx:        step.Idx,
		Name:       step.Name,
		Uses:       step.Uses,
		Command:    step.Command,
		State:      step.State.String(),
		ExitCode:   step.ExitCode,
		Output:     step.Output,
		StartedAt:  step.StartedAt,
		FinishedAt: step.FinishedAt,
	}
	if step.Failure != nil {
		info.Failure = &FailureInfo{
			Message:    step.Failure.Message,
			OccurredAt: step.Failure.OccurredAt,
		}
	}
	return info
}
