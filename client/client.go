// Package client is a typed Go client for the matrixci HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/example/matrixci/internal/web"
)

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Client talks to a matrixci server.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a Client for the given base URL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitEvent delivers an event and returns the runs it started.
func (c *Client) SubmitEvent(ctx context.Context, req web.EventRequest) ([]web.RunSummary, error) {
	var resp web.SubmitEventResponse
	if err := c.do(ctx, http.MethodPost, "/api/events", nil, req, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// ListRunsOptions filters ListRuns.
type ListRunsOptions struct {
	State  string
	Limit  int
	Offset int
}

// ListRuns lists runs, newest first.
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOptions) ([]web.RunSummary, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	var resp web.ListRunsResponse
	if err := c.do(ctx, http.MethodGet, "/api/runs", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// GetRun fetches a run and its job instances.
func (c *Client) GetRun(ctx context.Context, runID string) (*web.RunDetailResponse, error) {
	var resp web.RunDetailResponse
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteRun removes a finished run and its recorded results.
func (c *Client) DeleteRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodDelete, "/api/runs/"+url.PathEscape(runID), nil, nil, nil)
}

// ListJobs lists the run's job instances, optionally filtered by job ID or
// state.
func (c *Client) ListJobs(ctx context.Context, runID, jobID, state string) ([]web.JobInstanceInfo, error) {
	q := url.Values{}
	if jobID != "" {
		q.Set("job", jobID)
	}
	if state != "" {
		q.Set("state", state)
	}
	var resp web.ListJobsResponse
	path := "/api/runs/" + url.PathEscape(runID) + "/jobs"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// GetJobLogs fetches the recorded step results of one job instance.
func (c *Client) GetJobLogs(ctx context.Context, runID, instanceID string) (*web.JobLogsResponse, error) {
	var resp web.JobLogsResponse
	path := "/api/runs/" + url.PathEscape(runID) + "/jobs/" + url.PathEscape(instanceID) + "/logs"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelRun cancels a run and returns its refreshed summary.
func (c *Client) CancelRun(ctx context.Context, runID string) (*web.RunSummary, error) {
	var resp web.RunSummary
	path := "/api/runs/" + url.PathEscape(runID) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RegisterWorkflow uploads a YAML workflow definition and returns its
// summary.
func (c *Client) RegisterWorkflow(ctx context.Context, definition []byte) (*web.WorkflowSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/workflows", bytes.NewReader(definition))
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/x-yaml")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "POST /api/workflows")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errResp web.ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil {
			apiErr.Message = errResp.Error
		}
		return nil, apiErr
	}
	var out web.WorkflowSummary
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decoding workflow summary")
	}
	return &out, nil
}

// ListWorkflows lists the workflows registered on the server.
func (c *Client) ListWorkflows(ctx context.Context) ([]web.WorkflowSummary, error) {
	var resp web.ListWorkflowsResponse
	if err := c.do(ctx, http.MethodGet, "/api/workflows", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workflows, nil
}

// GetWorkflow fetches one registered workflow by name.
func (c *Client) GetWorkflow(ctx context.Context, name string) (*web.WorkflowSummary, error) {
	var resp web.WorkflowSummary
	if err := c.do(ctx, http.MethodGet, "/api/workflows/"+url.PathEscape(name), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForRun polls until the run reaches a terminal state or the context is
// cancelled.
func (c *Client) WaitForRun(ctx context.Context, runID string, pollInterval time.Duration) (*web.RunDetailResponse, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if isFinalRunState(run.State) {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func isFinalRunState(state string) bool {
	switch state {
	case "SUCCEEDED", "FAILED", "CANCELLED":
		return true
	}
	return false
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errResp web.ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil {
			apiErr.Message = errResp.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decoding %s %s response", method, path)
	}
	return nil
}
