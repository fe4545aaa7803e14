package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/example/matrixci/internal/domain"
	"github.com/example/matrixci/internal/workflow"
)

// JobRunner executes one job instance from start to finish and reports the
// per-step results. Implementations must be safe for concurrent use; the
// scheduler runs many instances in parallel.
type JobRunner interface {
	Execute(ctx context.Context, run *domain.WorkflowRun, inst *domain.JobInstance, wf *workflow.Workflow) ([]*domain.StepResult, error)
}

// LocalRunner executes job instances as local shell processes. Every instance
// gets a private workspace directory under the runner's root, so matrix
// siblings never observe each other's files.
type LocalRunner struct {
	workspaceRoot string
	actions       *ActionRegistry
}

// NewLocalRunner creates a LocalRunner rooted at workspaceRoot.
func NewLocalRunner(workspaceRoot string, actions *ActionRegistry) *LocalRunner {
	if actions == nil {
		actions = NewActionRegistry()
	}
	return &LocalRunner{workspaceRoot: workspaceRoot, actions: actions}
}

// Execute runs the instance's steps in order. The first failing step without
// continue-on-error fails the instance, and the remaining steps are recorded
// as skipped. The returned error carries the failure reason; the step results
// are returned in all cases so they can be persisted.
func (r *LocalRunner) Execute(ctx context.Context, run *domain.WorkflowRun, inst *domain.JobInstance, wf *workflow.Workflow) ([]*domain.StepResult, error) {
	job, ok := wf.Jobs[inst.JobID]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s has no job %s", domain.ErrNotFound, wf.Name, inst.JobID)
	}

	workspace := filepath.Join(r.workspaceRoot, run.ID, inst.ID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	inst.Workspace = workspace

	env := r.buildEnv(run, inst, wf, job)

	var (
		results []*domain.StepResult
		execErr error
	)
	for i, step := range job.Steps {
		result := domain.NewStepResult(run.ID, inst.ID, i+1, step.DisplayName())
		result.Uses = step.Uses
		result.Command = step.Run
		result.ContinueOnError = step.ContinueOnError
		results = append(results, result)

		if execErr != nil {
			result.SetState(domain.StepStateSkipped)
			continue
		}

		result.SetState(domain.StepStateRunning)
		var (
			output string
			err    error
		)
		if step.Uses != "" {
			output, err = r.runAction(ctx, run, inst, step, workspace, env)
		} else {
			output, err = r.runCommand(ctx, step, workspace, env)
		}
		result.Output = output
		if err != nil {
			result.MarkFailed(exitCode(err), err.Error())
			if !step.ContinueOnError {
				execErr = fmt.Errorf("step %d (%s) failed: %w", i+1, step.DisplayName(), err)
			}
			continue
		}
		result.SetState(domain.StepStateSucceeded)
	}
	return results, execErr
}

// buildEnv assembles the process environment for an instance: the host
// environment, then the engine builtins, the matrix variables, workflow env
// and job env. Later layers win.
func (r *LocalRunner) buildEnv(run *domain.WorkflowRun, inst *domain.JobInstance, wf *workflow.Workflow, job *workflow.Job) map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	env["CI"] = "true"
	env["MATRIXCI_RUN_ID"] = run.ID
	env["MATRIXCI_JOB_NAME"] = inst.InstanceName()
	env["MATRIXCI_BRANCH"] = run.Branch
	if run.SHA != "" {
		env["MATRIXCI_SHA"] = run.SHA
	}
	for axis, val := range inst.Combination {
		env["MATRIX_"+envName(axis)] = val
	}
	for k, v := range wf.Env {
		env[k] = v
	}
	for k, v := range job.Env {
		env[k] = v
	}
	return env
}

func (r *LocalRunner) runAction(ctx context.Context, run *domain.WorkflowRun, inst *domain.JobInstance, step workflow.Step, workspace string, env map[string]string) (string, error) {
	action, err := r.actions.Resolve(step.Uses)
	if err != nil {
		return "", err
	}
	ac := &ActionContext{
		RunID:      run.ID,
		InstanceID: inst.ID,
		Workspace:  workspace,
		Repo:       run.Repo,
		SHA:        run.SHA,
		Branch:     run.Branch,
		With:       step.With,
		Env:        env,
	}
	return action.Run(ctx, ac)
}

func (r *LocalRunner) runCommand(ctx context.Context, step workflow.Step, workspace string, env map[string]string) (string, error) {
	shell := step.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", step.Run)
	cmd.Dir = workspace
	if step.WorkingDirectory != "" {
		cmd.Dir = filepath.Join(workspace, step.WorkingDirectory)
	}
	cmd.Env = flattenEnv(env, step.Env)
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return string(out), ctx.Err()
	}
	return string(out), err
}

// flattenEnv renders the environment for exec, applying step-level overrides
// on top of the instance environment.
func flattenEnv(env, stepEnv map[string]string) []string {
	merged := make(map[string]string, len(env)+len(stepEnv))
	for k, v := range env {
		merged[k] = v
	}
	for k, v := range stepEnv {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// exitCode extracts the process exit code from an exec error, or -1 when the
// process never ran or was killed.
func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
