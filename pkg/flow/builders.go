// Package flow provides a fluent developer API for constructing workflow
// definitions in Go instead of YAML. Built definitions go through the same
// validation as parsed files, so a Build() that succeeds is registerable.
package flow

import (
	"github.com/example/matrixci/internal/workflow"
)

// Ptr returns a pointer to the value. Generic helper to avoid inline address-of operators.
func Ptr[T any](v T) *T {
	return &v
}

// WorkflowBuilder provides a fluent API for constructing Workflow objects.
type WorkflowBuilder struct {
	wf   *workflow.Workflow
	jobs []*JobBuilder
}

// NewWorkflow creates a new WorkflowBuilder with the given name.
// Panics if name is empty.
func NewWorkflow(name string) *WorkflowBuilder {
	if name == "" {
		panic("flow: NewWorkflow() called with empty name")
	}
	return &WorkflowBuilder{
		wf: &workflow.Workflow{
			Name: name,
			Env:  make(map[string]string),
			Jobs: make(map[string]*workflow.Job),
		},
	}
}

// OnPush adds a push trigger restricted to the given branch patterns.
// Without patterns the workflow triggers on pushes to any branch.
func (b *WorkflowBuilder) OnPush(branches ...string) *WorkflowBuilder {
	b.wf.On.Push = &workflow.TriggerRule{Branches: branches}
	return b
}

// OnPullRequest adds a pull_request trigger restricted to the given branch
// patterns.
func (b *WorkflowBuilder) OnPullRequest(branches ...string) *WorkflowBuilder {
	b.wf.On.PullRequest = &workflow.TriggerRule{Branches: branches}
	return b
}

// IgnoreBranches sets branch patterns excluded from the push trigger.
func (b *WorkflowBuilder) IgnoreBranches(branches ...string) *WorkflowBuilder {
	if b.wf.On.Push == nil {
		b.wf.On.Push = &workflow.TriggerRule{}
	}
	b.wf.On.Push.BranchesIgnore = branches
	return b
}

// Env sets a workflow-level environment variable.
func (b *WorkflowBuilder) Env(key, value string) *WorkflowBuilder {
	b.wf.Env[key] = value
	return b
}

// Job adds a job to the workflow.
func (b *WorkflowBuilder) Job(jb *JobBuilder) *WorkflowBuilder {
	b.jobs = append(b.jobs, jb)
	return b
}

// Build validates and returns the constructed Workflow.
func (b *WorkflowBuilder) Build() (*workflow.Workflow, error) {
	for _, jb := range b.jobs {
		b.wf.Jobs[jb.id] = jb.job
	}
	if err := b.wf.Validate(); err != nil {
		return nil, err
	}
	return b.wf, nil
}

// MustBuild is like Build but panics on validation errors. Intended for
// static definitions where an invalid workflow is a programming error.
func (b *WorkflowBuilder) MustBuild() *workflow.Workflow {
	wf, err := b.Build()
	if err != nil {
		panic("flow: " + err.Error())
	}
	return wf
}

// JobBuilder provides a fluent API for constructing Job objects.
type JobBuilder struct {
	id  string
	job *workflow.Job
}

// NewJob creates a new JobBuilder with the given job identifier.
// Panics if id is empty.
func NewJob(id string) *JobBuilder {
	if id == "" {
		panic("flow: NewJob() called with empty id")
	}
	return &JobBuilder{
		id:  id,
		job: &workflow.Job{Env: make(map[string]string)},
	}
}

// Name sets the job's display name.
func (b *JobBuilder) Name(name string) *JobBuilder {
	b.job.Name = name
	return b
}

// RunsOn sets the target runner label.
func (b *JobBuilder) RunsOn(label string) *JobBuilder {
	b.job.RunsOn = label
	return b
}

// Needs declares jobs that must succeed before this one starts.
func (b *JobBuilder) Needs(jobIDs ...string) *JobBuilder {
	for _, id := range jobIDs {
		if id == "" {
			panic("flow: JobBuilder.Needs() called with empty jobID")
		}
	}
	b.job.Needs = append(b.job.Needs, jobIDs...)
	return b
}

// Env sets a job-level environment variable.
func (b *JobBuilder) Env(key, value string) *JobBuilder {
	b.job.Env[key] = value
	return b
}

// TimeoutMinutes caps the job's execution time.
func (b *JobBuilder) TimeoutMinutes(minutes int) *JobBuilder {
	b.job.TimeoutMinutes = minutes
	return b
}

// ContinueOnError marks the job's failures as non-fatal for the run.
func (b *JobBuilder) ContinueOnError() *JobBuilder {
	b.job.ContinueOnError = true
	return b
}

// MatrixAxis adds a matrix axis with the given values.
// Panics if name is empty.
func (b *JobBuilder) MatrixAxis(name string, values ...string) *JobBuilder {
	if name == "" {
		panic("flow: JobBuilder.MatrixAxis() called with empty name")
	}
	m := b.matrix()
	vals := make([]workflow.MatrixValue, len(values))
	for i, v := range values {
		vals[i] = workflow.MatrixValue(v)
	}
	m.Axes[name] = vals
	return b
}

// Include adds an extra matrix combination.
func (b *JobBuilder) Include(combo map[string]string) *JobBuilder {
	m := b.matrix()
	m.Include = append(m.Include, toCombination(combo))
	return b
}

// Exclude removes matching combinations from the matrix expansion.
func (b *JobBuilder) Exclude(combo map[string]string) *JobBuilder {
	m := b.matrix()
	m.Exclude = append(m.Exclude, toCombination(combo))
	return b
}

// FailFast sets whether a failing matrix instance cancels queued siblings.
func (b *JobBuilder) FailFast(v bool) *JobBuilder {
	b.strategy().FailFast = Ptr(v)
	return b
}

// MaxParallel caps how many matrix instances run at once.
func (b *JobBuilder) MaxParallel(n int) *JobBuilder {
	b.strategy().MaxParallel = n
	return b
}

// Run appends an inline shell command step.
func (b *JobBuilder) Run(command string) *JobBuilder {
	b.job.Steps = append(b.job.Steps, workflow.Step{Run: command})
	return b
}

// RunNamed appends a named inline shell command step.
func (b *JobBuilder) RunNamed(name, command string) *JobBuilder {
	b.job.Steps = append(b.job.Steps, workflow.Step{Name: name, Run: command})
	return b
}

// Uses appends an action reference step.
func (b *JobBuilder) Uses(ref string) *JobBuilder {
	b.job.Steps = append(b.job.Steps, workflow.Step{Uses: ref})
	return b
}

// UsesWith appends an action reference step with inputs.
func (b *JobBuilder) UsesWith(ref string, with map[string]string) *JobBuilder {
	b.job.Steps = append(b.job.Steps, workflow.Step{Uses: ref, With: with})
	return b
}

// Step appends a fully specified step.
func (b *JobBuilder) Step(step workflow.Step) *JobBuilder {
	b.job.Steps = append(b.job.Steps, step)
	return b
}

func (b *JobBuilder) strategy() *workflow.Strategy {
	if b.job.Strategy == nil {
		b.job.Strategy = &workflow.Strategy{}
	}
	return b.job.Strategy
}

func (b *JobBuilder) matrix() *workflow.Matrix {
	s := b.strategy()
	if s.Matrix == nil {
		s.Matrix = &workflow.Matrix{Axes: make(map[string][]workflow.MatrixValue)}
	}
	return s.Matrix
}

func toCombination(combo map[string]string) workflow.Combination {
	out := make(workflow.Combination, len(combo))
	for k, v := range combo {
		out[k] = workflow.MatrixValue(v)
	}
	return out
}
