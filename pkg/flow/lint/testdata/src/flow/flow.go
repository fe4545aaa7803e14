// Package flow is a stub for testing the flow linter.
// This package provides minimal type stubs so the linter can analyze
// code that imports the real flow package.
package flow

// WorkflowBuilder is a stub builder.
type WorkflowBuilder struct{}

// JobBuilder is a stub builder.
type JobBuilder struct{}

// NewWorkflow creates a new workflow builder. Panics if name is empty.
func NewWorkflow(name string) *WorkflowBuilder { return nil }

// NewJob creates a new job builder. Panics if id is empty.
func NewJob(id string) *JobBuilder { return nil }

// Needs declares job dependencies.
func (b *JobBuilder) Needs(ids ...string) *JobBuilder { return b }

// MatrixAxis declares a matrix axis.
func (b *JobBuilder) MatrixAxis(name string, values ...string) *JobBuilder { return b }

// Run appends a shell step.
func (b *JobBuilder) Run(command string) *JobBuilder { return b }
