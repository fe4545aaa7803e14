// Package a is a test package for the flow linter.
package a

import "flow"

// Test cases

func emptyNewWorkflow() {
	flow.NewWorkflow("") // want "NewWorkflow called with empty string literal"
}

func emptyNewJob() {
	flow.NewJob("") // want "NewJob called with empty string literal"
}

func emptyNeeds() {
	flow.NewJob("test").Needs() // want "Needs called with no arguments"
}

func duplicateNeeds() {
	flow.NewJob("test").Needs("build", "lint", "build") // want `duplicate need "build"`
}

func axisWithoutValues() {
	flow.NewJob("test").MatrixAxis("os") // want "MatrixAxis declared with no values"
}

func duplicateAxisValues() {
	flow.NewJob("test").MatrixAxis("version", "3.9", "3.10", "3.9") // want `duplicate matrix value "3.9"`
}

// Valid cases - should NOT produce warnings

func validWorkflow() {
	flow.NewWorkflow("build")
}

func validJob() {
	flow.NewJob("test").
		Needs("build", "lint").
		MatrixAxis("version", "3.9", "3.10").
		Run("pytest")
}

// unrelated has methods that happen to share the builder method names.
type unrelated struct{}

func (unrelated) Needs(ids ...string) unrelated { return unrelated{} }

func (unrelated) MatrixAxis(name string, vs ...string) {}

func otherReceivers() {
	var u unrelated
	u.Needs()
	u.Needs("build", "build")
	u.MatrixAxis("os")
}
