// Command matrixci-lint runs static analysis on flow API usage.
//
// Usage:
//
//	matrixci-lint ./...
//
// This tool detects common mistakes when using the flow package:
//   - Empty string literals passed to NewWorkflow() and NewJob()
//   - Needs() called with no arguments or duplicate job IDs
//   - Matrix axes declared without values
package main

import (
	"github.com/example/matrixci/pkg/flow/lint"
	"golang.org/x/tools/go/analysis/singlechecker"
)

func main() {
	singlechecker.Main(lint.Analyzer)
}
