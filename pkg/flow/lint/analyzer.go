// Package lint provides static analysis checks for the flow API.
//
// This analyzer detects common mistakes when using the flow package:
//   - Empty string literals passed to NewWorkflow(), NewJob(), MatrixAxis()
//   - Needs() called with no arguments or duplicate job IDs
//   - MatrixAxis() declared without any values
//
// Usage:
//
//	go install github.com/example/matrixci/cmd/matrixci-lint@latest
//	matrixci-lint ./...
package lint

import (
	"go/ast"
	"go/token"
	"go/types"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
)

// Analyzer is the flow lint analyzer.
var Analyzer = &analysis.Analyzer{
	Name:     "flowlint",
	Doc:      "checks for common flow API mistakes",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

func run(pass *analysis.Pass) (interface{}, error) {
	inspect := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)

	nodeFilter := []ast.Node{(*ast.CallExpr)(nil)}

	inspect.Preorder(nodeFilter, func(n ast.Node) {
		call := n.(*ast.CallExpr)
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return
		}
		checkSelectorCall(pass, call, sel)
	})

	return nil, nil
}

// checkSelectorCall checks calls like flow.NewWorkflow("...") and builder
// method chains like NewJob("x").Needs(...).
func checkSelectorCall(pass *analysis.Pass, call *ast.CallExpr, sel *ast.SelectorExpr) {
	switch sel.Sel.Name {
	case "NewWorkflow", "NewJob":
		if pkg, ok := sel.X.(*ast.Ident); !ok || pkg.Name != "flow" {
			return
		}
		checkEmptyStringArg(pass, call, sel.Sel.Name)
	case "Needs":
		if !isFlowBuilder(pass, sel.X, "JobBuilder") {
			return
		}
		checkNeedsArgs(pass, call)
	case "MatrixAxis":
		if !isFlowBuilder(pass, sel.X, "JobBuilder") {
			return
		}
		checkMatrixAxisArgs(pass, call)
	}
}

// isFlowBuilder reports whether expr's type is the named builder type from
// the flow package. Unrelated types with same-named methods are ignored.
func isFlowBuilder(pass *analysis.Pass, expr ast.Expr, typeName string) bool {
	tv, ok := pass.TypesInfo.Types[expr]
	if !ok || tv.Type == nil {
		return false
	}
	t := tv.Type
	if ptr, ok := t.(*types.Pointer); ok {
		t = ptr.Elem()
	}
	named, ok := t.(*types.Named)
	if !ok {
		return false
	}
	obj := named.Obj()
	return obj.Name() == typeName && obj.Pkg() != nil && obj.Pkg().Name() == "flow"
}

// checkEmptyStringArg reports if the first argument is an empty string literal.
func checkEmptyStringArg(pass *analysis.Pass, call *ast.CallExpr, funcName string) {
	if len(call.Args) == 0 {
		return
	}
	if lit, ok := call.Args[0].(*ast.BasicLit); ok && lit.Kind == token.STRING {
		if lit.Value == `""` || lit.Value == "``" {
			pass.Reportf(lit.Pos(), "%s called with empty string literal - will panic at runtime", funcName)
		}
	}
}

// checkNeedsArgs reports no-op and duplicate Needs declarations.
func checkNeedsArgs(pass *analysis.Pass, call *ast.CallExpr) {
	if len(call.Args) == 0 {
		pass.Reportf(call.Pos(), "Needs called with no arguments - this is a no-op")
		return
	}

	seen := make(map[string]token.Pos)
	for _, arg := range call.Args {
		if id := extractStringLit(arg); id != "" {
			if prevPos, exists := seen[id]; exists {
				pass.Reportf(arg.Pos(), "duplicate need %q (first seen at %v)", id, pass.Fset.Position(prevPos))
			}
			seen[id] = arg.Pos()
		}
	}
}

// checkMatrixAxisArgs reports axes declared without values, which fail
// workflow validation.
func checkMatrixAxisArgs(pass *analysis.Pass, call *ast.CallExpr) {
	if len(call.Args) == 1 {
		pass.Reportf(call.Pos(), "MatrixAxis declared with no values - workflow will fail validation")
		return
	}

	seen := make(map[string]token.Pos)
	for _, arg := range call.Args[1:] {
		if v := extractStringLit(arg); v != "" {
			if prevPos, exists := seen[v]; exists {
				pass.Reportf(arg.Pos(), "duplicate matrix value %q (first seen at %v)", v, pass.Fset.Position(prevPos))
			}
			seen[v] = arg.Pos()
		}
	}
}

// extractStringLit extracts a string literal value from an expression.
func extractStringLit(expr ast.Expr) string {
	if lit, ok := expr.(*ast.BasicLit); ok && lit.Kind == token.STRING {
		s := lit.Value
		if len(s) >= 2 {
			return s[1 : len(s)-1]
		}
	}
	return ""
}
