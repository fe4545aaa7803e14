package service

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/example/matrixci/internal/domain"
)

// ActionContext carries everything a reusable action needs to run. Env is
// shared across the remaining steps of the instance, so actions like
// setup-env can export variables for later steps.
type ActionContext struct {
	RunID      string
	InstanceID string
	Workspace  string
	Repo       string
	SHA        string
	Branch     string
	With       map[string]string
	Env        map[string]string
}

// Action is a reusable step implementation referenced by `uses:`.
type Action interface {
	// Run executes the action and returns its combined output.
	Run(ctx context.Context, ac *ActionContext) (string, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, ac *ActionContext) (string, error)

func (f ActionFunc) Run(ctx context.Context, ac *ActionContext) (string, error) {
	return f(ctx, ac)
}

// ActionRegistry maps action names to implementations. References carry an
// optional version suffix ("checkout@v4") which is ignored during lookup;
// versions exist for workflow-file compatibility, not dispatch.
type ActionRegistry struct {
	actions map[string]Action
}

// NewActionRegistry creates a registry with the builtin actions installed.
func NewActionRegistry() *ActionRegistry {
	r := &ActionRegistry{actions: make(map[string]Action)}
	r.Register("checkout", ActionFunc(checkoutAction))
	r.Register("setup-env", ActionFunc(setupEnvAction))
	return r
}

// Register installs an action under a name, replacing any previous one.
func (r *ActionRegistry) Register(name string, a Action) {
	r.actions[name] = a
}

// Resolve looks up the action for a `uses:` reference.
func (r *ActionRegistry) Resolve(ref string) (Action, error) {
	name := ref
	if i := strings.IndexByte(ref, '@'); i >= 0 {
		name = ref[:i]
	}
	a, ok := r.actions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAction, ref)
	}
	return a, nil
}

// checkoutAction clones the triggering repository into the workspace and
// checks out the event's commit. Without a repository URL it degrades to a
// no-op so workflows stay runnable against local directories.
func checkoutAction(ctx context.Context, ac *ActionContext) (string, error) {
	if ac.Repo == "" {
		return "checkout: no repository configured, using workspace as-is\n", nil
	}
	var out strings.Builder

	cloneOut, err := runGit(ctx, ac.Workspace, "clone", "--quiet", ac.Repo, ".")
	out.WriteString(cloneOut)
	if err != nil {
		return out.String(), fmt.Errorf("git clone failed: %w", err)
	}

	ref := ac.SHA
	if ref == "" {
		ref = ac.Branch
	}
	if ref != "" {
		coOut, err := runGit(ctx, ac.Workspace, "checkout", "--quiet", ref)
		out.WriteString(coOut)
		if err != nil {
			return out.String(), fmt.Errorf("git checkout %s failed: %w", ref, err)
		}
	}
	return out.String(), nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// setupEnvAction exports every `with:` entry into the environment of the
// remaining steps.
func setupEnvAction(_ context.Context, ac *ActionContext) (string, error) {
	if len(ac.With) == 0 {
		return "setup-env: nothing to export\n", nil
	}
	keys := make([]string, 0, len(ac.With))
	for k := range ac.With {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out strings.Builder
	for _, k := range keys {
		name := envName(k)
		ac.Env[name] = ac.With[k]
		fmt.Fprintf(&out, "setup-env: %s=%s\n", name, ac.With[k])
	}
	return out.String(), nil
}

// envName converts a workflow identifier into an environment variable name,
// e.g. "python-version" becomes "PYTHON_VERSION".
func envName(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, "-", "_"))
}
