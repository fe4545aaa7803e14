// Package workflow defines the declarative workflow schema: triggers, jobs,
// matrix strategies and steps, plus parsing, validation, trigger matching
// and matrix expansion.
package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// EventType identifies the kind of repository event that can trigger a workflow.
type EventType string

const (
	EventPush        EventType = "push"
	EventPullRequest EventType = "pull_request"
)

// KnownEventTypes lists the event types the engine understands.
var KnownEventTypes = []EventType{EventPush, EventPullRequest}

// Event is an external repository event delivered to the engine.
type Event struct {
	Type    EventType      `json:"type"`
	Branch  string         `json:"branch"`
	SHA     string         `json:"sha,omitempty"`
	Repo    string         `json:"repo,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Workflow is a parsed workflow definition.
type Workflow struct {
	Name string            `yaml:"name"`
	On   Triggers          `yaml:"on"`
	Env  map[string]string `yaml:"env"`
	Jobs map[string]*Job   `yaml:"jobs"`
}

// Job is an independent sequence of steps executed in an isolated environment.
type Job struct {
	Name             string            `yaml:"name"`
	RunsOn           string            `yaml:"runs-on"`
	Needs            StringList        `yaml:"needs"`
	Env              map[string]string `yaml:"env"`
	TimeoutMinutes   int               `yaml:"timeout-minutes"`
	ContinueOnError  bool              `yaml:"continue-on-error"`
	Strategy         *Strategy         `yaml:"strategy"`
	Steps            []Step            `yaml:"steps"`
}

// FailFast reports whether a failing matrix instance should cancel its
// queued siblings. Defaults to true when unset, matching the conventional
// runner behavior; workflows opt out with `fail-fast: false`.
func (j *Job) FailFast() bool {
	if j.Strategy == nil || j.Strategy.FailFast == nil {
		return true
	}
	return *j.Strategy.FailFast
}

// MaxParallel returns the per-job parallelism cap, 0 meaning unlimited.
func (j *Job) MaxParallel() int {
	if j.Strategy == nil {
		return 0
	}
	return j.Strategy.MaxParallel
}

// Combinations returns the matrix expansion for this job. A job without a
// matrix yields exactly one empty combination.
func (j *Job) Combinations() []Combination {
	if j.Strategy == nil || j.Strategy.Matrix == nil {
		return []Combination{{}}
	}
	return j.Strategy.Matrix.Expand()
}

// Strategy controls how a job template is fanned out into instances.
type Strategy struct {
	FailFast    *bool   `yaml:"fail-fast"`
	MaxParallel int     `yaml:"max-parallel"`
	Matrix      *Matrix `yaml:"matrix"`
}

// Step is a single instruction inside a job: either a reference to a reusable
// action (`uses`) or an inline shell command (`run`).
type Step struct {
	Name             string            `yaml:"name"`
	Uses             string            `yaml:"uses"`
	With             map[string]string `yaml:"with"`
	Run              string            `yaml:"run"`
	Shell            string            `yaml:"shell"`
	Env              map[string]string `yaml:"env"`
	WorkingDirectory string            `yaml:"working-directory"`
	ContinueOnError  bool              `yaml:"continue-on-error"`
}

// DisplayName returns the step name, falling back to the action reference or
// the first line of the command.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Uses != "" {
		return s.Uses
	}
	for i := 0; i < len(s.Run); i++ {
		if s.Run[i] == '\n' {
			return s.Run[:i]
		}
	}
	return s.Run
}

// StringList accepts either a single YAML scalar or a sequence of scalars.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = StringList(items)
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list of strings", node.Line)
	}
}
