package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Triggers declares which events start the workflow.
type Triggers struct {
	Push        *TriggerRule
	PullRequest *TriggerRule
}

// TriggerRule filters an event type by branch. Empty Branches matches any
// branch; BranchesIgnore wins over Branches.
type TriggerRule struct {
	Branches       []string `yaml:"branches"`
	BranchesIgnore []string `yaml:"branches-ignore"`
}

// UnmarshalYAML accepts the three conventional trigger spellings:
//
//	on: push
//	on: [push, pull_request]
//	on: {push: {branches: [main]}, pull_request: {branches: [main]}}
func (t *Triggers) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var name string
		if err := node.Decode(&name); err != nil {
			return err
		}
		return t.set(name, &TriggerRule{}, node.Line)

	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return err
		}
		for _, name := range names {
			if err := t.set(name, &TriggerRule{}, node.Line); err != nil {
				return err
			}
		}
		return nil

	case yaml.MappingNode:
		// Mapping node content alternates key, value.
		for i := 0; i+1 < len(node.Content); i += 2 {
			keyNode, valNode := node.Content[i], node.Content[i+1]
			rule := &TriggerRule{}
			if valNode.Kind == yaml.MappingNode {
				if err := valNode.Decode(rule); err != nil {
					return err
				}
			}
			if err := t.set(keyNode.Value, rule, keyNode.Line); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("line %d: invalid trigger specification", node.Line)
	}
}

func (t *Triggers) set(name string, rule *TriggerRule, line int) error {
	switch EventType(name) {
	case EventPush:
		t.Push = rule
	case EventPullRequest:
		t.PullRequest = rule
	default:
		return fmt.Errorf("line %d: unknown trigger event %q", line, name)
	}
	return nil
}

// Empty reports whether no trigger is declared.
func (t Triggers) Empty() bool {
	return t.Push == nil && t.PullRequest == nil
}

// Rule returns the rule for the given event type, or nil.
func (t Triggers) Rule(typ EventType) *TriggerRule {
	switch typ {
	case EventPush:
		return t.Push
	case EventPullRequest:
		return t.PullRequest
	default:
		return nil
	}
}

// Matches reports whether the event fires this trigger set. The trigger fires
// exactly on the declared events and branch filters.
func (t Triggers) Matches(ev Event) bool {
	rule := t.Rule(ev.Type)
	if rule == nil {
		return false
	}
	return rule.MatchesBranch(ev.Branch)
}

// MatchesBranch applies the rule's branch filters to a branch name.
func (r *TriggerRule) MatchesBranch(branch string) bool {
	for _, pattern := range r.BranchesIgnore {
		if matchBranch(pattern, branch) {
			return false
		}
	}
	if len(r.Branches) == 0 {
		return true
	}
	for _, pattern := range r.Branches {
		if matchBranch(pattern, branch) {
			return true
		}
	}
	return false
}

// matchBranch matches a branch filter pattern against a branch name.
// `*` matches any characters except `/`, `**` matches across segments,
// `?` matches a single character.
func matchBranch(pattern, branch string) bool {
	return matchGlob(pattern, branch)
}

func matchGlob(pattern, s string) bool {
	// Recursive descent over pattern and subject.
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			if len(pattern) > 1 && pattern[1] == '*' {
				// `**` crosses segment boundaries.
				rest := pattern[2:]
				for i := 0; i <= len(s); i++ {
					if matchGlob(rest, s[i:]) {
						return true
					}
				}
				return false
			}
			rest := pattern[1:]
			for i := 0; i <= len(s); i++ {
				if matchGlob(rest, s[i:]) {
					return true
				}
				if i < len(s) && s[i] == '/' {
					break
				}
			}
			return false
		case '?':
			if len(s) == 0 || s[0] == '/' {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		default:
			if len(s) == 0 || s[0] != pattern[0] {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		}
	}
	return len(s) == 0
}
