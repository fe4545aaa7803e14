package workflow

import "testing"

func TestTriggersMatches(t *testing.T) {
	triggers := Triggers{
		Push:        &TriggerRule{Branches: []string{"main", "release/*"}},
		PullRequest: &TriggerRule{Branches: []string{"main"}},
	}

	tests := []struct {
		name  string
		event Event
		want  bool
	}{
		{"push to main", Event{Type: EventPush, Branch: "main"}, true},
		{"push to release branch", Event{Type: EventPush, Branch: "release/1.2"}, true},
		{"push to feature branch", Event{Type: EventPush, Branch: "feature/x"}, false},
		{"pr to main", Event{Type: EventPullRequest, Branch: "main"}, true},
		{"pr to release branch", Event{Type: EventPullRequest, Branch: "release/1.2"}, false},
		{"undeclared event type", Event{Type: "workflow_dispatch", Branch: "main"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := triggers.Matches(tt.event); got != tt.want {
				t.Errorf("Matches(%+v) = %v, want %v", tt.event, got, tt.want)
			}
		})
	}
}

func TestTriggerRuleBranchFilters(t *testing.T) {
	tests := []struct {
		name   string
		rule   TriggerRule
		branch string
		want   bool
	}{
		{"no filters matches anything", TriggerRule{}, "whatever", true},
		{"exact match", TriggerRule{Branches: []string{"main"}}, "main", true},
		{"exact mismatch", TriggerRule{Branches: []string{"main"}}, "maintenance", false},
		{"ignore wins over match", TriggerRule{Branches: []string{"*"}, BranchesIgnore: []string{"wip"}}, "wip", false},
		{"ignore only", TriggerRule{BranchesIgnore: []string{"dependabot/**"}}, "dependabot/pip/requests", false},
		{"ignore only passes others", TriggerRule{BranchesIgnore: []string{"dependabot/**"}}, "main", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.MatchesBranch(tt.branch); got != tt.want {
				t.Errorf("MatchesBranch(%q) = %v, want %v", tt.branch, got, tt.want)
			}
		})
	}
}

func TestMatchBranchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		branch  string
		want    bool
	}{
		{"main", "main", true},
		{"main", "main2", false},
		{"release/*", "release/1.0", true},
		{"release/*", "release/1.0/hotfix", false},
		{"release/**", "release/1.0/hotfix", true},
		{"*", "main", true},
		{"*", "feature/x", false},
		{"**", "feature/x", true},
		{"v?.?", "v1.2", true},
		{"v?.?", "v12.2", false},
		{"feature/*-wip", "feature/login-wip", true},
	}

	for _, tt := range tests {
		if got := matchBranch(tt.pattern, tt.branch); got != tt.want {
			t.Errorf("matchBranch(%q, %q) = %v, want %v", tt.pattern, tt.branch, got, tt.want)
		}
	}
}
