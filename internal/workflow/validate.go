package workflow

import (
	"fmt"
	"sort"
)

// Validate checks the structural rules the declarative schema requires:
// at least one trigger, at least one job, every step either an action
// reference or an inline command (not both), `needs` referencing known
// jobs with no cycles.
func (w *Workflow) Validate() error {
	if w.On.Empty() {
		return fmt.Errorf("workflow declares no trigger events")
	}
	if len(w.Jobs) == 0 {
		return fmt.Errorf("workflow declares no jobs")
	}

	for _, jobID := range w.JobIDs() {
		job := w.Jobs[jobID]
		if job == nil {
			return fmt.Errorf("job %q is empty", jobID)
		}
		if err := job.validate(jobID, w.Jobs); err != nil {
			return err
		}
	}

	return w.checkNeedsCycles()
}

// JobIDs returns the job identifiers in deterministic (sorted) order.
func (w *Workflow) JobIDs() []string {
	ids := make([]string, 0, len(w.Jobs))
	for id := range w.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (j *Job) validate(jobID string, jobs map[string]*Job) error {
	if len(j.Steps) == 0 {
		return fmt.Errorf("job %q has no steps", jobID)
	}
	for i, step := range j.Steps {
		if step.Uses == "" && step.Run == "" {
			return fmt.Errorf("job %q step %d: either `uses` or `run` is required", jobID, i+1)
		}
		if step.Uses != "" && step.Run != "" {
			return fmt.Errorf("job %q step %d: `uses` and `run` are mutually exclusive", jobID, i+1)
		}
		if step.Uses == "" && len(step.With) > 0 {
			return fmt.Errorf("job %q step %d: `with` requires `uses`", jobID, i+1)
		}
	}

	seen := make(map[string]bool, len(j.Needs))
	for _, need := range j.Needs {
		if need == jobID {
			return fmt.Errorf("job %q cannot need itself", jobID)
		}
		if _, ok := jobs[need]; !ok {
			return fmt.Errorf("job %q needs unknown job %q", jobID, need)
		}
		if seen[need] {
			return fmt.Errorf("job %q lists need %q twice", jobID, need)
		}
		seen[need] = true
	}

	if j.Strategy != nil && j.Strategy.MaxParallel < 0 {
		return fmt.Errorf("job %q: max-parallel must not be negative", jobID)
	}
	if j.Strategy != nil && j.Strategy.Matrix != nil {
		for _, axis := range j.Strategy.Matrix.AxisNames() {
			if len(j.Strategy.Matrix.Axes[axis]) == 0 {
				return fmt.Errorf("job %q: matrix axis %q has no values", jobID, axis)
			}
		}
	}
	if j.TimeoutMinutes < 0 {
		return fmt.Errorf("job %q: timeout-minutes must not be negative", jobID)
	}

	return nil
}

// checkNeedsCycles runs a three-color DFS over the needs graph.
func (w *Workflow) checkNeedsCycles() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(w.Jobs))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("dependency cycle through job %q", id)
		case black:
			return nil
		}
		color[id] = gray
		for _, need := range w.Jobs[id].Needs {
			if err := visit(need); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range w.JobIDs() {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
