package service

import (
	"sort"
	"sync"

	"github.com/example/matrixci/internal/domain"
	"github.com/example/matrixci/internal/workflow"
)

// WorkflowRegistry holds the parsed workflow definitions the engine evaluates
// for incoming events. Definitions are immutable once registered; replacing a
// name swaps the whole definition.
type WorkflowRegistry struct {
	mu        sync.RWMutex
	workflows map[string]*workflow.Workflow
}

// NewWorkflowRegistry creates an empty registry.
func NewWorkflowRegistry() *WorkflowRegistry {
	return &WorkflowRegistry{workflows: make(map[string]*workflow.Workflow)}
}

// Register validates and stores a workflow definition under its name.
func (r *WorkflowRegistry) Register(wf *workflow.Workflow) error {
	if wf == nil || wf.Name == "" {
		return domain.ErrInvalidArgument
	}
	if err := wf.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.workflows[wf.Name] = wf
	r.mu.Unlock()
	return nil
}

// Get returns the workflow registered under name.
func (r *WorkflowRegistry) Get(name string) (*workflow.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return wf, nil
}

// List returns all registered workflows in name order.
func (r *WorkflowRegistry) List() []*workflow.Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*workflow.Workflow, 0, len(names))
	for _, name := range names {
		out = append(out, r.workflows[name])
	}
	return out
}
