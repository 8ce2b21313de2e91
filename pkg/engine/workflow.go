package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ForwardFunc performs a step's work. The returned value is JSON-encoded and
// recorded; after a crash the recorded value is used instead of re-running.
type ForwardFunc func(ctx context.Context, sc *StepContext) (interface{}, error)

// CompensateFunc undoes a completed step. It can read the step's own output
// through StepContext.Own.
type CompensateFunc func(ctx context.Context, sc *StepContext) error

// ResultFunc builds the job result from the recorded step outputs.
type ResultFunc func(sc *StepContext) (interface{}, error)

// Step is one unit of work in a workflow.
type Step struct {
	// Name identifies the step within its workflow.
	Name string

	// Forward is the forward action. It must be idempotent for equal inputs.
	Forward ForwardFunc

	// Compensate is the optional undo action.
	Compensate CompensateFunc

	// Timeout bounds a single attempt. Zero uses the executor default.
	Timeout time.Duration
}

// Definition is an ordered list of steps registered under a workflow type.
type Definition struct {
	Type   WorkflowType
	Steps  []Step
	Result ResultFunc
}

// Validate checks that the definition is usable.
func (d *Definition) Validate() error {
	if err := d.Type.Validate(); err != nil {
		return err
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", d.Type)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("workflow %s step %d has no name", d.Type, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow %s has duplicate step %q", d.Type, s.Name)
		}
		if s.Forward == nil {
			return fmt.Errorf("workflow %s step %q has no forward action", d.Type, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

func (d *Definition) indexOf(name string) int {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

// Registry holds workflow definitions by type.
type Registry struct {
	mu   sync.RWMutex
	defs map[WorkflowType]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[WorkflowType]*Definition)}
}

// Register adds a definition. Registering the same type twice is an error.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("definition is nil")
	}
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Type]; exists {
		return fmt.Errorf("workflow %s already registered", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

// Get returns the definition for a workflow type.
func (r *Registry) Get(t WorkflowType) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[t]
	if !ok {
		return nil, NewValidationError(fmt.Sprintf("unknown workflow type %q", t), nil)
	}
	return def, nil
}

// StepContext gives a step access to the workflow's inputs and to the
// outputs of earlier steps.
type StepContext struct {
	workflow *WorkflowInstance
	def      *Definition
	index    int
}

// WorkflowID returns the ID of the running workflow.
func (sc *StepContext) WorkflowID() string { return sc.workflow.ID }

// JobID returns the job the workflow serves.
func (sc *StepContext) JobID() string { return sc.workflow.JobID }

// ResourceID returns the resource the workflow operates on.
func (sc *StepContext) ResourceID() string { return sc.workflow.ResourceID }

// StepName returns the name of the current step.
func (sc *StepContext) StepName() string {
	if sc.index < 0 || sc.index >= len(sc.def.Steps) {
		return ""
	}
	return sc.def.Steps[sc.index].Name
}

// IdempotencyToken is stable across retries and resumes of the same step,
// and distinct between workflows.
func (sc *StepContext) IdempotencyToken() string {
	return sc.workflow.ID + ":" + sc.StepName()
}

// Inputs decodes the workflow inputs into v.
func (sc *StepContext) Inputs(v interface{}) error {
	if err := json.Unmarshal(sc.workflow.Inputs, v); err != nil {
		return NewValidationError("decode workflow inputs", err)
	}
	return nil
}

// Output decodes the recorded output of the named step into v. It returns
// false when the step has not completed or recorded nothing.
func (sc *StepContext) Output(step string, v interface{}) (bool, error) {
	idx := sc.def.indexOf(step)
	if idx < 0 {
		return false, fmt.Errorf("unknown step %q", step)
	}
	return sc.decode(idx, v)
}

// Own decodes the current step's recorded output. Compensating actions use it.
func (sc *StepContext) Own(v interface{}) (bool, error) {
	return sc.decode(sc.index, v)
}

func (sc *StepContext) decode(idx int, v interface{}) (bool, error) {
	raw, ok := sc.workflow.Output(idx)
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode output of step %d: %w", idx, err)
	}
	return true, nil
}
