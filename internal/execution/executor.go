package execution

import (
	"context"
	"sync"

	"github.com/lvonguyen/responseforge/internal/remediation"
)

// Feasibility is the answer to a side-effect free pre-check
type Feasibility struct {
	CanExecute bool   `json:"can_execute"`
	Message    string `json:"message"`
}

// Outcome is what an executor reports after acting
type Outcome struct {
	Succeeded         bool   `json:"succeeded"`
	Message           string `json:"message"`
	ExternalReference string `json:"external_reference,omitempty"`
}

// Executor carries out actions of the kinds it accepts.
// Executors shared between concurrent pipelines must be safe for concurrent use.
type Executor interface {
	// Name identifies the executor in results and audit entries
	Name() string
	// CanExecute reports whether the executor handles kind
	CanExecute(kind remediation.Kind) bool
	// CheckFeasibility queries the backend without side effects
	CheckFeasibility(ctx context.Context, action remediation.PlannedAction, ec Context) (Feasibility, error)
	// Execute performs the action
	Execute(ctx context.Context, action remediation.PlannedAction, ec Context) (Outcome, error)
}

// Registry is an ordered list of executors. Lookup returns the first match,
// so registration order decides between overlapping executors.
type Registry struct {
	mu        sync.RWMutex
	executors []Executor
}

// NewRegistry creates a registry holding executors in order
func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{}
	for _, e := range executors {
		r.Register(e)
	}
	return r
}

// Register appends an executor
func (r *Registry) Register(e Executor) {
	if e == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors = append(r.executors, e)
}

// Find returns the first executor accepting kind
func (r *Registry) Find(kind remediation.Kind) (Executor, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.executors {
		if e.CanExecute(kind) {
			return e, true
		}
	}
	return nil, false
}

// Names lists registered executor names in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for _, e := range r.executors {
		out = append(out, e.Name())
	}
	return out
}

// KindSet is a helper for executors that accept a fixed set of kinds
type KindSet map[remediation.Kind]bool

// NewKindSet builds a KindSet
func NewKindSet(kinds ...remediation.Kind) KindSet {
	s := make(KindSet, len(kinds))
	for _, k := range kinds {
		s[k] = true
	}
	return s
}

// Has reports whether kind is in the set
func (s KindSet) Has(kind remediation.Kind) bool { return s[kind] }
