// Package worker provides the static catalog of worker roles: their
// capability tags, provider profiles, tool bindings, and step handlers.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/crewline/opsmind/core"
)

// StepResult is what a worker step hands back to the router.
type StepResult struct {
	// Message is the worker's output, appended to the run history.
	Message string

	// NextWorkers is the worker's ordered list of suggested next roles.
	// Empty means the worker proposes nothing; the router then drains its
	// pending queue or terminates.
	NextWorkers []string

	// Decisions made during this step, already persisted by the decision
	// engine; appended to RunState for the final result.
	Decisions []*core.DecisionRecord
}

// Handler executes one worker step against the run state. Handlers are
// explicit function values bound at registration time, one per role, so
// the graph never closes over a loop variable.
type Handler func(ctx context.Context, role string, run *core.RunState) (*StepResult, error)

// Profile binds a role to a reasoning-provider configuration.
type Profile struct {
	Model     string
	MaxTokens int64
}

// Descriptor describes one registered worker role. Identity fields are
// immutable after Register; Scratch is ephemeral per-process memory a
// handler may use freely.
type Descriptor struct {
	Role         string
	Description  string
	Capabilities []string
	Profile      Profile
	Tools        []string

	Scratch map[string]any

	// SuccessRate is a moving average of step outcomes, updated as
	// 0.9*old + 0.1*sample by Registry.Observe.
	SuccessRate float64

	handler Handler
}

// Registry is the static worker catalog. Registration happens at process
// start; lookups and Observe are safe for concurrent use afterwards.
type Registry struct {
	mu    sync.RWMutex
	roles map[string]*Descriptor
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{roles: make(map[string]*Descriptor)}
}

// Register adds a role to the catalog. Registering the same role twice is
// an error: the catalog is static after startup.
func (r *Registry) Register(d Descriptor, h Handler) (*Descriptor, error) {
	if d.Role == "" {
		return nil, fmt.Errorf("register: empty role")
	}
	if h == nil {
		return nil, fmt.Errorf("register %s: nil handler", d.Role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.roles[d.Role]; exists {
		return nil, fmt.Errorf("register %s: already registered", d.Role)
	}

	d.handler = h
	d.SuccessRate = 0.5
	if d.Scratch == nil {
		d.Scratch = make(map[string]any)
	}
	r.roles[d.Role] = &d
	r.order = append(r.order, d.Role)
	c := d
	return &c, nil
}

// Get returns a snapshot of the descriptor for a role. Observe keeps
// mutating the stored one, so callers get a copy instead of a pointer that
// races with it. The Scratch map stays shared: it is the role's
// per-process memory, not part of the snapshot.
func (r *Registry) Get(role string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.roles[role]
	if !ok {
		return nil, fmt.Errorf("role %q: %w", role, core.ErrNotFound)
	}
	c := *d
	return &c, nil
}

// Handler returns the step handler for a role.
func (r *Registry) Handler(role string) (Handler, error) {
	d, err := r.Get(role)
	if err != nil {
		return nil, err
	}
	return d.handler, nil
}

// Roles returns all registered roles in registration order.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Has reports whether a role is registered.
func (r *Registry) Has(role string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roles[role]
	return ok
}

// Observe folds one step outcome into the role's rolling success rate.
func (r *Registry) Observe(role string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.roles[role]
	if !ok {
		return
	}
	sample := 0.0
	if success {
		sample = 1.0
	}
	d.SuccessRate = 0.9*d.SuccessRate + 0.1*sample
}
