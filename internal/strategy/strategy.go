// Package strategy defines the Policy interface for trading decisions and
// provides a Registry for selecting a policy by name.
package strategy

import (
	"sort"
	"sync"

	"sentinel/internal/domain"
	"sentinel/internal/risk"
)

// Policy turns a signal snapshot and a risk view into a decision. Decide
// must be a pure function of its arguments.
type Policy interface {
	// Name returns the unique identifier for this policy.
	Name() string

	// Decide returns an order intent or a hold. Snapshots that are not
	// confident must yield a hold.
	Decide(snap domain.SignalSnapshot, view risk.View) Decision
}

// Registry holds a named collection of policies for lookup and enumeration.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewRegistry creates an empty policy Registry.
func NewRegistry() *Registry {
	return &Registry{
		policies: make(map[string]Policy),
	}
}

// Register adds a policy to the registry, keyed by its Name().
func (r *Registry) Register(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.Name()] = p
}

// Get retrieves a policy by name. The second return value indicates whether
// the policy was found.
func (r *Registry) Get(name string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[name]
	return p, ok
}

// List returns a sorted slice of all registered policy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
