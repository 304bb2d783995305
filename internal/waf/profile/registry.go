package profile

import (
	"sort"
	"sync"

	"github.com/formwarden/waf/internal/waf/wafctx"
)

// Handler inspects a request under one node's config and returns a
// result. Handlers must not mutate shared state beyond metric counters
// and must tolerate running concurrently with sibling handlers.
type Handler func(rc *wafctx.RequestContext, cfg map[string]any) NodeResult

// Registry maps defense and observation names to handlers. It is
// populated during startup and read-only afterwards; the mutex only
// guards against racy registration in tests.
type Registry struct {
	mu           sync.RWMutex
	defenses     map[string]Handler
	observations map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defenses:     make(map[string]Handler),
		observations: make(map[string]Handler),
	}
}

// RegisterDefense registers a defense handler under a name. Later
// registrations replace earlier ones.
func (r *Registry) RegisterDefense(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defenses[name] = handler
}

// RegisterObservation registers an observation handler under a name.
func (r *Registry) RegisterObservation(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observations[name] = handler
}

// Defense returns the handler for a name, if registered.
func (r *Registry) Defense(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.defenses[name]
	return h, ok
}

// Observation returns the handler for a name, if registered.
func (r *Registry) Observation(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.observations[name]
	return h, ok
}

// DefenseNames returns the registered defense names, sorted.
func (r *Registry) DefenseNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defenses))
	for name := range r.defenses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var validOperators = map[string]struct{}{
	OpSum: {}, OpMax: {}, OpMin: {}, OpAnd: {}, OpOr: {}, OpThresholdBranch: {},
}

var validActions = map[string]struct{}{
	ActionAllow: {}, ActionBlock: {}, ActionTarpit: {}, ActionCaptcha: {},
	ActionMonitor: {}, ActionFlag: {},
}
