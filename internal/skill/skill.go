// Package skill defines the skill execution contract: the adapter port
// implemented by skill bodies, the registry of known skills, and the
// runtime that executes one invocation under budget, deadline, circuit
// breaker, and idempotency guards.
package skill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aocs/core/internal/core"
)

// Invocation carries everything a skill body needs for one call.
type Invocation struct {
	RunID           string
	OpIndex         int
	Skill           string
	Params          map[string]interface{}
	CanonicalParams []byte
	IdempotencyKey  string
	Deadline        time.Time
	Budget          float64
}

// EffectIntent is an external side-effect a skill wants performed. It is
// never executed inline; the worker writes it to the outbox inside the
// result transaction and the outbox processor delivers it.
type EffectIntent struct {
	Target  string `json:"target"`
	Payload []byte `json:"payload"`
}

// Result is a successful skill return before canonicalisation.
type Result struct {
	Payload []byte
	Cost    float64
	Effects []EffectIntent
	// Target names the primary downstream this skill talks to, for
	// circuit breaker keying. Empty means the skill is local-only.
	Target string
}

// Adapter is the port implemented by skill bodies. Implementations must
// map every internal error to a *core.Failure; the runtime treats any
// other error as Transient. Adapters forward the idempotency key to
// downstreams that support one.
type Adapter interface {
	Invoke(ctx context.Context, inv Invocation) (*Result, *core.Failure)
}

// AdapterFunc adapts a function to the Adapter port.
type AdapterFunc func(ctx context.Context, inv Invocation) (*Result, *core.Failure)

func (f AdapterFunc) Invoke(ctx context.Context, inv Invocation) (*Result, *core.Failure) {
	return f(ctx, inv)
}

// Registration declares a skill to the core.
type Registration struct {
	Name string
	// Target is the downstream this skill calls, used with Name as the
	// circuit breaker key.
	Target string
	// ProducesEffects marks skills whose results carry outbox entries.
	ProducesEffects bool
	// ValidateParams rejects malformed inputs before execution; a
	// non-nil error maps to SchemaMismatch.
	ValidateParams func(params map[string]interface{}) error
	Adapter        Adapter
}

// Registry holds the set of known skills. The set stays open: skills
// register by name at process start.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]*Registration
}

func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]*Registration)}
}

// Register adds a skill. Re-registering a name replaces the previous
// entry, which keeps tests simple.
func (r *Registry) Register(reg *Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("skill registration missing name")
	}
	if reg.Adapter == nil {
		return fmt.Errorf("skill %q registered without adapter", reg.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[reg.Name] = reg
	return nil
}

// Get returns the registration for name.
func (r *Registry) Get(name string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.skills[name]
	return reg, ok
}

// Names lists registered skills.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.skills))
	for n := range r.skills {
		out = append(out, n)
	}
	return out
}
