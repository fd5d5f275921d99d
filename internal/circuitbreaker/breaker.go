// Package circuitbreaker guards downstream calls made by skills and the
// outbox processor. Breakers are keyed by (skill or target) name; an open
// breaker fails fast with a cooldown hint instead of letting failures
// cascade into providers that are already struggling.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // failure threshold exceeded, requests blocked
	StateHalfOpen              // probing whether the downstream recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker tuning.
type Config struct {
	Name        string
	MaxRequests uint32        // probes allowed in half-open
	Interval    time.Duration // closed-state window for clearing counts
	Timeout     time.Duration // open-state duration before half-open
	ReadyToTrip func(counts Counts) bool
	// OnStateChange feeds the circuit-state metric.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig trips on >50% failures over at least 5 requests.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.Requests >= 5 && c.FailureRatio() > 0.5
		},
	}
}

// Counts holds request/response counts for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() { *c = Counts{} }

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

func New(cfg Config) *Breaker {
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = DefaultConfig(cfg.Name).ReadyToTrip
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	b := &Breaker{cfg: cfg, state: StateClosed}
	b.toNewGeneration(time.Now())
	return b
}

func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(time.Now())
	return s
}

// Cooldown reports how long until an open breaker moves to half-open.
// Zero when not open.
func (b *Breaker) Cooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if s, _ := b.currentState(now); s != StateOpen {
		return 0
	}
	return b.expiry.Sub(now)
}

// Allow reserves a slot for one request. Returns a done callback to
// report the outcome, or an error when the request must be rejected.
func (b *Breaker) Allow() (done func(success bool), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return nil, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxRequests {
		return nil, ErrTooManyRequests
	}
	b.counts.Requests++
	return func(success bool) { b.afterRequest(generation, success) }, nil
}

// Execute runs fn under the breaker.
func (b *Breaker) Execute(fn func() error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			done(false)
			panic(r)
		}
	}()
	err = fn()
	done(err == nil)
	return err
}

func (b *Breaker) afterRequest(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentState(now)
	if generation != current {
		return // stale result from a previous generation
	}
	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onSuccess()
	case StateHalfOpen:
		b.counts.onSuccess()
		if b.counts.ConsecutiveSuccesses >= b.cfg.MaxRequests {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onFailure()
		if b.cfg.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.toNewGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.toNewGeneration(now)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.counts.clear()
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.Timeout)
	default:
		b.expiry = time.Time{}
	}
}

// Registry hands out one breaker per key, creating on first use.
// Keys are "skill/target" pairs for skill calls and plain target names
// for outbox delivery.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	template Config
}

func NewRegistry(template Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		template: template,
	}
}

// Get returns the breaker for key, creating it from the template.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[key]; ok {
		return b
	}
	cfg := r.template
	cfg.Name = key
	b = New(cfg)
	r.breakers[key] = b
	return b
}

// States snapshots every breaker's state for health reporting.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for k, b := range r.breakers {
		out[k] = b.State()
	}
	return out
}
