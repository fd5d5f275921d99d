package skill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aocs/core/internal/canonical"
	"github.com/aocs/core/internal/circuitbreaker"
	"github.com/aocs/core/internal/core"
	"github.com/aocs/core/internal/idempotency"
)

// BudgetTracker enforces per-run cost budgets.
type BudgetTracker interface {
	// Remaining returns the budget left for a run.
	Remaining(ctx context.Context, runID string) (float64, error)
	// Charge deducts cost after a successful execution.
	Charge(ctx context.Context, runID string, cost float64) error
}

// MemoryBudget is the in-process budget tracker. Budgets are seeded per
// run at submission time and fall back to a default.
type MemoryBudget struct {
	mu            sync.Mutex
	remaining     map[string]float64
	defaultBudget float64
}

func NewMemoryBudget(defaultBudget float64) *MemoryBudget {
	return &MemoryBudget{
		remaining:     make(map[string]float64),
		defaultBudget: defaultBudget,
	}
}

// Seed sets a run's budget explicitly.
func (b *MemoryBudget) Seed(runID string, budget float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining[runID] = budget
}

func (b *MemoryBudget) Remaining(_ context.Context, runID string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.remaining[runID]; ok {
		return v, nil
	}
	b.remaining[runID] = b.defaultBudget
	return b.defaultBudget, nil
}

func (b *MemoryBudget) Charge(_ context.Context, runID string, cost float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.remaining[runID]; !ok {
		b.remaining[runID] = b.defaultBudget
	}
	b.remaining[runID] -= cost
	return nil
}

// Forget drops bookkeeping for a finished run.
func (b *MemoryBudget) Forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.remaining, runID)
}

// Runtime executes one skill invocation under the full contract: budget
// pre-flight, per-op deadline, circuit breaker, idempotency claim, and
// panic containment. The caller commits the idempotency record inside
// the result transaction after a successful outcome.
type Runtime struct {
	registry   *Registry
	idem       *idempotency.Store
	breakers   *circuitbreaker.Registry
	budget     BudgetTracker
	onDecision func(decision string)
}

func NewRuntime(registry *Registry, idem *idempotency.Store, breakers *circuitbreaker.Registry, budget BudgetTracker) *Runtime {
	return &Runtime{registry: registry, idem: idem, breakers: breakers, budget: budget}
}

// ObserveDecisions registers a hook receiving every idempotency claim
// decision. The server feeds the decisions counter through it.
func (rt *Runtime) ObserveDecisions(fn func(decision string)) {
	rt.onDecision = fn
}

// BreakerKey names the circuit for a skill and its downstream target.
func BreakerKey(skillName, target string) string {
	if target == "" {
		return skillName
	}
	return skillName + "/" + target
}

// Execute runs the invocation and always returns a structured outcome.
// owner identifies this worker attempt for idempotency ownership.
func (rt *Runtime) Execute(ctx context.Context, inv Invocation, owner string, attempt int) Outcome {
	reg, found := rt.registry.Get(inv.Skill)
	if !found {
		return failed(core.KindNotFound, fmt.Sprintf("skill %q not registered", inv.Skill), false, attempt)
	}
	if reg.ValidateParams != nil {
		if err := reg.ValidateParams(inv.Params); err != nil {
			return failed(core.KindSchemaMismatch, err.Error(), false, attempt)
		}
	}

	remaining, err := rt.budget.Remaining(ctx, inv.RunID)
	if err != nil {
		return failed(core.KindTransient, fmt.Sprintf("budget check: %v", err), true, attempt)
	}
	if remaining <= 0 {
		return failed(core.KindBudgetExceeded,
			fmt.Sprintf("run %s budget exhausted", inv.RunID), false, attempt)
	}

	fp := canonical.Hash(inv.CanonicalParams)
	claim, err := rt.idem.ClaimOrReturn(ctx, inv.IdempotencyKey, fp, owner)
	if err != nil {
		return failed(core.KindTransient, fmt.Sprintf("idempotency claim: %v", err), true, attempt)
	}
	if rt.onDecision != nil {
		rt.onDecision(claim.Decision.String())
	}
	switch claim.Decision {
	case idempotency.Cached:
		return ok(claim.Result, claim.ResultHash, 0, 0, true, nil)
	case idempotency.ParamMismatch:
		return failed(core.KindParamMismatch,
			fmt.Sprintf("key %s reused with different params", inv.IdempotencyKey), false, attempt)
	case idempotency.Contended:
		return failed(core.KindTransient,
			fmt.Sprintf("op in flight on %s", claim.Owner), true, attempt)
	}

	breaker := rt.breakers.Get(BreakerKey(inv.Skill, reg.Target))
	done, err := breaker.Allow()
	if err != nil {
		rt.abandon(ctx, inv.IdempotencyKey, owner)
		out := failed(core.KindCircuitOpen, err.Error(), true, attempt)
		out.Failed.CooldownHint = breaker.Cooldown()
		return out
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if !inv.Deadline.IsZero() {
		execCtx, cancel = context.WithDeadline(ctx, inv.Deadline)
		defer cancel()
	}

	start := time.Now()
	result, failure := rt.invoke(execCtx, reg, inv)
	elapsed := time.Since(start)

	if failure != nil {
		done(false)
		rt.abandon(ctx, inv.IdempotencyKey, owner)
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && failure.Kind != core.KindDeadline {
			return failed(core.KindDeadline,
				fmt.Sprintf("op deadline exceeded after %s", elapsed), true, attempt)
		}
		return failed(failure.Kind, failure.Message, failure.Retryable, attempt)
	}
	done(true)

	canon, cerr := canonical.Bytes(result.Payload)
	if cerr != nil {
		// Non-JSON payloads hash as-is; the replay law still holds
		// because the bytes themselves are the canonical form.
		canon = result.Payload
	}
	if err := rt.budget.Charge(ctx, inv.RunID, result.Cost); err != nil {
		slog.Warn("budget charge failed", "run_id", inv.RunID, "error", err)
	}
	return ok(canon, canonical.Hash(canon), result.Cost, elapsed, false, result.Effects)
}

// Reexecute re-runs a skill body with previously committed canonical
// params and returns the canonicalised result bytes and hash. It
// bypasses the idempotency store, the budget, and the breaker: replay
// verification needs the raw deterministic answer, not a cached one.
// Skills whose bodies read live external state will legitimately
// diverge here; the replay log records that as a mismatch.
func (rt *Runtime) Reexecute(ctx context.Context, inv Invocation) ([]byte, string, *core.Failure) {
	reg, found := rt.registry.Get(inv.Skill)
	if !found {
		return nil, "", core.NewFailure(core.KindNotFound, "skill %q not registered", inv.Skill)
	}
	execCtx := ctx
	var cancel context.CancelFunc
	if !inv.Deadline.IsZero() {
		execCtx, cancel = context.WithDeadline(ctx, inv.Deadline)
		defer cancel()
	}
	result, failure := rt.invoke(execCtx, reg, inv)
	if failure != nil {
		return nil, "", failure
	}
	canon, cerr := canonical.Bytes(result.Payload)
	if cerr != nil {
		canon = result.Payload
	}
	return canon, canonical.Hash(canon), nil
}

// invoke calls the adapter with panic containment. A panicking skill
// body becomes an InternalInvariant failure, never a crashed worker.
func (rt *Runtime) invoke(ctx context.Context, reg *Registration, inv Invocation) (result *Result, failure *core.Failure) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("skill panicked", "skill", inv.Skill, "run_id", inv.RunID, "panic", r)
			result = nil
			failure = core.NewFailure(core.KindInternalInvariant, "skill %s panicked: %v", inv.Skill, r)
		}
	}()
	return reg.Adapter.Invoke(ctx, inv)
}

func (rt *Runtime) abandon(ctx context.Context, key, owner string) {
	if err := rt.idem.Abandon(ctx, key, owner); err != nil {
		slog.Warn("idempotency abandon failed", "key", key, "error", err)
	}
}
