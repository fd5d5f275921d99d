// Package orchestrator is the inbound service surface: run submission
// and control, replay verification, and the dead-letter/recovery
// operator API.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aocs/core/internal/canonical"
	"github.com/aocs/core/internal/core"
	"github.com/aocs/core/internal/deadletter"
	"github.com/aocs/core/internal/events"
	"github.com/aocs/core/internal/idempotency"
	"github.com/aocs/core/internal/monitoring"
	"github.com/aocs/core/internal/outbox"
	"github.com/aocs/core/internal/queue"
	"github.com/aocs/core/internal/recovery"
	"github.com/aocs/core/internal/skill"
	"github.com/aocs/core/internal/state"
)

// ErrBackpressure rejects submissions while the outbox backlog is past
// its threshold.
var ErrBackpressure = errors.New("submission rejected: outbox backlog over threshold")

// SubmitRequest is one inbound run.
type SubmitRequest struct {
	TenantID string          `json:"tenant_id"`
	AgentID  string          `json:"agent_id"`
	Plan     []core.PlanStep `json:"plan"`
	// IdempotencyKey deduplicates client retries of the same submission.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	// Budget caps the run's total skill cost; zero means the default.
	Budget float64 `json:"budget,omitempty"`
}

// ReExecutor re-runs a committed op's skill body so replay verification
// compares a freshly computed hash, never a stored one.
type ReExecutor interface {
	Reexecute(ctx context.Context, inv skill.Invocation) ([]byte, string, *core.Failure)
}

// Orchestrator wires the inbound API to the execution core.
type Orchestrator struct {
	store        *state.Store
	queue        *queue.Queue
	idem         *idempotency.Store
	replay       *idempotency.ReplayLog
	archive      *deadletter.Archive
	pipe         *recovery.Pipeline
	outbox       *outbox.Repository
	budget       *skill.MemoryBudget
	runtime      ReExecutor
	bus          events.Emitter
	metrics      *monitoring.Metrics
	lagThreshold int64
}

func New(store *state.Store, q *queue.Queue, idem *idempotency.Store, replay *idempotency.ReplayLog,
	archive *deadletter.Archive, pipe *recovery.Pipeline, ob *outbox.Repository,
	budget *skill.MemoryBudget, runtime ReExecutor, bus events.Emitter, lagThreshold int64) *Orchestrator {
	return &Orchestrator{
		store: store, queue: q, idem: idem, replay: replay,
		archive: archive, pipe: pipe, outbox: ob,
		budget: budget, runtime: runtime, bus: bus, lagThreshold: lagThreshold,
	}
}

// WithMetrics wires the replay mismatch counter.
func (o *Orchestrator) WithMetrics(m *monitoring.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// SubmitRun admits a plan: canonicalises every step, persists the run
// and its ops, and enqueues op 0. Client retries carrying the same
// idempotency key get the original run id back.
func (o *Orchestrator) SubmitRun(ctx context.Context, req SubmitRequest) (string, error) {
	if len(req.Plan) == 0 {
		return "", fmt.Errorf("empty plan")
	}
	if req.TenantID == "" || req.AgentID == "" {
		return "", fmt.Errorf("tenant_id and agent_id are required")
	}
	if err := o.checkBackpressure(ctx); err != nil {
		return "", err
	}

	run := &core.Run{
		ID:       uuid.NewString(),
		TenantID: req.TenantID,
		AgentID:  req.AgentID,
		Plan:     req.Plan,
		Status:   core.RunQueued,
	}
	ops := make([]core.Operation, len(req.Plan))
	for i, step := range req.Plan {
		canon, err := canonical.Marshal(step.Params)
		if err != nil {
			return "", fmt.Errorf("step %d params: %w", i, err)
		}
		ops[i] = core.Operation{
			RunID:           run.ID,
			Index:           i,
			Skill:           step.Skill,
			CanonicalParams: canon,
			Fingerprint:     canonical.Fingerprint(step.Skill, canon, i),
			Status:          core.OpPending,
		}
	}

	// Submission-level idempotency: claim submit:<key>; a cached claim
	// means a client retry, so hand back the original run id.
	var submitKey, submitOwner, submitFP string
	if req.IdempotencyKey != "" {
		submitKey = "submit:" + req.IdempotencyKey
		submitOwner = "orchestrator:" + run.ID
		planCanon, err := canonical.Marshal(req.Plan)
		if err != nil {
			return "", fmt.Errorf("plan canonicalise: %w", err)
		}
		submitFP = canonical.Hash(planCanon)
		claim, err := o.idem.ClaimOrReturn(ctx, submitKey, submitFP, submitOwner)
		if err != nil {
			return "", err
		}
		switch claim.Decision {
		case idempotency.Cached:
			return string(claim.Result), nil
		case idempotency.ParamMismatch:
			return "", fmt.Errorf("submission key %q: %w", req.IdempotencyKey, idempotency.ErrParamMismatch)
		case idempotency.Contended:
			return "", fmt.Errorf("submission key %q already in flight", req.IdempotencyKey)
		}
	}

	if err := o.store.CreateRun(ctx, run, ops); err != nil {
		return "", err
	}
	if req.Budget > 0 {
		o.budget.Seed(run.ID, req.Budget)
	}

	if submitKey != "" {
		err := o.idem.CommitDirect(ctx, submitKey, submitOwner, submitFP, []byte(run.ID), canonical.Hash([]byte(run.ID)))
		if err != nil {
			slog.Warn("submission idempotency commit failed", "run_id", run.ID, "error", err)
		}
	}

	if _, err := o.queue.Enqueue(ctx, queue.Message{RunID: run.ID, OpIndex: 0}); err != nil {
		return run.ID, fmt.Errorf("run %s persisted but not enqueued: %w", run.ID, err)
	}
	o.bus.Emit(events.RunSubmitted, "orchestrator", run.ID, map[string]interface{}{
		"tenant_id": run.TenantID, "agent_id": run.AgentID, "steps": len(run.Plan),
	})
	return run.ID, nil
}

func (o *Orchestrator) checkBackpressure(ctx context.Context) error {
	if o.lagThreshold <= 0 {
		return nil
	}
	depth, err := o.outbox.Depth(ctx)
	if err != nil {
		slog.Warn("backpressure check failed", "error", err)
		return nil
	}
	if depth > o.lagThreshold {
		return fmt.Errorf("%w (%d entries)", ErrBackpressure, depth)
	}
	return nil
}

// Reinject submits a recovery run parent-linked to the original. It is
// the recovery pipeline's injection port; recovery runs take the same
// path as agent submissions, minus backpressure (recoveries drain
// backlog, they do not add fresh work).
func (o *Orchestrator) Reinject(ctx context.Context, parentRunID, tenantID string, plan []core.PlanStep) (string, error) {
	parent, err := o.store.GetRun(ctx, parentRunID)
	if err != nil {
		return "", err
	}
	if !parent.Status.Terminal() {
		return "", fmt.Errorf("parent run %s not terminal (%s)", parentRunID, parent.Status)
	}
	run := &core.Run{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		AgentID:     parent.AgentID,
		Plan:        plan,
		Status:      core.RunQueued,
		ParentRunID: parentRunID,
	}
	ops := make([]core.Operation, len(plan))
	for i, step := range plan {
		canon, err := canonical.Marshal(step.Params)
		if err != nil {
			return "", fmt.Errorf("recovery step %d params: %w", i, err)
		}
		ops[i] = core.Operation{
			RunID:           run.ID,
			Index:           i,
			Skill:           step.Skill,
			CanonicalParams: canon,
			Fingerprint:     canonical.Fingerprint(step.Skill, canon, i),
			Status:          core.OpPending,
		}
	}
	if err := o.store.CreateRun(ctx, run, ops); err != nil {
		return "", err
	}
	if _, err := o.queue.Enqueue(ctx, queue.Message{RunID: run.ID, OpIndex: 0}); err != nil {
		return run.ID, fmt.Errorf("recovery run %s persisted but not enqueued: %w", run.ID, err)
	}
	o.bus.Emit(events.RunSubmitted, "recovery", run.ID, map[string]interface{}{
		"parent_run_id": parentRunID, "tenant_id": tenantID,
	})
	return run.ID, nil
}

// GetRun returns the run with its operations.
func (o *Orchestrator) GetRun(ctx context.Context, id string) (*core.RunSnapshot, error) {
	run, err := o.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	ops, err := o.store.Ops(ctx, id)
	if err != nil {
		return nil, err
	}
	return &core.RunSnapshot{Run: *run, Ops: ops}, nil
}

// CancelRun requests cooperative cancellation. Already-running ops
// finish; unstarted ops never execute.
func (o *Orchestrator) CancelRun(ctx context.Context, id string) error {
	if err := o.store.RequestCancel(ctx, id); err != nil {
		return err
	}
	o.bus.Emit(events.RunCancelled, "orchestrator", id, nil)
	return nil
}

// ReplayReport is the result of verifying one run's committed results.
type ReplayReport struct {
	RunID      string         `json:"run_id"`
	Checked    int            `json:"checked"`
	Matches    int            `json:"matches"`
	Mismatches int            `json:"mismatches"`
	NoRecord   int            `json:"no_record"`
	Errors     int            `json:"errors"`
	Ops        []ReplayOpLine `json:"ops"`
}

type ReplayOpLine struct {
	OpIndex int    `json:"op_index"`
	Verdict string `json:"verdict"`
	Hash    string `json:"hash,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Replay re-executes each committed op of a run with its stored
// canonical params and compares the freshly computed result hash with
// the append-only record. Divergence is recorded, never repaired. An op
// whose skill body fails on re-execution counts as an error, not a
// verdict.
func (o *Orchestrator) Replay(ctx context.Context, runID string) (*ReplayReport, error) {
	ops, err := o.store.Ops(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, core.ErrNotFound
	}
	report := &ReplayReport{RunID: runID}
	for i := range ops {
		op := &ops[i]
		if op.Status != core.OpSucceeded {
			continue
		}
		stored, _, err := o.replay.Result(ctx, runID, op.Index)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			report.Checked++
			report.NoRecord++
			report.Ops = append(report.Ops, ReplayOpLine{OpIndex: op.Index, Verdict: string(idempotency.NoRecord)})
			continue
		}
		var params map[string]interface{}
		if err := json.Unmarshal(op.CanonicalParams, &params); err != nil {
			return nil, fmt.Errorf("op %s/%d params: %w", runID, op.Index, err)
		}
		_, recomputed, failure := o.runtime.Reexecute(ctx, skill.Invocation{
			RunID:           runID,
			OpIndex:         op.Index,
			Skill:           op.Skill,
			Params:          params,
			CanonicalParams: op.CanonicalParams,
			IdempotencyKey:  op.IdempotencyKey(),
		})
		report.Checked++
		if failure != nil {
			report.Errors++
			report.Ops = append(report.Ops, ReplayOpLine{
				OpIndex: op.Index, Verdict: "error", Error: failure.Message,
			})
			continue
		}
		verdict, err := o.replay.Verify(ctx, runID, op.Index, recomputed)
		if err != nil {
			return nil, err
		}
		switch verdict {
		case idempotency.Match:
			report.Matches++
		case idempotency.Mismatch:
			report.Mismatches++
			if o.metrics != nil {
				o.metrics.ReplayMismatches.Inc()
			}
		case idempotency.NoRecord:
			report.NoRecord++
		}
		report.Ops = append(report.Ops, ReplayOpLine{
			OpIndex: op.Index, Verdict: string(verdict), Hash: recomputed,
		})
	}
	o.bus.Emit(events.ReplayChecked, "orchestrator", runID, map[string]interface{}{
		"checked": report.Checked, "mismatches": report.Mismatches,
	})
	return report, nil
}

// ListDeadLetters surfaces the archive.
func (o *Orchestrator) ListDeadLetters(ctx context.Context, f deadletter.ListFilter) ([]deadletter.DeadLetter, error) {
	return o.archive.List(ctx, f)
}

// ProposeRecovery generates candidates for a dead letter on demand.
func (o *Orchestrator) ProposeRecovery(ctx context.Context, deadLetterID string) ([]recovery.Candidate, error) {
	cands, err := o.pipe.Propose(ctx, deadLetterID)
	if err != nil {
		return nil, err
	}
	for i := range cands {
		o.bus.Emit(events.CandidateMade, "orchestrator", cands[i].ID, map[string]interface{}{
			"dead_letter_id": deadLetterID, "action": cands[i].Action,
			"confidence": cands[i].Confidence, "source": cands[i].Source,
		})
	}
	return cands, nil
}

// ApproveCandidate approves and executes one candidate.
func (o *Orchestrator) ApproveCandidate(ctx context.Context, id, approver string) error {
	if err := o.pipe.Approve(ctx, id, approver); err != nil {
		return err
	}
	o.bus.Emit(events.CandidateMoved, "orchestrator", id, map[string]interface{}{
		"status": recovery.StatusApproved, "approver": approver,
	})
	return nil
}

// RejectCandidate rejects one candidate; it stays for audit.
func (o *Orchestrator) RejectCandidate(ctx context.Context, id, approver string) error {
	if err := o.pipe.Reject(ctx, id, approver); err != nil {
		return err
	}
	o.bus.Emit(events.CandidateMoved, "orchestrator", id, map[string]interface{}{
		"status": recovery.StatusRejected, "approver": approver,
	})
	return nil
}

// ListCandidates lists recovery candidates by status.
func (o *Orchestrator) ListCandidates(ctx context.Context, status string, limit int) ([]recovery.Candidate, error) {
	return o.pipe.List(ctx, status, limit)
}

// Stats is the operator overview.
type Stats struct {
	Runs            map[string]int64 `json:"runs"`
	QueuePrimary    int64            `json:"queue_primary"`
	QueueFallback   int64            `json:"queue_fallback"`
	OutboxDepth     int64            `json:"outbox_depth"`
	DeadLetters     int64            `json:"dead_letters"`
	DeadUnmatched   int64            `json:"dead_unmatched"`
	DeadRecovered   int64            `json:"dead_recovered"`
	CollectedAtUnix int64            `json:"collected_at"`
}

// Stats gathers the overview counters.
func (o *Orchestrator) Stats(ctx context.Context) (*Stats, error) {
	runs, err := o.store.CountRuns(ctx)
	if err != nil {
		return nil, err
	}
	primary, fallback, err := o.queue.Depths(ctx)
	if err != nil {
		slog.Warn("queue depth unavailable", "error", err)
	}
	depth, err := o.outbox.Depth(ctx)
	if err != nil {
		return nil, err
	}
	total, unmatched, recovered, err := o.archive.Counts(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Runs:            runs,
		QueuePrimary:    primary,
		QueueFallback:   fallback,
		OutboxDepth:     depth,
		DeadLetters:     total,
		DeadUnmatched:   unmatched,
		DeadRecovered:   recovered,
		CollectedAtUnix: time.Now().Unix(),
	}, nil
}
