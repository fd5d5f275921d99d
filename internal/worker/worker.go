// Package worker runs the execution pool. A worker claims queued ops,
// takes the run lock, drives the skill runtime, and lands the result —
// op row, replay-log record, outbox entries, and idempotency commit —
// in one transaction before acking the queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/aocs/core/internal/config"
	"github.com/aocs/core/internal/core"
	"github.com/aocs/core/internal/database"
	"github.com/aocs/core/internal/deadletter"
	"github.com/aocs/core/internal/events"
	"github.com/aocs/core/internal/idempotency"
	"github.com/aocs/core/internal/lock"
	"github.com/aocs/core/internal/monitoring"
	"github.com/aocs/core/internal/outbox"
	"github.com/aocs/core/internal/queue"
	"github.com/aocs/core/internal/recovery"
	"github.com/aocs/core/internal/skill"
	"github.com/aocs/core/internal/state"
)

// Pool is the worker pool.
type Pool struct {
	cfg     config.WorkerConfig
	qcfg    config.QueueConfig
	pg      *database.Postgres
	queue   *queue.Queue
	locks   *lock.Manager
	store   *state.Store
	runtime *skill.Runtime
	idem    *idempotency.Store
	replay  *idempotency.ReplayLog
	outbox  *outbox.Repository
	archive *deadletter.Archive
	pipe    *recovery.Pipeline
	budget  *skill.MemoryBudget
	bus     events.Emitter
	metrics *monitoring.Metrics
}

type Deps struct {
	PG      *database.Postgres
	Queue   *queue.Queue
	Locks   *lock.Manager
	Store   *state.Store
	Runtime *skill.Runtime
	Idem    *idempotency.Store
	Replay  *idempotency.ReplayLog
	Outbox  *outbox.Repository
	Archive *deadletter.Archive
	Pipe    *recovery.Pipeline
	Budget  *skill.MemoryBudget
	Bus     events.Emitter
	Metrics *monitoring.Metrics
}

func NewPool(cfg config.WorkerConfig, qcfg config.QueueConfig, d Deps) *Pool {
	return &Pool{
		cfg: cfg, qcfg: qcfg,
		pg: d.PG, queue: d.Queue, locks: d.Locks, store: d.Store,
		runtime: d.Runtime, idem: d.Idem, replay: d.Replay,
		outbox: d.Outbox, archive: d.Archive, pipe: d.Pipe,
		budget: d.Budget, bus: d.Bus, metrics: d.Metrics,
	}
}

// Run starts the pool and blocks until ctx is cancelled and every
// in-flight op has settled.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		consumer := p.cfg.ID + "-" + strconv.Itoa(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, consumer)
		}()
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, consumer string) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := p.queue.Claim(ctx, consumer, p.cfg.ClaimBatchSize, p.cfg.ClaimBlock.Std())
		if err != nil {
			slog.Warn("queue claim failed", "consumer", consumer, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for i := range msgs {
			// Claimed messages are finished even during shutdown; the
			// claim loop is the only thing the cancel stops.
			p.process(context.WithoutCancel(ctx), consumer, msgs[i])
		}
	}
}

// process executes one claimed message end to end.
func (p *Pool) process(ctx context.Context, consumer string, msg queue.Message) {
	lease, err := p.locks.Acquire(ctx, lock.RunResource(msg.RunID), consumer)
	if err != nil {
		if !errors.Is(err, lock.ErrHeld) {
			slog.Warn("run lock acquire failed", "run_id", msg.RunID, "error", err)
		}
		// Another worker owns the run; the message resurfaces when its
		// visibility lease lapses.
		return
	}
	defer func() {
		if rerr := p.locks.Release(ctx, lease); rerr != nil {
			slog.Warn("run lock release failed", "run_id", msg.RunID, "error", rerr)
		}
	}()
	token := lease.FencingToken

	run, err := p.store.GetRun(ctx, msg.RunID)
	if err != nil {
		slog.Error("run load failed", "run_id", msg.RunID, "error", err)
		return
	}
	if run.Status.Terminal() {
		// Cancelled or already settled; drop the delivery.
		p.ack(ctx, msg, token)
		return
	}
	if run.Status == core.RunQueued {
		if err := p.store.StartRun(ctx, run.ID, token); err != nil {
			slog.Error("run start failed", "run_id", run.ID, "error", err)
			return
		}
		p.bus.Emit(events.RunStarted, "worker", run.ID, nil)
	}

	op, err := p.store.GetOp(ctx, msg.RunID, msg.OpIndex)
	if err != nil {
		slog.Error("op load failed", "run_id", msg.RunID, "op_index", msg.OpIndex, "error", err)
		return
	}
	switch op.Status {
	case core.OpSucceeded:
		// Crash after commit but before ack: finish the bookkeeping.
		p.ack(ctx, msg, token)
		p.advance(ctx, run, op, token)
		return
	case core.OpDead:
		p.ack(ctx, msg, token)
		return
	}

	if err := p.store.ClaimOp(ctx, op.RunID, op.Index, consumer, token); err != nil {
		slog.Warn("op claim failed", "run_id", op.RunID, "op_index", op.Index, "error", err)
		return
	}
	attempt := op.Attempts + 1
	p.bus.Emit(events.OpClaimed, "worker", op.RunID, map[string]interface{}{
		"op_index": op.Index, "attempt": attempt, "worker": consumer,
	})

	hbCtx, stopHB := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, lease, msg, consumer, op)
	defer stopHB()

	outcome := p.execute(ctx, run, op, consumer, attempt)

	if outcome.Ok != nil {
		p.settleSuccess(ctx, run, op, outcome.Ok, consumer, attempt, token, msg)
		return
	}
	p.settleFailure(ctx, run, op, outcome.Failed, token, msg)
}

func (p *Pool) execute(ctx context.Context, run *core.Run, op *core.Operation, consumer string, attempt int) skill.Outcome {
	var params map[string]interface{}
	if err := json.Unmarshal(op.CanonicalParams, &params); err != nil {
		return skill.Outcome{Failed: &skill.FailedOutcome{
			Kind:    core.KindInternalInvariant,
			Message: fmt.Sprintf("op %s/%d params undecodable: %v", op.RunID, op.Index, err),
			Attempt: attempt,
		}}
	}
	inv := skill.Invocation{
		RunID:           op.RunID,
		OpIndex:         op.Index,
		Skill:           op.Skill,
		Params:          params,
		CanonicalParams: op.CanonicalParams,
		IdempotencyKey:  op.IdempotencyKey(),
		Deadline:        time.Now().Add(p.cfg.OpDeadline.Std()),
	}
	owner := consumer + "#" + strconv.Itoa(attempt)

	start := time.Now()
	outcome := p.runtime.Execute(ctx, inv, owner, attempt)
	if p.metrics != nil {
		p.metrics.OpDuration.WithLabelValues(op.Skill).Observe(time.Since(start).Seconds())
	}
	return outcome
}

// settleSuccess lands the result transactionally, acks, and advances the
// run to its next op.
func (p *Pool) settleSuccess(ctx context.Context, run *core.Run, op *core.Operation, ok *skill.OkOutcome, consumer string, attempt int, token int64, msg queue.Message) {
	key := op.IdempotencyKey()
	owner := consumer + "#" + strconv.Itoa(attempt)
	fp := op.Fingerprint

	err := p.pg.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := p.store.SucceedOp(ctx, tx, op.RunID, op.Index, "replay:"+key, token); err != nil {
			return err
		}
		if err := p.replay.Append(ctx, tx, op.RunID, op.Index, ok.Result, ok.ResultHash); err != nil {
			return err
		}
		for i, fx := range ok.Effects {
			fxKey := key + ":fx:" + strconv.Itoa(i)
			if _, err := p.outbox.InsertTx(ctx, tx, op.RunID, op.Index, fx.Target, fx.Payload, fxKey); err != nil {
				return err
			}
		}
		if !ok.CacheHit {
			if err := p.idem.Commit(ctx, tx, key, owner, fp, ok.Result, ok.ResultHash); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Nothing committed; the op stays claimed and the visibility
		// lease brings it back.
		slog.Error("result transaction failed",
			"run_id", op.RunID, "op_index", op.Index, "error", err)
		return
	}

	p.ack(ctx, msg, token)
	if p.metrics != nil {
		p.metrics.OpsExecuted.WithLabelValues(op.Skill, "ok").Inc()
	}
	p.bus.Emit(events.OpSucceeded, "worker", op.RunID, map[string]interface{}{
		"op_index": op.Index, "cache_hit": ok.CacheHit, "effects": len(ok.Effects),
	})
	p.advance(ctx, run, op, token)
}

// advance enqueues the next op, or finishes the run after the last one.
// Op i+1 is enqueued only after op i succeeded, which keeps per-run
// execution strictly sequential.
func (p *Pool) advance(ctx context.Context, run *core.Run, op *core.Operation, token int64) {
	next := op.Index + 1
	if next < len(run.Plan) {
		if _, err := p.queue.Enqueue(ctx, queue.Message{RunID: run.ID, OpIndex: next}); err != nil {
			// Losing this enqueue stalls the run without corrupting it; the
			// maintenance stalled-run sweep re-enqueues the pending op.
			slog.Error("next op enqueue failed", "run_id", run.ID, "op_index", next, "error", err)
		}
		return
	}
	if err := p.store.FinishRun(ctx, run.ID, core.RunSucceeded, token); err != nil {
		slog.Error("run finish failed", "run_id", run.ID, "error", err)
		return
	}
	p.budget.Forget(run.ID)
	p.bus.Emit(events.RunSucceeded, "worker", run.ID, nil)
}

// settleFailure reschedules a retryable failure or dead-letters a
// terminal one.
func (p *Pool) settleFailure(ctx context.Context, run *core.Run, op *core.Operation, failed *skill.FailedOutcome, token int64, msg queue.Message) {
	if p.metrics != nil {
		p.metrics.OpsExecuted.WithLabelValues(op.Skill, "failed").Inc()
	}
	p.bus.Emit(events.OpFailed, "worker", op.RunID, map[string]interface{}{
		"op_index": op.Index, "kind": string(failed.Kind), "retryable": failed.Retryable,
	})

	failure := &core.Failure{Kind: failed.Kind, Message: failed.Message, Retryable: failed.Retryable}

	if failed.Retryable {
		if err := p.store.FailOp(ctx, nil, op.RunID, op.Index, core.OpFailed, token); err != nil {
			slog.Warn("op fail mark lost", "run_id", op.RunID, "op_index", op.Index, "error", err)
			return
		}
		terminal, err := p.queue.Nack(ctx, msg, token, failed.CooldownHint)
		if err != nil {
			slog.Error("nack failed", "run_id", op.RunID, "op_index", op.Index, "error", err)
			return
		}
		if !terminal {
			return
		}
		failure = core.NewFailure(failed.Kind, "retries exhausted after %d attempts: %s",
			msg.Attempt+1, failed.Message)
	}
	p.deadLetter(ctx, run, op, failure, token, msg, !failed.Retryable)
}

// deadLetter archives the op and parks it. The archive insert and the
// dead transition share one transaction; the archive row exists before
// the status flips.
func (p *Pool) deadLetter(ctx context.Context, run *core.Run, op *core.Operation, failure *core.Failure, token int64, msg queue.Message, ackNeeded bool) {
	var dl *deadletter.DeadLetter
	err := p.pg.WithTx(ctx, func(tx *sqlx.Tx) error {
		var aerr error
		dl, aerr = p.archive.ArchiveOperation(ctx, tx, op, run.TenantID, failure)
		if aerr != nil {
			return aerr
		}
		return p.store.FailOp(ctx, tx, op.RunID, op.Index, core.OpDead, token)
	})
	if err != nil {
		slog.Error("dead-letter transaction failed",
			"run_id", op.RunID, "op_index", op.Index, "error", err)
		return
	}
	if ackNeeded {
		p.ack(ctx, msg, token)
	}
	if p.metrics != nil {
		p.metrics.DeadLetters.WithLabelValues(string(failure.Kind)).Inc()
	}
	p.bus.Emit(events.OpDead, "worker", op.RunID, map[string]interface{}{
		"op_index": op.Index, "kind": string(failure.Kind), "dead_letter_id": dl.ID,
	})
	p.bus.Emit(events.DeadLettered, "worker", dl.ID, map[string]interface{}{
		"run_id": op.RunID, "op_index": op.Index, "kind": string(failure.Kind),
	})

	if err := p.store.FinishRun(ctx, run.ID, core.RunFailed, token); err != nil {
		slog.Error("run fail mark lost", "run_id", run.ID, "error", err)
	} else {
		p.budget.Forget(run.ID)
		p.bus.Emit(events.RunFailed, "worker", run.ID, map[string]interface{}{
			"op_index": op.Index,
		})
	}

	if p.pipe != nil {
		if _, err := p.pipe.Propose(ctx, dl.ID); err != nil {
			slog.Warn("recovery proposal failed", "dead_letter_id", dl.ID, "error", err)
		}
	}
}

// heartbeat keeps the lock lease, queue visibility, and op heartbeat
// fresh while the skill runs.
func (p *Pool) heartbeat(ctx context.Context, lease *lock.Lease, msg queue.Message, consumer string, op *core.Operation) {
	ticker := time.NewTicker(p.cfg.HeartbeatEvery.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := p.locks.Renew(ctx, lease); err != nil {
			slog.Warn("run lock renew failed", "run_id", msg.RunID, "error", err)
			return
		}
		if err := p.queue.Extend(ctx, msg, lease.FencingToken, consumer, p.qcfg.VisibilityLease.Std()); err != nil {
			slog.Warn("visibility extend failed", "run_id", msg.RunID, "error", err)
		}
		if err := p.store.Heartbeat(ctx, op.RunID, op.Index, consumer, lease.FencingToken); err != nil {
			slog.Warn("op heartbeat failed", "run_id", op.RunID, "error", err)
		}
	}
}

func (p *Pool) ack(ctx context.Context, msg queue.Message, token int64) {
	if err := p.queue.Ack(ctx, msg, token); err != nil {
		slog.Warn("ack failed", "run_id", msg.RunID, "op_index", msg.OpIndex, "error", err)
	}
}
