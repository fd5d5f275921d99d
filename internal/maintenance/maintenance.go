// Package maintenance runs the housekeeping loop: one leader-gated
// ticker that sequentially drains the outbox, reconciles unmatched dead
// letters, applies retention, collects expired locks, settles crashed
// runs, and checks partition thresholds. One loop instead of six timers
// keeps the ordering fixed — retention always runs after reconciliation.
package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"time"

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
	"github.com/aocs/core/internal/state"
)

// partitionTables are the high-write tables watched for the partition
// rotation threshold.
var partitionTables = []string{"dead_letters", "replay_log", "audit_log"}

// Loop is the maintenance orchestrator.
type Loop struct {
	cfg     config.MaintenanceConfig
	idemTTL time.Duration
	pg      *database.Postgres
	elector *lock.Elector
	proc    *outbox.Processor
	repo    *outbox.Repository
	archive *deadletter.Archive
	idem    *idempotency.Store
	locks   *lock.Manager
	store   *state.Store
	queue   *queue.Queue
	bus     events.Emitter
	metrics *monitoring.Metrics
}

type Deps struct {
	PG      *database.Postgres
	Elector *lock.Elector
	Proc    *outbox.Processor
	Repo    *outbox.Repository
	Archive *deadletter.Archive
	Idem    *idempotency.Store
	Locks   *lock.Manager
	Store   *state.Store
	Queue   *queue.Queue
	Bus     events.Emitter
	Metrics *monitoring.Metrics
}

func NewLoop(cfg config.MaintenanceConfig, idemTTL time.Duration, d Deps) *Loop {
	return &Loop{
		cfg: cfg, idemTTL: idemTTL,
		pg: d.PG, elector: d.Elector, proc: d.Proc, repo: d.Repo,
		archive: d.Archive, idem: d.Idem, locks: d.Locks, store: d.Store,
		queue: d.Queue, bus: d.Bus, metrics: d.Metrics,
	}
}

// Run ticks until ctx is cancelled. Every tick is skipped unless this
// replica holds the leader lease.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !l.elector.IsLeader() {
			continue
		}
		l.Pass(ctx)
	}
}

// Pass runs every maintenance phase once, in order. Each phase is
// isolated: one failing phase never blocks the rest.
func (l *Loop) Pass(ctx context.Context) {
	l.phase(ctx, "outbox_drain", l.outboxDrain)
	l.phase(ctx, "deadletter_reconcile", l.reconcile)
	l.phase(ctx, "retention", l.retention)
	l.phase(ctx, "lock_gc", l.lockGC)
	l.phase(ctx, "crashed_runs", l.crashedRuns)
	l.phase(ctx, "stalled_runs", l.stalledRuns)
	l.phase(ctx, "partition_check", l.partitionCheck)
}

func (l *Loop) phase(ctx context.Context, name string, fn func(context.Context) error) {
	result := "ok"
	if err := fn(ctx); err != nil {
		result = "error"
		slog.Error("maintenance phase failed", "phase", name, "error", err)
	}
	if l.metrics != nil {
		l.metrics.MaintenancePasses.WithLabelValues(name, result).Inc()
	}
}

func (l *Loop) outboxDrain(ctx context.Context) error {
	if _, err := l.repo.ReleaseExpired(ctx); err != nil {
		return err
	}
	n, err := l.proc.Pass(ctx)
	if n > 0 {
		slog.Info("maintenance outbox pass", "moved", n)
	}
	return err
}

func (l *Loop) reconcile(ctx context.Context) error {
	n, err := l.archive.Reclassify(ctx, 500)
	if n > 0 {
		slog.Info("dead letters reclassified", "matched", n)
	}
	return err
}

func (l *Loop) retention(ctx context.Context) error {
	purged, err := l.idem.PurgeExpired(ctx, l.cfg.Retention.Std())
	if err != nil {
		return err
	}
	delivered, err := l.repo.PurgeDelivered(ctx, l.cfg.Retention.Std())
	if err != nil {
		return err
	}
	dead, err := l.archive.PurgeOld(ctx, l.cfg.Retention.Std())
	if err != nil {
		return err
	}
	if purged+delivered+dead > 0 {
		slog.Info("retention sweep",
			"idempotency", purged, "outbox", delivered, "dead_letters", dead)
	}
	return nil
}

func (l *Loop) lockGC(ctx context.Context) error {
	// Keep a grace period so a lock expiring this instant is not raced.
	n, err := l.locks.GC(ctx, time.Now().Add(-l.cfg.Interval.Std()))
	if n > 0 {
		slog.Info("expired locks collected", "count", n)
	}
	return err
}

// crashedRuns settles runs whose workers died: still running, every
// claimed op silent for two lease periods, and the run lock free to
// take. The run is marked crashed; recovery proposes a new run rather
// than resurrecting this one.
func (l *Loop) crashedRuns(ctx context.Context) error {
	cutoff := time.Now().Add(-2 * l.cfg.Interval.Std())
	ids, err := l.store.StaleRuns(ctx, cutoff, 50)
	if err != nil {
		return err
	}
	for _, id := range ids {
		lease, err := l.locks.Acquire(ctx, lock.RunResource(id), "maintenance")
		if err != nil {
			if !errors.Is(err, lock.ErrHeld) {
				slog.Warn("crashed-run lock failed", "run_id", id, "error", err)
			}
			continue // a live worker still owns it
		}
		err = l.store.FinishRun(ctx, id, core.RunCrashed, lease.FencingToken)
		if rerr := l.locks.Release(ctx, lease); rerr != nil {
			slog.Warn("crashed-run lock release failed", "run_id", id, "error", rerr)
		}
		if err != nil {
			slog.Warn("crashed-run settle failed", "run_id", id, "error", err)
			continue
		}
		l.bus.Emit(events.RunCrashed, "maintenance", id, nil)
		slog.Warn("run marked crashed", "run_id", id)
	}
	return nil
}

// stalledRuns re-enqueues runs whose next-op enqueue was lost: still
// running, nothing claimed or retrying, and every heartbeat older than
// two intervals. Enqueue is idempotent on (run, op), so racing a
// delivery that is merely slow is harmless.
func (l *Loop) stalledRuns(ctx context.Context) error {
	if l.queue == nil {
		return nil
	}
	cutoff := time.Now().Add(-2 * l.cfg.Interval.Std())
	ops, err := l.store.StalledPendingOps(ctx, cutoff, 50)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if _, err := l.queue.Enqueue(ctx, queue.Message{RunID: op.RunID, OpIndex: op.OpIndex}); err != nil {
			slog.Warn("stalled run re-enqueue failed",
				"run_id", op.RunID, "op_index", op.OpIndex, "error", err)
			continue
		}
		slog.Info("stalled run re-enqueued", "run_id", op.RunID, "op_index", op.OpIndex)
	}
	return nil
}

// partitionCheck logs when a high-write table crosses the partition
// threshold. Rotation itself is an operator action; the core works with
// or without partitioned tables.
func (l *Loop) partitionCheck(ctx context.Context) error {
	if l.cfg.PartitionThreshold <= 0 {
		return nil
	}
	for _, table := range partitionTables {
		n, err := l.pg.TableRowCount(ctx, table)
		if err != nil {
			return err
		}
		if n > l.cfg.PartitionThreshold {
			slog.Warn("table over partition threshold",
				"table", table, "rows", n, "threshold", l.cfg.PartitionThreshold)
		}
	}
	return nil
}
