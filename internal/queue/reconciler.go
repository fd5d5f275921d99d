package queue

import (
	"context"
	"log/slog"
	"time"
)

// Reconciler drains the fallback lane back to the primary stream once
// the broker recovers. A row is deleted only after the XADD ack; a crash
// in between can re-deliver, which the idempotency store collapses.
type Reconciler struct {
	q    *Queue
	name string
}

func NewReconciler(q *Queue, workerID string) *Reconciler {
	return &Reconciler{q: q, name: "reconciler:" + workerID}
}

// Run loops until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.q.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.q.BrokerHealthy() {
				continue
			}
			if n, err := r.Pass(ctx); err != nil {
				slog.Warn("fallback reconcile pass failed", "error", err)
			} else if n > 0 {
				slog.Info("migrated fallback messages to primary lane", "count", n)
			}
		}
	}
}

// Pass migrates one batch and returns how many rows moved.
func (r *Reconciler) Pass(ctx context.Context) (int, error) {
	msgs, err := r.q.fallback.Migratable(ctx, r.name, r.q.cfg.ReconcileBatchSize)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, m := range msgs {
		add := m
		add.Partition = r.q.Partition(m.RunID)
		if err := r.q.stream.Add(ctx, &add); err != nil {
			// Leave the row claimed; its lease expires and a later pass
			// retries the migration.
			slog.Warn("migration xadd failed", "run_id", m.RunID, "op_index", m.OpIndex, "error", err)
			continue
		}
		if err := r.q.fallback.Delete(ctx, m.FallbackID); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}
