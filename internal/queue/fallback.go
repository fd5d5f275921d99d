package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aocs/core/internal/database"
)

// FallbackLane is the Postgres lane. It carries enqueues made during
// broker outages and all delayed retries, since streams have no native
// delayed delivery. Rows are claimed with FOR UPDATE SKIP LOCKED.
type FallbackLane struct {
	pg  *database.Postgres
	cfg Config
}

func NewFallbackLane(pg *database.Postgres, cfg Config) *FallbackLane {
	return &FallbackLane{pg: pg, cfg: cfg}
}

// Insert records the message, visible at visibleAt. Idempotent on
// (run, op): a duplicate insert leaves the existing row untouched unless
// it carries a higher attempt (a reschedule).
func (f *FallbackLane) Insert(ctx context.Context, m *Message, visibleAt time.Time) error {
	var id int64
	err := f.pg.DB.GetContext(ctx, &id, `
		INSERT INTO queue_fallback (run_id, op_index, payload, attempt, visible_at)
		VALUES ($1, $2, ''::bytea, $3, $4)
		ON CONFLICT (run_id, op_index) DO UPDATE
		SET attempt = EXCLUDED.attempt,
		    visible_at = EXCLUDED.visible_at,
		    claimed_by = NULL,
		    lease_expires_at = NULL
		WHERE queue_fallback.attempt < EXCLUDED.attempt
		RETURNING id`,
		m.RunID, m.OpIndex, m.Attempt, visibleAt)
	if err != nil {
		// No row returned means the op is already queued at this or a
		// later attempt; treat as the idempotent no-op.
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("fallback insert: %w", err)
	}
	m.FallbackID = id
	m.Lane = LaneFallback
	return nil
}

// Claim atomically marks up to max visible rows as claimed by consumer
// with a lease, skipping rows locked by concurrent claimers.
func (f *FallbackLane) Claim(ctx context.Context, consumer string, max int) ([]Message, error) {
	rows, err := f.pg.DB.QueryxContext(ctx, `
		UPDATE queue_fallback q
		SET claimed_by = $1,
		    lease_expires_at = now() + make_interval(secs => $2)
		FROM (
			SELECT id FROM queue_fallback
			WHERE visible_at <= now()
			  AND (claimed_by IS NULL OR lease_expires_at < now())
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		) sub
		WHERE q.id = sub.id
		RETURNING q.id, q.run_id, q.op_index, q.attempt`,
		consumer, f.cfg.VisibilityLease.Seconds(), max)
	if err != nil {
		return nil, fmt.Errorf("fallback claim: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m := Message{Lane: LaneFallback}
		if err := rows.Scan(&m.FallbackID, &m.RunID, &m.OpIndex, &m.Attempt); err != nil {
			return nil, fmt.Errorf("fallback scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete removes a row after ack or migration.
func (f *FallbackLane) Delete(ctx context.Context, id int64) error {
	if _, err := f.pg.DB.ExecContext(ctx, `DELETE FROM queue_fallback WHERE id = $1`, id); err != nil {
		return fmt.Errorf("fallback delete: %w", err)
	}
	return nil
}

// Extend pushes the lease out while the claimer keeps working.
func (f *FallbackLane) Extend(ctx context.Context, m Message, consumer string, extra time.Duration) error {
	res, err := f.pg.DB.ExecContext(ctx, `
		UPDATE queue_fallback
		SET lease_expires_at = now() + make_interval(secs => $3)
		WHERE id = $1 AND claimed_by = $2`,
		m.FallbackID, consumer, extra.Seconds())
	if err != nil {
		return fmt.Errorf("fallback extend: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fallback extend: claim lost for row %d", m.FallbackID)
	}
	return nil
}

// Depth counts rows not yet delivered.
func (f *FallbackLane) Depth(ctx context.Context) (int64, error) {
	var n int64
	if err := f.pg.DB.GetContext(ctx, &n, `SELECT count(*) FROM queue_fallback`); err != nil {
		return 0, fmt.Errorf("fallback depth: %w", err)
	}
	return n, nil
}

// Migratable claims up to max unclaimed, visible rows for the
// reconciler, leasing them so concurrent reconcilers skip them.
func (f *FallbackLane) Migratable(ctx context.Context, reconciler string, max int) ([]Message, error) {
	return f.Claim(ctx, reconciler, max)
}
