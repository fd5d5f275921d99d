// Package outbox implements the transactional outbox. Skills never call
// downstreams directly: the worker writes effect intents to the outbox
// table inside the same transaction as the op's result, and the
// processor delivers them afterwards with an idempotency key the
// downstream can deduplicate on.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/aocs/core/internal/database"
)

// Entry statuses.
const (
	StatusPending   = "pending"
	StatusInFlight  = "in_flight"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Entry is one deferred external side-effect.
type Entry struct {
	ID             string         `db:"id"`
	Seq            int64          `db:"seq"`
	RunID          string         `db:"run_id"`
	OpIndex        int            `db:"op_index"`
	Target         string         `db:"target"`
	Payload        []byte         `db:"payload"`
	IdempotencyKey string         `db:"idempotency_key"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	NextVisibleAt  time.Time      `db:"next_visible_at"`
	LeaseExpiresAt sql.NullTime   `db:"lease_expires_at"`
	LastError      sql.NullString `db:"last_error"`
	CreatedAt      time.Time      `db:"created_at"`
	DeliveredAt    sql.NullTime   `db:"delivered_at"`
}

// Lane identifies the serial delivery lane an entry belongs to. Entries
// in the same lane deliver strictly in seq order; lanes are independent.
func (e *Entry) Lane() string { return e.RunID + "\x00" + e.Target }

// Repository is the Postgres outbox store.
type Repository struct {
	pg *database.Postgres
}

func NewRepository(pg *database.Postgres) *Repository {
	return &Repository{pg: pg}
}

// InsertTx appends entries inside the worker's result transaction. The
// idempotency key is derived from the op so a re-executed op writes the
// same key and the downstream collapses the duplicate.
func (r *Repository) InsertTx(ctx context.Context, tx *sqlx.Tx, runID string, opIndex int, target string, payload []byte, idemKey string) (string, error) {
	id := uuid.NewString()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (id, run_id, op_index, target, payload, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, runID, opIndex, target, payload, idemKey)
	if err != nil {
		return "", fmt.Errorf("outbox insert: %w", err)
	}
	return id, nil
}

// ClaimBatch leases visible pending entries, skipping any entry with an
// earlier undelivered sibling in its lane so per-lane order holds even
// across processor restarts and retry backoffs.
func (r *Repository) ClaimBatch(ctx context.Context, limit int, lease time.Duration) ([]Entry, error) {
	var out []Entry
	err := r.pg.DB.SelectContext(ctx, &out, `
		UPDATE outbox SET
			status = 'in_flight',
			lease_expires_at = now() + make_interval(secs => $2)
		FROM (
			SELECT id FROM outbox o
			WHERE o.status = 'pending'
			  AND o.next_visible_at <= now()
			  AND NOT EXISTS (
				SELECT 1 FROM outbox prior
				WHERE prior.run_id = o.run_id
				  AND prior.target = o.target
				  AND prior.seq < o.seq
				  AND prior.status IN ('pending', 'in_flight')
			  )
			ORDER BY o.seq
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		) ready
		WHERE outbox.id = ready.id
		RETURNING outbox.id, outbox.seq, outbox.run_id, outbox.op_index,
			outbox.target, outbox.payload, outbox.idempotency_key,
			outbox.status, outbox.attempts, outbox.next_visible_at,
			outbox.lease_expires_at, outbox.last_error, outbox.created_at,
			outbox.delivered_at`,
		limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("outbox claim: %w", err)
	}
	return out, nil
}

// MarkDelivered records a successful delivery.
func (r *Repository) MarkDelivered(ctx context.Context, id string) error {
	_, err := r.pg.DB.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'delivered', delivered_at = now(), lease_expires_at = NULL
		WHERE id = $1 AND status = 'in_flight'`, id)
	if err != nil {
		return fmt.Errorf("outbox mark delivered: %w", err)
	}
	return nil
}

// MarkRetry returns the entry to pending with a backoff delay.
func (r *Repository) MarkRetry(ctx context.Context, id string, delay time.Duration, lastErr string) error {
	_, err := r.pg.DB.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'pending',
		    attempts = attempts + 1,
		    next_visible_at = now() + make_interval(secs => $2),
		    lease_expires_at = NULL,
		    last_error = $3
		WHERE id = $1 AND status = 'in_flight'`,
		id, delay.Seconds(), lastErr)
	if err != nil {
		return fmt.Errorf("outbox mark retry: %w", err)
	}
	return nil
}

// MarkFailed parks the entry terminally. The processor archives it to
// the dead-letter store before calling this.
func (r *Repository) MarkFailed(ctx context.Context, id, lastErr string) error {
	_, err := r.pg.DB.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'failed', attempts = attempts + 1,
		    lease_expires_at = NULL, last_error = $2
		WHERE id = $1 AND status = 'in_flight'`, id, lastErr)
	if err != nil {
		return fmt.Errorf("outbox mark failed: %w", err)
	}
	return nil
}

// Unclaim returns an in-flight entry to pending without counting an
// attempt. Used for lane tails that never got a delivery try.
func (r *Repository) Unclaim(ctx context.Context, id string) error {
	_, err := r.pg.DB.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'pending', lease_expires_at = NULL
		WHERE id = $1 AND status = 'in_flight'`, id)
	if err != nil {
		return fmt.Errorf("outbox unclaim: %w", err)
	}
	return nil
}

// ReleaseExpired returns in-flight entries whose lease lapsed (a crashed
// processor) to pending. Attempts is not bumped; the crash was ours.
func (r *Repository) ReleaseExpired(ctx context.Context) (int64, error) {
	res, err := r.pg.DB.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'pending', lease_expires_at = NULL
		WHERE status = 'in_flight' AND lease_expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("outbox release expired: %w", err)
	}
	return res.RowsAffected()
}

// Depth counts undelivered entries. The orchestrator uses this for
// submission backpressure.
func (r *Repository) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := r.pg.DB.GetContext(ctx, &n,
		`SELECT count(*) FROM outbox WHERE status IN ('pending', 'in_flight')`)
	if err != nil {
		return 0, fmt.Errorf("outbox depth: %w", err)
	}
	return n, nil
}

// OldestPendingAge reports how stale the head of the queue is.
func (r *Repository) OldestPendingAge(ctx context.Context) (time.Duration, error) {
	var created sql.NullTime
	err := r.pg.DB.GetContext(ctx, &created,
		`SELECT min(created_at) FROM outbox WHERE status = 'pending'`)
	if err != nil {
		return 0, fmt.Errorf("outbox oldest pending: %w", err)
	}
	if !created.Valid {
		return 0, nil
	}
	return time.Since(created.Time), nil
}

// PurgeDelivered removes delivered entries older than retention.
func (r *Repository) PurgeDelivered(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := r.pg.DB.ExecContext(ctx, `
		DELETE FROM outbox
		WHERE status = 'delivered' AND delivered_at < now() - make_interval(secs => $1)`,
		retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("outbox purge: %w", err)
	}
	return res.RowsAffected()
}

// Get fetches one entry.
func (r *Repository) Get(ctx context.Context, id string) (*Entry, error) {
	var e Entry
	err := r.pg.DB.GetContext(ctx, &e, `SELECT * FROM outbox WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("outbox get %s: %w", id, err)
	}
	return &e, nil
}
