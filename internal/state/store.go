// Package state is the authoritative store for runs and operations.
// Every mutation of a claimed run is fenced: the statement only lands if
// the caller's fencing token is still the live one for the run lock, so
// a zombie worker's writes die at the row level.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/aocs/core/internal/core"
	"github.com/aocs/core/internal/database"
	"github.com/aocs/core/internal/lock"
)

// Store persists runs and their operations.
type Store struct {
	pg *database.Postgres
}

func NewStore(pg *database.Postgres) *Store {
	return &Store{pg: pg}
}

// fence is appended to every mutation of a locked run. Arguments: the
// lock resource and the caller's fencing token.
const fence = `AND EXISTS (
	SELECT 1 FROM locks
	WHERE resource = $%d AND fencing_token = $%d AND lease_expires_at > now()
)`

// CreateRun inserts the run and one operation row per plan step in a
// single transaction. The caller precomputes canonical params and
// fingerprints.
func (s *Store) CreateRun(ctx context.Context, run *core.Run, ops []core.Operation) error {
	plan, err := json.Marshal(run.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	return s.pg.WithTx(ctx, func(tx *sqlx.Tx) error {
		var parent interface{}
		if run.ParentRunID != "" {
			parent = run.ParentRunID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, tenant_id, agent_id, plan, status, parent_run_id)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			run.ID, run.TenantID, run.AgentID, plan, run.Status, parent); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		for i := range ops {
			op := &ops[i]
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO operations (run_id, op_index, skill, canonical_params, fingerprint)
				VALUES ($1, $2, $3, $4, $5)`,
				op.RunID, op.Index, op.Skill, op.CanonicalParams, op.Fingerprint); err != nil {
				return fmt.Errorf("insert op %d: %w", op.Index, err)
			}
		}
		return nil
	})
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id string) (*core.Run, error) {
	var row struct {
		ID          string         `db:"id"`
		TenantID    string         `db:"tenant_id"`
		AgentID     string         `db:"agent_id"`
		Plan        []byte         `db:"plan"`
		Status      string         `db:"status"`
		ParentRunID sql.NullString `db:"parent_run_id"`
		CreatedAt   time.Time      `db:"created_at"`
		StartedAt   sql.NullTime   `db:"started_at"`
		CompletedAt sql.NullTime   `db:"completed_at"`
	}
	err := s.pg.DB.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	run := &core.Run{
		ID:          row.ID,
		TenantID:    row.TenantID,
		AgentID:     row.AgentID,
		Status:      core.RunStatus(row.Status),
		ParentRunID: row.ParentRunID.String,
		CreatedAt:   row.CreatedAt,
	}
	if row.StartedAt.Valid {
		run.StartedAt = &row.StartedAt.Time
	}
	if row.CompletedAt.Valid {
		run.CompletedAt = &row.CompletedAt.Time
	}
	if err := json.Unmarshal(row.Plan, &run.Plan); err != nil {
		return nil, fmt.Errorf("run %s plan: %w", id, err)
	}
	return run, nil
}

// Ops returns a run's operations in index order.
func (s *Store) Ops(ctx context.Context, runID string) ([]core.Operation, error) {
	rows, err := s.pg.DB.QueryxContext(ctx, `
		SELECT run_id, op_index, skill, canonical_params, fingerprint, attempts,
		       status, claimed_by, claimed_at, heartbeat_at, result_ref
		FROM operations WHERE run_id = $1 ORDER BY op_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("ops for %s: %w", runID, err)
	}
	defer rows.Close()
	var out []core.Operation
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

// GetOp loads one operation.
func (s *Store) GetOp(ctx context.Context, runID string, index int) (*core.Operation, error) {
	rows, err := s.pg.DB.QueryxContext(ctx, `
		SELECT run_id, op_index, skill, canonical_params, fingerprint, attempts,
		       status, claimed_by, claimed_at, heartbeat_at, result_ref
		FROM operations WHERE run_id = $1 AND op_index = $2`, runID, index)
	if err != nil {
		return nil, fmt.Errorf("get op %s/%d: %w", runID, index, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, core.ErrNotFound
	}
	return scanOp(rows)
}

type opScanner interface {
	Scan(dest ...interface{}) error
}

func scanOp(r opScanner) (*core.Operation, error) {
	var op core.Operation
	var claimedBy, resultRef sql.NullString
	var claimedAt, heartbeatAt sql.NullTime
	err := r.Scan(&op.RunID, &op.Index, &op.Skill, &op.CanonicalParams,
		&op.Fingerprint, &op.Attempts, &op.Status, &claimedBy, &claimedAt,
		&heartbeatAt, &resultRef)
	if err != nil {
		return nil, fmt.Errorf("scan op: %w", err)
	}
	op.ClaimedBy = claimedBy.String
	op.ResultRef = resultRef.String
	if claimedAt.Valid {
		op.ClaimedAt = &claimedAt.Time
	}
	if heartbeatAt.Valid {
		op.HeartbeatAt = &heartbeatAt.Time
	}
	return &op, nil
}

// StartRun moves queued -> running under the caller's fencing token.
func (s *Store) StartRun(ctx context.Context, runID string, token int64) error {
	q := fmt.Sprintf(`
		UPDATE runs SET status = 'running', started_at = now()
		WHERE id = $1 AND status = 'queued' `+fence, 2, 3)
	res, err := s.pg.DB.ExecContext(ctx, q, runID, lock.RunResource(runID), token)
	if err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.explainRunMiss(ctx, runID)
	}
	return nil
}

// FinishRun moves running -> terminal under the caller's fencing token.
func (s *Store) FinishRun(ctx context.Context, runID string, status core.RunStatus, token int64) error {
	if !status.Terminal() {
		return fmt.Errorf("finish run %s: %q is not terminal", runID, status)
	}
	q := fmt.Sprintf(`
		UPDATE runs SET status = $2, completed_at = now()
		WHERE id = $1 AND status = 'running' `+fence, 3, 4)
	res, err := s.pg.DB.ExecContext(ctx, q, runID, status, lock.RunResource(runID), token)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.explainRunMiss(ctx, runID)
	}
	return nil
}

// RequestCancel flags a non-terminal run as cancelled. Unfenced: it is
// the one externally driven transition, and workers observe it
// cooperatively before each op.
func (s *Store) RequestCancel(ctx context.Context, runID string) error {
	res, err := s.pg.DB.ExecContext(ctx, `
		UPDATE runs SET status = 'cancelled', completed_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')`, runID)
	if err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		run, gerr := s.GetRun(ctx, runID)
		if gerr != nil {
			return gerr
		}
		return fmt.Errorf("run %s: %w (status %s)", runID, core.ErrRunTerminal, run.Status)
	}
	return nil
}

// RunStatus returns just the status, for the worker's cancel check.
func (s *Store) RunStatus(ctx context.Context, runID string) (core.RunStatus, error) {
	var status string
	err := s.pg.DB.GetContext(ctx, &status, `SELECT status FROM runs WHERE id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("run status %s: %w", runID, err)
	}
	return core.RunStatus(status), nil
}

// ClaimOp moves pending -> claimed for the given worker, bumping the
// attempt counter. Fenced.
func (s *Store) ClaimOp(ctx context.Context, runID string, index int, workerID string, token int64) error {
	q := fmt.Sprintf(`
		UPDATE operations
		SET status = 'claimed', claimed_by = $3, claimed_at = now(),
		    heartbeat_at = now(), attempts = attempts + 1
		WHERE run_id = $1 AND op_index = $2 AND status IN ('pending', 'failed') `+fence, 4, 5)
	res, err := s.pg.DB.ExecContext(ctx, q, runID, index, workerID, lock.RunResource(runID), token)
	if err != nil {
		return fmt.Errorf("claim op %s/%d: %w", runID, index, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.explainOpMiss(ctx, runID, index)
	}
	return nil
}

// Heartbeat refreshes the claim while work continues. Fenced.
func (s *Store) Heartbeat(ctx context.Context, runID string, index int, workerID string, token int64) error {
	q := fmt.Sprintf(`
		UPDATE operations SET heartbeat_at = now()
		WHERE run_id = $1 AND op_index = $2 AND status = 'claimed' AND claimed_by = $3 `+fence, 4, 5)
	res, err := s.pg.DB.ExecContext(ctx, q, runID, index, workerID, lock.RunResource(runID), token)
	if err != nil {
		return fmt.Errorf("heartbeat op %s/%d: %w", runID, index, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrStaleFencingToken
	}
	return nil
}

// SucceedOp moves claimed -> succeeded inside the worker's result
// transaction, so the status flip, replay-log append, outbox entries,
// and idempotency commit land atomically. Fenced.
func (s *Store) SucceedOp(ctx context.Context, tx *sqlx.Tx, runID string, index int, resultRef string, token int64) error {
	q := fmt.Sprintf(`
		UPDATE operations SET status = 'succeeded', result_ref = $3
		WHERE run_id = $1 AND op_index = $2 AND status = 'claimed' `+fence, 4, 5)
	res, err := tx.ExecContext(ctx, q, runID, index, resultRef, lock.RunResource(runID), token)
	if err != nil {
		return fmt.Errorf("succeed op %s/%d: %w", runID, index, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrStaleFencingToken
	}
	return nil
}

// FailOp moves claimed -> failed (retryable) or dead (terminal). The
// dead transition runs inside the same transaction as the dead-letter
// archive insert. Fenced.
func (s *Store) FailOp(ctx context.Context, tx *sqlx.Tx, runID string, index int, status core.OpStatus, token int64) error {
	if status != core.OpFailed && status != core.OpDead {
		return fmt.Errorf("fail op %s/%d: bad status %q", runID, index, status)
	}
	// dead may follow failed (retries exhausted after a reschedule).
	q := fmt.Sprintf(`
		UPDATE operations SET status = $3
		WHERE run_id = $1 AND op_index = $2 AND status IN ('claimed', 'failed') `+fence, 4, 5)
	var res sql.Result
	var err error
	if tx != nil {
		res, err = tx.ExecContext(ctx, q, runID, index, status, lock.RunResource(runID), token)
	} else {
		res, err = s.pg.DB.ExecContext(ctx, q, runID, index, status, lock.RunResource(runID), token)
	}
	if err != nil {
		return fmt.Errorf("fail op %s/%d: %w", runID, index, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrStaleFencingToken
	}
	return nil
}

// explainRunMiss distinguishes a fenced-out write from a state conflict.
func (s *Store) explainRunMiss(ctx context.Context, runID string) error {
	status, err := s.RunStatus(ctx, runID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return fmt.Errorf("run %s: %w (status %s)", runID, core.ErrRunTerminal, status)
	}
	return core.ErrStaleFencingToken
}

func (s *Store) explainOpMiss(ctx context.Context, runID string, index int) error {
	op, err := s.GetOp(ctx, runID, index)
	if err != nil {
		return err
	}
	if op.Status == core.OpSucceeded || op.Status == core.OpDead {
		return fmt.Errorf("op %s/%d already %s: %w", runID, index, op.Status, core.ErrRunTerminal)
	}
	return core.ErrStaleFencingToken
}

// StaleRuns lists running runs whose every claimed op stopped
// heartbeating before cutoff. The maintenance loop marks them crashed
// once their lock lease has lapsed.
func (s *Store) StaleRuns(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.pg.DB.SelectContext(ctx, &ids, `
		SELECT r.id
		FROM runs r
		JOIN operations o ON o.run_id = r.id AND o.status = 'claimed'
		WHERE r.status = 'running'
		GROUP BY r.id
		HAVING max(o.heartbeat_at) < $1
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("stale runs: %w", err)
	}
	return ids, nil
}

// StalledOp identifies a pending op whose queue delivery was lost.
type StalledOp struct {
	RunID   string `db:"run_id"`
	OpIndex int    `db:"op_index"`
}

// StalledPendingOps lists the earliest pending op of each running run
// that has nothing claimed, nothing retrying, and no heartbeat since
// cutoff — a run whose next-op enqueue was lost. Failed ops are
// excluded: their retry is already scheduled on the queue.
func (s *Store) StalledPendingOps(ctx context.Context, cutoff time.Time, limit int) ([]StalledOp, error) {
	var out []StalledOp
	err := s.pg.DB.SelectContext(ctx, &out, `
		SELECT o.run_id, min(o.op_index) AS op_index
		FROM operations o
		JOIN runs r ON r.id = o.run_id
		WHERE r.status = 'running'
		  AND o.status = 'pending'
		  AND NOT EXISTS (
			SELECT 1 FROM operations live
			WHERE live.run_id = o.run_id AND live.status IN ('claimed', 'failed')
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM operations fresh
			WHERE fresh.run_id = o.run_id AND fresh.heartbeat_at > $1
		  )
		GROUP BY o.run_id
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("stalled pending ops: %w", err)
	}
	return out, nil
}

// CountRuns reports run totals by status for metrics and the admin CLI.
func (s *Store) CountRuns(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pg.DB.QueryxContext(ctx,
		`SELECT status, count(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
