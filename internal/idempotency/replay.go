package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/aocs/core/internal/database"
)

// Verdict is the outcome of a replay verification.
type Verdict string

const (
	Match    Verdict = "match"
	Mismatch Verdict = "mismatch"
	// NoRecord means the op never committed a canonical result.
	NoRecord Verdict = "no_record"
)

// ReplayLog is the append-only canonical-result log. A record is written
// once, in the same transaction as the op's result row; later executions
// that diverge are recorded as mismatches, never overwrites.
type ReplayLog struct {
	pg *database.Postgres
}

func NewReplayLog(pg *database.Postgres) *ReplayLog {
	return &ReplayLog{pg: pg}
}

// Append writes the canonical result for (run, op) inside tx. A second
// append for the same op is a no-op; the first record stands.
func (l *ReplayLog) Append(ctx context.Context, tx *sqlx.Tx, runID string, opIndex int, result []byte, resultHash string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO replay_log (run_id, op_index, result, result_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, op_index) DO NOTHING`,
		runID, opIndex, result, resultHash)
	if err != nil {
		return fmt.Errorf("replay log append: %w", err)
	}
	return nil
}

// Verify compares a recomputed result hash against the committed record.
// On divergence a mismatch row is written and the committed record is
// left untouched.
func (l *ReplayLog) Verify(ctx context.Context, runID string, opIndex int, recomputedHash string) (Verdict, error) {
	var stored string
	err := l.pg.DB.GetContext(ctx, &stored, `
		SELECT result_hash FROM replay_log WHERE run_id = $1 AND op_index = $2`,
		runID, opIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return NoRecord, nil
	}
	if err != nil {
		return "", fmt.Errorf("replay verify: %w", err)
	}
	if stored == recomputedHash {
		return Match, nil
	}
	_, err = l.pg.DB.ExecContext(ctx, `
		INSERT INTO replay_mismatches (id, run_id, op_index, expected_hash, actual_hash)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), runID, opIndex, stored, recomputedHash)
	if err != nil {
		return Mismatch, fmt.Errorf("record replay mismatch: %w", err)
	}
	return Mismatch, nil
}

// Result returns the committed canonical result for an op.
func (l *ReplayLog) Result(ctx context.Context, runID string, opIndex int) ([]byte, string, error) {
	var rec struct {
		Result []byte `db:"result"`
		Hash   string `db:"result_hash"`
	}
	err := l.pg.DB.GetContext(ctx, &rec, `
		SELECT result, result_hash FROM replay_log WHERE run_id = $1 AND op_index = $2`,
		runID, opIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("replay result: %w", err)
	}
	return rec.Result, rec.Hash, nil
}

// MismatchCount reports how many mismatches a run has accumulated.
func (l *ReplayLog) MismatchCount(ctx context.Context, runID string) (int64, error) {
	var n int64
	err := l.pg.DB.GetContext(ctx, &n,
		`SELECT count(*) FROM replay_mismatches WHERE run_id = $1`, runID)
	if err != nil {
		return 0, fmt.Errorf("mismatch count: %w", err)
	}
	return n, nil
}
