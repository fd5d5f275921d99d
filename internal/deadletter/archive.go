package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/aocs/core/internal/core"
	"github.com/aocs/core/internal/database"
	"github.com/aocs/core/internal/outbox"
)

// DeadLetter is one archived terminal failure. Rows are append-only;
// recovery flips the recovered flag but never deletes or edits the rest.
type DeadLetter struct {
	ID              string         `db:"id"`
	RunID           string         `db:"run_id"`
	OpIndex         int            `db:"op_index"`
	TenantID        string         `db:"tenant_id"`
	Skill           string         `db:"skill"`
	CanonicalParams []byte         `db:"canonical_params"`
	FailureKind     string         `db:"failure_kind"`
	CatalogMatch    sql.NullString `db:"catalog_match"`
	LastError       sql.NullString `db:"last_error"`
	Attempts        int            `db:"attempts"`
	Replayable      bool           `db:"replayable"`
	Recovered       bool           `db:"recovered"`
	ArchivedAt      time.Time      `db:"archived_at"`
}

// ListFilter narrows List queries. Zero values are wildcards.
type ListFilter struct {
	TenantID    string
	FailureKind string
	Unmatched   bool
	Replayable  *bool
	Limit       int
}

// Archive is the dead-letter store.
type Archive struct {
	pg      *database.Postgres
	catalog *Catalog
}

func NewArchive(pg *database.Postgres, catalog *Catalog) *Archive {
	return &Archive{pg: pg, catalog: catalog}
}

// ArchiveOperation parks a terminally failed op. It runs inside the
// worker's transaction so the archive row exists before the op's status
// flips; a crash between the two leaves a duplicate-safe archive, never
// a silently dropped op.
func (a *Archive) ArchiveOperation(ctx context.Context, tx *sqlx.Tx, op *core.Operation, tenantID string, failure *core.Failure) (*DeadLetter, error) {
	dl := &DeadLetter{
		ID:              uuid.NewString(),
		RunID:           op.RunID,
		OpIndex:         op.Index,
		TenantID:        tenantID,
		Skill:           op.Skill,
		CanonicalParams: op.CanonicalParams,
		FailureKind:     string(failure.Kind),
		LastError:       sql.NullString{String: failure.Message, Valid: failure.Message != ""},
		Attempts:        op.Attempts,
	}
	a.classify(dl)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters
			(id, run_id, op_index, tenant_id, skill, canonical_params,
			 failure_kind, catalog_match, last_error, attempts, replayable)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		dl.ID, dl.RunID, dl.OpIndex, dl.TenantID, dl.Skill, dl.CanonicalParams,
		dl.FailureKind, dl.CatalogMatch, dl.LastError, dl.Attempts, dl.Replayable)
	if err != nil {
		return nil, fmt.Errorf("archive op %s/%d: %w", op.RunID, op.Index, err)
	}
	if dl.CatalogMatch.Valid {
		slog.Info("dead letter matched catalog",
			"run_id", dl.RunID, "op_index", dl.OpIndex, "rule", dl.CatalogMatch.String)
	}
	return dl, nil
}

// ArchiveOutboxEntry parks a terminally undeliverable effect. Satisfies
// the outbox processor's terminal sink.
func (a *Archive) ArchiveOutboxEntry(ctx context.Context, entry *outbox.Entry, failure *core.Failure) error {
	dl := &DeadLetter{
		ID:              uuid.NewString(),
		RunID:           entry.RunID,
		OpIndex:         entry.OpIndex,
		TenantID:        "-", // effects carry no tenant; resolved at listing time via the run
		Skill:           "outbox:" + entry.Target,
		CanonicalParams: entry.Payload,
		FailureKind:     string(failure.Kind),
		LastError:       sql.NullString{String: failure.Message, Valid: failure.Message != ""},
		Attempts:        entry.Attempts + 1,
	}
	a.classify(dl)
	_, err := a.pg.DB.ExecContext(ctx, `
		INSERT INTO dead_letters
			(id, run_id, op_index, tenant_id, skill, canonical_params,
			 failure_kind, catalog_match, last_error, attempts, replayable)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		dl.ID, dl.RunID, dl.OpIndex, dl.TenantID, dl.Skill, dl.CanonicalParams,
		dl.FailureKind, dl.CatalogMatch, dl.LastError, dl.Attempts, dl.Replayable)
	if err != nil {
		return fmt.Errorf("archive outbox entry %s: %w", entry.ID, err)
	}
	return nil
}

func (a *Archive) classify(dl *DeadLetter) {
	rule := a.catalog.Match(core.FailureKind(dl.FailureKind), dl.Skill, dl.LastError.String)
	if rule == nil {
		return
	}
	dl.CatalogMatch = sql.NullString{String: rule.Name, Valid: true}
	dl.Replayable = rule.Replayable
}

// Get fetches one dead letter.
func (a *Archive) Get(ctx context.Context, id string) (*DeadLetter, error) {
	var dl DeadLetter
	err := a.pg.DB.GetContext(ctx, &dl, `SELECT * FROM dead_letters WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dead letter get %s: %w", id, err)
	}
	return &dl, nil
}

// List returns dead letters newest first.
func (a *Archive) List(ctx context.Context, f ListFilter) ([]DeadLetter, error) {
	q := `SELECT * FROM dead_letters WHERE 1=1`
	args := []interface{}{}
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		q += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if f.FailureKind != "" {
		args = append(args, f.FailureKind)
		q += fmt.Sprintf(" AND failure_kind = $%d", len(args))
	}
	if f.Unmatched {
		q += " AND catalog_match IS NULL"
	}
	if f.Replayable != nil {
		args = append(args, *f.Replayable)
		q += fmt.Sprintf(" AND replayable = $%d", len(args))
	}
	q += " ORDER BY archived_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	var out []DeadLetter
	if err := a.pg.DB.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("dead letter list: %w", err)
	}
	return out, nil
}

// MarkRecovered flags a dead letter after its recovery run was injected.
func (a *Archive) MarkRecovered(ctx context.Context, id string) error {
	res, err := a.pg.DB.ExecContext(ctx,
		`UPDATE dead_letters SET recovered = true WHERE id = $1 AND NOT recovered`, id)
	if err != nil {
		return fmt.Errorf("dead letter mark recovered %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// Reclassify re-runs catalog matching over unmatched entries. The
// maintenance loop calls it after catalog reloads so new rules pick up
// old dead letters.
func (a *Archive) Reclassify(ctx context.Context, batch int) (int64, error) {
	var rows []DeadLetter
	err := a.pg.DB.SelectContext(ctx, &rows, `
		SELECT * FROM dead_letters
		WHERE catalog_match IS NULL AND NOT recovered
		ORDER BY archived_at
		LIMIT $1`, batch)
	if err != nil {
		return 0, fmt.Errorf("dead letter reclassify scan: %w", err)
	}
	var matched int64
	for i := range rows {
		dl := &rows[i]
		rule := a.catalog.Match(core.FailureKind(dl.FailureKind), dl.Skill, dl.LastError.String)
		if rule == nil {
			continue
		}
		_, err := a.pg.DB.ExecContext(ctx, `
			UPDATE dead_letters SET catalog_match = $2, replayable = $3
			WHERE id = $1 AND catalog_match IS NULL`,
			dl.ID, rule.Name, rule.Replayable)
		if err != nil {
			return matched, fmt.Errorf("dead letter reclassify %s: %w", dl.ID, err)
		}
		matched++
	}
	return matched, nil
}

// PurgeOld removes dead letters past retention. Only recovered or
// catalog-matched entries are eligible; unexplained failures stay until
// someone looks at them.
func (a *Archive) PurgeOld(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := a.pg.DB.ExecContext(ctx, `
		DELETE FROM dead_letters
		WHERE archived_at < now() - make_interval(secs => $1)
		  AND (recovered OR catalog_match IS NOT NULL)`,
		retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("dead letter purge: %w", err)
	}
	return res.RowsAffected()
}

// Counts reports totals for the operator surface and metrics.
func (a *Archive) Counts(ctx context.Context) (total, unmatched, recovered int64, err error) {
	err = a.pg.DB.QueryRowxContext(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE catalog_match IS NULL),
		       count(*) FILTER (WHERE recovered)
		FROM dead_letters`).Scan(&total, &unmatched, &recovered)
	if err != nil {
		err = fmt.Errorf("dead letter counts: %w", err)
	}
	return
}
