// Package idempotency gives exactly-once semantics to any logical
// operation identified by a key, and verifies deterministic replays.
//
// The authoritative store is the Postgres idempotency table; every
// contended transition (claim, expired takeover, commit) executes as a
// single INSERT ... ON CONFLICT ... WHERE statement, never as a read
// followed by a write. A Redis cache fronts committed results for
// latency and is warmed lazily; it is never consulted for ownership.
package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/aocs/core/internal/database"
)

// Decision is the outcome of ClaimOrReturn.
type Decision int

const (
	// Claimed: the caller now owns the in-flight record and must execute.
	Claimed Decision = iota
	// AlreadyOwned: the caller already held the record (re-entrant claim).
	AlreadyOwned
	// Contended: another unexpired owner is executing.
	Contended
	// Cached: the key is committed; Result carries the canonical bytes.
	Cached
	// ParamMismatch: the key was reused with different parameters.
	ParamMismatch
)

func (d Decision) String() string {
	switch d {
	case Claimed:
		return "claimed"
	case AlreadyOwned:
		return "already_owned"
	case Contended:
		return "contended"
	case Cached:
		return "cached"
	case ParamMismatch:
		return "param_mismatch"
	}
	return "unknown"
}

// Claim is the full result of ClaimOrReturn.
type Claim struct {
	Decision    Decision
	Owner       string // contending owner when Decision == Contended
	Result      []byte // canonical result when Decision == Cached
	ResultHash  string
	Fingerprint string // stored parameter fingerprint
}

var (
	// ErrNotOwner means a commit or abandon found the record owned by
	// someone else (or already committed by them).
	ErrNotOwner = errors.New("idempotency record not owned by caller")
	// ErrParamMismatch flags key reuse across semantically different
	// requests.
	ErrParamMismatch = errors.New("idempotency key reused with different params")
)

// Store is the idempotency store.
type Store struct {
	pg    *database.Postgres
	cache *resultCache
	ttl   time.Duration
}

func NewStore(pg *database.Postgres, rdb redis.Cmdable, ttl, cacheTTL time.Duration) *Store {
	return &Store{
		pg:    pg,
		cache: newResultCache(rdb, cacheTTL),
		ttl:   ttl,
	}
}

// ClaimOrReturn atomically claims the key for owner, or reports why it
// cannot: cached result, live contention, or parameter mismatch.
func (s *Store) ClaimOrReturn(ctx context.Context, key, paramsFingerprint, owner string) (*Claim, error) {
	// Fast path: a committed result served from cache.
	if hit := s.cache.get(ctx, key); hit != nil {
		if hit.Fingerprint != paramsFingerprint {
			return &Claim{Decision: ParamMismatch, Fingerprint: hit.Fingerprint}, nil
		}
		return &Claim{Decision: Cached, Result: hit.Result, ResultHash: hit.Hash, Fingerprint: hit.Fingerprint}, nil
	}

	row := s.pg.DB.QueryRowxContext(ctx, `
		INSERT INTO idempotency (key, status, owner, prev_owner, params_fingerprint, created_at, expires_at)
		VALUES ($1, 'in_flight', $2, NULL, $3, now(), now() + make_interval(secs => $4))
		ON CONFLICT (key) DO UPDATE
		SET owner = EXCLUDED.owner,
		    prev_owner = idempotency.owner,
		    created_at = now(),
		    expires_at = EXCLUDED.expires_at
		WHERE idempotency.status = 'in_flight'
		  AND (idempotency.owner = EXCLUDED.owner OR idempotency.expires_at < now())
		RETURNING prev_owner, params_fingerprint`,
		key, owner, paramsFingerprint, s.ttl.Seconds())

	var prevOwner sql.NullString
	var storedFP string
	err := row.Scan(&prevOwner, &storedFP)
	switch {
	case err == nil:
		if storedFP != paramsFingerprint {
			// We won the CAS but the key was reused with other params;
			// release it so the legitimate retry path is not blocked.
			_ = s.Abandon(ctx, key, owner)
			return &Claim{Decision: ParamMismatch, Fingerprint: storedFP}, nil
		}
		if prevOwner.Valid && prevOwner.String == owner {
			return &Claim{Decision: AlreadyOwned, Fingerprint: storedFP}, nil
		}
		return &Claim{Decision: Claimed, Fingerprint: storedFP}, nil
	case errors.Is(err, sql.ErrNoRows):
		// CAS refused: the record is committed or held by a live owner.
		return s.inspect(ctx, key, paramsFingerprint)
	default:
		return nil, fmt.Errorf("idempotency claim %s: %w", key, err)
	}
}

func (s *Store) inspect(ctx context.Context, key, paramsFingerprint string) (*Claim, error) {
	var rec struct {
		Status      string         `db:"status"`
		Owner       sql.NullString `db:"owner"`
		Fingerprint string         `db:"params_fingerprint"`
		Result      []byte         `db:"result"`
		ResultHash  sql.NullString `db:"result_hash"`
	}
	err := s.pg.DB.GetContext(ctx, &rec, `
		SELECT status, owner, params_fingerprint, result, result_hash
		FROM idempotency WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		// Deleted between CAS and inspect; tell the caller to retry.
		return &Claim{Decision: Contended}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency inspect %s: %w", key, err)
	}
	if rec.Fingerprint != paramsFingerprint {
		return &Claim{Decision: ParamMismatch, Fingerprint: rec.Fingerprint}, nil
	}
	if rec.Status == "committed" {
		s.cache.put(ctx, key, rec.Result, rec.ResultHash.String, rec.Fingerprint)
		return &Claim{
			Decision:    Cached,
			Result:      rec.Result,
			ResultHash:  rec.ResultHash.String,
			Fingerprint: rec.Fingerprint,
		}, nil
	}
	return &Claim{Decision: Contended, Owner: rec.Owner.String, Fingerprint: rec.Fingerprint}, nil
}

// Commit transitions an in-flight record owned by owner to committed
// with the canonical result. Commit is terminal: later claimants see the
// cached result. Runs against tx so the result row, outbox entries, and
// the idempotency commit share one atomic unit.
func (s *Store) Commit(ctx context.Context, tx *sqlx.Tx, key, owner, paramsFingerprint string, result []byte, resultHash string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE idempotency
		SET status = 'committed', result = $4, result_hash = $5, committed_at = now()
		WHERE key = $1 AND status = 'in_flight' AND owner = $2 AND params_fingerprint = $3`,
		key, owner, paramsFingerprint, result, resultHash)
	if err != nil {
		return fmt.Errorf("idempotency commit %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var storedFP string
		if err := tx.GetContext(ctx, &storedFP,
			`SELECT params_fingerprint FROM idempotency WHERE key = $1`, key); err == nil && storedFP != paramsFingerprint {
			return ErrParamMismatch
		}
		return ErrNotOwner
	}
	return nil
}

// CommitDirect commits outside a transaction. Used for records whose
// result needs no companion rows, like submission deduplication.
func (s *Store) CommitDirect(ctx context.Context, key, owner, paramsFingerprint string, result []byte, resultHash string) error {
	res, err := s.pg.DB.ExecContext(ctx, `
		UPDATE idempotency
		SET status = 'committed', result = $4, result_hash = $5, committed_at = now()
		WHERE key = $1 AND status = 'in_flight' AND owner = $2 AND params_fingerprint = $3`,
		key, owner, paramsFingerprint, result, resultHash)
	if err != nil {
		return fmt.Errorf("idempotency commit %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Abandon clears an in-flight record so another attempt can claim it.
// Used on graceful failure and cooperative cancellation.
func (s *Store) Abandon(ctx context.Context, key, owner string) error {
	_, err := s.pg.DB.ExecContext(ctx, `
		DELETE FROM idempotency
		WHERE key = $1 AND owner = $2 AND status = 'in_flight'`,
		key, owner)
	if err != nil {
		return fmt.Errorf("idempotency abandon %s: %w", key, err)
	}
	return nil
}

// PurgeExpired removes in-flight records past their TTL and committed
// records older than retention. Called by the maintenance loop.
func (s *Store) PurgeExpired(ctx context.Context, committedRetention time.Duration) (int64, error) {
	res, err := s.pg.DB.ExecContext(ctx, `
		DELETE FROM idempotency
		WHERE (status = 'in_flight' AND expires_at < now())
		   OR (status = 'committed' AND committed_at < now() - make_interval(secs => $1))`,
		committedRetention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("idempotency purge: %w", err)
	}
	return res.RowsAffected()
}

// resultCache fronts committed results in Redis.
type resultCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

type cacheEntry struct {
	Result      []byte
	Hash        string
	Fingerprint string
}

func newResultCache(rdb redis.Cmdable, ttl time.Duration) *resultCache {
	return &resultCache{rdb: rdb, ttl: ttl}
}

func cacheKey(key string) string { return "aocs:idem:" + key }

func (c *resultCache) get(ctx context.Context, key string) *cacheEntry {
	if c.rdb == nil {
		return nil
	}
	vals, err := c.rdb.HGetAll(ctx, cacheKey(key)).Result()
	if err != nil || len(vals) == 0 {
		return nil
	}
	return &cacheEntry{
		Result:      []byte(vals["result"]),
		Hash:        vals["hash"],
		Fingerprint: vals["fp"],
	}
}

func (c *resultCache) put(ctx context.Context, key string, result []byte, hash, fp string) {
	if c.rdb == nil {
		return
	}
	k := cacheKey(key)
	if err := c.rdb.HSet(ctx, k, "result", result, "hash", hash, "fp", fp).Err(); err != nil {
		slog.Debug("idempotency cache write failed", "key", key, "error", err)
		return
	}
	c.rdb.Expire(ctx, k, c.ttl)
}
