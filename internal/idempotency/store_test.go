package idempotency

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aocs/core/internal/database"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	pg := &database.Postgres{DB: sqlx.NewDb(db, "postgres")}
	return NewStore(pg, nil, time.Minute, time.Minute), mock
}

func TestClaimFreshKey(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectQuery(`INSERT INTO idempotency`).
		WithArgs("op:r1:0", "w-1#1", "fp-a", float64(60)).
		WillReturnRows(sqlmock.NewRows([]string{"prev_owner", "params_fingerprint"}).
			AddRow(nil, "fp-a"))

	claim, err := s.ClaimOrReturn(context.Background(), "op:r1:0", "fp-a", "w-1#1")
	require.NoError(t, err)
	assert.Equal(t, Claimed, claim.Decision)
	assert.Equal(t, "fp-a", claim.Fingerprint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimReentrantOwner(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectQuery(`INSERT INTO idempotency`).
		WillReturnRows(sqlmock.NewRows([]string{"prev_owner", "params_fingerprint"}).
			AddRow("w-1#1", "fp-a"))

	claim, err := s.ClaimOrReturn(context.Background(), "op:r1:0", "fp-a", "w-1#1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyOwned, claim.Decision)
}

func TestClaimTakeoverFromExpiredOwner(t *testing.T) {
	s, mock := mockStore(t)
	// The CAS won against a lapsed owner: prev_owner is someone else.
	mock.ExpectQuery(`INSERT INTO idempotency`).
		WillReturnRows(sqlmock.NewRows([]string{"prev_owner", "params_fingerprint"}).
			AddRow("w-dead#1", "fp-a"))

	claim, err := s.ClaimOrReturn(context.Background(), "op:r1:0", "fp-a", "w-2#1")
	require.NoError(t, err)
	assert.Equal(t, Claimed, claim.Decision)
}

func TestClaimContendedByLiveOwner(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectQuery(`INSERT INTO idempotency`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT status, owner, params_fingerprint`).
		WithArgs("op:r1:0").
		WillReturnRows(sqlmock.NewRows(
			[]string{"status", "owner", "params_fingerprint", "result", "result_hash"}).
			AddRow("in_flight", "w-other#1", "fp-a", nil, nil))

	claim, err := s.ClaimOrReturn(context.Background(), "op:r1:0", "fp-a", "w-2#1")
	require.NoError(t, err)
	assert.Equal(t, Contended, claim.Decision)
	assert.Equal(t, "w-other#1", claim.Owner)
}

func TestClaimCommittedReturnsCachedResult(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectQuery(`INSERT INTO idempotency`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT status, owner, params_fingerprint`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"status", "owner", "params_fingerprint", "result", "result_hash"}).
			AddRow("committed", nil, "fp-a", []byte(`{"ok":true}`), "h-1"))

	claim, err := s.ClaimOrReturn(context.Background(), "op:r1:0", "fp-a", "w-2#1")
	require.NoError(t, err)
	assert.Equal(t, Cached, claim.Decision)
	assert.Equal(t, `{"ok":true}`, string(claim.Result))
	assert.Equal(t, "h-1", claim.ResultHash)
}

func TestClaimParamMismatch(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectQuery(`INSERT INTO idempotency`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT status, owner, params_fingerprint`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"status", "owner", "params_fingerprint", "result", "result_hash"}).
			AddRow("committed", nil, "fp-other", []byte(`{}`), "h"))

	claim, err := s.ClaimOrReturn(context.Background(), "op:r1:0", "fp-a", "w-2#1")
	require.NoError(t, err)
	assert.Equal(t, ParamMismatch, claim.Decision)
	assert.Equal(t, "fp-other", claim.Fingerprint)
}

func TestClaimWonCASButParamsDiffer(t *testing.T) {
	s, mock := mockStore(t)
	// Takeover succeeded but the stored fingerprint disagrees; the claim
	// is released so the rightful retry can proceed.
	mock.ExpectQuery(`INSERT INTO idempotency`).
		WillReturnRows(sqlmock.NewRows([]string{"prev_owner", "params_fingerprint"}).
			AddRow("w-dead#1", "fp-other"))
	mock.ExpectExec(`DELETE FROM idempotency`).
		WithArgs("op:r1:0", "w-2#1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	claim, err := s.ClaimOrReturn(context.Background(), "op:r1:0", "fp-a", "w-2#1")
	require.NoError(t, err)
	assert.Equal(t, ParamMismatch, claim.Decision)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimServedFromRedisCache(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	pg := &database.Postgres{DB: sqlx.NewDb(db, "postgres")}
	s := NewStore(pg, rdb, time.Minute, time.Minute)
	s.cache.put(context.Background(), "op:r1:0", []byte(`{"ok":true}`), "h-1", "fp-a")

	// No SQL expectations registered: a cache hit must not touch Postgres.
	claim, err := s.ClaimOrReturn(context.Background(), "op:r1:0", "fp-a", "w-1#1")
	require.NoError(t, err)
	assert.Equal(t, Cached, claim.Decision)
	assert.Equal(t, "h-1", claim.ResultHash)
	assert.NoError(t, mock.ExpectationsWereMet())

	mismatch, err := s.ClaimOrReturn(context.Background(), "op:r1:0", "fp-b", "w-1#1")
	require.NoError(t, err)
	assert.Equal(t, ParamMismatch, mismatch.Decision)
}

func TestCommitRequiresOwnership(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE idempotency`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT params_fingerprint FROM idempotency`).
		WillReturnRows(sqlmock.NewRows([]string{"params_fingerprint"}).AddRow("fp-a"))

	tx, err := s.pg.DB.Beginx()
	require.NoError(t, err)
	err = s.Commit(context.Background(), tx, "op:r1:0", "w-2#1", "fp-a", []byte(`{}`), "h")
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestCommitFlagsFingerprintDrift(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE idempotency`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT params_fingerprint FROM idempotency`).
		WillReturnRows(sqlmock.NewRows([]string{"params_fingerprint"}).AddRow("fp-other"))

	tx, err := s.pg.DB.Beginx()
	require.NoError(t, err)
	err = s.Commit(context.Background(), tx, "op:r1:0", "w-1#1", "fp-a", []byte(`{}`), "h")
	assert.ErrorIs(t, err, ErrParamMismatch)
}

func TestCommitDirect(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectExec(`UPDATE idempotency`).
		WithArgs("submit:key", "orchestrator:r1", "fp-a", []byte(`"r1"`), "h").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.CommitDirect(context.Background(), "submit:key", "orchestrator:r1", "fp-a", []byte(`"r1"`), "h")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeExpired(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectExec(`DELETE FROM idempotency`).
		WithArgs(float64(3600)).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := s.PurgeExpired(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}
