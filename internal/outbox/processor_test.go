package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aocs/core/internal/circuitbreaker"
	"github.com/aocs/core/internal/core"
	"github.com/aocs/core/internal/database"
	"github.com/aocs/core/internal/monitoring"
)

var entryColumns = []string{
	"id", "seq", "run_id", "op_index", "target", "payload", "idempotency_key",
	"status", "attempts", "next_visible_at", "lease_expires_at", "last_error",
	"created_at", "delivered_at",
}

func entryRow(rows *sqlmock.Rows, id string, seq int64, runID, target string, attempts int) *sqlmock.Rows {
	return rows.AddRow(id, seq, runID, 0, target, []byte(`{}`), "k-"+id,
		StatusInFlight, attempts, time.Now(), time.Now().Add(time.Minute), nil,
		time.Now(), nil)
}

func mockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)
	return NewRepository(&database.Postgres{DB: sqlx.NewDb(db, "postgres")}), mock
}

// recorder notes delivery order per lane.
type recorder struct {
	mu    sync.Mutex
	seen  []string
	fail  map[string]error
	calls int
}

func (r *recorder) Deliver(_ context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.seen = append(r.seen, e.ID)
	if err, ok := r.fail[e.ID]; ok {
		return err
	}
	return nil
}

func TestEntryLaneKey(t *testing.T) {
	a := &Entry{RunID: "r1", Target: "email"}
	b := &Entry{RunID: "r1", Target: "email"}
	c := &Entry{RunID: "r1", Target: "sms"}
	d := &Entry{RunID: "r2", Target: "email"}

	assert.Equal(t, a.Lane(), b.Lane())
	assert.NotEqual(t, a.Lane(), c.Lane())
	assert.NotEqual(t, a.Lane(), d.Lane())
}

func TestPassDeliversLaneInSeqOrder(t *testing.T) {
	repo, mock := mockRepo(t)
	rows := sqlmock.NewRows(entryColumns)
	entryRow(rows, "e1", 1, "r1", "email", 0)
	entryRow(rows, "e2", 2, "r1", "email", 0)
	entryRow(rows, "e3", 3, "r2", "sms", 0)
	mock.ExpectQuery(`UPDATE outbox SET`).WillReturnRows(rows)
	for range 3 {
		mock.ExpectExec(`SET status = 'delivered'`).WillReturnResult(sqlmock.NewResult(0, 1))
	}

	rec := &recorder{}
	p := NewProcessor(repo, map[string]DeliveryAdapter{"email": rec, "sms": rec}, nil, nil,
		Config{BatchSize: 10, Lease: time.Minute, MaxAttempts: 3, Lanes: 2})

	moved, err := p.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, moved)
	require.NoError(t, mock.ExpectationsWereMet())

	// e1 must precede e2 regardless of lane interleaving.
	i1, i2 := indexOf(rec.seen, "e1"), indexOf(rec.seen, "e2")
	require.NotEqual(t, -1, i1)
	require.NotEqual(t, -1, i2)
	assert.Less(t, i1, i2)
}

func TestPassStalledLaneHeadParksTail(t *testing.T) {
	repo, mock := mockRepo(t)
	rows := sqlmock.NewRows(entryColumns)
	entryRow(rows, "e1", 1, "r1", "email", 0)
	entryRow(rows, "e2", 2, "r1", "email", 0)
	mock.ExpectQuery(`UPDATE outbox SET`).WillReturnRows(rows)
	// Head is rescheduled with backoff, tail goes back to pending with no
	// attempt charged.
	mock.ExpectExec(`SET status = 'pending',\s*attempts = attempts \+ 1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET status = 'pending', lease_expires_at = NULL\s+WHERE id = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &recorder{fail: map[string]error{
		"e1": core.NewFailure(core.KindRateLimited, "429 from provider"),
	}}
	p := NewProcessor(repo, map[string]DeliveryAdapter{"email": rec}, nil, nil,
		Config{BatchSize: 10, Lease: time.Minute, MaxAttempts: 3,
			BackoffBase: time.Second, BackoffMax: time.Minute, Lanes: 2})

	moved, err := p.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1, rec.calls, "tail of a stalled lane must not be attempted")
}

func TestPassArchivesBeforeParkingTerminalFailure(t *testing.T) {
	repo, mock := mockRepo(t)
	mock.MatchExpectationsInOrder(true)
	rows := sqlmock.NewRows(entryColumns)
	entryRow(rows, "e1", 1, "r1", "email", 0)
	mock.ExpectQuery(`UPDATE outbox SET`).WillReturnRows(rows)
	mock.ExpectExec(`SET status = 'failed'`).WillReturnResult(sqlmock.NewResult(0, 1))

	var archived *Entry
	sink := sinkFunc(func(_ context.Context, e *Entry, f *core.Failure) error {
		archived = e
		assert.Equal(t, core.KindForbidden, f.Kind)
		return nil
	})
	rec := &recorder{fail: map[string]error{
		"e1": core.NewFailure(core.KindForbidden, "api key revoked"),
	}}
	p := NewProcessor(repo, map[string]DeliveryAdapter{"email": rec}, nil, sink,
		Config{BatchSize: 10, Lease: time.Minute, MaxAttempts: 3, Lanes: 1})

	_, err := p.Pass(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	require.NotNil(t, archived)
	assert.Equal(t, "e1", archived.ID)
}

func TestPassArchiveFailureLeavesEntryInFlight(t *testing.T) {
	repo, mock := mockRepo(t)
	rows := sqlmock.NewRows(entryColumns)
	entryRow(rows, "e1", 1, "r1", "email", 0)
	mock.ExpectQuery(`UPDATE outbox SET`).WillReturnRows(rows)
	// No MarkFailed expected: the lease sweep retries the whole step.

	sink := sinkFunc(func(context.Context, *Entry, *core.Failure) error {
		return core.NewFailure(core.KindTransient, "archive insert failed")
	})
	rec := &recorder{fail: map[string]error{
		"e1": core.NewFailure(core.KindForbidden, "api key revoked"),
	}}
	p := NewProcessor(repo, map[string]DeliveryAdapter{"email": rec}, nil, sink,
		Config{BatchSize: 10, Lease: time.Minute, MaxAttempts: 3, Lanes: 1})

	_, err := p.Pass(context.Background())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPassUnknownTargetIsTerminal(t *testing.T) {
	repo, mock := mockRepo(t)
	rows := sqlmock.NewRows(entryColumns)
	entryRow(rows, "e1", 1, "r1", "carrier-pigeon", 0)
	mock.ExpectQuery(`UPDATE outbox SET`).WillReturnRows(rows)
	mock.ExpectExec(`SET status = 'failed'`).WillReturnResult(sqlmock.NewResult(0, 1))

	var gotKind core.FailureKind
	sink := sinkFunc(func(_ context.Context, _ *Entry, f *core.Failure) error {
		gotKind = f.Kind
		return nil
	})
	p := NewProcessor(repo, map[string]DeliveryAdapter{}, nil, sink,
		Config{BatchSize: 10, Lease: time.Minute, MaxAttempts: 3, Lanes: 1})

	_, err := p.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.KindNotFound, gotKind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainStopsWhenEmpty(t *testing.T) {
	repo, mock := mockRepo(t)
	mock.ExpectQuery(`UPDATE outbox SET`).WillReturnRows(sqlmock.NewRows(entryColumns))
	mock.ExpectQuery(`SELECT count`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	p := NewProcessor(repo, nil, nil, nil, Config{BatchSize: 10, Lease: time.Minute})
	n, err := p.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrainReportsStall(t *testing.T) {
	repo, mock := mockRepo(t)
	mock.ExpectQuery(`UPDATE outbox SET`).WillReturnRows(sqlmock.NewRows(entryColumns))
	mock.ExpectQuery(`SELECT count`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	p := NewProcessor(repo, nil, nil, nil, Config{BatchSize: 10, Lease: time.Minute})
	_, err := p.Drain(context.Background())
	assert.ErrorContains(t, err, "stalled with 4 undelivered entries")
}

func TestPassWidensBatchUnderLag(t *testing.T) {
	repo, mock := mockRepo(t)
	mock.ExpectQuery(`SELECT count`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(50))
	// Depth past the threshold claims MaxBatchSize, not BatchSize.
	mock.ExpectQuery(`UPDATE outbox SET`).
		WithArgs(10, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(entryColumns))

	p := NewProcessor(repo, nil, nil, nil, Config{
		BatchSize: 2, Lease: time.Minute, Lanes: 1,
		LagThreshold: 5, MaxBatchSize: 10, MaxLanes: 8,
	})
	_, err := p.Pass(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPassKeepsBaseBatchBelowLagThreshold(t *testing.T) {
	repo, mock := mockRepo(t)
	mock.ExpectQuery(`SELECT count`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`UPDATE outbox SET`).
		WithArgs(2, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(entryColumns))

	p := NewProcessor(repo, nil, nil, nil, Config{
		BatchSize: 2, Lease: time.Minute, Lanes: 1,
		LagThreshold: 5, MaxBatchSize: 10, MaxLanes: 8,
	})
	_, err := p.Pass(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPassPausesTargetWithOpenCircuit(t *testing.T) {
	repo, mock := mockRepo(t)
	rows := sqlmock.NewRows(entryColumns)
	entryRow(rows, "e1", 1, "r1", "webhook", 0)
	entryRow(rows, "e2", 2, "r1", "webhook", 0)
	mock.ExpectQuery(`UPDATE outbox SET`).WillReturnRows(rows)
	// Both entries return to pending with no attempt charged.
	for range 2 {
		mock.ExpectExec(`SET status = 'pending', lease_expires_at = NULL\s+WHERE id = \$1`).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	done, err := breakers.Get("webhook").Allow()
	require.NoError(t, err)
	done(false) // trip the circuit before the pass

	rec := &recorder{}
	p := NewProcessor(repo, map[string]DeliveryAdapter{"webhook": rec}, nil, nil,
		Config{BatchSize: 10, Lease: time.Minute, MaxAttempts: 3, Lanes: 1}).
		WithBreakers(breakers)

	moved, err := p.Pass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, moved)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Zero(t, rec.calls, "a paused target must not be attempted")
}

func TestPassCountsDeliveriesPerTarget(t *testing.T) {
	repo, mock := mockRepo(t)
	rows := sqlmock.NewRows(entryColumns)
	entryRow(rows, "e1", 1, "r1", "email", 0)
	entryRow(rows, "e2", 2, "r2", "email", 0)
	mock.ExpectQuery(`UPDATE outbox SET`).WillReturnRows(rows)
	for range 2 {
		mock.ExpectExec(`SET status = 'delivered'`).WillReturnResult(sqlmock.NewResult(0, 1))
	}

	metrics := monitoring.New(prometheus.NewRegistry())
	rec := &recorder{}
	p := NewProcessor(repo, map[string]DeliveryAdapter{"email": rec}, nil, nil,
		Config{BatchSize: 10, Lease: time.Minute, MaxAttempts: 3, Lanes: 2}).
		WithMetrics(metrics)

	_, err := p.Pass(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.OutboxDelivered.WithLabelValues("email")))
}

type sinkFunc func(ctx context.Context, e *Entry, f *core.Failure) error

func (f sinkFunc) ArchiveOutboxEntry(ctx context.Context, e *Entry, failure *core.Failure) error {
	return f(ctx, e, failure)
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
