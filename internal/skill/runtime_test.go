package skill

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aocs/core/internal/canonical"
	"github.com/aocs/core/internal/circuitbreaker"
	"github.com/aocs/core/internal/core"
	"github.com/aocs/core/internal/database"
	"github.com/aocs/core/internal/idempotency"
)

type fixture struct {
	rt       *Runtime
	registry *Registry
	budget   *MemoryBudget
	breakers *circuitbreaker.Registry
	mock     sqlmock.Sqlmock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pg := &database.Postgres{DB: sqlx.NewDb(db, "postgres")}
	idem := idempotency.NewStore(pg, nil, time.Minute, time.Minute)
	registry := NewRegistry()
	budget := NewMemoryBudget(100)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	})
	return &fixture{
		rt:       NewRuntime(registry, idem, breakers, budget),
		registry: registry,
		budget:   budget,
		breakers: breakers,
		mock:     mock,
	}
}

func (f *fixture) expectClaim() {
	f.mock.ExpectQuery(`INSERT INTO idempotency`).
		WillReturnRows(sqlmock.NewRows([]string{"prev_owner", "params_fingerprint"}).
			AddRow(nil, canonical.Hash([]byte(`{}`))))
}

func (f *fixture) expectAbandon() {
	f.mock.ExpectExec(`DELETE FROM idempotency`).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func invocation() Invocation {
	return Invocation{
		RunID:           "r1",
		OpIndex:         0,
		Skill:           "echo",
		Params:          map[string]interface{}{},
		CanonicalParams: []byte(`{}`),
		IdempotencyKey:  "op:r1:0",
	}
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register(&Registration{
		Name: "echo",
		Adapter: AdapterFunc(func(_ context.Context, inv Invocation) (*Result, *core.Failure) {
			return &Result{Payload: []byte(`{"b":2,"a":1}`), Cost: 3}, nil
		}),
	}))
	f.expectClaim()

	out := f.rt.Execute(context.Background(), invocation(), "w-1#1", 1)
	require.NotNil(t, out.Ok)
	assert.Equal(t, `{"a":1,"b":2}`, string(out.Ok.Result), "result is canonicalised")
	assert.Equal(t, canonical.Hash(out.Ok.Result), out.Ok.ResultHash)
	assert.False(t, out.Ok.CacheHit)

	remaining, _ := f.budget.Remaining(context.Background(), "r1")
	assert.Equal(t, 97.0, remaining, "cost is charged after success")
}

func TestExecuteUnknownSkill(t *testing.T) {
	f := newFixture(t)
	inv := invocation()
	inv.Skill = "nope"
	out := f.rt.Execute(context.Background(), inv, "w-1#1", 1)
	require.NotNil(t, out.Failed)
	assert.Equal(t, core.KindNotFound, out.Failed.Kind)
	assert.False(t, out.Failed.Retryable)
}

func TestExecuteSchemaMismatch(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register(&Registration{
		Name: "echo",
		ValidateParams: func(map[string]interface{}) error {
			return errors.New("missing field to")
		},
		Adapter: AdapterFunc(func(context.Context, Invocation) (*Result, *core.Failure) {
			t.Fatal("adapter must not run on invalid params")
			return nil, nil
		}),
	}))
	out := f.rt.Execute(context.Background(), invocation(), "w-1#1", 1)
	require.NotNil(t, out.Failed)
	assert.Equal(t, core.KindSchemaMismatch, out.Failed.Kind)
}

func TestExecuteBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register(&Registration{
		Name: "echo",
		Adapter: AdapterFunc(func(context.Context, Invocation) (*Result, *core.Failure) {
			t.Fatal("adapter must not run with no budget")
			return nil, nil
		}),
	}))
	f.budget.Seed("r1", 0)

	out := f.rt.Execute(context.Background(), invocation(), "w-1#1", 1)
	require.NotNil(t, out.Failed)
	assert.Equal(t, core.KindBudgetExceeded, out.Failed.Kind)
	assert.False(t, out.Failed.Retryable)
}

func TestExecuteCachedResultSkipsAdapter(t *testing.T) {
	f := newFixture(t)
	calls := 0
	require.NoError(t, f.registry.Register(&Registration{
		Name: "echo",
		Adapter: AdapterFunc(func(context.Context, Invocation) (*Result, *core.Failure) {
			calls++
			return &Result{Payload: []byte(`{}`)}, nil
		}),
	}))
	fp := canonical.Hash([]byte(`{}`))
	f.mock.ExpectQuery(`INSERT INTO idempotency`).WillReturnError(sql.ErrNoRows)
	f.mock.ExpectQuery(`SELECT status, owner, params_fingerprint`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"status", "owner", "params_fingerprint", "result", "result_hash"}).
			AddRow("committed", nil, fp, []byte(`{"done":true}`), "h-1"))

	out := f.rt.Execute(context.Background(), invocation(), "w-2#1", 2)
	require.NotNil(t, out.Ok)
	assert.True(t, out.Ok.CacheHit)
	assert.Equal(t, `{"done":true}`, string(out.Ok.Result))
	assert.Zero(t, calls)
}

func TestExecuteContentionIsRetryable(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register(&Registration{
		Name: "echo",
		Adapter: AdapterFunc(func(context.Context, Invocation) (*Result, *core.Failure) {
			return &Result{Payload: []byte(`{}`)}, nil
		}),
	}))
	fp := canonical.Hash([]byte(`{}`))
	f.mock.ExpectQuery(`INSERT INTO idempotency`).WillReturnError(sql.ErrNoRows)
	f.mock.ExpectQuery(`SELECT status, owner, params_fingerprint`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"status", "owner", "params_fingerprint", "result", "result_hash"}).
			AddRow("in_flight", "w-other#1", fp, nil, nil))

	out := f.rt.Execute(context.Background(), invocation(), "w-2#1", 1)
	require.NotNil(t, out.Failed)
	assert.Equal(t, core.KindTransient, out.Failed.Kind)
	assert.True(t, out.Failed.Retryable)
}

func TestExecuteOpenBreakerFailsFast(t *testing.T) {
	f := newFixture(t)
	calls := 0
	require.NoError(t, f.registry.Register(&Registration{
		Name:   "email.send",
		Target: "sendgrid",
		Adapter: AdapterFunc(func(context.Context, Invocation) (*Result, *core.Failure) {
			calls++
			return nil, core.NewFailure(core.KindTransient, "connection reset")
		}),
	}))

	inv := invocation()
	inv.Skill = "email.send"

	// Two failing executions trip the breaker.
	for i := 0; i < 2; i++ {
		f.expectClaim()
		f.expectAbandon()
		out := f.rt.Execute(context.Background(), inv, "w-1#1", i+1)
		require.NotNil(t, out.Failed)
		assert.Equal(t, core.KindTransient, out.Failed.Kind)
	}

	// Third call fails fast: claim released, adapter never invoked.
	f.expectClaim()
	f.expectAbandon()
	out := f.rt.Execute(context.Background(), inv, "w-1#1", 3)
	require.NotNil(t, out.Failed)
	assert.Equal(t, core.KindCircuitOpen, out.Failed.Kind)
	assert.True(t, out.Failed.Retryable)
	assert.Greater(t, out.Failed.CooldownHint, time.Duration(0))
	assert.Equal(t, 2, calls)
}

func TestExecutePanicBecomesInternalInvariant(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register(&Registration{
		Name: "echo",
		Adapter: AdapterFunc(func(context.Context, Invocation) (*Result, *core.Failure) {
			panic("nil map write")
		}),
	}))
	f.expectClaim()
	f.expectAbandon()

	out := f.rt.Execute(context.Background(), invocation(), "w-1#1", 1)
	require.NotNil(t, out.Failed)
	assert.Equal(t, core.KindInternalInvariant, out.Failed.Kind)
	assert.Contains(t, out.Failed.Message, "panicked")
}

func TestExecuteDeadlineMapsToDeadlineKind(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register(&Registration{
		Name: "echo",
		Adapter: AdapterFunc(func(ctx context.Context, _ Invocation) (*Result, *core.Failure) {
			<-ctx.Done()
			return nil, core.NewFailure(core.KindTransient, "interrupted")
		}),
	}))
	f.expectClaim()
	f.expectAbandon()

	inv := invocation()
	inv.Deadline = time.Now().Add(20 * time.Millisecond)
	out := f.rt.Execute(context.Background(), inv, "w-1#1", 1)
	require.NotNil(t, out.Failed)
	assert.Equal(t, core.KindDeadline, out.Failed.Kind)
	assert.True(t, out.Failed.Retryable)
}

func TestExecuteReportsClaimDecisions(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register(&Registration{
		Name: "echo",
		Adapter: AdapterFunc(func(context.Context, Invocation) (*Result, *core.Failure) {
			return &Result{Payload: []byte(`{}`)}, nil
		}),
	}))
	var decisions []string
	f.rt.ObserveDecisions(func(d string) { decisions = append(decisions, d) })

	f.expectClaim()
	out := f.rt.Execute(context.Background(), invocation(), "w-1#1", 1)
	require.NotNil(t, out.Ok)

	fp := canonical.Hash([]byte(`{}`))
	f.mock.ExpectQuery(`INSERT INTO idempotency`).WillReturnError(sql.ErrNoRows)
	f.mock.ExpectQuery(`SELECT status, owner, params_fingerprint`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"status", "owner", "params_fingerprint", "result", "result_hash"}).
			AddRow("committed", nil, fp, []byte(`{}`), "h-1"))
	out = f.rt.Execute(context.Background(), invocation(), "w-2#1", 2)
	require.NotNil(t, out.Ok)

	assert.Equal(t, []string{"claimed", "cached"}, decisions)
}

func TestReexecuteBypassesIdempotencyStore(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register(&Registration{
		Name: "echo",
		Adapter: AdapterFunc(func(_ context.Context, inv Invocation) (*Result, *core.Failure) {
			return &Result{Payload: []byte(`{"b":2,"a":1}`)}, nil
		}),
	}))
	// No SQL expectations: re-execution must not read or write the
	// idempotency table, or the stored result would verify itself.

	canon, hash, failure := f.rt.Reexecute(context.Background(), invocation())
	require.Nil(t, failure)
	assert.Equal(t, `{"a":1,"b":2}`, string(canon))
	assert.Equal(t, canonical.Hash(canon), hash)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestReexecuteUnknownSkill(t *testing.T) {
	f := newFixture(t)
	inv := invocation()
	inv.Skill = "nope"
	_, _, failure := f.rt.Reexecute(context.Background(), inv)
	require.NotNil(t, failure)
	assert.Equal(t, core.KindNotFound, failure.Kind)
}

func TestBreakerKey(t *testing.T) {
	assert.Equal(t, "email.send/sendgrid", BreakerKey("email.send", "sendgrid"))
	assert.Equal(t, "local.transform", BreakerKey("local.transform", ""))
}

func TestMemoryBudgetDefaultsAndForget(t *testing.T) {
	b := NewMemoryBudget(50)
	ctx := context.Background()

	r, err := b.Remaining(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, r)

	require.NoError(t, b.Charge(ctx, "r1", 20))
	r, _ = b.Remaining(ctx, "r1")
	assert.Equal(t, 30.0, r)

	b.Forget("r1")
	r, _ = b.Remaining(ctx, "r1")
	assert.Equal(t, 50.0, r, "a forgotten run starts from the default again")
}
