package audit

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aocs/core/internal/database"
	"github.com/aocs/core/internal/events"
)

func mockLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewLedger(&database.Postgres{DB: sqlx.NewDb(db, "postgres")}), mock
}

func TestLedgerCloseDrainsBusForwarderFirst(t *testing.T) {
	l, mock := mockLedger(t)
	mock.ExpectExec(`INSERT INTO audit_log`).
		WithArgs("worker", "r1", events.RunStarted, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	bus := events.NewBus()
	l.Attach(bus)
	bus.Emit(events.RunStarted, "worker", "r1", nil)

	// Close detaches the forwarder and flushes what it already buffered;
	// the write must have landed by the time Close returns.
	l.Close()
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Zero(t, bus.SubscriberCount())

	// A publish after Close goes nowhere; it must not hit a closed channel.
	bus.Emit(events.RunSucceeded, "worker", "r1", nil)
}

func TestLedgerCloseWithoutBus(t *testing.T) {
	l, mock := mockLedger(t)
	mock.ExpectExec(`INSERT INTO audit_log`).
		WithArgs("run", "r2", "created", nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	l.Record("run", "r2", "created", nil)
	l.Close()
	require.NoError(t, mock.ExpectationsWereMet())
}
