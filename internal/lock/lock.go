// Package lock implements lease-based distributed locks with monotonic
// fencing tokens on top of the Postgres locks table.
//
// Acquisition order is fixed across the core: outbox-leader lock, then
// run lock, then idempotency record. No component acquires a
// higher-level lock while holding a lower-level one.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aocs/core/internal/database"
)

var (
	// ErrHeld means another holder has an unexpired lease on the resource.
	ErrHeld = errors.New("lock held by another holder")
	// ErrLeaseLost means a renewal or release found the lease gone or fenced.
	ErrLeaseLost = errors.New("lock lease lost")
)

// Lease is a held lock. The fencing token must accompany every write to
// the locked resource; stale tokens are rejected at the row level.
type Lease struct {
	Resource     string
	Holder       string
	FencingToken int64
	ExpiresAt    time.Time
}

// RunResource names the lock protecting a run and its operations.
func RunResource(runID string) string {
	return "run:" + runID
}

// Manager acquires, renews, and releases locks.
type Manager struct {
	pg    *database.Postgres
	lease time.Duration
}

func NewManager(pg *database.Postgres, lease time.Duration) *Manager {
	return &Manager{pg: pg, lease: lease}
}

// Acquire takes the lock if it is free or its lease has expired. Takeover
// bumps the fencing token so writes by the previous holder are rejected.
func (m *Manager) Acquire(ctx context.Context, resource, holder string) (*Lease, error) {
	row := m.pg.DB.QueryRowxContext(ctx, `
		INSERT INTO locks (resource, holder, acquired_at, lease_expires_at, fencing_token)
		VALUES ($1, $2, now(), now() + make_interval(secs => $3), 1)
		ON CONFLICT (resource) DO UPDATE
		SET holder = EXCLUDED.holder,
		    acquired_at = now(),
		    lease_expires_at = now() + make_interval(secs => $3),
		    fencing_token = locks.fencing_token + 1
		WHERE locks.lease_expires_at < now()
		RETURNING fencing_token, lease_expires_at`,
		resource, holder, m.lease.Seconds())

	var token int64
	var expires time.Time
	if err := row.Scan(&token, &expires); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("acquire %s: %w", resource, err)
	}
	return &Lease{Resource: resource, Holder: holder, FencingToken: token, ExpiresAt: expires}, nil
}

// Renew extends the lease. Fails with ErrLeaseLost if the lock was taken
// over (the fencing token no longer matches).
func (m *Manager) Renew(ctx context.Context, l *Lease) error {
	res, err := m.pg.DB.ExecContext(ctx, `
		UPDATE locks SET lease_expires_at = now() + make_interval(secs => $4)
		WHERE resource = $1 AND holder = $2 AND fencing_token = $3`,
		l.Resource, l.Holder, l.FencingToken, m.lease.Seconds())
	if err != nil {
		return fmt.Errorf("renew %s: %w", l.Resource, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrLeaseLost
	}
	l.ExpiresAt = time.Now().Add(m.lease)
	return nil
}

// Release drops the lock. A fenced holder's release is a no-op.
func (m *Manager) Release(ctx context.Context, l *Lease) error {
	_, err := m.pg.DB.ExecContext(ctx, `
		DELETE FROM locks
		WHERE resource = $1 AND holder = $2 AND fencing_token = $3`,
		l.Resource, l.Holder, l.FencingToken)
	if err != nil {
		return fmt.Errorf("release %s: %w", l.Resource, err)
	}
	return nil
}

// Verify reports whether token is the current unexpired fencing token
// for resource. Queue acks and nacks are gated on it so a zombie worker
// cannot double-complete an op.
func (m *Manager) Verify(ctx context.Context, resource string, token int64) (bool, error) {
	var one int
	err := m.pg.DB.GetContext(ctx, &one, `
		SELECT 1 FROM locks
		WHERE resource = $1 AND fencing_token = $2 AND lease_expires_at > now()`,
		resource, token)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("verify %s: %w", resource, err)
	}
	return true, nil
}

// GC deletes locks whose lease expired before cutoff. Expired locks are
// harmless (they are taken over on next acquire) but accumulate rows.
func (m *Manager) GC(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := m.pg.DB.ExecContext(ctx,
		`DELETE FROM locks WHERE lease_expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("lock gc: %w", err)
	}
	return res.RowsAffected()
}

// Dump returns all lock rows for the operator surface.
func (m *Manager) Dump(ctx context.Context) ([]Lease, error) {
	rows, err := m.pg.DB.QueryxContext(ctx,
		`SELECT resource, holder, fencing_token, lease_expires_at FROM locks ORDER BY resource`)
	if err != nil {
		return nil, fmt.Errorf("dump locks: %w", err)
	}
	defer rows.Close()
	var out []Lease
	for rows.Next() {
		var l Lease
		if err := rows.Scan(&l.Resource, &l.Holder, &l.FencingToken, &l.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Elector keeps trying to hold a well-known lock and reports leadership.
// The outbox processor and maintenance loop are gated on it.
type Elector struct {
	mgr      *Manager
	resource string
	holder   string
	interval time.Duration

	leader atomic.Bool
	lease  atomic.Pointer[Lease]
}

func NewElector(mgr *Manager, resource, holder string) *Elector {
	return &Elector{
		mgr:      mgr,
		resource: resource,
		holder:   holder,
		interval: mgr.lease / 3,
	}
}

// IsLeader reports whether this replica currently holds the lease.
func (e *Elector) IsLeader() bool { return e.leader.Load() }

// Lease returns the current lease, or nil when not leading.
func (e *Elector) Lease() *Lease { return e.lease.Load() }

// Run campaigns until ctx is cancelled, then releases any held lease.
func (e *Elector) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		e.tick(ctx)
		select {
		case <-ctx.Done():
			if l := e.lease.Load(); l != nil {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := e.mgr.Release(releaseCtx, l); err != nil {
					slog.Warn("leader lease release failed", "resource", e.resource, "error", err)
				}
				cancel()
			}
			e.leader.Store(false)
			e.lease.Store(nil)
			return
		case <-ticker.C:
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	if l := e.lease.Load(); l != nil {
		if err := e.mgr.Renew(ctx, l); err == nil {
			return
		} else if errors.Is(err, ErrLeaseLost) {
			slog.Warn("lost leadership", "resource", e.resource, "holder", e.holder)
			e.leader.Store(false)
			e.lease.Store(nil)
		} else {
			// Transient DB error: keep the lease object, drop leadership
			// claim until a renew succeeds again.
			e.leader.Store(false)
			return
		}
	}
	l, err := e.mgr.Acquire(ctx, e.resource, e.holder)
	if err != nil {
		if !errors.Is(err, ErrHeld) {
			slog.Warn("leader campaign failed", "resource", e.resource, "error", err)
		}
		return
	}
	slog.Info("became leader", "resource", e.resource, "holder", e.holder, "token", l.FencingToken)
	e.lease.Store(l)
	e.leader.Store(true)
}
