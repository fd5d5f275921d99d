// Package audit persists every state transition to the append-only
// audit_log table. Writes are asynchronous and never block the caller;
// when the database is unreachable entries fall back to the process log
// so the trail is degraded, not lost.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aocs/core/internal/database"
	"github.com/aocs/core/internal/events"
)

// Ledger is the audit sink.
type Ledger struct {
	pg      *database.Postgres
	entries chan *entry
	done    chan struct{}

	bus        *events.Bus
	sub        chan *events.Event
	forwarders sync.WaitGroup
}

type entry struct {
	EntityKind string
	EntityID   string
	Transition string
	Detail     map[string]interface{}
}

func NewLedger(pg *database.Postgres) *Ledger {
	l := &Ledger{
		pg:      pg,
		entries: make(chan *entry, 1024),
		done:    make(chan struct{}),
	}
	go l.drain()
	return l
}

// Record queues one audit entry. Non-blocking: a full buffer falls back
// to slog immediately.
func (l *Ledger) Record(entityKind, entityID, transition string, detail map[string]interface{}) {
	e := &entry{EntityKind: entityKind, EntityID: entityID, Transition: transition, Detail: detail}
	select {
	case l.entries <- e:
	default:
		l.fallback(e, nil)
	}
}

// Attach subscribes the ledger to the event bus so every published
// transition lands in the audit trail without per-callsite wiring.
func (l *Ledger) Attach(bus *events.Bus) {
	l.bus = bus
	l.sub = bus.Subscribe()
	l.forwarders.Add(1)
	go func() {
		defer l.forwarders.Done()
		for ev := range l.sub {
			l.Record(ev.Source, ev.Subject, ev.Type, ev.Data)
		}
	}()
}

// Close detaches from the bus, waits for the forwarder to finish its
// in-flight sends, then flushes queued entries and stops the writer.
// The ordering matters: the entries channel only closes once nothing
// can send on it.
func (l *Ledger) Close() {
	if l.bus != nil {
		l.bus.Unsubscribe(l.sub)
		l.forwarders.Wait()
	}
	close(l.entries)
	<-l.done
}

func (l *Ledger) drain() {
	defer close(l.done)
	for e := range l.entries {
		l.write(e)
	}
}

func (l *Ledger) write(e *entry) {
	var detail []byte
	if e.Detail != nil {
		var err error
		if detail, err = json.Marshal(e.Detail); err != nil {
			detail = nil
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := l.pg.DB.ExecContext(ctx, `
		INSERT INTO audit_log (entity_kind, entity_id, transition, detail)
		VALUES ($1, $2, $3, $4)`,
		e.EntityKind, e.EntityID, e.Transition, detail)
	if err != nil {
		l.fallback(e, err)
	}
}

func (l *Ledger) fallback(e *entry, cause error) {
	slog.Error("audit ledger write skipped",
		"entity_kind", e.EntityKind, "entity_id", e.EntityID,
		"transition", e.Transition, "error", cause)
}

// Trail returns recent transitions for one entity, newest first.
func (l *Ledger) Trail(ctx context.Context, entityKind, entityID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Record
	err := l.pg.DB.SelectContext(ctx, &out, `
		SELECT id, entity_kind, entity_id, transition, detail, recorded_at
		FROM audit_log
		WHERE entity_kind = $1 AND entity_id = $2
		ORDER BY id DESC LIMIT $3`,
		entityKind, entityID, limit)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Record is one persisted audit row.
type Record struct {
	ID         int64           `db:"id" json:"id"`
	EntityKind string          `db:"entity_kind" json:"entity_kind"`
	EntityID   string          `db:"entity_id" json:"entity_id"`
	Transition string          `db:"transition" json:"transition"`
	Detail     json.RawMessage `db:"detail" json:"detail,omitempty"`
	RecordedAt time.Time       `db:"recorded_at" json:"recorded_at"`
}
