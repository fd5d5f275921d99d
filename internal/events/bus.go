// Package events is the in-process pub/sub bus for state transitions.
// The audit ledger and metrics subscribe to it; emitters never block on
// a slow subscriber.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transition types emitted by the core.
const (
	RunSubmitted   = "run.submitted"
	RunStarted     = "run.started"
	RunSucceeded   = "run.succeeded"
	RunFailed      = "run.failed"
	RunCancelled   = "run.cancelled"
	RunCrashed     = "run.crashed"
	OpClaimed      = "op.claimed"
	OpSucceeded    = "op.succeeded"
	OpFailed       = "op.failed"
	OpDead         = "op.dead"
	OutboxQueued   = "outbox.queued"
	OutboxDone     = "outbox.delivered"
	OutboxParked   = "outbox.failed"
	DeadLettered   = "deadletter.archived"
	CandidateMade  = "recovery.proposed"
	CandidateMoved = "recovery.decided"
	ReplayChecked  = "replay.verified"
	LeaderChanged  = "leader.changed"
)

// Event is one state transition.
type Event struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Source   string                 `json:"source"`
	Subject  string                 `json:"subject,omitempty"`
	TenantID string                 `json:"tenant_id,omitempty"`
	Time     time.Time              `json:"time"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// Emitter is the publishing side of the bus.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// Bus is an in-process fan-out bus. Delivery is best-effort: a full
// subscriber buffer drops the event rather than stalling the emitter.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string][]chan *Event
	allSubs    []chan *Event
	bufferSize int
}

func NewBus() *Bus {
	return &Bus{
		subs:       make(map[string][]chan *Event),
		bufferSize: 256,
	}
}

// Subscribe returns a channel receiving the named types, or every event
// when no types are given.
func (b *Bus) Subscribe(types ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan *Event, b.bufferSize)
	if len(types) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, t := range types {
		b.subs[t] = append(b.subs[t], ch)
	}
	return ch
}

// Unsubscribe detaches and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, subs := range b.subs {
		b.subs[t] = without(subs, ch)
	}
	b.allSubs = without(b.allSubs, ch)
	close(ch)
}

func without(subs []chan *Event, ch chan *Event) []chan *Event {
	out := subs[:0]
	for _, s := range subs {
		if s != ch {
			out = append(out, s)
		}
	}
	return out
}

// Publish fans the event out to matching subscribers.
func (b *Bus) Publish(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[ev.Type] {
		select {
		case ch <- ev:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Emit builds and publishes an event.
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(&Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Source:  source,
		Subject: subject,
		Time:    time.Now().UTC(),
		Data:    data,
	})
}

// SubscriberCount reports active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.allSubs)
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// Nop is an Emitter that discards everything. Handy in tests.
type Nop struct{}

func (Nop) Emit(string, string, string, map[string]interface{}) {}
