package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestBusRoutesByType(t *testing.T) {
	b := NewBus()
	runs := b.Subscribe(RunSucceeded, RunFailed)
	defer b.Unsubscribe(runs)

	b.Emit(OpSucceeded, "worker", "op-1", nil)
	b.Emit(RunFailed, "worker", "run-1", map[string]interface{}{"kind": "transient"})

	ev := recv(t, runs)
	assert.Equal(t, RunFailed, ev.Type)
	assert.Equal(t, "run-1", ev.Subject)
	assert.Equal(t, "transient", ev.Data["kind"])
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Time.IsZero())
}

func TestBusSubscribeAll(t *testing.T) {
	b := NewBus()
	all := b.Subscribe()
	defer b.Unsubscribe(all)

	b.Emit(RunSubmitted, "api", "run-1", nil)
	b.Emit(DeadLettered, "worker", "dl-1", nil)

	assert.Equal(t, RunSubmitted, recv(t, all).Type)
	assert.Equal(t, DeadLettered, recv(t, all).Type)
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	b := NewBus()
	b.bufferSize = 1
	slow := b.Subscribe(OpClaimed)
	defer b.Unsubscribe(slow)

	// Second publish must not block even though nobody is draining.
	done := make(chan struct{})
	go func() {
		b.Emit(OpClaimed, "worker", "op-1", nil)
		b.Emit(OpClaimed, "worker", "op-2", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, "op-1", recv(t, slow).Subject)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(LeaderChanged)
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(ch)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic on the closed channel.
	b.Emit(LeaderChanged, "elector", "node-1", nil)
}
