// Package queue delivers each operation to exactly one worker. It runs
// two lanes behind one logical API: a Redis Streams lane with consumer
// groups, and a Postgres fallback lane claimed with FOR UPDATE SKIP
// LOCKED. Lane choice per message depends on broker health; a background
// reconciler migrates fallback rows to the stream once the broker
// recovers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aocs/core/internal/circuitbreaker"
	"github.com/aocs/core/internal/core"
	"github.com/aocs/core/internal/database"
	"github.com/aocs/core/internal/lock"
)

// Lane identifies which lane currently carries a message.
type Lane string

const (
	LanePrimary  Lane = "primary"
	LaneFallback Lane = "fallback"
)

// Message is one queued op delivery. The op body lives in the operations
// table; the queue carries identity plus delivery bookkeeping.
type Message struct {
	RunID   string `json:"run_id"`
	OpIndex int    `json:"op_index"`
	Attempt int    `json:"attempt"`

	Lane       Lane   `json:"-"`
	Partition  int    `json:"-"`
	StreamID   string `json:"-"` // primary lane entry id
	FallbackID int64  `json:"-"` // fallback lane row id
}

// Config mirrors config.QueueConfig for the queue's own use.
type Config struct {
	Partitions         int
	ConsumerGroup      string
	VisibilityLease    time.Duration
	MaxAttempts        int
	MaxVisibleAge      time.Duration
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	ReconcileInterval  time.Duration
	ReconcileBatchSize int
}

// Queue is the logical durable work queue.
type Queue struct {
	cfg      Config
	stream   *StreamLane
	fallback *FallbackLane
	locks    *lock.Manager
	broker   *circuitbreaker.Breaker
}

func New(cfg Config, rdb redis.Cmdable, pg *database.Postgres, locks *lock.Manager) *Queue {
	brk := circuitbreaker.New(circuitbreaker.Config{
		Name:        "broker",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(c circuitbreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			slog.Warn("broker circuit state change", "from", from.String(), "to", to.String())
		},
	})
	return &Queue{
		cfg:      cfg,
		stream:   NewStreamLane(rdb, cfg),
		fallback: NewFallbackLane(pg, cfg),
		locks:    locks,
		broker:   brk,
	}
}

// Init creates the stream consumer groups.
func (q *Queue) Init(ctx context.Context) error {
	return q.stream.EnsureGroups(ctx)
}

// BrokerHealthy reports the broker circuit state.
func (q *Queue) BrokerHealthy() bool {
	return q.broker.State() == circuitbreaker.StateClosed
}

// Partition maps a run to its stream partition. All ops of a run hash to
// one partition, which preserves per-run ordering on the primary lane.
func (q *Queue) Partition(runID string) int {
	h := fnv.New32a()
	h.Write([]byte(runID))
	return int(h.Sum32() % uint32(q.cfg.Partitions))
}

// Enqueue durably records a message before returning. Idempotent on
// (run, op): re-enqueueing an op that is already queued, claimed, or
// done is a no-op. Returns the lane the message landed on.
func (q *Queue) Enqueue(ctx context.Context, msg Message) (Lane, error) {
	msg.Partition = q.Partition(msg.RunID)

	primaryErr := q.broker.Execute(func() error {
		return q.stream.Add(ctx, &msg)
	})
	if primaryErr == nil {
		return LanePrimary, nil
	}
	if !errors.Is(primaryErr, circuitbreaker.ErrOpen) {
		slog.Warn("primary lane enqueue failed, using fallback",
			"run_id", msg.RunID, "op_index", msg.OpIndex, "error", primaryErr)
	}

	if err := q.fallback.Insert(ctx, &msg, time.Now()); err != nil {
		return "", fmt.Errorf("%w: primary: %v, fallback: %v", core.ErrQueueUnavailable, primaryErr, err)
	}
	return LaneFallback, nil
}

// Claim returns up to max messages, marking them claimed with a
// visibility deadline. Blocks up to block on the primary lane when
// nothing is immediately pending.
func (q *Queue) Claim(ctx context.Context, consumer string, max int, block time.Duration) ([]Message, error) {
	var out []Message

	var msgs []Message
	err := q.broker.Execute(func() error {
		var cerr error
		msgs, cerr = q.stream.Claim(ctx, consumer, max, block)
		return cerr
	})
	switch {
	case err == nil:
		out = append(out, msgs...)
	case errors.Is(err, circuitbreaker.ErrOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		// Broker unhealthy, fall through to the fallback lane.
	default:
		slog.Warn("primary lane claim failed", "error", err)
	}

	if len(out) < max {
		msgs, err := q.fallback.Claim(ctx, consumer, max-len(out))
		if err != nil {
			if len(out) == 0 {
				return nil, fmt.Errorf("fallback claim: %w", err)
			}
			slog.Warn("fallback lane claim failed", "error", err)
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// Ack marks the message succeeded and removes it from its lane. The
// caller's run-lock fencing token must still be current.
func (q *Queue) Ack(ctx context.Context, msg Message, token int64) error {
	if err := q.checkFence(ctx, msg.RunID, token); err != nil {
		return err
	}
	return q.remove(ctx, msg)
}

// Nack reschedules the message with backoff, or reports terminal=true
// when attempts or visible age are exhausted — the caller then
// dead-letters the op. Terminal messages are removed from the queue.
func (q *Queue) Nack(ctx context.Context, msg Message, token int64, delay time.Duration) (terminal bool, err error) {
	if err := q.checkFence(ctx, msg.RunID, token); err != nil {
		return false, err
	}

	next := msg.Attempt + 1
	if next >= q.cfg.MaxAttempts {
		return true, q.remove(ctx, msg)
	}
	if delay <= 0 {
		delay = Backoff(q.cfg.BackoffBase, q.cfg.BackoffCap, msg.RunID, next)
	}

	// Delayed redelivery rides the fallback lane: streams have no native
	// delay, and the reconciler migrates the row back once visible.
	retry := msg
	retry.Attempt = next
	if err := q.fallback.Insert(ctx, &retry, time.Now().Add(delay)); err != nil {
		return false, fmt.Errorf("reschedule: %w", err)
	}
	return false, q.remove(ctx, msg)
}

// Extend pushes out the visibility deadline while work continues.
func (q *Queue) Extend(ctx context.Context, msg Message, token int64, consumer string, extra time.Duration) error {
	if err := q.checkFence(ctx, msg.RunID, token); err != nil {
		return err
	}
	switch msg.Lane {
	case LanePrimary:
		return q.stream.Extend(ctx, msg, consumer)
	case LaneFallback:
		return q.fallback.Extend(ctx, msg, consumer, extra)
	}
	return fmt.Errorf("extend: unknown lane %q", msg.Lane)
}

// Depths returns the primary and fallback lane depths for metrics.
func (q *Queue) Depths(ctx context.Context) (primary, fallback int64, err error) {
	primary, perr := q.stream.Depth(ctx)
	fallback, ferr := q.fallback.Depth(ctx)
	if perr != nil {
		return 0, fallback, perr
	}
	return primary, fallback, ferr
}

func (q *Queue) remove(ctx context.Context, msg Message) error {
	switch msg.Lane {
	case LanePrimary:
		return q.stream.Ack(ctx, msg)
	case LaneFallback:
		return q.fallback.Delete(ctx, msg.FallbackID)
	}
	return fmt.Errorf("remove: unknown lane %q", msg.Lane)
}

func (q *Queue) checkFence(ctx context.Context, runID string, token int64) error {
	ok, err := q.locks.Verify(ctx, lock.RunResource(runID), token)
	if err != nil {
		return err
	}
	if !ok {
		return core.ErrStaleFencingToken
	}
	return nil
}
