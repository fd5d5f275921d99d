package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamLane is the primary lane: one Redis stream per partition with a
// shared consumer group. Delivery is at-least-once; stalled deliveries
// are taken over with XAUTOCLAIM once idle longer than the visibility
// lease.
type StreamLane struct {
	rdb redis.Cmdable
	cfg Config

	// autoclaim cursor per partition, rotated across Claim calls
	nextPartition int
}

func NewStreamLane(rdb redis.Cmdable, cfg Config) *StreamLane {
	return &StreamLane{rdb: rdb, cfg: cfg}
}

func (s *StreamLane) streamKey(partition int) string {
	return fmt.Sprintf("aocs:ops:%d", partition)
}

func enqueueMarker(m *Message) string {
	return fmt.Sprintf("aocs:enqueued:%s:%d", m.RunID, m.OpIndex)
}

// EnsureGroups creates the consumer group on every partition stream.
func (s *StreamLane) EnsureGroups(ctx context.Context) error {
	for p := 0; p < s.cfg.Partitions; p++ {
		err := s.rdb.XGroupCreateMkStream(ctx, s.streamKey(p), s.cfg.ConsumerGroup, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group on partition %d: %w", p, err)
		}
	}
	return nil
}

// Add appends the message to its partition stream. A marker key makes
// enqueue idempotent on (run, op): the marker outlives the message so a
// re-enqueue of a pending, claimed, or completed op is a no-op. The
// marker is written after the XADD ack, so a crash in between can only
// duplicate a delivery (collapsed downstream by the idempotency store),
// never lose one.
func (s *StreamLane) Add(ctx context.Context, m *Message) error {
	if m.Attempt == 0 {
		n, err := s.rdb.Exists(ctx, enqueueMarker(m)).Result()
		if err != nil {
			return fmt.Errorf("enqueue marker: %w", err)
		}
		if n > 0 {
			return nil // already enqueued
		}
	}
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey(m.Partition),
		Values: map[string]interface{}{
			"run_id":   m.RunID,
			"op_index": m.OpIndex,
			"attempt":  m.Attempt,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	if err := s.rdb.Set(ctx, enqueueMarker(m), m.Attempt, s.cfg.MaxVisibleAge).Err(); err != nil {
		return fmt.Errorf("enqueue marker: %w", err)
	}
	m.StreamID = id
	m.Lane = LanePrimary
	return nil
}

// Claim reads new messages for the consumer, first taking over entries
// whose delivery went idle past the visibility lease.
func (s *StreamLane) Claim(ctx context.Context, consumer string, max int, block time.Duration) ([]Message, error) {
	var out []Message

	// Takeover pass on one partition per call, round-robin.
	p := s.nextPartition
	s.nextPartition = (s.nextPartition + 1) % s.cfg.Partitions
	claimed, _, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.streamKey(p),
		Group:    s.cfg.ConsumerGroup,
		Consumer: consumer,
		MinIdle:  s.cfg.VisibilityLease,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("xautoclaim partition %d: %w", p, err)
	}
	for i := range claimed {
		if m, ok := s.decode(p, &claimed[i]); ok {
			out = append(out, m)
		}
	}
	if len(out) >= max {
		return out[:max], nil
	}

	streams := make([]string, 0, s.cfg.Partitions*2)
	for p := 0; p < s.cfg.Partitions; p++ {
		streams = append(streams, s.streamKey(p))
	}
	for range s.cfg.Partitions {
		streams = append(streams, ">")
	}
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.ConsumerGroup,
		Consumer: consumer,
		Streams:  streams,
		Count:    int64(max - len(out)),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	for _, sr := range res {
		part := partitionFromKey(sr.Stream)
		for i := range sr.Messages {
			if m, ok := s.decode(part, &sr.Messages[i]); ok {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// Ack acknowledges and deletes the entry.
func (s *StreamLane) Ack(ctx context.Context, m Message) error {
	key := s.streamKey(m.Partition)
	if err := s.rdb.XAck(ctx, key, s.cfg.ConsumerGroup, m.StreamID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := s.rdb.XDel(ctx, key, m.StreamID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

// Extend resets the entry's idle time by claiming it to the same
// consumer, which keeps XAUTOCLAIM takeover at bay.
func (s *StreamLane) Extend(ctx context.Context, m Message, consumer string) error {
	err := s.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.streamKey(m.Partition),
		Group:    s.cfg.ConsumerGroup,
		Consumer: consumer,
		MinIdle:  0,
		Messages: []string{m.StreamID},
	}).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("xclaim extend: %w", err)
	}
	return nil
}

// Depth sums entry counts across partitions.
func (s *StreamLane) Depth(ctx context.Context) (int64, error) {
	var total int64
	for p := 0; p < s.cfg.Partitions; p++ {
		n, err := s.rdb.XLen(ctx, s.streamKey(p)).Result()
		if err != nil && err != redis.Nil {
			return total, fmt.Errorf("xlen partition %d: %w", p, err)
		}
		total += n
	}
	return total, nil
}

func (s *StreamLane) decode(partition int, xm *redis.XMessage) (Message, bool) {
	runID, _ := xm.Values["run_id"].(string)
	if runID == "" {
		return Message{}, false
	}
	opIndex := atoiValue(xm.Values["op_index"])
	attempt := atoiValue(xm.Values["attempt"])
	return Message{
		RunID:     runID,
		OpIndex:   opIndex,
		Attempt:   attempt,
		Lane:      LanePrimary,
		Partition: partition,
		StreamID:  xm.ID,
	}, true
}

func atoiValue(v interface{}) int {
	switch t := v.(type) {
	case string:
		n, _ := strconv.Atoi(t)
		return n
	case int64:
		return int(t)
	case int:
		return t
	}
	return 0
}

func partitionFromKey(key string) int {
	idx := strings.LastIndexByte(key, ':')
	if idx < 0 {
		return 0
	}
	p, _ := strconv.Atoi(key[idx+1:])
	return p
}
