package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const noBlock = time.Duration(-1)

func testStream(t *testing.T) (*miniredis.Miniredis, *StreamLane, Config) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := Config{
		Partitions:      4,
		ConsumerGroup:   "workers",
		VisibilityLease: time.Second,
		MaxAttempts:     3,
		MaxVisibleAge:   time.Hour,
	}
	lane := NewStreamLane(rdb, cfg)
	require.NoError(t, lane.EnsureGroups(context.Background()))
	return mr, lane, cfg
}

// claimAll drives Claim once per partition so the round-robin takeover
// cursor visits every stream.
func claimAll(t *testing.T, lane *StreamLane, consumer string, max int) []Message {
	t.Helper()
	var out []Message
	for p := 0; p < lane.cfg.Partitions; p++ {
		msgs, err := lane.Claim(context.Background(), consumer, max, noBlock)
		require.NoError(t, err)
		out = append(out, msgs...)
	}
	return out
}

func TestStreamAddAndClaim(t *testing.T) {
	_, lane, _ := testStream(t)
	ctx := context.Background()

	m := Message{RunID: "run-1", OpIndex: 0, Partition: 2}
	require.NoError(t, lane.Add(ctx, &m))
	assert.Equal(t, LanePrimary, m.Lane)
	assert.NotEmpty(t, m.StreamID)

	got := claimAll(t, lane, "w-1", 10)
	require.Len(t, got, 1)
	assert.Equal(t, "run-1", got[0].RunID)
	assert.Equal(t, 0, got[0].OpIndex)
	assert.Equal(t, 2, got[0].Partition)
	assert.Equal(t, m.StreamID, got[0].StreamID)
}

func TestStreamAddIdempotentPerOp(t *testing.T) {
	_, lane, _ := testStream(t)
	ctx := context.Background()

	a := Message{RunID: "run-1", OpIndex: 0, Partition: 1}
	require.NoError(t, lane.Add(ctx, &a))
	b := Message{RunID: "run-1", OpIndex: 0, Partition: 1}
	require.NoError(t, lane.Add(ctx, &b))

	depth, err := lane.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "re-enqueue of the same op must be a no-op")
}

func TestStreamRetryBypassesEnqueueMarker(t *testing.T) {
	_, lane, _ := testStream(t)
	ctx := context.Background()

	first := Message{RunID: "run-1", OpIndex: 0, Partition: 1}
	require.NoError(t, lane.Add(ctx, &first))
	retry := Message{RunID: "run-1", OpIndex: 0, Attempt: 1, Partition: 1}
	require.NoError(t, lane.Add(ctx, &retry))

	depth, err := lane.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth, "redelivery must not be deduplicated")
}

func TestStreamAckRemovesEntry(t *testing.T) {
	_, lane, _ := testStream(t)
	ctx := context.Background()

	m := Message{RunID: "run-1", OpIndex: 0, Partition: 0}
	require.NoError(t, lane.Add(ctx, &m))
	got := claimAll(t, lane, "w-1", 10)
	require.Len(t, got, 1)

	require.NoError(t, lane.Ack(ctx, got[0]))
	depth, err := lane.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	assert.Empty(t, claimAll(t, lane, "w-2", 10))
}

func TestStreamStalledDeliveryTakeover(t *testing.T) {
	mr, lane, cfg := testStream(t)
	ctx := context.Background()

	m := Message{RunID: "run-1", OpIndex: 0, Partition: 3}
	require.NoError(t, lane.Add(ctx, &m))
	require.Len(t, claimAll(t, lane, "w-dead", 10), 1)

	// Nothing to steal while the delivery is still fresh.
	assert.Empty(t, claimAll(t, lane, "w-live", 10))

	// FastForward only advances key TTLs; stream pending idle time is
	// measured against miniredis's clock, which SetTime controls.
	mr.SetTime(time.Now().Add(cfg.VisibilityLease + time.Second))
	stolen := claimAll(t, lane, "w-live", 10)
	require.Len(t, stolen, 1)
	assert.Equal(t, "run-1", stolen[0].RunID)
}

func TestStreamExtendKeepsTakeoverAtBay(t *testing.T) {
	mr, lane, cfg := testStream(t)
	ctx := context.Background()

	m := Message{RunID: "run-1", OpIndex: 0, Partition: 3}
	require.NoError(t, lane.Add(ctx, &m))
	got := claimAll(t, lane, "w-1", 10)
	require.Len(t, got, 1)

	mr.SetTime(time.Now().Add(cfg.VisibilityLease + time.Second))
	require.NoError(t, lane.Extend(ctx, got[0], "w-1"))

	assert.Empty(t, claimAll(t, lane, "w-2", 10),
		"extended delivery must not be claimable by another consumer")
}

func TestQueuePartitionIsStablePerRun(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := New(Config{Partitions: 8, ConsumerGroup: "workers"}, rdb, nil, nil)
	for _, run := range []string{"run-a", "run-b", "run-c"} {
		p := q.Partition(run)
		assert.Equal(t, p, q.Partition(run))
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 8)
	}
}

func TestQueueEnqueuePrefersPrimaryLane(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := New(Config{
		Partitions:    4,
		ConsumerGroup: "workers",
		MaxVisibleAge: time.Hour,
	}, rdb, nil, nil)
	require.NoError(t, q.Init(context.Background()))

	// Every op of a run lands on the run's partition stream.
	part := q.Partition("run-1")
	for i := 0; i < 3; i++ {
		lane, err := q.Enqueue(context.Background(), Message{RunID: "run-1", OpIndex: i})
		require.NoError(t, err)
		assert.Equal(t, LanePrimary, lane)
	}
	n, err := rdb.XLen(context.Background(), (&StreamLane{cfg: q.cfg}).streamKey(part)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
