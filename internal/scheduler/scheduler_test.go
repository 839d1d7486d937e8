package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnqueuePushesEnvelope(t *testing.T) {
	_, rdb := testRedis(t)
	s := New(rdb, testLogger(), nil)

	require.NoError(t, s.Enqueue(context.Background(), TaskSnapshotTrends))

	raw, err := rdb.RPop(context.Background(), queueKey).Result()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	assert.Equal(t, TaskSnapshotTrends, env.Task)
	assert.Equal(t, 0, env.Attempt)
	assert.False(t, env.EnqueuedAt.IsZero())
}

func TestProcessOneDispatchesHandler(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	w := NewWorker(rdb, testLogger(), 0)
	var ran int
	w.Register(TaskApplyTrendDecay, func(ctx context.Context) error {
		ran++
		return nil
	})

	require.NoError(t, New(rdb, testLogger(), nil).Enqueue(ctx, TaskApplyTrendDecay))

	ok, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, ran)

	ok, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "queue is drained")
}

func TestFailedTaskIsRequeuedWithAttempt(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	w := NewWorker(rdb, testLogger(), 2)
	w.Register(TaskProcessPendingItems, func(ctx context.Context) error {
		return errors.New("transient")
	})

	require.NoError(t, New(rdb, testLogger(), nil).Enqueue(ctx, TaskProcessPendingItems))

	ok, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	raw, err := rdb.RPop(ctx, queueKey).Result()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	assert.Equal(t, 1, env.Attempt)
	assert.Equal(t, "transient", env.LastError)
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	w := NewWorker(rdb, testLogger(), 1)
	w.Register(TaskCheckSourceFreshness, func(ctx context.Context) error {
		return errors.New("broken feed")
	})

	s := New(rdb, testLogger(), nil)
	require.NoError(t, s.Enqueue(ctx, TaskCheckSourceFreshness))

	// First run requeues, second dead-letters.
	for range 2 {
		ok, err := w.ProcessOne(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	}

	n, err := rdb.LLen(ctx, queueKey).Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	dead, err := DeadLetters(ctx, rdb, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, TaskCheckSourceFreshness, dead[0].Task)
	assert.Equal(t, 1, dead[0].Attempt)
	assert.Equal(t, "broken feed", dead[0].LastError)
}

func TestUnknownTaskDeadLetters(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	w := NewWorker(rdb, testLogger(), 3)
	require.NoError(t, New(rdb, testLogger(), nil).Enqueue(ctx, "no_such_task"))

	ok, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	dead, err := DeadLetters(ctx, rdb, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "no handler registered", dead[0].LastError)
}

func TestDeadLetterListIsBounded(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	w := NewWorker(rdb, testLogger(), 0)
	for i := 0; i < deadLetterMax+25; i++ {
		w.deadLetter(ctx, Envelope{Task: TaskSnapshotTrends})
	}

	n, err := rdb.LLen(ctx, deadLetterKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(deadLetterMax), n)
}

func TestLastHeartbeat(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	got, err := LastHeartbeat(ctx, rdb)
	require.NoError(t, err)
	assert.True(t, got.IsZero(), "no heartbeat yet")

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, rdb.Set(ctx, heartbeatKey, now.Format(time.RFC3339), time.Minute).Err())

	got, err = LastHeartbeat(ctx, rdb)
	require.NoError(t, err)
	assert.True(t, got.Equal(now))
}

func TestMalformedEnvelopeIsDropped(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	require.NoError(t, rdb.LPush(ctx, queueKey, "{not json").Err())

	w := NewWorker(rdb, testLogger(), 3)
	ok, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	dead, err := DeadLetters(ctx, rdb, 10)
	require.NoError(t, err)
	assert.Empty(t, dead, "malformed payloads are dropped, not dead-lettered")
}
