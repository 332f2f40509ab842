package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/arxpredict/marketmirror/internal/cache/redis"
	"github.com/arxpredict/marketmirror/internal/domain"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(redisclient.Wrap(rdb), cfg, logger), rdb
}

func marshalJob(t *testing.T, job domain.QueueJob) string {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	return string(payload)
}

func TestNewDefaults(t *testing.T) {
	q, _ := newTestQueue(t, Config{})

	assert.Equal(t, "default", q.cfg.Name)
	assert.Equal(t, 1, q.cfg.Workers)
	assert.Equal(t, 3, q.cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, q.cfg.BackoffBase)
}

func TestNewKeyNaming(t *testing.T) {
	q, _ := newTestQueue(t, Config{Name: "chain-events"})

	assert.Equal(t, "queue:chain-events:pending", q.pendingKey)
	assert.Equal(t, "queue:chain-events:processing", q.processingKey)
	assert.Equal(t, "queue:chain-events:scheduled", q.scheduledKey)
	assert.Equal(t, "queue:chain-events:dead", q.deadKey)
	assert.Equal(t, "queue:chain-events:done", q.doneKey)
	assert.Equal(t, "queue:chain-events:succeeded", q.succeededKey)
	assert.Equal(t, "queue:chain-events:failed", q.failedKey)
}

func TestBackoffDoublesPerAttempt(t *testing.T) {
	q, _ := newTestQueue(t, Config{BackoffBase: 2 * time.Second})

	assert.Equal(t, 2*time.Second, q.backoff(1))
	assert.Equal(t, 4*time.Second, q.backoff(2))
	assert.Equal(t, 8*time.Second, q.backoff(3))
}

func TestBackoffScalesWithBase(t *testing.T) {
	q, _ := newTestQueue(t, Config{BackoffBase: 500 * time.Millisecond})

	assert.Equal(t, 500*time.Millisecond, q.backoff(1))
	assert.Equal(t, time.Second, q.backoff(2))
	assert.Equal(t, 2*time.Second, q.backoff(3))
	assert.Equal(t, 4*time.Second, q.backoff(4))
}

func TestEnqueuePushesPending(t *testing.T) {
	q, rdb := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, domain.QueueJob{ID: "j1", Kind: domain.EventBuyShares}))

	raw, err := rdb.LIndex(ctx, q.pendingKey, 0).Result()
	require.NoError(t, err)
	var job domain.QueueJob
	require.NoError(t, json.Unmarshal([]byte(raw), &job))
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, domain.EventBuyShares, job.Kind)
}

func TestProcessSuccessAcks(t *testing.T) {
	q, rdb := newTestQueue(t, Config{})
	ctx := context.Background()

	payload := marshalJob(t, domain.QueueJob{ID: "j1", Kind: domain.EventBuyShares})
	require.NoError(t, rdb.LPush(ctx, q.processingKey, payload).Err())

	q.process(ctx, func(ctx context.Context, job domain.QueueJob) error {
		assert.Equal(t, "j1", job.ID)
		assert.Equal(t, 1, job.Attempts)
		return nil
	}, payload)

	assert.Zero(t, rdb.LLen(ctx, q.processingKey).Val())
	require.EqualValues(t, 1, rdb.LLen(ctx, q.doneKey).Val())
	assert.Equal(t, "1", rdb.Get(ctx, q.succeededKey).Val())

	var rec domain.JobRecord
	require.NoError(t, json.Unmarshal([]byte(rdb.LIndex(ctx, q.doneKey, 0).Val()), &rec))
	assert.Equal(t, domain.JobSucceeded, rec.Outcome)
	assert.Equal(t, "j1", rec.Job.ID)
}

func TestProcessFailureReschedulesWithBackoff(t *testing.T) {
	q, rdb := newTestQueue(t, Config{MaxAttempts: 3, BackoffBase: 100 * time.Millisecond})
	ctx := context.Background()

	payload := marshalJob(t, domain.QueueJob{ID: "j1", Kind: domain.EventSellShares})
	require.NoError(t, rdb.LPush(ctx, q.processingKey, payload).Err())

	before := time.Now()
	q.process(ctx, func(ctx context.Context, job domain.QueueJob) error {
		return errors.New("store unavailable")
	}, payload)

	assert.Zero(t, rdb.LLen(ctx, q.processingKey).Val())
	assert.Zero(t, rdb.LLen(ctx, q.deadKey).Val())

	entries, err := rdb.ZRangeByScoreWithScores(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min: "-inf", Max: "+inf",
	}).Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var job domain.QueueJob
	require.NoError(t, json.Unmarshal([]byte(entries[0].Member.(string)), &job))
	assert.Equal(t, 1, job.Attempts)

	readyAt := int64(entries[0].Score)
	assert.GreaterOrEqual(t, readyAt, before.Add(100*time.Millisecond).UnixMilli())
	assert.LessOrEqual(t, readyAt, time.Now().Add(100*time.Millisecond).UnixMilli())
}

func TestProcessExhaustionDeadLetters(t *testing.T) {
	q, rdb := newTestQueue(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	// Two deliveries already failed; this one exhausts the budget.
	payload := marshalJob(t, domain.QueueJob{ID: "j1", Kind: domain.EventBuyShares, Attempts: 2})
	require.NoError(t, rdb.LPush(ctx, q.processingKey, payload).Err())

	q.process(ctx, func(ctx context.Context, job domain.QueueJob) error {
		return errors.New("malformed event payload")
	}, payload)

	assert.Zero(t, rdb.LLen(ctx, q.processingKey).Val())
	assert.Zero(t, rdb.ZCard(ctx, q.scheduledKey).Val())
	require.EqualValues(t, 1, rdb.LLen(ctx, q.deadKey).Val())
	assert.Equal(t, "1", rdb.Get(ctx, q.failedKey).Val())

	var rec domain.JobRecord
	require.NoError(t, json.Unmarshal([]byte(rdb.LIndex(ctx, q.deadKey, 0).Val()), &rec))
	assert.Equal(t, domain.JobDeadLettered, rec.Outcome)
	assert.Equal(t, 3, rec.Job.Attempts)
	assert.Contains(t, rec.Error, "malformed event payload")
}

func TestProcessUndecodablePayloadDeadLetters(t *testing.T) {
	q, rdb := newTestQueue(t, Config{})
	ctx := context.Background()

	payload := `{"id":`
	require.NoError(t, rdb.LPush(ctx, q.processingKey, payload).Err())

	q.process(ctx, func(ctx context.Context, job domain.QueueJob) error {
		t.Fatal("undecodable payloads must not reach the handler")
		return nil
	}, payload)

	assert.Zero(t, rdb.LLen(ctx, q.processingKey).Val())
	require.EqualValues(t, 1, rdb.LLen(ctx, q.deadKey).Val())
}

func TestRecoverRequeuesOrphans(t *testing.T) {
	q, rdb := newTestQueue(t, Config{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		payload := marshalJob(t, domain.QueueJob{ID: strconv.Itoa(i)})
		require.NoError(t, rdb.LPush(ctx, q.processingKey, payload).Err())
	}

	require.NoError(t, q.recover(ctx))
	assert.EqualValues(t, 2, rdb.LLen(ctx, q.pendingKey).Val())
	assert.Zero(t, rdb.LLen(ctx, q.processingKey).Val())
}

func TestDeadLetterRetentionCapped(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	for i := 0; i < deadRetention+10; i++ {
		q.settle(ctx, "payload-"+strconv.Itoa(i), domain.JobRecord{
			Job:        domain.QueueJob{ID: strconv.Itoa(i)},
			Outcome:    domain.JobDeadLettered,
			Error:      "boom",
			FinishedAt: time.Now().UTC(),
		})
	}

	dead, err := q.DeadJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, dead, deadRetention)
	// Newest first; the oldest ten fell off the cap.
	assert.Equal(t, strconv.Itoa(deadRetention+9), dead[0].Job.ID)
}

func TestStats(t *testing.T) {
	q, rdb := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, domain.QueueJob{ID: "a"}))
	require.NoError(t, q.Enqueue(ctx, domain.QueueJob{ID: "b"}))
	require.NoError(t, rdb.Set(ctx, q.succeededKey, "7", 0).Err())
	require.NoError(t, rdb.Set(ctx, q.failedKey, "1", 0).Err())
	require.NoError(t, rdb.ZAdd(ctx, q.scheduledKey, redis.Z{Score: 1, Member: "x"}).Err())
	require.NoError(t, rdb.LPush(ctx, q.deadKey, "{}").Err())

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Pending)
	assert.EqualValues(t, 0, stats.Processing)
	assert.EqualValues(t, 1, stats.Scheduled)
	assert.EqualValues(t, 1, stats.Dead)
	assert.EqualValues(t, 7, stats.Succeeded)
	assert.EqualValues(t, 1, stats.Failed)
}

func TestPurgeDead(t *testing.T) {
	q, rdb := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, rdb.LPush(ctx, q.deadKey, "{}").Err())
	require.NoError(t, q.PurgeDead(ctx))
	assert.Zero(t, rdb.LLen(ctx, q.deadKey).Val())
}
