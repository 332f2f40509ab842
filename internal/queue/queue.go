// Package queue implements a durable at-least-once job queue on Redis lists.
//
// Jobs flow LPUSH into pending, are claimed into processing with an atomic
// BRPOPLPUSH, and are removed only after the handler returns. Failed jobs are
// parked in a scheduled sorted set and pumped back into pending when their
// exponential backoff expires; jobs that exhaust their attempts land in a
// capped dead-letter list. A crash between claim and removal leaves the job
// in processing, and startup recovery requeues it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	redisclient "github.com/arxpredict/marketmirror/internal/cache/redis"
	"github.com/arxpredict/marketmirror/internal/domain"
)

const (
	// claimTimeout bounds each blocking claim so workers notice shutdown.
	claimTimeout = 2 * time.Second
	// pumpInterval is how often due scheduled jobs are moved to pending.
	pumpInterval = time.Second
	// pumpBatch caps jobs promoted per pump pass.
	pumpBatch = 64
	// deadRetention caps the dead-letter list length.
	deadRetention = 50
	// doneRetention caps the completed-job audit list length.
	doneRetention = 100
)

// Handler processes one claimed job. A nil return acknowledges the job; an
// error schedules a retry or, after the final attempt, dead-letters it.
type Handler func(ctx context.Context, job domain.QueueJob) error

// Config holds queue delivery parameters.
type Config struct {
	// Name namespaces the queue's Redis keys.
	Name string
	// Workers is the number of concurrent claim loops.
	Workers int
	// MaxAttempts is the delivery ceiling per job, first attempt included.
	MaxAttempts int
	// BackoffBase is the delay before the first retry; each subsequent
	// retry doubles it.
	BackoffBase time.Duration
}

// Queue is a Redis-backed at-least-once job queue.
type Queue struct {
	rdb    *redis.Client
	cfg    Config
	logger *slog.Logger

	pendingKey    string
	processingKey string
	scheduledKey  string
	deadKey       string
	doneKey       string
	succeededKey  string
	failedKey     string
}

// New creates a queue over the given Redis client.
func New(c *redisclient.Client, cfg Config, logger *slog.Logger) *Queue {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}

	prefix := "queue:" + cfg.Name
	return &Queue{
		rdb:           c.Underlying(),
		cfg:           cfg,
		logger:        logger.With("component", "queue", "queue", cfg.Name),
		pendingKey:    prefix + ":pending",
		processingKey: prefix + ":processing",
		scheduledKey:  prefix + ":scheduled",
		deadKey:       prefix + ":dead",
		doneKey:       prefix + ":done",
		succeededKey:  prefix + ":succeeded",
		failedKey:     prefix + ":failed",
	}
}

// Enqueue pushes a job onto the pending list.
func (q *Queue) Enqueue(ctx context.Context, job domain.QueueJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", job.ID, err)
	}
	if err := q.rdb.LPush(ctx, q.pendingKey, payload).Err(); err != nil {
		return fmt.Errorf("queue: enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Run recovers orphaned jobs, then serves the queue with the configured
// number of workers plus a retry pump until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, handler Handler) error {
	if err := q.recover(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		g.Go(func() error {
			return q.worker(ctx, handler)
		})
	}
	g.Go(func() error {
		return q.pump(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// recover moves every job stranded in processing back to pending. Only safe
// at startup, before any worker holds a claim.
func (q *Queue) recover(ctx context.Context) error {
	moved := 0
	for {
		_, err := q.rdb.LMove(ctx, q.processingKey, q.pendingKey, "RIGHT", "LEFT").Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return fmt.Errorf("queue: recover processing jobs: %w", err)
		}
		moved++
	}
	if moved > 0 {
		q.logger.Info("requeued orphaned jobs", "count", moved)
	}
	return nil
}

// worker claims and processes jobs until ctx is cancelled.
func (q *Queue) worker(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		payload, err := q.rdb.BRPopLPush(ctx, q.pendingKey, q.processingKey, claimTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Warn("claim failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(claimTimeout):
			}
			continue
		}

		q.process(ctx, handler, payload)
	}
}

// process runs the handler for one claimed payload and settles the claim.
func (q *Queue) process(ctx context.Context, handler Handler, payload string) {
	var job domain.QueueJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		// Undecodable payloads can never succeed; dead-letter immediately.
		q.logger.Error("dropping undecodable job", "error", err)
		q.settle(ctx, payload, domain.JobRecord{
			Outcome:    domain.JobDeadLettered,
			Error:      fmt.Sprintf("undecodable payload: %v", err),
			FinishedAt: time.Now().UTC(),
		})
		return
	}

	job.Attempts++
	handlerErr := handler(ctx, job)
	if handlerErr == nil {
		q.settle(ctx, payload, domain.JobRecord{
			Job:        job,
			Outcome:    domain.JobSucceeded,
			FinishedAt: time.Now().UTC(),
		})
		return
	}

	if job.Attempts >= q.cfg.MaxAttempts {
		q.logger.Error("job exhausted attempts",
			"job_id", job.ID, "kind", job.Kind, "attempts", job.Attempts, "error", handlerErr)
		q.settle(ctx, payload, domain.JobRecord{
			Job:        job,
			Outcome:    domain.JobDeadLettered,
			Error:      handlerErr.Error(),
			FinishedAt: time.Now().UTC(),
		})
		return
	}

	delay := q.backoff(job.Attempts)
	q.logger.Warn("job failed, scheduling retry",
		"job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts, "delay", delay, "error", handlerErr)
	q.reschedule(ctx, payload, job, delay)
}

// backoff returns the delay before the next attempt: base doubled per prior
// failure (base, 2x base, 4x base, ...).
func (q *Queue) backoff(attempts int) time.Duration {
	factor := math.Pow(2, float64(attempts-1))
	return time.Duration(float64(q.cfg.BackoffBase) * factor)
}

// settle removes the claim and records the terminal outcome. Settlement uses
// a background-capable context so shutdown does not strand a finished job.
func (q *Queue) settle(ctx context.Context, payload string, rec domain.JobRecord) {
	ctx = context.WithoutCancel(ctx)

	record, err := json.Marshal(rec)
	if err != nil {
		q.logger.Error("marshal job record", "job_id", rec.Job.ID, "error", err)
		record = []byte(`{}`)
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.processingKey, 1, payload)
	switch rec.Outcome {
	case domain.JobSucceeded:
		pipe.LPush(ctx, q.doneKey, record)
		pipe.LTrim(ctx, q.doneKey, 0, doneRetention-1)
		pipe.Incr(ctx, q.succeededKey)
	case domain.JobDeadLettered:
		pipe.LPush(ctx, q.deadKey, record)
		pipe.LTrim(ctx, q.deadKey, 0, deadRetention-1)
		pipe.Incr(ctx, q.failedKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("settle failed", "job_id", rec.Job.ID, "error", err)
	}
}

// reschedule parks the job in the scheduled set with its updated attempt
// count and drops the claim.
func (q *Queue) reschedule(ctx context.Context, payload string, job domain.QueueJob, delay time.Duration) {
	ctx = context.WithoutCancel(ctx)

	updated, err := json.Marshal(job)
	if err != nil {
		q.logger.Error("marshal retry job", "job_id", job.ID, "error", err)
		return
	}

	readyAt := float64(time.Now().Add(delay).UnixMilli())
	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: readyAt, Member: updated})
	pipe.LRem(ctx, q.processingKey, 1, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("reschedule failed", "job_id", job.ID, "error", err)
	}
}

// pump promotes due scheduled jobs back onto the pending list.
func (q *Queue) pump(ctx context.Context) error {
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		due, err := q.rdb.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   now,
			Count: pumpBatch,
		}).Result()
		if err != nil {
			q.logger.Warn("retry pump read failed", "error", err)
			continue
		}

		for _, payload := range due {
			pipe := q.rdb.TxPipeline()
			pipe.ZRem(ctx, q.scheduledKey, payload)
			pipe.LPush(ctx, q.pendingKey, payload)
			if _, err := pipe.Exec(ctx); err != nil {
				q.logger.Warn("retry pump promote failed", "error", err)
			}
		}
	}
}

// Stats returns current queue depths and lifetime outcome counters.
func (q *Queue) Stats(ctx context.Context) (domain.QueueStats, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.LLen(ctx, q.pendingKey)
	processing := pipe.LLen(ctx, q.processingKey)
	scheduled := pipe.ZCard(ctx, q.scheduledKey)
	dead := pipe.LLen(ctx, q.deadKey)
	succeeded := pipe.Get(ctx, q.succeededKey)
	failed := pipe.Get(ctx, q.failedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.QueueStats{}, fmt.Errorf("queue: stats: %w", err)
	}

	stats := domain.QueueStats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Scheduled:  scheduled.Val(),
		Dead:       dead.Val(),
	}
	if n, err := strconv.ParseInt(succeeded.Val(), 10, 64); err == nil {
		stats.Succeeded = n
	}
	if n, err := strconv.ParseInt(failed.Val(), 10, 64); err == nil {
		stats.Failed = n
	}
	return stats, nil
}

// DeadJobs returns the retained dead-letter records, newest first.
func (q *Queue) DeadJobs(ctx context.Context) ([]domain.JobRecord, error) {
	raw, err := q.rdb.LRange(ctx, q.deadKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: read dead letters: %w", err)
	}

	out := make([]domain.JobRecord, 0, len(raw))
	for _, entry := range raw {
		var rec domain.JobRecord
		if err := json.Unmarshal([]byte(entry), &rec); err != nil {
			q.logger.Warn("corrupt dead-letter record skipped", "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// PurgeDead clears the dead-letter list after a successful archive run.
func (q *Queue) PurgeDead(ctx context.Context) error {
	if err := q.rdb.Del(ctx, q.deadKey).Err(); err != nil {
		return fmt.Errorf("queue: purge dead letters: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.Enqueuer = (*Queue)(nil)
