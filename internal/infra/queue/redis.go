package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/autopay/internal/core/domain"
	redisclient "github.com/vietddude/autopay/internal/infra/redis"
	"github.com/vietddude/autopay/internal/payment/metrics"
)

// RedisQueue is the durable queue: jobs survive process restarts and may be
// consumed by worker slots in multiple processes. Layout:
//
//	autopay:job:{id}   job state (JSON), created with SETNX for dedupe
//	autopay:ready      list of job IDs ready for delivery
//	autopay:delayed    zset of job IDs scored by run-at (unix ms)
//	autopay:active     zset of job IDs scored by lease deadline (unix ms)
//	autopay:completed  list of completed IDs, trimmed to KeepCompleted
//	autopay:failed     list of failed IDs, retained for audit
//	autopay:sub:{id}   set of job IDs per subscription
type RedisQueue struct {
	client *redisclient.Client
	rdb    *redis.Client
	cfg    Config
	log    *slog.Logger
}

// NewRedisQueue builds the queue on an established Redis connection. The
// queue owns the connection and closes it.
func NewRedisQueue(client *redisclient.Client, cfg Config) *RedisQueue {
	return &RedisQueue{
		client: client,
		rdb:    client.RDB(),
		cfg:    cfg.withDefaults(),
		log:    slog.Default().With("component", "queue"),
	}
}

const keyPrefix = "autopay:"

func jobKey(id string) string    { return keyPrefix + "job:" + id }
func subKey(subID string) string { return keyPrefix + "sub:" + subID }

const (
	readyKey     = keyPrefix + "ready"
	delayedKey   = keyPrefix + "delayed"
	activeKey    = keyPrefix + "active"
	completedKey = keyPrefix + "completed"
	failedKey    = keyPrefix + "failed"
)

func (q *RedisQueue) Enqueue(ctx context.Context, job *domain.PaymentJob) (string, error) {
	now := time.Now().UTC()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	if job.ID == "" {
		job.ID = domain.JobID(job.SubscriptionID, job.EnqueuedAt)
	}
	job.Status = domain.JobStatusWaiting
	job.UpdatedAt = now

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	created, err := q.rdb.SetNX(ctx, jobKey(job.ID), data, 0).Result()
	if err != nil {
		return "", fmt.Errorf("setnx failed: %w", err)
	}
	if !created {
		return job.ID, ErrDuplicateJob
	}

	pipe := q.rdb.TxPipeline()
	pipe.SAdd(ctx, subKey(job.SubscriptionID), job.ID)
	pipe.LPush(ctx, readyKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue pipeline failed: %w", err)
	}

	metrics.JobsEnqueued.Inc()
	return job.ID, nil
}

func (q *RedisQueue) Get(ctx context.Context, jobID string) (*domain.PaymentJob, error) {
	data, err := q.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get failed: %w", err)
	}

	var job domain.PaymentJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

func (q *RedisQueue) ListBySubscription(ctx context.Context, subscriptionID string) ([]*domain.PaymentJob, error) {
	ids, err := q.rdb.SMembers(ctx, subKey(subscriptionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers failed: %w", err)
	}

	jobs := make([]*domain.PaymentJob, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err == ErrJobNotFound {
			continue // pruned completed job; index entry is stale
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) Ready(ctx context.Context) error {
	return q.client.Ping(ctx)
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Start launches the worker slots and the housekeeping loop.
func (q *RedisQueue) Start(ctx context.Context, h Handler) {
	for i := 0; i < q.cfg.Slots; i++ {
		go q.workLoop(ctx, h)
	}
	go q.housekeep(ctx)
}

func (q *RedisQueue) workLoop(ctx context.Context, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := q.rdb.BRPop(ctx, 2*time.Second, readyKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Error("brpop failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if len(res) != 2 {
			continue
		}

		q.deliver(ctx, h, res[1])
	}
}

func (q *RedisQueue) deliver(ctx context.Context, h Handler, jobID string) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		q.log.Error("failed to load job for delivery", "job", jobID, "error", err)
		return
	}
	if job.Status.Terminal() {
		return // raced with a reaper decision
	}

	job.Attempts++
	job.Status = domain.JobStatusActive
	if err := q.save(ctx, job); err != nil {
		q.log.Error("failed to mark job active", "job", jobID, "error", err)
		return
	}
	deadline := time.Now().Add(q.cfg.Timeout)
	if err := q.rdb.ZAdd(ctx, activeKey, redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: job.ID,
	}).Err(); err != nil {
		q.log.Error("failed to lease job", "job", jobID, "error", err)
		return
	}

	result := h.Process(ctx, job)
	q.finish(ctx, job, result)
}

func (q *RedisQueue) finish(ctx context.Context, job *domain.PaymentJob, res Result) {
	if err := q.rdb.ZRem(ctx, activeKey, job.ID).Err(); err != nil {
		q.log.Error("failed to release lease", "job", job.ID, "error", err)
	}

	switch res.Disposition {
	case DispositionSuccess:
		job.Status = domain.JobStatusCompleted
		job.TxHash = res.TxHash
		job.LastError = ""
		if err := q.save(ctx, job); err != nil {
			q.log.Error("failed to complete job", "job", job.ID, "error", err)
			return
		}
		if err := q.rdb.LPush(ctx, completedKey, job.ID).Err(); err != nil {
			q.log.Error("failed to record completion", "job", job.ID, "error", err)
		}
		q.pruneCompleted(ctx)

	case DispositionRetry:
		if res.Err != nil {
			job.LastError = res.Err.Error()
		}
		if job.Attempts >= q.cfg.MaxAttempts {
			q.fail(ctx, job)
			return
		}
		delay := res.RetryAfter
		if delay <= 0 {
			delay = defaultBackoff(q.cfg.BackoffBase, job.Attempts)
		}
		job.Status = domain.JobStatusDelayed
		if err := q.save(ctx, job); err != nil {
			q.log.Error("failed to delay job", "job", job.ID, "error", err)
			return
		}
		runAt := time.Now().Add(delay)
		if err := q.rdb.ZAdd(ctx, delayedKey, redis.Z{
			Score:  float64(runAt.UnixMilli()),
			Member: job.ID,
		}).Err(); err != nil {
			q.log.Error("failed to schedule retry", "job", job.ID, "error", err)
		}

	case DispositionFail:
		if res.Err != nil {
			job.LastError = res.Err.Error()
		}
		q.fail(ctx, job)
	}
}

func (q *RedisQueue) fail(ctx context.Context, job *domain.PaymentJob) {
	job.Status = domain.JobStatusFailed
	if err := q.save(ctx, job); err != nil {
		q.log.Error("failed to mark job failed", "job", job.ID, "error", err)
		return
	}
	// Failed jobs are retained indefinitely for audit.
	if err := q.rdb.LPush(ctx, failedKey, job.ID).Err(); err != nil {
		q.log.Error("failed to record failure", "job", job.ID, "error", err)
	}
}

// pruneCompleted keeps only the latest KeepCompleted completed jobs and
// deletes the state of everything older.
func (q *RedisQueue) pruneCompleted(ctx context.Context) {
	keep := int64(q.cfg.KeepCompleted)
	overflow, err := q.rdb.LRange(ctx, completedKey, keep, -1).Result()
	if err != nil {
		q.log.Error("failed to list completed overflow", "error", err)
		return
	}
	if len(overflow) == 0 {
		return
	}
	if err := q.rdb.LTrim(ctx, completedKey, 0, keep-1).Err(); err != nil {
		q.log.Error("failed to trim completed list", "error", err)
		return
	}
	for _, id := range overflow {
		job, err := q.Get(ctx, id)
		if err == nil {
			q.rdb.SRem(ctx, subKey(job.SubscriptionID), id)
		}
		q.rdb.Del(ctx, jobKey(id))
	}
}

func (q *RedisQueue) save(ctx context.Context, job *domain.PaymentJob) error {
	job.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.Set(ctx, jobKey(job.ID), data, 0).Err()
}

// housekeep promotes due delayed jobs, reaps stalled leases, and reports
// queue depth metrics.
func (q *RedisQueue) housekeep(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.moveDue(ctx)
			q.reapStalled(ctx)
			q.reportDepth(ctx)
		}
	}
}

func (q *RedisQueue) moveDue(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf", Max: now, Offset: 0, Count: 100,
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}

	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, delayedKey, id).Result()
		if err != nil || removed == 0 {
			continue // another process promoted it first
		}
		job, err := q.Get(ctx, id)
		if err != nil {
			continue
		}
		job.Status = domain.JobStatusWaiting
		if err := q.save(ctx, job); err != nil {
			continue
		}
		q.rdb.LPush(ctx, readyKey, id)
	}
}

func (q *RedisQueue) reapStalled(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, activeKey, &redis.ZRangeBy{
		Min: "-inf", Max: now, Offset: 0, Count: 100,
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}

	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, activeKey, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		job, err := q.Get(ctx, id)
		if err != nil {
			continue
		}

		job.StalledCount++
		q.log.Warn("job stalled", "job", id, "stalled_count", job.StalledCount)

		if job.StalledCount > q.cfg.MaxStalled {
			job.LastError = "job stalled too many times"
			q.fail(ctx, job)
			continue
		}
		job.Status = domain.JobStatusWaiting
		if err := q.save(ctx, job); err != nil {
			continue
		}
		q.rdb.LPush(ctx, readyKey, id)
	}
}

func (q *RedisQueue) reportDepth(ctx context.Context) {
	if n, err := q.rdb.LLen(ctx, readyKey).Result(); err == nil {
		metrics.QueueDepth.WithLabelValues("waiting").Set(float64(n))
	}
	if n, err := q.rdb.ZCard(ctx, delayedKey).Result(); err == nil {
		metrics.QueueDepth.WithLabelValues("delayed").Set(float64(n))
	}
	if n, err := q.rdb.ZCard(ctx, activeKey).Result(); err == nil {
		metrics.QueueDepth.WithLabelValues("active").Set(float64(n))
	}
}
