package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/autopay/internal/core/domain"
	redisclient "github.com/vietddude/autopay/internal/infra/redis"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newTestRedisQueue(t *testing.T, cfg Config) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := redisclient.NewClient(redisclient.Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("connect to test redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisQueue(client, cfg)
}

// popReady simulates a worker slot picking the next delivery off the ready
// list, without running the blocking work loop.
func popReady(t *testing.T, q *RedisQueue) *domain.PaymentJob {
	t.Helper()
	id, err := q.rdb.RPop(context.Background(), readyKey).Result()
	if err != nil {
		t.Fatalf("pop ready: %v", err)
	}
	job, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return job
}

// =============================================================================
// Enqueue and Dedupe
// =============================================================================

func TestRedisEnqueueDedupesOnJobKey(t *testing.T) {
	q := newTestRedisQueue(t, Config{})
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := q.Enqueue(context.Background(), newJob("sub-1", at))
	if err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if want := domain.JobID("sub-1", at); id != want {
		t.Errorf("job ID = %q, want %q", id, want)
	}

	dupID, err := q.Enqueue(context.Background(), newJob("sub-1", at))
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("second enqueue err = %v, want ErrDuplicateJob", err)
	}
	if dupID != id {
		t.Errorf("duplicate reported ID %q, want %q", dupID, id)
	}

	job, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if job.Status != domain.JobStatusWaiting {
		t.Errorf("status = %q, want waiting", job.Status)
	}
}

// =============================================================================
// Retry Scheduling and Promotion
// =============================================================================

func TestRedisRetrySchedulesDelayedAndPromotes(t *testing.T) {
	q := newTestRedisQueue(t, Config{})
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := q.Enqueue(context.Background(), newJob("sub-1", at)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	job := popReady(t, q)
	job.Attempts = 1

	q.finish(context.Background(), job, Result{
		Disposition: DispositionRetry,
		Err:         errors.New("network flake"),
		RetryAfter:  10 * time.Millisecond,
	})

	got, err := q.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != domain.JobStatusDelayed {
		t.Fatalf("status = %q, want delayed", got.Status)
	}
	if n, _ := q.rdb.ZCard(context.Background(), delayedKey).Result(); n != 1 {
		t.Fatalf("delayed zset size = %d, want 1", n)
	}

	time.Sleep(30 * time.Millisecond)
	q.moveDue(context.Background())

	got, err = q.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get after promotion failed: %v", err)
	}
	if got.Status != domain.JobStatusWaiting {
		t.Errorf("status = %q, want waiting after promotion", got.Status)
	}
	if n, _ := q.rdb.LLen(context.Background(), readyKey).Result(); n != 1 {
		t.Errorf("ready list size = %d, want 1", n)
	}
}

func TestRedisRetryExhaustionMovesToFailed(t *testing.T) {
	q := newTestRedisQueue(t, Config{MaxAttempts: 2})
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := q.Enqueue(context.Background(), newJob("sub-1", at)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	job := popReady(t, q)
	job.Attempts = 2 // attempt budget spent

	q.finish(context.Background(), job, Result{
		Disposition: DispositionRetry,
		Err:         errors.New("still flaking"),
	})

	got, err := q.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != domain.JobStatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.LastError != "still flaking" {
		t.Errorf("last error = %q", got.LastError)
	}
	if n, _ := q.rdb.LLen(context.Background(), failedKey).Result(); n != 1 {
		t.Errorf("failed list size = %d, want 1", n)
	}
}

// =============================================================================
// Stalled Lease Reaping
// =============================================================================

func TestRedisReapStalledRequeuesThenFails(t *testing.T) {
	q := newTestRedisQueue(t, Config{MaxStalled: 1})
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := q.Enqueue(context.Background(), newJob("sub-1", at)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	job := popReady(t, q)

	expire := func() {
		// Lease deadline already in the past: the delivery stalled.
		err := q.rdb.ZAdd(context.Background(), activeKey, redis.Z{
			Score:  float64(time.Now().Add(-time.Second).UnixMilli()),
			Member: job.ID,
		}).Err()
		if err != nil {
			t.Fatalf("lease job: %v", err)
		}
	}

	expire()
	q.reapStalled(context.Background())

	got, err := q.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != domain.JobStatusWaiting {
		t.Fatalf("status = %q, want waiting after first stall", got.Status)
	}
	if got.StalledCount != 1 {
		t.Fatalf("stalled count = %d, want 1", got.StalledCount)
	}

	expire()
	q.reapStalled(context.Background())

	got, err = q.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != domain.JobStatusFailed {
		t.Errorf("status = %q, want failed past the stall ceiling", got.Status)
	}
	if got.LastError != "job stalled too many times" {
		t.Errorf("last error = %q", got.LastError)
	}
}

// =============================================================================
// Completion and Pruning
// =============================================================================

func TestRedisSuccessPrunesOldCompletedJobs(t *testing.T) {
	q := newTestRedisQueue(t, Config{KeepCompleted: 2})
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(context.Background(), newJob("sub-1", at.Add(time.Duration(i)*time.Millisecond)))
		if err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
		ids = append(ids, id)
	}
	for i := 0; i < 3; i++ {
		job := popReady(t, q)
		q.finish(context.Background(), job, Result{Disposition: DispositionSuccess, TxHash: "0xabc"})
	}

	if n, _ := q.rdb.LLen(context.Background(), completedKey).Result(); n != 2 {
		t.Errorf("completed list size = %d, want 2", n)
	}
	if _, err := q.Get(context.Background(), ids[0]); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("oldest job err = %v, want ErrJobNotFound after pruning", err)
	}

	// The per-subscription index drops the pruned entry on listing.
	jobs, err := q.ListBySubscription(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("listed %d jobs, want 2", len(jobs))
	}
	for _, j := range jobs {
		if j.Status != domain.JobStatusCompleted {
			t.Errorf("job %s status = %q, want completed", j.ID, j.Status)
		}
		if j.TxHash != "0xabc" {
			t.Errorf("job %s tx hash = %q", j.ID, j.TxHash)
		}
	}
}

// =============================================================================
// Work Loop
// =============================================================================

func TestRedisStartDeliversToHandler(t *testing.T) {
	q := newTestRedisQueue(t, Config{Slots: 1})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	q.Start(ctx, handlerFunc(func(ctx context.Context, job *domain.PaymentJob) Result {
		return Result{Disposition: DispositionSuccess, TxHash: "0xfeed"}
	}))

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := q.Enqueue(context.Background(), newJob("sub-1", at))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		job, err := q.Get(context.Background(), id)
		return err == nil && job.Status == domain.JobStatusCompleted
	})

	job, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", job.Attempts)
	}
	if job.TxHash != "0xfeed" {
		t.Errorf("tx hash = %q", job.TxHash)
	}
}
