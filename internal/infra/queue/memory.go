package queue

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/autopay/internal/core/domain"
	"github.com/vietddude/autopay/internal/payment/metrics"
)

// MemoryQueue mirrors the Redis queue semantics behind a mutex. Jobs are
// lost on process exit, so it is only suitable for single-process use and
// tests.
type MemoryQueue struct {
	cfg Config

	mu        sync.Mutex
	jobs      map[string]*domain.PaymentJob
	ready     []string
	delayed   map[string]time.Time // job ID -> run-at
	active    map[string]time.Time // job ID -> lease deadline
	completed []string             // newest first
	bySub     map[string][]string
}

func NewMemoryQueue(cfg Config) *MemoryQueue {
	return &MemoryQueue{
		cfg:     cfg.withDefaults(),
		jobs:    make(map[string]*domain.PaymentJob),
		delayed: make(map[string]time.Time),
		active:  make(map[string]time.Time),
		bySub:   make(map[string][]string),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *domain.PaymentJob) (string, error) {
	now := time.Now().UTC()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	if job.ID == "" {
		job.ID = domain.JobID(job.SubscriptionID, job.EnqueuedAt)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobs[job.ID]; exists {
		return job.ID, ErrDuplicateJob
	}

	c := *job
	c.Status = domain.JobStatusWaiting
	c.UpdatedAt = now
	q.jobs[c.ID] = &c
	q.ready = append(q.ready, c.ID)
	q.bySub[c.SubscriptionID] = append(q.bySub[c.SubscriptionID], c.ID)

	metrics.JobsEnqueued.Inc()
	return c.ID, nil
}

func (q *MemoryQueue) Get(ctx context.Context, jobID string) (*domain.PaymentJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	c := *job
	return &c, nil
}

func (q *MemoryQueue) ListBySubscription(ctx context.Context, subscriptionID string) ([]*domain.PaymentJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := q.bySub[subscriptionID]
	jobs := make([]*domain.PaymentJob, 0, len(ids))
	for _, id := range ids {
		if job, ok := q.jobs[id]; ok {
			c := *job
			jobs = append(jobs, &c)
		}
	}
	return jobs, nil
}

func (q *MemoryQueue) Ready(ctx context.Context) error { return nil }

func (q *MemoryQueue) Close() error { return nil }

func (q *MemoryQueue) Start(ctx context.Context, h Handler) {
	for i := 0; i < q.cfg.Slots; i++ {
		go q.workLoop(ctx, h)
	}
	go q.housekeep(ctx)
}

func (q *MemoryQueue) workLoop(ctx context.Context, h Handler) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, ok := q.lease()
			if !ok {
				continue
			}
			result := h.Process(ctx, job)
			q.finish(job, result)
		}
	}
}

// lease pops the next ready job, marks it active, and returns a copy.
func (q *MemoryQueue) lease() (*domain.PaymentJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.ready) > 0 {
		id := q.ready[0]
		q.ready = q.ready[1:]

		job, ok := q.jobs[id]
		if !ok || job.Status.Terminal() {
			continue
		}
		job.Attempts++
		job.Status = domain.JobStatusActive
		job.UpdatedAt = time.Now().UTC()
		q.active[id] = time.Now().Add(q.cfg.Timeout)

		c := *job
		return &c, true
	}
	return nil, false
}

func (q *MemoryQueue) finish(leased *domain.PaymentJob, res Result) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[leased.ID]
	if !ok {
		return
	}
	delete(q.active, job.ID)
	// The reaper may have already requeued or failed a job whose lease
	// expired mid-flight; its verdict stands.
	if job.Status != domain.JobStatusActive {
		return
	}
	job.UpdatedAt = time.Now().UTC()

	switch res.Disposition {
	case DispositionSuccess:
		job.Status = domain.JobStatusCompleted
		job.TxHash = res.TxHash
		job.LastError = ""
		q.completed = append([]string{job.ID}, q.completed...)
		q.pruneCompletedLocked()

	case DispositionRetry:
		if res.Err != nil {
			job.LastError = res.Err.Error()
		}
		if job.Attempts >= q.cfg.MaxAttempts {
			job.Status = domain.JobStatusFailed
			return
		}
		delay := res.RetryAfter
		if delay <= 0 {
			delay = defaultBackoff(q.cfg.BackoffBase, job.Attempts)
		}
		job.Status = domain.JobStatusDelayed
		q.delayed[job.ID] = time.Now().Add(delay)

	case DispositionFail:
		if res.Err != nil {
			job.LastError = res.Err.Error()
		}
		job.Status = domain.JobStatusFailed
	}
}

func (q *MemoryQueue) pruneCompletedLocked() {
	if len(q.completed) <= q.cfg.KeepCompleted {
		return
	}
	for _, id := range q.completed[q.cfg.KeepCompleted:] {
		if job, ok := q.jobs[id]; ok {
			q.removeFromSubLocked(job.SubscriptionID, id)
			delete(q.jobs, id)
		}
	}
	q.completed = q.completed[:q.cfg.KeepCompleted]
}

func (q *MemoryQueue) removeFromSubLocked(subscriptionID, jobID string) {
	ids := q.bySub[subscriptionID]
	for i, id := range ids {
		if id == jobID {
			q.bySub[subscriptionID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

func (q *MemoryQueue) housekeep(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.promote()
		}
	}
}

// promote moves due delayed jobs to ready and reaps expired leases.
func (q *MemoryQueue) promote() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for id, runAt := range q.delayed {
		if runAt.After(now) {
			continue
		}
		delete(q.delayed, id)
		if job, ok := q.jobs[id]; ok {
			job.Status = domain.JobStatusWaiting
			job.UpdatedAt = time.Now().UTC()
			q.ready = append(q.ready, id)
		}
	}

	for id, deadline := range q.active {
		if deadline.After(now) {
			continue
		}
		delete(q.active, id)
		job, ok := q.jobs[id]
		if !ok {
			continue
		}
		job.StalledCount++
		job.UpdatedAt = time.Now().UTC()
		if job.StalledCount > q.cfg.MaxStalled {
			job.Status = domain.JobStatusFailed
			job.LastError = "job stalled too many times"
			continue
		}
		job.Status = domain.JobStatusWaiting
		q.ready = append(q.ready, id)
	}
}
