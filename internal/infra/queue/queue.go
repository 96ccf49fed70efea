// Package queue provides the durable, at-least-once payment job queue.
// Two implementations share one interface: a Redis-backed queue for shared
// multi-process deployments and an in-memory queue for single-process use
// and tests. The queue, not the workers, owns job state: delivery, timeout
// reaping, retry backoff, and pruning all happen here.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/autopay/internal/core/domain"
)

var (
	// ErrDuplicateJob is returned when a job with the same identity was
	// already enqueued. Job IDs are derived from (subscription, instant),
	// so a duplicate sweep surfaces here instead of double-paying.
	ErrDuplicateJob = errors.New("job already enqueued")

	// ErrJobNotFound is returned when no job exists for the given ID.
	ErrJobNotFound = errors.New("job not found")
)

// Disposition is the worker's verdict on one processing attempt. The queue
// runtime inspects it instead of relying on panics or sentinel errors as
// control flow.
type Disposition int

const (
	// DispositionSuccess marks the job completed.
	DispositionSuccess Disposition = iota
	// DispositionRetry re-queues the job after Result.RetryAfter, until
	// the attempt ceiling is reached.
	DispositionRetry
	// DispositionFail terminates the job without redelivery.
	DispositionFail
)

// Result is what a Handler returns for one attempt.
type Result struct {
	Disposition Disposition
	TxHash      string        // settlement reference on success
	Err         error         // cause on retry/fail
	RetryAfter  time.Duration // backoff before redelivery; 0 = queue default
}

// Handler consumes one job per call. The queue invokes it from a bounded
// number of worker slots; Process must be safe to call concurrently for
// different jobs.
type Handler interface {
	Process(ctx context.Context, job *domain.PaymentJob) Result
}

// Queue is the durable work queue contract shared by the Redis and memory
// implementations.
type Queue interface {
	// Enqueue adds a waiting job. Returns ErrDuplicateJob if a job with
	// the same ID already exists.
	Enqueue(ctx context.Context, job *domain.PaymentJob) (string, error)

	// Get returns the current state of a job or ErrJobNotFound.
	Get(ctx context.Context, jobID string) (*domain.PaymentJob, error)

	// ListBySubscription returns every retained job for a subscription.
	ListBySubscription(ctx context.Context, subscriptionID string) ([]*domain.PaymentJob, error)

	// Start launches the worker slots and the housekeeping loop. It
	// returns immediately; loops exit when ctx is cancelled.
	Start(ctx context.Context, h Handler)

	// Ready is the readiness probe for the queue's backing store.
	Ready(ctx context.Context) error

	// Close releases the backing connection, if any.
	Close() error
}

// Config holds queue runtime settings.
type Config struct {
	Slots         int           `yaml:"slots"`          // concurrent worker slots
	Timeout       time.Duration `yaml:"timeout"`        // per-job processing timeout
	MaxAttempts   int           `yaml:"max_attempts"`   // attempt ceiling before terminal failure
	BackoffBase   time.Duration `yaml:"backoff_base"`   // default first retry delay
	KeepCompleted int           `yaml:"keep_completed"` // completed jobs retained; older ones pruned
	MaxStalled    int           `yaml:"max_stalled"`    // stalled redeliveries before terminal failure
}

func (c Config) withDefaults() Config {
	if c.Slots <= 0 {
		c.Slots = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.KeepCompleted <= 0 {
		c.KeepCompleted = 100
	}
	if c.MaxStalled <= 0 {
		c.MaxStalled = 2
	}
	return c
}

// defaultBackoff is the queue-level exponential backoff (2s, 4s, 8s, ...)
// used when the handler does not supply a category-specific delay.
func defaultBackoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return base << uint(attempts-1)
}
