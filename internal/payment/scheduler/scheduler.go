// Package scheduler sweeps for due subscriptions and enqueues payment jobs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/autopay/internal/core/domain"
	"github.com/vietddude/autopay/internal/infra/queue"
	"github.com/vietddude/autopay/internal/infra/storage"
	"github.com/vietddude/autopay/internal/payment/metrics"
)

// DefaultInterval is how often the sweep runs.
const DefaultInterval = 5 * time.Minute

// pendingWindow is how far back the sweep looks for an in-flight attempt
// before enqueueing another job for the same subscription.
const pendingWindow = 60 * time.Second

// Report summarizes one sweep. Per-subscription failures are collected
// instead of aborting the sweep; one bad row must not starve the rest.
type Report struct {
	Checked int      `json:"checked"`
	Queued  int      `json:"queued"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

type Scheduler struct {
	subs     storage.SubscriptionRepository
	payments storage.PaymentRepository
	q        queue.Queue
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger
}

func New(subs storage.SubscriptionRepository, payments storage.PaymentRepository, q queue.Queue, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		subs:     subs,
		payments: payments,
		q:        q,
		interval: interval,
		now:      time.Now,
		log:      slog.Default().With("component", "scheduler"),
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.sweepAndLog(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Scheduler) sweepAndLog(ctx context.Context) {
	report, err := s.Sweep(ctx)
	if err != nil {
		s.log.Error("sweep failed", "error", err)
		return
	}
	s.log.Info("sweep complete",
		"checked", report.Checked,
		"queued", report.Queued,
		"skipped", report.Skipped,
		"errors", len(report.Errors))
}

// Sweep finds due subscriptions and enqueues a payment job for each one that
// has no attempt already in flight.
func (s *Scheduler) Sweep(ctx context.Context) (*Report, error) {
	metrics.SweepsTotal.Inc()
	now := s.now().UTC()

	due, err := s.subs.FindDue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("find due subscriptions: %w", err)
	}

	report := &Report{Checked: len(due)}
	for _, sub := range due {
		queued, err := s.enqueueOne(ctx, sub, now)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", sub.ID, err))
			continue
		}
		if queued {
			report.Queued++
		} else {
			report.Skipped++
		}
	}
	return report, nil
}

// enqueueOne records a pending ledger entry, then enqueues the job. The
// pending record is written first so a concurrent sweep sees the attempt
// even before the queue accepts it; the ID-level dedupe in the queue is
// the backstop.
func (s *Scheduler) enqueueOne(ctx context.Context, sub *domain.Subscription, now time.Time) (bool, error) {
	pending, err := s.payments.HasPendingSince(ctx, sub.ID, now.Add(-pendingWindow))
	if err != nil {
		return false, fmt.Errorf("pending check: %w", err)
	}
	if pending {
		s.log.Debug("attempt already in flight, skipping", "subscription", sub.ID)
		return false, nil
	}

	if _, err := s.payments.RecordPending(ctx, sub.ID, sub.Cost, ""); err != nil {
		return false, fmt.Errorf("record pending: %w", err)
	}

	job := &domain.PaymentJob{
		SubscriptionID:   sub.ID,
		PayerAddress:     sub.UserAddress,
		Amount:           sub.Cost,
		RecipientAddress: sub.RecipientAddress,
		ServiceName:      sub.ServiceName,
		EnqueuedAt:       now,
	}
	if _, err := s.q.Enqueue(ctx, job); err != nil {
		if err == queue.ErrDuplicateJob {
			return false, nil
		}
		return false, fmt.Errorf("enqueue: %w", err)
	}

	metrics.SubscriptionsQueued.Inc()
	s.log.Info("payment queued",
		"subscription", sub.ID,
		"service", sub.ServiceName,
		"amount", sub.Cost,
		"job", job.ID)
	return true, nil
}

// Trigger enqueues an immediate payment job for one subscription, outside
// the sweep. Eligibility gates run in the worker, not here, so the job
// itself carries the verdict.
func (s *Scheduler) Trigger(ctx context.Context, subscriptionID string) (string, error) {
	sub, err := s.subs.Get(ctx, subscriptionID)
	if err != nil {
		return "", err
	}

	if _, err := s.payments.RecordPending(ctx, sub.ID, sub.Cost, ""); err != nil {
		return "", fmt.Errorf("record pending: %w", err)
	}

	job := &domain.PaymentJob{
		SubscriptionID:   sub.ID,
		PayerAddress:     sub.UserAddress,
		Amount:           sub.Cost,
		RecipientAddress: sub.RecipientAddress,
		ServiceName:      sub.ServiceName,
		EnqueuedAt:       s.now().UTC(),
	}
	if _, err := s.q.Enqueue(ctx, job); err != nil {
		return "", err
	}

	metrics.SubscriptionsQueued.Inc()
	return job.ID, nil
}

// WithNow overrides the clock. Test hook.
func (s *Scheduler) WithNow(now func() time.Time) *Scheduler {
	s.now = now
	return s
}
