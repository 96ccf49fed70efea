// Package tracker persists failed payment attempts and answers the
// consecutive-failure circuit breaker question for the worker.
package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/autopay/internal/core/domain"
	"github.com/vietddude/autopay/internal/infra/storage"
	"github.com/vietddude/autopay/internal/payment/classify"
	"github.com/vietddude/autopay/internal/payment/metrics"
)

// DefaultMaxConsecutiveFailures is the breaker threshold: this many failures
// in a row with no completed payment in between stops further attempts.
const DefaultMaxConsecutiveFailures = 3

type Tracker struct {
	payments storage.PaymentRepository
	log      *slog.Logger
}

func New(payments storage.PaymentRepository) *Tracker {
	return &Tracker{
		payments: payments,
		log:      slog.Default().With("component", "tracker"),
	}
}

// RecordFailure appends a failed attempt to the ledger. The raw error text
// goes on the record for operators; user-facing surfaces must go through
// classify.UserMessage instead.
func (t *Tracker) RecordFailure(ctx context.Context, subscriptionID string, amount decimal.Decimal, network string, cerr classify.CategorizedError, attemptNumber int, nextRetryAt *time.Time) error {
	rec := &domain.PaymentRecord{
		SubscriptionID: subscriptionID,
		Amount:         amount,
		Network:        network,
		Status:         domain.PaymentStatusFailed,
		ErrorCategory:  string(cerr.Category),
		ErrorMessage:   cerr.Message,
		AttemptNumber:  attemptNumber,
		NextRetryAt:    nextRetryAt,
	}
	if err := t.payments.RecordFailed(ctx, rec); err != nil {
		return err
	}

	metrics.PaymentsFailed.WithLabelValues(string(cerr.Category)).Inc()
	t.log.Warn("payment attempt failed",
		"subscription", subscriptionID,
		"category", cerr.Category,
		"attempt", attemptNumber,
		"error", cerr.Message)
	return nil
}

// HasTooManyFailures reports whether the subscription has hit the breaker:
// at least max recorded failures, none of which has been superseded by a
// completed payment. A success newer than the earliest of the recent
// failures resets the streak.
func (t *Tracker) HasTooManyFailures(ctx context.Context, subscriptionID string, max int) (bool, error) {
	if max <= 0 {
		max = DefaultMaxConsecutiveFailures
	}

	recent, err := t.payments.RecentFailures(ctx, subscriptionID, max)
	if err != nil {
		return false, err
	}
	if len(recent) < max {
		return false, nil
	}

	// recent is newest-first, so the streak starts at the last entry.
	earliest := recent[len(recent)-1].CreatedAt
	completed, err := t.payments.HasCompletedAfter(ctx, subscriptionID, earliest)
	if err != nil {
		return false, err
	}
	return !completed, nil
}

// FailedPayments returns up to limit recent failures for a subscription,
// newest first.
func (t *Tracker) FailedPayments(ctx context.Context, subscriptionID string, limit int) ([]*domain.PaymentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return t.payments.RecentFailures(ctx, subscriptionID, limit)
}

// Stats is an aggregate view over failed payments in a window.
type Stats struct {
	Total        int            `json:"total"`
	ByCategory   map[string]int `json:"by_category"`
	Retryable    int            `json:"retryable"`
	NonRetryable int            `json:"non_retryable"`
}

// FailureStats aggregates failures, optionally scoped to one user address
// and a time window.
func (t *Tracker) FailureStats(ctx context.Context, userAddress string, from, to *time.Time) (*Stats, error) {
	recs, err := t.payments.ListFailed(ctx, userAddress, from, to, 1000)
	if err != nil {
		return nil, err
	}

	stats := &Stats{ByCategory: make(map[string]int)}
	for _, rec := range recs {
		stats.Total++
		stats.ByCategory[rec.ErrorCategory]++
		if categoryRetryable(classify.Category(rec.ErrorCategory)) {
			stats.Retryable++
		} else {
			stats.NonRetryable++
		}
	}
	return stats, nil
}

func categoryRetryable(c classify.Category) bool {
	switch c {
	case classify.CategoryNetworkError, classify.CategoryTimeout,
		classify.CategoryRateLimit, classify.CategoryRetryable:
		return true
	default:
		return false
	}
}
