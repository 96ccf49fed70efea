// Package storage defines the persistence interfaces consumed by the
// payment pipeline. Implementations live in the postgres and memory
// subpackages; the pipeline never depends on a concrete store.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/autopay/internal/core/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SubscriptionRepository exposes the subscription fields the pipeline reads.
// Subscription CRUD is owned by an external collaborator.
type SubscriptionRepository interface {
	// FindDue returns active, auto-pay subscriptions whose next payment
	// date is at or before now.
	FindDue(ctx context.Context, now time.Time) ([]*domain.Subscription, error)

	// Get returns one subscription or ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Subscription, error)
}

// PaymentRepository owns the append-only payment attempt ledger.
type PaymentRepository interface {
	// RecordPending appends a pending attempt marker. The scheduler writes
	// one right before enqueueing so overlapping sweeps can detect an
	// attempt already in flight.
	RecordPending(ctx context.Context, subscriptionID string, amount decimal.Decimal, network string) (*domain.PaymentRecord, error)

	// RecordCompleted appends a completed ledger entry AND advances the
	// subscription's lastPaymentDate/nextPaymentDate in the same
	// transaction. Either both writes land or neither does.
	RecordCompleted(ctx context.Context, subscriptionID string, amount decimal.Decimal, txHash, network string, paidAt time.Time) error

	// RecordFailed appends a failed ledger entry. The subscription schedule
	// is left untouched.
	RecordFailed(ctx context.Context, rec *domain.PaymentRecord) error

	// RecordSkipped appends a skipped ledger entry for an attempt that an
	// eligibility gate terminated before settlement. Skipped rows exist for
	// audit only; RecentFailures, HasCompletedAfter, and ListFailed ignore
	// them.
	RecordSkipped(ctx context.Context, subscriptionID string, amount decimal.Decimal, network, category, reason string) error

	// HasPendingSince reports whether a pending attempt record exists for
	// the subscription created at or after since.
	HasPendingSince(ctx context.Context, subscriptionID string, since time.Time) (bool, error)

	// RecentFailures returns up to limit failed records, newest first.
	RecentFailures(ctx context.Context, subscriptionID string, limit int) ([]*domain.PaymentRecord, error)

	// HasCompletedAfter reports whether a completed record newer than after
	// exists for the subscription.
	HasCompletedAfter(ctx context.Context, subscriptionID string, after time.Time) (bool, error)

	// ListFailed returns failed records across subscriptions, newest first,
	// optionally filtered by user address and creation time range.
	ListFailed(ctx context.Context, userAddress string, from, to *time.Time, limit int) ([]*domain.PaymentRecord, error)
}
