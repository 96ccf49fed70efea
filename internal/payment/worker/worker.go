// Package worker processes payment jobs: eligibility gates, settlement via
// x402, ledger writes, and failure classification.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/autopay/internal/core/domain"
	"github.com/vietddude/autopay/internal/infra/queue"
	"github.com/vietddude/autopay/internal/infra/storage"
	"github.com/vietddude/autopay/internal/payment/classify"
	"github.com/vietddude/autopay/internal/payment/tracker"
	"github.com/vietddude/autopay/internal/payment/x402"
)

// Settler executes one on-chain payment.
type Settler interface {
	Pay(ctx context.Context, amount decimal.Decimal, recipient, description string) (*x402.Settlement, error)
}

// failureTracker is the slice of the tracker the worker needs.
type failureTracker interface {
	RecordFailure(ctx context.Context, subscriptionID string, amount decimal.Decimal, network string, cerr classify.CategorizedError, attemptNumber int, nextRetryAt *time.Time) error
	HasTooManyFailures(ctx context.Context, subscriptionID string, max int) (bool, error)
}

type Worker struct {
	subs        storage.SubscriptionRepository
	payments    storage.PaymentRepository
	settler     Settler
	tracker     failureTracker
	network     string
	maxFailures int
	now         func() time.Time
	log         *slog.Logger
}

func New(subs storage.SubscriptionRepository, payments storage.PaymentRepository, settler Settler, ft failureTracker, network string) *Worker {
	return &Worker{
		subs:        subs,
		payments:    payments,
		settler:     settler,
		tracker:     ft,
		network:     network,
		maxFailures: tracker.DefaultMaxConsecutiveFailures,
		now:         time.Now,
		log:         slog.Default().With("component", "worker"),
	}
}

// Process runs one payment attempt. The job payload is only a snapshot:
// the subscription is re-fetched and re-validated here, and the settled
// amount always comes from the fresh row.
func (w *Worker) Process(ctx context.Context, job *domain.PaymentJob) queue.Result {
	log := w.log.With("job", job.ID, "subscription", job.SubscriptionID, "attempt", job.Attempts)

	sub, err := w.subs.Get(ctx, job.SubscriptionID)
	if errors.Is(err, storage.ErrNotFound) {
		return w.reject(ctx, log, nil, "subscription not found")
	}
	if err != nil {
		// Storage hiccup, not a payment verdict; let the queue redeliver.
		log.Error("subscription lookup failed", "error", err)
		return queue.Result{Disposition: queue.DispositionRetry, Err: err}
	}

	if !sub.IsActive {
		return w.reject(ctx, log, sub, "subscription is not active")
	}
	if !sub.AutoPay {
		return w.reject(ctx, log, sub, "auto-pay is disabled for this subscription")
	}

	tripped, err := w.tracker.HasTooManyFailures(ctx, sub.ID, w.maxFailures)
	if err != nil {
		log.Error("failure streak lookup failed", "error", err)
		return queue.Result{Disposition: queue.DispositionRetry, Err: err}
	}
	if tripped {
		log.Warn("payment suspended after consecutive failures")
		return queue.Result{
			Disposition: queue.DispositionFail,
			Err:         fmt.Errorf("too many consecutive payment failures, auto-pay suspended for this subscription"),
		}
	}

	if !sub.Due(w.now()) {
		return w.reject(ctx, log, sub, "payment is not due yet")
	}

	settlement, err := w.settler.Pay(ctx, sub.Cost, sub.RecipientAddress, sub.ServiceName)
	if err != nil {
		return w.settleFailed(ctx, log, sub, job, err)
	}

	paidAt := w.now().UTC()
	if err := w.payments.RecordCompleted(ctx, sub.ID, sub.Cost, settlement.TxHash, settlement.Network, paidAt); err != nil {
		// The transfer settled but the ledger write failed. Redeliver so
		// the write is retried; the schedule has not advanced yet.
		log.Error("settled but ledger write failed", "tx", settlement.TxHash, "error", err)
		return queue.Result{Disposition: queue.DispositionRetry, Err: err}
	}

	log.Info("payment completed", "tx", settlement.TxHash, "amount", sub.Cost)
	return queue.Result{Disposition: queue.DispositionSuccess, TxHash: settlement.TxHash}
}

// reject terminates a job that failed an eligibility gate. The verdict goes
// into the ledger as a skipped row for audit, never through the failure
// tracker: gate verdicts are not payment failures and must not feed the
// breaker.
func (w *Worker) reject(ctx context.Context, log *slog.Logger, sub *domain.Subscription, reason string) queue.Result {
	log.Info("payment not attempted", "reason", reason)

	// No row for unknown subscriptions; the ledger carries a foreign key to
	// the subscription it belongs to.
	if sub != nil {
		cerr := classify.Classify(errors.New(reason))
		if err := w.payments.RecordSkipped(ctx, sub.ID, sub.Cost, w.network, string(cerr.Category), reason); err != nil {
			log.Error("failed to record skipped attempt", "error", err)
		}
	}
	return queue.Result{Disposition: queue.DispositionFail, Err: errors.New(reason)}
}

// settleFailed classifies a settlement error, records it, and decides
// between redelivery and terminal failure.
func (w *Worker) settleFailed(ctx context.Context, log *slog.Logger, sub *domain.Subscription, job *domain.PaymentJob, cause error) queue.Result {
	cerr := classify.Classify(cause)

	retry := classify.ShouldRetry(cerr, job.Attempts)
	var nextRetryAt *time.Time
	var delay time.Duration
	if retry {
		delay = classify.RetryDelay(cerr, job.Attempts)
		at := w.now().Add(delay)
		nextRetryAt = &at
	}

	if err := w.tracker.RecordFailure(ctx, sub.ID, sub.Cost, w.network, cerr, job.Attempts, nextRetryAt); err != nil {
		log.Error("failed to record payment failure", "error", err)
	}

	if retry {
		log.Warn("payment attempt failed, will retry",
			"category", cerr.Category, "delay", delay, "error", cerr.Message)
		return queue.Result{Disposition: queue.DispositionRetry, Err: cerr, RetryAfter: delay}
	}

	log.Warn("payment failed terminally", "category", cerr.Category, "error", cerr.Message)
	return queue.Result{Disposition: queue.DispositionFail, Err: errors.New(classify.UserMessage(cerr))}
}

// WithNow overrides the clock. Test hook.
func (w *Worker) WithNow(now func() time.Time) *Worker {
	w.now = now
	return w
}
