package postgres

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vietddude/autopay/internal/core/domain"
)

const paymentColumns = `id, subscription_id, amount, tx_hash, network, status,
	error_category, error_message, attempt_number, next_retry_at, created_at`

type PaymentRepo struct {
	db *DB
}

func NewPaymentRepo(db *DB) *PaymentRepo { return &PaymentRepo{db: db} }

func (r *PaymentRepo) RecordPending(ctx context.Context, subscriptionID string, amount decimal.Decimal, network string) (*domain.PaymentRecord, error) {
	rec := &domain.PaymentRecord{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		Amount:         amount,
		Network:        network,
		Status:         domain.PaymentStatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO payments (id, subscription_id, amount, tx_hash, network, status,
		                       error_category, error_message, attempt_number, next_retry_at, created_at)
		 VALUES ($1, $2, $3, '', $4, $5, '', '', 0, NULL, $6)`,
		rec.ID, rec.SubscriptionID, rec.Amount, rec.Network, rec.Status, rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordCompleted appends the completed ledger entry and advances the
// subscription schedule in one transaction. The subscription row is locked
// first so the frequency used for the advance cannot change mid-flight.
func (r *PaymentRepo) RecordCompleted(ctx context.Context, subscriptionID string, amount decimal.Decimal, txHash, network string, paidAt time.Time) error {
	uow, err := r.db.NewUnitOfWork(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = uow.Rollback() }()

	sub, err := uow.GetSubscriptionForUpdate(ctx, subscriptionID)
	if err != nil {
		return err
	}

	rec := &domain.PaymentRecord{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		Amount:         amount,
		TxHash:         txHash,
		Network:        network,
		Status:         domain.PaymentStatusCompleted,
		CreatedAt:      paidAt,
	}
	if err := uow.InsertPayment(ctx, rec); err != nil {
		return err
	}

	next := sub.Frequency.NextAfter(paidAt)
	if err := uow.AdvanceSchedule(ctx, subscriptionID, paidAt, next); err != nil {
		return err
	}

	return uow.Commit()
}

func (r *PaymentRepo) RecordFailed(ctx context.Context, rec *domain.PaymentRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Status = domain.PaymentStatusFailed
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO payments (id, subscription_id, amount, tx_hash, network, status,
		                       error_category, error_message, attempt_number, next_retry_at, created_at)
		 VALUES ($1, $2, $3, '', $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.SubscriptionID, rec.Amount, rec.Network, rec.Status,
		rec.ErrorCategory, rec.ErrorMessage, rec.AttemptNumber, rec.NextRetryAt, rec.CreatedAt)
	return err
}

func (r *PaymentRepo) RecordSkipped(ctx context.Context, subscriptionID string, amount decimal.Decimal, network, category, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO payments (id, subscription_id, amount, tx_hash, network, status,
		                       error_category, error_message, attempt_number, next_retry_at, created_at)
		 VALUES ($1, $2, $3, '', $4, $5, $6, $7, 0, NULL, $8)`,
		uuid.NewString(), subscriptionID, amount, network, domain.PaymentStatusSkipped,
		category, reason, time.Now().UTC())
	return err
}

func (r *PaymentRepo) HasPendingSince(ctx context.Context, subscriptionID string, since time.Time) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(
		   SELECT 1 FROM payments
		   WHERE subscription_id = $1 AND status = 'pending' AND created_at >= $2)`,
		subscriptionID, since)
	return exists, err
}

func (r *PaymentRepo) RecentFailures(ctx context.Context, subscriptionID string, limit int) ([]*domain.PaymentRecord, error) {
	var recs []*domain.PaymentRecord
	err := r.db.SelectContext(ctx, &recs,
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE subscription_id = $1 AND status = 'failed'
		 ORDER BY created_at DESC
		 LIMIT $2`, subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *PaymentRepo) HasCompletedAfter(ctx context.Context, subscriptionID string, after time.Time) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(
		   SELECT 1 FROM payments
		   WHERE subscription_id = $1 AND status = 'completed' AND created_at > $2)`,
		subscriptionID, after)
	return exists, err
}

func (r *PaymentRepo) ListFailed(ctx context.Context, userAddress string, from, to *time.Time, limit int) ([]*domain.PaymentRecord, error) {
	query := `SELECT p.id, p.subscription_id, p.amount, p.tx_hash, p.network, p.status,
	                 p.error_category, p.error_message, p.attempt_number, p.next_retry_at, p.created_at
	          FROM payments p
	          JOIN subscriptions s ON s.id = p.subscription_id
	          WHERE p.status = 'failed'`
	args := []any{}

	if userAddress != "" {
		args = append(args, userAddress)
		query += ` AND s.user_address = $` + strconv.Itoa(len(args))
	}
	if from != nil {
		args = append(args, *from)
		query += ` AND p.created_at >= $` + strconv.Itoa(len(args))
	}
	if to != nil {
		args = append(args, *to)
		query += ` AND p.created_at <= $` + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	query += ` ORDER BY p.created_at DESC LIMIT $` + strconv.Itoa(len(args))

	var recs []*domain.PaymentRecord
	if err := r.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, err
	}
	return recs, nil
}
