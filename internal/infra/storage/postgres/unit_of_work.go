package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/autopay/internal/core/domain"
	"github.com/vietddude/autopay/internal/infra/storage"
)

// UnitOfWork bundles ledger writes and subscription schedule updates into a
// single database transaction, ensuring atomicity (all succeed or all fail).
// It is the mechanism behind the invariant that a completed payment record
// and the next-due-date advance are never visible separately.
type UnitOfWork struct {
	tx *sqlx.Tx
}

// NewUnitOfWork creates a new unit of work with an active transaction.
func (db *DB) NewUnitOfWork(ctx context.Context) (*UnitOfWork, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{tx: tx}, nil
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	return err
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil // Already committed or rolled back
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}

// GetSubscriptionForUpdate loads a subscription row and locks it for the
// remainder of the transaction, so concurrent completions of the same
// subscription serialize on the schedule advance.
func (u *UnitOfWork) GetSubscriptionForUpdate(ctx context.Context, id string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := u.tx.GetContext(ctx, &sub,
		`SELECT id, user_address, service_name, cost, frequency, recipient_address,
		        is_active, auto_pay, last_payment_date, next_payment_date, created_at
		 FROM subscriptions WHERE id = $1 FOR UPDATE`, id)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// InsertPayment appends one ledger entry inside the transaction.
func (u *UnitOfWork) InsertPayment(ctx context.Context, rec *domain.PaymentRecord) error {
	_, err := u.tx.ExecContext(ctx,
		`INSERT INTO payments
		   (id, subscription_id, amount, tx_hash, network, status,
		    error_category, error_message, attempt_number, next_retry_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.SubscriptionID, rec.Amount, rec.TxHash, rec.Network, rec.Status,
		rec.ErrorCategory, rec.ErrorMessage, rec.AttemptNumber, rec.NextRetryAt, rec.CreatedAt)
	return err
}

// AdvanceSchedule moves the subscription's payment dates forward inside the
// transaction.
func (u *UnitOfWork) AdvanceSchedule(ctx context.Context, subscriptionID string, paidAt, next time.Time) error {
	res, err := u.tx.ExecContext(ctx,
		`UPDATE subscriptions SET last_payment_date = $2, next_payment_date = $3 WHERE id = $1`,
		subscriptionID, paidAt, next)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
