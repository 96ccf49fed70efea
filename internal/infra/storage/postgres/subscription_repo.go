package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/vietddude/autopay/internal/core/domain"
	"github.com/vietddude/autopay/internal/infra/storage"
)

const subscriptionColumns = `id, user_address, service_name, cost, frequency, recipient_address,
	is_active, auto_pay, last_payment_date, next_payment_date, created_at`

type SubscriptionRepo struct {
	db *DB
}

func NewSubscriptionRepo(db *DB) *SubscriptionRepo { return &SubscriptionRepo{db: db} }

func (r *SubscriptionRepo) FindDue(ctx context.Context, now time.Time) ([]*domain.Subscription, error) {
	var subs []*domain.Subscription
	err := r.db.SelectContext(ctx, &subs,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE is_active = TRUE AND auto_pay = TRUE AND next_payment_date <= $1
		 ORDER BY next_payment_date ASC`, now)
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *SubscriptionRepo) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := r.db.GetContext(ctx, &sub,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
