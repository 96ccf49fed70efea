// Package memory provides an in-memory implementation of the storage
// interfaces for single-process deployments and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vietddude/autopay/internal/core/domain"
	"github.com/vietddude/autopay/internal/infra/storage"
)

// Store holds subscriptions and the payment ledger behind one mutex.
// It implements both storage.SubscriptionRepository and
// storage.PaymentRepository.
type Store struct {
	mu            sync.RWMutex
	subscriptions map[string]*domain.Subscription
	payments      []*domain.PaymentRecord
}

func NewStore() *Store {
	return &Store{subscriptions: make(map[string]*domain.Subscription)}
}

// PutSubscription inserts or replaces a subscription. Used by tests and the
// memory-mode seed path; real CRUD is an external collaborator.
func (s *Store) PutSubscription(sub *domain.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *sub
	s.subscriptions[sub.ID] = &c
}

// =============================================================================
// SubscriptionRepository
// =============================================================================

func (s *Store) FindDue(ctx context.Context, now time.Time) ([]*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*domain.Subscription
	for _, sub := range s.subscriptions {
		if sub.Schedulable(now) {
			c := *sub
			due = append(due, &c)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextPaymentDate.Before(due[j].NextPaymentDate)
	})
	return due, nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *sub
	return &c, nil
}

// =============================================================================
// PaymentRepository
// =============================================================================

func (s *Store) RecordPending(ctx context.Context, subscriptionID string, amount decimal.Decimal, network string) (*domain.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &domain.PaymentRecord{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		Amount:         amount,
		Network:        network,
		Status:         domain.PaymentStatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	s.payments = append(s.payments, rec)
	c := *rec
	return &c, nil
}

func (s *Store) RecordCompleted(ctx context.Context, subscriptionID string, amount decimal.Decimal, txHash, network string, paidAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return storage.ErrNotFound
	}

	s.payments = append(s.payments, &domain.PaymentRecord{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		Amount:         amount,
		TxHash:         txHash,
		Network:        network,
		Status:         domain.PaymentStatusCompleted,
		CreatedAt:      paidAt,
	})

	paid := paidAt
	sub.LastPaymentDate = &paid
	sub.NextPaymentDate = sub.Frequency.NextAfter(paidAt)
	return nil
}

func (s *Store) RecordFailed(ctx context.Context, rec *domain.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *rec
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Status = domain.PaymentStatusFailed
	s.payments = append(s.payments, &c)
	return nil
}

func (s *Store) RecordSkipped(ctx context.Context, subscriptionID string, amount decimal.Decimal, network, category, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.payments = append(s.payments, &domain.PaymentRecord{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		Amount:         amount,
		Network:        network,
		Status:         domain.PaymentStatusSkipped,
		ErrorCategory:  category,
		ErrorMessage:   reason,
		CreatedAt:      time.Now().UTC(),
	})
	return nil
}

func (s *Store) HasPendingSince(ctx context.Context, subscriptionID string, since time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.payments {
		if p.SubscriptionID == subscriptionID &&
			p.Status == domain.PaymentStatusPending &&
			!p.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) RecentFailures(ctx context.Context, subscriptionID string, limit int) ([]*domain.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var failed []*domain.PaymentRecord
	for _, p := range s.payments {
		if p.SubscriptionID == subscriptionID && p.Status == domain.PaymentStatusFailed {
			c := *p
			failed = append(failed, &c)
		}
	}
	sort.Slice(failed, func(i, j int) bool {
		return failed[i].CreatedAt.After(failed[j].CreatedAt)
	})
	if len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

func (s *Store) HasCompletedAfter(ctx context.Context, subscriptionID string, after time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.payments {
		if p.SubscriptionID == subscriptionID &&
			p.Status == domain.PaymentStatusCompleted &&
			p.CreatedAt.After(after) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListFailed(ctx context.Context, userAddress string, from, to *time.Time, limit int) ([]*domain.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var failed []*domain.PaymentRecord
	for _, p := range s.payments {
		if p.Status != domain.PaymentStatusFailed {
			continue
		}
		if userAddress != "" {
			sub, ok := s.subscriptions[p.SubscriptionID]
			if !ok || sub.UserAddress != userAddress {
				continue
			}
		}
		if from != nil && p.CreatedAt.Before(*from) {
			continue
		}
		if to != nil && p.CreatedAt.After(*to) {
			continue
		}
		c := *p
		failed = append(failed, &c)
	}
	sort.Slice(failed, func(i, j int) bool {
		return failed[i].CreatedAt.After(failed[j].CreatedAt)
	})
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

// Payments returns a copy of the full ledger, oldest first. Test helper.
func (s *Store) Payments() []*domain.PaymentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.PaymentRecord, 0, len(s.payments))
	for _, p := range s.payments {
		c := *p
		out = append(out, &c)
	}
	return out
}
