package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Frequency is the billing cycle of a subscription.
type Frequency string

const (
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyYearly  Frequency = "yearly"
)

// NextAfter returns the next payment date one billing cycle after t.
func (f Frequency) NextAfter(t time.Time) time.Time {
	switch f {
	case FrequencyWeekly:
		return t.AddDate(0, 0, 7)
	case FrequencyYearly:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// Subscription is a recurring crypto-denominated payment registration.
// The pipeline only reads it and advances the payment dates; CRUD lives elsewhere.
// Cost is a fixed-point decimal, never a float, so repeated cycles cannot drift.
type Subscription struct {
	ID               string          `json:"id"                 db:"id"`
	UserAddress      string          `json:"user_address"       db:"user_address"`
	ServiceName      string          `json:"service_name"       db:"service_name"`
	Cost             decimal.Decimal `json:"cost"               db:"cost"`
	Frequency        Frequency       `json:"frequency"          db:"frequency"`
	RecipientAddress string          `json:"recipient_address"  db:"recipient_address"`
	IsActive         bool            `json:"is_active"          db:"is_active"`
	AutoPay          bool            `json:"auto_pay"           db:"auto_pay"`
	LastPaymentDate  *time.Time      `json:"last_payment_date"  db:"last_payment_date"`
	NextPaymentDate  time.Time       `json:"next_payment_date"  db:"next_payment_date"`
	CreatedAt        time.Time       `json:"created_at"         db:"created_at"`
}

// Due reports whether the next scheduled payment has passed.
func (s *Subscription) Due(now time.Time) bool {
	return !s.NextPaymentDate.After(now)
}

// Schedulable reports whether the sweep may enqueue a payment for this subscription.
func (s *Subscription) Schedulable(now time.Time) bool {
	return s.IsActive && s.AutoPay && s.Due(now)
}
