package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	// Skipped marks an attempt terminated by an eligibility gate before any
	// settlement was tried. Skipped rows are audit-only: the failure queries
	// and the consecutive-failure breaker never count them.
	PaymentStatusSkipped PaymentStatus = "skipped"
)

// PaymentRecord is one append-only ledger entry per payment attempt.
// Records are never mutated after creation; history is reconstructed by
// scanning records, not by updating a "current" row. A pending record marks
// an attempt that has been scheduled but not yet executed.
type PaymentRecord struct {
	ID             string          `json:"id"               db:"id"`
	SubscriptionID string          `json:"subscription_id"  db:"subscription_id"`
	Amount         decimal.Decimal `json:"amount"           db:"amount"`
	TxHash         string          `json:"tx_hash"          db:"tx_hash"`
	Network        string          `json:"network"          db:"network"`
	Status         PaymentStatus   `json:"status"           db:"status"`
	ErrorCategory  string          `json:"error_category"   db:"error_category"`
	ErrorMessage   string          `json:"error_message"    db:"error_message"`
	AttemptNumber  int             `json:"attempt_number"   db:"attempt_number"`
	NextRetryAt    *time.Time      `json:"next_retry_at"    db:"next_retry_at"`
	CreatedAt      time.Time       `json:"created_at"       db:"created_at"`
}
