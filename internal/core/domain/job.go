package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusDelayed   JobStatus = "delayed"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// PaymentJob is one unit of work on the auto-pay queue. The payload fields
// are a snapshot taken at enqueue time; the worker re-fetches the
// subscription before paying and must not trust them for amounts.
type PaymentJob struct {
	ID               string          `json:"id"`
	SubscriptionID   string          `json:"subscription_id"`
	PayerAddress     string          `json:"payer_address"`
	Amount           decimal.Decimal `json:"amount"`
	RecipientAddress string          `json:"recipient_address"`
	ServiceName      string          `json:"service_name"`

	Status       JobStatus `json:"status"`
	Attempts     int       `json:"attempts"`
	StalledCount int       `json:"stalled_count"`
	LastError    string    `json:"last_error,omitempty"`
	TxHash       string    `json:"tx_hash,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// JobID derives the idempotent job identity for a subscription and an
// enqueue instant. Two enqueue attempts within the same millisecond produce
// the same ID, which is how duplicate sweeps are detected.
func JobID(subscriptionID string, at time.Time) string {
	return fmt.Sprintf("autopay-%s-%d", subscriptionID, at.UnixMilli())
}

// Terminal reports whether the job can no longer transition.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}
