// Package classify maps raw payment failures onto a fixed error taxonomy.
// Classification is a pure function over the error text: the same message
// always yields the same category, retryability, and backoff hints.
package classify

import (
	"math/rand"
	"strings"
	"time"
)

// Category tags a payment failure with its place in the taxonomy.
type Category string

const (
	CategoryNetworkError        Category = "network_error"
	CategoryTimeout             Category = "timeout"
	CategoryRateLimit           Category = "rate_limit"
	CategoryInsufficientFunds   Category = "insufficient_funds"
	CategoryWalletError         Category = "wallet_error"
	CategoryInvalidSubscription Category = "invalid_subscription"
	CategoryRetryable           Category = "retryable"
	CategoryNonRetryable        Category = "non_retryable"
)

// CategorizedError carries the classification of a single raw failure.
// It is constructed fresh per failure and never persisted as an object;
// only Category and Message end up as text on the payment record.
type CategorizedError struct {
	Category   Category
	Message    string
	Retryable  bool
	MaxRetries int
	BaseDelay  time.Duration
}

func (e CategorizedError) Error() string {
	return string(e.Category) + ": " + e.Message
}

type rule struct {
	category   Category
	keywords   []string
	retryable  bool
	maxRetries int
	baseDelay  time.Duration
}

// Rule order matters: the first matching rule wins. The invalid-subscription
// phrases must be matched before the generic 4xx rule, whose "not found"
// keyword would otherwise swallow "subscription not found".
var rules = []rule{
	{
		category: CategoryNetworkError,
		keywords: []string{
			"network", "connection", "econnrefused", "etimedout",
			"enotfound", "socket", "dns", "no such host",
		},
		retryable: true, maxRetries: 5, baseDelay: 5 * time.Second,
	},
	{
		category:  CategoryTimeout,
		keywords:  []string{"timeout", "timed out", "deadline exceeded"},
		retryable: true, maxRetries: 3, baseDelay: 10 * time.Second,
	},
	{
		category:  CategoryRateLimit,
		keywords:  []string{"rate limit", "too many requests", "429"},
		retryable: true, maxRetries: 3, baseDelay: 60 * time.Second,
	},
	{
		category:  CategoryInsufficientFunds,
		keywords:  []string{"insufficient", "balance", "funds", "not enough"},
		retryable: false,
	},
	{
		category: CategoryWalletError,
		keywords: []string{
			"wallet", "signature", "private key", "authentication", "unauthorized",
		},
		retryable: false,
	},
	{
		category: CategoryInvalidSubscription,
		keywords: []string{
			"subscription not found", "subscription is not active",
			"auto-pay is disabled", "payment is not due",
		},
		retryable: false,
	},
	{
		category: CategoryRetryable,
		keywords: []string{
			"500", "502", "503", "504", "internal server error",
			"bad gateway", "service unavailable",
		},
		retryable: true, maxRetries: 3, baseDelay: 5 * time.Second,
	},
	{
		category: CategoryNonRetryable,
		keywords: []string{
			"400", "401", "403", "404", "bad request", "forbidden", "not found",
		},
		retryable: false,
	},
}

// defaultRule is applied when nothing in the table matches: retry, but
// conservatively.
var defaultRule = rule{
	category:  CategoryRetryable,
	retryable: true, maxRetries: 2, baseDelay: 5 * time.Second,
}

// Classify maps a raw error to its category. Matching is case-insensitive
// against the rule table, first match wins.
func Classify(err error) CategorizedError {
	msg := err.Error()
	lower := strings.ToLower(msg)

	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return CategorizedError{
					Category:   r.category,
					Message:    msg,
					Retryable:  r.retryable,
					MaxRetries: r.maxRetries,
					BaseDelay:  r.baseDelay,
				}
			}
		}
	}

	return CategorizedError{
		Category:   defaultRule.category,
		Message:    msg,
		Retryable:  defaultRule.retryable,
		MaxRetries: defaultRule.maxRetries,
		BaseDelay:  defaultRule.baseDelay,
	}
}

// ShouldRetry reports whether another attempt is allowed after attemptNumber
// attempts have been made.
func ShouldRetry(e CategorizedError, attemptNumber int) bool {
	if !e.Retryable {
		return false
	}
	if e.MaxRetries > 0 && attemptNumber >= e.MaxRetries {
		return false
	}
	return true
}

// RetryDelay computes the backoff before the next attempt:
// base * 2^(attemptNumber-1) * (1 + jitter), jitter uniform in [0, 0.3).
// The pre-jitter delay is monotonically non-decreasing in attemptNumber.
func RetryDelay(e CategorizedError, attemptNumber int) time.Duration {
	base := e.BaseDelay
	if base <= 0 {
		base = 2 * time.Second
	}
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := base << uint(attemptNumber-1)
	jitter := time.Duration(rand.Float64() * 0.3 * float64(delay))
	return delay + jitter
}

// UserMessage derives the human-readable text shown to end users. Raw remote
// error text is never surfaced directly; it is only logged internally.
func UserMessage(e CategorizedError) string {
	switch e.Category {
	case CategoryInsufficientFunds:
		return "Insufficient funds. Please add funds to your wallet and try again."
	case CategoryWalletError:
		return "Wallet authentication failed. Please reconnect your wallet."
	case CategoryInvalidSubscription:
		return "Subscription is not valid or active."
	case CategoryNetworkError:
		return "Network error. Please check your connection and try again."
	case CategoryTimeout:
		return "Request timed out. Please try again."
	case CategoryRateLimit:
		return "Too many requests. Please wait a moment and try again."
	default:
		return "An error occurred processing your payment."
	}
}
