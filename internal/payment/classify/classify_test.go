package classify

import (
	"errors"
	"testing"
	"time"
)

// =============================================================================
// Taxonomy Tests
// =============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		message    string
		category   Category
		retryable  bool
		maxRetries int
		baseDelay  time.Duration
	}{
		{"connection refused", "dial tcp 127.0.0.1:8080: connection refused", CategoryNetworkError, true, 5, 5 * time.Second},
		{"socket error", "read: socket closed unexpectedly", CategoryNetworkError, true, 5, 5 * time.Second},
		{"dns failure", "lookup facilitator.example: no such host", CategoryNetworkError, true, 5, 5 * time.Second},
		{"transport timeout is network", "ETIMEDOUT while reading response", CategoryNetworkError, true, 5, 5 * time.Second},
		{"plain timeout", "request timeout after 30s", CategoryTimeout, true, 3, 10 * time.Second},
		{"deadline exceeded", "context deadline exceeded", CategoryTimeout, true, 3, 10 * time.Second},
		{"http 429", "unexpected status 429", CategoryRateLimit, true, 3, 60 * time.Second},
		{"rate limit text", "Rate Limit reached, slow down", CategoryRateLimit, true, 3, 60 * time.Second},
		{"too many requests", "too many requests from this address", CategoryRateLimit, true, 3, 60 * time.Second},
		{"insufficient funds", "transfer amount exceeds balance", CategoryInsufficientFunds, false, 0, 0},
		{"insufficient keyword", "insufficient allowance for transfer", CategoryInsufficientFunds, false, 0, 0},
		{"wallet error", "wallet not connected", CategoryWalletError, false, 0, 0},
		{"signature mismatch", "invalid signature: recovered address mismatch", CategoryWalletError, false, 0, 0},
		{"unauthorized", "unauthorized request", CategoryWalletError, false, 0, 0},
		{"subscription not found", "subscription not found", CategoryInvalidSubscription, false, 0, 0},
		{"inactive subscription", "subscription is not active", CategoryInvalidSubscription, false, 0, 0},
		{"autopay disabled", "auto-pay is disabled for this subscription", CategoryInvalidSubscription, false, 0, 0},
		{"not due", "payment is not due yet", CategoryInvalidSubscription, false, 0, 0},
		{"server error 500", "http 500: internal server error", CategoryRetryable, true, 3, 5 * time.Second},
		{"bad gateway", "502 bad gateway", CategoryRetryable, true, 3, 5 * time.Second},
		{"service unavailable", "503 service unavailable", CategoryRetryable, true, 3, 5 * time.Second},
		{"bad request", "http 400: bad request", CategoryNonRetryable, false, 0, 0},
		{"generic not found", "resource not found", CategoryNonRetryable, false, 0, 0},
		{"unmatched default", "something inexplicable happened", CategoryRetryable, true, 2, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(errors.New(tt.message))
			if got.Category != tt.category {
				t.Errorf("category = %s, want %s", got.Category, tt.category)
			}
			if got.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", got.Retryable, tt.retryable)
			}
			if got.MaxRetries != tt.maxRetries {
				t.Errorf("maxRetries = %d, want %d", got.MaxRetries, tt.maxRetries)
			}
			if got.BaseDelay != tt.baseDelay {
				t.Errorf("baseDelay = %v, want %v", got.BaseDelay, tt.baseDelay)
			}
			if got.Message != tt.message {
				t.Errorf("message = %q, want original text preserved", got.Message)
			}
		})
	}
}

func TestClassifyIsPure(t *testing.T) {
	err := errors.New("connection reset by peer")
	first := Classify(err)
	for i := 0; i < 10; i++ {
		again := Classify(err)
		if again != first {
			t.Fatalf("Classify not deterministic: %+v != %+v", again, first)
		}
	}
}

func TestClassifySubscriptionBeatsGeneric4xx(t *testing.T) {
	// "subscription not found" contains "not found", which the generic 4xx
	// rule also matches. The more specific rule must win.
	got := Classify(errors.New("subscription not found"))
	if got.Category != CategoryInvalidSubscription {
		t.Fatalf("category = %s, want %s", got.Category, CategoryInvalidSubscription)
	}
}

// =============================================================================
// Retry Policy Tests
// =============================================================================

func TestShouldRetry(t *testing.T) {
	network := Classify(errors.New("connection refused"))
	if !ShouldRetry(network, 1) {
		t.Error("network error attempt 1 should retry")
	}
	if !ShouldRetry(network, 4) {
		t.Error("network error attempt 4 should retry (max 5)")
	}
	if ShouldRetry(network, 5) {
		t.Error("network error attempt 5 must not retry")
	}

	funds := Classify(errors.New("insufficient funds"))
	if ShouldRetry(funds, 1) {
		t.Error("insufficient funds must never retry")
	}
}

func TestRetryDelayBoundsAndMonotonicity(t *testing.T) {
	e := Classify(errors.New("request timeout"))

	var prevFloor time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		floor := e.BaseDelay << uint(attempt-1)
		ceil := floor + time.Duration(0.3*float64(floor))

		if floor < prevFloor {
			t.Fatalf("pre-jitter delay decreased at attempt %d", attempt)
		}
		prevFloor = floor

		for i := 0; i < 50; i++ {
			d := RetryDelay(e, attempt)
			if d < floor || d > ceil {
				t.Fatalf("attempt %d: delay %v outside [%v, %v)", attempt, d, floor, ceil)
			}
		}
	}
}

func TestRetryDelayDefaultsBase(t *testing.T) {
	e := CategorizedError{Retryable: true}
	d := RetryDelay(e, 1)
	if d < 2*time.Second {
		t.Errorf("delay %v below default 2s base", d)
	}
}

func TestUserMessageNeverEchoesRawError(t *testing.T) {
	raw := "rpc node leaked internal address 10.0.0.3"
	msg := UserMessage(Classify(errors.New(raw)))
	if msg == "" {
		t.Fatal("empty user message")
	}
	if msg == raw {
		t.Fatal("raw error text surfaced to user")
	}
}
