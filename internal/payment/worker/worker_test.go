package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/autopay/internal/core/domain"
	"github.com/vietddude/autopay/internal/infra/queue"
	"github.com/vietddude/autopay/internal/infra/storage/memory"
	"github.com/vietddude/autopay/internal/payment/tracker"
	"github.com/vietddude/autopay/internal/payment/x402"
)

// =============================================================================
// Test Helpers
// =============================================================================

var testNow = time.Now().UTC()

// fakeSettler scripts the settlement outcome and records calls.
type fakeSettler struct {
	calls []decimal.Decimal
	err   error
}

func (f *fakeSettler) Pay(ctx context.Context, amount decimal.Decimal, recipient, description string) (*x402.Settlement, error) {
	f.calls = append(f.calls, amount)
	if f.err != nil {
		return nil, f.err
	}
	return &x402.Settlement{TxHash: "0xdeadbeef", Network: "hedera-testnet", Payer: "0xpayer"}, nil
}

func newWorker(store *memory.Store, settler Settler) *Worker {
	return New(store, store, settler, tracker.New(store), "hedera-testnet").
		WithNow(func() time.Time { return testNow })
}

func dueSubscription(id string) *domain.Subscription {
	return &domain.Subscription{
		ID:               id,
		UserAddress:      "0xuser",
		ServiceName:      "Streaming",
		Cost:             decimal.RequireFromString("9.99"),
		Frequency:        domain.FrequencyMonthly,
		RecipientAddress: "0xmerchant",
		IsActive:         true,
		AutoPay:          true,
		NextPaymentDate:  testNow.Add(-time.Hour),
	}
}

func jobFor(subID string, attempts int) *domain.PaymentJob {
	return &domain.PaymentJob{
		ID:             domain.JobID(subID, testNow),
		SubscriptionID: subID,
		Amount:         decimal.RequireFromString("9.99"),
		Attempts:       attempts,
	}
}

// =============================================================================
// Success Path
// =============================================================================

func TestSuccessfulPaymentAdvancesSchedule(t *testing.T) {
	store := memory.NewStore()
	store.PutSubscription(dueSubscription("sub-1"))
	settler := &fakeSettler{}
	w := newWorker(store, settler)

	res := w.Process(context.Background(), jobFor("sub-1", 1))
	if res.Disposition != queue.DispositionSuccess {
		t.Fatalf("disposition = %v, want success (err: %v)", res.Disposition, res.Err)
	}
	if res.TxHash != "0xdeadbeef" {
		t.Errorf("tx hash = %q", res.TxHash)
	}

	sub, err := store.Get(context.Background(), "sub-1")
	if err != nil {
		t.Fatal(err)
	}
	if sub.LastPaymentDate == nil || !sub.LastPaymentDate.Equal(testNow) {
		t.Errorf("last payment date = %v, want %v", sub.LastPaymentDate, testNow)
	}
	if want := testNow.AddDate(0, 1, 0); !sub.NextPaymentDate.Equal(want) {
		t.Errorf("next payment date = %v, want %v", sub.NextPaymentDate, want)
	}

	var completed int
	for _, p := range store.Payments() {
		if p.Status == domain.PaymentStatusCompleted {
			completed++
			if p.TxHash != "0xdeadbeef" {
				t.Errorf("ledger tx hash = %q", p.TxHash)
			}
		}
	}
	if completed != 1 {
		t.Errorf("completed records = %d, want 1", completed)
	}
}

func TestSettledAmountComesFromFreshRow(t *testing.T) {
	store := memory.NewStore()
	sub := dueSubscription("sub-1")
	sub.Cost = decimal.RequireFromString("14.99") // price changed after enqueue
	store.PutSubscription(sub)
	settler := &fakeSettler{}
	w := newWorker(store, settler)

	job := jobFor("sub-1", 1) // snapshot still says 9.99
	if res := w.Process(context.Background(), job); res.Disposition != queue.DispositionSuccess {
		t.Fatalf("disposition = %v (err: %v)", res.Disposition, res.Err)
	}
	if len(settler.calls) != 1 || !settler.calls[0].Equal(decimal.RequireFromString("14.99")) {
		t.Errorf("settled %v, want the fresh 14.99", settler.calls)
	}
}

// =============================================================================
// Eligibility Gates
// =============================================================================

func TestGateVerdicts(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Subscription)
		reason string
	}{
		{"inactive", func(s *domain.Subscription) { s.IsActive = false }, "subscription is not active"},
		{"auto-pay off", func(s *domain.Subscription) { s.AutoPay = false }, "auto-pay is disabled for this subscription"},
		{"not due", func(s *domain.Subscription) { s.NextPaymentDate = testNow.Add(time.Hour) }, "payment is not due yet"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewStore()
			sub := dueSubscription("sub-1")
			tt.mutate(sub)
			store.PutSubscription(sub)
			settler := &fakeSettler{}
			w := newWorker(store, settler)

			res := w.Process(context.Background(), jobFor("sub-1", 1))
			if res.Disposition != queue.DispositionFail {
				t.Fatalf("disposition = %v, want fail", res.Disposition)
			}
			if res.Err == nil || res.Err.Error() != tt.reason {
				t.Errorf("err = %v, want %q", res.Err, tt.reason)
			}
			if len(settler.calls) != 0 {
				t.Error("gate failure still reached the settler")
			}

			recs := store.Payments()
			if len(recs) != 1 {
				t.Fatalf("ledger rows = %d, want 1 skipped audit row", len(recs))
			}
			if recs[0].Status != domain.PaymentStatusSkipped {
				t.Errorf("status = %q, want skipped", recs[0].Status)
			}
			if recs[0].ErrorCategory != "invalid_subscription" {
				t.Errorf("category = %q, want invalid_subscription", recs[0].ErrorCategory)
			}
			if recs[0].ErrorMessage != tt.reason {
				t.Errorf("message = %q, want %q", recs[0].ErrorMessage, tt.reason)
			}
		})
	}
}

func TestUnknownSubscriptionFailsTerminally(t *testing.T) {
	store := memory.NewStore()
	settler := &fakeSettler{}
	w := newWorker(store, settler)

	res := w.Process(context.Background(), jobFor("ghost", 1))
	if res.Disposition != queue.DispositionFail {
		t.Fatalf("disposition = %v, want fail", res.Disposition)
	}
	if res.Err.Error() != "subscription not found" {
		t.Errorf("err = %v", res.Err)
	}
	// Nothing to reference: no ledger row for an unknown subscription.
	if n := len(store.Payments()); n != 0 {
		t.Errorf("ledger rows = %d, want 0", n)
	}
}

func TestGateFailuresDoNotFeedBreaker(t *testing.T) {
	store := memory.NewStore()
	sub := dueSubscription("sub-1")
	sub.NextPaymentDate = testNow.Add(time.Hour)
	store.PutSubscription(sub)
	w := newWorker(store, &fakeSettler{})

	for i := 0; i < 5; i++ {
		w.Process(context.Background(), jobFor("sub-1", 1))
	}

	// Audit rows exist, but only as skipped entries the breaker ignores.
	for _, p := range store.Payments() {
		if p.Status != domain.PaymentStatusSkipped {
			t.Errorf("gate verdict wrote a %q row", p.Status)
		}
	}
	failures, err := store.RecentFailures(context.Background(), "sub-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 0 {
		t.Errorf("gate verdicts produced %d failure rows, want 0", len(failures))
	}
	tripped, err := tracker.New(store).HasTooManyFailures(context.Background(), "sub-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if tripped {
		t.Error("gate verdicts tripped the breaker")
	}
}

// =============================================================================
// Circuit Breaker
// =============================================================================

func TestBreakerFailsFastWithoutSettling(t *testing.T) {
	store := memory.NewStore()
	store.PutSubscription(dueSubscription("sub-1"))
	settler := &fakeSettler{err: errors.New("network connection refused")}
	w := newWorker(store, settler)

	// Three real settlement failures trip the breaker.
	for i := 1; i <= 3; i++ {
		res := w.Process(context.Background(), jobFor("sub-1", i))
		if res.Disposition == queue.DispositionSuccess {
			t.Fatal("failing settler reported success")
		}
		time.Sleep(time.Millisecond)
	}
	settlerCalls := len(settler.calls)

	res := w.Process(context.Background(), jobFor("sub-1", 1))
	if res.Disposition != queue.DispositionFail {
		t.Fatalf("disposition = %v, want fail", res.Disposition)
	}
	if !strings.Contains(res.Err.Error(), "too many consecutive payment failures") {
		t.Errorf("err = %v", res.Err)
	}
	if len(settler.calls) != settlerCalls {
		t.Error("breaker verdict still reached the settler")
	}
}

// =============================================================================
// Failure Classification
// =============================================================================

func TestRetryableFailureRecordsAndRetries(t *testing.T) {
	store := memory.NewStore()
	store.PutSubscription(dueSubscription("sub-1"))
	settler := &fakeSettler{err: errors.New("network connection refused")}
	w := newWorker(store, settler)

	res := w.Process(context.Background(), jobFor("sub-1", 1))
	if res.Disposition != queue.DispositionRetry {
		t.Fatalf("disposition = %v, want retry", res.Disposition)
	}
	if res.RetryAfter < 5*time.Second {
		t.Errorf("retry after = %v, want >= the category base delay", res.RetryAfter)
	}

	recs := store.Payments()
	if len(recs) != 1 {
		t.Fatalf("ledger rows = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Status != domain.PaymentStatusFailed {
		t.Errorf("status = %q", rec.Status)
	}
	if rec.ErrorCategory != "network_error" {
		t.Errorf("category = %q, want network_error", rec.ErrorCategory)
	}
	if rec.AttemptNumber != 1 {
		t.Errorf("attempt = %d, want 1", rec.AttemptNumber)
	}
	if rec.NextRetryAt == nil {
		t.Error("retryable failure has no next retry time")
	}
}

func TestNonRetryableFailureFailsWithUserMessage(t *testing.T) {
	store := memory.NewStore()
	store.PutSubscription(dueSubscription("sub-1"))
	settler := &fakeSettler{err: errors.New("insufficient funds for transfer")}
	w := newWorker(store, settler)

	res := w.Process(context.Background(), jobFor("sub-1", 1))
	if res.Disposition != queue.DispositionFail {
		t.Fatalf("disposition = %v, want fail", res.Disposition)
	}
	if !strings.Contains(res.Err.Error(), "Insufficient funds") {
		t.Errorf("err = %v, want the user-facing message", res.Err)
	}
	if strings.Contains(res.Err.Error(), "for transfer") {
		t.Error("raw settler error leaked into the terminal verdict")
	}

	recs := store.Payments()
	if len(recs) != 1 || recs[0].NextRetryAt != nil {
		t.Errorf("non-retryable failure recorded wrong: %+v", recs)
	}
}

func TestRetryBudgetExhaustionFailsTerminally(t *testing.T) {
	store := memory.NewStore()
	store.PutSubscription(dueSubscription("sub-1"))
	// Timeout category allows 3 retries; attempt 3 is the last.
	settler := &fakeSettler{err: errors.New("request timed out")}
	w := newWorker(store, settler)

	res := w.Process(context.Background(), jobFor("sub-1", 3))
	if res.Disposition != queue.DispositionFail {
		t.Fatalf("disposition = %v, want fail at the category retry ceiling", res.Disposition)
	}
}

// =============================================================================
// Ledger Write Failure After Settlement
// =============================================================================

func TestLedgerWriteFailureRequestsRedelivery(t *testing.T) {
	store := memory.NewStore()
	settler := &fakeSettler{}
	w := newWorker(store, settler)

	// Subscription vanishes between the gate check and the ledger write is
	// hard to stage with the memory store; deleting it before Process makes
	// Get fail instead. Use a wrapper store that fails RecordCompleted.
	fs := &failingCompleteStore{Store: store}
	store.PutSubscription(dueSubscription("sub-1"))
	w = New(fs, fs, settler, tracker.New(store), "hedera-testnet").
		WithNow(func() time.Time { return testNow })

	res := w.Process(context.Background(), jobFor("sub-1", 1))
	if res.Disposition != queue.DispositionRetry {
		t.Fatalf("disposition = %v, want retry", res.Disposition)
	}
	if len(settler.calls) != 1 {
		t.Errorf("settler calls = %d, want 1", len(settler.calls))
	}
}

// failingCompleteStore settles fine but cannot write the completion.
type failingCompleteStore struct {
	*memory.Store
}

func (s *failingCompleteStore) RecordCompleted(ctx context.Context, subscriptionID string, amount decimal.Decimal, txHash, network string, paidAt time.Time) error {
	return errors.New("connection reset by peer")
}
