// Package facilitator is the HTTP client for an x402 payment facilitator,
// the service that verifies signed payment authorizations and settles them
// on chain.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/vietddude/autopay/internal/payment/metrics"
)

// x402Version is the protocol version spoken on the wire.
const x402Version = 1

// Settle event values.
const (
	EventSettled = "payment.settled"
	EventFailed  = "payment.failed"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// VerifyResponse is the facilitator's verdict on a payment authorization.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
}

// SettleResponse is the on-chain settlement outcome.
type SettleResponse struct {
	X402Version int    `json:"x402Version"`
	Event       string `json:"event"`
	TxHash      string `json:"txHash,omitempty"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Value       string `json:"value,omitempty"`
	BlockNumber int64  `json:"blockNumber,omitempty"`
	Network     string `json:"network,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Settled reports whether the settlement executed on chain.
func (r *SettleResponse) Settled() bool {
	return r.Event == EventSettled
}

type wireRequest struct {
	X402Version         int    `json:"x402Version"`
	PaymentHeader       string `json:"paymentHeader"`
	PaymentRequirements any    `json:"paymentRequirements"`
}

// Verify asks the facilitator to validate a base64 payment header without
// settling it.
func (c *Client) Verify(ctx context.Context, paymentHeader string, requirements any) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := c.post(ctx, "/verify", paymentHeader, requirements, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle submits a verified payment header for on-chain execution.
func (c *Client) Settle(ctx context.Context, paymentHeader string, requirements any) (*SettleResponse, error) {
	var out SettleResponse
	if err := c.post(ctx, "/settle", paymentHeader, requirements, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health probes the facilitator's healthcheck endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/healthcheck", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator unhealthy: http %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path, paymentHeader string, requirements, out any) error {
	body, err := json.Marshal(wireRequest{
		X402Version:         x402Version,
		PaymentHeader:       paymentHeader,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X402-Version", strconv.Itoa(x402Version))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.FacilitatorRequestsTotal.WithLabelValues(path, "error").Inc()
		return fmt.Errorf("facilitator request: %w", err)
	}
	defer resp.Body.Close()

	metrics.FacilitatorRequestsTotal.WithLabelValues(path, strconv.Itoa(resp.StatusCode)).Inc()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	// Status text goes into the error so the failure taxonomy can key on it.
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("facilitator rate limited (429): %s", string(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator http %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
