package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/vietddude/autopay/internal/infra/facilitator"
	"github.com/vietddude/autopay/internal/payment/metrics"
)

// Requirements describes what the facilitator expects to be paid.
type Requirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	PayTo             string `json:"payTo"`
	Asset             string `json:"asset"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Description       string `json:"description,omitempty"`
	MimeType          string `json:"mimeType,omitempty"`
}

// headerPayload is the signed authorization as it travels inside the
// base64 payment header. The validity bounds are JSON numbers; the signed
// message carries them as decimal strings.
type headerPayload struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"`
	Asset       string `json:"asset"`
}

type paymentHeader struct {
	X402Version int           `json:"x402Version"`
	Scheme      string        `json:"scheme"`
	Network     string        `json:"network"`
	Payload     headerPayload `json:"payload"`
}

// Config holds the chain-level payment parameters.
type Config struct {
	Network           string   `yaml:"network"`
	Asset             string   `yaml:"asset"`
	AssetDecimals     int      `yaml:"asset_decimals"`
	ChainID           int64    `yaml:"chain_id"`
	MaxTimeoutSeconds int      `yaml:"max_timeout_seconds"`
	FallbackDomains   []string `yaml:"fallback_domains"`
}

func (c Config) withDefaults() Config {
	if c.AssetDecimals <= 0 {
		c.AssetDecimals = 6
	}
	if c.MaxTimeoutSeconds <= 0 {
		c.MaxTimeoutSeconds = 300
	}
	return c
}

// Settlement is the outcome of a successful payment.
type Settlement struct {
	TxHash  string
	Network string
	Payer   string
}

// Client executes one complete payment: sign, verify, settle. It does not
// retry transport failures; the job queue owns retry policy.
type Client struct {
	signer  Signer
	fac     *facilitator.Client
	domains DomainSource
	cfg     Config
	log     *slog.Logger
}

func NewClient(signer Signer, fac *facilitator.Client, domains DomainSource, cfg Config) *Client {
	return &Client{
		signer:  signer,
		fac:     fac,
		domains: domains,
		cfg:     cfg.withDefaults(),
		log:     slog.Default().With("component", "x402"),
	}
}

// Pay signs a transfer authorization for amount (in whole tokens) to
// recipient, verifies it with the facilitator, and settles it on chain.
// When the facilitator rejects a signature, the remaining candidate token
// domains are tried with fresh nonces before giving up.
func (c *Client) Pay(ctx context.Context, amount decimal.Decimal, recipient, description string) (*Settlement, error) {
	start := time.Now()

	// Whole tokens to atomic units.
	atomic := amount.Shift(int32(c.cfg.AssetDecimals))
	if !atomic.IsInteger() {
		return nil, fmt.Errorf("amount %s has more precision than the asset's %d decimals", amount, c.cfg.AssetDecimals)
	}

	reqs := Requirements{
		Scheme:            "exact",
		Network:           c.cfg.Network,
		PayTo:             common.HexToAddress(recipient).Hex(),
		Asset:             common.HexToAddress(c.cfg.Asset).Hex(),
		MaxAmountRequired: atomic.BigInt().String(),
		MaxTimeoutSeconds: c.cfg.MaxTimeoutSeconds,
		Description:       description,
	}

	candidates := c.domains.Candidates(ctx)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no candidate token domains for asset %s", c.cfg.Asset)
	}

	var lastReason string
	for _, domain := range candidates {
		header, err := c.buildHeader(reqs, domain)
		if err != nil {
			return nil, err
		}

		verify, err := c.fac.Verify(ctx, header, reqs)
		if err != nil {
			return nil, err
		}
		if verify.IsValid {
			return c.settle(ctx, header, reqs, start)
		}

		lastReason = verify.InvalidReason
		if !strings.Contains(strings.ToLower(verify.InvalidReason), "signature") {
			// Not a domain mismatch; trying other names cannot help.
			return nil, fmt.Errorf("payment verification failed: %s", verify.InvalidReason)
		}
		c.log.Debug("signature rejected, trying next token domain",
			"domain", domain.Name, "reason", verify.InvalidReason)
	}

	return nil, fmt.Errorf("signature verification failed for all candidate token domains: %s", lastReason)
}

// buildHeader signs a fresh authorization under domain and encodes the
// base64 payment header.
func (c *Client) buildHeader(reqs Requirements, domain TokenDomain) (string, error) {
	value, ok := new(big.Int).SetString(reqs.MaxAmountRequired, 10)
	if !ok {
		return "", fmt.Errorf("invalid amount %q", reqs.MaxAmountRequired)
	}

	auth, err := NewAuthorization(
		c.signer.Address(),
		common.HexToAddress(reqs.PayTo),
		value,
		time.Duration(reqs.MaxTimeoutSeconds)*time.Second,
	)
	if err != nil {
		return "", err
	}

	typed := TypedData(auth, domain)
	sig, err := c.signer.SignTypedData(typed)
	if err != nil {
		return "", fmt.Errorf("wallet signing failed: %w", err)
	}

	// Recover locally before involving the facilitator.
	recovered, err := RecoverSigner(typed, sig)
	if err != nil {
		return "", fmt.Errorf("wallet signature check failed: %w", err)
	}
	if recovered != c.signer.Address() {
		return "", fmt.Errorf("wallet signature check failed: recovered %s, want %s", recovered.Hex(), c.signer.Address().Hex())
	}

	h := paymentHeader{
		X402Version: 1,
		Scheme:      reqs.Scheme,
		Network:     reqs.Network,
		Payload: headerPayload{
			From:        auth.From.Hex(),
			To:          auth.To.Hex(),
			Value:       auth.Value.String(),
			ValidAfter:  auth.ValidAfter,
			ValidBefore: auth.ValidBefore,
			Nonce:       hexutil.Encode(auth.Nonce[:]),
			Signature:   hexutil.Encode(sig),
			Asset:       reqs.Asset,
		},
	}
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("marshal payment header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (c *Client) settle(ctx context.Context, header string, reqs Requirements, start time.Time) (*Settlement, error) {
	res, err := c.fac.Settle(ctx, header, reqs)
	if err != nil {
		return nil, err
	}
	if !res.Settled() {
		reason := res.Error
		if reason == "" {
			reason = "settlement failed without a reason"
		}
		return nil, fmt.Errorf("payment settlement failed: %s", reason)
	}

	metrics.PaymentsSettled.WithLabelValues(c.cfg.Network).Inc()
	metrics.SettlementLatency.Observe(time.Since(start).Seconds())
	c.log.Info("payment settled",
		"tx", res.TxHash,
		"network", c.cfg.Network,
		"amount", reqs.MaxAmountRequired)

	return &Settlement{
		TxHash:  res.TxHash,
		Network: c.cfg.Network,
		Payer:   c.signer.Address().Hex(),
	}, nil
}
