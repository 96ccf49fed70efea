package x402

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vietddude/autopay/internal/infra/rpc"
)

// FallbackDomainNames are the token domain names tried when the contract
// cannot be queried or rejects the queried name. USDC deployments disagree
// on the exact string, so verification walks this list.
var FallbackDomainNames = []string{
	"USD Coin",
	"USDX Coin",
	"USD Coin (Hedera)",
	"USDC",
	"USDC.e",
	"USD Coin on Hedera",
}

// Function selectors for the contract domain queries.
const (
	selectorEIP712Domain = "0x84b0196e" // eip712Domain() per EIP-5267
	selectorName         = "0x06fdde03" // name() per ERC-20
)

// DomainSource yields candidate signing domains for a token contract,
// best guess first.
type DomainSource interface {
	Candidates(ctx context.Context) []TokenDomain
}

// RPCDomainSource queries the token contract for its signing domain and
// falls back to the well-known name list.
type RPCDomainSource struct {
	rpc     *rpc.Client
	asset   string
	chainID int64
	names   []string
	log     *slog.Logger
}

func NewRPCDomainSource(client *rpc.Client, asset string, chainID int64, fallbackNames []string) *RPCDomainSource {
	if len(fallbackNames) == 0 {
		fallbackNames = FallbackDomainNames
	}
	return &RPCDomainSource{
		rpc:     client,
		asset:   asset,
		chainID: chainID,
		names:   fallbackNames,
		log:     slog.Default().With("component", "x402"),
	}
}

// Candidates returns the contract-declared domain first when the query
// succeeds, then the fallback names, deduplicated.
func (s *RPCDomainSource) Candidates(ctx context.Context) []TokenDomain {
	var out []TokenDomain
	seen := make(map[string]bool)
	add := func(name, version string) {
		key := name + "\x00" + version
		if name == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, TokenDomain{
			Name:              name,
			Version:           version,
			ChainID:           s.chainID,
			VerifyingContract: s.asset,
		})
	}

	if s.rpc != nil {
		if name, version, err := s.queryEIP712Domain(ctx); err == nil {
			add(name, version)
		} else {
			s.log.Debug("eip712Domain query failed, trying name()", "error", err)
			if name, err := s.queryName(ctx); err == nil {
				add(name, "1")
			} else {
				s.log.Debug("name query failed, using fallback domains", "error", err)
			}
		}
	}

	for _, name := range s.names {
		add(name, "1")
	}
	return out
}

// queryEIP712Domain calls the EIP-5267 eip712Domain() function and decodes
// the name and version strings out of the return tuple.
func (s *RPCDomainSource) queryEIP712Domain(ctx context.Context) (name, version string, err error) {
	raw, err := s.rpc.EthCall(ctx, s.asset, selectorEIP712Domain)
	if err != nil {
		return "", "", err
	}
	data, err := decodeHex(raw)
	if err != nil {
		return "", "", err
	}
	// Return tuple: (bytes1 fields, string name, string version,
	// uint256 chainId, address verifyingContract, bytes32 salt,
	// uint256[] extensions). Words 1 and 2 are offsets to the strings.
	if len(data) < 7*32 {
		return "", "", fmt.Errorf("eip712Domain return too short: %d bytes", len(data))
	}
	name, err = readABIString(data, 1)
	if err != nil {
		return "", "", fmt.Errorf("decode domain name: %w", err)
	}
	version, err = readABIString(data, 2)
	if err != nil {
		return "", "", fmt.Errorf("decode domain version: %w", err)
	}
	return name, version, nil
}

// queryName calls the ERC-20 name() function.
func (s *RPCDomainSource) queryName(ctx context.Context) (string, error) {
	raw, err := s.rpc.EthCall(ctx, s.asset, selectorName)
	if err != nil {
		return "", err
	}
	data, err := decodeHex(raw)
	if err != nil {
		return "", err
	}
	return readABIString(data, 0)
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// readABIString reads a dynamic string whose offset sits in head word i.
// The response comes from an arbitrary remote contract, so every bound is
// checked with subtraction: additions on attacker-chosen words wrap.
func readABIString(data []byte, headWord int) (string, error) {
	if len(data) < (headWord+1)*32 {
		return "", fmt.Errorf("data too short for head word %d", headWord)
	}
	size := uint64(len(data))
	offset := beUint(data[headWord*32 : (headWord+1)*32])
	if offset > size || size-offset < 32 {
		return "", fmt.Errorf("string offset %d out of range", offset)
	}
	length := beUint(data[offset : offset+32])
	if length > size-offset-32 {
		return "", fmt.Errorf("string length %d out of range", length)
	}
	return string(data[offset+32 : offset+32+length]), nil
}

// beUint decodes a 32-byte big-endian word that fits in uint64.
func beUint(word []byte) uint64 {
	var n uint64
	for _, b := range word[len(word)-8:] {
		n = n<<8 | uint64(b)
	}
	return n
}

// StaticDomainSource returns a fixed candidate list. Test hook and escape
// hatch for chains without a queryable contract.
type StaticDomainSource []TokenDomain

func (s StaticDomainSource) Candidates(ctx context.Context) []TokenDomain { return s }
