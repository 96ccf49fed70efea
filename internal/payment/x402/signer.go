// Package x402 implements the payer side of the x402 payment protocol:
// EIP-3009 TransferWithAuthorization messages signed under the token
// contract's EIP-712 domain, verified and settled through a facilitator.
package x402

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer produces EIP-712 signatures for one payer address.
type Signer interface {
	Address() common.Address
	SignTypedData(data apitypes.TypedData) ([]byte, error)
}

// LocalSigner signs with an in-process secp256k1 key.
type LocalSigner struct {
	priv *ecdsa.PrivateKey
	addr common.Address
}

// NewLocalSigner parses a hex-encoded private key, with or without the 0x
// prefix.
func NewLocalSigner(hexKey string) (*LocalSigner, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &LocalSigner{
		priv: priv,
		addr: crypto.PubkeyToAddress(priv.PublicKey),
	}, nil
}

func (s *LocalSigner) Address() common.Address { return s.addr }

// SignTypedData hashes the typed data per EIP-712 and signs it. The
// recovery byte is shifted to the 27/28 convention wallets use.
func (s *LocalSigner) SignTypedData(data apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	sig, err := crypto.Sign(hash, s.priv)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}
	sig[64] += 27
	return sig, nil
}
