package x402

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// TokenDomain is the EIP-712 signing domain of a token contract.
type TokenDomain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract string
}

// Authorization is one EIP-3009 TransferWithAuthorization message. Value is
// in the token's atomic units.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  int64
	ValidBefore int64
	Nonce       [32]byte
}

// NewAuthorization builds an authorization valid immediately and expiring
// after validFor, with a fresh random nonce. Each signing attempt must use
// its own nonce; EIP-3009 contracts reject nonce reuse.
func NewAuthorization(from, to common.Address, value *big.Int, validFor time.Duration) (Authorization, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Authorization{}, fmt.Errorf("generate nonce: %w", err)
	}
	return Authorization{
		From:        from,
		To:          to,
		Value:       value,
		ValidAfter:  0,
		ValidBefore: time.Now().Add(validFor).Unix(),
		Nonce:       nonce,
	}, nil
}

// TypedData renders the authorization as EIP-712 typed data under the given
// token domain.
func TypedData(auth Authorization, domain TokenDomain) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           math.NewHexOrDecimal256(domain.ChainID),
			VerifyingContract: common.HexToAddress(domain.VerifyingContract).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       auth.Value.String(),
			"validAfter":  new(big.Int).SetInt64(auth.ValidAfter).String(),
			"validBefore": new(big.Int).SetInt64(auth.ValidBefore).String(),
			"nonce":       hexutil.Encode(auth.Nonce[:]),
		},
	}
}

// RecoverSigner returns the address that produced sig over the typed data.
// Used as a local sanity check before the header goes to the facilitator.
func RecoverSigner(data apitypes.TypedData, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return common.Address{}, fmt.Errorf("hash typed data: %w", err)
	}

	s := make([]byte, 65)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	pub, err := crypto.SigToPub(hash, s)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
