package x402

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Fixed key for deterministic addresses. Never used outside tests.
const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var testDomain = TokenDomain{
	Name:              "USD Coin",
	Version:           "1",
	ChainID:           296,
	VerifyingContract: "0xc01efAaF7C5C61bEbFAeb358E1161b537b8bC0e0",
}

func TestLocalSignerAddressIsDeterministic(t *testing.T) {
	s1, err := NewLocalSigner(testKey)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	s2, err := NewLocalSigner("0x" + testKey)
	if err != nil {
		t.Fatalf("new signer with prefix: %v", err)
	}
	if s1.Address() != s2.Address() {
		t.Errorf("addresses differ: %s vs %s", s1.Address().Hex(), s2.Address().Hex())
	}
}

func TestNewLocalSignerRejectsGarbage(t *testing.T) {
	if _, err := NewLocalSigner("not-a-key"); err == nil {
		t.Fatal("expected error for invalid key")
	}
}

func TestSignAndRecoverRoundTrip(t *testing.T) {
	signer, err := NewLocalSigner(testKey)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	auth, err := NewAuthorization(
		signer.Address(),
		common.HexToAddress("0x1111111111111111111111111111111111111111"),
		big.NewInt(9_990_000),
		5*time.Minute,
	)
	if err != nil {
		t.Fatalf("new authorization: %v", err)
	}

	typed := TypedData(auth, testDomain)
	sig, err := signer.SignTypedData(typed)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length = %d, want 65", len(sig))
	}
	if v := sig[64]; v != 27 && v != 28 {
		t.Errorf("recovery byte = %d, want 27 or 28", v)
	}

	recovered, err := RecoverSigner(typed, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != signer.Address() {
		t.Errorf("recovered %s, want %s", recovered.Hex(), signer.Address().Hex())
	}
}

func TestRecoverDetectsWrongDomain(t *testing.T) {
	signer, err := NewLocalSigner(testKey)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	auth, err := NewAuthorization(
		signer.Address(),
		common.HexToAddress("0x1111111111111111111111111111111111111111"),
		big.NewInt(1),
		time.Minute,
	)
	if err != nil {
		t.Fatalf("new authorization: %v", err)
	}

	sig, err := signer.SignTypedData(TypedData(auth, testDomain))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	other := testDomain
	other.Name = "USDC.e"
	recovered, err := RecoverSigner(TypedData(auth, other), sig)
	if err == nil && recovered == signer.Address() {
		t.Error("signature verified under a different domain name")
	}
}

func TestAuthorizationNoncesAreUnique(t *testing.T) {
	from := common.HexToAddress("0x2222222222222222222222222222222222222222")
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")

	a1, err := NewAuthorization(from, to, big.NewInt(1), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := NewAuthorization(from, to, big.NewInt(1), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if a1.Nonce == a2.Nonce {
		t.Error("two authorizations share a nonce")
	}
}

func TestAuthorizationValidityWindow(t *testing.T) {
	auth, err := NewAuthorization(
		common.HexToAddress("0x2222222222222222222222222222222222222222"),
		common.HexToAddress("0x3333333333333333333333333333333333333333"),
		big.NewInt(1),
		5*time.Minute,
	)
	if err != nil {
		t.Fatal(err)
	}
	if auth.ValidAfter != 0 {
		t.Errorf("validAfter = %d, want 0", auth.ValidAfter)
	}
	min := time.Now().Add(4 * time.Minute).Unix()
	max := time.Now().Add(6 * time.Minute).Unix()
	if auth.ValidBefore < min || auth.ValidBefore > max {
		t.Errorf("validBefore = %d, want within [%d, %d]", auth.ValidBefore, min, max)
	}
}
