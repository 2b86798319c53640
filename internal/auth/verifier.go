package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/chain"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/model"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/pkg/errs"
)

// TypedDataChallenge is the eth_signTypedData input returned to the
// client. The client signs it and sends back `hash_signature_address`.
type TypedDataChallenge struct {
	Types       map[string][]TypedDataField `json:"types"`
	Domain      map[string]interface{}      `json:"domain"`
	PrimaryType string                      `json:"primaryType"`
	Message     map[string]string           `json:"message"`
}

type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Verifier issues challenges and authenticates tokens against them.
type Verifier struct {
	store Store
}

func NewVerifier(store Store) *Verifier {
	return &Verifier{store: store}
}

// NewChallenge creates (or replaces) the pending challenge for an address
// and returns the typed data for the client to sign.
func (v *Verifier) NewChallenge(ctx context.Context, chainID int64, address string) (*TypedDataChallenge, error) {
	if !common.IsHexAddress(address) {
		return nil, errs.Validation("address must be a valid ethereum address")
	}
	address = model.NormalizeAddress(address)

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}
	value := hex.EncodeToString(raw)

	if err := v.store.Put(ctx, chainID, address, value); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}

	return &TypedDataChallenge{
		Types: map[string][]TypedDataField{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Challenge": {
				{Name: "challenge", Type: "string"},
			},
		},
		Domain: map[string]interface{}{
			"name":    "iExec Gateway",
			"version": "1",
			"chainId": chainID,
		},
		PrimaryType: "Challenge",
		Message:     map[string]string{"challenge": value},
	}, nil
}

// Verify authenticates a `hash_signature_address` token and returns the
// signer address. The pending challenge is consumed whether or not the
// remaining checks succeed; every failure maps to the same AuthError.
func (v *Verifier) Verify(ctx context.Context, chainID int64, token string) (string, error) {
	parts := strings.Split(token, "_")
	if len(parts) != 3 {
		return "", errs.Auth()
	}
	hash, sig, address := parts[0], parts[1], parts[2]
	if !common.IsHexAddress(address) {
		return "", errs.Auth()
	}
	address = model.NormalizeAddress(address)

	value, err := v.store.Consume(ctx, chainID, address)
	if err != nil {
		return "", fmt.Errorf("consume challenge: %w", err)
	}
	if value == "" {
		return "", errs.Auth()
	}

	digest, err := chain.ChallengeDigest(chainID, value)
	if err != nil {
		return "", fmt.Errorf("challenge digest: %w", err)
	}
	if !strings.EqualFold(digest.Hex(), hash) {
		return "", errs.Auth()
	}
	signer, err := chain.RecoverSigner(digest, sig)
	if err != nil || signer != address {
		return "", errs.Auth()
	}
	return signer, nil
}
