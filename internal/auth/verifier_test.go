package auth

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/chain"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/pkg/errs"
)

const testChainID = int64(134)

// signToken answers a challenge the way a wallet would, returning the
// hash_signature_address token.
func signToken(t *testing.T, key *ecdsa.PrivateKey, chainID int64, challenge *TypedDataChallenge) string {
	t.Helper()
	digest, err := chain.ChallengeDigest(chainID, challenge.Message["challenge"])
	require.NoError(t, err)
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	return fmt.Sprintf("%s_%s_%s", digest.Hex(), hexutil.Encode(sig), address)
}

func TestChallengeRoundTrip(t *testing.T) {
	ctx := context.Background()
	verifier := NewVerifier(NewMemoryStore(time.Minute))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	challenge, err := verifier.NewChallenge(ctx, testChainID, address)
	require.NoError(t, err)
	assert.Equal(t, "Challenge", challenge.PrimaryType)
	assert.NotEmpty(t, challenge.Message["challenge"])

	signer, err := verifier.Verify(ctx, testChainID, signToken(t, key, testChainID, challenge))
	require.NoError(t, err)
	assert.Equal(t, address, signer)
}

func TestChallengeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	verifier := NewVerifier(NewMemoryStore(time.Minute))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	challenge, err := verifier.NewChallenge(ctx, testChainID, address)
	require.NoError(t, err)
	token := signToken(t, key, testChainID, challenge)

	_, err = verifier.Verify(ctx, testChainID, token)
	require.NoError(t, err)

	_, err = verifier.Verify(ctx, testChainID, token)
	require.Error(t, err)
	assert.Equal(t, errs.ClassAuth, errs.ClassOf(err))
}

func TestChallengeConsumedOnFailure(t *testing.T) {
	ctx := context.Background()
	verifier := NewVerifier(NewMemoryStore(time.Minute))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	challenge, err := verifier.NewChallenge(ctx, testChainID, address)
	require.NoError(t, err)

	// Signed by the wrong key but presented for the right address: the
	// pending challenge must be burned anyway.
	digest, err := chain.ChallengeDigest(testChainID, challenge.Message["challenge"])
	require.NoError(t, err)
	sig, err := crypto.Sign(digest.Bytes(), otherKey)
	require.NoError(t, err)
	bad := fmt.Sprintf("%s_%s_%s", digest.Hex(), hexutil.Encode(sig), address)

	_, err = verifier.Verify(ctx, testChainID, bad)
	require.Error(t, err)
	assert.Equal(t, errs.ClassAuth, errs.ClassOf(err))

	good := signToken(t, key, testChainID, challenge)
	_, err = verifier.Verify(ctx, testChainID, good)
	require.Error(t, err, "a failed attempt still consumes the challenge")
}

func TestVerifyMalformedTokens(t *testing.T) {
	ctx := context.Background()
	verifier := NewVerifier(NewMemoryStore(time.Minute))

	for _, token := range []string{
		"",
		"a_b",
		"a_b_c_d",
		"0xhash_0xsig_notanaddress",
		"0xhash_0xsig_0x6fae10C2D2b06377dF268B84faa6EC61Dd9Bae52",
	} {
		_, err := verifier.Verify(ctx, testChainID, token)
		require.Error(t, err, "token %q", token)
		assert.Equal(t, errs.ClassAuth, errs.ClassOf(err))
		assert.Equal(t, "invalid authorization", err.Error())
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Millisecond)
	require.NoError(t, store.Put(ctx, testChainID, "0xabc", "value"))
	time.Sleep(5 * time.Millisecond)
	value, err := store.Consume(ctx, testChainID, "0xabc")
	require.NoError(t, err)
	assert.Empty(t, value)
}
