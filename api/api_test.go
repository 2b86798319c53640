package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/auth"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/bus"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/chain"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/market"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/model"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/store"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/ws"
)

const (
	testChainID = int64(134)
	testHub     = "0x3eca1B216A7DF1C7689aEb259fFB83ADFB894E7f"
	testApp     = "0x6fae10C2D2b06377dF268B84faa6EC61Dd9Bae52"
)

// richOracle satisfies every on-chain check so only HTTP semantics are
// under test here.
type richOracle struct{}

func (richOracle) ViewConsumed(context.Context, string) (int64, error) { return 0, nil }
func (richOracle) ViewAccount(context.Context, string) (chain.Account, error) {
	return chain.Account{Stake: decimal.NewFromInt(1_000_000_000)}, nil
}
func (richOracle) IsWhitelisted(context.Context, string) (bool, error)  { return true, nil }
func (richOracle) OwnerOf(_ context.Context, r string) (string, error) { return r, nil }

func newTestServer(t *testing.T) (*Server, *auth.Verifier) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	st, err := store.New(db, zaptest.NewLogger(t))
	require.NoError(t, err)

	verifier := auth.NewVerifier(auth.NewMemoryStore(0))
	eventBus := bus.New(zaptest.NewLogger(t))
	hub, err := ws.NewHub(context.Background(), ws.NewLoopbackBackplane(), zaptest.NewLogger(t))
	require.NoError(t, err)

	service := market.New(st, verifier,
		[]market.ChainSpec{{ID: testChainID, Name: "test", Hub: testHub}},
		map[int64]chain.Oracle{testChainID: richOracle{}},
		eventBus, zaptest.NewLogger(t))

	return NewServer(zaptest.NewLogger(t), service, verifier, hub), verifier
}

func do(t *testing.T, s *Server, method, target, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	decoded := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	return rec, decoded
}

// signedToken obtains and answers a challenge for the key's address.
func signedToken(t *testing.T, verifier *auth.Verifier, key *ecdsa.PrivateKey) string {
	t.Helper()
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	challenge, err := verifier.NewChallenge(context.Background(), testChainID, address)
	require.NoError(t, err)
	digest, err := chain.ChallengeDigest(testChainID, challenge.Message["challenge"])
	require.NoError(t, err)
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)
	return fmt.Sprintf("%s_%s_%s", digest.Hex(), hexutil.Encode(sig), address)
}

func signedAppOrder(t *testing.T, key *ecdsa.PrivateKey, salt string) *model.AppOrder {
	t.Helper()
	order := &model.AppOrder{
		App:      testApp,
		AppPrice: 5,
		Volume:   10,
		Salt:     salt,
		Sign:     "0x00",
	}
	require.NoError(t, order.Validate())
	digest, err := chain.OrderDigest(testChainID, testHub, order)
	require.NoError(t, err)
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)
	order.Sign = hexutil.Encode(sig)
	return order
}

func TestVersionAndHealth(t *testing.T) {
	s, _ := newTestServer(t)

	rec, body := do(t, s, http.MethodGet, "/version", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
	assert.NotEmpty(t, body["version"])

	rec, body = do(t, s, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
}

func TestChallengeEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec, body := do(t, s, http.MethodGet, "/challenge", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "chainId is a required field", body["error"])

	rec, body = do(t, s, http.MethodGet,
		fmt.Sprintf("/challenge?chainId=%d&address=%s", testChainID, testApp), "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "Challenge", data["primaryType"])
}

func TestPublishFlowOverHTTP(t *testing.T) {
	s, verifier := newTestServer(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	order := signedAppOrder(t, key,
		"0x0000000000000000000000000000000000000000000000000000000000000001")

	// No token: the pipeline rejects after validation.
	rec, body := do(t, s, http.MethodPost,
		fmt.Sprintf("/apporders?chainId=%d", testChainID), "",
		gin.H{"order": order})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "invalid authorization", body["error"])

	rec, body = do(t, s, http.MethodPost,
		fmt.Sprintf("/apporders?chainId=%d", testChainID),
		signedToken(t, verifier, key),
		gin.H{"order": order})
	require.Equal(t, http.StatusOK, rec.Code, "body: %v", body)
	published := body["published"].(map[string]interface{})
	orderHash := published["orderHash"].(string)
	assert.Equal(t, "open", published["status"])

	// The book lists it.
	rec, body = do(t, s, http.MethodGet,
		fmt.Sprintf("/apporders?chainId=%d&app=%s", testChainID, testApp), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	// And it reads back by hash.
	rec, body = do(t, s, http.MethodGet,
		fmt.Sprintf("/apporders/%s?chainId=%d", orderHash, testChainID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := body["order"].(map[string]interface{})
	assert.Equal(t, orderHash, got["orderHash"])

	// Unpublish it and confirm the terminal state.
	rec, body = do(t, s, http.MethodPut,
		fmt.Sprintf("/apporders?chainId=%d", testChainID),
		signedToken(t, verifier, key),
		gin.H{"orderHash": orderHash})
	require.Equal(t, http.StatusOK, rec.Code, "body: %v", body)
	unpublished := body["unpublished"].([]interface{})
	assert.Equal(t, []interface{}{orderHash}, unpublished)

	rec, body = do(t, s, http.MethodGet,
		fmt.Sprintf("/apporders/%s?chainId=%d", orderHash, testChainID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got = body["order"].(map[string]interface{})
	assert.Equal(t, "dead", got["status"])
}

func TestListValidationOverHTTP(t *testing.T) {
	s, _ := newTestServer(t)

	rec, body := do(t, s, http.MethodGet,
		fmt.Sprintf("/apporders?chainId=%d", testChainID), "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "app or appOwner is required", body["error"])

	rec, body = do(t, s, http.MethodGet,
		fmt.Sprintf("/apporders?chainId=%d&app=%s&pageSize=5", testChainID, testApp), "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "pageSize must be between 10 and 1000", body["error"])

	rec, body = do(t, s, http.MethodGet,
		fmt.Sprintf("/requestorders?chainId=%d&minTag=zz", testChainID), "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "minTag must be a valid tag", body["error"])
}

func TestGetUnknownOrderOverHTTP(t *testing.T) {
	s, _ := newTestServer(t)

	missing := "0xdeadbeef00000000000000000000000000000000000000000000000000000000"
	rec, body := do(t, s, http.MethodGet,
		fmt.Sprintf("/apporders/%s?chainId=%d", missing, testChainID), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, body["ok"])
}

func TestUnpublishSelectorValidationOverHTTP(t *testing.T) {
	s, verifier := newTestServer(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	rec, body := do(t, s, http.MethodPut,
		fmt.Sprintf("/apporders?chainId=%d", testChainID),
		signedToken(t, verifier, key),
		gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "orderHash or target is required", body["error"])

	rec, body = do(t, s, http.MethodPut,
		fmt.Sprintf("/apporders?chainId=%d", testChainID),
		signedToken(t, verifier, key),
		gin.H{"target": "all"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "app is a required field", body["error"])
}

func TestUnpublishRejectsMalformedFields(t *testing.T) {
	s, verifier := newTestServer(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	rec, body := do(t, s, http.MethodPut,
		fmt.Sprintf("/apporders?chainId=%d", testChainID),
		signedToken(t, verifier, key),
		gin.H{"orderHash": "0x1234"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "orderHash is not valid", body["error"])

	rec, body = do(t, s, http.MethodPut,
		fmt.Sprintf("/apporders?chainId=%d", testChainID),
		signedToken(t, verifier, key),
		gin.H{"target": "sometimes"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "target is not valid", body["error"])

	rec, body = do(t, s, http.MethodPut,
		fmt.Sprintf("/apporders?chainId=%d", testChainID),
		signedToken(t, verifier, key),
		gin.H{"target": "last", "app": "not-an-address"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "app must be a valid ethereum address", body["error"])
}

func TestChallengeRejectsBadAddress(t *testing.T) {
	s, _ := newTestServer(t)

	rec, body := do(t, s, http.MethodGet,
		fmt.Sprintf("/challenge?chainId=%d&address=not-an-address", testChainID), "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "address must be a valid ethereum address", body["error"])
}

func TestDealsRejectBadAddressFilter(t *testing.T) {
	s, _ := newTestServer(t)

	rec, body := do(t, s, http.MethodGet,
		fmt.Sprintf("/deals?chainId=%d&app=zzz", testChainID), "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "app must be a valid ethereum address", body["error"])
}

func TestCategoryEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec, body := do(t, s, http.MethodGet,
		fmt.Sprintf("/categories/abc?chainId=%d", testChainID), "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "catid must be a number", body["error"])

	rec, _ = do(t, s, http.MethodGet,
		fmt.Sprintf("/categories/3?chainId=%d", testChainID), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDealsEndpointEmptyBook(t *testing.T) {
	s, _ := newTestServer(t)

	rec, body := do(t, s, http.MethodGet,
		fmt.Sprintf("/deals?chainId=%d", testChainID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["count"])
}
