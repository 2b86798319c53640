package market

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/auth"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/bus"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/chain"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/model"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/store"
)

const (
	testChainID = int64(134)
	testHub     = "0x3eca1B216A7DF1C7689aEb259fFB83ADFB894E7f"
	appAddr     = "0x6FAE10c2d2b06377df268B84fAa6eC61dD9BaE52"
	datasetAddr = "0x35b1b4eE1EeDeED7b8f759C1a0e80d17a3FaD28B"
	poolAddr    = "0x1a69B2eb604Db8eBa7BFE5951b5f5609AA2aeb11"
)

// stubOracle answers from fixtures; unset hashes count as unconsumed and
// unset accounts as richly funded, so only the scenario under test bites.
type stubOracle struct {
	consumed  map[string]int64
	accounts  map[string]chain.Account
	owners    map[string]string
	whitelist map[string]bool
}

func newStubOracle() *stubOracle {
	return &stubOracle{
		consumed:  map[string]int64{},
		accounts:  map[string]chain.Account{},
		owners:    map[string]string{},
		whitelist: map[string]bool{},
	}
}

func (o *stubOracle) ViewConsumed(_ context.Context, orderHash string) (int64, error) {
	return o.consumed[orderHash], nil
}

func (o *stubOracle) ViewAccount(_ context.Context, address string) (chain.Account, error) {
	if account, ok := o.accounts[address]; ok {
		return account, nil
	}
	return chain.Account{Stake: decimal.NewFromInt(1_000_000_000)}, nil
}

func (o *stubOracle) IsWhitelisted(_ context.Context, address string) (bool, error) {
	return o.whitelist[address], nil
}

func (o *stubOracle) OwnerOf(_ context.Context, resource string) (string, error) {
	if owner, ok := o.owners[resource]; ok {
		return owner, nil
	}
	return resource, nil
}

type testEnv struct {
	t        *testing.T
	service  *Service
	store    *store.Store
	verifier *auth.Verifier
	oracle   *stubOracle
	events   *[]bus.Event
}

func newTestEnv(t *testing.T, enterprise bool) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	st, err := store.New(db, zaptest.NewLogger(t))
	require.NoError(t, err)

	verifier := auth.NewVerifier(auth.NewMemoryStore(0))
	oracle := newStubOracle()
	eventBus := bus.New(zaptest.NewLogger(t))
	events := &[]bus.Event{}
	eventBus.Subscribe(bus.TopicOrders, func(e bus.Event) {
		*events = append(*events, e)
	})

	service := New(st, verifier,
		[]ChainSpec{{ID: testChainID, Name: "test", Hub: testHub, Enterprise: enterprise}},
		map[int64]chain.Oracle{testChainID: oracle},
		eventBus, zaptest.NewLogger(t))

	return &testEnv{
		t:        t,
		service:  service,
		store:    st,
		verifier: verifier,
		oracle:   oracle,
		events:   events,
	}
}

func (e *testEnv) eventNames() []string {
	names := make([]string, len(*e.events))
	for i, event := range *e.events {
		names[i] = event.Name
	}
	return names
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func keyAddress(key *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}

// token answers a fresh challenge for the key's address, as a wallet would.
func (e *testEnv) token(key *ecdsa.PrivateKey) string {
	e.t.Helper()
	ctx := context.Background()
	address := keyAddress(key)
	challenge, err := e.verifier.NewChallenge(ctx, testChainID, address)
	require.NoError(e.t, err)
	digest, err := chain.ChallengeDigest(testChainID, challenge.Message["challenge"])
	require.NoError(e.t, err)
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(e.t, err)
	return fmt.Sprintf("%s_%s_%s", digest.Hex(), hexutil.Encode(sig), address)
}

// signOrder validates the order and signs its EIP-712 digest in place.
func signOrder(t *testing.T, key *ecdsa.PrivateKey, order model.Order) {
	t.Helper()
	require.NoError(t, order.Validate())
	digest, err := chain.OrderDigest(testChainID, testHub, order)
	require.NoError(t, err)
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)
	switch o := order.(type) {
	case *model.AppOrder:
		o.Sign = hexutil.Encode(sig)
	case *model.DatasetOrder:
		o.Sign = hexutil.Encode(sig)
	case *model.WorkerpoolOrder:
		o.Sign = hexutil.Encode(sig)
	case *model.RequestOrder:
		o.Sign = hexutil.Encode(sig)
	}
}

var saltSeq int

func nextSalt() string {
	saltSeq++
	return fmt.Sprintf("0x%064x", saltSeq)
}

func newAppOrder(price int64, mutate func(*model.AppOrder)) *model.AppOrder {
	order := &model.AppOrder{
		App:      appAddr,
		AppPrice: price,
		Volume:   10,
		Salt:     nextSalt(),
		Sign:     "0x00",
	}
	if mutate != nil {
		mutate(order)
	}
	return order
}

func newDatasetOrder(price int64, mutate func(*model.DatasetOrder)) *model.DatasetOrder {
	order := &model.DatasetOrder{
		Dataset:      datasetAddr,
		DatasetPrice: price,
		Volume:       10,
		Salt:         nextSalt(),
		Sign:         "0x00",
	}
	if mutate != nil {
		mutate(order)
	}
	return order
}

func newWorkerpoolOrder(price int64, mutate func(*model.WorkerpoolOrder)) *model.WorkerpoolOrder {
	order := &model.WorkerpoolOrder{
		Workerpool:      poolAddr,
		WorkerpoolPrice: price,
		Volume:          10,
		Category:        4,
		Trust:           1,
		Salt:            nextSalt(),
		Sign:            "0x00",
	}
	if mutate != nil {
		mutate(order)
	}
	return order
}

func newRequestOrder(requester string, mutate func(*model.RequestOrder)) *model.RequestOrder {
	order := &model.RequestOrder{
		App:                appAddr,
		AppMaxPrice:        10,
		DatasetMaxPrice:    10,
		WorkerpoolMaxPrice: 10,
		Requester:          requester,
		Volume:             1,
		Category:           4,
		Salt:               nextSalt(),
		Sign:               "0x00",
	}
	if mutate != nil {
		mutate(order)
	}
	return order
}

// mustPublish signs and publishes an order owned by key, failing the test
// on any pipeline rejection.
func (e *testEnv) mustPublish(key *ecdsa.PrivateKey, order model.Order) *model.PublishedOrder {
	e.t.Helper()
	signOrder(e.t, key, order)
	published, err := e.service.Publish(context.Background(), testChainID, e.token(key), order)
	require.NoError(e.t, err)
	return published
}
