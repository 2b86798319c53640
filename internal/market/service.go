// Package market implements the order lifecycle engine: the publication
// pipeline, the cascading invalidation of dependent request orders, and
// the orderbook query facade. Every mutation goes through the store and
// every admitted transition is announced on the bus.
package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/bus"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/chain"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/store"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/pkg/errs"
)

// workerpoolStakeRatio is the fraction of price x volume the workerpool
// owner must be able to lock at deal time.
var workerpoolStakeRatio = decimal.NewFromFloat(0.3)

// ChainSpec is the market-relevant description of a supported chain.
type ChainSpec struct {
	ID         int64
	Name       string
	Hub        string
	Enterprise bool
}

// TokenVerifier authenticates an authorization token and returns the
// signer address. Implemented by auth.Verifier.
type TokenVerifier interface {
	Verify(ctx context.Context, chainID int64, token string) (string, error)
}

// Service is the order lifecycle engine. It owns no goroutines; all its
// methods are safe for concurrent use.
type Service struct {
	store    *store.Store
	verifier TokenVerifier
	chains   map[int64]ChainSpec
	oracles  map[int64]chain.Oracle
	bus      *bus.Bus
	logger   *zap.Logger
	now      func() time.Time
}

// New wires the service. oracles must hold one oracle per chain spec.
func New(st *store.Store, verifier TokenVerifier, chains []ChainSpec, oracles map[int64]chain.Oracle, b *bus.Bus, logger *zap.Logger) *Service {
	specs := make(map[int64]ChainSpec, len(chains))
	for _, spec := range chains {
		specs[spec.ID] = spec
	}
	return &Service{
		store:    st,
		verifier: verifier,
		chains:   specs,
		oracles:  oracles,
		bus:      b,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) chainSpec(chainID int64) (ChainSpec, error) {
	if chainID == 0 {
		return ChainSpec{}, errs.Validation("chainId is a required field")
	}
	spec, ok := s.chains[chainID]
	if !ok {
		return ChainSpec{}, errs.Validation("chainId %d is not supported", chainID)
	}
	return spec, nil
}

// SupportedChain checks a chainId against the configured chains, with
// the same errors every operation reports.
func (s *Service) SupportedChain(chainID int64) error {
	_, err := s.chainSpec(chainID)
	return err
}

func (s *Service) oracle(chainID int64) chain.Oracle {
	return s.oracles[chainID]
}

func (s *Service) emitOrderEvent(chainID int64, name string, payload interface{}) {
	s.bus.Publish(bus.Event{
		ChainID:   chainID,
		Topic:     bus.TopicOrders,
		Name:      name,
		Timestamp: s.now(),
		Payload:   payload,
	})
}
