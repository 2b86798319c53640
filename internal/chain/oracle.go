package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Account is an actor's escrow balance on the hub contract.
type Account struct {
	Stake  decimal.Decimal `json:"stake"`
	Locked decimal.Decimal `json:"locked"`
}

// Oracle answers on-chain questions the publication pipeline depends on.
// Answers may be stale; the chain is the only authority.
type Oracle interface {
	// ViewConsumed returns how much of the order's volume has been
	// consumed on-chain.
	ViewConsumed(ctx context.Context, orderHash string) (int64, error)
	// ViewAccount returns the actor's stake and locked amounts in nRLC.
	ViewAccount(ctx context.Context, address string) (Account, error)
	// IsWhitelisted reports whether the address holds the enterprise
	// eRLC KYC token. Only called on enterprise chains.
	IsWhitelisted(ctx context.Context, address string) (bool, error)
	// OwnerOf returns the owner of a deployed app, dataset or workerpool.
	OwnerOf(ctx context.Context, resource string) (string, error)
}

// Method selectors of the hub, eRLC and resource registry contracts.
var (
	selViewConsumed = crypto.Keccak256([]byte("viewConsumed(bytes32)"))[:4]
	selViewAccount  = crypto.Keccak256([]byte("viewAccount(address)"))[:4]
	selIsKYC        = crypto.Keccak256([]byte("isKYC(address)"))[:4]
	selOwner        = crypto.Keccak256([]byte("owner()"))[:4]
)

// RPCOracle implements Oracle over a JSON-RPC endpoint. Every call is
// bounded by the configured timeout and retried once before surfacing.
type RPCOracle struct {
	client  *ethclient.Client
	hub     common.Address
	erlc    common.Address
	timeout time.Duration
	logger  *zap.Logger
}

// NewRPCOracle dials the endpoint and returns an oracle bound to the
// given hub contract. erlc may be empty on non-enterprise chains.
func NewRPCOracle(endpoint, hub, erlc string, timeout time.Duration, logger *zap.Logger) (*RPCOracle, error) {
	client, err := ethclient.Dial(endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RPCOracle{
		client:  client,
		hub:     common.HexToAddress(hub),
		erlc:    common.HexToAddress(erlc),
		timeout: timeout,
		logger:  logger,
	}, nil
}

func (o *RPCOracle) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{To: &to, Data: data}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.timeout)
		out, err := o.client.CallContract(callCtx, msg, nil)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		o.logger.Warn("contract call failed",
			zap.String("to", to.Hex()),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, lastErr
}

func (o *RPCOracle) ViewConsumed(ctx context.Context, orderHash string) (int64, error) {
	data := append(append([]byte{}, selViewConsumed...), common.HexToHash(orderHash).Bytes()...)
	out, err := o.call(ctx, o.hub, data)
	if err != nil {
		return 0, fmt.Errorf("viewConsumed: %w", err)
	}
	if len(out) < 32 {
		return 0, fmt.Errorf("viewConsumed: short return (%d bytes)", len(out))
	}
	return new(big.Int).SetBytes(out[:32]).Int64(), nil
}

func (o *RPCOracle) ViewAccount(ctx context.Context, address string) (Account, error) {
	data := append(append([]byte{}, selViewAccount...), common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32)...)
	out, err := o.call(ctx, o.hub, data)
	if err != nil {
		return Account{}, fmt.Errorf("viewAccount: %w", err)
	}
	if len(out) < 64 {
		return Account{}, fmt.Errorf("viewAccount: short return (%d bytes)", len(out))
	}
	return Account{
		Stake:  decimal.NewFromBigInt(new(big.Int).SetBytes(out[:32]), 0),
		Locked: decimal.NewFromBigInt(new(big.Int).SetBytes(out[32:64]), 0),
	}, nil
}

func (o *RPCOracle) IsWhitelisted(ctx context.Context, address string) (bool, error) {
	data := append(append([]byte{}, selIsKYC...), common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32)...)
	out, err := o.call(ctx, o.erlc, data)
	if err != nil {
		return false, fmt.Errorf("isKYC: %w", err)
	}
	if len(out) < 32 {
		return false, fmt.Errorf("isKYC: short return (%d bytes)", len(out))
	}
	return out[31] != 0, nil
}

func (o *RPCOracle) OwnerOf(ctx context.Context, resource string) (string, error) {
	out, err := o.call(ctx, common.HexToAddress(resource), append([]byte{}, selOwner...))
	if err != nil {
		return "", fmt.Errorf("owner: %w", err)
	}
	if len(out) < 32 {
		return "", fmt.Errorf("owner: short return (%d bytes)", len(out))
	}
	return common.BytesToAddress(out[12:32]).Hex(), nil
}

// Close releases the underlying RPC connection.
func (o *RPCOracle) Close() { o.client.Close() }
