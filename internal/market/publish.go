package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/chain"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/model"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/store"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/pkg/errs"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/pkg/metrics"
)

// Publish runs the admission pipeline on a signed order and, on success,
// persists the open publication and announces it. Checks run in a fixed
// order and the first failure wins.
func (s *Service) Publish(ctx context.Context, chainID int64, token string, order model.Order) (*model.PublishedOrder, error) {
	published, err := s.publish(ctx, chainID, token, order)
	if err != nil {
		metrics.PublishRejected.WithLabelValues(classLabel(err)).Inc()
		return nil, err
	}
	metrics.OrdersPublished.WithLabelValues(string(order.Kind())).Inc()
	return published, nil
}

func (s *Service) publish(ctx context.Context, chainID int64, token string, order model.Order) (*model.PublishedOrder, error) {
	spec, err := s.chainSpec(chainID)
	if err != nil {
		return nil, err
	}

	if err := order.Validate(); err != nil {
		return nil, err
	}

	// The challenge is consumed inside Verify whatever happens next.
	signer, err := s.verifier.Verify(ctx, chainID, token)
	if err != nil {
		return nil, err
	}

	digest, err := chain.OrderDigest(chainID, spec.Hub, order)
	if err != nil {
		return nil, errs.Business("invalid sign")
	}
	recovered, err := chain.RecoverSigner(digest, order.OrderSign())
	if err != nil || recovered != signer {
		return nil, errs.Business("invalid sign")
	}
	orderHash := digest.Hex()

	open, err := s.store.HasOpen(ctx, chainID, orderHash)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, errs.Business("order already published")
	}

	consumed, err := s.oracle(chainID).ViewConsumed(ctx, orderHash)
	if err != nil {
		return nil, fmt.Errorf("check consumption: %w", err)
	}
	remaining := order.OrderVolume() - consumed
	if remaining <= 0 {
		return nil, errs.Business("order already consumed")
	}

	if req, ok := order.(*model.RequestOrder); ok {
		if err := s.checkRequestDependencies(ctx, chainID, req); err != nil {
			return nil, err
		}
	}

	if spec.Enterprise {
		if err := s.checkWhitelist(ctx, chainID, signer, order); err != nil {
			return nil, err
		}
	}

	if err := s.checkStake(ctx, chainID, order); err != nil {
		return nil, err
	}

	published := &model.PublishedOrder{
		OrderHash:            orderHash,
		ChainID:              chainID,
		Signer:               signer,
		Status:               model.StatusOpen,
		Remaining:            remaining,
		PublicationTimestamp: s.now().UTC(),
		Order:                order,
	}
	if err := s.store.Insert(ctx, published); err != nil {
		// A concurrent publish of the same order can slip past the
		// HasOpen check; the unique index settles the race.
		if errors.Is(err, store.ErrDuplicateOpen) {
			return nil, errs.Business("order already published")
		}
		return nil, err
	}

	s.logger.Info("order published",
		zap.String("kind", string(order.Kind())),
		zap.String("orderHash", orderHash),
		zap.Int64("chainId", chainID),
		zap.String("signer", signer))
	s.emitOrderEvent(chainID, order.Kind().PublishedEvent(), published)
	return published, nil
}

// checkRequestDependencies verifies that open ask orders exist which the
// request could actually match: an app order (tee-enabled when the
// request demands it) and, when a dataset is referenced, a dataset order.
func (s *Service) checkRequestDependencies(ctx context.Context, chainID int64, req *model.RequestOrder) error {
	appOrders, err := s.store.OpenAsks(ctx, chainID, model.KindApp, req.App)
	if err != nil {
		return err
	}
	matching := appOrders[:0:0]
	for _, candidate := range appOrders {
		if satisfiesPrice(candidate, req, model.KindApp) && satisfiesRequester(candidate, req) {
			matching = append(matching, candidate)
		}
	}
	if len(matching) == 0 {
		return errs.Business("No apporder published for app %s", req.App)
	}
	if req.Tag.Bit(model.TeeBit) {
		tee := false
		for _, candidate := range matching {
			if candidate.Order.OrderTag().Bit(model.TeeBit) {
				tee = true
				break
			}
		}
		if !tee {
			return errs.Business("No tee enabled apporder published for app %s", req.App)
		}
	}

	if req.Dataset != model.ZeroAddress {
		datasetOrders, err := s.store.OpenAsks(ctx, chainID, model.KindDataset, req.Dataset)
		if err != nil {
			return err
		}
		found := false
		for _, candidate := range datasetOrders {
			if satisfiesPrice(candidate, req, model.KindDataset) && satisfiesRequester(candidate, req) {
				found = true
				break
			}
		}
		if !found {
			return errs.Business("No datasetorder published for dataset %s", req.Dataset)
		}
	}
	return nil
}

// checkWhitelist verifies every actor reachable from the order against
// the enterprise eRLC whitelist, naming the failing role.
func (s *Service) checkWhitelist(ctx context.Context, chainID int64, signer string, order model.Order) error {
	oracle := s.oracle(chainID)

	type actor struct {
		role    string
		address string
	}
	actors := []actor{{"Order signer", signer}}

	ownerRole := func(kind model.OrderKind) string {
		switch kind {
		case model.KindApp:
			return "App owner"
		case model.KindDataset:
			return "Dataset owner"
		default:
			return "Workerpool owner"
		}
	}

	addOwner := func(kind model.OrderKind, resource string) error {
		if resource == model.ZeroAddress {
			return nil
		}
		owner, err := oracle.OwnerOf(ctx, resource)
		if err != nil {
			return fmt.Errorf("resolve %s owner: %w", kind.ResourceName(), err)
		}
		actors = append(actors, actor{ownerRole(kind), owner})
		return nil
	}

	switch o := order.(type) {
	case *model.AppOrder:
		if err := addOwner(model.KindApp, o.App); err != nil {
			return err
		}
		if o.RequesterRestrict != model.ZeroAddress {
			actors = append(actors, actor{"Requester", o.RequesterRestrict})
		}
	case *model.DatasetOrder:
		if err := addOwner(model.KindDataset, o.Dataset); err != nil {
			return err
		}
		if o.RequesterRestrict != model.ZeroAddress {
			actors = append(actors, actor{"Requester", o.RequesterRestrict})
		}
	case *model.WorkerpoolOrder:
		if err := addOwner(model.KindWorkerpool, o.Workerpool); err != nil {
			return err
		}
		if o.RequesterRestrict != model.ZeroAddress {
			actors = append(actors, actor{"Requester", o.RequesterRestrict})
		}
	case *model.RequestOrder:
		actors = append(actors, actor{"Requester", o.Requester})
		if err := addOwner(model.KindApp, o.App); err != nil {
			return err
		}
		if err := addOwner(model.KindDataset, o.Dataset); err != nil {
			return err
		}
		if err := addOwner(model.KindWorkerpool, o.Workerpool); err != nil {
			return err
		}
	}

	for _, a := range actors {
		ok, err := oracle.IsWhitelisted(ctx, a.address)
		if err != nil {
			return fmt.Errorf("check whitelist for %s: %w", a.address, err)
		}
		if !ok {
			return errs.Business("%s %s is not authorized by eRLC", a.role, a.address)
		}
	}
	return nil
}

// checkStake mirrors the on-chain escrow guarantees: the workerpool owner
// must cover the scheduling lock, the requester the full payment.
func (s *Service) checkStake(ctx context.Context, chainID int64, order model.Order) error {
	oracle := s.oracle(chainID)
	switch o := order.(type) {
	case *model.WorkerpoolOrder:
		owner, err := oracle.OwnerOf(ctx, o.Workerpool)
		if err != nil {
			return fmt.Errorf("resolve workerpool owner: %w", err)
		}
		account, err := oracle.ViewAccount(ctx, owner)
		if err != nil {
			return fmt.Errorf("view workerpool owner account: %w", err)
		}
		lock := decimal.NewFromInt(o.WorkerpoolPrice).
			Mul(decimal.NewFromInt(o.Volume)).
			Mul(workerpoolStakeRatio)
		if account.Stake.LessThan(lock) {
			return errs.Business("workerpool owner's stake is too low to cover required workerpool lock")
		}
	case *model.RequestOrder:
		account, err := oracle.ViewAccount(ctx, o.Requester)
		if err != nil {
			return fmt.Errorf("view requester account: %w", err)
		}
		cost := decimal.NewFromInt(o.AppMaxPrice + o.DatasetMaxPrice + o.WorkerpoolMaxPrice).
			Mul(decimal.NewFromInt(o.Volume))
		if account.Stake.LessThan(cost) {
			return errs.Business("requester stake is too low to cover requestorder payment, minimum stake required is %s", cost.String())
		}
	}
	return nil
}

// satisfiesPrice reports whether the ask order's price fits under the
// request's max price for the ask's kind.
func satisfiesPrice(ask *model.PublishedOrder, req *model.RequestOrder, kind model.OrderKind) bool {
	switch kind {
	case model.KindApp:
		return ask.Order.Price() <= req.AppMaxPrice
	case model.KindDataset:
		return ask.Order.Price() <= req.DatasetMaxPrice
	case model.KindWorkerpool:
		return ask.Order.Price() <= req.WorkerpoolMaxPrice
	}
	return false
}

// satisfiesRequester reports whether the ask order is consumable by the
// request's requester: public, or privately restricted to them.
func satisfiesRequester(ask *model.PublishedOrder, req *model.RequestOrder) bool {
	var restrict string
	switch o := ask.Order.(type) {
	case *model.AppOrder:
		restrict = o.RequesterRestrict
	case *model.DatasetOrder:
		restrict = o.RequesterRestrict
	case *model.WorkerpoolOrder:
		restrict = o.RequesterRestrict
	default:
		return false
	}
	return restrict == model.ZeroAddress || restrict == req.Requester
}

func classLabel(err error) string {
	switch errs.ClassOf(err) {
	case errs.ClassValidation:
		return "validation"
	case errs.ClassAuth:
		return "auth"
	case errs.ClassBusiness:
		return "business"
	case errs.ClassNotFound:
		return "not_found"
	default:
		return "internal"
	}
}
