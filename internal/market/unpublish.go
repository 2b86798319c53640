package market

import (
	"context"

	"go.uber.org/zap"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/model"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/pkg/errs"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/pkg/metrics"
)

// Unpublish selectors.
const (
	TargetLast = "last"
	TargetAll  = "all"
)

// UnpublishSelector picks the open orders an unpublish call addresses:
// either one explicit OrderHash, or Target last|all over the caller's
// open orders for Resource.
type UnpublishSelector struct {
	OrderHash string
	Target    string
	Resource  string
}

// unpublishedPayload is the fan-out payload of an unpublish event.
type unpublishedPayload struct {
	OrderHash string `json:"orderHash"`
}

// Unpublish authenticates the caller, transitions the selected open
// orders to dead and cascades over dependent request orders. It returns
// the hashes actually transitioned, triggering orders first. Transitions
// are independent: a failure on one order does not roll back others.
func (s *Service) Unpublish(ctx context.Context, chainID int64, token string, kind model.OrderKind, sel UnpublishSelector) ([]string, error) {
	if _, err := s.chainSpec(chainID); err != nil {
		return nil, err
	}
	signer, err := s.verifier.Verify(ctx, chainID, token)
	if err != nil {
		return nil, err
	}

	targets, err := s.resolveTargets(ctx, chainID, signer, kind, sel)
	if err != nil {
		return nil, err
	}

	var unpublished []string
	for _, target := range targets {
		won, err := s.store.Transition(ctx, chainID, target.OrderHash, model.StatusOpen, model.StatusDead)
		if err != nil {
			s.logger.Error("unpublish transition failed",
				zap.String("orderHash", target.OrderHash), zap.Error(err))
			continue
		}
		if !won {
			// Lost a race against a concurrent unpublish or fill.
			continue
		}
		metrics.OrdersUnpublished.WithLabelValues(string(kind), "unpublish").Inc()
		s.emitOrderEvent(chainID, kind.UnpublishedEvent(), unpublishedPayload{OrderHash: target.OrderHash})
		unpublished = append(unpublished, target.OrderHash)
		unpublished = append(unpublished, s.cascade(ctx, chainID, target)...)
	}

	if len(unpublished) == 0 && sel.OrderHash != "" {
		return nil, errs.Business("%s with orderHash %s is not published", kind, sel.OrderHash)
	}
	return unpublished, nil
}

func (s *Service) resolveTargets(ctx context.Context, chainID int64, signer string, kind model.OrderKind, sel UnpublishSelector) ([]*model.PublishedOrder, error) {
	if sel.OrderHash != "" {
		published, err := s.store.Get(ctx, chainID, kind, sel.OrderHash)
		if err != nil {
			return nil, err
		}
		if published == nil || published.Status != model.StatusOpen {
			return nil, errs.Business("%s with orderHash %s is not published", kind, sel.OrderHash)
		}
		if published.Signer != signer {
			return nil, errs.Business("only order signer can unpublish an order")
		}
		return []*model.PublishedOrder{published}, nil
	}

	resource := model.NormalizeAddress(sel.Resource)
	open, err := s.store.OpenBySigner(ctx, chainID, kind, resource, signer)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, errs.Business("no open %s published by signer %s for %s %s",
			kind, signer, kind.ResourceName(), resource)
	}
	if sel.Target == TargetLast {
		return open[:1], nil
	}
	return open, nil
}

// cascade re-evaluates every open request order that referenced the dead
// order's resource and kills the ones no longer satisfiable. Single hop:
// dead request orders do not trigger further cascades.
func (s *Service) cascade(ctx context.Context, chainID int64, dead *model.PublishedOrder) []string {
	kind := dead.Order.Kind()
	if kind == model.KindRequest {
		return nil
	}
	resource := dead.Order.Resource()

	requests, err := s.store.OpenRequestsReferencing(ctx, chainID, kind, resource)
	if err != nil {
		s.logger.Error("cascade snapshot failed",
			zap.String("resource", resource), zap.Error(err))
		return nil
	}
	if len(requests) == 0 {
		return nil
	}
	// Snapshot taken after the triggering transition, so the dead order
	// is already excluded and freshly published orders count in favor
	// of the request.
	asks, err := s.store.OpenAsks(ctx, chainID, kind, resource)
	if err != nil {
		s.logger.Error("cascade snapshot failed",
			zap.String("resource", resource), zap.Error(err))
		return nil
	}

	var killed []string
	for _, request := range requests {
		req := request.Order.(*model.RequestOrder)
		if satisfiable(asks, req, kind) {
			continue
		}
		won, err := s.store.Transition(ctx, chainID, request.OrderHash, model.StatusOpen, model.StatusDead)
		if err != nil {
			s.logger.Error("cascade transition failed",
				zap.String("orderHash", request.OrderHash), zap.Error(err))
			continue
		}
		if !won {
			continue
		}
		metrics.OrdersUnpublished.WithLabelValues(string(model.KindRequest), "cascade").Inc()
		s.logger.Info("requestorder killed by cascade",
			zap.String("orderHash", request.OrderHash),
			zap.String("resource", resource),
			zap.Int64("chainId", chainID))
		s.emitOrderEvent(chainID, model.KindRequest.UnpublishedEvent(), unpublishedPayload{OrderHash: request.OrderHash})
		killed = append(killed, request.OrderHash)
	}
	return killed
}

// satisfiable reports whether at least one open ask order still serves
// the request: price within the max price, consumable by the requester,
// and tee-enabled when the request demands it.
func satisfiable(asks []*model.PublishedOrder, req *model.RequestOrder, kind model.OrderKind) bool {
	for _, ask := range asks {
		if !satisfiesPrice(ask, req, kind) || !satisfiesRequester(ask, req) {
			continue
		}
		if kind == model.KindApp && req.Tag.Bit(model.TeeBit) && !ask.Order.OrderTag().Bit(model.TeeBit) {
			continue
		}
		return true
	}
	return false
}

// RefreshConsumption lazily reconciles an open order against the chain:
// it updates remaining and, when the order is fully consumed, transitions
// it to filled and cascades like any other disappearance.
func (s *Service) RefreshConsumption(ctx context.Context, published *model.PublishedOrder) {
	if published.Status != model.StatusOpen {
		return
	}
	consumed, err := s.oracle(published.ChainID).ViewConsumed(ctx, published.OrderHash)
	if err != nil {
		s.logger.Warn("consumption refresh failed",
			zap.String("orderHash", published.OrderHash), zap.Error(err))
		return
	}
	remaining := published.Order.OrderVolume() - consumed
	if remaining > 0 {
		if remaining != published.Remaining {
			if err := s.store.SetRemaining(ctx, published.ChainID, published.OrderHash, remaining); err != nil {
				s.logger.Warn("remaining update failed",
					zap.String("orderHash", published.OrderHash), zap.Error(err))
			}
		}
		return
	}
	won, err := s.store.Transition(ctx, published.ChainID, published.OrderHash, model.StatusOpen, model.StatusFilled)
	if err != nil {
		s.logger.Error("fill transition failed",
			zap.String("orderHash", published.OrderHash), zap.Error(err))
		return
	}
	if !won {
		return
	}
	metrics.OrdersUnpublished.WithLabelValues(string(published.Order.Kind()), "filled").Inc()
	s.cascade(ctx, published.ChainID, published)
}
