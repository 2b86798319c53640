package market

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/model"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/store"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/pkg/errs"
)

// Pagination bounds of index mode.
const (
	minPageSize     = 10
	maxPageSize     = 1000
	defaultPageSize = 20
)

// ListParams is a kind-agnostic set of orderbook filters. The handlers
// fill only the fields meaningful for the kind being listed.
type ListParams struct {
	ChainID int64
	Kind    model.OrderKind

	Resource string
	Owner    string

	App        string
	Dataset    string
	Workerpool string
	Requester  string

	AppStrict        bool
	DatasetStrict    bool
	WorkerpoolStrict bool
	RequesterStrict  bool

	Beneficiary string

	MinVolume int64
	Category  *int64
	MinTrust  int64
	MaxTrust  *int64
	MinTag    *model.Tag
	MaxTag    *model.Tag

	PageIndex  *int
	PageSize   *int
	PageCursor string
}

// List runs a filtered, sorted, paginated orderbook query. Only open
// orders are returned.
func (s *Service) List(ctx context.Context, p ListParams) (*store.ListResult, error) {
	if _, err := s.chainSpec(p.ChainID); err != nil {
		return nil, err
	}
	if !p.Kind.Valid() {
		return nil, errs.Validation("unknown order kind")
	}

	query := store.ListQuery{
		ChainID:   p.ChainID,
		Kind:      p.Kind,
		MinVolume: p.MinVolume,
		Category:  p.Category,
		MinTrust:  p.MinTrust,
		MaxTrust:  p.MaxTrust,
		MinTag:    p.MinTag,
		MaxTag:    p.MaxTag,
	}

	var err error
	if query.Resource, err = filterAddress(p.Kind.ResourceName(), p.Resource); err != nil {
		return nil, err
	}
	if query.Owner, err = filterAddress("owner", p.Owner); err != nil {
		return nil, err
	}
	if query.App.Value, err = filterAddress("app", p.App); err != nil {
		return nil, err
	}
	if query.Dataset.Value, err = filterAddress("dataset", p.Dataset); err != nil {
		return nil, err
	}
	if query.Workerpool.Value, err = filterAddress("workerpool", p.Workerpool); err != nil {
		return nil, err
	}
	if query.Requester.Value, err = filterAddress("requester", p.Requester); err != nil {
		return nil, err
	}
	if query.Beneficiary, err = filterAddress("beneficiary", p.Beneficiary); err != nil {
		return nil, err
	}
	query.App.Strict = p.AppStrict
	query.Dataset.Strict = p.DatasetStrict
	query.Workerpool.Strict = p.WorkerpoolStrict
	query.Requester.Strict = p.RequesterStrict

	// App and dataset books are scoped per resource; a selector is
	// mandatory there.
	if (p.Kind == model.KindApp || p.Kind == model.KindDataset) && query.Resource == "" && query.Owner == "" {
		name := p.Kind.ResourceName()
		return nil, errs.Validation("%s or %sOwner is required", name, name)
	}

	if query.Page, err = buildPage(p); err != nil {
		return nil, err
	}
	return s.store.List(ctx, query)
}

// Get returns a published order by hash whatever its status.
func (s *Service) Get(ctx context.Context, chainID int64, kind model.OrderKind, orderHash string) (*model.PublishedOrder, error) {
	if _, err := s.chainSpec(chainID); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, errs.Validation("unknown order kind")
	}
	published, err := s.store.Get(ctx, chainID, kind, orderHash)
	if err != nil {
		return nil, err
	}
	if published == nil {
		return nil, errs.NotFound("%s with orderHash %s not found", kind, orderHash)
	}
	return published, nil
}

// ListDeals serves the read-only deal projection.
func (s *Service) ListDeals(ctx context.Context, q store.DealQuery, p ListParams) (*store.DealResult, error) {
	if _, err := s.chainSpec(q.ChainID); err != nil {
		return nil, err
	}
	page, err := buildPage(p)
	if err != nil {
		return nil, err
	}
	q.Page = page
	return s.store.ListDeals(ctx, q)
}

// GetDeal returns one deal projection by id.
func (s *Service) GetDeal(ctx context.Context, chainID int64, dealID string) (*model.Deal, error) {
	if _, err := s.chainSpec(chainID); err != nil {
		return nil, err
	}
	deal, err := s.store.GetDeal(ctx, chainID, dealID)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, errs.NotFound("deal with dealid %s not found", dealID)
	}
	return deal, nil
}

// GetCategory returns one category projection by id.
func (s *Service) GetCategory(ctx context.Context, chainID, catID int64) (*model.Category, error) {
	if _, err := s.chainSpec(chainID); err != nil {
		return nil, err
	}
	cat, err := s.store.GetCategory(ctx, chainID, catID)
	if err != nil {
		return nil, err
	}
	if cat == nil {
		return nil, errs.NotFound("category %d not found", catID)
	}
	return cat, nil
}

func filterAddress(field, value string) (string, error) {
	if value == "" || value == model.AnyKeyword {
		return value, nil
	}
	if !common.IsHexAddress(value) {
		return "", errs.Validation("%s must be a valid ethereum address", field)
	}
	return model.NormalizeAddress(value), nil
}

// buildPage selects index mode when pageIndex or pageSize is given, and
// legacy cursor mode otherwise.
func buildPage(p ListParams) (store.PageQuery, error) {
	if p.PageIndex != nil || p.PageSize != nil {
		page := store.PageQuery{Index: 0, Size: defaultPageSize}
		if p.PageIndex != nil {
			if *p.PageIndex < 0 {
				return store.PageQuery{}, errs.Validation("pageIndex must be greater than or equal to 0")
			}
			page.Index = *p.PageIndex
		}
		if p.PageSize != nil {
			if *p.PageSize < minPageSize || *p.PageSize > maxPageSize {
				return store.PageQuery{}, errs.Validation("pageSize must be between %d and %d", minPageSize, maxPageSize)
			}
			page.Size = *p.PageSize
		}
		return page, nil
	}
	page := store.PageQuery{Legacy: true}
	if p.PageCursor != "" {
		offset, err := store.DecodeCursor(p.PageCursor)
		if err != nil {
			return store.PageQuery{}, errs.Validation("invalid page cursor")
		}
		page.Cursor = offset
	}
	return page, nil
}
