package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/model"
)

// DealQuery filters the deal projection. Deals are written by the chain
// watcher; this is a pure read path.
type DealQuery struct {
	ChainID     int64
	Requester   string
	Beneficiary string
	App         string
	Dataset     string
	Workerpool  string
	Category    *int64
	Page        PageQuery
}

// DealResult is one page of deals plus the total match count.
type DealResult struct {
	Count    int64
	Deals    []*model.Deal
	NextPage string
}

// ListDeals filters, sorts and paginates the deal projection, newest
// block first.
func (s *Store) ListDeals(ctx context.Context, q DealQuery) (*DealResult, error) {
	tx := s.db.WithContext(ctx).Model(&model.Deal{}).Where("chain_id = ?", q.ChainID)
	if q.Requester != "" {
		tx = tx.Where("requester = ?", q.Requester)
	}
	if q.Beneficiary != "" {
		tx = tx.Where("beneficiary = ?", q.Beneficiary)
	}
	if q.App != "" {
		tx = tx.Where("app = ?", q.App)
	}
	if q.Dataset != "" {
		tx = tx.Where("dataset = ?", q.Dataset)
	}
	if q.Workerpool != "" {
		tx = tx.Where("workerpool = ?", q.Workerpool)
	}
	if q.Category != nil {
		tx = tx.Where("category = ?", *q.Category)
	}

	var count int64
	if err := tx.Count(&count).Error; err != nil {
		return nil, fmt.Errorf("count deals: %w", err)
	}

	tx = tx.Order("block_number DESC, deal_id ASC")
	size := q.Page.Size
	offset := q.Page.Index * size
	if q.Page.Legacy {
		size = LegacyPageSize
		offset = q.Page.Cursor
	}

	var deals []*model.Deal
	if err := tx.Offset(offset).Limit(size).Find(&deals).Error; err != nil {
		return nil, fmt.Errorf("list deals: %w", err)
	}

	result := &DealResult{Count: count, Deals: deals}
	if q.Page.Legacy && int64(offset+len(deals)) < count {
		result.NextPage = EncodeCursor(offset + len(deals))
	}
	return result, nil
}

// GetDeal returns one deal by id, or nil when absent.
func (s *Store) GetDeal(ctx context.Context, chainID int64, dealID string) (*model.Deal, error) {
	var deal model.Deal
	err := s.db.WithContext(ctx).
		Where("chain_id = ? AND deal_id = ?", chainID, dealID).
		First(&deal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get deal %s: %w", dealID, err)
	}
	return &deal, nil
}

// GetCategory returns one category by id, or nil when absent.
func (s *Store) GetCategory(ctx context.Context, chainID, catID int64) (*model.Category, error) {
	var cat model.Category
	err := s.db.WithContext(ctx).
		Where("chain_id = ? AND cat_id = ?", chainID, catID).
		First(&cat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get category %d: %w", catID, err)
	}
	return &cat, nil
}

// SaveDeal upserts a deal projection. Called by the chain watcher, not by
// the market core.
func (s *Store) SaveDeal(ctx context.Context, deal *model.Deal) error {
	if err := s.db.WithContext(ctx).Save(deal).Error; err != nil {
		return fmt.Errorf("save deal %s: %w", deal.DealID, err)
	}
	return nil
}

// SaveCategory upserts a category projection.
func (s *Store) SaveCategory(ctx context.Context, cat *model.Category) error {
	if err := s.db.WithContext(ctx).Save(cat).Error; err != nil {
		return fmt.Errorf("save category %d: %w", cat.CatID, err)
	}
	return nil
}
