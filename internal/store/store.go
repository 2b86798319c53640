// Package store is the system of record for published orders and the
// read-only deal and category projections. It is backed by gorm; postgres
// in production, sqlite in tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/model"
)

// Store wraps the database handle. All mutations on publication records go
// through Insert and Transition; orders themselves are never updated.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New migrates the schema and returns a ready store.
func New(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if err := db.AutoMigrate(&orderRow{}, &model.Deal{}, &model.Category{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// orderRow flattens a PublishedOrder of any kind into one table so that
// every filter and sort the query engine needs is a plain column. Columns
// that do not apply to a kind stay at their zero value.
//
// Terminal records are kept for audit, so one (chain_id, order_hash) can
// accumulate several rows over time; the partial unique index caps it at
// one open row, which is what the lifecycle invariant is about.
type orderRow struct {
	ID                   uint64          `gorm:"primaryKey"`
	ChainID              int64           `gorm:"index:idx_orders_chain_hash,priority:1;index:idx_orders_open_hash,unique,where:status = 'open',priority:1"`
	OrderHash            string          `gorm:"size:66;index:idx_orders_chain_hash,priority:2;index:idx_orders_open_hash,unique,where:status = 'open',priority:2"`
	Kind                 model.OrderKind `gorm:"size:16;index:idx_kind_status_resource"`
	Status               model.Status    `gorm:"size:8;index:idx_kind_status_resource"`
	Signer               string          `gorm:"size:42;index"`
	Remaining            int64
	PublicationTimestamp time.Time

	// Resource is the order's own pointer: app, dataset or workerpool
	// address for ask orders, requester address for request orders.
	Resource string `gorm:"size:42;index:idx_kind_status_resource"`
	// Price is the sort key: the ask price, or workerpoolmaxprice for
	// request orders.
	Price  int64 `gorm:"index"`
	Volume int64
	Tag    model.Tag `gorm:"size:66"`

	Category int64
	Trust    int64

	AppRestrict        string `gorm:"size:42"`
	DatasetRestrict    string `gorm:"size:42"`
	WorkerpoolRestrict string `gorm:"size:42"`
	RequesterRestrict  string `gorm:"size:42"`

	// Request order pointers and payment bounds.
	App                string `gorm:"size:42;index"`
	AppMaxPrice        int64
	Dataset            string `gorm:"size:42;index"`
	DatasetMaxPrice    int64
	Workerpool         string `gorm:"size:42;index"`
	WorkerpoolMaxPrice int64
	Requester          string `gorm:"size:42;index"`
	Beneficiary        string `gorm:"size:42"`
	Callback           string `gorm:"size:42"`
	Params             string

	Salt string `gorm:"size:66"`
	Sign string
}

func (orderRow) TableName() string { return "orders" }

func rowFrom(p *model.PublishedOrder) *orderRow {
	row := &orderRow{
		ChainID:              p.ChainID,
		OrderHash:            p.OrderHash,
		Kind:                 p.Order.Kind(),
		Status:               p.Status,
		Signer:               p.Signer,
		Remaining:            p.Remaining,
		PublicationTimestamp: p.PublicationTimestamp,
		Resource:             p.Order.Resource(),
		Price:                p.Order.Price(),
		Volume:               p.Order.OrderVolume(),
		Tag:                  p.Order.OrderTag(),
		Salt:                 p.Order.OrderSalt(),
		Sign:                 p.Order.OrderSign(),
	}
	switch o := p.Order.(type) {
	case *model.AppOrder:
		row.DatasetRestrict = o.DatasetRestrict
		row.WorkerpoolRestrict = o.WorkerpoolRestrict
		row.RequesterRestrict = o.RequesterRestrict
	case *model.DatasetOrder:
		row.AppRestrict = o.AppRestrict
		row.WorkerpoolRestrict = o.WorkerpoolRestrict
		row.RequesterRestrict = o.RequesterRestrict
	case *model.WorkerpoolOrder:
		row.Category = o.Category
		row.Trust = o.Trust
		row.AppRestrict = o.AppRestrict
		row.DatasetRestrict = o.DatasetRestrict
		row.RequesterRestrict = o.RequesterRestrict
	case *model.RequestOrder:
		row.App = o.App
		row.AppMaxPrice = o.AppMaxPrice
		row.Dataset = o.Dataset
		row.DatasetMaxPrice = o.DatasetMaxPrice
		row.Workerpool = o.Workerpool
		row.WorkerpoolMaxPrice = o.WorkerpoolMaxPrice
		row.Requester = o.Requester
		row.Category = o.Category
		row.Trust = o.Trust
		row.Beneficiary = o.Beneficiary
		row.Callback = o.Callback
		row.Params = o.Params
	}
	return row
}

func (row *orderRow) published() *model.PublishedOrder {
	var order model.Order
	switch row.Kind {
	case model.KindApp:
		order = &model.AppOrder{
			App:                row.Resource,
			AppPrice:           row.Price,
			Volume:             row.Volume,
			Tag:                row.Tag,
			DatasetRestrict:    row.DatasetRestrict,
			WorkerpoolRestrict: row.WorkerpoolRestrict,
			RequesterRestrict:  row.RequesterRestrict,
			Salt:               row.Salt,
			Sign:               row.Sign,
		}
	case model.KindDataset:
		order = &model.DatasetOrder{
			Dataset:            row.Resource,
			DatasetPrice:       row.Price,
			Volume:             row.Volume,
			Tag:                row.Tag,
			AppRestrict:        row.AppRestrict,
			WorkerpoolRestrict: row.WorkerpoolRestrict,
			RequesterRestrict:  row.RequesterRestrict,
			Salt:               row.Salt,
			Sign:               row.Sign,
		}
	case model.KindWorkerpool:
		order = &model.WorkerpoolOrder{
			Workerpool:        row.Resource,
			WorkerpoolPrice:   row.Price,
			Volume:            row.Volume,
			Tag:               row.Tag,
			Category:          row.Category,
			Trust:             row.Trust,
			AppRestrict:       row.AppRestrict,
			DatasetRestrict:   row.DatasetRestrict,
			RequesterRestrict: row.RequesterRestrict,
			Salt:              row.Salt,
			Sign:              row.Sign,
		}
	case model.KindRequest:
		order = &model.RequestOrder{
			App:                row.App,
			AppMaxPrice:        row.AppMaxPrice,
			Dataset:            row.Dataset,
			DatasetMaxPrice:    row.DatasetMaxPrice,
			Workerpool:         row.Workerpool,
			WorkerpoolMaxPrice: row.WorkerpoolMaxPrice,
			Requester:          row.Requester,
			Volume:             row.Volume,
			Tag:                row.Tag,
			Category:           row.Category,
			Trust:              row.Trust,
			Beneficiary:        row.Beneficiary,
			Callback:           row.Callback,
			Params:             row.Params,
			Salt:               row.Salt,
			Sign:               row.Sign,
		}
	}
	return &model.PublishedOrder{
		OrderHash:            row.OrderHash,
		ChainID:              row.ChainID,
		Signer:               row.Signer,
		Status:               row.Status,
		Remaining:            row.Remaining,
		PublicationTimestamp: row.PublicationTimestamp,
		Order:                order,
	}
}

// ErrDuplicateOpen reports a lost race between two publications of the
// same order: another open row already holds the hash.
var ErrDuplicateOpen = errors.New("open publication already exists")

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// Insert persists a freshly published order.
func (s *Store) Insert(ctx context.Context, p *model.PublishedOrder) error {
	if err := s.db.WithContext(ctx).Create(rowFrom(p)).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("insert order %s: %w", p.OrderHash, ErrDuplicateOpen)
		}
		return fmt.Errorf("insert order %s: %w", p.OrderHash, err)
	}
	return nil
}

// Get returns the published order with the given hash regardless of its
// status, or nil when it was never published on this chain. When the hash
// was re-published after a terminal record, the newest record wins.
func (s *Store) Get(ctx context.Context, chainID int64, kind model.OrderKind, orderHash string) (*model.PublishedOrder, error) {
	var row orderRow
	err := s.db.WithContext(ctx).
		Where("chain_id = ? AND order_hash = ? AND kind = ?", chainID, orderHash, kind).
		Order("id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderHash, err)
	}
	return row.published(), nil
}

// HasOpen reports whether an open publication exists for the hash.
func (s *Store) HasOpen(ctx context.Context, chainID int64, orderHash string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&orderRow{}).
		Where("chain_id = ? AND order_hash = ? AND status = ?", chainID, orderHash, model.StatusOpen).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count open %s: %w", orderHash, err)
	}
	return count > 0, nil
}

// Transition applies a conditional status update and reports whether this
// caller won it. Two racing transitions on the same order get exactly one
// winner.
func (s *Store) Transition(ctx context.Context, chainID int64, orderHash string, from, to model.Status) (bool, error) {
	res := s.db.WithContext(ctx).Model(&orderRow{}).
		Where("chain_id = ? AND order_hash = ? AND status = ?", chainID, orderHash, from).
		Update("status", to)
	if res.Error != nil {
		return false, fmt.Errorf("transition %s %s->%s: %w", orderHash, from, to, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// SetRemaining records a fresher on-chain remaining volume. Only open
// orders are touched; the value is advisory, the chain stays authoritative.
func (s *Store) SetRemaining(ctx context.Context, chainID int64, orderHash string, remaining int64) error {
	err := s.db.WithContext(ctx).Model(&orderRow{}).
		Where("chain_id = ? AND order_hash = ? AND status = ?", chainID, orderHash, model.StatusOpen).
		Update("remaining", remaining).Error
	if err != nil {
		return fmt.Errorf("set remaining %s: %w", orderHash, err)
	}
	return nil
}

// OpenBySigner returns the caller's open orders of a kind for a resource,
// most recently published first.
func (s *Store) OpenBySigner(ctx context.Context, chainID int64, kind model.OrderKind, resource, signer string) ([]*model.PublishedOrder, error) {
	var rows []orderRow
	err := s.db.WithContext(ctx).
		Where("chain_id = ? AND kind = ? AND status = ? AND resource = ? AND signer = ?",
			chainID, kind, model.StatusOpen, resource, signer).
		Order("publication_timestamp DESC, order_hash ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("open orders by signer: %w", err)
	}
	return publishedAll(rows), nil
}

// OpenAsks returns every open ask order of a kind for a resource.
func (s *Store) OpenAsks(ctx context.Context, chainID int64, kind model.OrderKind, resource string) ([]*model.PublishedOrder, error) {
	var rows []orderRow
	err := s.db.WithContext(ctx).
		Where("chain_id = ? AND kind = ? AND status = ? AND resource = ?",
			chainID, kind, model.StatusOpen, resource).
		Order("price ASC, publication_timestamp ASC, order_hash ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("open asks: %w", err)
	}
	return publishedAll(rows), nil
}

// OpenRequestsReferencing returns the open request orders whose pointer of
// the given kind equals the resource address. This is the cascade
// candidate snapshot.
func (s *Store) OpenRequestsReferencing(ctx context.Context, chainID int64, kind model.OrderKind, resource string) ([]*model.PublishedOrder, error) {
	var column string
	switch kind {
	case model.KindApp:
		column = "app"
	case model.KindDataset:
		column = "dataset"
	case model.KindWorkerpool:
		column = "workerpool"
	default:
		return nil, nil
	}
	var rows []orderRow
	err := s.db.WithContext(ctx).
		Where(fmt.Sprintf("chain_id = ? AND kind = ? AND status = ? AND %s = ?", column),
			chainID, model.KindRequest, model.StatusOpen, resource).
		Order("publication_timestamp ASC, order_hash ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("open requests referencing %s: %w", resource, err)
	}
	return publishedAll(rows), nil
}

func publishedAll(rows []orderRow) []*model.PublishedOrder {
	out := make([]*model.PublishedOrder, len(rows))
	for i := range rows {
		out[i] = rows[i].published()
	}
	return out
}
