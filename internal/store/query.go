package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/model"
)

// LegacyPageSize is the fixed page size of cursor-mode pagination.
const LegacyPageSize = 20

// AddressFilter is a restrict-style filter: unset keeps public orders
// only, "any" disables the check, an address keeps public orders plus the
// ones restricted to it, and Strict demands the exact restrict match.
type AddressFilter struct {
	Value  string
	Strict bool
}

func (f AddressFilter) isSet() bool { return f.Value != "" }

// PageQuery selects one of the two pagination modes.
type PageQuery struct {
	// Index/Size drive index mode. Legacy selects cursor mode instead,
	// with Cursor holding the decoded offset.
	Index  int
	Size   int
	Legacy bool
	Cursor int
}

// ListQuery describes one orderbook list call. Which filters apply
// depends on the kind; the market layer only fills the meaningful ones.
type ListQuery struct {
	ChainID int64
	Kind    model.OrderKind

	// Resource/Owner is the resource selector on ask orders.
	Resource string
	Owner    string

	// Restrict-style filters mapped onto the kind's restrict columns,
	// or the request order's dependency pointers.
	App        AddressFilter
	Dataset    AddressFilter
	Workerpool AddressFilter
	Requester  AddressFilter

	Beneficiary string

	MinVolume int64
	Category  *int64
	MinTrust  int64
	MaxTrust  *int64
	MinTag    *model.Tag
	MaxTag    *model.Tag

	Page PageQuery
}

// ListResult carries one page plus the total match count. Count is
// invariant across pages of the same query.
type ListResult struct {
	Count    int64
	Orders   []*model.PublishedOrder
	NextPage string
}

// EncodeCursor builds the opaque legacy-mode cursor for an offset.
func EncodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte("o:" + strconv.Itoa(offset)))
}

// DecodeCursor parses a legacy-mode cursor back into an offset.
func DecodeCursor(cursor string) (int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || !strings.HasPrefix(string(raw), "o:") {
		return 0, fmt.Errorf("invalid page cursor")
	}
	offset, err := strconv.Atoi(strings.TrimPrefix(string(raw), "o:"))
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("invalid page cursor")
	}
	return offset, nil
}

// List runs the multi-dimensional filter/sort/paginate query. Everything
// except the tag range test runs in SQL; the 256-bit tag bounds are
// applied on the sorted rows before pagination, so Count stays exact.
func (s *Store) List(ctx context.Context, q ListQuery) (*ListResult, error) {
	tx := s.db.WithContext(ctx).Model(&orderRow{}).
		Where("chain_id = ? AND kind = ? AND status = ?", q.ChainID, q.Kind, model.StatusOpen)

	if q.Resource != "" && q.Resource != model.AnyKeyword {
		tx = tx.Where("resource = ?", q.Resource)
	}
	if q.Owner != "" {
		tx = tx.Where("signer = ?", q.Owner)
	}

	if q.Kind == model.KindRequest {
		// Request order filters address the order's own fields, not
		// restrict columns. The workerpool pointer is itself a
		// restriction (zero accepts any workerpool).
		if q.Requester.isSet() && q.Requester.Value != model.AnyKeyword {
			tx = tx.Where("requester = ?", q.Requester.Value)
		}
		if q.App.isSet() && q.App.Value != model.AnyKeyword {
			tx = tx.Where("app = ?", q.App.Value)
		}
		if q.Dataset.isSet() && q.Dataset.Value != model.AnyKeyword {
			tx = tx.Where("dataset = ?", q.Dataset.Value)
		}
		tx = restrictWhere(tx, "workerpool", q.Workerpool)
		if q.Beneficiary != "" {
			tx = tx.Where("beneficiary = ?", q.Beneficiary)
		}
		if q.MaxTrust != nil {
			tx = tx.Where("trust <= ?", *q.MaxTrust)
		}
	} else {
		// Each kind carries three restrict columns; its own pointer is
		// the resource, never a restrict.
		if q.Kind != model.KindApp {
			tx = restrictWhere(tx, "app_restrict", q.App)
		}
		if q.Kind != model.KindDataset {
			tx = restrictWhere(tx, "dataset_restrict", q.Dataset)
		}
		if q.Kind != model.KindWorkerpool {
			tx = restrictWhere(tx, "workerpool_restrict", q.Workerpool)
		}
		tx = restrictWhere(tx, "requester_restrict", q.Requester)
		if q.MinTrust > 0 {
			tx = tx.Where("trust >= ?", q.MinTrust)
		}
	}

	if q.MinVolume > 0 {
		tx = tx.Where("remaining >= ?", q.MinVolume)
	}
	if q.Category != nil {
		tx = tx.Where("category = ?", *q.Category)
	}

	if q.Kind == model.KindRequest {
		tx = tx.Order("price DESC, publication_timestamp ASC, order_hash ASC")
	} else {
		tx = tx.Order("price ASC, publication_timestamp ASC, order_hash ASC")
	}

	var rows []orderRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list %s: %w", q.Kind, err)
	}

	matched := rows[:0:0]
	for _, row := range rows {
		if q.MinTag != nil && !row.Tag.Covers(*q.MinTag) {
			continue
		}
		if q.MaxTag != nil && !row.Tag.Within(*q.MaxTag) {
			continue
		}
		matched = append(matched, row)
	}

	result := &ListResult{Count: int64(len(matched))}
	if q.Page.Legacy {
		start := q.Page.Cursor
		if start > len(matched) {
			start = len(matched)
		}
		end := start + LegacyPageSize
		if end > len(matched) {
			end = len(matched)
		}
		result.Orders = publishedAll(matched[start:end])
		if end < len(matched) {
			result.NextPage = EncodeCursor(end)
		}
		return result, nil
	}

	start := q.Page.Index * q.Page.Size
	if start > len(matched) {
		start = len(matched)
	}
	end := start + q.Page.Size
	if end > len(matched) {
		end = len(matched)
	}
	result.Orders = publishedAll(matched[start:end])
	return result, nil
}

// restrictWhere applies the restrict-field semantics on a column: no
// filter keeps public orders only, "any" disables the check, an address
// keeps public orders plus the ones restricted to it, strict keeps the
// exact match only.
func restrictWhere(tx *gorm.DB, column string, f AddressFilter) *gorm.DB {
	switch {
	case f.Value == model.AnyKeyword:
		return tx
	case !f.isSet():
		return tx.Where(fmt.Sprintf("%s = ?", column), model.ZeroAddress)
	case f.Strict:
		return tx.Where(fmt.Sprintf("%s = ?", column), f.Value)
	default:
		return tx.Where(fmt.Sprintf("%s IN ?", column), []string{f.Value, model.ZeroAddress})
	}
}
