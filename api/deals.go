package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/market"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/model"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/store"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/pkg/errs"
)

// addressFilter checksums an optional address filter, keeping unset empty.
func addressFilter(raw string) string {
	if raw == "" {
		return ""
	}
	return model.NormalizeAddress(raw)
}

// dealFilters is the filterable part of the deal book's query string.
type dealFilters struct {
	Requester   string `form:"requester" validate:"omitempty,eth_addr"`
	Beneficiary string `form:"beneficiary" validate:"omitempty,eth_addr"`
	App         string `form:"app" validate:"omitempty,eth_addr"`
	Dataset     string `form:"dataset" validate:"omitempty,eth_addr"`
	Workerpool  string `form:"workerpool" validate:"omitempty,eth_addr"`
}

// listDeals serves the read-only deal projection written by the chain
// watcher.
func (s *Server) listDeals(c *gin.Context) {
	var filters dealFilters
	if err := c.ShouldBindQuery(&filters); err != nil {
		s.fail(c, errs.Validation("invalid query"))
		return
	}
	if err := s.checkStruct(filters); err != nil {
		s.fail(c, err)
		return
	}
	q := store.DealQuery{
		ChainID:     chainID(c),
		Requester:   addressFilter(filters.Requester),
		Beneficiary: addressFilter(filters.Beneficiary),
		App:         addressFilter(filters.App),
		Dataset:     addressFilter(filters.Dataset),
		Workerpool:  addressFilter(filters.Workerpool),
	}
	category, err := queryInt64Ptr(c, "category")
	if err != nil {
		s.fail(c, err)
		return
	}
	q.Category = category

	params := market.ListParams{ChainID: q.ChainID}
	if params.PageIndex, err = queryInt(c, "pageIndex"); err != nil {
		s.fail(c, err)
		return
	}
	if params.PageSize, err = queryInt(c, "pageSize"); err != nil {
		s.fail(c, err)
		return
	}
	params.PageCursor = c.Query("page")

	result, err := s.market.ListDeals(c.Request.Context(), q, params)
	if err != nil {
		s.fail(c, err)
		return
	}
	body := gin.H{"count": result.Count, "deals": result.Deals}
	if result.NextPage != "" {
		body["nextPage"] = result.NextPage
	}
	ok(c, body)
}

func (s *Server) getDeal(c *gin.Context) {
	deal, err := s.market.GetDeal(c.Request.Context(), chainID(c), c.Param("dealid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, gin.H{"deal": deal})
}

func (s *Server) getCategory(c *gin.Context) {
	catID, err := strconv.ParseInt(c.Param("catid"), 10, 64)
	if err != nil {
		s.fail(c, errs.Validation("catid must be a number"))
		return
	}
	category, err := s.market.GetCategory(c.Request.Context(), chainID(c), catID)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, gin.H{"category": category})
}
