package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/market"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/model"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/pkg/errs"
)

// publishOrder handles POST /{kind}s. The signed order rides in the body
// under "order", the auth token in the Authorization header.
func (s *Server) publishOrder(kind model.OrderKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		order := newOrder(kind)
		body := struct {
			Order interface{} `json:"order"`
		}{Order: order}
		if err := c.ShouldBindJSON(&body); err != nil {
			s.fail(c, errs.Validation("invalid request body"))
			return
		}
		published, err := s.market.Publish(c.Request.Context(), chainID(c), c.GetHeader("Authorization"), order)
		if err != nil {
			s.fail(c, err)
			return
		}
		ok(c, gin.H{"published": published})
	}
}

// unpublishRequest selects the orders a PUT /{kind}s call addresses.
type unpublishRequest struct {
	OrderHash  string `json:"orderHash" validate:"omitempty,len=66,hexadecimal"`
	Target     string `json:"target" validate:"omitempty,oneof=last all"`
	App        string `json:"app" validate:"omitempty,eth_addr"`
	Dataset    string `json:"dataset" validate:"omitempty,eth_addr"`
	Workerpool string `json:"workerpool" validate:"omitempty,eth_addr"`
	Requester  string `json:"requester" validate:"omitempty,eth_addr"`
}

func (r unpublishRequest) resource(kind model.OrderKind) string {
	switch kind {
	case model.KindApp:
		return r.App
	case model.KindDataset:
		return r.Dataset
	case model.KindWorkerpool:
		return r.Workerpool
	default:
		return r.Requester
	}
}

func (s *Server) unpublishOrder(kind model.OrderKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body unpublishRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			s.fail(c, errs.Validation("invalid request body"))
			return
		}
		if err := s.checkStruct(body); err != nil {
			s.fail(c, err)
			return
		}
		sel := market.UnpublishSelector{
			OrderHash: body.OrderHash,
			Target:    body.Target,
			Resource:  body.resource(kind),
		}
		if sel.OrderHash == "" {
			if sel.Target == "" {
				s.fail(c, errs.Validation("orderHash or target is required"))
				return
			}
			if sel.Resource == "" {
				s.fail(c, errs.Validation("%s is a required field", kind.ResourceName()))
				return
			}
		}
		unpublished, err := s.market.Unpublish(c.Request.Context(), chainID(c), c.GetHeader("Authorization"), kind, sel)
		if err != nil {
			s.fail(c, err)
			return
		}
		ok(c, gin.H{"unpublished": unpublished})
	}
}

func (s *Server) listOrders(kind model.OrderKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		params, err := listParams(c, kind)
		if err != nil {
			s.fail(c, err)
			return
		}
		result, err := s.market.List(c.Request.Context(), params)
		if err != nil {
			s.fail(c, err)
			return
		}
		body := gin.H{"count": result.Count, "orders": result.Orders}
		if result.NextPage != "" {
			body["nextPage"] = result.NextPage
		}
		ok(c, body)
	}
}

func (s *Server) getOrder(kind model.OrderKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		published, err := s.market.Get(ctx, chainID(c), kind, c.Param("orderHash"))
		if err != nil {
			s.fail(c, err)
			return
		}
		// Reconcile against on-chain consumption before serving; a fill
		// noticed here transitions and cascades like any other.
		if published.Status == model.StatusOpen {
			s.market.RefreshConsumption(ctx, published)
			if published, err = s.market.Get(ctx, chainID(c), kind, c.Param("orderHash")); err != nil {
				s.fail(c, err)
				return
			}
		}
		ok(c, gin.H{"order": published})
	}
}

// listParams reads the query string into the kind's meaningful filters.
func listParams(c *gin.Context, kind model.OrderKind) (market.ListParams, error) {
	name := kind.ResourceName()
	p := market.ListParams{
		ChainID:  chainID(c),
		Kind:     kind,
		Resource: c.Query(name),
	}
	if kind != model.KindRequest {
		p.Owner = c.Query(name + "Owner")
	}

	var err error
	if p.MinVolume, err = queryInt64(c, "minVolume"); err != nil {
		return p, err
	}
	if p.MinTag, err = queryTag(c, "minTag"); err != nil {
		return p, err
	}
	if p.MaxTag, err = queryTag(c, "maxTag"); err != nil {
		return p, err
	}
	if p.PageIndex, err = queryInt(c, "pageIndex"); err != nil {
		return p, err
	}
	if p.PageSize, err = queryInt(c, "pageSize"); err != nil {
		return p, err
	}
	p.PageCursor = c.Query("page")

	// Restrict filters: only the columns the kind actually carries.
	switch kind {
	case model.KindApp:
		p.Dataset = c.Query("dataset")
		p.Workerpool = c.Query("workerpool")
		p.Requester = c.Query("requester")
	case model.KindDataset:
		p.App = c.Query("app")
		p.Workerpool = c.Query("workerpool")
		p.Requester = c.Query("requester")
	case model.KindWorkerpool:
		p.App = c.Query("app")
		p.Dataset = c.Query("dataset")
		p.Requester = c.Query("requester")
	case model.KindRequest:
		p.App = c.Query("app")
		p.Dataset = c.Query("dataset")
		p.Workerpool = c.Query("workerpool")
		p.Beneficiary = c.Query("beneficiary")
	}
	p.AppStrict = queryBool(c, "isAppStrict")
	p.DatasetStrict = queryBool(c, "isDatasetStrict")
	p.WorkerpoolStrict = queryBool(c, "isWorkerpoolStrict")
	p.RequesterStrict = queryBool(c, "isRequesterStrict")

	if kind == model.KindWorkerpool || kind == model.KindRequest {
		if p.Category, err = queryInt64Ptr(c, "category"); err != nil {
			return p, err
		}
		if p.MinTrust, err = queryInt64(c, "minTrust"); err != nil {
			return p, err
		}
		if p.MaxTrust, err = queryInt64Ptr(c, "maxTrust"); err != nil {
			return p, err
		}
	}
	return p, nil
}

func newOrder(kind model.OrderKind) model.Order {
	switch kind {
	case model.KindApp:
		return &model.AppOrder{}
	case model.KindDataset:
		return &model.DatasetOrder{}
	case model.KindWorkerpool:
		return &model.WorkerpoolOrder{}
	default:
		return &model.RequestOrder{}
	}
}

func chainID(c *gin.Context) int64 {
	id, _ := strconv.ParseInt(c.Query("chainId"), 10, 64)
	return id
}

func queryInt64(c *gin.Context, name string) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errs.Validation("%s must be a number", name)
	}
	return v, nil
}

func queryInt64Ptr(c *gin.Context, name string) (*int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, errs.Validation("%s must be a number", name)
	}
	return &v, nil
}

func queryInt(c *gin.Context, name string) (*int, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, errs.Validation("%s must be a number", name)
	}
	return &v, nil
}

func queryBool(c *gin.Context, name string) bool {
	return c.Query(name) == "true"
}

func queryTag(c *gin.Context, name string) (*model.Tag, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	tag, err := model.ParseTag(raw)
	if err != nil {
		return nil, errs.Validation("%s must be a valid tag", name)
	}
	return &tag, nil
}
