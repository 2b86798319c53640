package api

import (
	"github.com/gin-gonic/gin"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/pkg/errs"
)

type challengeParams struct {
	ChainID int64  `form:"chainId" validate:"required"`
	Address string `form:"address" validate:"required,eth_addr"`
}

// getChallenge handles GET /challenge?chainId=&address=. The returned
// typed data is what the caller must sign to build an auth token.
func (s *Server) getChallenge(c *gin.Context) {
	var params challengeParams
	if err := c.ShouldBindQuery(&params); err != nil {
		s.fail(c, errs.Validation("chainId must be a number"))
		return
	}
	if err := s.checkStruct(params); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.market.SupportedChain(params.ChainID); err != nil {
		s.fail(c, err)
		return
	}
	challenge, err := s.verifier.NewChallenge(c.Request.Context(), params.ChainID, params.Address)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, gin.H{"data": challenge})
}
