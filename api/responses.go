package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/pkg/errs"
)

// ok writes a success envelope, merging extra fields next to "ok".
func ok(c *gin.Context, extra gin.H) {
	body := gin.H{"ok": true}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

// fail maps an error onto the taxonomy's status code. Internal errors
// are logged and masked.
func (s *Server) fail(c *gin.Context, err error) {
	status := errs.StatusOf(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		message = "internal error"
	}
	c.JSON(status, gin.H{"ok": false, "error": message})
}
