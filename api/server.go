// Package api is the thin HTTP layer over the market core: gin routing,
// request parsing and the {ok, ...} response envelope. All domain rules
// live in internal/market.
package api

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/auth"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/market"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/model"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/ws"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/pkg/errs"
)

// Version is stamped at build time.
var Version = "dev"

// Server is the API server.
type Server struct {
	router   *gin.Engine
	logger   *zap.Logger
	market   *market.Service
	verifier *auth.Verifier
	hub      *ws.Hub
	validate *validator.Validate
}

// NewServer wires routes and middleware around the injected services.
func NewServer(logger *zap.Logger, marketSvc *market.Service, verifier *auth.Verifier, hub *ws.Hub) *Server {
	s := &Server{
		logger:   logger,
		market:   marketSvc,
		verifier: verifier,
		hub:      hub,
		validate: newValidator(),
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	s.router = router
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/version", func(c *gin.Context) {
		ok(c, gin.H{"version": Version})
	})
	s.router.GET("/healthz", func(c *gin.Context) {
		ok(c, nil)
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/challenge", s.getChallenge)
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})

	for _, kind := range model.Kinds {
		kind := kind
		group := s.router.Group("/" + string(kind) + "s")
		group.POST("", s.publishOrder(kind))
		group.PUT("", s.unpublishOrder(kind))
		group.GET("", s.listOrders(kind))
		group.GET("/:orderHash", s.getOrder(kind))
	}

	s.router.GET("/deals", s.listDeals)
	s.router.GET("/deals/:dealid", s.getDeal)
	s.router.GET("/categories/:catid", s.getCategory)
}

// newValidator resolves field names from form and json tags so that
// validation errors read like the wire format.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"form", "json"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return fld.Name
	})
	return v
}

// checkStruct maps the first failed validation to the API's error wording.
func (s *Server) checkStruct(v interface{}) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return errs.Validation("invalid request")
	}
	field := fields[0]
	switch field.Tag() {
	case "required":
		return errs.Validation("%s is a required field", field.Field())
	case "eth_addr":
		return errs.Validation("%s must be a valid ethereum address", field.Field())
	default:
		return errs.Validation("%s is not valid", field.Field())
	}
}

// Start runs the server on addr.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
