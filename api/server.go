// Package api serves the read-only status surface of the connector: health,
// readiness, tracked orders, balances, trading rules and prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Aidin1998/xtconnector/api/responses"
	"github.com/Aidin1998/xtconnector/internal/connector"
	"github.com/Aidin1998/xtconnector/internal/trading/order"
	"github.com/Aidin1998/xtconnector/internal/trading/rules"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Connector is the part of the connector the API reads from.
type Connector interface {
	StatusDict() map[string]bool
	Ready() bool
	CheckNetwork(ctx context.Context) (connector.NetworkStatus, error)
	LimitOrders() []connector.LimitOrder
	GetOpenOrders(ctx context.Context) ([]connector.OpenOrder, error)
	Balances() map[string]decimal.Decimal
	AvailableBalances() map[string]decimal.Decimal
	TradingRules() []rules.TradingRule
	GetFee(pair string, typ order.Type) (decimal.Decimal, error)
}

// Server represents the API server
type Server struct {
	router    *gin.Engine
	logger    *zap.Logger
	connector Connector
	httpSrv   *http.Server
	started   time.Time
}

// NewServer creates the status API around c.
func NewServer(logger *zap.Logger, c Connector) *Server {
	logger = logger.Named("api")
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	s := &Server{
		router:    router,
		logger:    logger,
		connector: c,
		started:   time.Now(),
	}
	s.registerRoutes()
	return s
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.status)
		v1.GET("/network", s.network)
		v1.GET("/orders", s.orders)
		v1.GET("/orders/open", s.openOrders)
		v1.GET("/balances", s.balances)
		v1.GET("/trading-rules", s.tradingRules)
		v1.GET("/fee", s.fee)
	}
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("Starting API server", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now(),
		"uptime": time.Since(s.started).String(),
	})
}

func (s *Server) status(c *gin.Context) {
	ready := s.connector.Ready()
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"ready":      ready,
		"components": s.connector.StatusDict(),
	})
}

func (s *Server) network(c *gin.Context) {
	status, err := s.connector.CheckNetwork(c.Request.Context())
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"network": status})
}

func (s *Server) orders(c *gin.Context) {
	responses.Success(c, s.connector.LimitOrders())
}

func (s *Server) openOrders(c *gin.Context) {
	open, err := s.connector.GetOpenOrders(c.Request.Context())
	if err != nil {
		s.logger.Warn("Open orders request failed", zap.Error(err))
		responses.Error(c, err)
		return
	}
	if open == nil {
		open = []connector.OpenOrder{}
	}
	responses.Success(c, open)
}

func (s *Server) balances(c *gin.Context) {
	responses.Success(c, gin.H{
		"total":     s.connector.Balances(),
		"available": s.connector.AvailableBalances(),
	})
}

func (s *Server) tradingRules(c *gin.Context) {
	responses.Success(c, s.connector.TradingRules())
}

func (s *Server) fee(c *gin.Context) {
	pair := c.Query("trading_pair")
	if pair == "" {
		responses.BadRequest(c, "trading_pair", "query parameter is required")
		return
	}
	typ := order.Type(c.DefaultQuery("order_type", string(order.TypeLimit)))
	rate, err := s.connector.GetFee(pair, typ)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"trading_pair": pair, "order_type": typ, "fee": rate})
}
