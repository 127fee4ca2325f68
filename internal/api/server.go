// Package api exposes the bot over HTTP: control endpoints, account state,
// and a WebSocket event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"perp-trading-bot/config"
	"perp-trading-bot/internal/auth"
	"perp-trading-bot/internal/database"
	"perp-trading-bot/internal/engine"
	"perp-trading-bot/internal/events"
	"perp-trading-bot/internal/exchange"
	"perp-trading-bot/internal/ledger"
)

// Server is the HTTP API server. Repo and Auth may be nil; the affected
// endpoints degrade rather than fail.
type Server struct {
	cfg        *config.Config
	router     *gin.Engine
	httpServer *http.Server
	engine     *engine.Engine
	ex         exchange.Exchange
	led        *ledger.Ledger
	repo       *database.Repository
	authSvc    *auth.Service
	hub        *Hub
	log        zerolog.Logger
}

// Deps are the server's collaborators.
type Deps struct {
	Cfg    *config.Config
	Engine *engine.Engine
	Ex     exchange.Exchange
	Ledger *ledger.Ledger
	Repo   *database.Repository
	Auth   *auth.Service
	Bus    *events.Bus
	Log    zerolog.Logger
}

func NewServer(d Deps) *Server {
	if d.Cfg.ServerConfig.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     d.Cfg,
		engine:  d.Engine,
		ex:      d.Ex,
		led:     d.Ledger,
		repo:    d.Repo,
		authSvc: d.Auth,
		hub:     NewHub(d.Log),
		log:     d.Log.With().Str("component", "api").Logger(),
	}
	s.hub.AttachBus(d.Bus)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	corsConfig := cors.DefaultConfig()
	if origins := strings.TrimSpace(d.Cfg.ServerConfig.AllowedOrigins); origins != "" {
		corsConfig.AllowOrigins = strings.Split(origins, ",")
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	s.router = router
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/api/auth/login", s.handleLogin)

	protected := s.router.Group("/")
	protected.Use(auth.Middleware(s.authSvc))
	{
		protected.GET("/api/status", s.handleStatus)
		protected.GET("/api/balance", s.handleBalance)
		protected.GET("/api/positions", s.handlePositions)
		protected.GET("/api/orders", s.handleOrders)
		protected.POST("/api/orders", s.handlePlaceOrder)
		protected.DELETE("/api/orders/:symbol/:id", s.handleCancelOrder)
		protected.GET("/api/trades", s.handleTrades)
		protected.GET("/api/equity-curve", s.handleEquityCurve)
		protected.POST("/api/emergency-stop", s.handleEmergencyStop)
		protected.POST("/api/resume", s.handleResume)
		protected.GET("/ws", s.handleWebSocket)
	}
}

// Start runs the hub and the HTTP listener. It blocks until the listener
// exits.
func (s *Server) Start() error {
	go s.hub.Run()

	addr := fmt.Sprintf("%s:%d", s.cfg.ServerConfig.Host, s.cfg.ServerConfig.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info().Str("addr", addr).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	timeout := time.Duration(s.cfg.ServerConfig.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.hub.Close()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
