// Package dashboard serves the operator surface on its own port: read
// aggregations over platform state, JWT-guarded control endpoints, a
// WebSocket feed of live events, and Prometheus metrics. It never sits
// on the EA ingestion path.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"mt5-trading-server/config"
	"mt5-trading-server/internal/auth"
	"mt5-trading-server/internal/circuit"
	"mt5-trading-server/internal/commands"
	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/decision"
	"mt5-trading-server/internal/events"
)

// Server is the dashboard HTTP server
type Server struct {
	router    *gin.Engine
	http      *http.Server
	repo      *database.Repository
	queue     *commands.Service
	breakers  *circuit.Manager
	decisions *decision.Recorder
	auth      *auth.Manager
	hub       *Hub
	cfg       *config.Config
	logger    zerolog.Logger
	started   time.Time
}

// NewServer wires the dashboard routes. The hub is registered as the
// event broadcaster so every bus publication reaches connected clients.
func NewServer(
	cfg *config.Config,
	repo *database.Repository,
	queue *commands.Service,
	breakers *circuit.Manager,
	decisions *decision.Recorder,
	authMgr *auth.Manager,
	logger zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if origins := strings.TrimSpace(cfg.ServerConfig.AllowedOrigins); origins == "" || origins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(origins, ",")
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:    router,
		repo:      repo,
		queue:     queue,
		breakers:  breakers,
		decisions: decisions,
		auth:      authMgr,
		hub:       NewHub(logger),
		cfg:       cfg,
		logger:    logger.With().Str("component", "Dashboard").Logger(),
		started:   time.Now().UTC(),
	}
	s.setupRoutes()

	events.SetBroadcaster(s.hub.BroadcastEvent)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.ServerConfig.Host, cfg.ServerConfig.DashboardPort),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	{
		api.POST("/auth/login", s.handleLogin)

		// Read surface, open to the local network the dashboard runs on
		api.GET("/status", s.handleStatus)
		api.GET("/accounts", s.handleListAccounts)
		api.GET("/accounts/:id", s.handleGetAccount)
		api.GET("/accounts/:id/trades", s.handleOpenTrades)
		api.GET("/accounts/:id/trades/closed", s.handleClosedTrades)
		api.GET("/accounts/:id/commands", s.handleRecentCommands)
		api.GET("/accounts/:id/symbols", s.handleSymbolConfigs)
		api.GET("/accounts/:id/breaker", s.handleBreakerState)
		api.GET("/accounts/:id/logs", s.handleEALogs)
		api.GET("/accounts/:id/shadow", s.handleShadowPerformance)
		api.GET("/trades", s.handleAllOpenTrades)
		api.GET("/signals", s.handleActiveSignals)
		api.GET("/decisions", s.handleDecisions)
		api.GET("/shadow/open", s.handleOpenShadowTrades)

		// Controls change live trading behavior and require a session
		controls := api.Group("/")
		controls.Use(auth.Middleware(s.auth))
		{
			controls.POST("/accounts/:id/auto-trading", s.handleSetAutoTrading)
			controls.POST("/accounts/:id/close-all", s.handleCloseAll)
			controls.POST("/accounts/:id/breaker/reset", s.handleBreakerReset)
			controls.POST("/symbols/:id/status", s.handleSetSymbolStatus)
		}
	}
}

// Start launches the websocket hub and the listener. The returned
// channel carries at most one fatal listen error.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)

	go s.hub.Run()

	go func() {
		s.logger.Info().Str("addr", s.http.Addr).Msg("Dashboard listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("dashboard listener: %w", err)
		}
	}()

	return errCh
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Dashboard shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.repo.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
