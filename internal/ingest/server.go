// Package ingest hosts the HTTP surface the MT5 Expert Advisors talk to.
// The EA side is a polling client: it cannot accept inbound connections,
// so every exchange is a POST from the terminal and commands ride back on
// heartbeat responses. Traffic is split across four listeners so a tick
// flood can never starve the control plane.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"mt5-trading-server/config"
	"mt5-trading-server/internal/commands"
	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/decision"
	"mt5-trading-server/internal/events"
	"mt5-trading-server/internal/metrics"
	"mt5-trading-server/internal/monitor"
	"mt5-trading-server/internal/risk"
	"mt5-trading-server/internal/tickwriter"
	"mt5-trading-server/internal/vault"
)

// Failure codes returned to the EA. The terminal keys its retry and
// re-registration behaviour off these, so they are part of the contract.
const (
	codeAuthFailure       = "AUTH_FAILURE"
	codeValidationFailure = "VALIDATION_FAILURE"
	codeConflictFailure   = "CONFLICT_FAILURE"
	codeInternalFailure   = "INTERNAL_FAILURE"
)

// Servers bundles the four EA-facing listeners:
//
//	control: connect / heartbeat / command_response
//	market:  tick_batch / ohlc_batch
//	trade:   trade_update
//	logs:    log
type Servers struct {
	repo      *database.Repository
	writer    *tickwriter.Writer
	queue     *commands.Service
	monitor   *monitor.Monitor
	optimizer *risk.Optimizer
	vault     *vault.Client
	decisions *decision.Recorder
	bus       *events.Bus
	cfg       *config.Config
	logger    zerolog.Logger

	servers []*http.Server
}

// NewServers wires the ingestion handlers onto their listeners.
func NewServers(
	repo *database.Repository,
	writer *tickwriter.Writer,
	queue *commands.Service,
	mon *monitor.Monitor,
	optimizer *risk.Optimizer,
	vaultClient *vault.Client,
	decisions *decision.Recorder,
	bus *events.Bus,
	cfg *config.Config,
	logger zerolog.Logger,
) *Servers {
	gin.SetMode(gin.ReleaseMode)

	s := &Servers{
		repo:      repo,
		writer:    writer,
		queue:     queue,
		monitor:   mon,
		optimizer: optimizer,
		vault:     vaultClient,
		decisions: decisions,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With().Str("component", "Ingest").Logger(),
	}

	control := s.newEngine("control")
	control.GET("/health", s.handleHealth)
	control.POST("/connect", s.handleConnect)
	control.POST("/heartbeat", s.handleHeartbeat)
	control.POST("/command_response", s.handleCommandResponse)

	marketData := s.newEngine("market")
	marketData.POST("/tick_batch", s.handleTickBatch)
	marketData.POST("/ohlc_batch", s.handleOHLCBatch)

	trade := s.newEngine("trade")
	trade.POST("/trade_update", s.handleTradeUpdate)

	logs := s.newEngine("logs")
	logs.POST("/log", s.handleEALog)

	s.servers = []*http.Server{
		s.listener(cfg.ServerConfig.ControlPort, control),
		s.listener(cfg.ServerConfig.TickPort, marketData),
		s.listener(cfg.ServerConfig.TradePort, trade),
		s.listener(cfg.ServerConfig.LogPort, logs),
	}
	return s
}

// newEngine builds a gin engine with the shared middleware stack.
func (s *Servers) newEngine(listener string) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.rateLimit(listener))
	return engine
}

// rateLimit is advisory: an EA over its budget is logged, never refused.
// Dropping ticks or heartbeats would cost more than the load they add,
// and the terminal has no sensible reaction to a 429 anyway.
func (s *Servers) rateLimit(listener string) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.ServerConfig.RateLimitPerSec), s.cfg.ServerConfig.RateLimitBurst)

	var mu sync.Mutex
	var lastWarn time.Time

	return func(c *gin.Context) {
		if !limiter.Allow() {
			mu.Lock()
			if time.Since(lastWarn) > 5*time.Second {
				lastWarn = time.Now()
				mu.Unlock()
				s.logger.Warn().
					Str("listener", listener).
					Str("remote", c.ClientIP()).
					Msg("Request rate over budget")
			} else {
				mu.Unlock()
			}
		}
		c.Next()
	}
}

func (s *Servers) listener(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.ServerConfig.Host, port),
		Handler:      handler,
		ReadTimeout:  time.Duration(s.cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.ServerConfig.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Start launches all listeners. The returned channel carries fatal
// listener errors; a clean Shutdown produces nothing.
func (s *Servers) Start() <-chan error {
	errs := make(chan error, len(s.servers))
	for _, srv := range s.servers {
		go func(srv *http.Server) {
			s.logger.Info().Str("addr", srv.Addr).Msg("Ingestion listener up")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("listener %s: %w", srv.Addr, err)
			}
		}(srv)
	}
	return errs
}

// Shutdown drains all listeners within the context deadline.
func (s *Servers) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Servers) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.repo.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": "down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// fail sends the error envelope the EA parses.
func fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"status": "error",
		"code":   code,
		"error":  message,
	})
}

// authenticate resolves the calling account from the X-API-Key header or
// the api_key body field. Handlers bind their payload first so the body
// key is available here. connect is the only unauthenticated endpoint;
// it issues the key this check verifies everywhere else.
func (s *Servers) authenticate(c *gin.Context, listener string, accountNumber int64, bodyKey string) (*database.Account, bool) {
	key := c.GetHeader("X-API-Key")
	if key == "" {
		key = bodyKey
	}
	if key == "" {
		metrics.AuthFailures.WithLabelValues(listener).Inc()
		fail(c, http.StatusUnauthorized, codeAuthFailure, "missing api key")
		return nil, false
	}

	acc, err := s.repo.GetAccountByAPIKey(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			metrics.AuthFailures.WithLabelValues(listener).Inc()
			fail(c, http.StatusUnauthorized, codeAuthFailure, "unknown api key")
			return nil, false
		}
		fail(c, http.StatusInternalServerError, codeInternalFailure, "account lookup failed")
		return nil, false
	}

	if accountNumber != 0 && accountNumber != acc.AccountID {
		fail(c, http.StatusConflict, codeConflictFailure,
			fmt.Sprintf("api key belongs to account %d, payload names %d", acc.AccountID, accountNumber))
		return nil, false
	}
	return acc, true
}
