package dashboard

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mt5-trading-server/internal/auth"
	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/decision"
)

// ==================== Auth ====================

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	if err := s.auth.CheckCredentials(req.Username, req.Password); err != nil {
		s.logger.Warn().Str("user", req.Username).Str("ip", c.ClientIP()).Msg("Dashboard login rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, expiresIn, err := s.auth.GenerateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}

	s.logger.Info().Str("user", req.Username).Str("ip", c.ClientIP()).Msg("Operator logged in")
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_in": expiresIn})
}

// ==================== Reads ====================

func (s *Server) handleStatus(c *gin.Context) {
	connected, err := s.repo.ListConnectedAccounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	offset := time.Duration(s.cfg.BrokerTimeConfig.UTCOffsetHours) * time.Hour
	now := time.Now().UTC()
	c.JSON(http.StatusOK, gin.H{
		"status":                  "ok",
		"uptime_seconds":          int64(now.Sub(s.started).Seconds()),
		"server_time":             now,
		"broker_time":             now.Add(offset),
		"broker_utc_offset_hours": s.cfg.BrokerTimeConfig.UTCOffsetHours,
		"connected_accounts":      len(connected),
		"websocket_clients":       s.hub.ClientCount(),
	})
}

func (s *Server) handleListAccounts(c *gin.Context) {
	accounts, err := s.repo.ListAccounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (s *Server) handleGetAccount(c *gin.Context) {
	id, ok := accountParam(c)
	if !ok {
		return
	}

	acc, err := s.repo.GetAccount(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	symbols, err := s.repo.ListSubscribedSymbols(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	openCount, err := s.repo.CountOpenTrades(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account":            acc,
		"subscribed_symbols": symbols,
		"open_trades":        openCount,
	})
}

func (s *Server) handleOpenTrades(c *gin.Context) {
	id, ok := accountParam(c)
	if !ok {
		return
	}
	trades, err := s.repo.ListOpenTrades(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleAllOpenTrades(c *gin.Context) {
	trades, err := s.repo.ListAllOpenTrades(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleClosedTrades(c *gin.Context) {
	id, ok := accountParam(c)
	if !ok {
		return
	}
	hours := intQuery(c, "hours", 24, 1, 24*30)
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	trades, err := s.repo.ListClosedTradesSince(c.Request.Context(), id, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "since": since})
}

func (s *Server) handleRecentCommands(c *gin.Context) {
	id, ok := accountParam(c)
	if !ok {
		return
	}
	limit := intQuery(c, "limit", 50, 1, 500)

	cmds, err := s.repo.ListRecentCommands(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": cmds})
}

func (s *Server) handleSymbolConfigs(c *gin.Context) {
	id, ok := accountParam(c)
	if !ok {
		return
	}
	configs, err := s.repo.ListSymbolConfigs(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbols": configs})
}

func (s *Server) handleBreakerState(c *gin.Context) {
	id, ok := accountParam(c)
	if !ok {
		return
	}
	state, trigger, reason := s.breakers.State(id)
	c.JSON(http.StatusOK, gin.H{
		"account_id": id,
		"state":      state,
		"trigger":    trigger,
		"reason":     reason,
	})
}

func (s *Server) handleEALogs(c *gin.Context) {
	id, ok := accountParam(c)
	if !ok {
		return
	}
	limit := intQuery(c, "limit", 100, 1, 1000)

	logs, err := s.repo.ListEALogs(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (s *Server) handleShadowPerformance(c *gin.Context) {
	id, ok := accountParam(c)
	if !ok {
		return
	}
	instrument := c.Query("instrument")
	direction := c.Query("direction")
	if instrument == "" || direction == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instrument and direction query parameters are required"})
		return
	}
	days := intQuery(c, "days", 7, 1, 90)
	since := time.Now().UTC().AddDate(0, 0, -days)

	perf, err := s.repo.GetShadowPerformance(c.Request.Context(), id, instrument, direction, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id":  id,
		"instrument":  instrument,
		"direction":   direction,
		"since":       since,
		"performance": perf,
	})
}

func (s *Server) handleOpenShadowTrades(c *gin.Context) {
	trades, err := s.repo.ListOpenShadowTrades(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"shadow_trades": trades})
}

func (s *Server) handleActiveSignals(c *gin.Context) {
	signals, err := s.repo.ListActiveSignals(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals})
}

func (s *Server) handleDecisions(c *gin.Context) {
	decisionType := c.Query("type")
	limit := intQuery(c, "limit", 100, 1, 1000)

	var accountID *int64
	if raw := c.Query("account_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "account_id must be an integer"})
			return
		}
		accountID = &id
	}

	decisions, err := s.repo.ListDecisions(c.Request.Context(), decisionType, accountID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions})
}

// ==================== Controls ====================

type autoTradingRequest struct {
	Enabled *bool  `json:"enabled" binding:"required"`
	Reason  string `json:"reason"`
}

func (s *Server) handleSetAutoTrading(c *gin.Context) {
	id, ok := accountParam(c)
	if !ok {
		return
	}
	var req autoTradingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled flag is required"})
		return
	}

	if err := s.repo.SetAutoTrading(c.Request.Context(), id, *req.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	operator := c.GetString(auth.ContextKeyOperator)
	decisionType := decision.TypeAutoTradingDisabled
	if *req.Enabled {
		decisionType = decision.TypeAutoTradingEnabled
	}
	reason := req.Reason
	if reason == "" {
		reason = "toggled from dashboard"
	}
	s.decisions.RecordForAccount(c.Request.Context(), id, decisionType, "",
		decision.OutcomeExecuted, reason, map[string]interface{}{"by": operator})

	s.logger.Info().Int64("account", id).Bool("enabled", *req.Enabled).
		Str("by", operator).Msg("Auto-trading toggled")
	c.JSON(http.StatusOK, gin.H{"account_id": id, "auto_trading_enabled": *req.Enabled})
}

func (s *Server) handleCloseAll(c *gin.Context) {
	id, ok := accountParam(c)
	if !ok {
		return
	}
	operator := c.GetString(auth.ContextKeyOperator)
	ctx := c.Request.Context()

	trades, err := s.repo.ListOpenTrades(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	queued := 0
	for _, t := range trades {
		pending, err := s.repo.HasUnsettledTicketCommand(ctx, t.AccountID, t.Ticket, database.CommandCloseTrade)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if pending {
			continue
		}

		payload, _ := json.Marshal(database.CloseTradePayload{
			Ticket: t.Ticket,
			Reason: database.CloseReasonManual,
		})
		inserted, err := s.queue.Enqueue(ctx, &database.Command{
			AccountID:       id,
			ClientCommandID: "closeall-" + strconv.FormatInt(t.Ticket, 10),
			CommandType:     database.CommandCloseTrade,
			Payload:         payload,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if inserted {
			queued++
		}
	}

	if queued > 0 {
		s.decisions.RecordForAccount(ctx, id, decision.TypeTradeClose, "",
			decision.OutcomeExecuted, "operator requested close-all",
			map[string]interface{}{"by": operator, "trades": queued})
	}

	s.logger.Warn().Int64("account", id).Int("queued", queued).
		Str("by", operator).Msg("Close-all requested")
	c.JSON(http.StatusOK, gin.H{"account_id": id, "open_trades": len(trades), "queued": queued})
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	id, ok := accountParam(c)
	if !ok {
		return
	}
	operator := c.GetString(auth.ContextKeyOperator)

	s.breakers.Reset(c.Request.Context(), id, operator)

	state, _, _ := s.breakers.State(id)
	c.JSON(http.StatusOK, gin.H{"account_id": id, "state": state})
}

type symbolStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

func (s *Server) handleSetSymbolStatus(c *gin.Context) {
	raw := c.Param("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol config id must be an integer"})
		return
	}

	var req symbolStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status is required"})
		return
	}
	if !validSymbolStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status: " + req.Status})
		return
	}

	operator := c.GetString(auth.ContextKeyOperator)
	if err := s.repo.SetSymbolStatus(c.Request.Context(), id, req.Status, req.Reason, operator); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info().Int64("config", id).Str("status", req.Status).
		Str("by", operator).Msg("Symbol status changed from dashboard")
	c.JSON(http.StatusOK, gin.H{"id": id, "status": req.Status})
}

// ==================== Helpers ====================

func accountParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account id must be a positive integer"})
		return 0, false
	}
	return id, true
}

// intQuery parses a bounded integer query parameter, falling back to
// def when absent or malformed.
func intQuery(c *gin.Context, name string, def, min, max int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func validSymbolStatus(status string) bool {
	switch status {
	case database.SymbolStatusActive, database.SymbolStatusReducedRisk,
		database.SymbolStatusPaused, database.SymbolStatusDisabled,
		database.SymbolStatusShadowTrade:
		return true
	}
	return false
}
