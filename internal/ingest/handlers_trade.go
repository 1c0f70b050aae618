package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mt5-trading-server/internal/commands"
	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/decision"
	"mt5-trading-server/internal/events"
	"mt5-trading-server/internal/market"
	"mt5-trading-server/internal/metrics"
)

type tradeUpdateRequest struct {
	Account     int64   `json:"account" binding:"required"`
	APIKey      string  `json:"api_key"`
	Ticket      int64   `json:"ticket" binding:"required"`
	Instrument  string  `json:"instrument"`
	Direction   string  `json:"direction"`
	Volume      float64 `json:"volume"`
	OpenPrice   float64 `json:"open_price"`
	OpenTime    int64   `json:"open_time"` // epoch seconds
	SL          float64 `json:"sl"`
	TP          float64 `json:"tp"`
	Profit      float64 `json:"profit"`
	Commission  float64 `json:"commission"`
	Swap        float64 `json:"swap"`
	Status      string  `json:"status"`
	ClosePrice  float64 `json:"close_price"`
	CloseTime   int64   `json:"close_time"` // epoch seconds
	CloseReason string  `json:"close_reason"`
	CommandID   string  `json:"command_id"`
	Comment     string  `json:"comment"`
}

// handleTradeUpdate mirrors the broker position lifecycle. The EA sends
// one of three shapes against the same endpoint: a first observation
// (creates the row), a running update (refreshes P/L and stops), or a
// close (finalizes metrics). All three replay safely.
func (s *Servers) handleTradeUpdate(c *gin.Context) {
	var req tradeUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, codeValidationFailure, err.Error())
		return
	}
	acc, ok := s.authenticate(c, "trade", req.Account, req.APIKey)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	trade, err := s.repo.GetTradeByTicket(ctx, acc.AccountID, req.Ticket)
	switch {
	case errors.Is(err, database.ErrNotFound):
		s.createTrade(c, acc, req)
	case err != nil:
		s.logger.Error().Err(err).Int64("ticket", req.Ticket).Msg("Trade lookup failed")
		fail(c, http.StatusInternalServerError, codeInternalFailure, "trade lookup failed")
	case req.Status == database.TradeStatusClosed:
		s.closeTrade(c, trade, req)
	default:
		s.progressTrade(c, trade, req)
	}
}

// createTrade records the first observation of a ticket.
func (s *Servers) createTrade(c *gin.Context, acc *database.Account, req tradeUpdateRequest) {
	if req.Instrument == "" || req.Volume <= 0 || req.OpenPrice <= 0 {
		fail(c, http.StatusBadRequest, codeValidationFailure,
			fmt.Sprintf("ticket %d: first update needs instrument, volume and open_price", req.Ticket))
		return
	}
	if req.Direction != market.DirectionBuy && req.Direction != market.DirectionSell {
		fail(c, http.StatusBadRequest, codeValidationFailure,
			fmt.Sprintf("ticket %d: direction %q not in {%s, %s}", req.Ticket, req.Direction, market.DirectionBuy, market.DirectionSell))
		return
	}

	ctx := c.Request.Context()
	openTime := time.Now().UTC()
	if req.OpenTime > 0 {
		openTime = time.Unix(req.OpenTime, 0).UTC()
	}

	source, commandID, signalID := s.resolveOrigin(ctx, req)

	trade := &database.Trade{
		AccountID:  acc.AccountID,
		Ticket:     req.Ticket,
		Instrument: req.Instrument,
		Direction:  req.Direction,
		Volume:     req.Volume,
		OpenPrice:  req.OpenPrice,
		OpenTime:   openTime,
		SL:         req.SL,
		TP:         req.TP,
		Source:     source,
		SignalID:   signalID,
		CommandID:  commandID,
		Session:    market.SessionAt(openTime),
	}
	s.enrichEntry(ctx, trade, signalID)

	if err := s.repo.CreateTrade(ctx, trade); err != nil {
		s.logger.Error().Err(err).Int64("ticket", req.Ticket).Msg("Trade create failed")
		fail(c, http.StatusInternalServerError, codeInternalFailure, "trade create failed")
		return
	}

	metrics.TradesOpened.WithLabelValues(source).Inc()
	s.refreshOpenGauge(ctx, acc.AccountID)

	if source == database.TradeSourceManual {
		// automated opens were already logged when the command was issued
		s.decisions.RecordForAccount(ctx, acc.AccountID, decision.TypeTradeOpen,
			trade.Instrument, decision.OutcomeAccepted, "manual trade observed on terminal",
			map[string]interface{}{
				"ticket":    trade.Ticket,
				"direction": trade.Direction,
				"volume":    trade.Volume,
			})
	}
	s.bus.Publish(events.Event{Type: events.EventTradeOpened, AccountID: acc.AccountID, Payload: trade})

	s.logger.Info().
		Int64("account", acc.AccountID).
		Int64("ticket", trade.Ticket).
		Str("instrument", trade.Instrument).
		Str("direction", trade.Direction).
		Float64("volume", trade.Volume).
		Str("source", source).
		Msg("Trade opened")

	c.JSON(http.StatusOK, gin.H{"status": "ok", "trade_id": trade.ID})
}

// resolveOrigin classifies who opened the position and links the signal.
// A command id means the platform asked for it; a command carrying a
// signal id came from the auto-trader. No command id means a human
// clicked in the terminal.
func (s *Servers) resolveOrigin(ctx context.Context, req tradeUpdateRequest) (source string, commandID, signalID *string) {
	if req.CommandID == "" {
		return database.TradeSourceManual, nil, s.knownSignalID(ctx, req.Comment)
	}

	id := req.CommandID
	commandID = &id
	cmd, err := s.repo.GetCommand(ctx, req.CommandID)
	if err != nil {
		s.logger.Warn().Err(err).Str("command", req.CommandID).
			Int64("ticket", req.Ticket).Msg("Trade references unknown command")
		return database.TradeSourceEACommand, commandID, s.knownSignalID(ctx, req.Comment)
	}
	if cmd.SignalID != nil {
		return database.TradeSourceAutotrade, commandID, cmd.SignalID
	}
	return database.TradeSourceEACommand, commandID, s.knownSignalID(ctx, req.Comment)
}

// knownSignalID treats the order comment as a signal id if one exists by
// that name. The auto-trader writes the signal id into the comment, but
// brokers truncate or rewrite comments, so this is best-effort only.
func (s *Servers) knownSignalID(ctx context.Context, comment string) *string {
	if comment == "" {
		return nil
	}
	if _, err := s.repo.GetSignal(ctx, comment); err != nil {
		return nil
	}
	return &comment
}

// enrichEntry snapshots the market context at entry: quote, spread and
// the signal's volatility reading. Missing context is left null rather
// than guessed.
func (s *Servers) enrichEntry(ctx context.Context, trade *database.Trade, signalID *string) {
	if tick, ok := s.writer.Latest(trade.Instrument); ok {
		bid, ask := tick.Bid, tick.Ask
		spread := ask - bid
		trade.EntryBid = &bid
		trade.EntryAsk = &ask
		trade.EntrySpread = &spread
	}
	if signalID == nil {
		return
	}
	sig, err := s.repo.GetSignal(ctx, *signalID)
	if err != nil || len(sig.Snapshot) == 0 {
		return
	}
	var snap struct {
		ATR float64 `json:"atr"`
	}
	if err := json.Unmarshal(sig.Snapshot, &snap); err == nil && snap.ATR > 0 {
		trade.EntryVolatility = &snap.ATR
	}
}

// progressTrade refreshes a running position.
func (s *Servers) progressTrade(c *gin.Context, trade *database.Trade, req tradeUpdateRequest) {
	ctx := c.Request.Context()

	if trade.Status == database.TradeStatusClosed {
		// late running update for a finalized trade; nothing to change
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	if err := s.repo.UpdateTradeProgress(ctx, trade.ID, req.Profit, req.Commission, req.Swap, req.SL, req.TP); err != nil {
		s.logger.Error().Err(err).Int64("trade", trade.ID).Msg("Trade progress update failed")
		fail(c, http.StatusInternalServerError, codeInternalFailure, "trade update failed")
		return
	}

	volumeReduced := req.Volume > 0 && trade.Volume-req.Volume > 1e-9
	if volumeReduced {
		if err := s.repo.RecordPartialClose(ctx, trade.ID, req.Volume); err != nil {
			s.logger.Error().Err(err).Int64("trade", trade.ID).Msg("Partial close record failed")
		} else {
			s.logger.Info().Int64("trade", trade.ID).Int64("ticket", trade.Ticket).
				Float64("volume", req.Volume).Float64("was", trade.Volume).
				Msg("Partial close confirmed")
		}
	}

	if err := s.repo.ResetReconcileMisses(ctx, trade.ID); err != nil {
		s.logger.Debug().Err(err).Int64("trade", trade.ID).Msg("Reconcile reset failed")
	}

	stopsMoved := math.Abs(req.SL-trade.SL) > 1e-9 || math.Abs(req.TP-trade.TP) > 1e-9
	if stopsMoved || volumeReduced {
		s.bus.Publish(events.Event{Type: events.EventTradeModified, AccountID: trade.AccountID, Payload: gin.H{
			"trade_id": trade.ID,
			"ticket":   trade.Ticket,
			"sl":       req.SL,
			"tp":       req.TP,
			"volume":   req.Volume,
		}})
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// closeTrade finalizes a position reported closed by the terminal.
func (s *Servers) closeTrade(c *gin.Context, trade *database.Trade, req tradeUpdateRequest) {
	ctx := c.Request.Context()

	if trade.Status == database.TradeStatusClosed {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	closeTime := time.Now().UTC()
	if req.CloseTime > 0 {
		closeTime = time.Unix(req.CloseTime, 0).UTC()
	}
	closePrice := req.ClosePrice
	if closePrice <= 0 {
		// broker omitted the fill; fall back to the freshest exit-side quote
		if tick, ok := s.writer.Latest(trade.Instrument); ok {
			if trade.Direction == market.DirectionSell {
				closePrice = tick.Ask
			} else {
				closePrice = tick.Bid
			}
		} else {
			closePrice = trade.OpenPrice
		}
	}

	pips := 0.0
	if sym, err := s.repo.GetBrokerSymbol(ctx, trade.Instrument); err == nil {
		pips = market.PipsCaptured(trade.Direction, trade.OpenPrice, closePrice, sym.Point, sym.Digits)
	}

	params := database.CloseTradeParams{
		ClosePrice:         closePrice,
		CloseTime:          closeTime,
		Profit:             req.Profit,
		Commission:         req.Commission,
		Swap:               req.Swap,
		CloseReason:        normalizeCloseReason(req.CloseReason),
		HoldDurationMin:    int(closeTime.Sub(trade.OpenTime).Minutes()),
		PipsCaptured:       pips,
		RiskRewardRealized: market.RealizedRR(trade.Direction, trade.OpenPrice, trade.InitialSL, closePrice),
	}
	if err := s.repo.CloseTrade(ctx, trade.ID, params); err != nil {
		s.logger.Error().Err(err).Int64("trade", trade.ID).Msg("Trade close failed")
		fail(c, http.StatusInternalServerError, codeInternalFailure, "trade close failed")
		return
	}

	metrics.TradesClosed.WithLabelValues(params.CloseReason).Inc()
	s.refreshOpenGauge(ctx, trade.AccountID)

	closed, err := s.repo.GetTrade(ctx, trade.ID)
	if err != nil {
		closed = trade
	}
	if err := s.optimizer.HandleTradeClose(ctx, closed); err != nil {
		s.logger.Warn().Err(err).Int64("trade", trade.ID).Msg("Symbol optimizer pass failed")
	}

	s.bus.Publish(events.Event{Type: events.EventTradeClosed, AccountID: trade.AccountID, Payload: closed})

	s.logger.Info().
		Int64("account", trade.AccountID).
		Int64("ticket", trade.Ticket).
		Str("instrument", trade.Instrument).
		Str("reason", params.CloseReason).
		Float64("profit", req.Profit).
		Float64("pips", pips).
		Msg("Trade closed")

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// refreshOpenGauge resets the open-position gauge from storage.
func (s *Servers) refreshOpenGauge(ctx context.Context, accountID int64) {
	n, err := s.repo.CountOpenTrades(ctx, accountID)
	if err != nil {
		return
	}
	metrics.OpenPositions.WithLabelValues(strconv.FormatInt(accountID, 10)).Set(float64(n))
}

// normalizeCloseReason maps the EA-reported reason onto the enumerated
// set, defaulting to MANUAL for anything unrecognized.
func normalizeCloseReason(reason string) string {
	switch reason {
	case database.CloseReasonSLHit, database.CloseReasonTPHit, database.CloseReasonTrailingStop,
		database.CloseReasonTimeExit, database.CloseReasonManual, database.CloseReasonPartialClose,
		database.CloseReasonEmergency, database.CloseReasonStrategyInvalid, database.CloseReasonStaleReconciled:
		return reason
	default:
		return database.CloseReasonManual
	}
}

type commandResponseRequest struct {
	Account   int64           `json:"account" binding:"required"`
	APIKey    string          `json:"api_key"`
	CommandID string          `json:"command_id" binding:"required"`
	Status    string          `json:"status" binding:"required"`
	Ticket    int64           `json:"ticket"`
	Error     string          `json:"error"`
	Response  json.RawMessage `json:"response"`
}

// handleCommandResponse settles a delivered command.
func (s *Servers) handleCommandResponse(c *gin.Context) {
	var req commandResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, codeValidationFailure, err.Error())
		return
	}
	acc, ok := s.authenticate(c, "control", req.Account, req.APIKey)
	if !ok {
		return
	}

	err := s.queue.HandleResponse(c.Request.Context(), acc.AccountID, req.CommandID, req.Status, req.Ticket, req.Error, req.Response)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, commands.ErrUnknownCommand):
		fail(c, http.StatusBadRequest, codeValidationFailure, err.Error())
	case errors.Is(err, commands.ErrAccountMismatch):
		fail(c, http.StatusConflict, codeConflictFailure, err.Error())
	case errors.Is(err, commands.ErrBadStatus):
		fail(c, http.StatusBadRequest, codeValidationFailure, err.Error())
	default:
		s.logger.Error().Err(err).Str("command", req.CommandID).Msg("Command response failed")
		fail(c, http.StatusInternalServerError, codeInternalFailure, "command settlement failed")
	}
}

type logRequest struct {
	Account   int64           `json:"account" binding:"required"`
	APIKey    string          `json:"api_key"`
	Level     string          `json:"level"`
	Message   string          `json:"message" binding:"required"`
	Details   json.RawMessage `json:"details"`
	Timestamp int64           `json:"timestamp"` // epoch seconds
}

// handleEALog stores a terminal-side log line. EA errors surface in the
// server log too, since nobody watches the terminal's Experts tab.
func (s *Servers) handleEALog(c *gin.Context) {
	var req logRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, codeValidationFailure, err.Error())
		return
	}
	acc, ok := s.authenticate(c, "logs", req.Account, req.APIKey)
	if !ok {
		return
	}

	level := req.Level
	if level == "" {
		level = "info"
	}
	ts := time.Now().UTC()
	if req.Timestamp > 0 {
		ts = time.Unix(req.Timestamp, 0).UTC()
	}

	entry := &database.LogEntry{
		AccountID: acc.AccountID,
		Level:     level,
		Message:   req.Message,
		Details:   req.Details,
		Timestamp: ts,
	}
	if err := s.repo.InsertEALog(c.Request.Context(), entry); err != nil {
		s.logger.Error().Err(err).Int64("account", acc.AccountID).Msg("EA log insert failed")
		fail(c, http.StatusInternalServerError, codeInternalFailure, "log write failed")
		return
	}

	if level == "error" || level == "critical" {
		s.logger.Warn().Int64("account", acc.AccountID).Str("ea_level", level).
			Str("message", req.Message).Msg("EA reported an error")
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
