package ingest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/decision"
	"mt5-trading-server/internal/events"
	"mt5-trading-server/internal/metrics"
)

// symbolSpec is the broker instrument specification the EA submits on
// connect, straight from MT5's SymbolInfo* calls.
type symbolSpec struct {
	Instrument    string  `json:"instrument"`
	Digits        int     `json:"digits"`
	Point         float64 `json:"point"`
	MinVolume     float64 `json:"min_volume"`
	MaxVolume     float64 `json:"max_volume"`
	VolumeStep    float64 `json:"volume_step"`
	ContractSize  float64 `json:"contract_size"`
	TickSize      float64 `json:"tick_size"`
	TickValue     float64 `json:"tick_value"`
	StopsLevel    int     `json:"stops_level"`
	MaxSpreadPips float64 `json:"max_spread_pips"`
}

type connectRequest struct {
	AccountNumber int64        `json:"account_number" binding:"required"`
	Broker        string       `json:"broker"`
	Platform      string       `json:"platform"`
	Balance       float64      `json:"balance"`
	Equity        float64      `json:"equity"`
	Margin        float64      `json:"margin"`
	FreeMargin    float64      `json:"free_margin"`
	RiskProfile   string       `json:"risk_profile"`
	Symbols       []symbolSpec `json:"symbols"`
}

// handleConnect registers a terminal. First contact creates the account
// and issues a fresh api key; a reconnect returns the key issued back
// then, so a reinstalled EA keeps working without operator action.
func (s *Servers) handleConnect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, codeValidationFailure, err.Error())
		return
	}

	for _, spec := range req.Symbols {
		if err := validateSymbolSpec(spec); err != nil {
			fail(c, http.StatusBadRequest, codeValidationFailure, err.Error())
			return
		}
	}

	riskProfile := req.RiskProfile
	switch riskProfile {
	case database.RiskProfileConservative, database.RiskProfileModerate, database.RiskProfileAggressive:
	case "":
		riskProfile = database.RiskProfileModerate
	default:
		fail(c, http.StatusBadRequest, codeValidationFailure,
			fmt.Sprintf("unknown risk profile %q", req.RiskProfile))
		return
	}

	ctx := c.Request.Context()
	acc := &database.Account{
		AccountID:   req.AccountNumber,
		Broker:      req.Broker,
		Platform:    req.Platform,
		APIKey:      newAPIKey(),
		Balance:     req.Balance,
		Equity:      req.Equity,
		Margin:      req.Margin,
		FreeMargin:  req.FreeMargin,
		RiskProfile: riskProfile,
	}
	// the upsert returns the stored key, which on reconnect is the one
	// issued at registration, not the candidate generated above
	if err := s.repo.UpsertAccount(ctx, acc); err != nil {
		s.logger.Error().Err(err).Int64("account", req.AccountNumber).Msg("Account upsert failed")
		fail(c, http.StatusInternalServerError, codeInternalFailure, "account registration failed")
		return
	}

	for _, spec := range req.Symbols {
		if err := s.repo.UpsertBrokerSymbol(ctx, &database.BrokerSymbol{
			Instrument:    spec.Instrument,
			Digits:        spec.Digits,
			Point:         spec.Point,
			MinVolume:     spec.MinVolume,
			MaxVolume:     spec.MaxVolume,
			VolumeStep:    spec.VolumeStep,
			ContractSize:  spec.ContractSize,
			TickSize:      spec.TickSize,
			TickValue:     spec.TickValue,
			StopsLevel:    spec.StopsLevel,
			MaxSpreadPips: spec.MaxSpreadPips,
		}); err != nil {
			s.logger.Error().Err(err).Str("instrument", spec.Instrument).Msg("Symbol spec upsert failed")
			fail(c, http.StatusInternalServerError, codeInternalFailure, "symbol registration failed")
			return
		}
		if err := s.repo.UpsertSubscribedSymbol(ctx, acc.AccountID, spec.Instrument); err != nil {
			s.logger.Error().Err(err).Str("instrument", spec.Instrument).Msg("Subscription upsert failed")
			fail(c, http.StatusInternalServerError, codeInternalFailure, "symbol subscription failed")
			return
		}
	}

	// Vault is a recovery mirror, never on the critical path
	if err := s.vault.StoreEAKey(ctx, acc.AccountID, acc.APIKey); err != nil {
		s.logger.Warn().Err(err).Int64("account", acc.AccountID).Msg("EA key not mirrored to vault")
	}

	subscribed, err := s.repo.ListSubscribedSymbols(ctx, acc.AccountID)
	if err != nil {
		s.logger.Error().Err(err).Int64("account", acc.AccountID).Msg("Subscription list failed")
		fail(c, http.StatusInternalServerError, codeInternalFailure, "subscription lookup failed")
		return
	}
	instruments := make([]string, 0, len(subscribed))
	for _, sub := range subscribed {
		instruments = append(instruments, sub.Instrument)
	}

	s.decisions.RecordForAccount(ctx, acc.AccountID, decision.TypeMT5Reconnect, "",
		decision.OutcomeAccepted, "EA connected",
		map[string]interface{}{
			"broker":   req.Broker,
			"platform": req.Platform,
			"symbols":  len(req.Symbols),
		})
	s.bus.Publish(events.Event{Type: events.EventAccountConnected, AccountID: acc.AccountID})

	s.logger.Info().
		Int64("account", acc.AccountID).
		Str("broker", req.Broker).
		Int("symbols", len(instruments)).
		Msg("EA connected")

	c.JSON(http.StatusOK, gin.H{
		"api_key":            acc.APIKey,
		"subscribed_symbols": instruments,
	})
}

type heartbeatRequest struct {
	Account     int64   `json:"account" binding:"required"`
	APIKey      string  `json:"api_key"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	FreeMargin  float64 `json:"free_margin"`
	ProfitToday float64 `json:"profit_today"`
	ProfitWeek  float64 `json:"profit_week"`
	ProfitMonth float64 `json:"profit_month"`
	ProfitYear  float64 `json:"profit_year"`
	OpenTickets []int64 `json:"open_tickets"`
	Timestamp   int64   `json:"timestamp"` // epoch seconds, terminal clock
}

// commandView is the slice of a command the EA needs to execute it.
type commandView struct {
	ID              string          `json:"id"`
	ClientCommandID string          `json:"client_command_id"`
	CommandType     string          `json:"command_type"`
	Payload         json.RawMessage `json:"payload"`
	TimeoutAt       int64           `json:"timeout_at"` // epoch seconds
}

// handleHeartbeat is the EA's poll loop: it refreshes account state,
// reports the terminal's open tickets for reconciliation, and carries
// pending commands back in the response.
func (s *Servers) handleHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, codeValidationFailure, err.Error())
		return
	}
	acc, ok := s.authenticate(c, "control", req.Account, req.APIKey)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := s.repo.UpdateAccountState(ctx, acc.AccountID, req.Balance, req.Equity, req.Margin, req.FreeMargin); err != nil {
		s.logger.Error().Err(err).Int64("account", acc.AccountID).Msg("Account state update failed")
		fail(c, http.StatusInternalServerError, codeInternalFailure, "account update failed")
		return
	}
	if err := s.repo.UpdateAccountProfits(ctx, acc.AccountID, req.ProfitToday, req.ProfitWeek, req.ProfitMonth, req.ProfitYear); err != nil {
		s.logger.Warn().Err(err).Int64("account", acc.AccountID).Msg("Account profit update failed")
	}

	// the terminal's own position list drives stale-ticket reconciliation
	s.monitor.ReportOpenTickets(acc.AccountID, req.OpenTickets)

	subscribed, err := s.repo.ListSubscribedSymbols(ctx, acc.AccountID)
	if err != nil {
		s.logger.Error().Err(err).Int64("account", acc.AccountID).Msg("Subscription list failed")
		fail(c, http.StatusInternalServerError, codeInternalFailure, "subscription lookup failed")
		return
	}
	instruments := make([]string, 0, len(subscribed))
	for _, sub := range subscribed {
		instruments = append(instruments, sub.Instrument)
	}

	pending, err := s.queue.DeliverBatch(ctx, acc.AccountID)
	if err != nil {
		s.logger.Error().Err(err).Int64("account", acc.AccountID).Msg("Command delivery failed")
		fail(c, http.StatusInternalServerError, codeInternalFailure, "command delivery failed")
		return
	}
	views := make([]commandView, 0, len(pending))
	for _, cmd := range pending {
		views = append(views, commandView{
			ID:              cmd.ID,
			ClientCommandID: cmd.ClientCommandID,
			CommandType:     cmd.CommandType,
			Payload:         cmd.Payload,
			TimeoutAt:       cmd.TimeoutAt.Unix(),
		})
	}

	metrics.HeartbeatsReceived.Inc()
	c.JSON(http.StatusOK, gin.H{
		"symbols":          instruments,
		"pending_commands": views,
	})
}

func validateSymbolSpec(spec symbolSpec) error {
	switch {
	case spec.Instrument == "":
		return fmt.Errorf("symbol spec without instrument")
	case spec.Point <= 0:
		return fmt.Errorf("%s: point must be positive, got %g", spec.Instrument, spec.Point)
	case spec.Digits < 0:
		return fmt.Errorf("%s: digits must not be negative, got %d", spec.Instrument, spec.Digits)
	case spec.MinVolume <= 0:
		return fmt.Errorf("%s: min_volume must be positive, got %g", spec.Instrument, spec.MinVolume)
	}
	return nil
}

// newAPIKey returns a 256-bit hex key. Failure to read the system
// entropy source is unrecoverable.
func newAPIKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
