// Package autotrader turns active signals into broker commands. Every
// candidate passes a fixed gate chain (staleness, account state, risk,
// symbol config, confidence, exposure, spread, stop enforcement) and both
// outcomes land in the decision log. All per-account trading state is owned
// by the single loop goroutine; other components only observe through the
// repository and the event bus.
package autotrader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mt5-trading-server/config"
	"mt5-trading-server/internal/cache"
	"mt5-trading-server/internal/circuit"
	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/decision"
	"mt5-trading-server/internal/events"
	"mt5-trading-server/internal/market"
	"mt5-trading-server/internal/metrics"
	"mt5-trading-server/internal/risk"
	"mt5-trading-server/internal/shadow"
)

// spreadAvgWindow feeds the adaptive spread limit: the gate allows up to
// three times the average spread of this window when that is looser than
// the per-symbol cap.
const spreadAvgWindow = 15 * time.Minute

// Trader is the auto-trade loop. One instance runs per process on a single
// scheduler goroutine.
type Trader struct {
	repo      *database.Repository
	cache     *cache.Service
	breakers  *circuit.Manager
	risk      *risk.DynamicManager
	shadow    *shadow.Engine
	decisions *decision.Recorder
	bus       *events.Bus
	cfg       *config.Config
	logger    zerolog.Logger

	mu    sync.Mutex
	acted map[string]time.Time // (account, signal) pairs already decided
}

func NewTrader(repo *database.Repository, cacheSvc *cache.Service, breakers *circuit.Manager,
	riskMgr *risk.DynamicManager, shadowEng *shadow.Engine, decisions *decision.Recorder,
	bus *events.Bus, cfg *config.Config, logger zerolog.Logger) *Trader {
	return &Trader{
		repo:      repo,
		cache:     cacheSvc,
		breakers:  breakers,
		risk:      riskMgr,
		shadow:    shadowEng,
		decisions: decisions,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With().Str("component", "AutoTrader").Logger(),
		acted:     make(map[string]time.Time),
	}
}

// RunOnce executes one auto-trade pass: settle overdue commands, then walk
// every connected account over every active valid signal. Signals are
// evaluated once per account; the generator refreshes them on its own
// cadence, so a transient rejection is retried on the next signal, not by
// re-running this one.
func (t *Trader) RunOnce(ctx context.Context) error {
	t.settleOverdueCommands(ctx)

	accounts, err := t.repo.ListConnectedAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list connected accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil
	}

	signals, err := t.repo.ListActiveSignals(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active signals: %w", err)
	}

	for _, acc := range accounts {
		t.runAccount(ctx, acc, signals)
	}

	t.pruneActed()
	return nil
}

func (t *Trader) runAccount(ctx context.Context, acc *database.Account, signals []*database.TradingSignal) {
	// re-check the trip conditions before any gating so a breach caught
	// here blocks this very pass
	realized, err := t.repo.GetDailyRealizedProfit(ctx, acc.AccountID, startOfDay(time.Now().UTC()))
	if err != nil {
		t.logger.Warn().Int64("account", acc.AccountID).Err(err).Msg("Daily profit lookup failed")
	} else {
		t.breakers.EvaluateAccount(ctx, acc, realized)
	}

	for _, sig := range signals {
		if sig.Status != database.SignalStatusActive || !sig.IsValid {
			continue
		}
		key := actedKey(acc.AccountID, sig.ID)
		if t.alreadyActed(key) {
			continue
		}
		if t.evaluateSignal(ctx, acc, sig) {
			t.markActed(key)
		}
	}
}

// evaluateSignal runs the gate chain for one (account, signal) pair. The
// return value reports whether the signal was settled: false means a
// transient infrastructure error and the pair stays eligible for the next
// pass.
func (t *Trader) evaluateSignal(ctx context.Context, acc *database.Account, sig *database.TradingSignal) bool {
	now := time.Now().UTC()
	age := now.Sub(sig.CreatedAt)

	// 1. staleness
	if maxAge := time.Duration(t.cfg.TradingConfig.MaxSignalAgeSecs) * time.Second; maxAge > 0 && age > maxAge {
		t.reject(ctx, acc, sig, "staleness", decision.TypeTradeSkip,
			fmt.Sprintf("signal %.0fs old, limit %.0fs", age.Seconds(), maxAge.Seconds()), nil)
		return true
	}
	if warnAge := time.Duration(t.cfg.TradingConfig.SignalWarnAgeSecs) * time.Second; warnAge > 0 && age > warnAge {
		t.logger.Warn().
			Str("signal", sig.ID).
			Str("instrument", sig.Instrument).
			Float64("age_secs", age.Seconds()).
			Msg("Signal aging toward staleness limit")
	}

	// 2. global enable and circuit breaker
	if !t.cfg.TradingConfig.AutoTradeEnabled || !acc.AutoTradingEnabled {
		t.reject(ctx, acc, sig, "disabled", decision.TypeTradeSkip, "auto-trading disabled", nil)
		return true
	}
	if ok, reason := t.breakers.CanTrade(ctx, acc.AccountID); !ok {
		t.reject(ctx, acc, sig, "breaker", decision.TypeCircuitBreaker, reason, nil)
		return true
	}

	// 3. dynamic daily-loss ceiling
	if ok, reason := t.risk.AllowNewTrade(ctx, acc); !ok {
		t.reject(ctx, acc, sig, "daily_loss", decision.TypeTradeSkip, reason, nil)
		return true
	}

	// 4. symbol trading config
	symCfg, err := t.repo.GetSymbolConfig(ctx, acc.AccountID, sig.Instrument, sig.Direction)
	if err != nil {
		t.logger.Error().Int64("account", acc.AccountID).Str("instrument", sig.Instrument).
			Err(err).Msg("Symbol config lookup failed")
		return false
	}
	switch symCfg.Status {
	case database.SymbolStatusPaused, database.SymbolStatusDisabled:
		t.reject(ctx, acc, sig, "symbol_status", decision.TypeTradeSkip,
			fmt.Sprintf("symbol %s (%s)", symCfg.Status, symCfg.PauseReason), nil)
		return true
	case database.SymbolStatusShadowTrade:
		if err := t.shadow.Open(ctx, acc.AccountID, sig); err != nil {
			t.logger.Error().Str("signal", sig.ID).Err(err).Msg("Shadow handoff failed")
			return false
		}
		return true
	}

	// 5. confidence threshold; equality passes
	if sig.Confidence < symCfg.MinConfidenceThreshold {
		t.reject(ctx, acc, sig, "confidence", decision.TypeTradeSkip,
			fmt.Sprintf("confidence %.1f below threshold %.1f", sig.Confidence, symCfg.MinConfidenceThreshold), nil)
		return true
	}

	// 6 and 7. exposure: correlation group and total position count
	open, err := t.repo.ListOpenTrades(ctx, acc.AccountID)
	if err != nil {
		t.logger.Error().Int64("account", acc.AccountID).Err(err).Msg("Open trades lookup failed")
		return false
	}
	group := market.CorrelationGroupOf(sig.Instrument)
	inGroup := 0
	for _, tr := range open {
		if market.CorrelationGroupOf(tr.Instrument) == group {
			inGroup++
		}
	}
	if maxCorr := t.cfg.TradingConfig.MaxCorrelatedPositions; maxCorr > 0 && inGroup >= maxCorr {
		t.reject(ctx, acc, sig, "correlation", decision.TypeTradeSkip,
			fmt.Sprintf("%d positions already open in group %s", inGroup, group),
			map[string]interface{}{"group": group})
		return true
	}
	if maxPos := t.cfg.TradingConfig.MaxOpenPositions; maxPos > 0 && len(open) >= maxPos {
		t.reject(ctx, acc, sig, "positions", decision.TypeTradeSkip,
			fmt.Sprintf("%d open positions at limit %d", len(open), maxPos), nil)
		return true
	}

	sym, err := t.repo.GetBrokerSymbol(ctx, sig.Instrument)
	if err != nil {
		t.reject(ctx, acc, sig, "symbol_spec", decision.TypeDataValidation,
			"no broker specification for instrument", nil)
		return true
	}

	// 8. spread and tick freshness
	tick, ok := t.latestTick(ctx, sig.Instrument)
	if !ok {
		t.reject(ctx, acc, sig, "tick_stale", decision.TypeTickStale, "no tick data", nil)
		return true
	}
	if maxTickAge := time.Duration(t.cfg.TradingConfig.StaleTickMaxAgeSecs) * time.Second; maxTickAge > 0 {
		if tickAge := now.Sub(tick.Timestamp); tickAge > maxTickAge {
			t.reject(ctx, acc, sig, "tick_stale", decision.TypeTickStale,
				fmt.Sprintf("tick %.0fs old, limit %.0fs", tickAge.Seconds(), maxTickAge.Seconds()), nil)
			return true
		}
	}
	pip := pipSize(sym)
	spreadPips := tick.Spread() / pip
	limitPips := sym.MaxSpreadPips
	if avg, err := t.repo.GetRollingAvgSpread(ctx, sig.Instrument, now.Add(-spreadAvgWindow)); err == nil && avg > 0 {
		if rolling := 3 * avg / pip; rolling > limitPips {
			limitPips = rolling
		}
	}
	if limitPips > 0 && spreadPips > limitPips {
		t.reject(ctx, acc, sig, "spread", decision.TypeSpreadRejected,
			fmt.Sprintf("spread %.1f pips over limit %.1f", spreadPips, limitPips),
			map[string]interface{}{"bid": tick.Bid, "ask": tick.Ask})
		return true
	}

	// live price becomes the entry hint
	entry := sig.SuggestedEntry
	if sig.Direction == market.DirectionBuy && tick.Ask > 0 {
		entry = tick.Ask
	} else if sig.Direction == market.DirectionSell && tick.Bid > 0 {
		entry = tick.Bid
	}

	// 9 and 10. stop enforcement and risk-based sizing. Sizing needs a
	// valid stop, enforcement needs the sized volume, so the order is:
	// validate the stop side, size against it, then bound the loss.
	atr := snapshotATR(sig.Snapshot)
	slDraft := sig.SuggestedSL
	if !stopOnCorrectSide(sig.Direction, entry, slDraft) {
		slDraft = fallbackStop(sig.Direction, entry, atr, sym)
	}

	profile := risk.ProfileByName(acc.RiskProfile)
	equity := acc.Equity
	if equity <= 0 {
		equity = acc.Balance
	}
	volume, sizeNote := positionSize(equity, profile.BaseRiskPercent, symCfg.RiskMultiplier,
		sig.Confidence, entry, slDraft, sym)
	if sizeNote != "" {
		t.logger.Warn().Str("signal", sig.ID).Str("note", sizeNote).Msg("Sizer fell back to minimum volume")
	}

	ceiling := t.lossCeiling(acc, sig.Instrument)
	sl, volume, enforceNote, err := enforceSL(sig.Direction, entry, sig.SuggestedSL, atr, sym, ceiling, volume)
	if err != nil {
		t.reject(ctx, acc, sig, "sl_enforcer", decision.TypeTradeSkip, err.Error(),
			map[string]interface{}{"ceiling": ceiling, "volume": volume})
		return true
	}
	if enforceNote != "" {
		t.logger.Info().Str("signal", sig.ID).Str("note", enforceNote).Msg("Stop enforcement adjusted the order")
	}

	// risk:reward floor, scaled weekly by account performance
	tpDist := sig.SuggestedTP - entry
	if sig.Direction == market.DirectionSell {
		tpDist = entry - sig.SuggestedTP
	}
	if tpDist <= 0 {
		t.reject(ctx, acc, sig, "levels", decision.TypeTradeSkip, "take profit on the wrong side of entry", nil)
		return true
	}
	slDist := entry - sl
	if sig.Direction == market.DirectionSell {
		slDist = sl - entry
	}
	rr := tpDist / slDist
	if required := t.risk.RequiredRiskReward(acc.AccountID); rr+1e-9 < required {
		t.reject(ctx, acc, sig, "risk_reward", decision.TypeTradeSkip,
			fmt.Sprintf("r:r %.2f below required %.2f", rr, required), nil)
		return true
	}

	// 11. command emission
	busy, err := t.repo.HasUnsettledOpenCommand(ctx, acc.AccountID, sig.Instrument)
	if err != nil {
		t.logger.Error().Int64("account", acc.AccountID).Err(err).Msg("Pending command lookup failed")
		return false
	}
	if busy {
		t.reject(ctx, acc, sig, "pending_command", decision.TypeTradeSkip,
			"an open command for this instrument is still unsettled", nil)
		return true
	}

	payload, err := json.Marshal(database.OpenTradePayload{
		Instrument: sig.Instrument,
		Direction:  sig.Direction,
		Volume:     volume,
		SL:         sl,
		TP:         sig.SuggestedTP,
		EntryHint:  entry,
		Comment:    sig.ID,
	})
	if err != nil {
		t.logger.Error().Str("signal", sig.ID).Err(err).Msg("Payload marshal failed")
		return false
	}

	cmd := &database.Command{
		ID:              uuid.NewString(),
		AccountID:       acc.AccountID,
		ClientCommandID: commandID(sig.ID, now),
		CommandType:     database.CommandOpenTrade,
		Payload:         payload,
		SignalID:        &sig.ID,
		CreatedAt:       now,
		TimeoutAt:       now.Add(time.Duration(t.cfg.TradingConfig.CommandTimeoutMins) * time.Minute),
	}
	inserted, err := t.repo.EnqueueCommand(ctx, cmd)
	if err != nil {
		t.logger.Error().Str("signal", sig.ID).Err(err).Msg("Command enqueue failed")
		return false
	}
	if !inserted {
		t.logger.Debug().Str("signal", sig.ID).Str("client_id", cmd.ClientCommandID).
			Msg("Command already enqueued for this signal")
		return true
	}

	metrics.CommandsEnqueued.WithLabelValues(database.CommandOpenTrade).Inc()
	if err := t.repo.MarkSignalExecuted(ctx, sig.ID); err != nil {
		t.logger.Warn().Str("signal", sig.ID).Err(err).Msg("Failed to mark signal executed")
	}

	t.decisions.RecordForAccount(ctx, acc.AccountID, decision.TypeTradeOpen, sig.Instrument,
		decision.OutcomeAccepted, "all gates passed, open command queued",
		map[string]interface{}{
			"signal_id":  sig.ID,
			"direction":  sig.Direction,
			"volume":     volume,
			"entry":      entry,
			"sl":         sl,
			"tp":         sig.SuggestedTP,
			"confidence": sig.Confidence,
			"rr":         rr,
			"command_id": cmd.ID,
		})
	t.bus.Publish(events.Event{
		Type:      events.EventCommandQueued,
		AccountID: acc.AccountID,
		Payload: map[string]interface{}{
			"command_id": cmd.ID,
			"type":       database.CommandOpenTrade,
			"instrument": sig.Instrument,
			"direction":  sig.Direction,
			"volume":     volume,
		},
	})

	t.logger.Info().
		Int64("account", acc.AccountID).
		Str("instrument", sig.Instrument).
		Str("direction", sig.Direction).
		Float64("volume", volume).
		Float64("entry", entry).
		Float64("sl", sl).
		Float64("tp", sig.SuggestedTP).
		Float64("confidence", sig.Confidence).
		Msg("Open command queued")
	return true
}

// settleOverdueCommands expires commands past timeout_at. A matching trade
// means the EA executed it and only the acknowledgement was lost; that
// settles as success. Anything else counts against the failure streak.
func (t *Trader) settleOverdueCommands(ctx context.Context) {
	overdue, err := t.repo.TimeoutOverdueCommands(ctx, time.Now().UTC())
	if err != nil {
		t.logger.Error().Err(err).Msg("Overdue command scan failed")
		return
	}

	for _, cmd := range overdue {
		trade, err := t.repo.GetTradeByCommandID(ctx, cmd.ID)
		if err == nil {
			if err := t.repo.CompleteCommand(ctx, cmd.ID, &trade.Ticket, nil); err != nil {
				t.logger.Error().Str("command", cmd.ID).Err(err).Msg("Failed to settle command")
				continue
			}
			metrics.CommandsCompleted.WithLabelValues(database.CommandStatusCompleted).Inc()
			t.breakers.NoteCommandSuccess(ctx, cmd.AccountID)
			t.logger.Info().Str("command", cmd.ID).Int64("ticket", trade.Ticket).
				Msg("Timed-out command settled by its matching trade")
			continue
		}
		if !errors.Is(err, database.ErrNotFound) {
			t.logger.Error().Str("command", cmd.ID).Err(err).Msg("Trade lookup failed for overdue command")
			continue
		}

		instrument := payloadInstrument(cmd.Payload)
		t.logger.Warn().
			Str("command", cmd.ID).
			Int64("account", cmd.AccountID).
			Str("type", cmd.CommandType).
			Str("instrument", instrument).
			Msg("COMMAND TIMEOUT")
		metrics.CommandsCompleted.WithLabelValues(database.CommandStatusTimeout).Inc()
		t.decisions.RecordForAccount(ctx, cmd.AccountID, decision.TypeTradeRetry, instrument,
			decision.OutcomeRejected, "command timed out without a matching trade",
			map[string]interface{}{"command_id": cmd.ID, "type": cmd.CommandType})
		t.bus.Publish(events.Event{
			Type:      events.EventCommandTimeout,
			AccountID: cmd.AccountID,
			Payload:   map[string]interface{}{"command_id": cmd.ID, "type": cmd.CommandType},
		})
		t.breakers.NoteCommandFailure(ctx, cmd.AccountID)
	}
}

func (t *Trader) reject(ctx context.Context, acc *database.Account, sig *database.TradingSignal,
	gate, decisionType, reason string, extra map[string]interface{}) {

	metrics.AutoTradeRejections.WithLabelValues(gate).Inc()

	contextData := map[string]interface{}{
		"signal_id": sig.ID,
		"direction": sig.Direction,
		"gate":      gate,
	}
	for k, v := range extra {
		contextData[k] = v
	}
	t.decisions.RecordForAccount(ctx, acc.AccountID, decisionType, sig.Instrument,
		decision.OutcomeRejected, reason, contextData)

	t.logger.Debug().
		Int64("account", acc.AccountID).
		Str("instrument", sig.Instrument).
		Str("direction", sig.Direction).
		Str("gate", gate).
		Str("reason", reason).
		Msg("Signal rejected")
}

// lossCeiling is the tighter of the dynamic per-symbol ceiling and the
// static per-symbol cap from configuration.
func (t *Trader) lossCeiling(acc *database.Account, instrument string) float64 {
	ceiling := t.risk.SymbolLossCeiling(acc, instrument)
	if static, ok := t.cfg.RiskConfig.MaxSymbolLossEUR[instrument]; ok && static > 0 {
		if ceiling <= 0 || static < ceiling {
			ceiling = static
		}
	}
	return ceiling
}

func (t *Trader) latestTick(ctx context.Context, instrument string) (market.Tick, bool) {
	if t.cache.Available() {
		var tick market.Tick
		if ok, err := t.cache.Get(ctx, cache.LatestTickKey(instrument), &tick); err == nil && ok {
			return tick, true
		}
	}

	row, err := t.repo.GetLatestTick(ctx, instrument)
	if err != nil {
		return market.Tick{}, false
	}
	return market.Tick{
		Instrument: row.Instrument,
		Bid:        row.Bid,
		Ask:        row.Ask,
		Volume:     row.Volume,
		Timestamp:  row.Timestamp,
		Tradeable:  row.Tradeable,
	}, true
}

// ==================== acted-signal tracking ====================

func actedKey(accountID int64, signalID string) string {
	return strconv.FormatInt(accountID, 10) + ":" + signalID
}

func (t *Trader) alreadyActed(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.acted[key]
	return ok
}

func (t *Trader) markActed(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acted[key] = time.Now().UTC()
}

// pruneActed drops tracking entries old enough that their signal cannot be
// active anymore.
func (t *Trader) pruneActed() {
	horizon := 2 * time.Duration(t.cfg.TradingConfig.MaxSignalAgeSecs) * time.Second
	if horizon <= 0 {
		horizon = 10 * time.Minute
	}
	cutoff := time.Now().UTC().Add(-horizon)

	t.mu.Lock()
	defer t.mu.Unlock()
	for key, at := range t.acted {
		if at.Before(cutoff) {
			delete(t.acted, key)
		}
	}
}

// ==================== helpers ====================

// commandID derives the idempotency key for a command from the signal and
// the emission time, so a retried emission of the same signal cannot create
// a duplicate order within the same instant.
func commandID(signalID string, at time.Time) string {
	h := fnv.New64a()
	h.Write([]byte(signalID))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(at.UnixNano(), 10)))
	return "at-" + strconv.FormatUint(h.Sum64(), 16)
}

// snapshotATR pulls the ATR the generator recorded with the signal, for the
// stop fallback path. Zero when the snapshot is absent or unreadable.
func snapshotATR(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var snap struct {
		ATR float64 `json:"atr"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return 0
	}
	return snap.ATR
}

func payloadInstrument(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var p struct {
		Instrument string `json:"instrument"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	return p.Instrument
}

func startOfDay(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
