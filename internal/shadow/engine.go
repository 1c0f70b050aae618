// Package shadow simulates trades for symbols that real trading has been
// pulled from. Entries mirror the signals the auto-trader would have acted
// on; exits are detected from the tick stream against the recorded SL/TP.
// Shadow trades never reach the broker.
package shadow

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mt5-trading-server/config"
	"mt5-trading-server/internal/cache"
	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/decision"
	"mt5-trading-server/internal/events"
	"mt5-trading-server/internal/market"
	"mt5-trading-server/internal/metrics"
)

const (
	ExitReasonSL = "SL_HIT"
	ExitReasonTP = "TP_HIT"
)

// Engine owns the shadow book: simulated entries, tick-driven exits and the
// daily recovery check that promotes a proven symbol back to live trading.
type Engine struct {
	repo      *database.Repository
	cache     *cache.Service
	decisions *decision.Recorder
	bus       *events.Bus
	cfg       config.ShadowConfig
	logger    zerolog.Logger
}

func NewEngine(repo *database.Repository, cacheSvc *cache.Service, decisions *decision.Recorder,
	bus *events.Bus, cfg config.ShadowConfig, logger zerolog.Logger) *Engine {
	return &Engine{
		repo:      repo,
		cache:     cacheSvc,
		decisions: decisions,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With().Str("component", "ShadowEngine").Logger(),
	}
}

// Open records a simulated entry for a signal diverted from real execution.
// At most one open shadow position per (account, instrument, direction).
func (e *Engine) Open(ctx context.Context, accountID int64, sig *database.TradingSignal) error {
	exists, err := e.repo.HasOpenShadowTrade(ctx, accountID, sig.Instrument, sig.Direction)
	if err != nil {
		return fmt.Errorf("shadow dedup check failed: %w", err)
	}
	if exists {
		e.logger.Debug().
			Int64("account", accountID).
			Str("instrument", sig.Instrument).
			Str("direction", sig.Direction).
			Msg("Shadow position already open, signal skipped")
		return nil
	}

	// enter at the market like a real order would: BUY at ask, SELL at bid
	entry := sig.SuggestedEntry
	if tick, ok := e.latestTick(ctx, sig.Instrument); ok {
		if sig.Direction == market.DirectionBuy && tick.Ask > 0 {
			entry = tick.Ask
		} else if sig.Direction == market.DirectionSell && tick.Bid > 0 {
			entry = tick.Bid
		}
	}
	if entry <= 0 {
		return fmt.Errorf("no usable entry price for shadow %s %s", sig.Instrument, sig.Direction)
	}

	volume := 0.01
	if sym, err := e.repo.GetBrokerSymbol(ctx, sig.Instrument); err == nil && sym.MinVolume > 0 {
		volume = sym.MinVolume
	}

	st := &database.ShadowTrade{
		AccountID:  accountID,
		Instrument: sig.Instrument,
		Direction:  sig.Direction,
		Volume:     volume,
		EntryPrice: entry,
		EntryTime:  time.Now().UTC(),
		SL:         sig.SuggestedSL,
		TP:         sig.SuggestedTP,
		SignalID:   &sig.ID,
	}
	if err := e.repo.CreateShadowTrade(ctx, st); err != nil {
		return fmt.Errorf("failed to create shadow trade: %w", err)
	}

	metrics.ShadowTradesOpened.Inc()
	e.decisions.RecordForAccount(ctx, accountID, decision.TypeShadowTrade, sig.Instrument,
		decision.OutcomeAccepted, "signal diverted to shadow book",
		map[string]interface{}{
			"signal_id":  sig.ID,
			"direction":  sig.Direction,
			"entry":      entry,
			"sl":         sig.SuggestedSL,
			"tp":         sig.SuggestedTP,
			"confidence": sig.Confidence,
		})

	e.logger.Info().
		Int64("account", accountID).
		Str("instrument", sig.Instrument).
		Str("direction", sig.Direction).
		Float64("entry", entry).
		Msg("Shadow trade opened")
	return nil
}

// Scan walks the open shadow book and closes positions whose SL or TP the
// current tick has crossed. Runs on the shadow interval.
func (e *Engine) Scan(ctx context.Context) error {
	open, err := e.repo.ListOpenShadowTrades(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open shadow trades: %w", err)
	}
	if len(open) == 0 {
		return nil
	}

	ticks := make(map[string]market.Tick)
	for _, st := range open {
		tick, ok := ticks[st.Instrument]
		if !ok {
			tick, ok = e.latestTick(ctx, st.Instrument)
			if !ok {
				continue
			}
			ticks[st.Instrument] = tick
		}

		exitPrice, reason := exitCross(st, tick)
		if reason == "" {
			continue
		}
		if err := e.close(ctx, st, exitPrice, reason); err != nil {
			e.logger.Error().Int64("shadow", st.ID).Err(err).Msg("Failed to close shadow trade")
		}
	}
	return nil
}

// exitCross reports whether the tick crossed the trade's SL or TP and at
// what price the simulated fill happens. Stops fill at market: the BUY side
// exits on bid, the SELL side on ask.
func exitCross(st *database.ShadowTrade, tick market.Tick) (float64, string) {
	if st.Direction == market.DirectionBuy {
		if st.SL > 0 && tick.Bid <= st.SL {
			return tick.Bid, ExitReasonSL
		}
		if st.TP > 0 && tick.Bid >= st.TP {
			return tick.Bid, ExitReasonTP
		}
		return 0, ""
	}
	if st.SL > 0 && tick.Ask >= st.SL {
		return tick.Ask, ExitReasonSL
	}
	if st.TP > 0 && tick.Ask <= st.TP {
		return tick.Ask, ExitReasonTP
	}
	return 0, ""
}

func (e *Engine) close(ctx context.Context, st *database.ShadowTrade, exitPrice float64, reason string) error {
	profit := e.hypotheticalProfit(ctx, st, exitPrice)
	if err := e.repo.CloseShadowTrade(ctx, st.ID, exitPrice, time.Now().UTC(), reason, profit); err != nil {
		return err
	}

	metrics.ShadowTradesClosed.WithLabelValues(reason).Inc()
	outcome := decision.OutcomeLoss
	if profit >= 0 {
		outcome = decision.OutcomeWin
	}
	e.decisions.RecordForAccount(ctx, st.AccountID, decision.TypeShadowTrade, st.Instrument,
		outcome, "shadow exit "+reason,
		map[string]interface{}{
			"shadow_id": st.ID,
			"direction": st.Direction,
			"entry":     st.EntryPrice,
			"exit":      exitPrice,
			"profit":    profit,
		})

	e.logger.Info().
		Int64("account", st.AccountID).
		Str("instrument", st.Instrument).
		Str("direction", st.Direction).
		Str("reason", reason).
		Float64("profit", profit).
		Msg("Shadow trade closed")
	return nil
}

// hypotheticalProfit values the exit in deposit currency through the broker
// tick value. Falls back to the raw price difference when the symbol spec
// is unknown.
func (e *Engine) hypotheticalProfit(ctx context.Context, st *database.ShadowTrade, exitPrice float64) float64 {
	diff := exitPrice - st.EntryPrice
	if st.Direction == market.DirectionSell {
		diff = st.EntryPrice - exitPrice
	}

	sym, err := e.repo.GetBrokerSymbol(ctx, st.Instrument)
	if err != nil || sym.TickSize <= 0 || sym.TickValue <= 0 {
		return diff * st.Volume
	}
	return diff / sym.TickSize * sym.TickValue * st.Volume
}

// RunRecovery re-examines every shadow-mode symbol and promotes the ones
// whose recent simulated record clears the recovery bar. Daily job.
func (e *Engine) RunRecovery(ctx context.Context) error {
	configs, err := e.repo.ListShadowConfigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list shadow configs: %w", err)
	}

	since := time.Now().UTC().AddDate(0, 0, -e.cfg.RecoveryWindowDays)
	for _, cfg := range configs {
		perf, err := e.repo.GetShadowPerformance(ctx, cfg.AccountID, cfg.Instrument, cfg.Direction, since)
		if err != nil {
			e.logger.Error().Int64("config", cfg.ID).Err(err).Msg("Shadow performance lookup failed")
			continue
		}

		if perf.Trades < e.cfg.RecoveryMinTrades ||
			perf.WinRate < e.cfg.RecoveryMinWinRate ||
			perf.TotalProfit < e.cfg.RecoveryMinProfit {
			e.logger.Debug().
				Int64("account", cfg.AccountID).
				Str("instrument", cfg.Instrument).
				Str("direction", cfg.Direction).
				Int("trades", perf.Trades).
				Float64("winrate", perf.WinRate).
				Float64("profit", perf.TotalProfit).
				Msg("Shadow record below recovery bar")
			continue
		}

		if err := e.repo.SetSymbolStatus(ctx, cfg.ID, database.SymbolStatusActive, "", "shadow_recovery"); err != nil {
			e.logger.Error().Int64("config", cfg.ID).Err(err).Msg("Failed to promote recovered symbol")
			continue
		}
		if err := e.repo.SetSymbolShadowMode(ctx, cfg.AccountID, cfg.Instrument, false); err != nil {
			e.logger.Warn().Int64("config", cfg.ID).Err(err).Msg("Failed to clear subscription shadow mode")
		}

		e.decisions.RecordForAccount(ctx, cfg.AccountID, decision.TypeSymbolRecovery, cfg.Instrument,
			decision.OutcomeAccepted,
			fmt.Sprintf("shadow record recovered: %d trades, %.1f%% winrate, %.2f profit",
				perf.Trades, perf.WinRate, perf.TotalProfit),
			map[string]interface{}{"direction": cfg.Direction, "window_days": e.cfg.RecoveryWindowDays})
		e.bus.Publish(events.Event{
			Type:      events.EventShadowRecovered,
			AccountID: cfg.AccountID,
			Payload: map[string]interface{}{
				"instrument": cfg.Instrument,
				"direction":  cfg.Direction,
				"trades":     perf.Trades,
				"winrate":    perf.WinRate,
				"profit":     perf.TotalProfit,
			},
		})

		e.logger.Info().
			Int64("account", cfg.AccountID).
			Str("instrument", cfg.Instrument).
			Str("direction", cfg.Direction).
			Float64("winrate", perf.WinRate).
			Msg("Symbol recovered from shadow mode")
	}
	return nil
}

// latestTick prefers the cache and falls back to the tick table.
func (e *Engine) latestTick(ctx context.Context, instrument string) (market.Tick, bool) {
	if e.cache.Available() {
		var tick market.Tick
		if ok, err := e.cache.Get(ctx, cache.LatestTickKey(instrument), &tick); err == nil && ok {
			return tick, true
		}
	}

	row, err := e.repo.GetLatestTick(ctx, instrument)
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
