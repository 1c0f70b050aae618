package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/decision"
	"mt5-trading-server/internal/events"
)

// Optimizer threshold bounds
const (
	thresholdLossStep = 5.0
	thresholdWinStep  = 1.0
	thresholdCap      = 80.0
	thresholdFloor    = 45.0

	multiplierLossStep = 0.10
	multiplierWinStep  = 0.05
	multiplierFloor    = 0.10
	multiplierCap      = 2.00

	rollingWindow     = 20 // trades considered for the rolling winrate
	rollingMinSample  = 10
	rollingLowWinrate = 40.0
	rollingHotWinrate = 65.0

	pauseAfterLosses = 3
	pauseHours       = 24

	shadowMinSample = 8 // zero winrate over this many trades demotes to shadow
)

// Optimizer adjusts the per (account, instrument, direction) trading config
// after every closed trade: confidence thresholds breathe with results, risk
// multipliers shrink on streaks, cold symbols pause, dead ones go shadow.
type Optimizer struct {
	repo      *database.Repository
	decisions *decision.Recorder
	bus       *events.Bus
	logger    zerolog.Logger
}

// NewOptimizer creates the auto-optimizer
func NewOptimizer(repo *database.Repository, decisions *decision.Recorder, bus *events.Bus, logger zerolog.Logger) *Optimizer {
	return &Optimizer{
		repo:      repo,
		decisions: decisions,
		bus:       bus,
		logger:    logger.With().Str("component", "AutoOptimizer").Logger(),
	}
}

// HandleTradeClose applies the optimization rules for one closed trade.
// Called synchronously from the trade-update path so config adjustments are
// visible before the next signal is evaluated.
func (o *Optimizer) HandleTradeClose(ctx context.Context, trade *database.Trade) error {
	cfg, err := o.repo.GetSymbolConfig(ctx, trade.AccountID, trade.Instrument, trade.Direction)
	if err != nil {
		return fmt.Errorf("failed to load symbol config: %w", err)
	}

	net := trade.Profit + trade.Commission + trade.Swap
	win := net >= 0
	outcome := decision.OutcomeLoss
	if win {
		outcome = decision.OutcomeWin
	}

	before := *cfg
	if win {
		o.applyWin(cfg)
	} else {
		o.applyLoss(cfg)
	}

	o.refreshRollingWinrate(ctx, cfg, trade)
	o.applyRollingAdjustments(cfg)
	o.applyDemotions(ctx, cfg)

	cfg.UpdatedBy = "optimizer"
	if err := o.repo.UpdateSymbolConfigParams(ctx, cfg); err != nil {
		return fmt.Errorf("failed to persist symbol config: %w", err)
	}

	o.decisions.RecordForAccount(ctx, trade.AccountID, decision.TypeOptimizationRun, trade.Instrument,
		outcome,
		fmt.Sprintf("%s %s: threshold %.1f->%.1f, multiplier %.2f->%.2f, status %s",
			trade.Direction, outcome, before.MinConfidenceThreshold, cfg.MinConfidenceThreshold,
			before.RiskMultiplier, cfg.RiskMultiplier, cfg.Status),
		map[string]interface{}{
			"trade_id":        trade.ID,
			"net":             net,
			"threshold":       cfg.MinConfidenceThreshold,
			"risk_multiplier": cfg.RiskMultiplier,
			"status":          cfg.Status,
			"rolling_winrate": cfg.RollingWinrate,
		})

	if before.Status != cfg.Status {
		o.bus.Publish(events.Event{
			Type:      events.EventSymbolStatusChanged,
			AccountID: trade.AccountID,
			Payload: map[string]interface{}{
				"instrument": trade.Instrument,
				"direction":  trade.Direction,
				"from":       before.Status,
				"to":         cfg.Status,
				"reason":     cfg.PauseReason,
			},
		})
		if cfg.Status == database.SymbolStatusShadowTrade {
			if err := o.repo.SetSymbolShadowMode(ctx, trade.AccountID, trade.Instrument, true); err != nil {
				o.logger.Warn().Err(err).Msg("Failed to mirror shadow mode to subscription")
			}
		}
	}

	o.logger.Info().
		Int64("account", trade.AccountID).
		Str("instrument", trade.Instrument).
		Str("direction", trade.Direction).
		Str("outcome", outcome).
		Float64("threshold", cfg.MinConfidenceThreshold).
		Float64("multiplier", cfg.RiskMultiplier).
		Str("status", cfg.Status).
		Msg("Symbol config optimized")
	return nil
}

func (o *Optimizer) applyLoss(cfg *database.SymbolTradingConfig) {
	cfg.MinConfidenceThreshold = minF(thresholdCap, cfg.MinConfidenceThreshold+thresholdLossStep)
	cfg.ConsecutiveLosses++
	cfg.ConsecutiveWins = 0
	if cfg.ConsecutiveLosses >= 2 {
		cfg.RiskMultiplier = maxF(multiplierFloor, cfg.RiskMultiplier-multiplierLossStep)
	}
}

func (o *Optimizer) applyWin(cfg *database.SymbolTradingConfig) {
	cfg.MinConfidenceThreshold = maxF(thresholdFloor, cfg.MinConfidenceThreshold-thresholdWinStep)
	cfg.ConsecutiveWins++
	cfg.ConsecutiveLosses = 0
	if cfg.ConsecutiveWins >= 3 {
		cfg.RiskMultiplier = minF(multiplierCap, cfg.RiskMultiplier+multiplierWinStep)
	}
}

// refreshRollingWinrate recomputes the winrate over the last window of
// closed trades for this (instrument, direction).
func (o *Optimizer) refreshRollingWinrate(ctx context.Context, cfg *database.SymbolTradingConfig, trade *database.Trade) {
	recent, err := o.repo.ListRecentClosedTrades(ctx, trade.AccountID, trade.Instrument, trade.Direction, rollingWindow)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Rolling winrate lookup failed")
		return
	}
	if len(recent) == 0 {
		return
	}

	wins := 0
	for _, t := range recent {
		if t.Profit+t.Commission+t.Swap >= 0 {
			wins++
		}
	}
	cfg.RollingTradesCount = len(recent)
	cfg.RollingWinrate = float64(wins) / float64(len(recent)) * 100
}

func (o *Optimizer) applyRollingAdjustments(cfg *database.SymbolTradingConfig) {
	if cfg.RollingTradesCount < rollingMinSample {
		return
	}
	switch {
	case cfg.RollingWinrate < rollingLowWinrate:
		cfg.MinConfidenceThreshold = minF(thresholdCap, cfg.MinConfidenceThreshold+5.0)
		cfg.RiskMultiplier = maxF(multiplierFloor, cfg.RiskMultiplier-0.20)
	case cfg.RollingWinrate > rollingHotWinrate:
		cfg.MinConfidenceThreshold = maxF(thresholdFloor, cfg.MinConfidenceThreshold-2.0)
	}
}

// applyDemotions pauses a cold streak and demotes a dead symbol to shadow.
func (o *Optimizer) applyDemotions(ctx context.Context, cfg *database.SymbolTradingConfig) {
	if cfg.RollingWinrate == 0 && cfg.RollingTradesCount >= shadowMinSample {
		cfg.Status = database.SymbolStatusShadowTrade
		cfg.PauseReason = fmt.Sprintf("zero winrate over %d trades", cfg.RollingTradesCount)
		now := time.Now().UTC()
		cfg.PausedAt = &now
		cfg.PausedUntil = nil
		return
	}

	if cfg.ConsecutiveLosses >= pauseAfterLosses && cfg.Status == database.SymbolStatusActive {
		now := time.Now().UTC()
		until := now.Add(pauseHours * time.Hour)
		cfg.Status = database.SymbolStatusPaused
		cfg.PauseReason = fmt.Sprintf("%d consecutive losses", cfg.ConsecutiveLosses)
		cfg.PausedAt = &now
		cfg.PausedUntil = &until
	}
}

// ResumeExpiredPauses reactivates configs whose 24 h pause has lapsed.
// Runs on a scheduler cadence.
func (o *Optimizer) ResumeExpiredPauses(ctx context.Context) error {
	expired, err := o.repo.ListExpiredPauses(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to list expired pauses: %w", err)
	}

	for _, cfg := range expired {
		if err := o.repo.SetSymbolStatus(ctx, cfg.ID, database.SymbolStatusActive, "", "optimizer"); err != nil {
			o.logger.Error().Int64("config", cfg.ID).Err(err).Msg("Failed to resume paused symbol")
			continue
		}

		o.decisions.RecordForAccount(ctx, cfg.AccountID, decision.TypeOptimizationRun, cfg.Instrument,
			decision.OutcomeAccepted, "pause window lapsed, symbol resumed",
			map[string]interface{}{"direction": cfg.Direction})
		o.bus.Publish(events.Event{
			Type:      events.EventSymbolStatusChanged,
			AccountID: cfg.AccountID,
			Payload: map[string]interface{}{
				"instrument": cfg.Instrument,
				"direction":  cfg.Direction,
				"from":       database.SymbolStatusPaused,
				"to":         database.SymbolStatusActive,
			},
		})

		o.logger.Info().
			Int64("account", cfg.AccountID).
			Str("instrument", cfg.Instrument).
			Str("direction", cfg.Direction).
			Msg("Symbol pause expired, resumed")
	}
	return nil
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
