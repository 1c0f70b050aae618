package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mt5-trading-server/config"
	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/decision"
)

// DynamicManager recomputes per-account daily loss ceilings and risk:reward
// requirements from recent performance. The auto-trader consults it as the
// dynamic-risk gate before anything touches the broker.
type DynamicManager struct {
	repo      *database.Repository
	decisions *decision.Recorder
	cfg       config.RiskConfig
	logger    zerolog.Logger

	mu       sync.RWMutex
	ceilings map[int64]float64 // account -> daily loss ceiling, deposit currency
	rrFactor map[int64]float64 // account -> weekly performance factor for R:R
}

// NewDynamicManager creates the dynamic risk manager
func NewDynamicManager(repo *database.Repository, decisions *decision.Recorder, cfg config.RiskConfig, logger zerolog.Logger) *DynamicManager {
	return &DynamicManager{
		repo:      repo,
		decisions: decisions,
		cfg:       cfg,
		logger:    logger.With().Str("component", "DynamicRisk").Logger(),
		ceilings:  make(map[int64]float64),
		rrFactor:  make(map[int64]float64),
	}
}

// performanceFactor maps the trailing profit factor to a ceiling scale.
func performanceFactor(pf float64) float64 {
	switch {
	case pf >= 2.0:
		return 1.3
	case pf >= 1.5:
		return 1.2
	case pf >= 1.0:
		return 1.0
	case pf >= 0.7:
		return 0.8
	default:
		return 0.6
	}
}

// profitFactor is gross wins over gross losses. No losses means the best
// bucket; no trades at all means neutral.
func profitFactor(trades []*database.Trade) float64 {
	var grossWin, grossLoss float64
	for _, t := range trades {
		net := t.Profit + t.Commission + t.Swap
		if net >= 0 {
			grossWin += net
		} else {
			grossLoss += -net
		}
	}
	if grossLoss == 0 {
		if grossWin == 0 {
			return 1.0
		}
		return 2.0
	}
	return grossWin / grossLoss
}

// RecomputeDaily refreshes every account's daily loss ceiling:
// balance x maxLossPct x growth x performance. Growth is reconstructed as
// balance over (balance - lifetime realized), clamped to [0.5, 2.0] so a
// wild week cannot blow the ceiling open.
func (d *DynamicManager) RecomputeDaily(ctx context.Context) error {
	accounts, err := d.repo.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}

	now := time.Now().UTC()
	weekAgo := now.AddDate(0, 0, -7)

	for _, acc := range accounts {
		profile := ProfileByName(acc.RiskProfile)

		balance := acc.Balance
		if balance <= 0 {
			continue
		}

		lifetime, err := d.repo.GetLifetimeRealizedProfit(ctx, acc.AccountID)
		if err != nil {
			d.logger.Error().Int64("account", acc.AccountID).Err(err).Msg("Lifetime profit lookup failed")
			continue
		}
		growth := 1.0
		if initial := balance - lifetime; initial > 0 {
			growth = clamp(balance/initial, 0.5, 2.0)
		}

		recent, err := d.repo.ListClosedTradesSince(ctx, acc.AccountID, weekAgo)
		if err != nil {
			d.logger.Error().Int64("account", acc.AccountID).Err(err).Msg("Recent trades lookup failed")
			continue
		}
		perf := performanceFactor(profitFactor(recent))

		ceiling := balance * profile.MaxDailyLossPct / 100 * growth * perf

		d.mu.Lock()
		d.ceilings[acc.AccountID] = ceiling
		d.mu.Unlock()

		d.decisions.RecordForAccount(ctx, acc.AccountID, decision.TypeOptimizationRun, "",
			decision.OutcomeAccepted,
			fmt.Sprintf("daily loss ceiling %.2f (growth %.2f, performance %.2f)", ceiling, growth, perf),
			map[string]interface{}{
				"ceiling":     ceiling,
				"growth":      growth,
				"performance": perf,
				"profile":     profile.Name,
			})

		d.logger.Info().
			Int64("account", acc.AccountID).
			Str("profile", profile.Name).
			Float64("ceiling", ceiling).
			Float64("growth", growth).
			Float64("performance", perf).
			Msg("Daily risk ceiling recomputed")
	}
	return nil
}

// RecomputeWeekly refreshes the performance factor used to scale the
// minimum risk:reward demanded of new trades.
func (d *DynamicManager) RecomputeWeekly(ctx context.Context) error {
	accounts, err := d.repo.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}

	weekAgo := time.Now().UTC().AddDate(0, 0, -7)
	for _, acc := range accounts {
		trades, err := d.repo.ListClosedTradesSince(ctx, acc.AccountID, weekAgo)
		if err != nil {
			d.logger.Error().Int64("account", acc.AccountID).Err(err).Msg("Weekly trades lookup failed")
			continue
		}
		factor := performanceFactor(profitFactor(trades))

		d.mu.Lock()
		d.rrFactor[acc.AccountID] = factor
		d.mu.Unlock()

		d.logger.Info().
			Int64("account", acc.AccountID).
			Float64("factor", factor).
			Msg("Weekly R:R factor recomputed")
	}
	return nil
}

// DailyCeiling returns the account's loss ceiling. Before the first
// recompute it falls back to the profile's static percentage of balance.
func (d *DynamicManager) DailyCeiling(acc *database.Account) float64 {
	d.mu.RLock()
	ceiling, ok := d.ceilings[acc.AccountID]
	d.mu.RUnlock()
	if ok {
		return ceiling
	}
	return acc.Balance * ProfileByName(acc.RiskProfile).MaxDailyLossPct / 100
}

// SymbolLossCeiling returns the per-trade loss ceiling for an instrument:
// the profile's per-trade slice of balance, weighted by asset class.
func (d *DynamicManager) SymbolLossCeiling(acc *database.Account, instrument string) float64 {
	profile := ProfileByName(acc.RiskProfile)
	return acc.Balance * profile.MaxLossPerTradePct / 100 * profile.ClassWeight(instrument)
}

// RequiredRiskReward scales the configured minimum R:R by recent
// performance: a struggling account must present better setups.
func (d *DynamicManager) RequiredRiskReward(accountID int64) float64 {
	d.mu.RLock()
	factor, ok := d.rrFactor[accountID]
	d.mu.RUnlock()
	if !ok || factor <= 0 {
		return d.cfg.MinRiskReward
	}
	return d.cfg.MinRiskReward / factor
}

// AllowNewTrade is the dynamic-risk gate: today's realized loss must sit
// inside the ceiling.
func (d *DynamicManager) AllowNewTrade(ctx context.Context, acc *database.Account) (bool, string) {
	realized, err := d.repo.GetDailyRealizedProfit(ctx, acc.AccountID, startOfDay(time.Now().UTC()))
	if err != nil {
		return false, fmt.Sprintf("daily profit lookup failed: %v", err)
	}

	ceiling := d.DailyCeiling(acc)
	if realized < 0 && -realized >= ceiling {
		return false, fmt.Sprintf("daily loss %.2f at ceiling %.2f", -realized, ceiling)
	}
	return true, ""
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
