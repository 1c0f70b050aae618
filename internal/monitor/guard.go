package monitor

import (
	"context"
	"fmt"
	"time"

	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/decision"
	"mt5-trading-server/internal/events"
)

// Drawdown guard tiers, in escalation order. An account acts each tier at
// most once per UTC day; recovery during the day does not re-arm a tier
// that already fired.
const (
	guardNone = iota
	guardWarned
	guardPaused
	guardEmergency
)

// guardMark remembers the highest tier acted on per account and day
type guardMark struct {
	day   string
	level int
}

// GuardAccounts computes today's realized plus unrealized P&L for every
// connected account and applies the drawdown tiers: soft warning, trading
// pause, emergency flat. Pause state is persisted on the account row so a
// restart cannot silently re-enable trading.
func (m *Monitor) GuardAccounts(ctx context.Context) error {
	accounts, err := m.repo.ListConnectedAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list connected accounts: %w", err)
	}
	for _, acc := range accounts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.guardAccount(ctx, acc)
	}
	return nil
}

func (m *Monitor) guardAccount(ctx context.Context, acc *database.Account) {
	if acc.BalanceStartOfDay <= 0 {
		return
	}
	now := time.Now().UTC()

	realized, err := m.repo.GetDailyRealizedProfit(ctx, acc.AccountID, startOfDayUTC(now))
	if err != nil {
		m.logger.Error().Err(err).Int64("account", acc.AccountID).Msg("Daily P&L read failed")
		return
	}

	trades, err := m.repo.ListOpenTrades(ctx, acc.AccountID)
	if err != nil {
		m.logger.Error().Err(err).Int64("account", acc.AccountID).Msg("Open trade list failed")
		return
	}

	var unrealized float64
	syms := make(map[string]*database.BrokerSymbol, 4)
	for _, t := range trades {
		sym, ok := syms[t.Instrument]
		if !ok {
			sym, _ = m.repo.GetBrokerSymbol(ctx, t.Instrument)
			syms[t.Instrument] = sym
		}
		if tick := m.latestTick(ctx, t.Instrument); tick != nil {
			unrealized += unrealizedProfit(t, sym, midOf(tick))
		} else {
			unrealized += t.Profit // broker-reported fallback
		}
	}

	total := realized + unrealized
	if total >= 0 {
		return
	}
	lossPct := -total / acc.BalanceStartOfDay * 100

	rcfg := m.cfg.RiskConfig
	level := guardNone
	switch {
	case rcfg.EmergencyClosePercent > 0 && lossPct >= rcfg.EmergencyClosePercent:
		level = guardEmergency
	case rcfg.MaxDailyLossPercent > 0 && lossPct >= rcfg.MaxDailyLossPercent:
		level = guardPaused
	case rcfg.SoftWarningPercent > 0 && lossPct >= rcfg.SoftWarningPercent:
		level = guardWarned
	}
	if level == guardNone {
		return
	}

	today := now.Format("2006-01-02")
	m.mu.Lock()
	mark := m.guardActions[acc.AccountID]
	if mark.day != today {
		mark = guardMark{day: today}
	}
	acted := mark.level >= level
	if !acted {
		mark.level = level
		m.guardActions[acc.AccountID] = mark
	}
	m.mu.Unlock()
	if acted {
		return
	}

	switch level {
	case guardWarned:
		m.logger.Warn().Int64("account", acc.AccountID).
			Float64("loss_pct", lossPct).Float64("realized", realized).
			Float64("unrealized", unrealized).Msg("Daily loss soft warning")
		m.decisions.RecordForAccount(ctx, acc.AccountID, decision.TypePerformanceAlert, "",
			decision.OutcomeAccepted,
			fmt.Sprintf("daily loss %.2f%% past soft warning %.2f%%", lossPct, rcfg.SoftWarningPercent),
			map[string]interface{}{"loss_pct": lossPct, "realized": realized, "unrealized": unrealized})

	case guardPaused:
		m.pauseTrading(ctx, acc, lossPct, total)

	case guardEmergency:
		m.pauseTrading(ctx, acc, lossPct, total)
		m.emergencyCloseAll(ctx, acc, trades, lossPct)
	}
}

// pauseTrading disables the auto-trader for the account, persisted
func (m *Monitor) pauseTrading(ctx context.Context, acc *database.Account, lossPct, total float64) {
	if acc.AutoTradingEnabled {
		if err := m.repo.SetAutoTrading(ctx, acc.AccountID, false); err != nil {
			m.logger.Error().Err(err).Int64("account", acc.AccountID).Msg("Trading pause persist failed")
			return
		}
	}
	m.decisions.RecordForAccount(ctx, acc.AccountID, decision.TypeAutoTradingDisabled, "",
		decision.OutcomeExecuted,
		fmt.Sprintf("daily loss guard: down %.2f (%.2f%%) for the day", -total, lossPct),
		map[string]interface{}{"loss_pct": lossPct})
	m.bus.Publish(events.Event{
		Type:      events.EventDrawdownPause,
		AccountID: acc.AccountID,
		Payload: map[string]interface{}{
			"loss_pct": lossPct,
			"loss":     -total,
		},
	})
	m.logger.Error().Int64("account", acc.AccountID).Float64("loss_pct", lossPct).
		Msg("Daily loss limit hit: auto-trading paused")
}

// emergencyCloseAll flattens every open position on the account
func (m *Monitor) emergencyCloseAll(ctx context.Context, acc *database.Account, trades []*database.Trade, lossPct float64) {
	day := time.Now().UTC().Format("20060102")
	for _, t := range trades {
		m.closeTrade(ctx, t, database.CloseReasonEmergency,
			fmt.Sprintf("account down %.2f%% for the day, forced flat", lossPct),
			fmt.Sprintf("emg-all-%d-%s", t.ID, day))
	}
	m.bus.Publish(events.Event{
		Type:      events.EventEmergencyClose,
		AccountID: acc.AccountID,
		Payload: map[string]interface{}{
			"loss_pct": lossPct,
			"trades":   len(trades),
		},
	})
	m.logger.Error().Int64("account", acc.AccountID).Int("trades", len(trades)).
		Float64("loss_pct", lossPct).Msg("EMERGENCY: daily loss past emergency limit, closing all positions")
}

func startOfDayUTC(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}
