package monitor

import (
	"context"
	"fmt"
	"time"

	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/decision"
	"mt5-trading-server/internal/events"
	"mt5-trading-server/internal/market"
	"mt5-trading-server/internal/metrics"
)

// reportedTickets is the set of open tickets an EA last announced
type reportedTickets struct {
	tickets map[int64]struct{}
	at      time.Time
}

// ReportOpenTickets records the open tickets an EA announced on its
// heartbeat. The reconciler compares them against the trades the server
// believes are open; a ticket the broker no longer knows gets the trade
// closed as stale after repeated misses.
func (m *Monitor) ReportOpenTickets(accountID int64, tickets []int64) {
	set := make(map[int64]struct{}, len(tickets))
	for _, tk := range tickets {
		set[tk] = struct{}{}
	}
	m.mu.Lock()
	m.reported[accountID] = reportedTickets{tickets: set, at: time.Now().UTC()}
	m.mu.Unlock()
}

// ReconcileOnce cross-checks server-side open trades against each EA's
// last position report, and sweeps accounts whose heartbeat went silent.
func (m *Monitor) ReconcileOnce(ctx context.Context) error {
	if err := m.sweepStaleAccounts(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Stale account sweep failed")
	}

	accounts, err := m.repo.ListConnectedAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list connected accounts: %w", err)
	}

	maxReportAge := 2 * time.Duration(m.cfg.MonitorConfig.ReconcileIntervalSecs) * time.Second
	now := time.Now().UTC()

	for _, acc := range accounts {
		m.mu.Lock()
		rep, ok := m.reported[acc.AccountID]
		m.mu.Unlock()
		if !ok || now.Sub(rep.at) > maxReportAge {
			// No fresh report; absence of data is not absence of the
			// position. The heartbeat sweep handles dead EAs.
			continue
		}

		trades, err := m.repo.ListOpenTrades(ctx, acc.AccountID)
		if err != nil {
			m.logger.Error().Err(err).Int64("account", acc.AccountID).Msg("Open trade list failed")
			continue
		}

		for _, t := range trades {
			if t.OpenTime.After(rep.at) {
				continue // opened after the report was taken
			}
			if _, present := rep.tickets[t.Ticket]; present {
				if t.ReconcileMisses > 0 {
					if err := m.repo.ResetReconcileMisses(ctx, t.ID); err != nil {
						m.logger.Debug().Err(err).Int64("trade", t.ID).Msg("Miss counter reset failed")
					}
				}
				continue
			}

			misses, err := m.repo.IncrementReconcileMisses(ctx, t.ID)
			if err != nil {
				m.logger.Error().Err(err).Int64("trade", t.ID).Msg("Miss counter bump failed")
				continue
			}
			if misses >= m.cfg.MonitorConfig.StaleReconcileMisses {
				m.closeStale(ctx, t, misses)
			} else {
				m.logger.Warn().Int64("trade", t.ID).Int64("ticket", t.Ticket).
					Int("misses", misses).Msg("Open trade missing from EA position report")
			}
		}
	}
	return nil
}

// closeStale finalizes a trade the broker no longer reports, with the
// best close data available: the last known profit and the freshest tick.
func (m *Monitor) closeStale(ctx context.Context, t *database.Trade, misses int) {
	now := time.Now().UTC()
	closePrice := t.OpenPrice
	if tick := m.latestTick(ctx, t.Instrument); tick != nil {
		closePrice = exitPrice(t, tick)
	}

	var pips, rr float64
	if sym, err := m.repo.GetBrokerSymbol(ctx, t.Instrument); err == nil {
		pips = market.PipsCaptured(t.Direction, t.OpenPrice, closePrice, sym.Point, sym.Digits)
	}
	rr = market.RealizedRR(t.Direction, t.OpenPrice, t.InitialSL, closePrice)

	err := m.repo.CloseTrade(ctx, t.ID, database.CloseTradeParams{
		ClosePrice:         closePrice,
		CloseTime:          now,
		Profit:             t.Profit,
		Commission:         t.Commission,
		Swap:               t.Swap,
		CloseReason:        database.CloseReasonStaleReconciled,
		HoldDurationMin:    int(now.Sub(t.OpenTime).Minutes()),
		PipsCaptured:       pips,
		RiskRewardRealized: rr,
	})
	if err != nil {
		m.logger.Error().Err(err).Int64("trade", t.ID).Msg("Stale close failed")
		return
	}

	metrics.TradesClosed.WithLabelValues(database.CloseReasonStaleReconciled).Inc()
	m.decisions.RecordForAccount(ctx, t.AccountID, decision.TypeTradeClose,
		t.Instrument, decision.OutcomeExecuted,
		fmt.Sprintf("ticket %d absent from %d consecutive EA position reports", t.Ticket, misses),
		map[string]interface{}{
			"trade_id":    t.ID,
			"ticket":      t.Ticket,
			"close_price": closePrice,
			"profit":      t.Profit,
		})
	m.bus.Publish(events.Event{
		Type:      events.EventTradeClosed,
		AccountID: t.AccountID,
		Payload: map[string]interface{}{
			"trade_id": t.ID,
			"ticket":   t.Ticket,
			"reason":   database.CloseReasonStaleReconciled,
		},
	})
	m.logger.Warn().Int64("trade", t.ID).Int64("ticket", t.Ticket).
		Str("instrument", t.Instrument).Float64("profit", t.Profit).
		Msg("Trade closed as stale: broker no longer reports the ticket")
}

// sweepStaleAccounts disconnects accounts whose heartbeat exceeded the
// timeout so risk checks and the dashboard see them as offline.
func (m *Monitor) sweepStaleAccounts(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(m.cfg.TradingConfig.HeartbeatTimeoutSecs) * time.Second)
	stale, err := m.repo.ListStaleAccounts(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list stale accounts: %w", err)
	}

	for _, accountID := range stale {
		if err := m.repo.MarkAccountDisconnected(ctx, accountID); err != nil {
			m.logger.Error().Err(err).Int64("account", accountID).Msg("Disconnect mark failed")
			continue
		}
		m.decisions.RecordForAccount(ctx, accountID, decision.TypeMT5Disconnect, "",
			decision.OutcomeExecuted,
			fmt.Sprintf("no heartbeat for %ds", m.cfg.TradingConfig.HeartbeatTimeoutSecs),
			nil)
		m.bus.Publish(events.Event{
			Type:      events.EventAccountDisconnected,
			AccountID: accountID,
		})
		m.logger.Warn().Int64("account", accountID).Msg("Account heartbeat timed out, marked disconnected")
	}
	return nil
}
