package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mt5-trading-server/config"
	"mt5-trading-server/internal/cache"
	"mt5-trading-server/internal/commands"
	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/decision"
	"mt5-trading-server/internal/events"
	"mt5-trading-server/internal/indicators"
	"mt5-trading-server/internal/market"
)

// emergencyGrace is how long after open a trade may run without stops
// before the missing-SL/TP close fires. The EA sets stops in the opening
// order, but some brokers strip them and the EA re-applies on its next
// cycle; closing inside that window would kill healthy positions.
const emergencyGrace = time.Minute

// revalidateEvery rate-limits the strategy re-validation per trade; it
// reruns the full indicator pass, which is too heavy for every scan.
const revalidateEvery = time.Minute

// Monitor walks open trades and manages their lifecycle: trailing stops,
// partial closes at profit milestones, time exits, emergency closes and
// stale-ticket reconciliation. It never touches the broker directly;
// every action is a durable command the EA executes and reports back.
//
// Actions per trade are serial: one scan emits at most one command for a
// trade, and a partial close defers trailing to the next pass.
type Monitor struct {
	repo      *database.Repository
	cache     *cache.Service
	queue     *commands.Service
	engine    *indicators.Engine
	decisions *decision.Recorder
	bus       *events.Bus
	cfg       *config.Config
	logger    zerolog.Logger

	mu           sync.Mutex
	lastTrailAt  map[int64]time.Time // trade id → last MODIFY_SL emission
	lastRevalAt  map[int64]time.Time // trade id → last strategy re-validation
	reported     map[int64]reportedTickets
	guardActions map[int64]guardMark
}

// New creates the trade monitor
func New(repo *database.Repository, cacheSvc *cache.Service, queue *commands.Service, engine *indicators.Engine, decisions *decision.Recorder, bus *events.Bus, cfg *config.Config, logger zerolog.Logger) *Monitor {
	return &Monitor{
		repo:         repo,
		cache:        cacheSvc,
		queue:        queue,
		engine:       engine,
		decisions:    decisions,
		bus:          bus,
		cfg:          cfg,
		logger:       logger.With().Str("component", "TradeMonitor").Logger(),
		lastTrailAt:  make(map[int64]time.Time),
		lastRevalAt:  make(map[int64]time.Time),
		reported:     make(map[int64]reportedTickets),
		guardActions: make(map[int64]guardMark),
	}
}

// ScanOnce runs one pass over every open trade
func (m *Monitor) ScanOnce(ctx context.Context) error {
	trades, err := m.repo.ListAllOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("list open trades: %w", err)
	}

	for _, t := range trades {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.inspect(ctx, t)
	}
	m.prune(trades)
	return nil
}

// inspect applies the lifecycle checks to one trade, most severe first.
// The first check that emits a command ends the pass for this trade.
func (m *Monitor) inspect(ctx context.Context, t *database.Trade) {
	sym, err := m.repo.GetBrokerSymbol(ctx, t.Instrument)
	if err != nil {
		m.logger.Debug().Err(err).Str("instrument", t.Instrument).
			Int64("trade", t.ID).Msg("No broker spec for open trade")
		return
	}
	tick := m.latestTick(ctx, t.Instrument)
	if tick == nil {
		return
	}

	if t.Session == "" {
		if err := m.repo.UpdateTradeSession(ctx, t.ID, market.SessionAt(t.OpenTime)); err != nil {
			m.logger.Debug().Err(err).Int64("trade", t.ID).Msg("Session backfill failed")
		}
	}

	profit := unrealizedProfit(t, sym, midOf(tick))
	if err := m.repo.UpdateTradeExcursions(ctx, t.ID, profit); err != nil {
		m.logger.Debug().Err(err).Int64("trade", t.ID).Msg("Excursion update failed")
	}

	now := time.Now().UTC()

	// A position without protective stops is one freeze away from
	// unbounded loss.
	if (t.SL == 0 || t.TP == 0) && now.Sub(t.OpenTime) > emergencyGrace {
		m.closeTrade(ctx, t, database.CloseReasonEmergency,
			fmt.Sprintf("broker reports SL=%.5f TP=%.5f on ticket %d", t.SL, t.TP, t.Ticket),
			fmt.Sprintf("emg-%d", t.ID))
		return
	}

	if m.pastMaxHold(t, now) {
		held := int(now.Sub(t.OpenTime).Minutes())
		m.closeTrade(ctx, t, database.CloseReasonTimeExit,
			fmt.Sprintf("held %dm, profit %.2f", held, profit),
			fmt.Sprintf("time-%d", t.ID))
		return
	}

	if profit < -m.cfg.MonitorConfig.RevalidateLossEUR {
		if m.revalidate(ctx, t, profit) {
			return
		}
	}

	if m.tryPartialClose(ctx, t, sym, tick) {
		return // trailing deferred to the next pass
	}

	m.trail(ctx, t, sym, tick)
}

// pastMaxHold applies the class-specific time exit
func (m *Monitor) pastMaxHold(t *database.Trade, now time.Time) bool {
	maxMins := m.cfg.MonitorConfig.MaxHoldSwingMins
	if market.IsScalpClass(t.Instrument) {
		maxMins = m.cfg.MonitorConfig.MaxHoldScalpMins
	}
	if maxMins <= 0 {
		return false
	}
	return now.Sub(t.OpenTime) >= time.Duration(maxMins)*time.Minute
}

// revalidate reruns the indicator pass for a losing trade and closes it
// when the signal basis has flipped against it or the regime has decayed
// below classification. Returns true when a close was emitted.
func (m *Monitor) revalidate(ctx context.Context, t *database.Trade, profit float64) bool {
	now := time.Now().UTC()
	m.mu.Lock()
	if now.Sub(m.lastRevalAt[t.ID]) < revalidateEvery {
		m.mu.Unlock()
		return false
	}
	m.lastRevalAt[t.ID] = now
	m.mu.Unlock()

	timeframe := market.TimeframeM15
	if t.SignalID != nil {
		if sig, err := m.repo.GetSignal(ctx, *t.SignalID); err == nil {
			timeframe = sig.Timeframe
		}
	}

	candles, err := m.repo.GetCandles(ctx, t.Instrument, timeframe, 200)
	if err != nil || len(candles) == 0 {
		return false
	}
	bundle := m.engine.CalculateAll(ctx, t.Instrument, timeframe, candles)
	if bundle == nil || !bundle.Valid {
		return false
	}

	var with, against int
	for _, r := range bundle.ActiveSignals() {
		switch r.Signal {
		case indicators.SignalBuy:
			if t.Direction == market.DirectionBuy {
				with++
			} else {
				against++
			}
		case indicators.SignalSell:
			if t.Direction == market.DirectionSell {
				with++
			} else {
				against++
			}
		}
	}

	flipped := against > with && against >= 3
	decayed := bundle.Regime.State == indicators.RegimeTooWeak
	if !flipped && !decayed {
		return false
	}

	why := fmt.Sprintf("regime %s", bundle.Regime.State)
	if flipped {
		why = fmt.Sprintf("%d indicators against vs %d with", against, with)
	}
	m.closeTrade(ctx, t, database.CloseReasonStrategyInvalid,
		fmt.Sprintf("losing %.2f and strategy no longer holds: %s", profit, why),
		fmt.Sprintf("inv-%d", t.ID))
	return true
}

// closeTrade emits a CLOSE_TRADE command unless one is already unsettled
// for the ticket.
func (m *Monitor) closeTrade(ctx context.Context, t *database.Trade, reason, detail, clientID string) {
	pending, err := m.repo.HasUnsettledTicketCommand(ctx, t.AccountID, t.Ticket, database.CommandCloseTrade)
	if err != nil {
		m.logger.Error().Err(err).Int64("trade", t.ID).Msg("Pending close check failed")
		return
	}
	if pending {
		return
	}

	payload, _ := json.Marshal(database.CloseTradePayload{Ticket: t.Ticket, Reason: reason})
	inserted, err := m.queue.Enqueue(ctx, &database.Command{
		AccountID:       t.AccountID,
		ClientCommandID: clientID,
		CommandType:     database.CommandCloseTrade,
		Payload:         payload,
	})
	if err != nil {
		m.logger.Error().Err(err).Int64("trade", t.ID).Str("reason", reason).
			Msg("Close command enqueue failed")
		return
	}
	if !inserted {
		return
	}

	m.decisions.RecordForAccount(ctx, t.AccountID, decision.TypeTradeClose,
		t.Instrument, decision.OutcomeExecuted, detail,
		map[string]interface{}{
			"trade_id": t.ID,
			"ticket":   t.Ticket,
			"reason":   reason,
		})
	m.logger.Warn().Int64("trade", t.ID).Int64("ticket", t.Ticket).
		Str("instrument", t.Instrument).Str("reason", reason).Str("detail", detail).
		Msg("Close command issued")
}

// prune drops per-trade state for trades no longer open
func (m *Monitor) prune(open []*database.Trade) {
	alive := make(map[int64]struct{}, len(open))
	for _, t := range open {
		alive[t.ID] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.lastTrailAt {
		if _, ok := alive[id]; !ok {
			delete(m.lastTrailAt, id)
		}
	}
	for id := range m.lastRevalAt {
		if _, ok := alive[id]; !ok {
			delete(m.lastRevalAt, id)
		}
	}
}

// latestTick reads the freshest quote, preferring the cache
func (m *Monitor) latestTick(ctx context.Context, instrument string) *database.Tick {
	if m.cache.Available() {
		var t database.Tick
		if ok, err := m.cache.Get(ctx, cache.LatestTickKey(instrument), &t); err == nil && ok {
			return &t
		}
	}
	t, err := m.repo.GetLatestTick(ctx, instrument)
	if err != nil {
		return nil
	}
	return t
}

// exitPrice returns the side of the book the position would close at
func exitPrice(t *database.Trade, tick *database.Tick) float64 {
	if t.Direction == market.DirectionSell {
		return tick.Ask
	}
	return tick.Bid
}

func midOf(tick *database.Tick) float64 {
	return (tick.Bid + tick.Ask) / 2
}

// unrealizedProfit values an open position at the given price in deposit
// currency, using the broker's tick geometry when available.
func unrealizedProfit(t *database.Trade, sym *database.BrokerSymbol, price float64) float64 {
	diff := price - t.OpenPrice
	if t.Direction == market.DirectionSell {
		diff = -diff
	}
	if sym != nil && sym.TickSize > 0 && sym.TickValue > 0 {
		return diff / sym.TickSize * sym.TickValue * t.Volume
	}
	return diff * t.Volume
}
