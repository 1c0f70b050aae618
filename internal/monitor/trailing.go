package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/decision"
	"mt5-trading-server/internal/events"
	"mt5-trading-server/internal/market"
	"mt5-trading-server/internal/metrics"
)

// Trailing stages by progress toward TP. A stage only ever ratchets up:
// price pulling back does not demote a trade, and the stop never widens.
//
//	stage 1  p ≥ 0.30  break-even plus a small offset
//	stage 2  p ≥ 0.50  SL follows price by 0.40 × TP distance
//	stage 3  p ≥ 0.75  SL follows price by 0.25 × TP distance
//	stage 4  p ≥ 0.90  SL follows price by 0.15 × TP distance
const (
	stage1Progress = 0.30
	stage2Progress = 0.50
	stage3Progress = 0.75
	stage4Progress = 0.90

	stage2Gap = 0.40
	stage3Gap = 0.25
	stage4Gap = 0.15
)

// Partial close milestones: half out at each, at most twice per trade
const (
	partial1Progress = 0.50
	partial2Progress = 0.75
)

// trail advances the stop-loss along the stage ladder, bounded by the
// configured guardrails, and emits at most one MODIFY_SL per pass.
func (m *Monitor) trail(ctx context.Context, t *database.Trade, sym *database.BrokerSymbol, tick *database.Tick) {
	if t.SL == 0 || t.TP == 0 || t.OpenPrice == 0 {
		return
	}

	exit := exitPrice(t, tick)
	p := progressTowardTP(t, exit)
	stage := stageFor(p)
	if stage < t.TrailingStage {
		stage = t.TrailingStage // one-way latch survives pullbacks
	}
	if stage == 0 {
		return
	}

	mcfg := m.cfg.MonitorConfig
	target := stageTarget(t, stage, exit, mcfg.BreakEvenOffsetPoints*sym.Point)
	target = clampToPriceDistance(t.Direction, target, exit, mcfg.MinSLDistancePoints*sym.Point)
	target = clampMoveSize(t.Direction, t.SL, target, mcfg.MaxSLMovePoints*sym.Point)
	target = roundTo(target, sym.Digits)

	if !improvesSL(t.Direction, t.SL, target, sym.Point) {
		return
	}

	now := time.Now().UTC()
	m.mu.Lock()
	last := m.lastTrailAt[t.ID]
	m.mu.Unlock()
	if now.Sub(last) < time.Duration(mcfg.TrailMinIntervalSecs)*time.Second {
		return
	}

	pending, err := m.repo.HasUnsettledTicketCommand(ctx, t.AccountID, t.Ticket, database.CommandModifySL)
	if err != nil {
		m.logger.Error().Err(err).Int64("trade", t.ID).Msg("Pending modify check failed")
		return
	}
	if pending {
		return
	}

	payload, _ := json.Marshal(database.ModifySLPayload{Ticket: t.Ticket, NewSL: target})
	inserted, err := m.queue.Enqueue(ctx, &database.Command{
		AccountID:       t.AccountID,
		ClientCommandID: fmt.Sprintf("tsl-%d-%d-%s", t.ID, stage, priceToken(target, sym.Digits)),
		CommandType:     database.CommandModifySL,
		Payload:         payload,
	})
	if err != nil {
		m.logger.Error().Err(err).Int64("trade", t.ID).Msg("Trailing command enqueue failed")
		return
	}
	if !inserted {
		return
	}

	// Recorded before the EA confirms: the next pass must see the new
	// stop or it would re-emit the same move.
	if err := m.repo.RecordTrailingMove(ctx, t.ID, target, stage); err != nil {
		m.logger.Error().Err(err).Int64("trade", t.ID).Msg("Trailing move persist failed")
	}

	m.mu.Lock()
	m.lastTrailAt[t.ID] = now
	m.mu.Unlock()

	metrics.TrailingMoves.Inc()
	m.decisions.RecordForAccount(ctx, t.AccountID, decision.TypeTrailingStop,
		t.Instrument, decision.OutcomeExecuted,
		fmt.Sprintf("stage %d at p=%.2f: SL %s -> %s", stage, p,
			priceToken(t.SL, sym.Digits), priceToken(target, sym.Digits)),
		map[string]interface{}{
			"trade_id": t.ID,
			"ticket":   t.Ticket,
			"stage":    stage,
			"progress": p,
			"old_sl":   t.SL,
			"new_sl":   target,
		})
	m.bus.Publish(events.Event{
		Type:      events.EventTradeModified,
		AccountID: t.AccountID,
		Payload: map[string]interface{}{
			"trade_id": t.ID,
			"ticket":   t.Ticket,
			"new_sl":   target,
			"stage":    stage,
		},
	})
	m.logger.Info().Int64("trade", t.ID).Int64("ticket", t.Ticket).
		Str("instrument", t.Instrument).Int("stage", stage).
		Float64("progress", p).Float64("new_sl", target).
		Msg("Trailing stop advanced")
}

// tryPartialClose takes half off at the 0.50 and 0.75 milestones. It
// returns true when this trade already has a partial in motion or one was
// just emitted, which defers trailing to the next pass.
func (m *Monitor) tryPartialClose(ctx context.Context, t *database.Trade, sym *database.BrokerSymbol, tick *database.Tick) bool {
	if t.PartialCloses >= 2 || t.TP == 0 || t.OpenPrice == 0 {
		return false
	}

	threshold := partial1Progress
	if t.PartialCloses == 1 {
		threshold = partial2Progress
	}
	p := progressTowardTP(t, exitPrice(t, tick))
	if p < threshold {
		return false
	}

	half := floorToStep(t.Volume/2, sym.VolumeStep)
	remaining := t.Volume - half
	if half < sym.MinVolume || remaining < 2*sym.MinVolume {
		m.logger.Debug().Int64("trade", t.ID).Float64("volume", t.Volume).
			Float64("half", half).Float64("min_volume", sym.MinVolume).
			Msg("Partial close skipped: remaining volume too small")
		return false
	}

	pending, err := m.repo.HasUnsettledTicketCommand(ctx, t.AccountID, t.Ticket, database.CommandPartialCloseTrade)
	if err != nil {
		m.logger.Error().Err(err).Int64("trade", t.ID).Msg("Pending partial check failed")
		return false
	}
	if pending {
		return true
	}

	payload, _ := json.Marshal(database.PartialClosePayload{Ticket: t.Ticket, Volume: half})
	inserted, err := m.queue.Enqueue(ctx, &database.Command{
		AccountID:       t.AccountID,
		ClientCommandID: fmt.Sprintf("pc-%d-%d", t.ID, t.PartialCloses+1),
		CommandType:     database.CommandPartialCloseTrade,
		Payload:         payload,
	})
	if err != nil {
		m.logger.Error().Err(err).Int64("trade", t.ID).Msg("Partial close enqueue failed")
		return false
	}
	if !inserted {
		return true
	}

	metrics.PartialCloses.Inc()
	m.decisions.RecordForAccount(ctx, t.AccountID, decision.TypeTradeClose,
		t.Instrument, decision.OutcomeExecuted,
		fmt.Sprintf("partial close %d/2: %.2f of %.2f lots at p=%.2f",
			t.PartialCloses+1, half, t.Volume, p),
		map[string]interface{}{
			"trade_id": t.ID,
			"ticket":   t.Ticket,
			"volume":   half,
			"progress": p,
		})
	m.bus.Publish(events.Event{
		Type:      events.EventTradeModified,
		AccountID: t.AccountID,
		Payload: map[string]interface{}{
			"trade_id":     t.ID,
			"ticket":       t.Ticket,
			"close_volume": half,
		},
	})
	m.logger.Info().Int64("trade", t.ID).Int64("ticket", t.Ticket).
		Str("instrument", t.Instrument).Float64("volume", half).
		Float64("progress", p).Msg("Partial close issued")
	return true
}

// progressTowardTP is the fraction of the entry→TP distance covered at
// the exit-side price. Negative while under water; above 1 past the TP.
func progressTowardTP(t *database.Trade, exit float64) float64 {
	dist := t.TP - t.OpenPrice
	if t.Direction == market.DirectionSell {
		dist = t.OpenPrice - t.TP
	}
	if dist <= 0 {
		return 0
	}
	gained := exit - t.OpenPrice
	if t.Direction == market.DirectionSell {
		gained = t.OpenPrice - exit
	}
	return gained / dist
}

func stageFor(p float64) int {
	switch {
	case p >= stage4Progress:
		return 4
	case p >= stage3Progress:
		return 3
	case p >= stage2Progress:
		return 2
	case p >= stage1Progress:
		return 1
	default:
		return 0
	}
}

// stageTarget is the raw stop each stage prescribes, before guardrails.
// beOffset is the stage-1 lock-in distance in price units.
func stageTarget(t *database.Trade, stage int, exit, beOffset float64) float64 {
	tpDist := math.Abs(t.TP - t.OpenPrice)
	sell := t.Direction == market.DirectionSell

	switch stage {
	case 1:
		if sell {
			return t.OpenPrice - beOffset
		}
		return t.OpenPrice + beOffset
	case 2:
		if sell {
			return exit + stage2Gap*tpDist
		}
		return exit - stage2Gap*tpDist
	case 3:
		if sell {
			return exit + stage3Gap*tpDist
		}
		return exit - stage3Gap*tpDist
	default:
		if sell {
			return exit + stage4Gap*tpDist
		}
		return exit - stage4Gap*tpDist
	}
}

// clampToPriceDistance keeps the stop at least minDist away from the
// current price, pulling an over-tight target back.
func clampToPriceDistance(direction string, target, exit, minDist float64) float64 {
	if minDist <= 0 {
		return target
	}
	if direction == market.DirectionSell {
		if target-exit < minDist {
			return exit + minDist
		}
		return target
	}
	if exit-target < minDist {
		return exit - minDist
	}
	return target
}

// clampMoveSize caps how far one update may move the stop from where it is
func clampMoveSize(direction string, current, target, maxMove float64) float64 {
	if maxMove <= 0 {
		return target
	}
	if direction == market.DirectionSell {
		if current-target > maxMove {
			return current - maxMove
		}
		return target
	}
	if target-current > maxMove {
		return current + maxMove
	}
	return target
}

// improvesSL requires at least one point of tightening; the stop never widens
func improvesSL(direction string, current, target, point float64) bool {
	if point <= 0 {
		point = 1e-9
	}
	if direction == market.DirectionSell {
		return current-target >= point
	}
	return target-current >= point
}

func floorToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return math.Floor(v/step+1e-9) * step
}

func roundTo(v float64, digits int) float64 {
	scale := math.Pow(10, float64(digits))
	return math.Round(v*scale) / scale
}

// priceToken renders a price at broker precision for client command ids
// and log lines.
func priceToken(v float64, digits int) string {
	return fmt.Sprintf("%.*f", digits, v)
}
