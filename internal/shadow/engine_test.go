package shadow

import (
	"testing"

	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/market"
)

func buyShadow(sl, tp float64) *database.ShadowTrade {
	return &database.ShadowTrade{Direction: market.DirectionBuy, EntryPrice: 1.1000, SL: sl, TP: tp}
}

func sellShadow(sl, tp float64) *database.ShadowTrade {
	return &database.ShadowTrade{Direction: market.DirectionSell, EntryPrice: 1.1000, SL: sl, TP: tp}
}

func TestExitCrossBuy(t *testing.T) {
	st := buyShadow(1.0950, 1.1100)

	if price, reason := exitCross(st, market.Tick{Bid: 1.0949, Ask: 1.0951}); reason != ExitReasonSL || price != 1.0949 {
		t.Errorf("bid through SL = (%.4f, %q), want (1.0949, SL_HIT)", price, reason)
	}
	if price, reason := exitCross(st, market.Tick{Bid: 1.1100, Ask: 1.1102}); reason != ExitReasonTP || price != 1.1100 {
		t.Errorf("bid at TP = (%.4f, %q), want (1.1100, TP_HIT)", price, reason)
	}
	if _, reason := exitCross(st, market.Tick{Bid: 1.1020, Ask: 1.1022}); reason != "" {
		t.Errorf("inside the range got %q, want no exit", reason)
	}
}

func TestExitCrossSell(t *testing.T) {
	st := sellShadow(1.1050, 1.0900)

	// the SELL side exits on ask
	if price, reason := exitCross(st, market.Tick{Bid: 1.1049, Ask: 1.1051}); reason != ExitReasonSL || price != 1.1051 {
		t.Errorf("ask through SL = (%.4f, %q), want (1.1051, SL_HIT)", price, reason)
	}
	if price, reason := exitCross(st, market.Tick{Bid: 1.0897, Ask: 1.0899}); reason != ExitReasonTP || price != 1.0899 {
		t.Errorf("ask at TP = (%.4f, %q), want (1.0899, TP_HIT)", price, reason)
	}
	if _, reason := exitCross(st, market.Tick{Bid: 1.0998, Ask: 1.1000}); reason != "" {
		t.Errorf("inside the range got %q, want no exit", reason)
	}
}

func TestExitCrossIgnoresUnsetLevels(t *testing.T) {
	st := buyShadow(0, 0)
	if _, reason := exitCross(st, market.Tick{Bid: 0.5000, Ask: 0.5002}); reason != "" {
		t.Errorf("zero SL/TP got %q, want no exit", reason)
	}

	onlyTP := buyShadow(0, 1.1100)
	if _, reason := exitCross(onlyTP, market.Tick{Bid: 0.9000, Ask: 0.9002}); reason != "" {
		t.Errorf("zero SL must not trigger, got %q", reason)
	}
}
