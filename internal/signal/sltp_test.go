package signal

import (
	"math"
	"testing"

	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/market"
)

func eurusdSymbol() *database.BrokerSymbol {
	return &database.BrokerSymbol{
		Instrument: "EURUSD",
		Digits:     5,
		Point:      0.00001,
		MinVolume:  0.01,
		MaxVolume:  100,
		VolumeStep: 0.01,
		TickSize:   0.00001,
		TickValue:  0.00001,
		StopsLevel: 10,
	}
}

func goldSymbol() *database.BrokerSymbol {
	return &database.BrokerSymbol{
		Instrument: "XAUUSD",
		Digits:     2,
		Point:      0.01,
		MinVolume:  0.01,
		MaxVolume:  50,
		VolumeStep: 0.01,
		TickSize:   0.01,
		TickValue:  1.0,
		StopsLevel: 30,
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeLevelsBuyBaseline(t *testing.T) {
	lv, err := ComputeLevels(market.DirectionBuy, 1.10000, 0.00100, eurusdSymbol(), 0, 1.5, 5.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approx(lv.StopLoss, 1.09900) {
		t.Errorf("SL = %.5f, want 1.09900", lv.StopLoss)
	}
	if !approx(lv.TakeProfit, 1.10200) {
		t.Errorf("TP = %.5f, want 1.10200", lv.TakeProfit)
	}
	if !approx(lv.RiskReward, 2.0) {
		t.Errorf("RR = %.2f, want 2.00", lv.RiskReward)
	}
}

func TestComputeLevelsSellMirror(t *testing.T) {
	lv, err := ComputeLevels(market.DirectionSell, 1.10000, 0.00100, eurusdSymbol(), 0, 1.5, 5.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approx(lv.StopLoss, 1.10100) {
		t.Errorf("SL = %.5f, want 1.10100", lv.StopLoss)
	}
	if !approx(lv.TakeProfit, 1.09800) {
		t.Errorf("TP = %.5f, want 1.09800", lv.TakeProfit)
	}
}

func TestComputeLevelsStopsLevelFloor(t *testing.T) {
	sym := eurusdSymbol()
	sym.StopsLevel = 200 // 0.00200 in price units, above both ATR distances

	lv, err := ComputeLevels(market.DirectionBuy, 1.10000, 0.00100, sym, 0, 1.0, 5.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approx(lv.StopLoss, 1.09800) {
		t.Errorf("SL = %.5f, want 1.09800 (floored to stops level)", lv.StopLoss)
	}
	if !approx(lv.TakeProfit, 1.10200) {
		t.Errorf("TP = %.5f, want 1.10200 (floored to stops level)", lv.TakeProfit)
	}

	// with the usual min R:R the floored 1:1 proposal must be rejected
	if _, err := ComputeLevels(market.DirectionBuy, 1.10000, 0.00100, sym, 0, 1.5, 5.0); err == nil {
		t.Error("expected rejection when stops level forces R:R to 1.0")
	}
}

func TestComputeLevelsLossCeilingTightensSL(t *testing.T) {
	// ATR distance would risk 12.00 at min volume; the 5.50 ceiling pulls
	// the SL in to 5.50 and the max R:R then caps the TP.
	lv, err := ComputeLevels(market.DirectionBuy, 2400.00, 10.0, goldSymbol(), 5.50, 1.5, 3.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approx(lv.StopLoss, 2394.50) {
		t.Errorf("SL = %.2f, want 2394.50", lv.StopLoss)
	}
	if !approx(lv.TakeProfit, 2416.50) {
		t.Errorf("TP = %.2f, want 2416.50", lv.TakeProfit)
	}
	if !approx(lv.RiskReward, 3.0) {
		t.Errorf("RR = %.2f, want 3.00 (capped)", lv.RiskReward)
	}
}

func TestComputeLevelsCeilingConflictsWithStopsLevel(t *testing.T) {
	sym := goldSymbol()
	sym.StopsLevel = 600 // 6.00, wider than the 5.50 ceiling allows

	if _, err := ComputeLevels(market.DirectionBuy, 2400.00, 10.0, sym, 5.50, 1.5, 3.0); err == nil {
		t.Error("expected rejection when loss ceiling sits inside broker stops level")
	}
}

func TestComputeLevelsFallbackATR(t *testing.T) {
	lv, err := ComputeLevels(market.DirectionBuy, 1.10000, 0, eurusdSymbol(), 0, 1.5, 5.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// synthetic ATR = 0.10% of entry = 0.0011
	if !approx(lv.ATRUsed, 0.0011) {
		t.Errorf("ATRUsed = %.5f, want 0.00110", lv.ATRUsed)
	}
	if !approx(lv.StopLoss, 1.09890) {
		t.Errorf("SL = %.5f, want 1.09890", lv.StopLoss)
	}
	if !approx(lv.TakeProfit, 1.10220) {
		t.Errorf("TP = %.5f, want 1.10220", lv.TakeProfit)
	}
}

func TestComputeLevelsRejectsBadInput(t *testing.T) {
	if _, err := ComputeLevels(market.DirectionBuy, 0, 0.001, eurusdSymbol(), 0, 1.5, 5.0); err == nil {
		t.Error("expected rejection for non-positive entry")
	}
	if _, err := ComputeLevels("HOLD", 1.1, 0.001, eurusdSymbol(), 0, 1.5, 5.0); err == nil {
		t.Error("expected rejection for unknown direction")
	}
}

func TestParamsForClassFallback(t *testing.T) {
	p := ParamsForClass("unknown_class")
	if p != classParams[market.AssetForexMinor] {
		t.Error("unknown class should fall back to forex minor tuning")
	}
}
