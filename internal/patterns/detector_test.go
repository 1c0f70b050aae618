package patterns

import (
	"testing"
	"time"

	"mt5-trading-server/internal/market"
)

// buildDowntrend returns n bearish candles stepping down by 1.0 per bar with
// the given per-bar volume.
func buildDowntrend(n int, startPrice, volume float64) []market.Candle {
	candles := make([]market.Candle, n)
	ts := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		open := startPrice - float64(i)
		candles[i] = market.Candle{
			OpenTime: ts.Add(time.Duration(i) * 5 * time.Minute),
			Open:     open,
			High:     open + 0.6,
			Low:      open - 1.6,
			Close:    open - 1.0,
			Volume:   volume,
		}
	}
	return candles
}

// TestDetectHammerWithBonuses verifies that a hammer closing a downtrend on
// elevated volume receives both the volume and trend-context bonuses.
func TestDetectHammerWithBonuses(t *testing.T) {
	detector := NewDetector(0.6)

	candles := buildDowntrend(24, 120, 100)
	// Replace the last bar with a hammer on 2x volume
	last := &candles[23]
	base := candles[22].Close
	last.Open = base
	last.Close = base + 0.5
	last.High = base + 0.6
	last.Low = base - 1.5
	last.Volume = 200

	got := detector.Detect("EURUSD", "M5", candles)

	var hammer *Pattern
	for i := range got {
		if got[i].Name == Hammer {
			hammer = &got[i]
		}
	}
	if hammer == nil {
		t.Fatalf("expected hammer in %v", got)
	}
	if hammer.Direction != DirectionBullish {
		t.Errorf("hammer direction = %s, want bullish", hammer.Direction)
	}
	// base 62 + volume 10 + trend context 5
	if hammer.Reliability != 77 {
		t.Errorf("hammer reliability = %.1f, want 77", hammer.Reliability)
	}
	if hammer.Instrument != "EURUSD" || hammer.Timeframe != "M5" {
		t.Errorf("unexpected instrument/timeframe: %+v", hammer)
	}
}

// TestDetectClusterDedup verifies at most one pattern per cluster survives.
func TestDetectClusterDedup(t *testing.T) {
	detector := NewDetector(0.6)

	candles := buildDowntrend(24, 120, 100)
	last := &candles[23]
	base := candles[22].Close
	last.Open = base
	last.Close = base + 0.5
	last.High = base + 0.6
	last.Low = base - 1.5
	last.Volume = 200

	got := detector.Detect("EURUSD", "M5", candles)

	seen := make(map[Cluster]int)
	for _, p := range got {
		seen[p.Cluster]++
	}
	for cluster, count := range seen {
		if count > 1 {
			t.Errorf("cluster %s has %d patterns after dedup, want 1", cluster, count)
		}
	}
}

// TestDetectFloorDropsWeakPatterns verifies a bare doji (base 50) without
// any bonus is dropped by the reliability floor.
func TestDetectFloorDropsWeakPatterns(t *testing.T) {
	detector := NewDetector(0.6)

	// Flat window, constant volume: no trend, no volume spike
	candles := make([]market.Candle, 24)
	ts := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	for i := range candles {
		candles[i] = market.Candle{
			OpenTime: ts.Add(time.Duration(i) * 5 * time.Minute),
			Open:     100,
			High:     101,
			Low:      99,
			Close:    100.3,
			Volume:   100,
		}
	}
	// Final bar is a plain doji
	candles[23].Open = 100
	candles[23].Close = 100.15
	candles[23].High = 101
	candles[23].Low = 99

	got := detector.Detect("EURUSD", "M5", candles)
	for _, p := range got {
		if p.Name == Doji {
			t.Errorf("doji with reliability %.1f should have been dropped", p.Reliability)
		}
	}
}

// TestDetectShortWindow verifies the detector requires at least 3 candles.
func TestDetectShortWindow(t *testing.T) {
	detector := NewDetector(0.6)

	got := detector.Detect("EURUSD", "M5", []market.Candle{{Open: 1, High: 2, Low: 0.5, Close: 1.5}})
	if got != nil {
		t.Errorf("expected nil for short window, got %v", got)
	}
}
