package patterns

import (
	"testing"

	"mt5-trading-server/internal/market"
)

// TestBullishEngulfing tests Bullish Engulfing pattern detection
func TestBullishEngulfing(t *testing.T) {
	detector := NewDetector(0.6)

	// Valid Bullish Engulfing
	c1 := market.Candle{Open: 100, High: 102, Low: 98, Close: 99} // Bearish
	c2 := market.Candle{Open: 98, High: 105, Low: 97, Close: 104} // Bullish engulfing

	if !detector.isBullishEngulfing(c1, c2) {
		t.Error("Should detect valid Bullish Engulfing pattern")
	}

	// Invalid - C1 not bearish
	c1Invalid := market.Candle{Open: 99, High: 102, Low: 98, Close: 100}
	if detector.isBullishEngulfing(c1Invalid, c2) {
		t.Error("Should NOT detect pattern when C1 is not bearish")
	}

	// Invalid - C2 doesn't engulf C1
	c2Invalid := market.Candle{Open: 99.5, High: 101, Low: 99, Close: 100}
	if detector.isBullishEngulfing(c1, c2Invalid) {
		t.Error("Should NOT detect pattern when C2 doesn't engulf C1")
	}
}

// TestBearishEngulfing tests Bearish Engulfing pattern detection
func TestBearishEngulfing(t *testing.T) {
	detector := NewDetector(0.6)

	c1 := market.Candle{Open: 99, High: 102, Low: 98, Close: 100} // Bullish
	c2 := market.Candle{Open: 101, High: 103, Low: 95, Close: 96} // Bearish engulfing

	if !detector.isBearishEngulfing(c1, c2) {
		t.Error("Should detect valid Bearish Engulfing pattern")
	}
}

// TestMorningStar tests Morning Star detection
func TestMorningStar(t *testing.T) {
	detector := NewDetector(0.6)

	c1 := market.Candle{Open: 110, High: 111, Low: 99, Close: 100}    // long bearish
	c2 := market.Candle{Open: 100, High: 101, Low: 98.5, Close: 99.5} // indecision
	c3 := market.Candle{Open: 100, High: 111, Low: 99.5, Close: 110}  // long bullish

	if !detector.isMorningStar(c1, c2, c3) {
		t.Error("Should detect valid Morning Star pattern")
	}

	// C3 closing below C1 midpoint invalidates the pattern
	c3Weak := market.Candle{Open: 100, High: 104.5, Low: 99.5, Close: 103}
	if detector.isMorningStar(c1, c2, c3Weak) {
		t.Error("Should NOT detect Morning Star when C3 closes below C1 midpoint")
	}
}

// TestEveningStar tests Evening Star detection
func TestEveningStar(t *testing.T) {
	detector := NewDetector(0.6)

	c1 := market.Candle{Open: 100, High: 111, Low: 99, Close: 110}
	c2 := market.Candle{Open: 110, High: 111.5, Low: 109, Close: 110.5}
	c3 := market.Candle{Open: 110, High: 110.5, Low: 99, Close: 100}

	if !detector.isEveningStar(c1, c2, c3) {
		t.Error("Should detect valid Evening Star pattern")
	}
}

// TestHammer tests Hammer detection
func TestHammer(t *testing.T) {
	detector := NewDetector(0.6)

	prev := market.Candle{Open: 105, High: 106, Low: 99, Close: 100} // down candle
	hammer := market.Candle{Open: 100, High: 101.2, Low: 97, Close: 101}

	if !detector.isHammer(hammer, &prev) {
		t.Error("Should detect valid Hammer pattern")
	}

	// After an up candle the same shape is a hanging man, not a hammer
	prevUp := market.Candle{Open: 99, High: 101, Low: 98, Close: 100.5}
	if detector.isHammer(hammer, &prevUp) {
		t.Error("Should NOT detect Hammer after an up candle")
	}
	if !detector.isHangingMan(hammer, &prevUp) {
		t.Error("Should detect Hanging Man after an up candle")
	}
}

// TestShootingStar tests Shooting Star detection
func TestShootingStar(t *testing.T) {
	detector := NewDetector(0.6)

	prev := market.Candle{Open: 98, High: 101, Low: 97.5, Close: 100} // up candle
	star := market.Candle{Open: 100, High: 103.5, Low: 99.9, Close: 100.8}

	if !detector.isShootingStar(star, &prev) {
		t.Error("Should detect valid Shooting Star pattern")
	}
}

// TestDoji tests Doji pattern detection
func TestDoji(t *testing.T) {
	detector := NewDetector(0.6)

	doji := market.Candle{Open: 100, High: 102, Low: 98, Close: 100.2}
	if !detector.isDoji(doji) {
		t.Error("Should detect valid Doji pattern")
	}

	notDoji := market.Candle{Open: 100, High: 110, Low: 98, Close: 108}
	if detector.isDoji(notDoji) {
		t.Error("Should NOT detect Doji with large body")
	}
}

// TestDragonflyDoji tests Dragonfly Doji pattern
func TestDragonflyDoji(t *testing.T) {
	detector := NewDetector(0.6)

	dragonfly := market.Candle{Open: 100, High: 100.5, Low: 92, Close: 100}
	if !detector.isDragonflyDoji(dragonfly) {
		t.Error("Should detect valid Dragonfly Doji")
	}

	notDragonfly := market.Candle{Open: 100, High: 105, Low: 92, Close: 100}
	if detector.isDragonflyDoji(notDragonfly) {
		t.Error("Should NOT detect Dragonfly with upper wick")
	}
}

// TestGravestoneDoji tests Gravestone Doji pattern
func TestGravestoneDoji(t *testing.T) {
	detector := NewDetector(0.6)

	gravestone := market.Candle{Open: 100, High: 108, Low: 99.5, Close: 100}
	if !detector.isGravestoneDoji(gravestone) {
		t.Error("Should detect valid Gravestone Doji")
	}
}

// TestBullishHarami tests Bullish Harami detection
func TestBullishHarami(t *testing.T) {
	detector := NewDetector(0.6)

	c1 := market.Candle{Open: 110, High: 111, Low: 99, Close: 100}  // long bearish
	c2 := market.Candle{Open: 102, High: 105, Low: 101, Close: 104} // small bullish inside

	if !detector.isBullishHarami(c1, c2) {
		t.Error("Should detect valid Bullish Harami pattern")
	}

	// C2 body escaping C1 body invalidates it
	c2Outside := market.Candle{Open: 102, High: 113, Low: 101, Close: 112}
	if detector.isBullishHarami(c1, c2Outside) {
		t.Error("Should NOT detect Harami when C2 body escapes C1 body")
	}
}

// TestBearishHarami tests Bearish Harami detection
func TestBearishHarami(t *testing.T) {
	detector := NewDetector(0.6)

	c1 := market.Candle{Open: 100, High: 111, Low: 99, Close: 110}
	c2 := market.Candle{Open: 108, High: 109, Low: 104, Close: 105}

	if !detector.isBearishHarami(c1, c2) {
		t.Error("Should detect valid Bearish Harami pattern")
	}
}
