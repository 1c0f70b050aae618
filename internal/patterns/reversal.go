package patterns

import "mt5-trading-server/internal/market"

// Reversal formation predicates. All take chronological candles; the last
// argument is the most recent bar.

// isMorningStar checks for Morning Star (bullish reversal): long bearish
// candle, small indecision candle, long bullish candle closing above the
// midpoint of the first.
func (d *Detector) isMorningStar(c1, c2, c3 market.Candle) bool {
	if c1.Close >= c1.Open {
		return false
	}
	body1 := c1.Open - c1.Close
	range1 := c1.High - c1.Low
	if range1 <= 0 || body1 < range1*d.minBodyRatio {
		return false
	}

	body2 := abs(c2.Close - c2.Open)
	if body2 > body1*0.4 {
		return false
	}

	if c3.Close <= c3.Open {
		return false
	}
	body3 := c3.Close - c3.Open
	range3 := c3.High - c3.Low
	if range3 <= 0 || body3 < range3*d.minBodyRatio {
		return false
	}

	midpoint := (c1.Open + c1.Close) / 2
	return c3.Close >= midpoint
}

// isEveningStar checks for Evening Star (bearish reversal), the mirror of
// the morning star.
func (d *Detector) isEveningStar(c1, c2, c3 market.Candle) bool {
	if c1.Close <= c1.Open {
		return false
	}
	body1 := c1.Close - c1.Open
	range1 := c1.High - c1.Low
	if range1 <= 0 || body1 < range1*d.minBodyRatio {
		return false
	}

	body2 := abs(c2.Close - c2.Open)
	if body2 > body1*0.4 {
		return false
	}

	if c3.Close >= c3.Open {
		return false
	}
	body3 := c3.Open - c3.Close
	range3 := c3.High - c3.Low
	if range3 <= 0 || body3 < range3*d.minBodyRatio {
		return false
	}

	midpoint := (c1.Open + c1.Close) / 2
	return c3.Close <= midpoint
}

// isShootingStar checks for a Shooting Star (bearish): long upper wick,
// little lower wick, appearing after an up candle.
func (d *Detector) isShootingStar(candle market.Candle, prevCandle *market.Candle) bool {
	body := abs(candle.Close - candle.Open)
	upperWick := candle.High - max(candle.Open, candle.Close)
	lowerWick := min(candle.Open, candle.Close) - candle.Low

	if body <= 0 || upperWick < body*2 {
		return false
	}
	if lowerWick > body*0.3 {
		return false
	}
	if prevCandle != nil && prevCandle.Close <= prevCandle.Open {
		return false
	}
	return true
}

// isHammer checks for a Hammer (bullish): long lower wick, little upper
// wick, appearing after a down candle.
func (d *Detector) isHammer(candle market.Candle, prevCandle *market.Candle) bool {
	body := abs(candle.Close - candle.Open)
	upperWick := candle.High - max(candle.Open, candle.Close)
	lowerWick := min(candle.Open, candle.Close) - candle.Low

	if body <= 0 || lowerWick < body*2 {
		return false
	}
	if upperWick > body*0.3 {
		return false
	}
	if prevCandle != nil && prevCandle.Close >= prevCandle.Open {
		return false
	}
	return true
}

// isHangingMan is a hammer shape after an up move (bearish warning).
func (d *Detector) isHangingMan(candle market.Candle, prevCandle *market.Candle) bool {
	body := abs(candle.Close - candle.Open)
	upperWick := candle.High - max(candle.Open, candle.Close)
	lowerWick := min(candle.Open, candle.Close) - candle.Low

	if body <= 0 || lowerWick < body*2 {
		return false
	}
	if upperWick > body*0.3 {
		return false
	}
	// needs a preceding up candle, otherwise it is a hammer
	if prevCandle == nil || prevCandle.Close <= prevCandle.Open {
		return false
	}
	return true
}

// isBullishEngulfing checks that a bullish body completely engulfs the
// preceding bearish body.
func (d *Detector) isBullishEngulfing(c1, c2 market.Candle) bool {
	if c1.Close >= c1.Open {
		return false
	}
	if c2.Close <= c2.Open {
		return false
	}
	// C2 body engulfs C1 body
	if c2.Open > c1.Close || c2.Close < c1.Open {
		return false
	}
	return true
}

// isBearishEngulfing checks that a bearish body completely engulfs the
// preceding bullish body.
func (d *Detector) isBearishEngulfing(c1, c2 market.Candle) bool {
	if c1.Close <= c1.Open {
		return false
	}
	if c2.Close >= c2.Open {
		return false
	}
	if c2.Open < c1.Close || c2.Close > c1.Open {
		return false
	}
	return true
}

// isDoji: body under 10% of the bar range.
func (d *Detector) isDoji(candle market.Candle) bool {
	body := abs(candle.Close - candle.Open)
	barRange := candle.High - candle.Low
	if barRange <= 0 {
		return false
	}
	return (body / barRange) < 0.10
}

// isDragonflyDoji: doji with a long lower wick and almost no upper wick.
func (d *Detector) isDragonflyDoji(candle market.Candle) bool {
	if !d.isDoji(candle) {
		return false
	}
	barRange := candle.High - candle.Low
	lowerWick := min(candle.Open, candle.Close) - candle.Low
	upperWick := candle.High - max(candle.Open, candle.Close)
	return lowerWick > barRange*0.6 && upperWick < barRange*0.15
}

// isGravestoneDoji: doji with a long upper wick and almost no lower wick.
func (d *Detector) isGravestoneDoji(candle market.Candle) bool {
	if !d.isDoji(candle) {
		return false
	}
	barRange := candle.High - candle.Low
	lowerWick := min(candle.Open, candle.Close) - candle.Low
	upperWick := candle.High - max(candle.Open, candle.Close)
	return upperWick > barRange*0.6 && lowerWick < barRange*0.15
}

// isBullishHarami: small bullish body contained inside a prior large bearish
// body.
func (d *Detector) isBullishHarami(c1, c2 market.Candle) bool {
	if c1.Close >= c1.Open {
		return false
	}
	body1 := c1.Open - c1.Close
	range1 := c1.High - c1.Low
	if range1 <= 0 || body1 < range1*d.minBodyRatio {
		return false
	}

	if c2.Close <= c2.Open {
		return false
	}
	body2 := c2.Close - c2.Open
	if body2 > body1*0.6 {
		return false
	}
	// C2 body inside C1 body
	return c2.Open >= c1.Close && c2.Close <= c1.Open
}

// isBearishHarami: small bearish body contained inside a prior large bullish
// body.
func (d *Detector) isBearishHarami(c1, c2 market.Candle) bool {
	if c1.Close <= c1.Open {
		return false
	}
	body1 := c1.Close - c1.Open
	range1 := c1.High - c1.Low
	if range1 <= 0 || body1 < range1*d.minBodyRatio {
		return false
	}

	if c2.Close >= c2.Open {
		return false
	}
	body2 := c2.Open - c2.Close
	if body2 > body1*0.6 {
		return false
	}
	return c2.Open <= c1.Close && c2.Close >= c1.Open
}
