package patterns

import (
	"math"

	"mt5-trading-server/internal/market"
)

// Continuation formations. These are multi-bar structures evaluated over the
// tail of the window: a pole of poleBars followed by a consolidation of
// flagBars ending at the latest candle, or a triangle over triangleBars.

const (
	poleBars     = 10
	flagBars     = 5
	triangleBars = 10
)

// detectContinuation evaluates flag, pennant and triangle structures that
// complete on the most recent bar.
func (d *Detector) detectContinuation(instrument, timeframe string, candles []market.Candle) []Pattern {
	n := len(candles)
	var out []Pattern
	add := func(name PatternType, direction string) {
		out = append(out, Pattern{
			Name:        name,
			Instrument:  instrument,
			Timeframe:   timeframe,
			Direction:   direction,
			Reliability: baseReliability[name],
			Cluster:     patternCluster[name],
			CandleIndex: n - 1,
			DetectedAt:  candles[n-1].OpenTime,
		})
	}

	if n >= poleBars+flagBars {
		pole := candles[n-poleBars-flagBars : n-flagBars]
		flag := candles[n-flagBars:]
		if d.isBullishFlag(pole, flag) {
			add(BullishFlag, DirectionBullish)
		}
		if d.isBearishFlag(pole, flag) {
			add(BearishFlag, DirectionBearish)
		}
		if d.isPennant(pole, flag) {
			add(Pennant, DirectionIndecision)
		}
	}

	if n >= triangleBars {
		tri := candles[n-triangleBars:]
		if d.isAscendingTriangle(tri) {
			add(AscendingTriangle, DirectionBullish)
		}
		if d.isDescendingTriangle(tri) {
			add(DescendingTriangle, DirectionBearish)
		}
	}

	return out
}

// isBullishFlag: strong up pole followed by a shallow sideways-to-down
// consolidation that retraces less than half the pole.
func (d *Detector) isBullishFlag(pole, flag []market.Candle) bool {
	poleHeight := pole[len(pole)-1].Close - pole[0].Open
	if poleHeight <= 0 {
		return false
	}

	bullish := 0
	for _, c := range pole {
		if c.Close > c.Open {
			bullish++
		}
	}
	if float64(bullish)/float64(len(pole)) < 0.6 {
		return false
	}

	flagStart := flag[0].High
	flagEnd := flag[len(flag)-1].Low
	if flagEnd > flagStart {
		return false
	}
	return flagStart-flagEnd <= poleHeight*0.5
}

// isBearishFlag: the mirror of the bullish flag.
func (d *Detector) isBearishFlag(pole, flag []market.Candle) bool {
	poleHeight := pole[0].Open - pole[len(pole)-1].Close
	if poleHeight <= 0 {
		return false
	}

	bearish := 0
	for _, c := range pole {
		if c.Close < c.Open {
			bearish++
		}
	}
	if float64(bearish)/float64(len(pole)) < 0.6 {
		return false
	}

	flagStart := flag[0].Low
	flagEnd := flag[len(flag)-1].High
	if flagEnd < flagStart {
		return false
	}
	return flagEnd-flagStart <= poleHeight*0.5
}

// isPennant: a strong pole in either direction followed by a symmetric
// contraction (each bar's range shrinking toward the apex).
func (d *Detector) isPennant(pole, flag []market.Candle) bool {
	poleMove := abs(pole[len(pole)-1].Close - pole[0].Open)
	var avgRange float64
	for _, c := range pole {
		avgRange += c.High - c.Low
	}
	avgRange /= float64(len(pole))
	if avgRange <= 0 || poleMove < avgRange*3 {
		return false
	}

	// ranges must contract across the consolidation
	first := flag[0].High - flag[0].Low
	last := flag[len(flag)-1].High - flag[len(flag)-1].Low
	if first <= 0 || last >= first*0.6 {
		return false
	}
	for i := 1; i < len(flag); i++ {
		cur := flag[i].High - flag[i].Low
		prev := flag[i-1].High - flag[i-1].Low
		if cur > prev*1.25 {
			return false
		}
	}
	return true
}

// isAscendingTriangle: flat highs (resistance) with rising lows.
func (d *Detector) isAscendingTriangle(candles []market.Candle) bool {
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
	}

	avgHigh := average(highs)
	if avgHigh <= 0 {
		return false
	}
	if stddev(highs) > avgHigh*0.02 {
		return false
	}
	return isRising(lows)
}

// isDescendingTriangle: flat lows (support) with falling highs.
func (d *Detector) isDescendingTriangle(candles []market.Candle) bool {
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
	}

	avgLow := average(lows)
	if avgLow <= 0 {
		return false
	}
	if stddev(lows) > avgLow*0.02 {
		return false
	}
	return isDescending(highs)
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := average(values)
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)))
}

// isRising: at least 70% of consecutive steps increase and the last value is
// above the first.
func isRising(values []float64) bool {
	if len(values) < 2 {
		return false
	}
	up := 0
	for i := 1; i < len(values); i++ {
		if values[i] >= values[i-1] {
			up++
		}
	}
	return float64(up)/float64(len(values)-1) >= 0.7 && values[len(values)-1] > values[0]
}

// isDescending: at least 70% of consecutive steps decrease and the last
// value is below the first.
func isDescending(values []float64) bool {
	if len(values) < 2 {
		return false
	}
	down := 0
	for i := 1; i < len(values); i++ {
		if values[i] <= values[i-1] {
			down++
		}
	}
	return float64(down)/float64(len(values)-1) >= 0.7 && values[len(values)-1] < values[0]
}
