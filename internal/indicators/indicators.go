package indicators

import (
	"math"

	"mt5-trading-server/internal/market"
)

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// CalculateSMA calculates Simple Moving Average of closes
func CalculateSMA(candles []market.Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}

	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Close
	}
	return sum / float64(period)
}

// CalculateEMA calculates Exponential Moving Average of closes
func CalculateEMA(candles []market.Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}

	// SMA over the first period seeds the walk
	sma := CalculateSMA(candles[:period], period)
	multiplier := 2.0 / float64(period+1)

	ema := sma
	for i := period; i < len(candles); i++ {
		ema = (candles[i].Close * multiplier) + (ema * (1 - multiplier))
	}
	return ema
}

// emaSeries walks an EMA over an arbitrary value series, returning every
// step from the seed onward. MACD's signal line needs the history, not
// just the endpoint.
func emaSeries(values []float64, period int) []float64 {
	if len(values) < period || period <= 0 {
		return nil
	}

	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)

	multiplier := 2.0 / float64(period+1)
	out := make([]float64, 0, len(values)-period+1)
	out = append(out, seed)

	ema := seed
	for i := period; i < len(values); i++ {
		ema = (values[i] * multiplier) + (ema * (1 - multiplier))
		out = append(out, ema)
	}
	return out
}

// ============================================================================
// RSI (Relative Strength Index)
// ============================================================================

// CalculateRSI calculates the Relative Strength Index
func CalculateRSI(candles []market.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 50.0 // neutral
	}

	gains := 0.0
	losses := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	if avgLoss == 0 {
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ============================================================================
// MACD (Moving Average Convergence Divergence)
// ============================================================================

// MACDResult holds MACD indicator values
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// CalculateMACD calculates MACD, Signal line, and Histogram. The signal
// line is a true EMA over the MACD history, so it needs slow+signal bars
// of data before it reports anything but zeros.
func CalculateMACD(candles []market.Candle, fastPeriod, slowPeriod, signalPeriod int) *MACDResult {
	if len(candles) < slowPeriod+signalPeriod {
		return &MACDResult{}
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	fastSeries := emaSeries(closes, fastPeriod)
	slowSeries := emaSeries(closes, slowPeriod)

	// align both series at the slow seed and build the MACD history
	offset := len(fastSeries) - len(slowSeries)
	macdSeries := make([]float64, len(slowSeries))
	for i := range slowSeries {
		macdSeries[i] = fastSeries[i+offset] - slowSeries[i]
	}

	signalSeries := emaSeries(macdSeries, signalPeriod)
	if len(signalSeries) == 0 {
		return &MACDResult{}
	}

	macdLine := macdSeries[len(macdSeries)-1]
	signalLine := signalSeries[len(signalSeries)-1]

	return &MACDResult{
		MACD:      macdLine,
		Signal:    signalLine,
		Histogram: macdLine - signalLine,
	}
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

// BollingerBandsResult holds Bollinger Bands values
type BollingerBandsResult struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// CalculateBollingerBands calculates Bollinger Bands
func CalculateBollingerBands(candles []market.Candle, period int, stdDevMultiplier float64) *BollingerBandsResult {
	if len(candles) < period {
		return &BollingerBandsResult{}
	}

	middle := CalculateSMA(candles, period)

	variance := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		diff := candles[i].Close - middle
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))

	return &BollingerBandsResult{
		Upper:  middle + stdDevMultiplier*stdDev,
		Middle: middle,
		Lower:  middle - stdDevMultiplier*stdDev,
	}
}

// ============================================================================
// ATR (Average True Range)
// ============================================================================

// CalculateATR calculates Average True Range
func CalculateATR(candles []market.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}

	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += trueRange(candles[i], candles[i-1])
	}
	return sum / float64(period)
}

func trueRange(current, previous market.Candle) float64 {
	highLow := current.High - current.Low
	highClose := math.Abs(current.High - previous.Close)
	lowClose := math.Abs(current.Low - previous.Close)
	return math.Max(highLow, math.Max(highClose, lowClose))
}

// ============================================================================
// STOCHASTIC OSCILLATOR
// ============================================================================

// StochasticResult holds Stochastic oscillator values
type StochasticResult struct {
	K float64
	D float64
}

// CalculateStochastic calculates the slow Stochastic: raw %K over
// kPeriod, smoothed with kSmooth, then %D as an SMA of the smoothed %K.
func CalculateStochastic(candles []market.Candle, kPeriod, kSmooth, dPeriod int) *StochasticResult {
	need := kPeriod + kSmooth + dPeriod - 2
	if len(candles) < need {
		return &StochasticResult{K: 50, D: 50}
	}

	rawK := func(end int) float64 {
		highest := candles[end].High
		lowest := candles[end].Low
		for i := end - kPeriod + 1; i <= end; i++ {
			if candles[i].High > highest {
				highest = candles[i].High
			}
			if candles[i].Low < lowest {
				lowest = candles[i].Low
			}
		}
		if highest == lowest {
			return 50
		}
		return (candles[end].Close - lowest) / (highest - lowest) * 100
	}

	// smoothed %K values for the %D window
	smoothK := make([]float64, dPeriod)
	for d := 0; d < dPeriod; d++ {
		end := len(candles) - 1 - (dPeriod - 1 - d)
		sum := 0.0
		for s := 0; s < kSmooth; s++ {
			sum += rawK(end - s)
		}
		smoothK[d] = sum / float64(kSmooth)
	}

	dSum := 0.0
	for _, k := range smoothK {
		dSum += k
	}

	return &StochasticResult{
		K: smoothK[dPeriod-1],
		D: dSum / float64(dPeriod),
	}
}

// ============================================================================
// ADX (Average Directional Index)
// ============================================================================

// ADXResult holds the directional movement values
type ADXResult struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// CalculateADX calculates ADX with +DI and -DI using Wilder smoothing.
// Needs 2*period+1 candles before the DX average stabilizes.
func CalculateADX(candles []market.Candle, period int) *ADXResult {
	if len(candles) < 2*period+1 {
		return &ADXResult{}
	}

	n := len(candles)
	var trSum, plusDMSum, minusDMSum float64

	// Wilder seed over the first period of the window
	start := n - 2*period
	for i := start; i < start+period; i++ {
		trSum += trueRange(candles[i], candles[i-1])
		plusDM, minusDM := directionalMovement(candles[i], candles[i-1])
		plusDMSum += plusDM
		minusDMSum += minusDM
	}

	smoothTR := trSum
	smoothPlusDM := plusDMSum
	smoothMinusDM := minusDMSum

	dxSum := 0.0
	dxCount := 0

	for i := start + period; i < n; i++ {
		tr := trueRange(candles[i], candles[i-1])
		plusDM, minusDM := directionalMovement(candles[i], candles[i-1])

		smoothTR = smoothTR - smoothTR/float64(period) + tr
		smoothPlusDM = smoothPlusDM - smoothPlusDM/float64(period) + plusDM
		smoothMinusDM = smoothMinusDM - smoothMinusDM/float64(period) + minusDM

		if smoothTR == 0 {
			continue
		}
		plusDI := 100 * smoothPlusDM / smoothTR
		minusDI := 100 * smoothMinusDM / smoothTR

		diSum := plusDI + minusDI
		if diSum > 0 {
			dxSum += 100 * math.Abs(plusDI-minusDI) / diSum
			dxCount++
		}
	}

	if dxCount == 0 || smoothTR == 0 {
		return &ADXResult{}
	}

	return &ADXResult{
		ADX:     dxSum / float64(dxCount),
		PlusDI:  100 * smoothPlusDM / smoothTR,
		MinusDI: 100 * smoothMinusDM / smoothTR,
	}
}

func directionalMovement(current, previous market.Candle) (plusDM, minusDM float64) {
	upMove := current.High - previous.High
	downMove := previous.Low - current.Low

	if upMove > downMove && upMove > 0 {
		plusDM = upMove
	}
	if downMove > upMove && downMove > 0 {
		minusDM = downMove
	}
	return plusDM, minusDM
}

// ============================================================================
// MOMENTUM / RATE OF CHANGE
// ============================================================================

// CalculateMomentum calculates price momentum over a period
func CalculateMomentum(candles []market.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}
	current := candles[len(candles)-1].Close
	past := candles[len(candles)-1-period].Close
	if past == 0 {
		return 0
	}
	return (current - past) / past * 100
}

// CalculateROC calculates Rate of Change (alias of momentum)
func CalculateROC(candles []market.Candle, period int) float64 {
	return CalculateMomentum(candles, period)
}

// ============================================================================
// CCI (Commodity Channel Index)
// ============================================================================

// CalculateCCI calculates the Commodity Channel Index
func CalculateCCI(candles []market.Candle, period int) float64 {
	if len(candles) < period {
		return 0
	}

	typical := func(c market.Candle) float64 {
		return (c.High + c.Low + c.Close) / 3
	}

	start := len(candles) - period
	smaTP := 0.0
	for i := start; i < len(candles); i++ {
		smaTP += typical(candles[i])
	}
	smaTP /= float64(period)

	meanDev := 0.0
	for i := start; i < len(candles); i++ {
		meanDev += math.Abs(typical(candles[i]) - smaTP)
	}
	meanDev /= float64(period)

	if meanDev == 0 {
		return 0
	}
	return (typical(candles[len(candles)-1]) - smaTP) / (0.015 * meanDev)
}

// ============================================================================
// WILLIAMS %R
// ============================================================================

// CalculateWilliamsR calculates Williams Percent Range (-100..0)
func CalculateWilliamsR(candles []market.Candle, period int) float64 {
	if len(candles) < period {
		return -50
	}

	highest := candles[len(candles)-1].High
	lowest := candles[len(candles)-1].Low
	for i := len(candles) - period; i < len(candles); i++ {
		if candles[i].High > highest {
			highest = candles[i].High
		}
		if candles[i].Low < lowest {
			lowest = candles[i].Low
		}
	}
	if highest == lowest {
		return -50
	}
	return (highest - candles[len(candles)-1].Close) / (highest - lowest) * -100
}

// ============================================================================
// VOLUME
// ============================================================================

// CalculateAverageVolume calculates average volume over a period
func CalculateAverageVolume(candles []market.Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Volume
	}
	return sum / float64(period)
}

// CalculateOBV calculates On-Balance Volume over the window
func CalculateOBV(candles []market.Candle) float64 {
	if len(candles) < 2 {
		return 0
	}
	obv := 0.0
	for i := 1; i < len(candles); i++ {
		switch {
		case candles[i].Close > candles[i-1].Close:
			obv += candles[i].Volume
		case candles[i].Close < candles[i-1].Close:
			obv -= candles[i].Volume
		}
	}
	return obv
}

// CalculateVWAP calculates the Volume Weighted Average Price over the window
func CalculateVWAP(candles []market.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	var pvSum, volSum float64
	for _, c := range candles {
		typical := (c.High + c.Low + c.Close) / 3
		pvSum += typical * c.Volume
		volSum += c.Volume
	}
	if volSum == 0 {
		return candles[len(candles)-1].Close
	}
	return pvSum / volSum
}

// ============================================================================
// FIBONACCI RETRACEMENTS
// ============================================================================

// FibonacciLevels holds retracement levels derived from a swing window
type FibonacciLevels struct {
	High     float64
	Low      float64
	Level236 float64
	Level382 float64
	Level500 float64
	Level618 float64
	Level786 float64
}

// CalculateFibonacciLevels calculates retracement levels from the
// high/low swing of the last period bars.
func CalculateFibonacciLevels(candles []market.Candle, period int) *FibonacciLevels {
	if len(candles) < period {
		return &FibonacciLevels{}
	}

	high := candles[len(candles)-period].High
	low := candles[len(candles)-period].Low
	for i := len(candles) - period; i < len(candles); i++ {
		if candles[i].High > high {
			high = candles[i].High
		}
		if candles[i].Low < low {
			low = candles[i].Low
		}
	}

	diff := high - low
	return &FibonacciLevels{
		High:     high,
		Low:      low,
		Level236: high - 0.236*diff,
		Level382: high - 0.382*diff,
		Level500: high - 0.500*diff,
		Level618: high - 0.618*diff,
		Level786: high - 0.786*diff,
	}
}

// ============================================================================
// PIVOT POINTS
// ============================================================================

// PivotPoints holds classic floor-trader pivot levels
type PivotPoints struct {
	Pivot float64
	R1    float64
	R2    float64
	R3    float64
	S1    float64
	S2    float64
	S3    float64
}

// CalculateStandardPivotPoints calculates pivots from the previous bar
func CalculateStandardPivotPoints(candles []market.Candle) *PivotPoints {
	if len(candles) < 2 {
		return &PivotPoints{}
	}

	prev := candles[len(candles)-2]
	pivot := (prev.High + prev.Low + prev.Close) / 3
	rang := prev.High - prev.Low

	return &PivotPoints{
		Pivot: pivot,
		R1:    2*pivot - prev.Low,
		R2:    pivot + rang,
		R3:    prev.High + 2*(pivot-prev.Low),
		S1:    2*pivot - prev.High,
		S2:    pivot - rang,
		S3:    prev.Low - 2*(prev.High-pivot),
	}
}

// ============================================================================
// PARABOLIC SAR
// ============================================================================

// SARResult holds the Parabolic SAR value and trend direction
type SARResult struct {
	SAR    float64
	Rising bool
}

// CalculateParabolicSAR walks the SAR over the window with the given
// acceleration step and cap.
func CalculateParabolicSAR(candles []market.Candle, step, maxStep float64) *SARResult {
	if len(candles) < 3 {
		return &SARResult{}
	}

	rising := candles[1].Close > candles[0].Close
	sar := candles[0].Low
	ep := candles[0].High
	if !rising {
		sar = candles[0].High
		ep = candles[0].Low
	}
	af := step

	for i := 1; i < len(candles); i++ {
		sar = sar + af*(ep-sar)

		if rising {
			if candles[i].Low < sar {
				rising = false
				sar = ep
				ep = candles[i].Low
				af = step
				continue
			}
			if candles[i].High > ep {
				ep = candles[i].High
				af = math.Min(af+step, maxStep)
			}
		} else {
			if candles[i].High > sar {
				rising = true
				sar = ep
				ep = candles[i].High
				af = step
				continue
			}
			if candles[i].Low < ep {
				ep = candles[i].Low
				af = math.Min(af+step, maxStep)
			}
		}
	}

	return &SARResult{SAR: sar, Rising: rising}
}

// ============================================================================
// SUPERTREND
// ============================================================================

// SuperTrendResult holds the SuperTrend line and direction
type SuperTrendResult struct {
	Value  float64
	Rising bool
}

// CalculateSuperTrend computes the SuperTrend line from ATR bands
func CalculateSuperTrend(candles []market.Candle, period int, multiplier float64) *SuperTrendResult {
	if len(candles) < period+2 {
		return &SuperTrendResult{}
	}

	// running band walk over the post-seed window
	upper := make([]float64, len(candles))
	lower := make([]float64, len(candles))
	rising := true
	value := 0.0

	for i := period + 1; i < len(candles); i++ {
		atr := CalculateATR(candles[:i+1], period)
		mid := (candles[i].High + candles[i].Low) / 2
		basicUpper := mid + multiplier*atr
		basicLower := mid - multiplier*atr

		upper[i] = basicUpper
		if i > period+1 && (basicUpper > upper[i-1] && candles[i-1].Close < upper[i-1]) {
			upper[i] = upper[i-1]
		}
		lower[i] = basicLower
		if i > period+1 && (basicLower < lower[i-1] && candles[i-1].Close > lower[i-1]) {
			lower[i] = lower[i-1]
		}

		if candles[i].Close > upper[i] {
			rising = true
		} else if candles[i].Close < lower[i] {
			rising = false
		}

		if rising {
			value = lower[i]
		} else {
			value = upper[i]
		}
	}

	return &SuperTrendResult{Value: value, Rising: rising}
}

// ============================================================================
// ICHIMOKU CLOUD
// ============================================================================

// IchimokuResult holds the Ichimoku component lines
type IchimokuResult struct {
	Tenkan  float64
	Kijun   float64
	SenkouA float64
	SenkouB float64
}

// CalculateIchimoku calculates the Ichimoku lines (9/26/52 midpoints)
func CalculateIchimoku(candles []market.Candle) *IchimokuResult {
	if len(candles) < 52 {
		return &IchimokuResult{}
	}

	midpoint := func(period int) float64 {
		high := candles[len(candles)-period].High
		low := candles[len(candles)-period].Low
		for i := len(candles) - period; i < len(candles); i++ {
			if candles[i].High > high {
				high = candles[i].High
			}
			if candles[i].Low < low {
				low = candles[i].Low
			}
		}
		return (high + low) / 2
	}

	tenkan := midpoint(9)
	kijun := midpoint(26)

	return &IchimokuResult{
		Tenkan:  tenkan,
		Kijun:   kijun,
		SenkouA: (tenkan + kijun) / 2,
		SenkouB: midpoint(52),
	}
}

// ============================================================================
// HEIKEN-ASHI TREND
// ============================================================================

// HeikenAshiResult holds the volume-confirmed Heiken-Ashi trend read
type HeikenAshiResult struct {
	Bullish         bool
	Bearish         bool
	ConsecutiveBars int
	BodyRatio       float64
	EMAConfirmed    bool
	VolumeConfirmed bool
}

// CalculateHeikenAshiTrend transforms the window to Heiken-Ashi candles
// and reads the trend: run length of same-color bars, body dominance,
// EMA 8/30 agreement and volume vs the 20-bar mean.
func CalculateHeikenAshiTrend(candles []market.Candle) *HeikenAshiResult {
	if len(candles) < 30 {
		return &HeikenAshiResult{}
	}

	type haBar struct {
		open, high, low, close float64
	}

	ha := make([]haBar, len(candles))
	ha[0] = haBar{
		open:  (candles[0].Open + candles[0].Close) / 2,
		close: (candles[0].Open + candles[0].High + candles[0].Low + candles[0].Close) / 4,
		high:  candles[0].High,
		low:   candles[0].Low,
	}
	for i := 1; i < len(candles); i++ {
		c := candles[i]
		open := (ha[i-1].open + ha[i-1].close) / 2
		close := (c.Open + c.High + c.Low + c.Close) / 4
		ha[i] = haBar{
			open:  open,
			close: close,
			high:  math.Max(c.High, math.Max(open, close)),
			low:   math.Min(c.Low, math.Min(open, close)),
		}
	}

	last := ha[len(ha)-1]
	bullish := last.close > last.open

	// same-color run length
	run := 0
	for i := len(ha) - 1; i >= 0; i-- {
		if (ha[i].close > ha[i].open) != bullish {
			break
		}
		run++
	}

	// body dominance of the latest bar
	fullRange := last.high - last.low
	bodyRatio := 0.0
	if fullRange > 0 {
		bodyRatio = math.Abs(last.close-last.open) / fullRange
	}

	emaFast := CalculateEMA(candles, 8)
	emaSlow := CalculateEMA(candles, 30)
	emaConfirmed := (bullish && emaFast > emaSlow) || (!bullish && emaFast < emaSlow)

	avgVolume := CalculateAverageVolume(candles, 20)
	volumeConfirmed := avgVolume > 0 && candles[len(candles)-1].Volume > avgVolume

	return &HeikenAshiResult{
		Bullish:         bullish && run >= 2 && bodyRatio >= 0.5,
		Bearish:         !bullish && run >= 2 && bodyRatio >= 0.5,
		ConsecutiveBars: run,
		BodyRatio:       bodyRatio,
		EMAConfirmed:    emaConfirmed,
		VolumeConfirmed: volumeConfirmed,
	}
}
