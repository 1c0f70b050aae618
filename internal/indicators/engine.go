package indicators

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"mt5-trading-server/internal/cache"
	"mt5-trading-server/internal/decision"
	"mt5-trading-server/internal/market"
)

// Signal values emitted by indicator readings
const (
	SignalBuy     = "BUY"
	SignalSell    = "SELL"
	SignalNeutral = "NEUTRAL"
)

// Strength labels for indicator readings
const (
	StrengthWeak       = "weak"
	StrengthMedium     = "medium"
	StrengthStrong     = "strong"
	StrengthVeryStrong = "very_strong"
)

// Regime states classified from ADX
const (
	RegimeTrending     = "TRENDING"
	RegimeRanging      = "RANGING"
	RegimeTooWeak      = "TOO_WEAK"
	RegimeTransitional = "TRANSITIONAL"
)

// Regime directions
const (
	DirectionBullish = "bullish"
	DirectionBearish = "bearish"
	DirectionNeutral = "neutral"
)

// Volatility levels derived from the ATR percentile; drives signal cadence
const (
	VolatilityLow    = "LOW"
	VolatilityNormal = "NORMAL"
	VolatilityHigh   = "HIGH"
)

// Reading is a compound indicator result: the headline value plus a
// directional interpretation.
type Reading struct {
	Value    float64 `json:"value"`
	Signal   string  `json:"signal"`
	Strength string  `json:"strength"`
}

// EMASet carries the standard EMA ladder. A zero value means the window was
// too short for that period.
type EMASet struct {
	EMA8   float64 `json:"ema_8"`
	EMA9   float64 `json:"ema_9"`
	EMA21  float64 `json:"ema_21"`
	EMA30  float64 `json:"ema_30"`
	EMA50  float64 `json:"ema_50"`
	EMA200 float64 `json:"ema_200"`
}

// Regime is the market state classification for one (instrument, timeframe)
type Regime struct {
	State      string  `json:"state"`
	Direction  string  `json:"direction"`
	Strength   float64 `json:"strength"` // 0..100
	Volatility string  `json:"volatility"`
}

// Bundle is the output of one synchronized calculation pass. Every field is
// computed from the same OHLC snapshot and stamped with one CalculatedAt.
type Bundle struct {
	Instrument   string    `json:"instrument"`
	Timeframe    string    `json:"timeframe"`
	CalculatedAt time.Time `json:"calculated_at"`
	Valid        bool      `json:"valid"`
	Reason       string    `json:"reason,omitempty"`

	Price      float64               `json:"price"`
	RSI        float64               `json:"rsi"`
	MACD       *MACDResult           `json:"macd,omitempty"`
	EMA        EMASet                `json:"ema"`
	Bollinger  *BollingerBandsResult `json:"bollinger,omitempty"`
	Stochastic *StochasticResult     `json:"stochastic,omitempty"`
	ATR        float64               `json:"atr"`
	ADX        *ADXResult            `json:"adx,omitempty"`
	Ichimoku   *IchimokuResult       `json:"ichimoku,omitempty"`
	Fibonacci  *FibonacciLevels      `json:"fibonacci,omitempty"`
	Pivots     *PivotPoints          `json:"pivots,omitempty"`
	SAR        *SARResult            `json:"sar,omitempty"`
	CCI        float64               `json:"cci"`
	WilliamsR  float64               `json:"williams_r"`
	OBV        float64               `json:"obv"`
	VWAP       float64               `json:"vwap"`
	SuperTrend *SuperTrendResult     `json:"supertrend,omitempty"`
	HeikenAshi *HeikenAshiResult     `json:"heiken_ashi,omitempty"`

	// Signals holds the directional reading per signal-bearing indicator
	Signals map[string]Reading `json:"signals"`
	Regime  Regime             `json:"regime"`
}

// trendFollowing and meanReversion classify the signal-bearing indicators
// for regime filtering.
var trendFollowing = map[string]bool{
	"macd": true, "ema_trend": true, "adx": true, "ichimoku": true,
	"sar": true, "supertrend": true, "heiken_ashi": true, "obv": true, "vwap": true,
}

var meanReversion = map[string]bool{
	"rsi": true, "bollinger": true, "stochastic": true, "cci": true, "williams_r": true,
}

// IsTrendFollowing reports whether a signal name belongs to the
// trend-following family.
func IsTrendFollowing(name string) bool {
	return trendFollowing[name]
}

// ActiveSignals returns the readings that survive the regime filter:
// mean-reversion indicators are muted while trending, trend-following
// indicators are muted while ranging, and everything is muted when the
// trend is too weak to classify.
func (b *Bundle) ActiveSignals() map[string]Reading {
	out := make(map[string]Reading, len(b.Signals))
	for name, r := range b.Signals {
		switch b.Regime.State {
		case RegimeTooWeak:
			continue
		case RegimeTrending:
			if meanReversion[name] {
				continue
			}
		case RegimeRanging:
			if trendFollowing[name] {
				continue
			}
		}
		out[name] = r
	}
	return out
}

// minBundleBars is the shortest window that produces a usable bundle
// (Ichimoku needs 52, plus headroom for smoothing warm-up).
const minBundleBars = 60

// Engine computes synchronized indicator bundles with short-TTL cache
// memoization.
type Engine struct {
	cache     *cache.Service
	decisions *decision.Recorder
	logger    zerolog.Logger
}

// NewEngine creates the indicator engine
func NewEngine(cacheSvc *cache.Service, decisions *decision.Recorder, logger zerolog.Logger) *Engine {
	return &Engine{
		cache:     cacheSvc,
		decisions: decisions,
		logger:    logger.With().Str("component", "IndicatorEngine").Logger(),
	}
}

// CalculateAll computes every indicator from one OHLC snapshot. The bundle
// is memoized per (instrument, timeframe) so repeated calls inside the cache
// TTL are free. Candles must be chronological.
func (e *Engine) CalculateAll(ctx context.Context, instrument, timeframe string, candles []market.Candle) *Bundle {
	bundleKey := cache.IndicatorKey(instrument, timeframe, "bundle")
	if e.cache.Available() {
		var cached Bundle
		if ok, err := e.cache.Get(ctx, bundleKey, &cached); err == nil && ok {
			return &cached
		}
	}

	now := time.Now().UTC()
	if err := ValidateWindow(instrument, timeframe, candles); err != nil {
		e.logger.Warn().
			Str("instrument", instrument).
			Str("timeframe", timeframe).
			Err(err).
			Msg("OHLC validation failed, returning empty bundle")
		e.decisions.RecordGlobal(ctx, decision.TypeDataValidation, instrument,
			decision.OutcomeRejected, err.Error(), map[string]interface{}{
				"timeframe": timeframe,
				"bars":      len(candles),
			})
		return &Bundle{
			Instrument:   instrument,
			Timeframe:    timeframe,
			CalculatedAt: now,
			Valid:        false,
			Reason:       err.Error(),
			Signals:      map[string]Reading{},
		}
	}

	b := e.compute(instrument, timeframe, candles, now)

	if e.cache.Available() {
		if err := e.cache.Set(ctx, bundleKey, b, cache.TTLIndicator); err == nil {
			e.cacheReadings(ctx, b)
		}
	}
	return b
}

// compute runs every indicator over the snapshot and derives the readings
// and regime.
func (e *Engine) compute(instrument, timeframe string, candles []market.Candle, now time.Time) *Bundle {
	price := candles[len(candles)-1].Close

	b := &Bundle{
		Instrument:   instrument,
		Timeframe:    timeframe,
		CalculatedAt: now,
		Valid:        true,
		Price:        price,
		RSI:          CalculateRSI(candles, 14),
		MACD:         CalculateMACD(candles, 12, 26, 9),
		Bollinger:    CalculateBollingerBands(candles, 20, 2),
		Stochastic:   CalculateStochastic(candles, 5, 3, 3),
		ATR:          CalculateATR(candles, 14),
		ADX:          CalculateADX(candles, 14),
		Ichimoku:     CalculateIchimoku(candles),
		Fibonacci:    CalculateFibonacciLevels(candles, 50),
		Pivots:       CalculateStandardPivotPoints(candles),
		SAR:          CalculateParabolicSAR(candles, 0.02, 0.2),
		CCI:          CalculateCCI(candles, 20),
		WilliamsR:    CalculateWilliamsR(candles, 14),
		OBV:          CalculateOBV(candles),
		VWAP:         CalculateVWAP(candles),
		SuperTrend:   CalculateSuperTrend(candles, 10, 3),
		HeikenAshi:   CalculateHeikenAshiTrend(candles),
		EMA: EMASet{
			EMA8:   CalculateEMA(candles, 8),
			EMA9:   CalculateEMA(candles, 9),
			EMA21:  CalculateEMA(candles, 21),
			EMA30:  CalculateEMA(candles, 30),
			EMA50:  CalculateEMA(candles, 50),
			EMA200: CalculateEMA(candles, 200),
		},
	}

	obvPrev := CalculateOBV(candles[:len(candles)-5])
	pricePrev := candles[len(candles)-6].Close

	b.Signals = map[string]Reading{
		"rsi":         rsiReading(b.RSI),
		"macd":        macdReading(b.MACD),
		"ema_trend":   emaTrendReading(price, b.EMA),
		"bollinger":   bollingerReading(price, b.Bollinger),
		"stochastic":  stochasticReading(b.Stochastic),
		"adx":         adxReading(b.ADX),
		"ichimoku":    ichimokuReading(price, b.Ichimoku),
		"sar":         sarReading(price, b.SAR, b.ATR),
		"cci":         cciReading(b.CCI),
		"williams_r":  williamsReading(b.WilliamsR),
		"obv":         obvReading(b.OBV, obvPrev, price, pricePrev),
		"vwap":        vwapReading(price, b.VWAP, b.ATR),
		"supertrend":  supertrendReading(price, b.SuperTrend, b.ATR),
		"heiken_ashi": heikenAshiReading(b.HeikenAshi),
	}

	b.Regime = classifyRegime(candles, b.ADX, b.EMA)

	return b
}

// cacheReadings writes the per-indicator keys the dashboard reads directly.
func (e *Engine) cacheReadings(ctx context.Context, b *Bundle) {
	for name, r := range b.Signals {
		key := cache.IndicatorKey(b.Instrument, b.Timeframe, name)
		_ = e.cache.Set(ctx, key, r, cache.TTLIndicator)
	}
	_ = e.cache.Set(ctx, cache.IndicatorKey(b.Instrument, b.Timeframe, "atr"), b.ATR, cache.TTLIndicator)
	_ = e.cache.Set(ctx, cache.IndicatorKey(b.Instrument, b.Timeframe, "fibonacci"), b.Fibonacci, cache.TTLIndicator)
	_ = e.cache.Set(ctx, cache.IndicatorKey(b.Instrument, b.Timeframe, "pivots"), b.Pivots, cache.TTLIndicator)
	_ = e.cache.Set(ctx, cache.IndicatorKey(b.Instrument, b.Timeframe, "regime"), b.Regime, cache.TTLIndicator)
}

// ==================== VALIDATION ====================

// ValidateWindow asserts the OHLC window is computable: no NaN/Inf, no zero
// or negative prices, high/low envelope intact, bars strictly chronological
// with no holes during market hours.
func ValidateWindow(instrument, timeframe string, candles []market.Candle) error {
	if len(candles) < minBundleBars {
		return fmt.Errorf("window too short: %d bars, need %d", len(candles), minBundleBars)
	}

	step := time.Duration(market.TimeframeMinutes(timeframe)) * time.Minute
	if step <= 0 {
		return fmt.Errorf("unknown timeframe %q", timeframe)
	}

	for i, c := range candles {
		for _, v := range [4]float64{c.Open, c.High, c.Low, c.Close} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("bar %d: non-finite price", i)
			}
			if v <= 0 {
				return fmt.Errorf("bar %d: non-positive price %.5f", i, v)
			}
		}
		if c.High < c.Open || c.High < c.Close || c.Low > c.Open || c.Low > c.Close || c.High < c.Low {
			return fmt.Errorf("bar %d: high/low envelope violated", i)
		}
		if i == 0 {
			continue
		}
		prev := candles[i-1]
		delta := c.OpenTime.Sub(prev.OpenTime)
		if delta <= 0 {
			return fmt.Errorf("bar %d: timestamps not strictly increasing", i)
		}
		if delta != step && market.IsMarketOpen(instrument, prev.OpenTime.Add(step)) {
			return fmt.Errorf("bar %d: missing bars, gap of %s at %s", i, delta, prev.OpenTime.Add(step).Format(time.RFC3339))
		}
	}
	return nil
}

// ==================== REGIME ====================

// classifyRegime maps ADX into the regime state, reads direction from the
// DI lines confirmed by the EMA slope, and derives a volatility level from
// the ATR percentile over the window.
func classifyRegime(candles []market.Candle, adx *ADXResult, ema EMASet) Regime {
	r := Regime{State: RegimeTransitional, Direction: DirectionNeutral, Volatility: VolatilityNormal}
	if adx == nil {
		return r
	}

	switch {
	case adx.ADX < 12:
		r.State = RegimeTooWeak
	case adx.ADX > 25:
		r.State = RegimeTrending
	case adx.ADX <= 18:
		r.State = RegimeRanging
	}

	r.Strength = math.Min(100, adx.ADX*2)

	// direction needs the DI vote and the EMA slope to agree
	diVote := 0
	if adx.PlusDI > adx.MinusDI+1 {
		diVote = 1
	} else if adx.MinusDI > adx.PlusDI+1 {
		diVote = -1
	}

	slopeVote := 0
	if len(candles) > 26 {
		emaNow := ema.EMA21
		emaPrev := CalculateEMA(candles[:len(candles)-5], 21)
		if emaNow > emaPrev {
			slopeVote = 1
		} else if emaNow < emaPrev {
			slopeVote = -1
		}
	}

	if diVote > 0 && slopeVote >= 0 {
		r.Direction = DirectionBullish
	} else if diVote < 0 && slopeVote <= 0 {
		r.Direction = DirectionBearish
	}

	r.Volatility = volatilityLevel(candles)
	return r
}

// volatilityLevel ranks the current ATR against the window's own ATR
// distribution. Below the 30th percentile is LOW, above the 70th is HIGH.
func volatilityLevel(candles []market.Candle) string {
	const period = 14
	if len(candles) < period*2 {
		return VolatilityNormal
	}

	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs = append(trs, trueRange(candles[i], candles[i-1]))
	}

	// Wilder-smoothed ATR series
	atrs := make([]float64, 0, len(trs)-period+1)
	var seed float64
	for _, tr := range trs[:period] {
		seed += tr
	}
	atr := seed / period
	atrs = append(atrs, atr)
	for _, tr := range trs[period:] {
		atr = (atr*(period-1) + tr) / period
		atrs = append(atrs, atr)
	}

	current := atrs[len(atrs)-1]
	sorted := append([]float64(nil), atrs...)
	sort.Float64s(sorted)

	rank := sort.SearchFloat64s(sorted, current)
	pct := float64(rank) / float64(len(sorted))
	switch {
	case pct < 0.30:
		return VolatilityLow
	case pct > 0.70:
		return VolatilityHigh
	default:
		return VolatilityNormal
	}
}

// ==================== READINGS ====================

func strengthLabel(score float64) string {
	switch {
	case score >= 0.75:
		return StrengthVeryStrong
	case score >= 0.5:
		return StrengthStrong
	case score >= 0.25:
		return StrengthMedium
	default:
		return StrengthWeak
	}
}

func neutral(value float64) Reading {
	return Reading{Value: value, Signal: SignalNeutral, Strength: StrengthWeak}
}

func rsiReading(rsi float64) Reading {
	switch {
	case rsi > 0 && rsi < 30:
		return Reading{Value: rsi, Signal: SignalBuy, Strength: strengthLabel((30 - rsi) / 30)}
	case rsi > 70:
		return Reading{Value: rsi, Signal: SignalSell, Strength: strengthLabel((rsi - 70) / 30)}
	default:
		return neutral(rsi)
	}
}

func macdReading(m *MACDResult) Reading {
	if m == nil || (m.MACD == 0 && m.Signal == 0) {
		return neutral(0)
	}
	score := math.Min(1, math.Abs(m.Histogram)/math.Max(math.Abs(m.MACD), 1e-9))
	if m.Histogram > 0 && m.MACD > m.Signal {
		return Reading{Value: m.Histogram, Signal: SignalBuy, Strength: strengthLabel(score)}
	}
	if m.Histogram < 0 && m.MACD < m.Signal {
		return Reading{Value: m.Histogram, Signal: SignalSell, Strength: strengthLabel(score)}
	}
	return neutral(m.Histogram)
}

// emaTrendReading scores the EMA ladder alignment: price over the fast EMAs
// over the slow ones. A zero EMA (window too short) is skipped.
func emaTrendReading(price float64, ema EMASet) Reading {
	checks := [][2]float64{
		{price, ema.EMA8},
		{ema.EMA8, ema.EMA21},
		{ema.EMA21, ema.EMA50},
		{ema.EMA50, ema.EMA200},
	}
	bull, bear, counted := 0, 0, 0
	for _, c := range checks {
		if c[0] == 0 || c[1] == 0 {
			continue
		}
		counted++
		if c[0] > c[1] {
			bull++
		} else if c[0] < c[1] {
			bear++
		}
	}
	if counted < 2 {
		return neutral(ema.EMA21)
	}
	score := float64(bull) / float64(counted)
	if bull == counted {
		return Reading{Value: ema.EMA21, Signal: SignalBuy, Strength: strengthLabel(score)}
	}
	if bear == counted {
		return Reading{Value: ema.EMA21, Signal: SignalSell, Strength: strengthLabel(float64(bear) / float64(counted))}
	}
	return neutral(ema.EMA21)
}

func bollingerReading(price float64, bb *BollingerBandsResult) Reading {
	if bb == nil || bb.Middle == 0 {
		return neutral(0)
	}
	halfWidth := bb.Middle - bb.Lower
	if halfWidth <= 0 {
		return neutral(price)
	}
	if price <= bb.Lower {
		score := math.Min(1, 0.5+(bb.Lower-price)/halfWidth)
		return Reading{Value: price, Signal: SignalBuy, Strength: strengthLabel(score)}
	}
	if price >= bb.Upper {
		score := math.Min(1, 0.5+(price-bb.Upper)/halfWidth)
		return Reading{Value: price, Signal: SignalSell, Strength: strengthLabel(score)}
	}
	return neutral(price)
}

func stochasticReading(s *StochasticResult) Reading {
	if s == nil {
		return neutral(50)
	}
	if s.K < 20 && s.K >= s.D {
		return Reading{Value: s.K, Signal: SignalBuy, Strength: strengthLabel((20 - s.K) / 20)}
	}
	if s.K > 80 && s.K <= s.D {
		return Reading{Value: s.K, Signal: SignalSell, Strength: strengthLabel((s.K - 80) / 20)}
	}
	return neutral(s.K)
}

func adxReading(a *ADXResult) Reading {
	if a == nil || a.ADX == 0 {
		return neutral(0)
	}
	if math.Abs(a.PlusDI-a.MinusDI) < 2 {
		return neutral(a.ADX)
	}
	score := math.Min(1, a.ADX/50)
	if a.PlusDI > a.MinusDI {
		return Reading{Value: a.ADX, Signal: SignalBuy, Strength: strengthLabel(score)}
	}
	return Reading{Value: a.ADX, Signal: SignalSell, Strength: strengthLabel(score)}
}

func ichimokuReading(price float64, ich *IchimokuResult) Reading {
	if ich == nil || (ich.SenkouA == 0 && ich.SenkouB == 0) {
		return neutral(price)
	}
	cloudTop := math.Max(ich.SenkouA, ich.SenkouB)
	cloudBottom := math.Min(ich.SenkouA, ich.SenkouB)
	if price > cloudTop {
		score := 0.5
		if ich.Tenkan > ich.Kijun {
			score = 0.75
		}
		return Reading{Value: price - cloudTop, Signal: SignalBuy, Strength: strengthLabel(score)}
	}
	if price < cloudBottom {
		score := 0.5
		if ich.Tenkan < ich.Kijun {
			score = 0.75
		}
		return Reading{Value: cloudBottom - price, Signal: SignalSell, Strength: strengthLabel(score)}
	}
	return neutral(0)
}

func sarReading(price float64, sar *SARResult, atr float64) Reading {
	if sar == nil || sar.SAR == 0 {
		return neutral(0)
	}
	score := 0.5
	if atr > 0 {
		score = math.Min(1, 0.25+math.Abs(price-sar.SAR)/(2*atr))
	}
	if sar.Rising {
		return Reading{Value: sar.SAR, Signal: SignalBuy, Strength: strengthLabel(score)}
	}
	return Reading{Value: sar.SAR, Signal: SignalSell, Strength: strengthLabel(score)}
}

func cciReading(cci float64) Reading {
	if cci < -100 {
		return Reading{Value: cci, Signal: SignalBuy, Strength: strengthLabel(math.Min(1, (-100-cci)/100))}
	}
	if cci > 100 {
		return Reading{Value: cci, Signal: SignalSell, Strength: strengthLabel(math.Min(1, (cci-100)/100))}
	}
	return neutral(cci)
}

func williamsReading(wr float64) Reading {
	if wr < -80 {
		return Reading{Value: wr, Signal: SignalBuy, Strength: strengthLabel((-80 - wr) / 20)}
	}
	if wr > -20 && wr < 0 {
		return Reading{Value: wr, Signal: SignalSell, Strength: strengthLabel((wr + 20) / 20)}
	}
	return neutral(wr)
}

// obvReading reads on-balance volume slope over the last 5 bars, stronger
// when price agrees.
func obvReading(obvNow, obvPrev, price, pricePrev float64) Reading {
	delta := obvNow - obvPrev
	if delta == 0 {
		return neutral(obvNow)
	}
	score := 0.2
	if (delta > 0 && price > pricePrev) || (delta < 0 && price < pricePrev) {
		score = 0.4
	}
	if delta > 0 {
		return Reading{Value: obvNow, Signal: SignalBuy, Strength: strengthLabel(score)}
	}
	return Reading{Value: obvNow, Signal: SignalSell, Strength: strengthLabel(score)}
}

func vwapReading(price, vwap, atr float64) Reading {
	if vwap == 0 {
		return neutral(0)
	}
	dist := price - vwap
	score := 0.3
	if atr > 0 {
		score = math.Min(1, math.Abs(dist)/(2*atr))
	}
	if dist > 0 {
		return Reading{Value: vwap, Signal: SignalBuy, Strength: strengthLabel(score)}
	}
	if dist < 0 {
		return Reading{Value: vwap, Signal: SignalSell, Strength: strengthLabel(score)}
	}
	return neutral(vwap)
}

func supertrendReading(price float64, st *SuperTrendResult, atr float64) Reading {
	if st == nil || st.Value == 0 {
		return neutral(0)
	}
	score := 0.5
	if atr > 0 {
		score = math.Min(1, 0.25+math.Abs(price-st.Value)/(2*atr))
	}
	if st.Rising {
		return Reading{Value: st.Value, Signal: SignalBuy, Strength: strengthLabel(score)}
	}
	return Reading{Value: st.Value, Signal: SignalSell, Strength: strengthLabel(score)}
}

func heikenAshiReading(ha *HeikenAshiResult) Reading {
	if ha == nil || (!ha.Bullish && !ha.Bearish) {
		return neutral(0)
	}
	score := 0.4
	if ha.EMAConfirmed {
		score += 0.2
	}
	if ha.VolumeConfirmed {
		score += 0.2
	}
	if ha.ConsecutiveBars >= 3 {
		score += 0.2
	}
	if ha.Bullish {
		return Reading{Value: float64(ha.ConsecutiveBars), Signal: SignalBuy, Strength: strengthLabel(score)}
	}
	return Reading{Value: float64(ha.ConsecutiveBars), Signal: SignalSell, Strength: strengthLabel(score)}
}
