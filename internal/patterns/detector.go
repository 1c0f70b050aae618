package patterns

import (
	"sort"
	"time"

	"mt5-trading-server/internal/market"
)

// PatternType names a candlestick formation
type PatternType string

const (
	// Reversal Patterns
	MorningStar      PatternType = "morning_star"
	EveningStar      PatternType = "evening_star"
	ShootingStar     PatternType = "shooting_star"
	Hammer           PatternType = "hammer"
	HangingMan       PatternType = "hanging_man"
	BullishEngulfing PatternType = "bullish_engulfing"
	BearishEngulfing PatternType = "bearish_engulfing"
	Doji             PatternType = "doji"
	DragonflyDoji    PatternType = "dragonfly_doji"
	GravestoneDoji   PatternType = "gravestone_doji"
	BullishHarami    PatternType = "bullish_harami"
	BearishHarami    PatternType = "bearish_harami"

	// Continuation Patterns
	BullishFlag        PatternType = "bullish_flag"
	BearishFlag        PatternType = "bearish_flag"
	Pennant            PatternType = "pennant"
	AscendingTriangle  PatternType = "ascending_triangle"
	DescendingTriangle PatternType = "descending_triangle"
)

// Direction values carried by detected patterns
const (
	DirectionBullish    = "bullish"
	DirectionBearish    = "bearish"
	DirectionIndecision = "indecision"
)

// Cluster groups patterns that express the same market opinion. Only the
// highest-reliability member of each cluster survives deduplication.
type Cluster string

const (
	ClusterBullishReversal     Cluster = "bullish_reversal"
	ClusterBearishReversal     Cluster = "bearish_reversal"
	ClusterBullishContinuation Cluster = "bullish_continuation"
	ClusterBearishContinuation Cluster = "bearish_continuation"
	ClusterIndecision          Cluster = "indecision"
)

// Pattern is one detected candlestick formation
type Pattern struct {
	Name        PatternType `json:"name"`
	Instrument  string      `json:"instrument"`
	Timeframe   string      `json:"timeframe"`
	Direction   string      `json:"direction"`
	Reliability float64     `json:"reliability"` // 0..100
	Cluster     Cluster     `json:"cluster"`
	CandleIndex int         `json:"candle_index"`
	DetectedAt  time.Time   `json:"detected_at"`
}

// baseReliability is the starting score per pattern before volume and
// trend-context adjustments.
var baseReliability = map[PatternType]float64{
	MorningStar:        70,
	EveningStar:        70,
	BullishEngulfing:   68,
	BearishEngulfing:   68,
	Hammer:             62,
	ShootingStar:       62,
	HangingMan:         60,
	BullishHarami:      60,
	BearishHarami:      60,
	DragonflyDoji:      58,
	GravestoneDoji:     58,
	Doji:               50,
	BullishFlag:        65,
	BearishFlag:        65,
	AscendingTriangle:  64,
	DescendingTriangle: 64,
	Pennant:            58,
}

var patternCluster = map[PatternType]Cluster{
	MorningStar:        ClusterBullishReversal,
	Hammer:             ClusterBullishReversal,
	BullishEngulfing:   ClusterBullishReversal,
	BullishHarami:      ClusterBullishReversal,
	DragonflyDoji:      ClusterBullishReversal,
	EveningStar:        ClusterBearishReversal,
	ShootingStar:       ClusterBearishReversal,
	HangingMan:         ClusterBearishReversal,
	BearishEngulfing:   ClusterBearishReversal,
	BearishHarami:      ClusterBearishReversal,
	GravestoneDoji:     ClusterBearishReversal,
	BullishFlag:        ClusterBullishContinuation,
	AscendingTriangle:  ClusterBullishContinuation,
	BearishFlag:        ClusterBearishContinuation,
	DescendingTriangle: ClusterBearishContinuation,
	Doji:               ClusterIndecision,
	Pennant:            ClusterIndecision,
}

const (
	minReliability    = 60.0 // patterns below this are dropped after adjustments
	volumeBonus       = 10.0
	trendContextBonus = 5.0
	volumeLookback    = 20
	trendLookback     = 10
)

// Detector recognizes candlestick formations ending at the most recent bar
// of an OHLC window.
type Detector struct {
	minBodyRatio float64 // minimum body/range ratio for a "long" candle
}

// NewDetector creates a pattern detector. minBodyRatio <= 0 selects the
// default of 0.6.
func NewDetector(minBodyRatio float64) *Detector {
	if minBodyRatio <= 0 {
		minBodyRatio = 0.6
	}
	return &Detector{minBodyRatio: minBodyRatio}
}

// Detect scans the tail of the candle window for formations that complete on
// the latest bar, applies volume confirmation and trend-context bonuses,
// deduplicates by cluster and drops anything below the reliability floor.
// Candles must be chronological.
func (d *Detector) Detect(instrument, timeframe string, candles []market.Candle) []Pattern {
	n := len(candles)
	if n < 3 {
		return nil
	}

	var found []Pattern
	add := func(name PatternType, direction string, idx int) {
		found = append(found, Pattern{
			Name:        name,
			Instrument:  instrument,
			Timeframe:   timeframe,
			Direction:   direction,
			Reliability: baseReliability[name],
			Cluster:     patternCluster[name],
			CandleIndex: idx,
			DetectedAt:  candles[idx].OpenTime,
		})
	}

	last := candles[n-1]
	prev := candles[n-2]

	// Single-candle formations on the latest bar
	if d.isShootingStar(last, &prev) {
		add(ShootingStar, DirectionBearish, n-1)
	}
	if d.isHammer(last, &prev) {
		add(Hammer, DirectionBullish, n-1)
	}
	if d.isHangingMan(last, &prev) {
		add(HangingMan, DirectionBearish, n-1)
	}
	if d.isDragonflyDoji(last) {
		add(DragonflyDoji, DirectionBullish, n-1)
	} else if d.isGravestoneDoji(last) {
		add(GravestoneDoji, DirectionBearish, n-1)
	} else if d.isDoji(last) {
		add(Doji, DirectionIndecision, n-1)
	}

	// Two-candle formations
	if d.isBullishEngulfing(prev, last) {
		add(BullishEngulfing, DirectionBullish, n-1)
	}
	if d.isBearishEngulfing(prev, last) {
		add(BearishEngulfing, DirectionBearish, n-1)
	}
	if d.isBullishHarami(prev, last) {
		add(BullishHarami, DirectionBullish, n-1)
	}
	if d.isBearishHarami(prev, last) {
		add(BearishHarami, DirectionBearish, n-1)
	}

	// Three-candle formations
	c1, c2, c3 := candles[n-3], candles[n-2], candles[n-1]
	if d.isMorningStar(c1, c2, c3) {
		add(MorningStar, DirectionBullish, n-1)
	}
	if d.isEveningStar(c1, c2, c3) {
		add(EveningStar, DirectionBearish, n-1)
	}

	// Multi-bar continuation structures over the tail window
	found = append(found, d.detectContinuation(instrument, timeframe, candles)...)

	if len(found) == 0 {
		return nil
	}

	d.applyBonuses(candles, found)

	return dedupeAndFloor(found)
}

// applyBonuses adds the volume confirmation and trend-context bonuses to each
// raw detection in place.
func (d *Detector) applyBonuses(candles []market.Candle, found []Pattern) {
	volConfirmed := volumeConfirmed(candles)
	trend := priorTrend(candles)

	for i := range found {
		p := &found[i]
		if volConfirmed {
			p.Reliability += volumeBonus
		}
		switch p.Cluster {
		case ClusterBullishReversal:
			// reversals are more reliable against the prior trend
			if trend < 0 {
				p.Reliability += trendContextBonus
			}
		case ClusterBearishReversal:
			if trend > 0 {
				p.Reliability += trendContextBonus
			}
		case ClusterBullishContinuation:
			if trend > 0 {
				p.Reliability += trendContextBonus
			}
		case ClusterBearishContinuation:
			if trend < 0 {
				p.Reliability += trendContextBonus
			}
		}
		if p.Reliability > 100 {
			p.Reliability = 100
		}
	}
}

// volumeConfirmed reports whether the latest bar's volume exceeds 1.5x the
// mean of the preceding 20 bars. Returns false when the window is too short
// or volume data is absent.
func volumeConfirmed(candles []market.Candle) bool {
	n := len(candles)
	if n < volumeLookback+1 {
		return false
	}
	var sum float64
	for _, c := range candles[n-1-volumeLookback : n-1] {
		sum += c.Volume
	}
	mean := sum / float64(volumeLookback)
	if mean <= 0 {
		return false
	}
	return candles[n-1].Volume > 1.5*mean
}

// priorTrend classifies the move leading into the latest bar: +1 uptrend,
// -1 downtrend, 0 flat. The net close-to-close change over the lookback must
// exceed half the average bar range to count as a trend.
func priorTrend(candles []market.Candle) int {
	n := len(candles)
	if n < trendLookback+1 {
		return 0
	}
	window := candles[n-1-trendLookback : n-1]
	var avgRange float64
	for _, c := range window {
		avgRange += c.High - c.Low
	}
	avgRange /= float64(len(window))

	net := window[len(window)-1].Close - window[0].Close
	if net > avgRange*0.5 {
		return 1
	}
	if net < -avgRange*0.5 {
		return -1
	}
	return 0
}

// dedupeAndFloor keeps the highest-reliability pattern per cluster and drops
// everything below the floor. Output is sorted by reliability descending.
func dedupeAndFloor(found []Pattern) []Pattern {
	best := make(map[Cluster]Pattern, len(found))
	for _, p := range found {
		if p.Reliability < minReliability {
			continue
		}
		if cur, ok := best[p.Cluster]; !ok || p.Reliability > cur.Reliability {
			best[p.Cluster] = p
		}
	}
	if len(best) == 0 {
		return nil
	}
	out := make([]Pattern, 0, len(best))
	for _, p := range best {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Reliability != out[j].Reliability {
			return out[i].Reliability > out[j].Reliability
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Helper functions
func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
