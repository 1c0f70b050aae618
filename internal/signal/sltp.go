package signal

import (
	"fmt"
	"math"

	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/market"
)

// ClassParams tunes SL/TP distances per asset class. Distances start from
// ATR multiples and are then squeezed through broker and percent guards.
type ClassParams struct {
	ATRTPMultiplier    float64
	ATRSLMultiplier    float64
	TrailingMultiplier float64
	MaxTPPct           float64 // TP never further than this percent of entry
	MinSLPct           float64 // SL never closer than this percent of entry
	FallbackATRPct     float64 // synthetic ATR as percent of entry when ATR is unusable
}

var classParams = map[string]ClassParams{
	market.AssetForexMajor: {ATRTPMultiplier: 2.0, ATRSLMultiplier: 1.0, TrailingMultiplier: 0.8, MaxTPPct: 1.0, MinSLPct: 0.05, FallbackATRPct: 0.10},
	market.AssetForexMinor: {ATRTPMultiplier: 2.2, ATRSLMultiplier: 1.2, TrailingMultiplier: 1.0, MaxTPPct: 1.5, MinSLPct: 0.08, FallbackATRPct: 0.15},
	market.AssetMetals:     {ATRTPMultiplier: 2.5, ATRSLMultiplier: 1.2, TrailingMultiplier: 1.0, MaxTPPct: 2.0, MinSLPct: 0.10, FallbackATRPct: 0.20},
	market.AssetIndices:    {ATRTPMultiplier: 2.5, ATRSLMultiplier: 1.5, TrailingMultiplier: 1.2, MaxTPPct: 2.5, MinSLPct: 0.15, FallbackATRPct: 0.25},
	market.AssetCrypto:     {ATRTPMultiplier: 3.0, ATRSLMultiplier: 1.5, TrailingMultiplier: 1.2, MaxTPPct: 4.0, MinSLPct: 0.30, FallbackATRPct: 0.50},
}

// ParamsForClass returns the SL/TP tuning for an asset class.
func ParamsForClass(class string) ClassParams {
	if p, ok := classParams[class]; ok {
		return p
	}
	return classParams[market.AssetForexMinor]
}

// Levels is a priced SL/TP proposal.
type Levels struct {
	Entry      float64
	StopLoss   float64
	TakeProfit float64
	RiskReward float64
	ATRUsed    float64
}

// ComputeLevels derives SL/TP for a signal from the ATR and the broker's
// symbol spec. maxLossCeiling (deposit currency, at the broker's minimum
// volume) further tightens the SL when positive. The proposal is rejected
// when the resulting R:R falls under minRR or the broker stops level cannot
// be honored together with a loss ceiling.
func ComputeLevels(direction string, entry, atr float64, symbol *database.BrokerSymbol, maxLossCeiling, minRR, maxRR float64) (*Levels, error) {
	if entry <= 0 {
		return nil, fmt.Errorf("entry price %.5f not positive", entry)
	}
	if direction != market.DirectionBuy && direction != market.DirectionSell {
		return nil, fmt.Errorf("unknown direction %q", direction)
	}

	params := ParamsForClass(market.AssetClassOf(symbol.Instrument))

	if atr <= 0 || math.IsNaN(atr) || math.IsInf(atr, 0) {
		atr = entry * params.FallbackATRPct / 100
	}

	slDist := atr * params.ATRSLMultiplier
	tpDist := atr * params.ATRTPMultiplier

	// Broker floor: both levels at least stops_level points away
	stopsDist := float64(symbol.StopsLevel) * symbol.Point
	if stopsDist > 0 {
		slDist = math.Max(slDist, stopsDist)
		tpDist = math.Max(tpDist, stopsDist)
	}

	// Percent guards
	if minSL := entry * params.MinSLPct / 100; slDist < minSL {
		slDist = minSL
	}
	if maxTP := entry * params.MaxTPPct / 100; tpDist > maxTP {
		tpDist = maxTP
	}

	// Loss ceiling at minimum volume: loss = slDist / tick_size x tick_value x volume
	if maxLossCeiling > 0 && symbol.TickSize > 0 && symbol.TickValue > 0 {
		vol := symbol.MinVolume
		if vol <= 0 {
			vol = 0.01
		}
		maxSLDist := maxLossCeiling * symbol.TickSize / (symbol.TickValue * vol)
		if slDist > maxSLDist {
			slDist = maxSLDist
		}
		if stopsDist > 0 && slDist < stopsDist {
			return nil, fmt.Errorf("loss ceiling %.2f forces SL inside broker stops level on %s", maxLossCeiling, symbol.Instrument)
		}
	}

	if slDist <= 0 {
		return nil, fmt.Errorf("degenerate SL distance on %s", symbol.Instrument)
	}

	rr := tpDist / slDist
	if rr > maxRR {
		tpDist = slDist * maxRR
		rr = maxRR
	}
	if rr < minRR {
		return nil, fmt.Errorf("risk reward %.2f below minimum %.2f on %s", rr, minRR, symbol.Instrument)
	}

	lv := &Levels{Entry: entry, RiskReward: rr, ATRUsed: atr}
	if direction == market.DirectionBuy {
		lv.StopLoss = roundToDigits(entry-slDist, symbol.Digits)
		lv.TakeProfit = roundToDigits(entry+tpDist, symbol.Digits)
	} else {
		lv.StopLoss = roundToDigits(entry+slDist, symbol.Digits)
		lv.TakeProfit = roundToDigits(entry-tpDist, symbol.Digits)
	}
	return lv, nil
}

func roundToDigits(v float64, digits int) float64 {
	if digits <= 0 {
		return v
	}
	scale := math.Pow10(digits)
	return math.Round(v*scale) / scale
}
