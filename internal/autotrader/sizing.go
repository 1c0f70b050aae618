package autotrader

import (
	"errors"
	"fmt"
	"math"

	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/market"
	"mt5-trading-server/internal/signal"
)

// Volume hard bounds. The broker's own min/max narrow these further but an
// automated order never exceeds one lot.
const (
	volumeFloor     = 0.01
	volumeSafetyCap = 1.00
)

var errUnenforceableSL = errors.New("stop loss cannot satisfy the loss ceiling")

// positionSize computes the risk-based lot size:
//
//	lot = (equity × risk% × multiplier × confidence/100) / (|entry − sl| valued per lot)
//
// then floors to the broker volume step and clamps to [0.01, 1.00] within the
// broker's own bounds. Degenerate input sizes the minimum lot and returns the
// reason instead of failing the trade.
func positionSize(equity, riskPct, multiplier, confidence, entry, sl float64,
	sym *database.BrokerSymbol) (float64, string) {

	dist := math.Abs(entry - sl)
	perLot := lossPerLot(dist, sym)
	switch {
	case equity <= 0 || math.IsNaN(equity) || math.IsInf(equity, 0):
		return volumeFloor, fmt.Sprintf("unusable equity %.2f", equity)
	case dist <= 0 || math.IsNaN(dist) || math.IsInf(dist, 0):
		return volumeFloor, "entry and stop coincide"
	case perLot <= 0:
		return volumeFloor, fmt.Sprintf("unusable tick economics (size %.5f value %.5f)", sym.TickSize, sym.TickValue)
	case riskPct <= 0 || multiplier <= 0 || confidence <= 0:
		return volumeFloor, fmt.Sprintf("non-positive risk input (risk %.2f mult %.2f conf %.1f)", riskPct, multiplier, confidence)
	}

	riskAmount := equity * riskPct / 100 * multiplier * confidence / 100
	lot := floorToStep(riskAmount/perLot, sym.VolumeStep)

	lo := volumeFloor
	if sym.MinVolume > lo {
		lo = sym.MinVolume
	}
	hi := volumeSafetyCap
	if sym.MaxVolume > 0 && sym.MaxVolume < hi {
		hi = sym.MaxVolume
	}
	if lot < lo {
		lot = lo
	}
	if lot > hi {
		lot = hi
	}
	return lot, ""
}

// enforceSL validates the stop and bounds the worst-case loss before any
// command leaves the process. A missing or wrong-side stop is replaced from
// the ATR; a loss over the ceiling first sheds volume, then tightens the
// stop at minimum volume, and rejects when neither works. The returned note
// describes what was adjusted.
func enforceSL(direction string, entry, sl, atr float64, sym *database.BrokerSymbol,
	ceiling, volume float64) (newSL, newVolume float64, note string, err error) {

	if entry <= 0 || math.IsNaN(entry) || math.IsInf(entry, 0) {
		return 0, 0, "", fmt.Errorf("unusable entry price %.5f", entry)
	}

	if !stopOnCorrectSide(direction, entry, sl) {
		sl = fallbackStop(direction, entry, atr, sym)
		if !stopOnCorrectSide(direction, entry, sl) {
			return 0, 0, "", fmt.Errorf("no valid stop derivable for %s at %.5f", direction, entry)
		}
		note = fmt.Sprintf("stop replaced from ATR at %.5f", sl)
	}

	dist := math.Abs(entry - sl)
	minVol := sym.MinVolume
	if minVol <= 0 {
		minVol = volumeFloor
	}

	if ceiling > 0 {
		loss := volume * lossPerLot(dist, sym)
		if loss > ceiling {
			perLot := lossPerLot(dist, sym)
			if perLot <= 0 {
				return 0, 0, "", fmt.Errorf("unusable tick economics for %s", sym.Instrument)
			}

			reduced := floorToStep(ceiling/perLot, sym.VolumeStep)
			if reduced >= minVol {
				volume = reduced
				note = appendNote(note, fmt.Sprintf("volume reduced to %.2f for loss ceiling %.2f", reduced, ceiling))
			} else {
				// already at minimum volume: tightening the stop is all that is left
				maxDist := ceiling * sym.TickSize / (sym.TickValue * minVol)
				stopsDist := float64(sym.StopsLevel) * sym.Point
				if maxDist <= 0 || maxDist < stopsDist {
					return 0, 0, "", errUnenforceableSL
				}
				if direction == market.DirectionBuy {
					sl = roundPrice(entry-maxDist, sym.Digits)
				} else {
					sl = roundPrice(entry+maxDist, sym.Digits)
				}
				volume = minVol
				note = appendNote(note, fmt.Sprintf("stop tightened to %.5f at minimum volume", sl))
			}
		}
	}

	return sl, volume, note, nil
}

// fallbackStop derives a stop from the ATR (or the class fallback percent
// when the ATR is unusable), floored at the broker stops level.
func fallbackStop(direction string, entry, atr float64, sym *database.BrokerSymbol) float64 {
	p := signal.ParamsForClass(market.AssetClassOf(sym.Instrument))
	if atr <= 0 || math.IsNaN(atr) || math.IsInf(atr, 0) {
		atr = entry * p.FallbackATRPct / 100
	}
	dist := atr * p.ATRSLMultiplier

	if stopsDist := float64(sym.StopsLevel) * sym.Point; dist < stopsDist {
		dist = stopsDist
	}
	if dist <= 0 {
		return 0
	}
	if direction == market.DirectionBuy {
		return roundPrice(entry-dist, sym.Digits)
	}
	return roundPrice(entry+dist, sym.Digits)
}

func stopOnCorrectSide(direction string, entry, sl float64) bool {
	if sl <= 0 || math.IsNaN(sl) || math.IsInf(sl, 0) {
		return false
	}
	if direction == market.DirectionBuy {
		return sl < entry
	}
	return sl > entry
}

// lossPerLot is the deposit-currency loss of one lot moving dist against us.
func lossPerLot(dist float64, sym *database.BrokerSymbol) float64 {
	if sym.TickSize <= 0 || sym.TickValue <= 0 || dist <= 0 {
		return 0
	}
	return dist / sym.TickSize * sym.TickValue
}

// pipSize converts the broker point to a pip: fractional-pip symbols
// (5 or 3 digits) quote ten points per pip.
func pipSize(sym *database.BrokerSymbol) float64 {
	point := sym.Point
	if point <= 0 {
		point = 0.0001
	}
	if sym.Digits == 5 || sym.Digits == 3 {
		return point * 10
	}
	return point
}

func floorToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return math.Floor(v/step+1e-9) * step
}

func roundPrice(v float64, digits int) float64 {
	scale := math.Pow(10, float64(digits))
	return math.Round(v*scale) / scale
}

func appendNote(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "; " + add
}
