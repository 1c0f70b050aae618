// Package market holds the shared market primitives: candles, ticks,
// timeframes, trading sessions, asset classes and correlation groups.
package market

import (
	"math"
	"strings"
	"time"
)

// Timeframe identifiers as reported by the EA
const (
	TimeframeM5  = "M5"
	TimeframeM15 = "M15"
	TimeframeH1  = "H1"
	TimeframeH4  = "H4"
	TimeframeD1  = "D1"
)

// Trade directions
const (
	DirectionBuy  = "BUY"
	DirectionSell = "SELL"
)

// Trading session labels (UTC hour buckets)
const (
	SessionAsian      = "ASIAN"       // 00-08
	SessionLondon     = "LONDON"      // 08-16
	SessionOverlap    = "OVERLAP"     // 13-16 (London/US)
	SessionUS         = "US"          // 13-22
	SessionAfterHours = "AFTER_HOURS" // 22-00
)

// Asset classes used for SL/TP multipliers and risk weighting
const (
	AssetForexMajor = "forex_major"
	AssetForexMinor = "forex_minor"
	AssetMetals     = "metals"
	AssetIndices    = "indices"
	AssetCrypto     = "crypto"
)

// Candle is one OHLC bar for an (instrument, timeframe)
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Tick is one bid/ask quote for an instrument
type Tick struct {
	Instrument string    `json:"instrument"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Volume     float64   `json:"volume"`
	Timestamp  time.Time `json:"timestamp"`
	Tradeable  bool      `json:"tradeable"`
}

// Spread returns ask - bid in price units.
func (t Tick) Spread() float64 {
	return t.Ask - t.Bid
}

// Mid returns the mid price.
func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

// TimeframeMinutes maps a timeframe label to its bar length in minutes.
func TimeframeMinutes(timeframe string) int {
	switch timeframe {
	case TimeframeM5:
		return 5
	case TimeframeM15:
		return 15
	case TimeframeH1:
		return 60
	case TimeframeH4:
		return 240
	case TimeframeD1:
		return 1440
	default:
		return 0
	}
}

// RetentionDays returns the OHLC retention horizon per timeframe.
func RetentionDays(timeframe string) int {
	switch timeframe {
	case TimeframeM5, TimeframeM15:
		return 90
	case TimeframeH1:
		return 180
	case TimeframeH4:
		return 365
	case TimeframeD1:
		return 730
	default:
		return 90
	}
}

// SessionAt buckets a UTC timestamp into a trading session label.
// The London/US overlap wins over both parents.
func SessionAt(t time.Time) string {
	hour := t.UTC().Hour()
	switch {
	case hour >= 13 && hour < 16:
		return SessionOverlap
	case hour >= 8 && hour < 13:
		return SessionLondon
	case hour >= 16 && hour < 22:
		return SessionUS
	case hour >= 22:
		return SessionAfterHours
	default:
		return SessionAsian
	}
}

var cryptoPrefixes = []string{"BTC", "ETH", "XRP", "LTC", "SOL", "ADA", "DOGE", "BNB", "DOT"}

var indexPrefixes = []string{"US30", "US500", "NAS100", "SPX", "DAX", "GER40", "UK100", "JP225", "USTEC"}

var majorPairs = map[string]bool{
	"EURUSD": true, "GBPUSD": true, "USDJPY": true, "USDCHF": true,
	"AUDUSD": true, "USDCAD": true, "NZDUSD": true,
}

// AssetClassOf classifies an instrument for multiplier and risk lookup.
func AssetClassOf(instrument string) string {
	sym := normalize(instrument)
	switch {
	case strings.HasPrefix(sym, "XAU"), strings.HasPrefix(sym, "XAG"),
		strings.HasPrefix(sym, "XPT"), strings.HasPrefix(sym, "XPD"):
		return AssetMetals
	case hasAnyPrefix(sym, cryptoPrefixes):
		return AssetCrypto
	case hasAnyPrefix(sym, indexPrefixes):
		return AssetIndices
	case majorPairs[sym]:
		return AssetForexMajor
	default:
		return AssetForexMinor
	}
}

// CorrelationGroupOf maps an instrument to its exposure group. FX pairs
// group by their first non-USD currency; metals and crypto have their own
// groups, so EURUSD and EURJPY share exposure while XAUUSD does not.
func CorrelationGroupOf(instrument string) string {
	sym := normalize(instrument)
	switch {
	case strings.HasPrefix(sym, "XAU"):
		return "GOLD"
	case strings.HasPrefix(sym, "XAG"):
		return "SILVER"
	case strings.HasPrefix(sym, "XPT"), strings.HasPrefix(sym, "XPD"):
		return "METALS"
	case hasAnyPrefix(sym, cryptoPrefixes):
		return "CRYPTO"
	case hasAnyPrefix(sym, indexPrefixes):
		return "INDICES"
	}
	if len(sym) >= 6 {
		base, quote := sym[:3], sym[3:6]
		if base != "USD" {
			return base
		}
		return quote
	}
	return sym
}

// CurrenciesOf returns the currencies an instrument is exposed to, used by
// the news filter. Metals and indices carry USD exposure.
func CurrenciesOf(instrument string) []string {
	sym := normalize(instrument)
	switch AssetClassOf(sym) {
	case AssetMetals:
		return []string{sym[:3], "USD"}
	case AssetIndices:
		return []string{"USD"}
	case AssetCrypto:
		return nil
	}
	if len(sym) >= 6 {
		return []string{sym[:3], sym[3:6]}
	}
	return nil
}

// IsMarketOpen reports whether an instrument is tradeable at t. Crypto
// trades around the clock; everything else observes the forex weekend
// closure from Friday 22:00 UTC through Sunday 22:00 UTC.
func IsMarketOpen(instrument string, t time.Time) bool {
	if AssetClassOf(instrument) == AssetCrypto {
		return true
	}
	t = t.UTC()
	switch t.Weekday() {
	case time.Saturday:
		return false
	case time.Friday:
		return t.Hour() < 22
	case time.Sunday:
		return t.Hour() >= 22
	default:
		return true
	}
}

// PipSize derives the pip from the broker point: 10x point for 5- and
// 3-digit quotes, the point itself otherwise.
func PipSize(point float64, digits int) float64 {
	if digits == 5 || digits == 3 {
		return point * 10
	}
	return point
}

// IsScalpClass reports whether the instrument uses the short max-hold
// horizon in the trade monitor.
func IsScalpClass(instrument string) bool {
	switch AssetClassOf(instrument) {
	case AssetForexMajor, AssetMetals:
		return true
	default:
		return false
	}
}

// PipsCaptured is the signed pip distance a closed position covered
func PipsCaptured(direction string, openPrice, closePrice, point float64, digits int) float64 {
	pip := PipSize(point, digits)
	if pip <= 0 {
		return 0
	}
	diff := closePrice - openPrice
	if direction == DirectionSell {
		diff = -diff
	}
	return diff / pip
}

// RealizedRR is the reward actually captured against the risk taken at
// entry. Zero when no initial stop was recorded.
func RealizedRR(direction string, openPrice, initialSL, closePrice float64) float64 {
	if initialSL == 0 {
		return 0
	}
	risk := math.Abs(openPrice - initialSL)
	if risk <= 0 {
		return 0
	}
	gained := closePrice - openPrice
	if direction == DirectionSell {
		gained = -gained
	}
	return gained / risk
}

func normalize(instrument string) string {
	sym := strings.ToUpper(instrument)
	// Brokers suffix variants like EURUSD.m or XAUUSD_i
	if idx := strings.IndexAny(sym, "._-"); idx > 0 {
		sym = sym[:idx]
	}
	return sym
}

func hasAnyPrefix(sym string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(sym, p) {
			return true
		}
	}
	return false
}
