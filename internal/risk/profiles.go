package risk

import "mt5-trading-server/internal/market"

// Profile names
const (
	ProfileConservative = "conservative"
	ProfileModerate     = "moderate"
	ProfileAggressive   = "aggressive"
)

// Profile is a named risk posture applied per account.
type Profile struct {
	Name               string
	BaseRiskPercent    float64 // equity fraction risked per trade
	MaxLossPerTradePct float64
	MaxDailyLossPct    float64
	// ClassWeights scale per-symbol loss ceilings by asset class.
	ClassWeights map[string]float64
}

var profiles = map[string]Profile{
	ProfileConservative: {
		Name:               ProfileConservative,
		BaseRiskPercent:    0.5,
		MaxLossPerTradePct: 1.0,
		MaxDailyLossPct:    3.0,
		ClassWeights: map[string]float64{
			market.AssetForexMajor: 1.0,
			market.AssetForexMinor: 0.8,
			market.AssetMetals:     0.7,
			market.AssetIndices:    0.6,
			market.AssetCrypto:     0.4,
		},
	},
	ProfileModerate: {
		Name:               ProfileModerate,
		BaseRiskPercent:    1.0,
		MaxLossPerTradePct: 2.0,
		MaxDailyLossPct:    5.0,
		ClassWeights: map[string]float64{
			market.AssetForexMajor: 1.0,
			market.AssetForexMinor: 0.9,
			market.AssetMetals:     0.8,
			market.AssetIndices:    0.8,
			market.AssetCrypto:     0.6,
		},
	},
	ProfileAggressive: {
		Name:               ProfileAggressive,
		BaseRiskPercent:    2.0,
		MaxLossPerTradePct: 3.0,
		MaxDailyLossPct:    8.0,
		ClassWeights: map[string]float64{
			market.AssetForexMajor: 1.0,
			market.AssetForexMinor: 1.0,
			market.AssetMetals:     1.0,
			market.AssetIndices:    0.9,
			market.AssetCrypto:     0.8,
		},
	},
}

// ProfileByName returns the named profile, moderate when unknown.
func ProfileByName(name string) Profile {
	if p, ok := profiles[name]; ok {
		return p
	}
	return profiles[ProfileModerate]
}

// ClassWeight returns the profile's loss-ceiling weight for an instrument.
func (p Profile) ClassWeight(instrument string) float64 {
	if w, ok := p.ClassWeights[market.AssetClassOf(instrument)]; ok {
		return w
	}
	return 1.0
}
