package signal

import (
	"math"
	"testing"
	"time"

	"mt5-trading-server/config"
	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/indicators"
	"mt5-trading-server/internal/market"
	"mt5-trading-server/internal/patterns"
)

func testGenerator() *Generator {
	return &Generator{
		cfg: &config.Config{
			TradingConfig: config.TradingConfig{
				BuySignalAdvantage:     2,
				BuyConfidencePenalty:   3.0,
				SignalIntervalSecs:     10,
				SignalIntervalLowSecs:  20,
				SignalIntervalHighSecs: 5,
			},
		},
		nextRun: map[string]time.Time{},
	}
}

func vote(dir, strength string) SubSignal {
	return SubSignal{Source: "test", Direction: dir, Weight: neutralWeight, Strength: strength}
}

func TestChooseDirectionBuyAdvantage(t *testing.T) {
	g := testGenerator()

	// three buys against one sell clears the +2 surplus
	dir, ok := g.chooseDirection([]SubSignal{
		vote(market.DirectionBuy, indicators.StrengthMedium),
		vote(market.DirectionBuy, indicators.StrengthMedium),
		vote(market.DirectionBuy, indicators.StrengthMedium),
		vote(market.DirectionSell, indicators.StrengthMedium),
	})
	if !ok || dir != market.DirectionBuy {
		t.Errorf("got (%q, %v), want BUY", dir, ok)
	}

	// a one-vote surplus is not enough for BUY and sells lack a majority
	dir, ok = g.chooseDirection([]SubSignal{
		vote(market.DirectionBuy, indicators.StrengthMedium),
		vote(market.DirectionBuy, indicators.StrengthMedium),
		vote(market.DirectionSell, indicators.StrengthMedium),
	})
	if ok {
		t.Errorf("got (%q, %v), want no signal", dir, ok)
	}

	// sells need a plain majority only
	dir, ok = g.chooseDirection([]SubSignal{
		vote(market.DirectionBuy, indicators.StrengthMedium),
		vote(market.DirectionSell, indicators.StrengthMedium),
		vote(market.DirectionSell, indicators.StrengthMedium),
	})
	if !ok || dir != market.DirectionSell {
		t.Errorf("got (%q, %v), want SELL", dir, ok)
	}

	if _, ok := g.chooseDirection(nil); ok {
		t.Error("no votes should produce no signal")
	}
}

func TestRulesConfidenceMix(t *testing.T) {
	g := testGenerator()

	subs := []SubSignal{
		vote(market.DirectionSell, indicators.StrengthStrong),
		vote(market.DirectionSell, indicators.StrengthMedium),
		vote(market.DirectionBuy, indicators.StrengthWeak),
	}
	pats := []patterns.Pattern{{
		Name: patterns.EveningStar, Direction: patterns.DirectionBearish, Reliability: 70,
	}}

	// indicator term: 2 of 3 equal weights agree -> 66.67 plus 2-vote
	// confluence bonus of 4; strength term: mean of strong(75), medium(50)
	wantIndicator := (2.0*neutralWeight)/(3.0*neutralWeight)*100 + 4
	want := 0.30*70 + 0.40*wantIndicator + 0.30*62.5

	got := g.rulesConfidence(market.DirectionSell, subs, pats)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("confidence = %.6f, want %.6f", got, want)
	}
}

func TestRulesConfidenceBuyPenalty(t *testing.T) {
	g := testGenerator()

	sell := g.rulesConfidence(market.DirectionSell, []SubSignal{
		vote(market.DirectionSell, indicators.StrengthStrong),
		vote(market.DirectionSell, indicators.StrengthMedium),
		vote(market.DirectionBuy, indicators.StrengthWeak),
	}, []patterns.Pattern{{Direction: patterns.DirectionBearish, Reliability: 70}})

	buy := g.rulesConfidence(market.DirectionBuy, []SubSignal{
		vote(market.DirectionBuy, indicators.StrengthStrong),
		vote(market.DirectionBuy, indicators.StrengthMedium),
		vote(market.DirectionSell, indicators.StrengthWeak),
	}, []patterns.Pattern{{Direction: patterns.DirectionBullish, Reliability: 70}})

	if math.Abs((sell-buy)-g.cfg.TradingConfig.BuyConfidencePenalty) > 1e-9 {
		t.Errorf("symmetric BUY should trail SELL by the penalty: sell=%.4f buy=%.4f", sell, buy)
	}
}

func TestRulesConfidenceClamped(t *testing.T) {
	g := testGenerator()

	// a lone weak BUY vote with a hostile pattern and the BUY penalty
	// must never go negative
	got := g.rulesConfidence(market.DirectionBuy, []SubSignal{
		vote(market.DirectionBuy, indicators.StrengthWeak),
	}, []patterns.Pattern{{Direction: patterns.DirectionBearish, Reliability: 77}})
	if got < 0 || got > 100 {
		t.Errorf("confidence %.2f outside [0,100]", got)
	}
}

func TestPatternTerm(t *testing.T) {
	// silence scores neutral
	if got := patternTerm(market.DirectionBuy, nil); got != 50 {
		t.Errorf("no patterns = %.0f, want 50", got)
	}

	// only contradicting voices
	if got := patternTerm(market.DirectionBuy, []patterns.Pattern{
		{Direction: patterns.DirectionBearish, Reliability: 70},
	}); got != 30 {
		t.Errorf("contradicting only = %.0f, want 30", got)
	}

	// best agreeing reliability wins, contradiction present or not
	got := patternTerm(market.DirectionBuy, []patterns.Pattern{
		{Direction: patterns.DirectionBullish, Reliability: 62},
		{Direction: patterns.DirectionBullish, Reliability: 77},
		{Direction: patterns.DirectionBearish, Reliability: 70},
	})
	if got != 77 {
		t.Errorf("best agreeing = %.0f, want 77", got)
	}

	// indecision patterns neither agree nor contradict
	if got := patternTerm(market.DirectionSell, []patterns.Pattern{
		{Direction: patterns.DirectionIndecision, Reliability: 60},
	}); got != 50 {
		t.Errorf("indecision only = %.0f, want 50", got)
	}
}

func TestCollectSubSignalsWeights(t *testing.T) {
	g := testGenerator()

	bundle := &indicators.Bundle{
		Regime: indicators.Regime{State: indicators.RegimeTrending},
		Signals: map[string]indicators.Reading{
			"macd":       {Signal: indicators.SignalBuy, Strength: indicators.StrengthStrong},
			"supertrend": {Signal: indicators.SignalBuy, Strength: indicators.StrengthMedium},
			"vwap":       {Signal: indicators.SignalNeutral, Strength: indicators.StrengthWeak},
			"rsi":        {Signal: indicators.SignalBuy, Strength: indicators.StrengthStrong},
		},
	}
	scores := map[string]*database.IndicatorScore{
		"macd":       {Indicator: "macd", EvaluatedSignals: 25, Score: 80},
		"supertrend": {Indicator: "supertrend", EvaluatedSignals: 5, Score: 90},
	}

	subs := g.collectSubSignals(bundle, scores)
	if len(subs) != 2 {
		t.Fatalf("got %d sub-signals, want 2 (neutral skipped, rsi muted while trending)", len(subs))
	}

	byName := map[string]SubSignal{}
	for _, s := range subs {
		byName[s.Source] = s
	}

	// 25 evaluated signals unlock the accuracy weight: 0.3 + 0.7*0.80
	if got := byName["macd"].Weight; math.Abs(got-0.86) > 1e-9 {
		t.Errorf("macd weight = %.4f, want 0.86", got)
	}
	// 5 evaluated signals stay on the neutral weight
	if got := byName["supertrend"].Weight; got != neutralWeight {
		t.Errorf("supertrend weight = %.4f, want %.2f", got, neutralWeight)
	}
	if byName["macd"].StrategyType != "trend_following" {
		t.Errorf("macd strategy type = %q", byName["macd"].StrategyType)
	}
}

func TestStrengthValue(t *testing.T) {
	cases := map[string]float64{
		indicators.StrengthWeak:       25,
		indicators.StrengthMedium:     50,
		indicators.StrengthStrong:     75,
		indicators.StrengthVeryStrong: 100,
		"":                            25,
	}
	for label, want := range cases {
		if got := strengthValue(label); got != want {
			t.Errorf("strengthValue(%q) = %.0f, want %.0f", label, got, want)
		}
	}
}

func TestIntervalFor(t *testing.T) {
	g := testGenerator()

	if got := g.intervalFor(indicators.VolatilityLow); got != 20*time.Second {
		t.Errorf("LOW interval = %s, want 20s", got)
	}
	if got := g.intervalFor(indicators.VolatilityHigh); got != 5*time.Second {
		t.Errorf("HIGH interval = %s, want 5s", got)
	}
	if got := g.intervalFor(indicators.VolatilityNormal); got != 10*time.Second {
		t.Errorf("NORMAL interval = %s, want 10s", got)
	}
	if got := g.intervalFor(""); got != 10*time.Second {
		t.Errorf("unknown volatility interval = %s, want 10s", got)
	}
}

func TestAssembleFeaturesCarriesBundle(t *testing.T) {
	bundle := &indicators.Bundle{
		Price: 1.1,
		RSI:   38.5,
		ATR:   0.0011,
		MACD:  &indicators.MACDResult{Histogram: 0.0004},
		ADX:   &indicators.ADXResult{ADX: 31, PlusDI: 28, MinusDI: 12},
		EMA:   indicators.EMASet{EMA21: 1.09, EMA50: 1.08},
		Regime: indicators.Regime{
			State: indicators.RegimeTrending, Strength: 62,
		},
	}
	f := assembleFeatures(bundle, []patterns.Pattern{{Reliability: 77}}, 68.0)

	if f["adx"] != 31 || f["rules_confidence"] != 68.0 {
		t.Errorf("features missing bundle values: %v", f)
	}
	if f["regime_trending"] != 1 {
		t.Error("trending flag not set")
	}
	if f["pattern_best"] != 77 {
		t.Errorf("pattern_best = %.0f, want 77", f["pattern_best"])
	}
	if math.Abs(f["price_over_ema21"]-1.1/1.09) > 1e-12 {
		t.Errorf("price_over_ema21 = %v", f["price_over_ema21"])
	}
}
