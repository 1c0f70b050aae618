package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mt5-trading-server/config"
	"mt5-trading-server/internal/cache"
	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/decision"
	"mt5-trading-server/internal/events"
	"mt5-trading-server/internal/indicators"
	"mt5-trading-server/internal/market"
	"mt5-trading-server/internal/metrics"
	"mt5-trading-server/internal/patterns"
	"mt5-trading-server/internal/scheduler"
)

// Confidence weighting per spec'd mix: pattern, indicator, strength.
const (
	weightPattern   = 0.30
	weightIndicator = 0.40
	weightStrength  = 0.30

	neutralWeight      = 0.65 // sub-signal weight before an indicator earns a track record
	minScoredSignals   = 20   // evaluated signals before the score moves the weight
	confluencePerVote  = 2.0
	confluenceBonusCap = 10.0

	historyBars = 250
)

// SubSignal is one indicator's directional vote.
type SubSignal struct {
	Source       string  `json:"source"`
	Direction    string  `json:"direction"`
	Weight       float64 `json:"weight"`
	Strength     string  `json:"strength"`
	StrategyType string  `json:"strategy_type"`
}

// PriceLevels are the structural prices included in the signal snapshot.
type PriceLevels struct {
	Pivot    float64 `json:"pivot"`
	R1       float64 `json:"r1"`
	S1       float64 `json:"s1"`
	Fib382   float64 `json:"fib_382"`
	Fib618   float64 `json:"fib_618"`
	SwingTop float64 `json:"swing_top"`
	SwingBot float64 `json:"swing_bot"`
}

// Snapshot is the structured context persisted with every signal.
type Snapshot struct {
	Indicators      map[string]indicators.Reading `json:"indicators"`
	SubSignals      []SubSignal                   `json:"sub_signals"`
	Patterns        []patterns.Pattern            `json:"patterns"`
	Regime          indicators.Regime             `json:"regime"`
	PriceLevels     PriceLevels                   `json:"price_levels"`
	ATR             float64                       `json:"atr"`
	Session         string                        `json:"session"`
	RulesConfidence float64                       `json:"rules_confidence"`
	MLConfidence    *float64                      `json:"ml_confidence,omitempty"`
	ABTestGroup     string                        `json:"ab_test_group,omitempty"`
	ModelVersion    string                        `json:"model_version,omitempty"`
}

// Generator runs the per-(instrument, timeframe) signal pipeline: indicator
// bundle, patterns, weighted aggregation, confidence, SL/TP, persistence.
type Generator struct {
	repo      *database.Repository
	cache     *cache.Service
	engine    *indicators.Engine
	detector  *patterns.Detector
	scorer    *MLScorer
	news      *NewsCalendar
	decisions *decision.Recorder
	bus       *events.Bus
	cfg       *config.Config
	logger    zerolog.Logger

	mu      sync.Mutex
	nextRun map[string]time.Time // key: instrument|timeframe
}

// NewGenerator wires the signal generator
func NewGenerator(
	repo *database.Repository,
	cacheSvc *cache.Service,
	engine *indicators.Engine,
	detector *patterns.Detector,
	scorer *MLScorer,
	news *NewsCalendar,
	decisions *decision.Recorder,
	bus *events.Bus,
	cfg *config.Config,
	logger zerolog.Logger,
) *Generator {
	return &Generator{
		repo:      repo,
		cache:     cacheSvc,
		engine:    engine,
		detector:  detector,
		scorer:    scorer,
		news:      news,
		decisions: decisions,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With().Str("component", "SignalGenerator").Logger(),
		nextRun:   make(map[string]time.Time),
	}
}

// Tick walks every (instrument, timeframe) key and generates for the ones
// whose cadence is due. The scheduler calls this at the fastest cadence;
// per-key intervals stretch to 20s in LOW volatility and shrink to 5s in
// HIGH.
func (g *Generator) Tick(ctx context.Context) error {
	now := time.Now().UTC()
	instruments, err := g.instruments(ctx)
	if err != nil {
		return err
	}

	for _, instrument := range instruments {
		for _, timeframe := range g.cfg.TradingConfig.Timeframes {
			key := instrument + "|" + timeframe

			g.mu.Lock()
			due := g.nextRun[key]
			g.mu.Unlock()
			if now.Before(due) {
				continue
			}

			vol, err := g.generateFor(ctx, instrument, timeframe)
			if err != nil {
				g.logger.Error().
					Str("instrument", instrument).
					Str("timeframe", timeframe).
					Err(err).
					Msg("Signal generation failed")
			}

			g.mu.Lock()
			g.nextRun[key] = now.Add(g.intervalFor(vol))
			g.mu.Unlock()

			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return nil
}

// instruments returns the generator's working set: the configured list
// plus everything any connected account subscribed.
func (g *Generator) instruments(ctx context.Context) ([]string, error) {
	var subscribed []string
	err := scheduler.Retry(ctx, 3, 200*time.Millisecond, func() error {
		var e error
		subscribed, e = g.repo.ListAllSubscribedInstruments(ctx)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribed instruments: %w", err)
	}

	seen := make(map[string]bool, len(subscribed))
	out := make([]string, 0, len(subscribed)+len(g.cfg.TradingConfig.Instruments))
	for _, s := range g.cfg.TradingConfig.Instruments {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range subscribed {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}

// intervalFor maps the last observed volatility level to the cadence.
func (g *Generator) intervalFor(volatility string) time.Duration {
	t := g.cfg.TradingConfig
	switch volatility {
	case indicators.VolatilityLow:
		return time.Duration(t.SignalIntervalLowSecs) * time.Second
	case indicators.VolatilityHigh:
		return time.Duration(t.SignalIntervalHighSecs) * time.Second
	default:
		return time.Duration(t.SignalIntervalSecs) * time.Second
	}
}

// generateFor runs one full pipeline pass for a key. Returns the observed
// volatility level so the caller can adapt the cadence.
func (g *Generator) generateFor(ctx context.Context, instrument, timeframe string) (string, error) {
	now := time.Now().UTC()

	// News blackout: expire whatever is active and skip generation.
	if event, blocked := g.news.BlockingEvent(instrument, now); blocked {
		reason := "news_filter:" + event
		n, err := g.repo.ExpireSignalsForInstrument(ctx, instrument, reason)
		if err != nil {
			return "", fmt.Errorf("failed to expire signals for news: %w", err)
		}
		if n > 0 {
			metrics.SignalsExpired.Add(float64(n))
			g.decisions.RecordGlobal(ctx, decision.TypeNewsPause, instrument,
				decision.OutcomeRejected, reason, map[string]interface{}{"expired": n})
		}
		return "", nil
	}

	var candles []market.Candle
	err := scheduler.Retry(ctx, 3, 200*time.Millisecond, func() error {
		var e error
		candles, e = g.repo.GetCandles(ctx, instrument, timeframe, historyBars)
		return e
	})
	if err != nil {
		return "", fmt.Errorf("failed to load candles: %w", err)
	}
	if len(candles) < 60 {
		g.logger.Debug().
			Str("instrument", instrument).
			Str("timeframe", timeframe).
			Int("bars", len(candles)).
			Msg("Not enough history yet")
		return "", nil
	}

	bundle := g.engine.CalculateAll(ctx, instrument, timeframe, candles)
	if !bundle.Valid {
		return "", nil
	}
	volatility := bundle.Regime.Volatility

	patternList := g.detector.Detect(instrument, timeframe, candles)
	scores, err := g.repo.GetIndicatorScores(ctx, instrument, timeframe)
	if err != nil {
		return volatility, fmt.Errorf("failed to load indicator scores: %w", err)
	}

	subSignals := g.collectSubSignals(bundle, scores)
	direction, ok := g.chooseDirection(subSignals)
	if !ok {
		return volatility, nil
	}

	rules := g.rulesConfidence(direction, subSignals, patternList)

	snapshot := Snapshot{
		Indicators:      bundle.Signals,
		SubSignals:      subSignals,
		Patterns:        patternList,
		Regime:          bundle.Regime,
		PriceLevels:     priceLevels(bundle),
		ATR:             bundle.ATR,
		Session:         market.SessionAt(now),
		RulesConfidence: rules,
	}

	confidence := g.finalConfidence(ctx, instrument, timeframe, direction, rules, bundle, patternList, &snapshot)

	levels, err := g.proposeLevels(ctx, instrument, direction, bundle)
	if err != nil {
		g.decisions.RecordGlobal(ctx, decision.TypeSignalGenerated, instrument,
			decision.OutcomeRejected, err.Error(), map[string]interface{}{
				"timeframe": timeframe,
				"direction": direction,
			})
		return volatility, nil
	}

	open := market.IsMarketOpen(instrument, now)
	sig := &database.TradingSignal{
		ID:             uuid.NewString(),
		Instrument:     instrument,
		Timeframe:      timeframe,
		Direction:      direction,
		Confidence:     confidence,
		SuggestedEntry: levels.Entry,
		SuggestedSL:    levels.StopLoss,
		SuggestedTP:    levels.TakeProfit,
		Status:         database.SignalStatusActive,
		IsValid:        open,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Duration(g.cfg.TradingConfig.SignalActiveTTLMins) * time.Minute),
	}
	if !open {
		sig.InvalidReason = "market_closed"
	}
	if raw, err := json.Marshal(snapshot); err == nil {
		sig.Snapshot = raw
	}

	err = scheduler.Retry(ctx, 3, 200*time.Millisecond, func() error {
		return g.repo.ReplaceActiveSignal(ctx, sig)
	})
	if err != nil {
		return volatility, fmt.Errorf("failed to persist signal: %w", err)
	}

	if g.cache.Available() {
		_ = g.cache.Set(ctx, cache.SignalKey(instrument, timeframe, direction), sig, cache.TTLSignal)
	}

	metrics.SignalsGenerated.WithLabelValues(instrument, direction).Inc()
	g.decisions.RecordGlobal(ctx, decision.TypeSignalGenerated, instrument,
		decision.OutcomeAccepted,
		fmt.Sprintf("%s %s confidence %.1f rr %.2f", timeframe, direction, confidence, levels.RiskReward),
		map[string]interface{}{
			"signal_id":  sig.ID,
			"confidence": confidence,
			"entry":      levels.Entry,
			"sl":         levels.StopLoss,
			"tp":         levels.TakeProfit,
			"valid":      open,
		})
	g.bus.Publish(events.Event{
		Type:    events.EventSignalCreated,
		Payload: sig,
	})

	g.logger.Info().
		Str("instrument", instrument).
		Str("timeframe", timeframe).
		Str("direction", direction).
		Float64("confidence", confidence).
		Float64("entry", levels.Entry).
		Float64("sl", levels.StopLoss).
		Float64("tp", levels.TakeProfit).
		Bool("valid", open).
		Msg("Signal generated")

	return volatility, nil
}

// collectSubSignals turns the regime-filtered indicator readings into
// weighted votes. Weight comes from the indicator's historical accuracy
// once it has enough evaluated samples; before that every indicator votes
// with the neutral weight.
func (g *Generator) collectSubSignals(bundle *indicators.Bundle, scores map[string]*database.IndicatorScore) []SubSignal {
	active := bundle.ActiveSignals()
	subs := make([]SubSignal, 0, len(active))
	for name, r := range active {
		if r.Signal != indicators.SignalBuy && r.Signal != indicators.SignalSell {
			continue
		}
		weight := neutralWeight
		if sc, ok := scores[name]; ok && sc.EvaluatedSignals >= minScoredSignals {
			weight = 0.3 + 0.7*sc.Score/100
		}
		subs = append(subs, SubSignal{
			Source:       name,
			Direction:    r.Signal,
			Weight:       weight,
			Strength:     r.Strength,
			StrategyType: strategyTypeOf(name),
		})
	}
	return subs
}

func strategyTypeOf(name string) string {
	if indicators.IsTrendFollowing(name) {
		return "trend_following"
	}
	return "mean_reversion"
}

// chooseDirection applies the BUY advantage rule: a BUY needs a surplus of
// buy votes over sell votes; a SELL needs a plain majority.
func (g *Generator) chooseDirection(subs []SubSignal) (string, bool) {
	var buys, sells int
	for _, s := range subs {
		if s.Direction == market.DirectionBuy {
			buys++
		} else {
			sells++
		}
	}
	advantage := g.cfg.TradingConfig.BuySignalAdvantage
	if buys-sells >= advantage && buys > 0 {
		return market.DirectionBuy, true
	}
	if sells > buys {
		return market.DirectionSell, true
	}
	return "", false
}

// rulesConfidence computes the weighted pattern/indicator/strength mix with
// the confluence bonus, then applies the BUY penalty.
func (g *Generator) rulesConfidence(direction string, subs []SubSignal, patternList []patterns.Pattern) float64 {
	indicatorScore, strengthScore, agreeing := indicatorTerms(direction, subs)

	// confluence bonus joins the indicator term before its cap
	indicatorScore += minFloat(confluenceBonusCap, float64(agreeing)*confluencePerVote)
	if indicatorScore > 100 {
		indicatorScore = 100
	}

	patternScore := patternTerm(direction, patternList)

	confidence := weightPattern*patternScore + weightIndicator*indicatorScore + weightStrength*strengthScore
	if direction == market.DirectionBuy {
		confidence -= g.cfg.TradingConfig.BuyConfidencePenalty
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}
	return confidence
}

// indicatorTerms returns the agreement ratio (0..100), the mean strength of
// agreeing votes (0..100) and how many votes agree with the direction.
func indicatorTerms(direction string, subs []SubSignal) (indicatorScore, strengthScore float64, agreeing int) {
	var agreeWeight, totalWeight, strengthSum float64
	for _, s := range subs {
		totalWeight += s.Weight
		if s.Direction == direction {
			agreeing++
			agreeWeight += s.Weight
			strengthSum += strengthValue(s.Strength)
		}
	}
	if totalWeight > 0 {
		indicatorScore = agreeWeight / totalWeight * 100
	}
	if agreeing > 0 {
		strengthScore = strengthSum / float64(agreeing)
	}
	return indicatorScore, strengthScore, agreeing
}

func strengthValue(label string) float64 {
	switch label {
	case indicators.StrengthVeryStrong:
		return 100
	case indicators.StrengthStrong:
		return 75
	case indicators.StrengthMedium:
		return 50
	default:
		return 25
	}
}

// patternTerm scores the pattern contribution: the best agreeing pattern's
// reliability, a neutral 50 when no pattern speaks, 30 when the only
// voices contradict the direction.
func patternTerm(direction string, patternList []patterns.Pattern) float64 {
	want := patterns.DirectionBullish
	against := patterns.DirectionBearish
	if direction == market.DirectionSell {
		want, against = against, want
	}

	best := 0.0
	contradicting := false
	for _, p := range patternList {
		switch p.Direction {
		case want:
			if p.Reliability > best {
				best = p.Reliability
			}
		case against:
			contradicting = true
		}
	}
	if best > 0 {
		return best
	}
	if contradicting {
		return 30
	}
	return 50
}

// finalConfidence consults the optional ML scorer and selects the blend by
// A/B group. Scorer absence or failure falls back to rules.
func (g *Generator) finalConfidence(ctx context.Context, instrument, timeframe, direction string, rules float64, bundle *indicators.Bundle, patternList []patterns.Pattern, snapshot *Snapshot) float64 {
	group := AssignABGroup(instrument, direction)
	snapshot.ABTestGroup = group

	if !g.scorer.Enabled() || group == ABRulesOnly {
		return rules
	}

	resp, err := g.scorer.Score(ctx, &ScoreRequest{
		Instrument: instrument,
		Timeframe:  timeframe,
		Direction:  direction,
		Features:   assembleFeatures(bundle, patternList, rules),
	})
	if err != nil {
		g.logger.Warn().Str("instrument", instrument).Err(err).Msg("ML scorer unavailable, using rules confidence")
		return rules
	}

	ml := resp.Confidence * 100
	snapshot.MLConfidence = &ml
	snapshot.ModelVersion = resp.ModelVersion

	switch group {
	case ABMLOnly:
		return ml
	case ABHybrid:
		return 0.6*ml + 0.4*rules
	default:
		return rules
	}
}

// assembleFeatures flattens the bundle into the scorer's feature vector.
func assembleFeatures(b *indicators.Bundle, patternList []patterns.Pattern, rules float64) map[string]float64 {
	f := map[string]float64{
		"price":            b.Price,
		"rsi":              b.RSI,
		"atr":              b.ATR,
		"cci":              b.CCI,
		"williams_r":       b.WilliamsR,
		"obv":              b.OBV,
		"vwap":             b.VWAP,
		"regime_strength":  b.Regime.Strength,
		"rules_confidence": rules,
		"pattern_count":    float64(len(patternList)),
	}
	if b.MACD != nil {
		f["macd_histogram"] = b.MACD.Histogram
	}
	if b.ADX != nil {
		f["adx"] = b.ADX.ADX
		f["plus_di"] = b.ADX.PlusDI
		f["minus_di"] = b.ADX.MinusDI
	}
	if b.Stochastic != nil {
		f["stoch_k"] = b.Stochastic.K
		f["stoch_d"] = b.Stochastic.D
	}
	if b.EMA.EMA21 > 0 {
		f["price_over_ema21"] = b.Price / b.EMA.EMA21
	}
	if b.EMA.EMA50 > 0 {
		f["price_over_ema50"] = b.Price / b.EMA.EMA50
	}
	if b.Regime.State == indicators.RegimeTrending {
		f["regime_trending"] = 1
	}
	best := 0.0
	for _, p := range patternList {
		if p.Reliability > best {
			best = p.Reliability
		}
	}
	f["pattern_best"] = best
	return f
}

// proposeLevels picks the entry from the freshest tick when available and
// derives SL/TP through the class multipliers and broker constraints.
func (g *Generator) proposeLevels(ctx context.Context, instrument, direction string, bundle *indicators.Bundle) (*Levels, error) {
	symbol, err := g.repo.GetBrokerSymbol(ctx, instrument)
	if err != nil {
		return nil, fmt.Errorf("no broker spec for %s: %w", instrument, err)
	}

	entry := bundle.Price
	if g.cache.Available() {
		var tick market.Tick
		if ok, err := g.cache.Get(ctx, cache.LatestTickKey(instrument), &tick); err == nil && ok {
			if direction == market.DirectionBuy && tick.Ask > 0 {
				entry = tick.Ask
			} else if direction == market.DirectionSell && tick.Bid > 0 {
				entry = tick.Bid
			}
		}
	}

	maxLoss := g.cfg.RiskConfig.MaxSymbolLossEUR[instrument]
	return ComputeLevels(direction, entry, bundle.ATR, symbol, maxLoss,
		g.cfg.RiskConfig.MinRiskReward, g.cfg.RiskConfig.MaxRiskReward)
}

func priceLevels(b *indicators.Bundle) PriceLevels {
	pl := PriceLevels{}
	if b.Pivots != nil {
		pl.Pivot = b.Pivots.Pivot
		pl.R1 = b.Pivots.R1
		pl.S1 = b.Pivots.S1
	}
	if b.Fibonacci != nil {
		pl.Fib382 = b.Fibonacci.Level382
		pl.Fib618 = b.Fibonacci.Level618
		pl.SwingTop = b.Fibonacci.High
		pl.SwingBot = b.Fibonacci.Low
	}
	return pl
}

// Sweep enforces the two-tier signal retention: actives past their expiry
// flip to expired, dead rows older than the expired TTL are deleted.
func (g *Generator) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	expired, err := g.repo.ExpireSignalsPast(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to expire signals: %w", err)
	}
	if expired > 0 {
		metrics.SignalsExpired.Add(float64(expired))
		g.logger.Debug().Int64("count", expired).Msg("Expired stale signals")
	}

	cutoff := now.Add(-time.Duration(g.cfg.TradingConfig.SignalExpiredTTLMins) * time.Minute)
	if _, err := g.repo.DeleteDeadSignalsBefore(ctx, cutoff); err != nil {
		return fmt.Errorf("failed to delete dead signals: %w", err)
	}

	active, err := g.repo.ListActiveSignals(ctx)
	if err == nil {
		metrics.ActiveSignals.Set(float64(len(active)))
	}
	return nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
