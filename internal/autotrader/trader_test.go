package autotrader

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mt5-trading-server/config"
	"mt5-trading-server/internal/circuit"
	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/decision"
	"mt5-trading-server/internal/events"
	"mt5-trading-server/internal/market"
	"mt5-trading-server/internal/risk"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// us30Symbol quotes whole index points with tick value 1.0, so loss
// arithmetic in the tests stays exact.
func us30Symbol() *database.BrokerSymbol {
	return &database.BrokerSymbol{
		Instrument: "US30",
		Digits:     0,
		Point:      1.0,
		MinVolume:  0.01,
		MaxVolume:  50,
		VolumeStep: 0.01,
		TickSize:   1.0,
		TickValue:  1.0,
		StopsLevel: 30,
	}
}

func eurusdSymbol() *database.BrokerSymbol {
	return &database.BrokerSymbol{
		Instrument: "EURUSD",
		Digits:     5,
		Point:      0.00001,
		MinVolume:  0.01,
		MaxVolume:  100,
		VolumeStep: 0.01,
		TickSize:   0.00001,
		TickValue:  1.0,
		StopsLevel: 10,
	}
}

// ==================== position sizing ====================

func TestPositionSizeRiskFraction(t *testing.T) {
	// risk amount = 10000 x 1% x 1.0 x 50/100 = 50; stop distance 100
	// points at 100 per lot -> 0.50 lots
	lot, note := positionSize(10000, 1.0, 1.0, 50, 39000, 38900, us30Symbol())
	if note != "" {
		t.Errorf("unexpected sizing note %q", note)
	}
	if !approx(lot, 0.50) {
		t.Errorf("lot = %.2f, want 0.50", lot)
	}
}

func TestPositionSizeFloorsToVolumeStep(t *testing.T) {
	sym := us30Symbol()
	sym.VolumeStep = 0.1

	// raw lot 0.55 floors to 0.5, never rounds up
	lot, _ := positionSize(10000, 1.0, 1.0, 55, 39000, 38900, sym)
	if !approx(lot, 0.50) {
		t.Errorf("lot = %.2f, want 0.50 (floored to step)", lot)
	}
}

func TestPositionSizeSafetyCap(t *testing.T) {
	// raw lot would be 100; the hard cap holds at 1.00 even though the
	// broker allows 50
	lot, _ := positionSize(1000000, 1.0, 1.0, 100, 39000, 38900, us30Symbol())
	if !approx(lot, 1.00) {
		t.Errorf("lot = %.2f, want 1.00 (safety cap)", lot)
	}

	sym := us30Symbol()
	sym.MaxVolume = 0.5
	lot, _ = positionSize(1000000, 1.0, 1.0, 100, 39000, 38900, sym)
	if !approx(lot, 0.50) {
		t.Errorf("lot = %.2f, want 0.50 (broker max)", lot)
	}
}

func TestPositionSizeBrokerMinFloor(t *testing.T) {
	// raw lot 0.005 floors to zero and the broker minimum lifts it back
	lot, _ := positionSize(100, 1.0, 1.0, 50, 39000, 38900, us30Symbol())
	if !approx(lot, 0.01) {
		t.Errorf("lot = %.2f, want 0.01", lot)
	}

	sym := us30Symbol()
	sym.MinVolume = 0.10
	lot, _ = positionSize(100, 1.0, 1.0, 50, 39000, 38900, sym)
	if !approx(lot, 0.10) {
		t.Errorf("lot = %.2f, want 0.10 (broker min)", lot)
	}
}

func TestPositionSizeDegenerateInputs(t *testing.T) {
	cases := []struct {
		name   string
		equity float64
		conf   float64
		entry  float64
		sl     float64
		mutate func(*database.BrokerSymbol)
	}{
		{name: "zero equity", equity: 0, conf: 50, entry: 39000, sl: 38900},
		{name: "entry equals stop", equity: 10000, conf: 50, entry: 39000, sl: 39000},
		{name: "zero tick value", equity: 10000, conf: 50, entry: 39000, sl: 38900,
			mutate: func(s *database.BrokerSymbol) { s.TickValue = 0 }},
		{name: "zero confidence", equity: 10000, conf: 0, entry: 39000, sl: 38900},
	}

	for _, tc := range cases {
		sym := us30Symbol()
		if tc.mutate != nil {
			tc.mutate(sym)
		}
		lot, note := positionSize(tc.equity, 1.0, 1.0, tc.conf, tc.entry, tc.sl, sym)
		if !approx(lot, volumeFloor) {
			t.Errorf("%s: lot = %.2f, want %.2f", tc.name, lot, volumeFloor)
		}
		if note == "" {
			t.Errorf("%s: expected a sizing note", tc.name)
		}
	}
}

// ==================== stop-loss enforcement ====================

func TestEnforceSLLossExactlyAtCeiling(t *testing.T) {
	// 0.5 lots x 50 points x 1.0 per point = 25.00, exactly the ceiling.
	// At the boundary nothing is adjusted.
	sl, vol, note, err := enforceSL(market.DirectionBuy, 39000, 38950, 0, us30Symbol(), 25.0, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approx(sl, 38950) {
		t.Errorf("SL = %.0f, want 38950 (untouched)", sl)
	}
	if !approx(vol, 0.5) {
		t.Errorf("volume = %.2f, want 0.50 (untouched)", vol)
	}
	if note != "" {
		t.Errorf("unexpected note %q", note)
	}
}

func TestEnforceSLShedsVolumeOverCeiling(t *testing.T) {
	// worst case 25.00 against a 20.00 ceiling: volume drops to 0.40 and
	// the stop stays where the signal put it
	sl, vol, note, err := enforceSL(market.DirectionBuy, 39000, 38950, 0, us30Symbol(), 20.0, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approx(sl, 38950) {
		t.Errorf("SL = %.0f, want 38950", sl)
	}
	if !approx(vol, 0.40) {
		t.Errorf("volume = %.2f, want 0.40", vol)
	}
	if !strings.Contains(note, "volume reduced") {
		t.Errorf("note = %q, want volume reduction", note)
	}
}

func TestEnforceSLTightensStopAtMinimumVolume(t *testing.T) {
	sym := us30Symbol()
	sym.MinVolume = 0.10

	// the 4.00 ceiling cannot be met by shedding volume (0.08 < broker
	// min), so the stop pulls in to 40 points at minimum volume
	sl, vol, note, err := enforceSL(market.DirectionBuy, 39000, 38950, 0, sym, 4.0, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approx(sl, 38960) {
		t.Errorf("SL = %.0f, want 38960", sl)
	}
	if !approx(vol, 0.10) {
		t.Errorf("volume = %.2f, want 0.10", vol)
	}
	if !strings.Contains(note, "stop tightened") {
		t.Errorf("note = %q, want stop tightening", note)
	}
}

func TestEnforceSLRejectsUnreachableCeiling(t *testing.T) {
	sym := us30Symbol()
	sym.MinVolume = 0.10

	// a 2.00 ceiling needs a 20-point stop, inside the 30-point broker
	// stops level; there is no valid order
	_, _, _, err := enforceSL(market.DirectionBuy, 39000, 38950, 0, sym, 2.0, 0.5)
	if !errors.Is(err, errUnenforceableSL) {
		t.Errorf("err = %v, want errUnenforceableSL", err)
	}
}

func TestEnforceSLReplacesWrongSideStop(t *testing.T) {
	// indices run a 1.5x ATR stop: 39000 - 150 = 38850
	sl, vol, note, err := enforceSL(market.DirectionBuy, 39000, 39100, 100, us30Symbol(), 0, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approx(sl, 38850) {
		t.Errorf("SL = %.0f, want 38850 (ATR fallback)", sl)
	}
	if !approx(vol, 0.5) {
		t.Errorf("volume = %.2f, want 0.50", vol)
	}
	if !strings.Contains(note, "stop replaced") {
		t.Errorf("note = %q, want stop replacement", note)
	}

	// a stop sitting exactly on the entry is not a stop either
	sl, _, _, err = enforceSL(market.DirectionBuy, 39000, 39000, 100, us30Symbol(), 0, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approx(sl, 38850) {
		t.Errorf("SL = %.0f, want 38850 (stop at entry replaced)", sl)
	}
}

func TestEnforceSLRejectsBadEntry(t *testing.T) {
	if _, _, _, err := enforceSL(market.DirectionBuy, 0, 38950, 100, us30Symbol(), 0, 0.5); err == nil {
		t.Error("expected rejection for zero entry")
	}
	if _, _, _, err := enforceSL(market.DirectionBuy, math.NaN(), 38950, 100, us30Symbol(), 0, 0.5); err == nil {
		t.Error("expected rejection for NaN entry")
	}
}

func TestFallbackStopFromATR(t *testing.T) {
	sym := eurusdSymbol()

	if sl := fallbackStop(market.DirectionBuy, 1.10000, 0.005, sym); !approx(sl, 1.09500) {
		t.Errorf("BUY SL = %.5f, want 1.09500", sl)
	}
	if sl := fallbackStop(market.DirectionSell, 1.10000, 0.005, sym); !approx(sl, 1.10500) {
		t.Errorf("SELL SL = %.5f, want 1.10500", sl)
	}

	// unusable ATR degrades to 0.10% of entry for a major pair
	if sl := fallbackStop(market.DirectionBuy, 1.10000, 0, sym); !approx(sl, 1.09890) {
		t.Errorf("synthetic SL = %.5f, want 1.09890", sl)
	}

	// the broker stops level floors a too-tight ATR distance
	if sl := fallbackStop(market.DirectionBuy, 1.10000, 0.00005, sym); !approx(sl, 1.09990) {
		t.Errorf("floored SL = %.5f, want 1.09990", sl)
	}
}

func TestStopOnCorrectSide(t *testing.T) {
	cases := []struct {
		direction string
		entry, sl float64
		want      bool
	}{
		{market.DirectionBuy, 1.1, 1.09, true},
		{market.DirectionBuy, 1.1, 1.1, false}, // stop on the entry protects nothing
		{market.DirectionBuy, 1.1, 1.11, false},
		{market.DirectionSell, 1.1, 1.11, true},
		{market.DirectionSell, 1.1, 1.1, false},
		{market.DirectionSell, 1.1, 1.09, false},
		{market.DirectionBuy, 1.1, 0, false},
		{market.DirectionBuy, 1.1, math.NaN(), false},
	}
	for _, tc := range cases {
		if got := stopOnCorrectSide(tc.direction, tc.entry, tc.sl); got != tc.want {
			t.Errorf("stopOnCorrectSide(%s, %v, %v) = %v, want %v",
				tc.direction, tc.entry, tc.sl, got, tc.want)
		}
	}
}

func TestPipSizeFractionalQuotes(t *testing.T) {
	cases := []struct {
		digits int
		point  float64
		want   float64
	}{
		{5, 0.00001, 0.0001}, // fractional-pip forex
		{3, 0.001, 0.01},     // fractional-pip JPY
		{4, 0.0001, 0.0001},
		{2, 0.01, 0.01}, // metals
		{5, 0, 0.001},   // missing point falls back before scaling
	}
	for _, tc := range cases {
		sym := &database.BrokerSymbol{Digits: tc.digits, Point: tc.point}
		if got := pipSize(sym); !approx(got, tc.want) {
			t.Errorf("pipSize(digits=%d point=%v) = %v, want %v", tc.digits, tc.point, got, tc.want)
		}
	}
}

// ==================== gate chain ====================

type decisionLog struct {
	entries []*database.AIDecision
}

func (l *decisionLog) InsertDecision(_ context.Context, d *database.AIDecision) error {
	l.entries = append(l.entries, d)
	return nil
}

type breakerStore struct{}

func (breakerStore) SetBreakerState(context.Context, int64, bool, string) error { return nil }
func (breakerStore) IncrementCommandFailures(context.Context, int64) (int, error) {
	return 0, nil
}
func (breakerStore) ResetCommandFailures(context.Context, int64) error { return nil }

func gateConfig() *config.Config {
	cfg := &config.Config{}
	cfg.TradingConfig.AutoTradeEnabled = true
	cfg.TradingConfig.MaxSignalAgeSecs = 300
	cfg.TradingConfig.SignalWarnAgeSecs = 120
	return cfg
}

// gateTrader builds a trader wired to in-memory stand-ins. Only the gates
// ahead of the first repository lookup are reachable with it.
func gateTrader(cfg *config.Config) (*Trader, *decisionLog) {
	log := &decisionLog{}
	nop := zerolog.Nop()
	rec := decision.NewRecorder(log, nop)
	return &Trader{
		breakers:  circuit.NewManager(breakerStore{}, rec, events.NewBus(nop), cfg.RiskConfig, nop),
		risk:      risk.NewDynamicManager(nil, rec, cfg.RiskConfig, nop),
		decisions: rec,
		bus:       events.NewBus(nop),
		cfg:       cfg,
		logger:    nop,
		acted:     make(map[string]time.Time),
	}, log
}

func connectedAccount() *database.Account {
	return &database.Account{
		AccountID:          7001,
		AutoTradingEnabled: true,
		Balance:            10000,
		Equity:             10000,
		RiskProfile:        database.RiskProfileModerate,
	}
}

func activeSignal(age time.Duration) *database.TradingSignal {
	now := time.Now().UTC()
	return &database.TradingSignal{
		ID:             "sig-gate-1",
		Instrument:     "EURUSD",
		Timeframe:      market.TimeframeM5,
		Direction:      market.DirectionBuy,
		Confidence:     80,
		SuggestedEntry: 1.10000,
		SuggestedSL:    1.09500,
		SuggestedTP:    1.11000,
		Status:         database.SignalStatusActive,
		IsValid:        true,
		CreatedAt:      now.Add(-age),
		ExpiresAt:      now.Add(5 * time.Minute),
	}
}

func lastDecision(t *testing.T, log *decisionLog) *database.AIDecision {
	t.Helper()
	if len(log.entries) == 0 {
		t.Fatal("no decision recorded")
	}
	return log.entries[len(log.entries)-1]
}

func decisionGate(t *testing.T, d *database.AIDecision) string {
	t.Helper()
	var ctx struct {
		Gate string `json:"gate"`
	}
	if err := json.Unmarshal(d.Context, &ctx); err != nil {
		t.Fatalf("decision context not decodable: %v", err)
	}
	return ctx.Gate
}

func TestEvaluateSignalStaleRejected(t *testing.T) {
	tr, log := gateTrader(gateConfig())

	if !tr.evaluateSignal(context.Background(), connectedAccount(), activeSignal(301*time.Second)) {
		t.Fatal("stale signal should settle")
	}

	d := lastDecision(t, log)
	if d.DecisionType != decision.TypeTradeSkip {
		t.Errorf("type = %s, want %s", d.DecisionType, decision.TypeTradeSkip)
	}
	if d.Outcome != decision.OutcomeRejected {
		t.Errorf("outcome = %s, want %s", d.Outcome, decision.OutcomeRejected)
	}
	if gate := decisionGate(t, d); gate != "staleness" {
		t.Errorf("gate = %s, want staleness", gate)
	}
}

func TestEvaluateSignalFreshSignalPassesStalenessGate(t *testing.T) {
	cfg := gateConfig()
	cfg.TradingConfig.AutoTradeEnabled = false // the next gate catches it

	tr, log := gateTrader(cfg)
	if !tr.evaluateSignal(context.Background(), connectedAccount(), activeSignal(290*time.Second)) {
		t.Fatal("rejection should settle the signal")
	}

	// just under the age limit: the rejection must come from the disabled
	// gate, not staleness
	if gate := decisionGate(t, lastDecision(t, log)); gate != "disabled" {
		t.Errorf("gate = %s, want disabled", gate)
	}
}

func TestEvaluateSignalZeroAgeLimitDisablesStaleness(t *testing.T) {
	cfg := gateConfig()
	cfg.TradingConfig.MaxSignalAgeSecs = 0
	cfg.TradingConfig.AutoTradeEnabled = false

	tr, log := gateTrader(cfg)
	tr.evaluateSignal(context.Background(), connectedAccount(), activeSignal(time.Hour))

	if gate := decisionGate(t, lastDecision(t, log)); gate != "disabled" {
		t.Errorf("gate = %s, want disabled (staleness off)", gate)
	}
}

func TestEvaluateSignalAccountAutoTradeDisabled(t *testing.T) {
	tr, log := gateTrader(gateConfig())
	acc := connectedAccount()
	acc.AutoTradingEnabled = false

	if !tr.evaluateSignal(context.Background(), acc, activeSignal(time.Second)) {
		t.Fatal("rejection should settle the signal")
	}
	d := lastDecision(t, log)
	if d.DecisionType != decision.TypeTradeSkip {
		t.Errorf("type = %s, want %s", d.DecisionType, decision.TypeTradeSkip)
	}
	if gate := decisionGate(t, d); gate != "disabled" {
		t.Errorf("gate = %s, want disabled", gate)
	}
}

func TestEvaluateSignalBreakerGateBlocks(t *testing.T) {
	tr, log := gateTrader(gateConfig())
	acc := connectedAccount()
	tr.breakers.Trip(context.Background(), acc.AccountID, circuit.TriggerDrawdown, "equity 15% below peak")

	if !tr.evaluateSignal(context.Background(), acc, activeSignal(time.Second)) {
		t.Fatal("rejection should settle the signal")
	}

	d := lastDecision(t, log)
	if d.DecisionType != decision.TypeCircuitBreaker {
		t.Errorf("type = %s, want %s", d.DecisionType, decision.TypeCircuitBreaker)
	}
	if gate := decisionGate(t, d); gate != "breaker" {
		t.Errorf("gate = %s, want breaker", gate)
	}
	if !strings.Contains(d.Reason, "operator reset") {
		t.Errorf("reason = %q, want operator reset wording", d.Reason)
	}
}

// ==================== loss ceiling ====================

func TestLossCeilingPrefersTighterStatic(t *testing.T) {
	cfg := gateConfig()
	cfg.RiskConfig.MaxSymbolLossEUR = map[string]float64{"EURUSD": 150}
	tr, _ := gateTrader(cfg)
	acc := connectedAccount() // moderate: 2% of 10000 at major weight 1.0 = 200

	if got := tr.lossCeiling(acc, "EURUSD"); !approx(got, 150) {
		t.Errorf("ceiling = %.2f, want 150.00 (static cap)", got)
	}

	cfg.RiskConfig.MaxSymbolLossEUR = map[string]float64{"EURUSD": 500}
	if got := tr.lossCeiling(acc, "EURUSD"); !approx(got, 200) {
		t.Errorf("ceiling = %.2f, want 200.00 (dynamic tighter)", got)
	}

	cfg.RiskConfig.MaxSymbolLossEUR = nil
	if got := tr.lossCeiling(acc, "EURUSD"); !approx(got, 200) {
		t.Errorf("ceiling = %.2f, want 200.00 (no static cap)", got)
	}
}

// ==================== acted tracking and helpers ====================

func TestActedTracking(t *testing.T) {
	cfg := gateConfig()
	cfg.TradingConfig.MaxSignalAgeSecs = 60 // prune horizon 120s
	tr, _ := gateTrader(cfg)
	now := time.Now().UTC()

	key := actedKey(7001, "sig-gate-1")
	if key != "7001:sig-gate-1" {
		t.Errorf("actedKey = %q", key)
	}
	if tr.alreadyActed(key) {
		t.Error("fresh key should not be acted")
	}
	tr.markActed(key)
	if !tr.alreadyActed(key) {
		t.Error("marked key should be acted")
	}

	tr.acted["stale"] = now.Add(-3 * time.Minute)
	tr.acted["recent"] = now.Add(-1 * time.Minute)
	tr.pruneActed()
	if tr.alreadyActed("stale") {
		t.Error("entry past the horizon should be pruned")
	}
	if !tr.alreadyActed("recent") {
		t.Error("entry inside the horizon should survive")
	}
}

func TestCommandIDDeterministic(t *testing.T) {
	at := time.Date(2025, 6, 4, 12, 0, 0, 0, time.UTC)

	a := commandID("sig-gate-1", at)
	if !strings.HasPrefix(a, "at-") {
		t.Errorf("commandID = %q, want at- prefix", a)
	}
	if b := commandID("sig-gate-1", at); b != a {
		t.Errorf("same inputs produced %q and %q", a, b)
	}
	if b := commandID("sig-gate-1", at.Add(time.Nanosecond)); b == a {
		t.Error("different emission times should produce different ids")
	}
	if b := commandID("sig-gate-2", at); b == a {
		t.Error("different signals should produce different ids")
	}
}

func TestSnapshotATR(t *testing.T) {
	if got := snapshotATR(json.RawMessage(`{"atr": 3.25, "rsi": 55}`)); !approx(got, 3.25) {
		t.Errorf("ATR = %v, want 3.25", got)
	}
	if got := snapshotATR(nil); got != 0 {
		t.Errorf("ATR = %v, want 0 for missing snapshot", got)
	}
	if got := snapshotATR(json.RawMessage(`not json`)); got != 0 {
		t.Errorf("ATR = %v, want 0 for unreadable snapshot", got)
	}
}

func TestPayloadInstrument(t *testing.T) {
	raw, _ := json.Marshal(database.OpenTradePayload{Instrument: "XAUUSD", Direction: market.DirectionBuy})
	if got := payloadInstrument(raw); got != "XAUUSD" {
		t.Errorf("instrument = %q, want XAUUSD", got)
	}
	if got := payloadInstrument(nil); got != "" {
		t.Errorf("instrument = %q, want empty for missing payload", got)
	}
}
