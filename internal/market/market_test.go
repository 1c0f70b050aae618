package market

import (
	"math"
	"testing"
	"time"
)

func TestAssetClassOf(t *testing.T) {
	cases := []struct {
		instrument string
		want       string
	}{
		{"EURUSD", AssetForexMajor},
		{"eurusd", AssetForexMajor},
		{"EURUSD.m", AssetForexMajor},
		{"EURJPY", AssetForexMinor},
		{"XAUUSD", AssetMetals},
		{"XAGUSD_i", AssetMetals},
		{"BTCUSD", AssetCrypto},
		{"US30", AssetIndices},
		{"NAS100.cash", AssetIndices},
	}
	for _, c := range cases {
		if got := AssetClassOf(c.instrument); got != c.want {
			t.Errorf("AssetClassOf(%s) = %s, want %s", c.instrument, got, c.want)
		}
	}
}

func TestCorrelationGroupSharesFirstCurrency(t *testing.T) {
	if CorrelationGroupOf("EURUSD") != CorrelationGroupOf("EURJPY") {
		t.Error("EURUSD and EURJPY should share a correlation group")
	}
	if CorrelationGroupOf("USDJPY") != "JPY" {
		t.Errorf("USDJPY group = %s, want JPY", CorrelationGroupOf("USDJPY"))
	}
	if CorrelationGroupOf("XAUUSD") != "GOLD" {
		t.Errorf("XAUUSD group = %s, want GOLD", CorrelationGroupOf("XAUUSD"))
	}
	if CorrelationGroupOf("EURUSD") == CorrelationGroupOf("XAUUSD") {
		t.Error("gold must not share the EUR exposure group")
	}
}

func TestCurrenciesOf(t *testing.T) {
	got := CurrenciesOf("GBPJPY")
	if len(got) != 2 || got[0] != "GBP" || got[1] != "JPY" {
		t.Errorf("CurrenciesOf(GBPJPY) = %v", got)
	}
	got = CurrenciesOf("XAUUSD")
	if len(got) != 2 || got[0] != "XAU" || got[1] != "USD" {
		t.Errorf("CurrenciesOf(XAUUSD) = %v", got)
	}
	if CurrenciesOf("BTCUSD") != nil {
		t.Error("crypto has no news-relevant currency exposure")
	}
}

func TestSessionAt(t *testing.T) {
	cases := []struct {
		hour int
		want string
	}{
		{2, SessionAsian},
		{8, SessionLondon},
		{12, SessionLondon},
		{13, SessionOverlap},
		{15, SessionOverlap},
		{16, SessionUS},
		{21, SessionUS},
		{22, SessionAfterHours},
		{23, SessionAfterHours},
	}
	for _, c := range cases {
		ts := time.Date(2025, 6, 4, c.hour, 30, 0, 0, time.UTC)
		if got := SessionAt(ts); got != c.want {
			t.Errorf("SessionAt(%02d:30) = %s, want %s", c.hour, got, c.want)
		}
	}
}

func TestIsMarketOpenWeekend(t *testing.T) {
	// Friday 2025-06-06
	friday21 := time.Date(2025, 6, 6, 21, 59, 0, 0, time.UTC)
	friday22 := time.Date(2025, 6, 6, 22, 0, 0, 0, time.UTC)
	saturday := time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC)
	sunday21 := time.Date(2025, 6, 8, 21, 0, 0, 0, time.UTC)
	sunday22 := time.Date(2025, 6, 8, 22, 0, 0, 0, time.UTC)

	if !IsMarketOpen("EURUSD", friday21) {
		t.Error("forex should trade before the Friday close")
	}
	if IsMarketOpen("EURUSD", friday22) {
		t.Error("forex should be closed from Friday 22:00 UTC")
	}
	if IsMarketOpen("EURUSD", saturday) {
		t.Error("forex should be closed on Saturday")
	}
	if IsMarketOpen("EURUSD", sunday21) {
		t.Error("forex should still be closed Sunday afternoon")
	}
	if !IsMarketOpen("EURUSD", sunday22) {
		t.Error("forex should reopen Sunday 22:00 UTC")
	}
	if !IsMarketOpen("BTCUSD", saturday) {
		t.Error("crypto trades through the weekend")
	}
}

func TestPipSize(t *testing.T) {
	if got := PipSize(0.00001, 5); got != 0.0001 {
		t.Errorf("5-digit pip = %g, want 0.0001", got)
	}
	if got := PipSize(0.001, 3); got != 0.01 {
		t.Errorf("3-digit pip = %g, want 0.01", got)
	}
	if got := PipSize(0.0001, 4); got != 0.0001 {
		t.Errorf("4-digit pip = %g, want 0.0001", got)
	}
}

func TestPipsCaptured(t *testing.T) {
	// Long EURUSD on a 5-digit feed, 30 pips up
	got := PipsCaptured(DirectionBuy, 1.10000, 1.10300, 0.00001, 5)
	if math.Abs(got-30) > 1e-6 {
		t.Errorf("long pips = %.4f, want 30", got)
	}
	// Short captures the inverse move
	got = PipsCaptured(DirectionSell, 1.10000, 1.09800, 0.00001, 5)
	if math.Abs(got-20) > 1e-6 {
		t.Errorf("short pips = %.4f, want 20", got)
	}
	// Losing short
	got = PipsCaptured(DirectionSell, 1.10000, 1.10150, 0.00001, 5)
	if math.Abs(got+15) > 1e-6 {
		t.Errorf("losing short pips = %.4f, want -15", got)
	}
	if PipsCaptured(DirectionBuy, 1.1, 1.2, 0, 5) != 0 {
		t.Error("zero point must not divide")
	}
}

func TestRealizedRR(t *testing.T) {
	// Risked 50 pips, captured 100: 2R
	got := RealizedRR(DirectionBuy, 1.1000, 1.0950, 1.1100)
	if math.Abs(got-2) > 1e-9 {
		t.Errorf("RR = %.4f, want 2", got)
	}
	// Stopped out exactly at the initial SL: -1R
	got = RealizedRR(DirectionSell, 1.1000, 1.1050, 1.1050)
	if math.Abs(got+1) > 1e-9 {
		t.Errorf("stopped-out RR = %.4f, want -1", got)
	}
	if RealizedRR(DirectionBuy, 1.1000, 0, 1.1100) != 0 {
		t.Error("missing initial SL must yield 0, not infinity")
	}
}

func TestTimeframeMinutes(t *testing.T) {
	cases := map[string]int{
		TimeframeM5:  5,
		TimeframeM15: 15,
		TimeframeH1:  60,
		TimeframeH4:  240,
		TimeframeD1:  1440,
		"M1":         0,
	}
	for tf, want := range cases {
		if got := TimeframeMinutes(tf); got != want {
			t.Errorf("TimeframeMinutes(%s) = %d, want %d", tf, got, want)
		}
	}
}

func TestTickSpreadAndMid(t *testing.T) {
	tick := Tick{Bid: 1.1000, Ask: 1.1002}
	if math.Abs(tick.Spread()-0.0002) > 1e-12 {
		t.Errorf("spread = %g", tick.Spread())
	}
	if math.Abs(tick.Mid()-1.1001) > 1e-12 {
		t.Errorf("mid = %g", tick.Mid())
	}
}
