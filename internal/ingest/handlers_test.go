package ingest

import (
	"strings"
	"testing"

	"mt5-trading-server/internal/database"
)

func validTick() tickItem {
	return tickItem{
		Instrument: "EURUSD",
		Bid:        1.10000,
		Ask:        1.10012,
		Volume:     3,
		Timestamp:  1767349800123,
		Tradeable:  true,
	}
}

func TestValidateTicksAcceptsWellFormedBatch(t *testing.T) {
	if err := validateTicks([]tickItem{validTick(), validTick()}); err != nil {
		t.Fatalf("validateTicks = %v, want nil", err)
	}
}

func TestValidateTicksRejectsBadBatches(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*tickItem)
		wantSub string
	}{
		{"missing instrument", func(tk *tickItem) { tk.Instrument = "" }, "missing instrument"},
		{"zero bid", func(tk *tickItem) { tk.Bid = 0 }, "must be positive"},
		{"negative ask", func(tk *tickItem) { tk.Ask = -1 }, "must be positive"},
		{"missing timestamp", func(tk *tickItem) { tk.Timestamp = 0 }, "missing timestamp"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad := validTick()
			tc.mutate(&bad)
			err := validateTicks([]tickItem{validTick(), bad})
			if err == nil {
				t.Fatal("validateTicks accepted a malformed tick")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestValidateTicksRejectsEmptyBatch(t *testing.T) {
	if err := validateTicks(nil); err == nil {
		t.Error("empty batch accepted")
	}
}

func validCandle() candleItem {
	return candleItem{
		BarTime: 1767348000,
		Open:    1.1000,
		High:    1.1030,
		Low:     1.0990,
		Close:   1.1020,
		Volume:  4521,
	}
}

func TestValidateCandlesAcceptsWellFormedBatch(t *testing.T) {
	flat := validCandle()
	flat.Open, flat.High, flat.Low, flat.Close = 1.1, 1.1, 1.1, 1.1
	if err := validateCandles([]candleItem{validCandle(), flat}); err != nil {
		t.Fatalf("validateCandles = %v, want nil", err)
	}
}

func TestValidateCandlesRejectsBrokenGeometry(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*candleItem)
		wantSub string
	}{
		{"high below low", func(b *candleItem) { b.High = 1.0980 }, "below low"},
		{"high below open", func(b *candleItem) { b.High = 1.0995; b.Low = 1.0990 }, "below body"},
		{"low above close", func(b *candleItem) { b.Low = 1.1025 }, "above body"},
		{"zero price", func(b *candleItem) { b.Close = 0 }, "must be positive"},
		{"missing bar_time", func(b *candleItem) { b.BarTime = 0 }, "missing bar_time"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad := validCandle()
			tc.mutate(&bad)
			err := validateCandles([]candleItem{validCandle(), bad})
			if err == nil {
				t.Fatal("validateCandles accepted a malformed candle")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestValidateCandlesNamesTheOffendingIndex(t *testing.T) {
	bad := validCandle()
	bad.High = 1.0
	err := validateCandles([]candleItem{validCandle(), validCandle(), bad})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "candle 2") {
		t.Errorf("error %q should name candle 2", err)
	}
}

func TestValidateSymbolSpec(t *testing.T) {
	good := symbolSpec{Instrument: "XAUUSD", Digits: 2, Point: 0.01, MinVolume: 0.01, MaxVolume: 100, VolumeStep: 0.01}
	if err := validateSymbolSpec(good); err != nil {
		t.Fatalf("validateSymbolSpec = %v, want nil", err)
	}

	cases := []struct {
		name   string
		mutate func(*symbolSpec)
	}{
		{"no instrument", func(sp *symbolSpec) { sp.Instrument = "" }},
		{"zero point", func(sp *symbolSpec) { sp.Point = 0 }},
		{"negative digits", func(sp *symbolSpec) { sp.Digits = -1 }},
		{"zero min volume", func(sp *symbolSpec) { sp.MinVolume = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad := good
			tc.mutate(&bad)
			if err := validateSymbolSpec(bad); err == nil {
				t.Error("malformed spec accepted")
			}
		})
	}
}

func TestNormalizeCloseReason(t *testing.T) {
	for _, known := range []string{
		database.CloseReasonSLHit, database.CloseReasonTPHit, database.CloseReasonTrailingStop,
		database.CloseReasonTimeExit, database.CloseReasonManual, database.CloseReasonPartialClose,
		database.CloseReasonEmergency, database.CloseReasonStrategyInvalid, database.CloseReasonStaleReconciled,
	} {
		if got := normalizeCloseReason(known); got != known {
			t.Errorf("normalizeCloseReason(%q) = %q, want unchanged", known, got)
		}
	}
	for _, junk := range []string{"", "USER_CLICKED", "sl_hit"} {
		if got := normalizeCloseReason(junk); got != database.CloseReasonManual {
			t.Errorf("normalizeCloseReason(%q) = %q, want MANUAL", junk, got)
		}
	}
}
