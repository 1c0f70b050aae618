package tickwriter

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mt5-trading-server/config"
	"mt5-trading-server/internal/database"
)

func newTestWriter(buf int) *Writer {
	return &Writer{
		cfg:    config.TradingConfig{TickBatchSize: 4, TickFlushIntervalSecs: 1},
		logger: zerolog.Nop(),
		in:     make(chan *database.Tick, buf),
		latest: make(map[string]database.Tick),
	}
}

func tick(instrument string, offset time.Duration) *database.Tick {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return &database.Tick{
		Instrument: instrument,
		Timestamp:  base.Add(offset),
		Bid:        1.0850,
		Ask:        1.0852,
		Tradeable:  true,
	}
}

func TestPushEvictsOldestWhenFull(t *testing.T) {
	w := newTestWriter(2)

	first := tick("EURUSD", 0)
	second := tick("EURUSD", time.Second)
	third := tick("EURUSD", 2*time.Second)
	w.Push(first)
	w.Push(second)
	w.Push(third)

	if len(w.in) != 2 {
		t.Fatalf("buffered = %d ticks, want 2", len(w.in))
	}
	got := []*database.Tick{<-w.in, <-w.in}
	if got[0] != second || got[1] != third {
		t.Errorf("buffer kept %v then %v, want the two newest ticks", got[0].Timestamp, got[1].Timestamp)
	}
}

func TestLatestNeverRegresses(t *testing.T) {
	w := newTestWriter(16)

	w.Push(tick("EURUSD", 5*time.Second))
	w.Push(tick("EURUSD", 2*time.Second)) // late arrival

	latest, ok := w.Latest("EURUSD")
	if !ok {
		t.Fatal("Latest returned no tick after pushes")
	}
	if want := tick("EURUSD", 5*time.Second).Timestamp; !latest.Timestamp.Equal(want) {
		t.Errorf("latest timestamp = %v, want %v (late tick must not win)", latest.Timestamp, want)
	}
}

func TestLatestTracksInstrumentsIndependently(t *testing.T) {
	w := newTestWriter(16)

	w.Push(tick("EURUSD", 0))
	w.Push(tick("XAUUSD", 7*time.Second))

	eur, _ := w.Latest("EURUSD")
	gold, _ := w.Latest("XAUUSD")
	if eur.Instrument != "EURUSD" || gold.Instrument != "XAUUSD" {
		t.Fatalf("latest map mixed instruments: %q / %q", eur.Instrument, gold.Instrument)
	}
	if _, ok := w.Latest("GBPUSD"); ok {
		t.Error("Latest reported a tick for an instrument never pushed")
	}
}

func TestPushRejectsJunk(t *testing.T) {
	w := newTestWriter(4)

	w.Push(nil)
	w.Push(&database.Tick{Timestamp: time.Now()}) // no instrument

	if len(w.in) != 0 {
		t.Errorf("buffered = %d ticks, want 0 for junk input", len(w.in))
	}
}
