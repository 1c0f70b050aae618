package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mt5-trading-server/config"
	"mt5-trading-server/internal/cache"
)

func newTestCalendar(cfg config.NewsConfig) *NewsCalendar {
	cacheSvc := cache.NewService(cache.Config{Enabled: false}, zerolog.Nop())
	return NewNewsCalendar(cfg, cacheSvc, zerolog.Nop())
}

func TestBlockingEventWindow(t *testing.T) {
	cal := newTestCalendar(config.NewsConfig{Enabled: true, PauseBeforeMins: 15, PauseAfterMins: 15})
	event := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)
	cal.SetEvents([]NewsEvent{{Title: "Non-Farm Payrolls", Currency: "USD", Impact: "High", Time: event}})

	cases := []struct {
		at      time.Time
		blocked bool
	}{
		{event.Add(-16 * time.Minute), false},
		{event.Add(-15 * time.Minute), true}, // window start inclusive
		{event, true},
		{event.Add(15 * time.Minute), true}, // window end inclusive
		{event.Add(15*time.Minute + time.Second), false},
	}
	for _, c := range cases {
		if _, blocked := cal.BlockingEvent("EURUSD", c.at); blocked != c.blocked {
			t.Errorf("at %s blocked = %v, want %v", c.at.Format("15:04:05"), blocked, c.blocked)
		}
	}
}

func TestBlockingEventCurrencyMatch(t *testing.T) {
	cal := newTestCalendar(config.NewsConfig{Enabled: true, PauseBeforeMins: 15, PauseAfterMins: 15})
	event := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)
	cal.SetEvents([]NewsEvent{{Title: "FOMC", Currency: "USD", Impact: "High", Time: event}})

	if _, blocked := cal.BlockingEvent("GBPJPY", event); blocked {
		t.Error("GBPJPY should not be blocked by a USD event")
	}
	if name, blocked := cal.BlockingEvent("XAUUSD", event); !blocked || name != "FOMC" {
		t.Errorf("XAUUSD should be blocked by a USD event, got blocked=%v name=%q", blocked, name)
	}
}

func TestBlockingEventDisabled(t *testing.T) {
	cal := newTestCalendar(config.NewsConfig{Enabled: false})
	event := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)
	cal.SetEvents([]NewsEvent{{Title: "CPI", Currency: "USD", Impact: "High", Time: event}})

	if _, blocked := cal.BlockingEvent("EURUSD", event); blocked {
		t.Error("disabled calendar should never block")
	}
}

func TestRefreshKeepsOnlyHighImpact(t *testing.T) {
	event := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"title": "CPI y/y", "country": "USD", "impact": "High", "date": "2025-03-05T12:00:00Z"},
			{"title": "Trade Balance", "country": "USD", "impact": "Medium", "date": "2025-03-05T12:00:00Z"},
			{"title": "Bank Holiday", "country": "EUR", "impact": "Low", "date": "2025-03-05T12:00:00Z"}
		]`))
	}))
	defer srv.Close()

	cal := newTestCalendar(config.NewsConfig{
		Enabled:         true,
		FeedURL:         srv.URL,
		PauseBeforeMins: 15,
		PauseAfterMins:  15,
	})
	if err := cal.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	name, blocked := cal.BlockingEvent("EURUSD", event)
	if !blocked || name != "CPI y/y" {
		t.Errorf("expected the high-impact event to block, got blocked=%v name=%q", blocked, name)
	}

	cal.mu.RLock()
	kept := len(cal.events)
	cal.mu.RUnlock()
	if kept != 1 {
		t.Errorf("kept %d events, want 1 (high impact only)", kept)
	}
}

func TestRefreshKeepsWindowOnFeedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cal := newTestCalendar(config.NewsConfig{Enabled: true, FeedURL: srv.URL, PauseBeforeMins: 15, PauseAfterMins: 15})
	event := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)
	cal.SetEvents([]NewsEvent{{Title: "ECB Rate", Currency: "EUR", Impact: "High", Time: event}})

	if err := cal.Refresh(context.Background()); err == nil {
		t.Fatal("expected error from failing feed")
	}
	if _, blocked := cal.BlockingEvent("EURUSD", event); !blocked {
		t.Error("previous window should survive a failed refresh")
	}
}
