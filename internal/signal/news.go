package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mt5-trading-server/config"
	"mt5-trading-server/internal/cache"
	"mt5-trading-server/internal/market"
)

const newsSnapshotKey = "news:calendar"

// NewsEvent is one calendar entry from the economic news feed.
type NewsEvent struct {
	Title    string    `json:"title"`
	Currency string    `json:"country"`
	Impact   string    `json:"impact"`
	Time     time.Time `json:"date"`
}

// NewsCalendar keeps a rolling window of high-impact events and answers
// whether an instrument is inside a news blackout. The feed is refreshed
// hourly; a Redis snapshot survives restarts so the active window is never
// lost to a deploy.
type NewsCalendar struct {
	cfg    config.NewsConfig
	cache  *cache.Service
	client *http.Client
	logger zerolog.Logger

	mu          sync.RWMutex
	events      []NewsEvent
	lastRefresh time.Time
}

// NewNewsCalendar creates the calendar client and tries to warm it from the
// cache snapshot.
func NewNewsCalendar(cfg config.NewsConfig, cacheSvc *cache.Service, logger zerolog.Logger) *NewsCalendar {
	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	n := &NewsCalendar{
		cfg:    cfg,
		cache:  cacheSvc,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "NewsCalendar").Logger(),
	}
	n.loadSnapshot()
	return n
}

// Enabled reports whether the news filter participates in generation.
func (n *NewsCalendar) Enabled() bool {
	return n.cfg.Enabled
}

// Refresh pulls the feed and replaces the event window. Keeps the previous
// window on failure.
func (n *NewsCalendar) Refresh(ctx context.Context) error {
	if !n.cfg.Enabled || n.cfg.FeedURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.cfg.FeedURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build news request: %w", err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("news feed unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("news feed returned status %d", resp.StatusCode)
	}

	var events []NewsEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return fmt.Errorf("failed to decode news feed: %w", err)
	}

	// keep only high-impact entries, they are the only ones that gate
	high := events[:0]
	for _, ev := range events {
		if strings.EqualFold(ev.Impact, "high") {
			high = append(high, ev)
		}
	}

	n.mu.Lock()
	n.events = high
	n.lastRefresh = time.Now().UTC()
	n.mu.Unlock()

	n.saveSnapshot(ctx, high)
	n.logger.Info().Int("events", len(high)).Msg("News calendar refreshed")
	return nil
}

// BlockingEvent reports the high-impact event that puts the instrument in a
// blackout at t, if any. The blackout spans pause_before minutes ahead of
// the event through pause_after minutes behind it.
func (n *NewsCalendar) BlockingEvent(instrument string, t time.Time) (string, bool) {
	if !n.cfg.Enabled {
		return "", false
	}

	before := time.Duration(n.cfg.PauseBeforeMins) * time.Minute
	after := time.Duration(n.cfg.PauseAfterMins) * time.Minute
	if before <= 0 {
		before = 15 * time.Minute
	}
	if after <= 0 {
		after = 15 * time.Minute
	}

	currencies := market.CurrenciesOf(instrument)

	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ev := range n.events {
		if !affectsCurrencies(ev.Currency, currencies) {
			continue
		}
		// blocked while t in [event-before, event+after]
		if !t.Before(ev.Time.Add(-before)) && !t.After(ev.Time.Add(after)) {
			return ev.Title, true
		}
	}
	return "", false
}

func affectsCurrencies(eventCurrency string, currencies []string) bool {
	for _, c := range currencies {
		if strings.EqualFold(eventCurrency, c) {
			return true
		}
	}
	return false
}

// loadSnapshot warms the window from the cache after a restart.
func (n *NewsCalendar) loadSnapshot() {
	if !n.cache.Available() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var events []NewsEvent
	if ok, err := n.cache.Get(ctx, newsSnapshotKey, &events); err == nil && ok {
		n.mu.Lock()
		n.events = events
		n.mu.Unlock()
		n.logger.Info().Int("events", len(events)).Msg("News calendar restored from cache")
	}
}

func (n *NewsCalendar) saveSnapshot(ctx context.Context, events []NewsEvent) {
	if !n.cache.Available() {
		return
	}
	if err := n.cache.Set(ctx, newsSnapshotKey, events, 24*time.Hour); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to snapshot news calendar")
	}
}

// SetEvents replaces the window directly. Used by tests and the manual
// dashboard override.
func (n *NewsCalendar) SetEvents(events []NewsEvent) {
	n.mu.Lock()
	n.events = events
	n.mu.Unlock()
}
