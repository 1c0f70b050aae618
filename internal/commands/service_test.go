package commands

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"mt5-trading-server/config"
	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/decision"
	"mt5-trading-server/internal/events"
)

type captureStore struct {
	mu       sync.Mutex
	recorded []*database.AIDecision
}

func (c *captureStore) InsertDecision(_ context.Context, d *database.AIDecision) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorded = append(c.recorded, d)
	return nil
}

func (c *captureStore) count(decisionType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, d := range c.recorded {
		if d.DecisionType == decisionType {
			n++
		}
	}
	return n
}

func newTestService(store *captureStore, cfg config.TradingConfig) *Service {
	rec := decision.NewRecorder(store, zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	return NewService(nil, nil, rec, bus, cfg, zerolog.Nop())
}

func TestWatchDepthAlertsOnceUntilDrained(t *testing.T) {
	store := &captureStore{}
	s := newTestService(store, config.TradingConfig{PendingCommandAlertSize: 50})
	ctx := context.Background()

	s.watchDepth(ctx, 1, 51)
	s.watchDepth(ctx, 1, 120) // still over: no second alert
	if got := store.count(decision.TypePerformanceAlert); got != 1 {
		t.Fatalf("alerts while over threshold = %d, want 1", got)
	}

	s.watchDepth(ctx, 1, 10) // drained: re-arm
	s.watchDepth(ctx, 1, 51)
	if got := store.count(decision.TypePerformanceAlert); got != 2 {
		t.Errorf("alerts after drain and re-cross = %d, want 2", got)
	}
}

func TestWatchDepthExactThresholdStaysQuiet(t *testing.T) {
	store := &captureStore{}
	s := newTestService(store, config.TradingConfig{PendingCommandAlertSize: 50})

	s.watchDepth(context.Background(), 2, 50)
	if got := store.count(decision.TypePerformanceAlert); got != 0 {
		t.Errorf("alert at exactly the threshold = %d, want 0 (alert is strictly above)", got)
	}
}

func TestWatchDepthTracksAccountsIndependently(t *testing.T) {
	store := &captureStore{}
	s := newTestService(store, config.TradingConfig{PendingCommandAlertSize: 50})
	ctx := context.Background()

	s.watchDepth(ctx, 1, 60)
	s.watchDepth(ctx, 2, 60)
	if got := store.count(decision.TypePerformanceAlert); got != 2 {
		t.Errorf("alerts for two accounts = %d, want 2", got)
	}
}

func TestInstrumentOf(t *testing.T) {
	open := &database.Command{Payload: []byte(`{"instrument":"EURUSD","direction":"BUY"}`)}
	if got := instrumentOf(open); got != "EURUSD" {
		t.Errorf("instrumentOf(open_trade) = %q, want EURUSD", got)
	}

	modify := &database.Command{Payload: []byte(`{"ticket":123,"new_sl":1.08}`)}
	if got := instrumentOf(modify); got != "" {
		t.Errorf("instrumentOf(modify_sl) = %q, want empty", got)
	}

	junk := &database.Command{Payload: []byte(`{`)}
	if got := instrumentOf(junk); got != "" {
		t.Errorf("instrumentOf(junk) = %q, want empty", got)
	}
}
