package circuit

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mt5-trading-server/config"
	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/decision"
	"mt5-trading-server/internal/events"
)

type fakeStore struct {
	mu        sync.Mutex
	failures  map[int64]int
	tripped   map[int64]bool
	reasons   map[int64]string
	setCalls  int
	resetCmds int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		failures: make(map[int64]int),
		tripped:  make(map[int64]bool),
		reasons:  make(map[int64]string),
	}
}

func (f *fakeStore) SetBreakerState(_ context.Context, accountID int64, tripped bool, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	f.tripped[accountID] = tripped
	f.reasons[accountID] = reason
	return nil
}

func (f *fakeStore) IncrementCommandFailures(_ context.Context, accountID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[accountID]++
	return f.failures[accountID], nil
}

func (f *fakeStore) ResetCommandFailures(_ context.Context, accountID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCmds++
	f.failures[accountID] = 0
	return nil
}

type nopDecisionStore struct{}

func (nopDecisionStore) InsertDecision(context.Context, *database.AIDecision) error { return nil }

func newTestManager(store *fakeStore, cfg config.RiskConfig) *Manager {
	rec := decision.NewRecorder(nopDecisionStore{}, zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	return NewManager(store, rec, bus, cfg, zerolog.Nop())
}

func TestCanTradeDefaultsClosed(t *testing.T) {
	m := newTestManager(newFakeStore(), config.RiskConfig{})
	ok, reason := m.CanTrade(context.Background(), 1)
	if !ok || reason != "" {
		t.Errorf("fresh account CanTrade = (%v, %q), want (true, \"\")", ok, reason)
	}
}

func TestEvaluateAccountTripsDailyLoss(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store, config.RiskConfig{MaxDailyLossPercent: 5, MaxDrawdownPercent: 10})
	ctx := context.Background()
	acc := &database.Account{AccountID: 1, Balance: 9500, BalanceStartOfDay: 10000, Equity: 9500, PeakBalance: 10000}

	m.EvaluateAccount(ctx, acc, -499) // 4.99%, under the limit
	if state, _, _ := m.State(1); state != StateClosed {
		t.Fatalf("state after 4.99%% loss = %q, want closed", state)
	}

	m.EvaluateAccount(ctx, acc, -500) // exactly 5%
	state, trigger, _ := m.State(1)
	if state != StateOpen || trigger != TriggerDailyLoss {
		t.Fatalf("state after 5%% loss = (%q, %q), want (open, daily_loss)", state, trigger)
	}
	if !store.tripped[1] {
		t.Error("trip not persisted")
	}

	ok, reason := m.CanTrade(ctx, 1)
	if ok {
		t.Fatal("CanTrade allowed while tripped on daily loss")
	}
	if !strings.Contains(reason, "operator reset required") {
		t.Errorf("loss-type trip reason %q should demand an operator reset", reason)
	}
}

func TestEvaluateAccountTripsDrawdown(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store, config.RiskConfig{MaxDailyLossPercent: 5, MaxDrawdownPercent: 10})
	acc := &database.Account{AccountID: 2, Balance: 9000, BalanceStartOfDay: 9000, Equity: 8900, PeakBalance: 10000}

	m.EvaluateAccount(context.Background(), acc, 0)
	state, trigger, _ := m.State(2)
	if state != StateOpen || trigger != TriggerDrawdown {
		t.Fatalf("11%% drawdown = (%q, %q), want (open, drawdown)", state, trigger)
	}
}

func TestCommandFailuresTripAndCooldown(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store, config.RiskConfig{MaxConsecutiveCommandFailures: 3, BreakerCooldownMins: 5})
	ctx := context.Background()

	m.NoteCommandFailure(ctx, 3)
	m.NoteCommandFailure(ctx, 3)
	if state, _, _ := m.State(3); state != StateClosed {
		t.Fatalf("state after 2 failures = %q, want closed", state)
	}

	m.NoteCommandFailure(ctx, 3)
	if state, trigger, _ := m.State(3); state != StateOpen || trigger != TriggerCommandFailures {
		t.Fatalf("state after 3 failures = (%q, %q), want (open, command_failures)", state, trigger)
	}

	if ok, _ := m.CanTrade(ctx, 3); ok {
		t.Fatal("CanTrade allowed inside cooldown")
	}

	// cooldown elapsed: next check probes half-open
	m.mu.Lock()
	m.breakers[3].trippedAt = time.Now().UTC().Add(-6 * time.Minute)
	m.mu.Unlock()

	if ok, _ := m.CanTrade(ctx, 3); !ok {
		t.Fatal("CanTrade denied after cooldown elapsed")
	}
	if state, _, _ := m.State(3); state != StateHalfOpen {
		t.Fatalf("state after cooldown probe = %q, want half_open", state)
	}

	// success while half-open closes the breaker and clears the counter
	m.NoteCommandSuccess(ctx, 3)
	if state, _, _ := m.State(3); state != StateClosed {
		t.Fatalf("state after half-open success = %q, want closed", state)
	}
	if store.failures[3] != 0 {
		t.Errorf("failure counter = %d, want cleared", store.failures[3])
	}
}

func TestHalfOpenFailureReTrips(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store, config.RiskConfig{MaxConsecutiveCommandFailures: 3, BreakerCooldownMins: 5})
	ctx := context.Background()

	m.Trip(ctx, 4, TriggerCommandFailures, "3 consecutive command failures")
	m.mu.Lock()
	m.breakers[4].trippedAt = time.Now().UTC().Add(-6 * time.Minute)
	m.mu.Unlock()
	m.CanTrade(ctx, 4) // moves to half-open

	m.NoteCommandFailure(ctx, 4)
	if state, _, _ := m.State(4); state != StateOpen {
		t.Fatalf("state after half-open failure = %q, want re-tripped open", state)
	}
}

func TestResetDailyOnlyClearsDailyLoss(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store, config.RiskConfig{})
	ctx := context.Background()

	m.Trip(ctx, 5, TriggerDailyLoss, "5% lost")
	m.ResetDaily(ctx, 5)
	if state, _, _ := m.State(5); state != StateClosed {
		t.Errorf("daily-loss trip after day roll = %q, want closed", state)
	}

	m.Trip(ctx, 6, TriggerDrawdown, "12% below peak")
	m.ResetDaily(ctx, 6)
	if state, _, _ := m.State(6); state != StateOpen {
		t.Errorf("drawdown trip after day roll = %q, want still open", state)
	}
}

func TestTripIdempotentOnSameTrigger(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store, config.RiskConfig{})
	ctx := context.Background()

	m.Trip(ctx, 7, TriggerDailyLoss, "first")
	m.Trip(ctx, 7, TriggerDailyLoss, "second")
	if store.setCalls != 1 {
		t.Errorf("persisted %d times, want 1", store.setCalls)
	}
}

func TestRestoreRecoversTrigger(t *testing.T) {
	m := newTestManager(newFakeStore(), config.RiskConfig{})
	trippedAt := time.Now().UTC().Add(-time.Hour)
	acc := &database.Account{
		AccountID:        8,
		BreakerTripped:   true,
		BreakerReason:    "drawdown: equity 8800.00 is 12.00% below peak 10000.00 (limit 10.00%)",
		BreakerTrippedAt: &trippedAt,
	}

	m.Restore(acc)
	state, trigger, reason := m.State(8)
	if state != StateOpen || trigger != TriggerDrawdown {
		t.Fatalf("restored = (%q, %q), want (open, drawdown)", state, trigger)
	}
	if reason != acc.BreakerReason {
		t.Errorf("reason = %q, want persisted text", reason)
	}
}
