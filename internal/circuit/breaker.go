package circuit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mt5-trading-server/config"
	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/decision"
	"mt5-trading-server/internal/events"
	"mt5-trading-server/internal/metrics"
)

// Breaker states
const (
	StateClosed   = "closed"    // normal operation
	StateOpen     = "open"      // trading halted
	StateHalfOpen = "half_open" // failure trip past cooldown, probing
)

// Trip triggers. Failure trips auto-resume after the cooldown; loss and
// drawdown trips latch until an operator reset or the day rolls over.
const (
	TriggerDailyLoss       = "daily_loss"
	TriggerDrawdown        = "drawdown"
	TriggerCommandFailures = "command_failures"
	TriggerManual          = "manual"
)

// Store persists breaker state on the account row so a restart cannot
// silently re-enable trading.
type Store interface {
	SetBreakerState(ctx context.Context, accountID int64, tripped bool, reason string) error
	IncrementCommandFailures(ctx context.Context, accountID int64) (int, error)
	ResetCommandFailures(ctx context.Context, accountID int64) error
}

type breaker struct {
	state     string
	trigger   string
	reason    string
	trippedAt time.Time
}

// Manager owns one circuit breaker per account.
type Manager struct {
	store     Store
	decisions *decision.Recorder
	bus       *events.Bus
	cfg       config.RiskConfig
	logger    zerolog.Logger

	mu       sync.Mutex
	breakers map[int64]*breaker
}

// NewManager creates the breaker manager
func NewManager(store Store, decisions *decision.Recorder, bus *events.Bus, cfg config.RiskConfig, logger zerolog.Logger) *Manager {
	return &Manager{
		store:     store,
		decisions: decisions,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With().Str("component", "CircuitBreaker").Logger(),
		breakers:  make(map[int64]*breaker),
	}
}

// Restore rebuilds in-memory breaker state from a persisted account row.
// Called once per account at startup.
func (m *Manager) Restore(acc *database.Account) {
	if !acc.BreakerTripped {
		return
	}

	b := &breaker{state: StateOpen, trigger: TriggerManual, reason: acc.BreakerReason}
	if acc.BreakerTrippedAt != nil {
		b.trippedAt = *acc.BreakerTrippedAt
	}
	// recover the trigger from the persisted reason prefix
	for _, trigger := range []string{TriggerDailyLoss, TriggerDrawdown, TriggerCommandFailures} {
		if len(acc.BreakerReason) >= len(trigger) && acc.BreakerReason[:len(trigger)] == trigger {
			b.trigger = trigger
			break
		}
	}

	m.mu.Lock()
	m.breakers[acc.AccountID] = b
	m.mu.Unlock()

	metrics.BreakerState.WithLabelValues(accountLabel(acc.AccountID)).Set(1)
	m.logger.Warn().
		Int64("account", acc.AccountID).
		Str("trigger", b.trigger).
		Str("reason", b.reason).
		Msg("Breaker restored tripped from persisted state")
}

// CanTrade reports whether the account may open new trades. A failure-type
// trip past its cooldown moves to half-open and admits trading again; the
// next command result either closes or re-trips it.
func (m *Manager) CanTrade(ctx context.Context, accountID int64) (bool, string) {
	m.mu.Lock()
	b := m.breakers[accountID]
	if b == nil || b.state == StateClosed {
		m.mu.Unlock()
		return true, ""
	}
	if b.state == StateHalfOpen {
		m.mu.Unlock()
		return true, ""
	}

	if b.trigger == TriggerCommandFailures {
		cooldown := time.Duration(m.cfg.BreakerCooldownMins) * time.Minute
		if cooldown <= 0 {
			cooldown = 5 * time.Minute
		}
		if time.Since(b.trippedAt) >= cooldown {
			b.state = StateHalfOpen
			m.mu.Unlock()
			m.logger.Info().Int64("account", accountID).Msg("Breaker cooldown elapsed, probing half-open")
			return true, ""
		}
		remaining := cooldown - time.Since(b.trippedAt)
		m.mu.Unlock()
		return false, fmt.Sprintf("breaker open (%s), cooldown remaining %s", b.reason, remaining.Round(time.Second))
	}

	reason := b.reason
	m.mu.Unlock()
	return false, fmt.Sprintf("breaker open (%s), operator reset required", reason)
}

// Trip opens the breaker. Idempotent while already open on the same trigger.
func (m *Manager) Trip(ctx context.Context, accountID int64, trigger, detail string) {
	reason := trigger
	if detail != "" {
		reason = trigger + ": " + detail
	}

	m.mu.Lock()
	b := m.breakers[accountID]
	if b != nil && b.state == StateOpen && b.trigger == trigger {
		m.mu.Unlock()
		return
	}
	m.breakers[accountID] = &breaker{
		state:     StateOpen,
		trigger:   trigger,
		reason:    reason,
		trippedAt: time.Now().UTC(),
	}
	m.mu.Unlock()

	if err := m.store.SetBreakerState(ctx, accountID, true, reason); err != nil {
		m.logger.Error().Int64("account", accountID).Err(err).Msg("Failed to persist breaker trip")
	}

	metrics.BreakerTrips.WithLabelValues(trigger).Inc()
	metrics.BreakerState.WithLabelValues(accountLabel(accountID)).Set(1)

	m.decisions.RecordForAccount(ctx, accountID, decision.TypeCircuitBreaker, "",
		decision.OutcomeRejected, reason, map[string]interface{}{"trigger": trigger})
	m.bus.Publish(events.Event{
		Type:      events.EventBreakerTripped,
		AccountID: accountID,
		Payload:   map[string]interface{}{"trigger": trigger, "reason": reason},
	})

	m.logger.Error().
		Int64("account", accountID).
		Str("trigger", trigger).
		Str("reason", reason).
		Msg("CIRCUIT BREAKER TRIPPED")
}

// Reset closes the breaker and clears the failure counter.
func (m *Manager) Reset(ctx context.Context, accountID int64, by string) {
	m.mu.Lock()
	b := m.breakers[accountID]
	if b == nil || b.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.breakers[accountID] = &breaker{state: StateClosed}
	m.mu.Unlock()

	if err := m.store.SetBreakerState(ctx, accountID, false, ""); err != nil {
		m.logger.Error().Int64("account", accountID).Err(err).Msg("Failed to persist breaker reset")
	}
	if err := m.store.ResetCommandFailures(ctx, accountID); err != nil {
		m.logger.Warn().Int64("account", accountID).Err(err).Msg("Failed to clear failure counter")
	}

	metrics.BreakerState.WithLabelValues(accountLabel(accountID)).Set(0)

	m.decisions.RecordForAccount(ctx, accountID, decision.TypeCircuitBreaker, "",
		decision.OutcomeAccepted, "breaker reset by "+by, nil)
	m.bus.Publish(events.Event{
		Type:      events.EventBreakerReset,
		AccountID: accountID,
		Payload:   map[string]interface{}{"by": by},
	})

	m.logger.Info().Int64("account", accountID).Str("by", by).Msg("Breaker reset")
}

// ResetDaily clears daily-loss trips at the day boundary. Drawdown and
// manual trips stay latched for the operator.
func (m *Manager) ResetDaily(ctx context.Context, accountID int64) {
	m.mu.Lock()
	b := m.breakers[accountID]
	eligible := b != nil && b.state == StateOpen && b.trigger == TriggerDailyLoss
	m.mu.Unlock()

	if eligible {
		m.Reset(ctx, accountID, "day_roll")
	}
}

// EvaluateAccount checks the loss and drawdown trip conditions against the
// account snapshot. dailyRealized is today's realized profit (negative when
// losing).
func (m *Manager) EvaluateAccount(ctx context.Context, acc *database.Account, dailyRealized float64) {
	base := acc.BalanceStartOfDay
	if base <= 0 {
		base = acc.Balance
	}
	if base > 0 && dailyRealized < 0 {
		lossPct := -dailyRealized / base * 100
		if lossPct >= m.cfg.MaxDailyLossPercent {
			m.Trip(ctx, acc.AccountID, TriggerDailyLoss,
				fmt.Sprintf("%.2f%% of day-start balance lost (limit %.2f%%)", lossPct, m.cfg.MaxDailyLossPercent))
			return
		}
	}

	if acc.PeakBalance > 0 && acc.Equity > 0 {
		ddPct := (acc.PeakBalance - acc.Equity) / acc.PeakBalance * 100
		if ddPct >= m.cfg.MaxDrawdownPercent {
			m.Trip(ctx, acc.AccountID, TriggerDrawdown,
				fmt.Sprintf("equity %.2f is %.2f%% below peak %.2f (limit %.2f%%)",
					acc.Equity, ddPct, acc.PeakBalance, m.cfg.MaxDrawdownPercent))
		}
	}
}

// NoteCommandFailure bumps the persistent consecutive-failure counter and
// trips at the limit. A failure while half-open re-trips immediately.
func (m *Manager) NoteCommandFailure(ctx context.Context, accountID int64) {
	m.mu.Lock()
	b := m.breakers[accountID]
	halfOpen := b != nil && b.state == StateHalfOpen
	m.mu.Unlock()

	count, err := m.store.IncrementCommandFailures(ctx, accountID)
	if err != nil {
		m.logger.Error().Int64("account", accountID).Err(err).Msg("Failed to count command failure")
		return
	}

	if halfOpen {
		m.Trip(ctx, accountID, TriggerCommandFailures,
			fmt.Sprintf("failure while probing half-open (%d consecutive)", count))
		return
	}
	if count >= m.cfg.MaxConsecutiveCommandFailures && m.cfg.MaxConsecutiveCommandFailures > 0 {
		m.Trip(ctx, accountID, TriggerCommandFailures,
			fmt.Sprintf("%d consecutive command failures", count))
	}
}

// NoteCommandSuccess clears the failure streak; a success while half-open
// closes the breaker.
func (m *Manager) NoteCommandSuccess(ctx context.Context, accountID int64) {
	if err := m.store.ResetCommandFailures(ctx, accountID); err != nil {
		m.logger.Warn().Int64("account", accountID).Err(err).Msg("Failed to clear failure counter")
	}

	m.mu.Lock()
	b := m.breakers[accountID]
	halfOpen := b != nil && b.state == StateHalfOpen
	m.mu.Unlock()

	if halfOpen {
		m.Reset(ctx, accountID, "half_open_recovery")
	}
}

// State returns the breaker view for one account.
func (m *Manager) State(accountID int64) (state, trigger, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.breakers[accountID]
	if b == nil {
		return StateClosed, "", ""
	}
	return b.state, b.trigger, b.reason
}

func accountLabel(accountID int64) string {
	return strconv.FormatInt(accountID, 10)
}
