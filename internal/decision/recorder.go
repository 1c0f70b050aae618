package decision

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"mt5-trading-server/internal/database"
)

// Decision types accepted by the recorder. Every automated choice the
// platform makes lands in exactly one of these buckets.
const (
	TypeSignalGenerated     = "SIGNAL_GENERATED"
	TypeSignalExpired       = "SIGNAL_EXPIRED"
	TypeTradeOpen           = "TRADE_OPEN"
	TypeTradeClose          = "TRADE_CLOSE"
	TypeTradeSkip           = "TRADE_SKIP"
	TypeTradeRetry          = "TRADE_RETRY"
	TypeTradeFailed         = "TRADE_FAILED"
	TypeCircuitBreaker      = "CIRCUIT_BREAKER"
	TypeSpreadRejected      = "SPREAD_REJECTED"
	TypeTickStale           = "TICK_STALE"
	TypeShadowTrade         = "SHADOW_TRADE"
	TypeSymbolRecovery      = "SYMBOL_RECOVERY"
	TypeNewsPause           = "NEWS_PAUSE"
	TypeNewsResume          = "NEWS_RESUME"
	TypeVolatilityHigh      = "VOLATILITY_HIGH"
	TypeLiquidityLow        = "LIQUIDITY_LOW"
	TypeMTFAlignment        = "MTF_ALIGNMENT"
	TypeTrailingStop        = "TRAILING_STOP"
	TypeOptimizationRun     = "OPTIMIZATION_RUN"
	TypePerformanceAlert    = "PERFORMANCE_ALERT"
	TypeMT5Disconnect       = "MT5_DISCONNECT"
	TypeMT5Reconnect        = "MT5_RECONNECT"
	TypeAutoTradingEnabled  = "AUTOTRADING_ENABLED"
	TypeAutoTradingDisabled = "AUTOTRADING_DISABLED"
	TypeDataValidation      = "DATA_VALIDATION"
)

// Outcomes
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeExecuted = "executed"
	OutcomeWin      = "WIN"
	OutcomeLoss     = "LOSS"
)

// Store is the persistence surface the recorder needs
type Store interface {
	InsertDecision(ctx context.Context, d *database.AIDecision) error
}

// Recorder appends decisions to the audit log. A failed write never
// propagates: the decision is logged at WARN and the caller proceeds.
type Recorder struct {
	store  Store
	logger zerolog.Logger
}

// NewRecorder creates a decision recorder
func NewRecorder(store Store, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger.With().Str("component", "DecisionLog").Logger(),
	}
}

// Record appends one decision. Context values must be JSON-encodable;
// encoding failures degrade to an empty context rather than dropping the
// decision.
func (r *Recorder) Record(ctx context.Context, accountID *int64, decisionType, instrument, outcome, reason string, contextData map[string]interface{}) {
	var contextJSON json.RawMessage
	if len(contextData) > 0 {
		data, err := json.Marshal(contextData)
		if err != nil {
			r.logger.Warn().Err(err).Str("type", decisionType).Msg("Decision context not encodable")
		} else {
			contextJSON = data
		}
	}

	d := &database.AIDecision{
		AccountID:    accountID,
		DecisionType: decisionType,
		Instrument:   instrument,
		Outcome:      outcome,
		Reason:       reason,
		Context:      contextJSON,
		CreatedAt:    time.Now().UTC(),
	}

	if err := r.store.InsertDecision(ctx, d); err != nil {
		r.logger.Warn().Err(err).
			Str("type", decisionType).
			Str("instrument", instrument).
			Str("reason", reason).
			Msg("Decision log write failed")
		return
	}

	r.logger.Debug().
		Str("type", decisionType).
		Str("instrument", instrument).
		Str("outcome", outcome).
		Str("reason", reason).
		Msg("Decision recorded")
}

// RecordForAccount is Record with a concrete account id
func (r *Recorder) RecordForAccount(ctx context.Context, accountID int64, decisionType, instrument, outcome, reason string, contextData map[string]interface{}) {
	r.Record(ctx, &accountID, decisionType, instrument, outcome, reason, contextData)
}

// RecordGlobal is Record without account attribution
func (r *Recorder) RecordGlobal(ctx context.Context, decisionType, instrument, outcome, reason string, contextData map[string]interface{}) {
	r.Record(ctx, nil, decisionType, instrument, outcome, reason, contextData)
}
