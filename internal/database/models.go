package database

import (
	"encoding/json"
	"time"
)

// Risk profiles
const (
	RiskProfileConservative = "conservative"
	RiskProfileModerate     = "moderate"
	RiskProfileAggressive   = "aggressive"
)

// Signal statuses
const (
	SignalStatusActive     = "active"
	SignalStatusExpired    = "expired"
	SignalStatusExecuted   = "executed"
	SignalStatusSuperseded = "superseded"
)

// Trade statuses
const (
	TradeStatusOpen    = "open"
	TradeStatusClosed  = "closed"
	TradeStatusPending = "pending"
)

// Trade sources
const (
	TradeSourceAutotrade = "autotrade"
	TradeSourceEACommand = "ea_command"
	TradeSourceManual    = "manual"
)

// Close reasons reported on trade closure
const (
	CloseReasonSLHit           = "SL_HIT"
	CloseReasonTPHit           = "TP_HIT"
	CloseReasonTrailingStop    = "TRAILING_STOP"
	CloseReasonTimeExit        = "TIME_EXIT"
	CloseReasonManual          = "MANUAL"
	CloseReasonPartialClose    = "PARTIAL_CLOSE"
	CloseReasonEmergency       = "EMERGENCY"
	CloseReasonStrategyInvalid = "STRATEGY_INVALID"
	CloseReasonStaleReconciled = "STALE_RECONCILED"
)

// Command types
const (
	CommandOpenTrade         = "OPEN_TRADE"
	CommandCloseTrade        = "CLOSE_TRADE"
	CommandModifySL          = "MODIFY_SL"
	CommandModifyTP          = "MODIFY_TP"
	CommandPartialCloseTrade = "PARTIAL_CLOSE_TRADE"
)

// Command statuses; transitions are monotonic in this order
const (
	CommandStatusPending   = "pending"
	CommandStatusInFlight  = "in_flight"
	CommandStatusCompleted = "completed"
	CommandStatusFailed    = "failed"
	CommandStatusTimeout   = "timeout"
)

// Symbol trading config statuses
const (
	SymbolStatusActive      = "active"
	SymbolStatusReducedRisk = "reduced_risk"
	SymbolStatusPaused      = "paused"
	SymbolStatusDisabled    = "disabled"
	SymbolStatusShadowTrade = "shadow_trade"
)

// Account represents an EA-connected broker account. The MT5 login number
// is the primary key; the api key is server-issued on first connect.
type Account struct {
	AccountID           int64      `json:"account_id"`
	Broker              string     `json:"broker"`
	Platform            string     `json:"platform"`
	APIKey              string     `json:"-"`
	Balance             float64    `json:"balance"`
	Equity              float64    `json:"equity"`
	Margin              float64    `json:"margin"`
	FreeMargin          float64    `json:"free_margin"`
	ProfitToday         float64    `json:"profit_today"`
	ProfitWeek          float64    `json:"profit_week"`
	ProfitMonth         float64    `json:"profit_month"`
	ProfitYear          float64    `json:"profit_year"`
	BalanceStartOfDay   float64    `json:"balance_start_of_day"`
	BalanceSODDate      *time.Time `json:"balance_sod_date,omitempty"`
	PeakBalance         float64    `json:"peak_balance"`
	LastHeartbeat       *time.Time `json:"last_heartbeat,omitempty"`
	Connected           bool       `json:"connected"`
	RiskProfile         string     `json:"risk_profile"`
	AutoTradingEnabled  bool       `json:"auto_trading_enabled"`
	BreakerTripped      bool       `json:"breaker_tripped"`
	BreakerReason       string     `json:"breaker_reason"`
	BreakerTrippedAt    *time.Time `json:"breaker_tripped_at,omitempty"`
	CommandFailureCount int        `json:"command_failure_count"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// BrokerSymbol holds the broker's instrument specification, written by the
// EA on connect and consumed by sizing, SL/TP and enforcement logic.
type BrokerSymbol struct {
	Instrument    string    `json:"instrument"`
	Digits        int       `json:"digits"`
	Point         float64   `json:"point"`
	MinVolume     float64   `json:"min_volume"`
	MaxVolume     float64   `json:"max_volume"`
	VolumeStep    float64   `json:"volume_step"`
	ContractSize  float64   `json:"contract_size"`
	TickSize      float64   `json:"tick_size"`
	TickValue     float64   `json:"tick_value"`
	StopsLevel    int       `json:"stops_level"`
	MaxSpreadPips float64   `json:"max_spread_pips"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SubscribedSymbol is an (account, instrument) pair the EA streams data
// for. ShadowMode is a read-through of the symbol config status.
type SubscribedSymbol struct {
	ID         int64     `json:"id"`
	AccountID  int64     `json:"account_id"`
	Instrument string    `json:"instrument"`
	Active     bool      `json:"active"`
	ShadowMode bool      `json:"shadow_mode"`
	CreatedAt  time.Time `json:"created_at"`
}

// Tick is a persisted quote, globally unique by (instrument, timestamp)
type Tick struct {
	Instrument string    `json:"instrument"`
	Timestamp  time.Time `json:"timestamp"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Volume     float64   `json:"volume"`
	Tradeable  bool      `json:"tradeable"`
}

// OHLCData is a persisted candle, unique by (instrument, timeframe, bar_time)
type OHLCData struct {
	Instrument string    `json:"instrument"`
	Timeframe  string    `json:"timeframe"`
	BarTime    time.Time `json:"bar_time"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
}

// TradingSignal is a generated directional intention. At most one active
// signal exists per (instrument, timeframe, direction); the upsert path
// marks the predecessor superseded inside one transaction.
type TradingSignal struct {
	ID             string          `json:"id"`
	Instrument     string          `json:"instrument"`
	Timeframe      string          `json:"timeframe"`
	Direction      string          `json:"direction"`
	Confidence     float64         `json:"confidence"`
	SuggestedEntry float64         `json:"suggested_entry"`
	SuggestedSL    float64         `json:"suggested_sl"`
	SuggestedTP    float64         `json:"suggested_tp"`
	Status         string          `json:"status"`
	IsValid        bool            `json:"is_valid"`
	InvalidReason  string          `json:"invalid_reason,omitempty"`
	Snapshot       json.RawMessage `json:"snapshot,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// Trade mirrors the broker position lifecycle as reported by the EA
type Trade struct {
	ID                  int64      `json:"id"`
	AccountID           int64      `json:"account_id"`
	Ticket              int64      `json:"ticket"`
	Instrument          string     `json:"instrument"`
	Direction           string     `json:"direction"`
	Volume              float64    `json:"volume"`
	OpenPrice           float64    `json:"open_price"`
	OpenTime            time.Time  `json:"open_time"`
	ClosePrice          *float64   `json:"close_price,omitempty"`
	CloseTime           *time.Time `json:"close_time,omitempty"`
	SL                  float64    `json:"sl"`
	TP                  float64    `json:"tp"`
	InitialSL           float64    `json:"initial_sl"`
	InitialTP           float64    `json:"initial_tp"`
	Profit              float64    `json:"profit"`
	Commission          float64    `json:"commission"`
	Swap                float64    `json:"swap"`
	Status              string     `json:"status"`
	Source              string     `json:"source"`
	CloseReason         string     `json:"close_reason,omitempty"`
	SignalID            *string    `json:"signal_id,omitempty"`
	CommandID           *string    `json:"command_id,omitempty"`
	Session             string     `json:"session,omitempty"`
	TrailingStopActive  bool       `json:"trailing_stop_active"`
	TrailingStopMoves   int        `json:"trailing_stop_moves"`
	TrailingStage       int        `json:"trailing_stage"`
	TPExtendedCount     int        `json:"tp_extended_count"`
	PartialCloses       int        `json:"partial_closes"`
	HoldDurationMinutes *int       `json:"hold_duration_minutes,omitempty"`
	PipsCaptured        *float64   `json:"pips_captured,omitempty"`
	RiskRewardRealized  *float64   `json:"risk_reward_realized,omitempty"`
	MFE                 float64    `json:"mfe"`
	MAE                 float64    `json:"mae"`
	EntryVolatility     *float64   `json:"entry_volatility,omitempty"`
	EntrySpread         *float64   `json:"entry_spread,omitempty"`
	EntryBid            *float64   `json:"entry_bid,omitempty"`
	EntryAsk            *float64   `json:"entry_ask,omitempty"`
	ReconcileMisses     int        `json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Command is a durable instruction delivered to the EA via heartbeat polling
type Command struct {
	ID               string          `json:"id"`
	AccountID        int64           `json:"account_id"`
	ClientCommandID  string          `json:"client_command_id"`
	CommandType      string          `json:"command_type"`
	Payload          json.RawMessage `json:"payload"`
	Status           string          `json:"status"`
	Ticket           *int64          `json:"ticket,omitempty"`
	SignalID         *string         `json:"signal_id,omitempty"`
	DeliveryAttempts int             `json:"delivery_attempts"`
	CreatedAt        time.Time       `json:"created_at"`
	TimeoutAt        time.Time       `json:"timeout_at"`
	PickedAt         *time.Time      `json:"picked_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	Response         json.RawMessage `json:"response,omitempty"`
}

// OpenTradePayload is the OPEN_TRADE command body the EA executes
type OpenTradePayload struct {
	Instrument string  `json:"instrument"`
	Direction  string  `json:"direction"`
	Volume     float64 `json:"volume"`
	SL         float64 `json:"sl"`
	TP         float64 `json:"tp"`
	EntryHint  float64 `json:"entry_hint"`
	Comment    string  `json:"comment"`
}

// ModifySLPayload is the MODIFY_SL command body
type ModifySLPayload struct {
	Ticket int64   `json:"ticket"`
	NewSL  float64 `json:"new_sl"`
}

// CloseTradePayload is the CLOSE_TRADE command body
type CloseTradePayload struct {
	Ticket int64  `json:"ticket"`
	Reason string `json:"reason"`
}

// PartialClosePayload is the PARTIAL_CLOSE_TRADE command body
type PartialClosePayload struct {
	Ticket int64   `json:"ticket"`
	Volume float64 `json:"volume"`
}

// ShadowTrade mirrors Trade for symbols not cleared for live trading.
// It never touches the broker; profit is hypothetical.
type ShadowTrade struct {
	ID                 int64      `json:"id"`
	AccountID          int64      `json:"account_id"`
	Instrument         string     `json:"instrument"`
	Direction          string     `json:"direction"`
	Volume             float64    `json:"volume"`
	EntryPrice         float64    `json:"entry_price"`
	EntryTime          time.Time  `json:"entry_time"`
	ExitPrice          *float64   `json:"exit_price,omitempty"`
	ExitTime           *time.Time `json:"exit_time,omitempty"`
	SL                 float64    `json:"sl"`
	TP                 float64    `json:"tp"`
	ExitReason         string     `json:"exit_reason,omitempty"`
	HypotheticalProfit *float64   `json:"hypothetical_profit,omitempty"`
	SignalID           *string    `json:"signal_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// SymbolTradingConfig is the auto-optimizer's per (account, instrument,
// direction) state, read by the auto-trader as an admission gate.
type SymbolTradingConfig struct {
	ID                     int64      `json:"id"`
	AccountID              int64      `json:"account_id"`
	Instrument             string     `json:"instrument"`
	Direction              string     `json:"direction"`
	Status                 string     `json:"status"`
	MinConfidenceThreshold float64    `json:"min_confidence_threshold"`
	RiskMultiplier         float64    `json:"risk_multiplier"`
	ConsecutiveWins        int        `json:"consecutive_wins"`
	ConsecutiveLosses      int        `json:"consecutive_losses"`
	RollingWinrate         float64    `json:"rolling_winrate"`
	RollingTradesCount     int        `json:"rolling_trades_count"`
	PauseReason            string     `json:"pause_reason,omitempty"`
	PausedAt               *time.Time `json:"paused_at,omitempty"`
	PausedUntil            *time.Time `json:"paused_until,omitempty"`
	UpdatedBy              string     `json:"updated_by"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// IndicatorScore tracks rolling per-indicator performance used to weight
// sub-signal contributions.
type IndicatorScore struct {
	ID               int64     `json:"id"`
	Instrument       string    `json:"instrument"`
	Timeframe        string    `json:"timeframe"`
	Indicator        string    `json:"indicator"`
	EvaluatedSignals int       `json:"evaluated_signals"`
	CorrectSignals   int       `json:"correct_signals"`
	Score            float64   `json:"score"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// LogEntry is an EA-submitted log line
type LogEntry struct {
	ID        int64           `json:"id"`
	AccountID int64           `json:"account_id"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// AIDecision is one append-only automated-decision record
type AIDecision struct {
	ID           int64           `json:"id"`
	AccountID    *int64          `json:"account_id,omitempty"`
	DecisionType string          `json:"decision_type"`
	Instrument   string          `json:"instrument,omitempty"`
	Outcome      string          `json:"outcome"`
	Reason       string          `json:"reason"`
	Context      json.RawMessage `json:"context,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
