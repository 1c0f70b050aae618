package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"mt5-trading-server/internal/logging"
)

type Config struct {
	ServerConfig       ServerConfig       `json:"server"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	LoggingConfig      logging.Config     `json:"logging"`
	TradingConfig      TradingConfig      `json:"trading"`
	RiskConfig         RiskConfig         `json:"risk"`
	MonitorConfig      MonitorConfig      `json:"monitor"`
	ShadowConfig       ShadowConfig       `json:"shadow"`
	NewsConfig         NewsConfig         `json:"news"`
	MLConfig           MLConfig           `json:"ml"`
	NotificationConfig NotificationConfig `json:"notification"`
	VaultConfig        VaultConfig        `json:"vault"`
	AuthConfig         AuthConfig         `json:"auth"`
	BrokerTimeConfig   BrokerTimeConfig   `json:"broker_time"`
}

// ServerConfig holds the listener layout. The EA talks to four ingestion
// ports; the dashboard (REST + WebSocket + metrics) has its own.
type ServerConfig struct {
	Host            string `json:"host"`
	ControlPort     int    `json:"control_port"`   // connect / heartbeat / command_response
	TickPort        int    `json:"tick_port"`      // tick_batch / ohlc_batch
	TradePort       int    `json:"trade_port"`     // trade_update
	LogPort         int    `json:"log_port"`       // log
	DashboardPort   int    `json:"dashboard_port"` // REST + WebSocket + /metrics
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
	RateLimitPerSec int    `json:"rate_limit_per_sec"`
	RateLimitBurst  int    `json:"rate_limit_burst"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for hot lookups
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// TradingConfig holds signal generation and auto-trading cadence/limits
type TradingConfig struct {
	AutoTradeEnabled        bool     `json:"auto_trade_enabled"`
	SignalIntervalSecs      int      `json:"signal_interval_secs"`       // Base cadence (10s)
	SignalIntervalLowSecs   int      `json:"signal_interval_low_secs"`   // LOW volatility (20s)
	SignalIntervalHighSecs  int      `json:"signal_interval_high_secs"`  // HIGH volatility (5s)
	AutoTradeIntervalSecs   int      `json:"auto_trade_interval_secs"`   // Auto-trader loop (10s)
	MaxSignalAgeSecs        int      `json:"max_signal_age_secs"`        // Staleness gate (300s)
	SignalWarnAgeSecs       int      `json:"signal_warn_age_secs"`       // Warn threshold (120s)
	SignalActiveTTLMins     int      `json:"signal_active_ttl_mins"`     // Active signals expire after (10m)
	SignalExpiredTTLMins    int      `json:"signal_expired_ttl_mins"`    // Expired signals deleted after (2m)
	MaxOpenPositions        int      `json:"max_open_positions"`         // Per account (10)
	MaxCorrelatedPositions  int      `json:"max_correlated_positions"`   // Per correlation group (2)
	BuySignalAdvantage      int      `json:"buy_signal_advantage"`       // buy - sell sub-signal surplus required
	BuyConfidencePenalty    float64  `json:"buy_confidence_penalty"`     // Percent subtracted from BUY confidence
	HeartbeatCommandBatch   int      `json:"heartbeat_command_batch"`    // Commands delivered per heartbeat (10)
	CommandTimeoutMins      int      `json:"command_timeout_mins"`       // timeout_at = created_at + N (5m)
	CommandRedeliveryMins   int      `json:"command_redelivery_mins"`    // in_flight revert threshold (2m)
	CommandMaxRedeliveries  int      `json:"command_max_redeliveries"`   // Before marking failed (2)
	PendingCommandAlertSize int      `json:"pending_command_alert_size"` // PERFORMANCE_ALERT above this (50)
	TickBatchSize           int      `json:"tick_batch_size"`            // Flush at N buffered ticks (1000)
	TickFlushIntervalSecs   int      `json:"tick_flush_interval_secs"`   // Or after T seconds (2)
	TickRetentionDays       int      `json:"tick_retention_days"`        // Cleanup horizon (7)
	StaleTickMaxAgeSecs     int      `json:"stale_tick_max_age_secs"`    // Spread gate freshness (60s)
	HeartbeatTimeoutSecs    int      `json:"heartbeat_timeout_secs"`     // Disconnect threshold (60s)
	Instruments             []string `json:"instruments"`                // Instruments the generator walks
	Timeframes              []string `json:"timeframes"`                 // Timeframes the generator walks
}

// RiskConfig holds risk profile selection, breaker limits and drawdown guards
type RiskConfig struct {
	DefaultProfile                string  `json:"default_profile"` // conservative, moderate, aggressive
	MaxDailyLossPercent           float64 `json:"max_daily_loss_percent"`
	MaxDrawdownPercent            float64 `json:"max_drawdown_percent"`
	MaxConsecutiveCommandFailures int     `json:"max_consecutive_command_failures"`
	BreakerCooldownMins           int     `json:"breaker_cooldown_mins"` // Failure-type auto-resume
	SoftWarningPercent            float64 `json:"soft_warning_percent"`
	EmergencyClosePercent         float64 `json:"emergency_close_percent"`
	DrawdownCheckIntervalSecs     int     `json:"drawdown_check_interval_secs"`
	MinRiskReward                 float64 `json:"min_risk_reward"`
	MaxRiskReward                 float64 `json:"max_risk_reward"`
	// MaxSymbolLossEUR caps the worst-case loss per trade in deposit
	// currency for named symbols; the SL is tightened to honor it.
	MaxSymbolLossEUR map[string]float64 `json:"max_symbol_loss_eur"`
}

// MonitorConfig holds trade monitor cadence and trailing guardrails
type MonitorConfig struct {
	IntervalSecs           int     `json:"interval_secs"`            // Open-trade scan (5s)
	MinSLDistancePoints    float64 `json:"min_sl_distance_points"`   // Never trail within N points of price (10)
	MaxSLMovePoints        float64 `json:"max_sl_move_points"`       // Per update cap (100)
	TrailMinIntervalSecs   int     `json:"trail_min_interval_secs"`  // Per-trade SL update rate limit (5s)
	BreakEvenOffsetPoints  float64 `json:"break_even_offset_points"` // Stage 1 lock-in (5)
	MaxHoldScalpMins       int     `json:"max_hold_scalp_mins"`      // Time exit, scalp class (60)
	MaxHoldSwingMins       int     `json:"max_hold_swing_mins"`      // Time exit, swing class (1440)
	RevalidateLossEUR      float64 `json:"revalidate_loss_eur"`      // Re-run strategy below -N (5)
	StaleReconcileMisses   int     `json:"stale_reconcile_misses"`   // Consecutive absences before STALE_RECONCILED (2)
	ReconcileIntervalSecs  int     `json:"reconcile_interval_secs"`
	CleanupIntervalSecs    int     `json:"cleanup_interval_secs"`
}

// ShadowConfig holds the recovery thresholds for shadow-traded symbols
type ShadowConfig struct {
	IntervalSecs        int     `json:"interval_secs"`         // Tick-cross scan (5s)
	RecoveryWindowDays  int     `json:"recovery_window_days"`  // Lookback (30)
	RecoveryMinWinRate  float64 `json:"recovery_min_win_rate"` // Percent (65)
	RecoveryMinProfit   float64 `json:"recovery_min_profit"`   // Deposit currency (20)
	RecoveryMinTrades   int     `json:"recovery_min_trades"`   // (20)
	RecoveryHourUTC     int     `json:"recovery_hour_utc"`     // Daily job hour
}

// NewsConfig holds the economic calendar filter configuration
type NewsConfig struct {
	Enabled           bool   `json:"enabled"`
	FeedURL           string `json:"feed_url"`
	RefreshMins       int    `json:"refresh_mins"`
	PauseBeforeMins   int    `json:"pause_before_mins"`
	PauseAfterMins    int    `json:"pause_after_mins"`
	RequestTimeoutSec int    `json:"request_timeout_sec"`
}

// MLConfig holds the optional external confidence scorer contract
type MLConfig struct {
	Enabled           bool   `json:"enabled"`
	ScorerURL         string `json:"scorer_url"`
	RequestTimeoutSec int    `json:"request_timeout_sec"`
}

// NotificationConfig holds operator alerting configuration
type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// VaultConfig holds HashiCorp Vault configuration for api-key mirroring
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path prefix for EA api keys
}

// AuthConfig holds operator authentication for dashboard control endpoints
type AuthConfig struct {
	JWTSecret            string        `json:"jwt_secret"`
	TokenDuration        time.Duration `json:"token_duration"`
	OperatorUser         string        `json:"operator_user"`
	OperatorPasswordHash string        `json:"operator_password_hash"` // bcrypt
}

// BrokerTimeConfig derives the display-only broker clock
type BrokerTimeConfig struct {
	UTCOffsetHours int `json:"utc_offset_hours"` // Typically EET/EEST (+2/+3)
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// EA api keys are never read from the environment; they are server-issued
// per account and stored in the database (optionally mirrored to Vault).
func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", defaultString(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.ControlPort = getEnvIntOrDefault("SERVER_CONTROL_PORT", defaultInt(cfg.ServerConfig.ControlPort, 9900))
	cfg.ServerConfig.TickPort = getEnvIntOrDefault("SERVER_TICK_PORT", defaultInt(cfg.ServerConfig.TickPort, 9901))
	cfg.ServerConfig.TradePort = getEnvIntOrDefault("SERVER_TRADE_PORT", defaultInt(cfg.ServerConfig.TradePort, 9902))
	cfg.ServerConfig.LogPort = getEnvIntOrDefault("SERVER_LOG_PORT", defaultInt(cfg.ServerConfig.LogPort, 9903))
	cfg.ServerConfig.DashboardPort = getEnvIntOrDefault("SERVER_DASHBOARD_PORT", defaultInt(cfg.ServerConfig.DashboardPort, 9905))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", defaultString(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", defaultInt(cfg.ServerConfig.ReadTimeout, 30))
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", defaultInt(cfg.ServerConfig.WriteTimeout, 30))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", defaultInt(cfg.ServerConfig.ShutdownTimeout, 10))
	cfg.ServerConfig.RateLimitPerSec = getEnvIntOrDefault("SERVER_RATE_LIMIT_PER_SEC", defaultInt(cfg.ServerConfig.RateLimitPerSec, 40))
	cfg.ServerConfig.RateLimitBurst = getEnvIntOrDefault("SERVER_RATE_LIMIT_BURST", defaultInt(cfg.ServerConfig.RateLimitBurst, 80))

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", defaultString(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", defaultString(cfg.DatabaseConfig.User, "mt5"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", defaultString(cfg.DatabaseConfig.Database, "mt5_trading"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", defaultString(cfg.DatabaseConfig.SSLMode, "disable"))

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "true") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", defaultInt(cfg.RedisConfig.PoolSize, 10))

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultString(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", defaultString(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
	cfg.LoggingConfig.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", "false") == "true"

	// Trading config
	cfg.TradingConfig.AutoTradeEnabled = getEnvOrDefault("AUTO_TRADE_ENABLED", "true") == "true"
	cfg.TradingConfig.SignalIntervalSecs = getEnvIntOrDefault("SIGNAL_INTERVAL_SECS", defaultInt(cfg.TradingConfig.SignalIntervalSecs, 10))
	cfg.TradingConfig.SignalIntervalLowSecs = getEnvIntOrDefault("SIGNAL_INTERVAL_LOW_SECS", defaultInt(cfg.TradingConfig.SignalIntervalLowSecs, 20))
	cfg.TradingConfig.SignalIntervalHighSecs = getEnvIntOrDefault("SIGNAL_INTERVAL_HIGH_SECS", defaultInt(cfg.TradingConfig.SignalIntervalHighSecs, 5))
	cfg.TradingConfig.AutoTradeIntervalSecs = getEnvIntOrDefault("AUTO_TRADE_INTERVAL_SECS", defaultInt(cfg.TradingConfig.AutoTradeIntervalSecs, 10))
	cfg.TradingConfig.MaxSignalAgeSecs = getEnvIntOrDefault("MAX_SIGNAL_AGE_SECS", defaultInt(cfg.TradingConfig.MaxSignalAgeSecs, 300))
	cfg.TradingConfig.SignalWarnAgeSecs = getEnvIntOrDefault("SIGNAL_WARN_AGE_SECS", defaultInt(cfg.TradingConfig.SignalWarnAgeSecs, 120))
	cfg.TradingConfig.SignalActiveTTLMins = getEnvIntOrDefault("SIGNAL_ACTIVE_TTL_MINS", defaultInt(cfg.TradingConfig.SignalActiveTTLMins, 10))
	cfg.TradingConfig.SignalExpiredTTLMins = getEnvIntOrDefault("SIGNAL_EXPIRED_TTL_MINS", defaultInt(cfg.TradingConfig.SignalExpiredTTLMins, 2))
	cfg.TradingConfig.MaxOpenPositions = getEnvIntOrDefault("MAX_OPEN_POSITIONS", defaultInt(cfg.TradingConfig.MaxOpenPositions, 10))
	cfg.TradingConfig.MaxCorrelatedPositions = getEnvIntOrDefault("MAX_CORRELATED_POSITIONS", defaultInt(cfg.TradingConfig.MaxCorrelatedPositions, 2))
	cfg.TradingConfig.BuySignalAdvantage = getEnvIntOrDefault("BUY_SIGNAL_ADVANTAGE", defaultInt(cfg.TradingConfig.BuySignalAdvantage, 2))
	cfg.TradingConfig.BuyConfidencePenalty = getEnvFloatOrDefault("BUY_CONFIDENCE_PENALTY", defaultFloat(cfg.TradingConfig.BuyConfidencePenalty, 3.0))
	cfg.TradingConfig.HeartbeatCommandBatch = getEnvIntOrDefault("HEARTBEAT_COMMAND_BATCH", defaultInt(cfg.TradingConfig.HeartbeatCommandBatch, 10))
	cfg.TradingConfig.CommandTimeoutMins = getEnvIntOrDefault("COMMAND_TIMEOUT_MINS", defaultInt(cfg.TradingConfig.CommandTimeoutMins, 5))
	cfg.TradingConfig.CommandRedeliveryMins = getEnvIntOrDefault("COMMAND_REDELIVERY_MINS", defaultInt(cfg.TradingConfig.CommandRedeliveryMins, 2))
	cfg.TradingConfig.CommandMaxRedeliveries = getEnvIntOrDefault("COMMAND_MAX_REDELIVERIES", defaultInt(cfg.TradingConfig.CommandMaxRedeliveries, 2))
	cfg.TradingConfig.PendingCommandAlertSize = getEnvIntOrDefault("PENDING_COMMAND_ALERT_SIZE", defaultInt(cfg.TradingConfig.PendingCommandAlertSize, 50))
	cfg.TradingConfig.TickBatchSize = getEnvIntOrDefault("TICK_BATCH_SIZE", defaultInt(cfg.TradingConfig.TickBatchSize, 1000))
	cfg.TradingConfig.TickFlushIntervalSecs = getEnvIntOrDefault("TICK_FLUSH_INTERVAL_SECS", defaultInt(cfg.TradingConfig.TickFlushIntervalSecs, 2))
	cfg.TradingConfig.TickRetentionDays = getEnvIntOrDefault("TICK_RETENTION_DAYS", defaultInt(cfg.TradingConfig.TickRetentionDays, 7))
	cfg.TradingConfig.StaleTickMaxAgeSecs = getEnvIntOrDefault("STALE_TICK_MAX_AGE_SECS", defaultInt(cfg.TradingConfig.StaleTickMaxAgeSecs, 60))
	cfg.TradingConfig.HeartbeatTimeoutSecs = getEnvIntOrDefault("HEARTBEAT_TIMEOUT_SECS", defaultInt(cfg.TradingConfig.HeartbeatTimeoutSecs, 60))
	if len(cfg.TradingConfig.Timeframes) == 0 {
		cfg.TradingConfig.Timeframes = []string{"M5", "M15", "H1"}
	}

	// Risk config
	cfg.RiskConfig.DefaultProfile = getEnvOrDefault("RISK_PROFILE", defaultString(cfg.RiskConfig.DefaultProfile, "moderate"))
	cfg.RiskConfig.MaxDailyLossPercent = getEnvFloatOrDefault("RISK_MAX_DAILY_LOSS", defaultFloat(cfg.RiskConfig.MaxDailyLossPercent, 5.0))
	cfg.RiskConfig.MaxDrawdownPercent = getEnvFloatOrDefault("RISK_MAX_DRAWDOWN", defaultFloat(cfg.RiskConfig.MaxDrawdownPercent, 20.0))
	cfg.RiskConfig.MaxConsecutiveCommandFailures = getEnvIntOrDefault("RISK_MAX_COMMAND_FAILURES", defaultInt(cfg.RiskConfig.MaxConsecutiveCommandFailures, 3))
	cfg.RiskConfig.BreakerCooldownMins = getEnvIntOrDefault("RISK_BREAKER_COOLDOWN_MINS", defaultInt(cfg.RiskConfig.BreakerCooldownMins, 5))
	cfg.RiskConfig.SoftWarningPercent = getEnvFloatOrDefault("RISK_SOFT_WARNING", defaultFloat(cfg.RiskConfig.SoftWarningPercent, 3.0))
	cfg.RiskConfig.EmergencyClosePercent = getEnvFloatOrDefault("RISK_EMERGENCY_CLOSE", defaultFloat(cfg.RiskConfig.EmergencyClosePercent, 10.0))
	cfg.RiskConfig.DrawdownCheckIntervalSecs = getEnvIntOrDefault("RISK_DRAWDOWN_INTERVAL_SECS", defaultInt(cfg.RiskConfig.DrawdownCheckIntervalSecs, 60))
	cfg.RiskConfig.MinRiskReward = getEnvFloatOrDefault("RISK_MIN_RR", defaultFloat(cfg.RiskConfig.MinRiskReward, 1.2))
	cfg.RiskConfig.MaxRiskReward = getEnvFloatOrDefault("RISK_MAX_RR", defaultFloat(cfg.RiskConfig.MaxRiskReward, 6.0))
	if cfg.RiskConfig.MaxSymbolLossEUR == nil {
		cfg.RiskConfig.MaxSymbolLossEUR = map[string]float64{"XAUUSD": 5.50}
	}

	// Monitor config
	cfg.MonitorConfig.IntervalSecs = getEnvIntOrDefault("MONITOR_INTERVAL_SECS", defaultInt(cfg.MonitorConfig.IntervalSecs, 5))
	cfg.MonitorConfig.MinSLDistancePoints = getEnvFloatOrDefault("MONITOR_MIN_SL_DISTANCE_POINTS", defaultFloat(cfg.MonitorConfig.MinSLDistancePoints, 10))
	cfg.MonitorConfig.MaxSLMovePoints = getEnvFloatOrDefault("MONITOR_MAX_SL_MOVE_POINTS", defaultFloat(cfg.MonitorConfig.MaxSLMovePoints, 100))
	cfg.MonitorConfig.TrailMinIntervalSecs = getEnvIntOrDefault("MONITOR_TRAIL_MIN_INTERVAL_SECS", defaultInt(cfg.MonitorConfig.TrailMinIntervalSecs, 5))
	cfg.MonitorConfig.BreakEvenOffsetPoints = getEnvFloatOrDefault("MONITOR_BREAK_EVEN_OFFSET_POINTS", defaultFloat(cfg.MonitorConfig.BreakEvenOffsetPoints, 5))
	cfg.MonitorConfig.MaxHoldScalpMins = getEnvIntOrDefault("MONITOR_MAX_HOLD_SCALP_MINS", defaultInt(cfg.MonitorConfig.MaxHoldScalpMins, 60))
	cfg.MonitorConfig.MaxHoldSwingMins = getEnvIntOrDefault("MONITOR_MAX_HOLD_SWING_MINS", defaultInt(cfg.MonitorConfig.MaxHoldSwingMins, 1440))
	cfg.MonitorConfig.RevalidateLossEUR = getEnvFloatOrDefault("MONITOR_REVALIDATE_LOSS_EUR", defaultFloat(cfg.MonitorConfig.RevalidateLossEUR, 5.0))
	cfg.MonitorConfig.StaleReconcileMisses = getEnvIntOrDefault("MONITOR_STALE_RECONCILE_MISSES", defaultInt(cfg.MonitorConfig.StaleReconcileMisses, 2))
	cfg.MonitorConfig.ReconcileIntervalSecs = getEnvIntOrDefault("MONITOR_RECONCILE_INTERVAL_SECS", defaultInt(cfg.MonitorConfig.ReconcileIntervalSecs, 30))
	cfg.MonitorConfig.CleanupIntervalSecs = getEnvIntOrDefault("MONITOR_CLEANUP_INTERVAL_SECS", defaultInt(cfg.MonitorConfig.CleanupIntervalSecs, 60))

	// Shadow config
	cfg.ShadowConfig.IntervalSecs = getEnvIntOrDefault("SHADOW_INTERVAL_SECS", defaultInt(cfg.ShadowConfig.IntervalSecs, 5))
	cfg.ShadowConfig.RecoveryWindowDays = getEnvIntOrDefault("SHADOW_RECOVERY_WINDOW_DAYS", defaultInt(cfg.ShadowConfig.RecoveryWindowDays, 30))
	cfg.ShadowConfig.RecoveryMinWinRate = getEnvFloatOrDefault("SHADOW_RECOVERY_MIN_WIN_RATE", defaultFloat(cfg.ShadowConfig.RecoveryMinWinRate, 65.0))
	cfg.ShadowConfig.RecoveryMinProfit = getEnvFloatOrDefault("SHADOW_RECOVERY_MIN_PROFIT", defaultFloat(cfg.ShadowConfig.RecoveryMinProfit, 20.0))
	cfg.ShadowConfig.RecoveryMinTrades = getEnvIntOrDefault("SHADOW_RECOVERY_MIN_TRADES", defaultInt(cfg.ShadowConfig.RecoveryMinTrades, 20))
	cfg.ShadowConfig.RecoveryHourUTC = getEnvIntOrDefault("SHADOW_RECOVERY_HOUR_UTC", defaultInt(cfg.ShadowConfig.RecoveryHourUTC, 3))

	// News config
	cfg.NewsConfig.Enabled = getEnvOrDefault("NEWS_ENABLED", "false") == "true"
	cfg.NewsConfig.FeedURL = getEnvOrDefault("NEWS_FEED_URL", cfg.NewsConfig.FeedURL)
	cfg.NewsConfig.RefreshMins = getEnvIntOrDefault("NEWS_REFRESH_MINS", defaultInt(cfg.NewsConfig.RefreshMins, 60))
	cfg.NewsConfig.PauseBeforeMins = getEnvIntOrDefault("NEWS_PAUSE_BEFORE_MINS", defaultInt(cfg.NewsConfig.PauseBeforeMins, 15))
	cfg.NewsConfig.PauseAfterMins = getEnvIntOrDefault("NEWS_PAUSE_AFTER_MINS", defaultInt(cfg.NewsConfig.PauseAfterMins, 15))
	cfg.NewsConfig.RequestTimeoutSec = getEnvIntOrDefault("NEWS_REQUEST_TIMEOUT_SEC", defaultInt(cfg.NewsConfig.RequestTimeoutSec, 5))

	// ML scorer config
	cfg.MLConfig.Enabled = getEnvOrDefault("ML_ENABLED", "false") == "true"
	cfg.MLConfig.ScorerURL = getEnvOrDefault("ML_SCORER_URL", cfg.MLConfig.ScorerURL)
	cfg.MLConfig.RequestTimeoutSec = getEnvIntOrDefault("ML_REQUEST_TIMEOUT_SEC", defaultInt(cfg.MLConfig.RequestTimeoutSec, 3))

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", "false") == "true"
	cfg.NotificationConfig.Telegram.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", "false") == "true"
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvOrDefault("DISCORD_ENABLED", "false") == "true"
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", defaultString(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", defaultString(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", defaultString(cfg.VaultConfig.SecretPath, "mt5-trading/api-keys"))

	// Auth config
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.TokenDuration = getEnvDurationOrDefault("AUTH_TOKEN_DURATION", 12*time.Hour)
	cfg.AuthConfig.OperatorUser = getEnvOrDefault("AUTH_OPERATOR_USER", defaultString(cfg.AuthConfig.OperatorUser, "operator"))
	cfg.AuthConfig.OperatorPasswordHash = getEnvOrDefault("AUTH_OPERATOR_PASSWORD_HASH", cfg.AuthConfig.OperatorPasswordHash)

	// Broker time display offset
	cfg.BrokerTimeConfig.UTCOffsetHours = getEnvIntOrDefault("BROKER_UTC_OFFSET_HOURS", defaultInt(cfg.BrokerTimeConfig.UTCOffsetHours, 2))
}

// validate rejects configurations the process cannot safely start with.
func (c *Config) validate() error {
	if c.DatabaseConfig.Host == "" || c.DatabaseConfig.Database == "" {
		return fmt.Errorf("database host and name are required")
	}
	ports := []int{
		c.ServerConfig.ControlPort, c.ServerConfig.TickPort,
		c.ServerConfig.TradePort, c.ServerConfig.LogPort, c.ServerConfig.DashboardPort,
	}
	seen := make(map[int]bool)
	for _, p := range ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("invalid listener port %d", p)
		}
		if seen[p] {
			return fmt.Errorf("duplicate listener port %d", p)
		}
		seen[p] = true
	}
	if c.TradingConfig.TickBatchSize <= 0 || c.TradingConfig.TickFlushIntervalSecs <= 0 {
		return fmt.Errorf("tick writer batch size and flush interval must be positive")
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func defaultString(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

func defaultInt(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

func defaultFloat(v, d float64) float64 {
	if v == 0 {
		return d
	}
	return v
}
