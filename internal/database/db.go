package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "Database").Logger()
	log.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		// Accounts keyed by the MT5 login number. Breaker state and the
		// auto-trading flag live here so a restart reloads them.
		`CREATE TABLE IF NOT EXISTS accounts (
			account_id BIGINT PRIMARY KEY,
			broker VARCHAR(100) NOT NULL DEFAULT '',
			platform VARCHAR(50) NOT NULL DEFAULT 'MT5',
			api_key VARCHAR(64) NOT NULL,
			balance DECIMAL(20, 2) NOT NULL DEFAULT 0,
			equity DECIMAL(20, 2) NOT NULL DEFAULT 0,
			margin DECIMAL(20, 2) NOT NULL DEFAULT 0,
			free_margin DECIMAL(20, 2) NOT NULL DEFAULT 0,
			profit_today DECIMAL(20, 2) NOT NULL DEFAULT 0,
			profit_week DECIMAL(20, 2) NOT NULL DEFAULT 0,
			profit_month DECIMAL(20, 2) NOT NULL DEFAULT 0,
			profit_year DECIMAL(20, 2) NOT NULL DEFAULT 0,
			balance_start_of_day DECIMAL(20, 2) NOT NULL DEFAULT 0,
			balance_sod_date DATE,
			peak_balance DECIMAL(20, 2) NOT NULL DEFAULT 0,
			last_heartbeat TIMESTAMP,
			connected BOOLEAN NOT NULL DEFAULT FALSE,
			risk_profile VARCHAR(20) NOT NULL DEFAULT 'moderate',
			auto_trading_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			breaker_tripped BOOLEAN NOT NULL DEFAULT FALSE,
			breaker_reason TEXT NOT NULL DEFAULT '',
			breaker_tripped_at TIMESTAMP,
			command_failure_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_api_key ON accounts(api_key)`,

		// Global broker symbol specs, written by the EA on connect
		`CREATE TABLE IF NOT EXISTS broker_symbols (
			instrument VARCHAR(20) PRIMARY KEY,
			digits INT NOT NULL DEFAULT 5,
			point DECIMAL(20, 10) NOT NULL,
			min_volume DECIMAL(12, 4) NOT NULL,
			max_volume DECIMAL(12, 4) NOT NULL DEFAULT 100,
			volume_step DECIMAL(12, 4) NOT NULL DEFAULT 0.01,
			contract_size DECIMAL(20, 4) NOT NULL DEFAULT 100000,
			tick_size DECIMAL(20, 10) NOT NULL DEFAULT 0,
			tick_value DECIMAL(20, 8) NOT NULL DEFAULT 0,
			stops_level INT NOT NULL DEFAULT 0,
			max_spread_pips DECIMAL(10, 2) NOT NULL DEFAULT 3,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS subscribed_symbols (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(account_id),
			instrument VARCHAR(20) NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			shadow_mode BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (account_id, instrument)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscribed_symbols_account ON subscribed_symbols(account_id)`,

		// Ticks are global: identical for every observer, deduplicated by
		// (instrument, timestamp).
		`CREATE TABLE IF NOT EXISTS ticks (
			instrument VARCHAR(20) NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			bid DECIMAL(20, 8) NOT NULL,
			ask DECIMAL(20, 8) NOT NULL,
			volume DECIMAL(20, 4) NOT NULL DEFAULT 0,
			tradeable BOOLEAN NOT NULL DEFAULT TRUE,
			PRIMARY KEY (instrument, timestamp)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_instrument_ts ON ticks(instrument, timestamp DESC)`,

		`CREATE TABLE IF NOT EXISTS ohlc_data (
			instrument VARCHAR(20) NOT NULL,
			timeframe VARCHAR(5) NOT NULL,
			bar_time TIMESTAMP NOT NULL,
			open DECIMAL(20, 8) NOT NULL,
			high DECIMAL(20, 8) NOT NULL,
			low DECIMAL(20, 8) NOT NULL,
			close DECIMAL(20, 8) NOT NULL,
			volume DECIMAL(20, 4) NOT NULL DEFAULT 0,
			PRIMARY KEY (instrument, timeframe, bar_time)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ohlc_lookup ON ohlc_data(instrument, timeframe, bar_time DESC)`,

		`CREATE TABLE IF NOT EXISTS trading_signals (
			id UUID PRIMARY KEY,
			instrument VARCHAR(20) NOT NULL,
			timeframe VARCHAR(5) NOT NULL,
			direction VARCHAR(4) NOT NULL,
			confidence DECIMAL(5, 2) NOT NULL,
			suggested_entry DECIMAL(20, 8) NOT NULL DEFAULT 0,
			suggested_sl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			suggested_tp DECIMAL(20, 8) NOT NULL DEFAULT 0,
			status VARCHAR(12) NOT NULL DEFAULT 'active',
			is_valid BOOLEAN NOT NULL DEFAULT TRUE,
			invalid_reason TEXT NOT NULL DEFAULT '',
			snapshot JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMP NOT NULL
		)`,
		// The one-active-signal invariant per (instrument, timeframe, direction)
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_signals_one_active
			ON trading_signals(instrument, timeframe, direction) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_signals_status_created ON trading_signals(status, created_at)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(account_id),
			ticket BIGINT NOT NULL,
			instrument VARCHAR(20) NOT NULL,
			direction VARCHAR(4) NOT NULL,
			volume DECIMAL(12, 4) NOT NULL,
			open_price DECIMAL(20, 8) NOT NULL,
			open_time TIMESTAMP NOT NULL,
			close_price DECIMAL(20, 8),
			close_time TIMESTAMP,
			sl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			tp DECIMAL(20, 8) NOT NULL DEFAULT 0,
			initial_sl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			initial_tp DECIMAL(20, 8) NOT NULL DEFAULT 0,
			profit DECIMAL(20, 2) NOT NULL DEFAULT 0,
			commission DECIMAL(20, 2) NOT NULL DEFAULT 0,
			swap DECIMAL(20, 2) NOT NULL DEFAULT 0,
			status VARCHAR(10) NOT NULL DEFAULT 'open',
			source VARCHAR(12) NOT NULL DEFAULT 'ea_command',
			close_reason VARCHAR(20) NOT NULL DEFAULT '',
			signal_id UUID,
			command_id UUID,
			session VARCHAR(12) NOT NULL DEFAULT '',
			trailing_stop_active BOOLEAN NOT NULL DEFAULT FALSE,
			trailing_stop_moves INT NOT NULL DEFAULT 0,
			trailing_stage INT NOT NULL DEFAULT 0,
			tp_extended_count INT NOT NULL DEFAULT 0,
			partial_closes INT NOT NULL DEFAULT 0,
			hold_duration_minutes INT,
			pips_captured DECIMAL(12, 2),
			risk_reward_realized DECIMAL(12, 4),
			mfe DECIMAL(20, 2) NOT NULL DEFAULT 0,
			mae DECIMAL(20, 2) NOT NULL DEFAULT 0,
			entry_volatility DECIMAL(20, 8),
			entry_spread DECIMAL(20, 8),
			entry_bid DECIMAL(20, 8),
			entry_ask DECIMAL(20, 8),
			reconcile_misses INT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (account_id, ticket)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_account_open
			ON trades(account_id, status) WHERE status = 'open'`,
		`CREATE INDEX IF NOT EXISTS idx_trades_close_time ON trades(close_time DESC) WHERE close_time IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_trades_command ON trades(command_id) WHERE command_id IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS commands (
			id UUID PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(account_id),
			client_command_id VARCHAR(64) NOT NULL,
			command_type VARCHAR(24) NOT NULL,
			payload JSONB NOT NULL,
			status VARCHAR(12) NOT NULL DEFAULT 'pending',
			ticket BIGINT,
			signal_id UUID,
			delivery_attempts INT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			timeout_at TIMESTAMP NOT NULL,
			picked_at TIMESTAMP,
			completed_at TIMESTAMP,
			error_message TEXT NOT NULL DEFAULT '',
			response JSONB,
			UNIQUE (account_id, client_command_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_pending
			ON commands(account_id, created_at) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_commands_in_flight
			ON commands(picked_at) WHERE status = 'in_flight'`,

		`CREATE TABLE IF NOT EXISTS shadow_trades (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(account_id),
			instrument VARCHAR(20) NOT NULL,
			direction VARCHAR(4) NOT NULL,
			volume DECIMAL(12, 4) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			entry_time TIMESTAMP NOT NULL,
			exit_price DECIMAL(20, 8),
			exit_time TIMESTAMP,
			sl DECIMAL(20, 8) NOT NULL,
			tp DECIMAL(20, 8) NOT NULL,
			exit_reason VARCHAR(20) NOT NULL DEFAULT '',
			hypothetical_profit DECIMAL(20, 2),
			signal_id UUID,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_shadow_trades_open
			ON shadow_trades(account_id, instrument) WHERE exit_time IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_shadow_trades_exit
			ON shadow_trades(exit_time DESC) WHERE exit_time IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS symbol_trading_configs (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(account_id),
			instrument VARCHAR(20) NOT NULL,
			direction VARCHAR(4) NOT NULL,
			status VARCHAR(14) NOT NULL DEFAULT 'active',
			min_confidence_threshold DECIMAL(5, 2) NOT NULL DEFAULT 60,
			risk_multiplier DECIMAL(4, 2) NOT NULL DEFAULT 1.0,
			consecutive_wins INT NOT NULL DEFAULT 0,
			consecutive_losses INT NOT NULL DEFAULT 0,
			rolling_winrate DECIMAL(5, 2) NOT NULL DEFAULT 0,
			rolling_trades_count INT NOT NULL DEFAULT 0,
			pause_reason TEXT NOT NULL DEFAULT '',
			paused_at TIMESTAMP,
			paused_until TIMESTAMP,
			updated_by VARCHAR(32) NOT NULL DEFAULT 'system',
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (account_id, instrument, direction)
		)`,

		`CREATE TABLE IF NOT EXISTS indicator_scores (
			id BIGSERIAL PRIMARY KEY,
			instrument VARCHAR(20) NOT NULL,
			timeframe VARCHAR(5) NOT NULL,
			indicator VARCHAR(30) NOT NULL,
			evaluated_signals INT NOT NULL DEFAULT 0,
			correct_signals INT NOT NULL DEFAULT 0,
			score DECIMAL(5, 2) NOT NULL DEFAULT 50,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (instrument, timeframe, indicator)
		)`,

		`CREATE TABLE IF NOT EXISTS ea_logs (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(account_id),
			level VARCHAR(10) NOT NULL,
			message TEXT NOT NULL,
			details JSONB,
			timestamp TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ea_logs_account_ts ON ea_logs(account_id, timestamp DESC)`,

		`CREATE TABLE IF NOT EXISTS ai_decisions (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT,
			decision_type VARCHAR(30) NOT NULL,
			instrument VARCHAR(20) NOT NULL DEFAULT '',
			outcome VARCHAR(20) NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			context JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_decisions_type_ts ON ai_decisions(decision_type, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_decisions_account_ts ON ai_decisions(account_id, created_at DESC)`,

		// updated_at trigger
		`CREATE OR REPLACE FUNCTION update_updated_at_column()
		RETURNS TRIGGER AS $$
		BEGIN
			NEW.updated_at = CURRENT_TIMESTAMP;
			RETURN NEW;
		END;
		$$ language 'plpgsql'`,

		`DROP TRIGGER IF EXISTS update_accounts_updated_at ON accounts`,
		`CREATE TRIGGER update_accounts_updated_at BEFORE UPDATE ON accounts
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_trades_updated_at ON trades`,
		`CREATE TRIGGER update_trades_updated_at BEFORE UPDATE ON trades
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_symbol_configs_updated_at ON symbol_trading_configs`,
		`CREATE TRIGGER update_symbol_configs_updated_at BEFORE UPDATE ON symbol_trading_configs
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("Database migrations completed")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
