package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Repository provides database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck pings the underlying pool
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// ==================== Accounts ====================

// UpsertAccount registers an account on first connect or refreshes its
// static fields on reconnect. The API key is only written on insert; a
// reconnect keeps the key issued at registration.
func (r *Repository) UpsertAccount(ctx context.Context, acc *Account) error {
	query := `
		INSERT INTO accounts (account_id, broker, platform, api_key, balance, equity,
			margin, free_margin, balance_start_of_day, balance_sod_date, peak_balance,
			last_heartbeat, connected, risk_profile)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $5, CURRENT_DATE, $5, NOW(), TRUE, $9)
		ON CONFLICT (account_id) DO UPDATE SET
			broker = EXCLUDED.broker,
			platform = EXCLUDED.platform,
			balance = EXCLUDED.balance,
			equity = EXCLUDED.equity,
			margin = EXCLUDED.margin,
			free_margin = EXCLUDED.free_margin,
			last_heartbeat = NOW(),
			connected = TRUE
		RETURNING api_key`

	return r.db.Pool.QueryRow(ctx, query,
		acc.AccountID, acc.Broker, acc.Platform, acc.APIKey,
		acc.Balance, acc.Equity, acc.Margin, acc.FreeMargin, acc.RiskProfile,
	).Scan(&acc.APIKey)
}

// GetAccount retrieves an account by its MT5 login
func (r *Repository) GetAccount(ctx context.Context, accountID int64) (*Account, error) {
	query := `
		SELECT account_id, broker, platform, api_key, balance, equity, margin, free_margin,
			profit_today, profit_week, profit_month, profit_year,
			balance_start_of_day, balance_sod_date, peak_balance,
			last_heartbeat, connected, risk_profile, auto_trading_enabled,
			breaker_tripped, breaker_reason, breaker_tripped_at, command_failure_count,
			created_at, updated_at
		FROM accounts WHERE account_id = $1`

	return r.scanAccount(r.db.Pool.QueryRow(ctx, query, accountID))
}

// GetAccountByAPIKey authenticates an inbound request
func (r *Repository) GetAccountByAPIKey(ctx context.Context, apiKey string) (*Account, error) {
	query := `
		SELECT account_id, broker, platform, api_key, balance, equity, margin, free_margin,
			profit_today, profit_week, profit_month, profit_year,
			balance_start_of_day, balance_sod_date, peak_balance,
			last_heartbeat, connected, risk_profile, auto_trading_enabled,
			breaker_tripped, breaker_reason, breaker_tripped_at, command_failure_count,
			created_at, updated_at
		FROM accounts WHERE api_key = $1`

	return r.scanAccount(r.db.Pool.QueryRow(ctx, query, apiKey))
}

// ListAccounts returns all registered accounts
func (r *Repository) ListAccounts(ctx context.Context) ([]*Account, error) {
	query := `
		SELECT account_id, broker, platform, api_key, balance, equity, margin, free_margin,
			profit_today, profit_week, profit_month, profit_year,
			balance_start_of_day, balance_sod_date, peak_balance,
			last_heartbeat, connected, risk_profile, auto_trading_enabled,
			breaker_tripped, breaker_reason, breaker_tripped_at, command_failure_count,
			created_at, updated_at
		FROM accounts ORDER BY account_id`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acc, err := r.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// ListConnectedAccounts returns accounts whose heartbeat is fresh
func (r *Repository) ListConnectedAccounts(ctx context.Context) ([]*Account, error) {
	query := `
		SELECT account_id, broker, platform, api_key, balance, equity, margin, free_margin,
			profit_today, profit_week, profit_month, profit_year,
			balance_start_of_day, balance_sod_date, peak_balance,
			last_heartbeat, connected, risk_profile, auto_trading_enabled,
			breaker_tripped, breaker_reason, breaker_tripped_at, command_failure_count,
			created_at, updated_at
		FROM accounts WHERE connected = TRUE ORDER BY account_id`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list connected accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acc, err := r.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// UpdateAccountState applies a heartbeat snapshot. Start-of-day balance
// rolls over when the stored SOD date is behind the heartbeat date, and
// the peak balance ratchets up, never down.
func (r *Repository) UpdateAccountState(ctx context.Context, accountID int64, balance, equity, margin, freeMargin float64) error {
	query := `
		UPDATE accounts SET
			balance = $2,
			equity = $3,
			margin = $4,
			free_margin = $5,
			balance_start_of_day = CASE
				WHEN balance_sod_date IS NULL OR balance_sod_date < CURRENT_DATE THEN $2
				ELSE balance_start_of_day
			END,
			balance_sod_date = CASE
				WHEN balance_sod_date IS NULL OR balance_sod_date < CURRENT_DATE THEN CURRENT_DATE
				ELSE balance_sod_date
			END,
			peak_balance = GREATEST(peak_balance, $2),
			last_heartbeat = NOW(),
			connected = TRUE
		WHERE account_id = $1`

	_, err := r.db.Pool.Exec(ctx, query, accountID, balance, equity, margin, freeMargin)
	return err
}

// UpdateAccountProfits refreshes the rolling profit aggregates
func (r *Repository) UpdateAccountProfits(ctx context.Context, accountID int64, today, week, month, year float64) error {
	query := `
		UPDATE accounts SET profit_today = $2, profit_week = $3, profit_month = $4, profit_year = $5
		WHERE account_id = $1`
	_, err := r.db.Pool.Exec(ctx, query, accountID, today, week, month, year)
	return err
}

// MarkAccountDisconnected flags accounts whose heartbeat went stale
func (r *Repository) MarkAccountDisconnected(ctx context.Context, accountID int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE accounts SET connected = FALSE WHERE account_id = $1`, accountID)
	return err
}

// ListStaleAccounts returns connected accounts without a heartbeat since the cutoff
func (r *Repository) ListStaleAccounts(ctx context.Context, cutoff time.Time) ([]int64, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT account_id FROM accounts WHERE connected = TRUE AND (last_heartbeat IS NULL OR last_heartbeat < $1)`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetAutoTrading toggles automated trading for an account
func (r *Repository) SetAutoTrading(ctx context.Context, accountID int64, enabled bool) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE accounts SET auto_trading_enabled = $2 WHERE account_id = $1`, accountID, enabled)
	return err
}

// SetRiskProfile changes the account risk profile
func (r *Repository) SetRiskProfile(ctx context.Context, accountID int64, profile string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE accounts SET risk_profile = $2 WHERE account_id = $1`, accountID, profile)
	return err
}

// SetBreakerState persists circuit breaker transitions so a restart
// resumes in the tripped state rather than silently re-arming.
func (r *Repository) SetBreakerState(ctx context.Context, accountID int64, tripped bool, reason string) error {
	query := `
		UPDATE accounts SET
			breaker_tripped = $2,
			breaker_reason = $3,
			breaker_tripped_at = CASE WHEN $2 THEN NOW() ELSE NULL END
		WHERE account_id = $1`
	_, err := r.db.Pool.Exec(ctx, query, accountID, tripped, reason)
	return err
}

// IncrementCommandFailures bumps the consecutive failure counter and
// returns the new value.
func (r *Repository) IncrementCommandFailures(ctx context.Context, accountID int64) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`UPDATE accounts SET command_failure_count = command_failure_count + 1
		 WHERE account_id = $1 RETURNING command_failure_count`, accountID).Scan(&count)
	return count, err
}

// ResetCommandFailures clears the consecutive failure counter
func (r *Repository) ResetCommandFailures(ctx context.Context, accountID int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE accounts SET command_failure_count = 0 WHERE account_id = $1`, accountID)
	return err
}

func (r *Repository) scanAccount(row pgx.Row) (*Account, error) {
	acc := &Account{}
	err := row.Scan(
		&acc.AccountID, &acc.Broker, &acc.Platform, &acc.APIKey,
		&acc.Balance, &acc.Equity, &acc.Margin, &acc.FreeMargin,
		&acc.ProfitToday, &acc.ProfitWeek, &acc.ProfitMonth, &acc.ProfitYear,
		&acc.BalanceStartOfDay, &acc.BalanceSODDate, &acc.PeakBalance,
		&acc.LastHeartbeat, &acc.Connected, &acc.RiskProfile, &acc.AutoTradingEnabled,
		&acc.BreakerTripped, &acc.BreakerReason, &acc.BreakerTrippedAt, &acc.CommandFailureCount,
		&acc.CreatedAt, &acc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return acc, nil
}

// ==================== Broker Symbols ====================

// UpsertBrokerSymbol stores the broker's contract specification for an instrument
func (r *Repository) UpsertBrokerSymbol(ctx context.Context, s *BrokerSymbol) error {
	query := `
		INSERT INTO broker_symbols (instrument, digits, point, min_volume, max_volume,
			volume_step, contract_size, tick_size, tick_value, stops_level, max_spread_pips, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (instrument) DO UPDATE SET
			digits = EXCLUDED.digits,
			point = EXCLUDED.point,
			min_volume = EXCLUDED.min_volume,
			max_volume = EXCLUDED.max_volume,
			volume_step = EXCLUDED.volume_step,
			contract_size = EXCLUDED.contract_size,
			tick_size = EXCLUDED.tick_size,
			tick_value = EXCLUDED.tick_value,
			stops_level = EXCLUDED.stops_level,
			max_spread_pips = EXCLUDED.max_spread_pips,
			updated_at = NOW()`

	_, err := r.db.Pool.Exec(ctx, query,
		s.Instrument, s.Digits, s.Point, s.MinVolume, s.MaxVolume,
		s.VolumeStep, s.ContractSize, s.TickSize, s.TickValue, s.StopsLevel, s.MaxSpreadPips)
	return err
}

// GetBrokerSymbol retrieves the contract spec for an instrument
func (r *Repository) GetBrokerSymbol(ctx context.Context, instrument string) (*BrokerSymbol, error) {
	query := `
		SELECT instrument, digits, point, min_volume, max_volume, volume_step,
			contract_size, tick_size, tick_value, stops_level, max_spread_pips, updated_at
		FROM broker_symbols WHERE instrument = $1`

	s := &BrokerSymbol{}
	err := r.db.Pool.QueryRow(ctx, query, instrument).Scan(
		&s.Instrument, &s.Digits, &s.Point, &s.MinVolume, &s.MaxVolume, &s.VolumeStep,
		&s.ContractSize, &s.TickSize, &s.TickValue, &s.StopsLevel, &s.MaxSpreadPips, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get broker symbol %s: %w", instrument, err)
	}
	return s, nil
}

// ListBrokerSymbols returns all known contract specs
func (r *Repository) ListBrokerSymbols(ctx context.Context) ([]*BrokerSymbol, error) {
	query := `
		SELECT instrument, digits, point, min_volume, max_volume, volume_step,
			contract_size, tick_size, tick_value, stops_level, max_spread_pips, updated_at
		FROM broker_symbols ORDER BY instrument`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list broker symbols: %w", err)
	}
	defer rows.Close()

	var symbols []*BrokerSymbol
	for rows.Next() {
		s := &BrokerSymbol{}
		if err := rows.Scan(
			&s.Instrument, &s.Digits, &s.Point, &s.MinVolume, &s.MaxVolume, &s.VolumeStep,
			&s.ContractSize, &s.TickSize, &s.TickValue, &s.StopsLevel, &s.MaxSpreadPips, &s.UpdatedAt); err != nil {
			return nil, err
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

// ==================== Subscribed Symbols ====================

// UpsertSubscribedSymbol records that an account streams an instrument
func (r *Repository) UpsertSubscribedSymbol(ctx context.Context, accountID int64, instrument string) error {
	query := `
		INSERT INTO subscribed_symbols (account_id, instrument, active)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (account_id, instrument) DO UPDATE SET active = TRUE`
	_, err := r.db.Pool.Exec(ctx, query, accountID, instrument)
	return err
}

// SetSymbolShadowMode flags a subscription as shadow-only
func (r *Repository) SetSymbolShadowMode(ctx context.Context, accountID int64, instrument string, shadow bool) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE subscribed_symbols SET shadow_mode = $3 WHERE account_id = $1 AND instrument = $2`,
		accountID, instrument, shadow)
	return err
}

// ListSubscribedSymbols returns the active subscriptions for an account
func (r *Repository) ListSubscribedSymbols(ctx context.Context, accountID int64) ([]*SubscribedSymbol, error) {
	query := `
		SELECT id, account_id, instrument, active, shadow_mode, created_at
		FROM subscribed_symbols WHERE account_id = $1 AND active = TRUE ORDER BY instrument`

	rows, err := r.db.Pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribed symbols: %w", err)
	}
	defer rows.Close()

	var subs []*SubscribedSymbol
	for rows.Next() {
		s := &SubscribedSymbol{}
		if err := rows.Scan(&s.ID, &s.AccountID, &s.Instrument, &s.Active, &s.ShadowMode, &s.CreatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// ListAllSubscribedInstruments returns the distinct instruments any
// connected account is streaming. The signal generator iterates these.
func (r *Repository) ListAllSubscribedInstruments(ctx context.Context) ([]string, error) {
	query := `
		SELECT DISTINCT ss.instrument
		FROM subscribed_symbols ss
		JOIN accounts a ON a.account_id = ss.account_id
		WHERE ss.active = TRUE AND a.connected = TRUE
		ORDER BY ss.instrument`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribed instruments: %w", err)
	}
	defer rows.Close()

	var instruments []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		instruments = append(instruments, name)
	}
	return instruments, rows.Err()
}

// ==================== EA Logs ====================

// InsertEALog stores a log line forwarded by the EA
func (r *Repository) InsertEALog(ctx context.Context, entry *LogEntry) error {
	query := `
		INSERT INTO ea_logs (account_id, level, message, details, timestamp)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Pool.Exec(ctx, query,
		entry.AccountID, entry.Level, entry.Message, entry.Details, entry.Timestamp)
	return err
}

// ListEALogs returns recent EA log lines for an account
func (r *Repository) ListEALogs(ctx context.Context, accountID int64, limit int) ([]*LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, account_id, level, message, details, timestamp
		FROM ea_logs WHERE account_id = $1 ORDER BY timestamp DESC LIMIT $2`

	rows, err := r.db.Pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ea logs: %w", err)
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		e := &LogEntry{}
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Level, &e.Message, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
