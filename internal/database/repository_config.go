package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ==================== Symbol Trading Configs ====================

// GetSymbolConfig returns the per-direction trading config, creating the
// default row on first touch so optimizer updates always have a target.
func (r *Repository) GetSymbolConfig(ctx context.Context, accountID int64, instrument, direction string) (*SymbolTradingConfig, error) {
	query := `
		INSERT INTO symbol_trading_configs (account_id, instrument, direction)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, instrument, direction) DO UPDATE SET account_id = EXCLUDED.account_id
		RETURNING id, account_id, instrument, direction, status, min_confidence_threshold,
			risk_multiplier, consecutive_wins, consecutive_losses, rolling_winrate,
			rolling_trades_count, pause_reason, paused_at, paused_until, updated_by, updated_at`

	return r.scanSymbolConfig(r.db.Pool.QueryRow(ctx, query, accountID, instrument, direction))
}

// ListSymbolConfigs returns all per-direction configs for an account
func (r *Repository) ListSymbolConfigs(ctx context.Context, accountID int64) ([]*SymbolTradingConfig, error) {
	query := symbolConfigSelect + ` WHERE account_id = $1 ORDER BY instrument, direction`

	rows, err := r.db.Pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list symbol configs: %w", err)
	}
	defer rows.Close()

	var configs []*SymbolTradingConfig
	for rows.Next() {
		cfg, err := r.scanSymbolConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// UpdateSymbolConfigParams writes optimizer-adjusted knobs in one shot
func (r *Repository) UpdateSymbolConfigParams(ctx context.Context, cfg *SymbolTradingConfig) error {
	query := `
		UPDATE symbol_trading_configs SET
			status = $2,
			min_confidence_threshold = $3,
			risk_multiplier = $4,
			consecutive_wins = $5,
			consecutive_losses = $6,
			rolling_winrate = $7,
			rolling_trades_count = $8,
			pause_reason = $9,
			paused_at = $10,
			paused_until = $11,
			updated_by = $12
		WHERE id = $1`

	_, err := r.db.Pool.Exec(ctx, query,
		cfg.ID, cfg.Status, cfg.MinConfidenceThreshold, cfg.RiskMultiplier,
		cfg.ConsecutiveWins, cfg.ConsecutiveLosses, cfg.RollingWinrate, cfg.RollingTradesCount,
		cfg.PauseReason, cfg.PausedAt, cfg.PausedUntil, cfg.UpdatedBy)
	return err
}

// SetSymbolStatus transitions only the status field, stamping who did it
func (r *Repository) SetSymbolStatus(ctx context.Context, id int64, status, reason, updatedBy string) error {
	query := `
		UPDATE symbol_trading_configs SET
			status = $2,
			pause_reason = $3,
			paused_at = CASE WHEN $2 = 'paused' THEN NOW() ELSE paused_at END,
			updated_by = $4
		WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, id, status, reason, updatedBy)
	return err
}

// ListExpiredPauses returns paused configs whose pause window has lapsed
func (r *Repository) ListExpiredPauses(ctx context.Context, now time.Time) ([]*SymbolTradingConfig, error) {
	query := symbolConfigSelect + ` WHERE status = 'paused' AND paused_until IS NOT NULL AND paused_until <= $1`

	rows, err := r.db.Pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired pauses: %w", err)
	}
	defer rows.Close()

	var configs []*SymbolTradingConfig
	for rows.Next() {
		cfg, err := r.scanSymbolConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// ListShadowConfigs returns configs currently in shadow_trade status
func (r *Repository) ListShadowConfigs(ctx context.Context) ([]*SymbolTradingConfig, error) {
	query := symbolConfigSelect + ` WHERE status = 'shadow_trade' ORDER BY account_id, instrument, direction`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list shadow configs: %w", err)
	}
	defer rows.Close()

	var configs []*SymbolTradingConfig
	for rows.Next() {
		cfg, err := r.scanSymbolConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

const symbolConfigSelect = `
	SELECT id, account_id, instrument, direction, status, min_confidence_threshold,
		risk_multiplier, consecutive_wins, consecutive_losses, rolling_winrate,
		rolling_trades_count, pause_reason, paused_at, paused_until, updated_by, updated_at
	FROM symbol_trading_configs`

func (r *Repository) scanSymbolConfig(row pgx.Row) (*SymbolTradingConfig, error) {
	cfg := &SymbolTradingConfig{}
	err := row.Scan(
		&cfg.ID, &cfg.AccountID, &cfg.Instrument, &cfg.Direction, &cfg.Status,
		&cfg.MinConfidenceThreshold, &cfg.RiskMultiplier,
		&cfg.ConsecutiveWins, &cfg.ConsecutiveLosses,
		&cfg.RollingWinrate, &cfg.RollingTradesCount,
		&cfg.PauseReason, &cfg.PausedAt, &cfg.PausedUntil,
		&cfg.UpdatedBy, &cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan symbol config: %w", err)
	}
	return cfg, nil
}
