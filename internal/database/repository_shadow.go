package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ==================== Shadow Trades ====================

// CreateShadowTrade records a hypothetical entry for a symbol that real
// trading has been pulled from.
func (r *Repository) CreateShadowTrade(ctx context.Context, st *ShadowTrade) error {
	query := `
		INSERT INTO shadow_trades (account_id, instrument, direction, volume,
			entry_price, entry_time, sl, tp, signal_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	return r.db.Pool.QueryRow(ctx, query,
		st.AccountID, st.Instrument, st.Direction, st.Volume,
		st.EntryPrice, st.EntryTime, st.SL, st.TP, st.SignalID,
	).Scan(&st.ID)
}

// ListOpenShadowTrades returns shadow trades that have not exited yet
func (r *Repository) ListOpenShadowTrades(ctx context.Context) ([]*ShadowTrade, error) {
	query := shadowSelect + ` WHERE exit_time IS NULL ORDER BY entry_time`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list open shadow trades: %w", err)
	}
	defer rows.Close()

	var trades []*ShadowTrade
	for rows.Next() {
		st, err := r.scanShadowTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, st)
	}
	return trades, rows.Err()
}

// HasOpenShadowTrade reports whether a shadow position already exists
// for the account/instrument/direction.
func (r *Repository) HasOpenShadowTrade(ctx context.Context, accountID int64, instrument, direction string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM shadow_trades
			WHERE account_id = $1 AND instrument = $2 AND direction = $3 AND exit_time IS NULL
		)`, accountID, instrument, direction).Scan(&exists)
	return exists, err
}

// CloseShadowTrade finalizes a shadow position at its simulated exit
func (r *Repository) CloseShadowTrade(ctx context.Context, id int64, exitPrice float64, exitTime time.Time, exitReason string, profit float64) error {
	query := `
		UPDATE shadow_trades SET
			exit_price = $2,
			exit_time = $3,
			exit_reason = $4,
			hypothetical_profit = $5
		WHERE id = $1 AND exit_time IS NULL`
	_, err := r.db.Pool.Exec(ctx, query, id, exitPrice, exitTime, exitReason, profit)
	return err
}

// ShadowPerformance aggregates closed shadow trades over a window
type ShadowPerformance struct {
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	WinRate     float64 `json:"win_rate"`
	TotalProfit float64 `json:"total_profit"`
}

// GetShadowPerformance computes the recovery statistics for one
// account/instrument/direction over trades exited since the cutoff.
func (r *Repository) GetShadowPerformance(ctx context.Context, accountID int64, instrument, direction string, since time.Time) (*ShadowPerformance, error) {
	query := `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE hypothetical_profit > 0),
			COALESCE(SUM(hypothetical_profit), 0)
		FROM shadow_trades
		WHERE account_id = $1 AND instrument = $2 AND direction = $3
			AND exit_time IS NOT NULL AND exit_time >= $4`

	perf := &ShadowPerformance{}
	err := r.db.Pool.QueryRow(ctx, query, accountID, instrument, direction, since).Scan(
		&perf.Trades, &perf.Wins, &perf.TotalProfit)
	if err != nil {
		return nil, fmt.Errorf("failed to get shadow performance: %w", err)
	}
	if perf.Trades > 0 {
		perf.WinRate = float64(perf.Wins) * 100.0 / float64(perf.Trades)
	}
	return perf, nil
}

// DeleteShadowTradesBefore prunes closed shadow trades older than the cutoff
func (r *Repository) DeleteShadowTradesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM shadow_trades WHERE exit_time IS NOT NULL AND exit_time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune shadow trades: %w", err)
	}
	return tag.RowsAffected(), nil
}

const shadowSelect = `
	SELECT id, account_id, instrument, direction, volume, entry_price, entry_time,
		exit_price, exit_time, sl, tp, exit_reason, hypothetical_profit, signal_id, created_at
	FROM shadow_trades`

func (r *Repository) scanShadowTrade(row pgx.Row) (*ShadowTrade, error) {
	st := &ShadowTrade{}
	err := row.Scan(
		&st.ID, &st.AccountID, &st.Instrument, &st.Direction, &st.Volume,
		&st.EntryPrice, &st.EntryTime, &st.ExitPrice, &st.ExitTime,
		&st.SL, &st.TP, &st.ExitReason, &st.HypotheticalProfit, &st.SignalID, &st.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan shadow trade: %w", err)
	}
	return st, nil
}
