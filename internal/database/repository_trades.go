package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ==================== Trades ====================

// CreateTrade records a trade observed from the EA. The (account_id,
// ticket) unique constraint makes replays of the same open event no-ops.
func (r *Repository) CreateTrade(ctx context.Context, t *Trade) error {
	query := `
		INSERT INTO trades (account_id, ticket, instrument, direction, volume,
			open_price, open_time, sl, tp, initial_sl, initial_tp, status, source,
			signal_id, command_id, session, entry_volatility, entry_spread, entry_bid, entry_ask)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $8, $9, 'open', $10,
			$11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (account_id, ticket) DO NOTHING
		RETURNING id`

	err := r.db.Pool.QueryRow(ctx, query,
		t.AccountID, t.Ticket, t.Instrument, t.Direction, t.Volume,
		t.OpenPrice, t.OpenTime, t.SL, t.TP, t.Source,
		t.SignalID, t.CommandID, t.Session,
		t.EntryVolatility, t.EntrySpread, t.EntryBid, t.EntryAsk,
	).Scan(&t.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		// duplicate open event; fetch the existing row id
		existing, getErr := r.GetTradeByTicket(ctx, t.AccountID, t.Ticket)
		if getErr != nil {
			return getErr
		}
		t.ID = existing.ID
		return nil
	}
	return err
}

// GetTrade retrieves a trade by internal ID
func (r *Repository) GetTrade(ctx context.Context, id int64) (*Trade, error) {
	return r.scanTrade(r.db.Pool.QueryRow(ctx, tradeSelect+` WHERE id = $1`, id))
}

// GetTradeByTicket retrieves a trade by broker ticket
func (r *Repository) GetTradeByTicket(ctx context.Context, accountID, ticket int64) (*Trade, error) {
	return r.scanTrade(r.db.Pool.QueryRow(ctx,
		tradeSelect+` WHERE account_id = $1 AND ticket = $2`, accountID, ticket))
}

// GetTradeByCommandID resolves the trade the EA opened for a command, used
// to settle timed-out commands.
func (r *Repository) GetTradeByCommandID(ctx context.Context, commandID string) (*Trade, error) {
	return r.scanTrade(r.db.Pool.QueryRow(ctx,
		tradeSelect+` WHERE command_id = $1`, commandID))
}

// ListOpenTrades returns the open trades for one account
func (r *Repository) ListOpenTrades(ctx context.Context, accountID int64) ([]*Trade, error) {
	return r.queryTrades(ctx,
		tradeSelect+` WHERE account_id = $1 AND status = 'open' ORDER BY open_time`, accountID)
}

// ListAllOpenTrades returns every open trade across accounts. The
// position monitor walks this on each pass.
func (r *Repository) ListAllOpenTrades(ctx context.Context) ([]*Trade, error) {
	return r.queryTrades(ctx, tradeSelect+` WHERE status = 'open' ORDER BY account_id, open_time`)
}

// CountOpenTrades returns the number of open trades for an account
func (r *Repository) CountOpenTrades(ctx context.Context, accountID int64) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trades WHERE account_id = $1 AND status = 'open'`, accountID).Scan(&count)
	return count, err
}

// ListRecentClosedTrades returns the newest closed trades for an
// account/instrument/direction, newest first. The symbol optimizer
// derives rolling winrate from this window.
func (r *Repository) ListRecentClosedTrades(ctx context.Context, accountID int64, instrument, direction string, limit int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 20
	}
	return r.queryTrades(ctx,
		tradeSelect+` WHERE account_id = $1 AND instrument = $2 AND direction = $3 AND status = 'closed'
		ORDER BY close_time DESC LIMIT $4`,
		accountID, instrument, direction, limit)
}

// ListClosedTradesSince returns trades closed at or after the cutoff
func (r *Repository) ListClosedTradesSince(ctx context.Context, accountID int64, since time.Time) ([]*Trade, error) {
	return r.queryTrades(ctx,
		tradeSelect+` WHERE account_id = $1 AND status = 'closed' AND close_time >= $2 ORDER BY close_time`,
		accountID, since)
}

// GetDailyRealizedProfit sums profit, commission and swap of trades
// closed since the start-of-day boundary.
func (r *Repository) GetDailyRealizedProfit(ctx context.Context, accountID int64, since time.Time) (float64, error) {
	var total float64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(profit + commission + swap), 0)
		FROM trades WHERE account_id = $1 AND status = 'closed' AND close_time >= $2`,
		accountID, since).Scan(&total)
	return total, err
}

// GetLifetimeRealizedProfit sums every closed trade the platform has seen
// for the account. Used to reconstruct the initial balance.
func (r *Repository) GetLifetimeRealizedProfit(ctx context.Context, accountID int64) (float64, error) {
	var total float64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(profit + commission + swap), 0)
		FROM trades WHERE account_id = $1 AND status = 'closed'`,
		accountID).Scan(&total)
	return total, err
}

// UpdateTradeProgress refreshes the broker-reported running fields on an
// open trade. Closed rows are never touched; CloseTrade owns those.
func (r *Repository) UpdateTradeProgress(ctx context.Context, id int64, profit, commission, swap, sl, tp float64) error {
	query := `
		UPDATE trades SET profit = $2, commission = $3, swap = $4, sl = $5, tp = $6
		WHERE id = $1 AND status = 'open'`
	_, err := r.db.Pool.Exec(ctx, query, id, profit, commission, swap, sl, tp)
	return err
}

// UpdateTradeSLTP reflects a broker-confirmed stop or target move
func (r *Repository) UpdateTradeSLTP(ctx context.Context, id int64, sl, tp float64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE trades SET sl = $2, tp = $3 WHERE id = $1`, id, sl, tp)
	return err
}

// RecordTrailingMove persists a trailing stop advance: the new stop, the
// stage that produced it, and the move counter.
func (r *Repository) RecordTrailingMove(ctx context.Context, id int64, newSL float64, stage int) error {
	query := `
		UPDATE trades SET
			sl = $2,
			trailing_stage = GREATEST(trailing_stage, $3),
			trailing_stop_active = TRUE,
			trailing_stop_moves = trailing_stop_moves + 1
		WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, id, newSL, stage)
	return err
}

// RecordTPExtension persists a take-profit extension
func (r *Repository) RecordTPExtension(ctx context.Context, id int64, newTP float64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE trades SET tp = $2, tp_extended_count = tp_extended_count + 1 WHERE id = $1`, id, newTP)
	return err
}

// RecordPartialClose reduces the tracked volume after a confirmed
// partial close and bumps the counter.
func (r *Repository) RecordPartialClose(ctx context.Context, id int64, remainingVolume float64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE trades SET volume = $2, partial_closes = partial_closes + 1 WHERE id = $1`, id, remainingVolume)
	return err
}

// UpdateTradeExcursions tracks the running best and worst unrealized
// profit seen while the trade was open.
func (r *Repository) UpdateTradeExcursions(ctx context.Context, id int64, profit float64) error {
	query := `
		UPDATE trades SET mfe = GREATEST(mfe, $2), mae = LEAST(mae, $2) WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, id, profit)
	return err
}

// UpdateTradeSession backfills the session label on first observation
func (r *Repository) UpdateTradeSession(ctx context.Context, id int64, session string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE trades SET session = $2 WHERE id = $1 AND session = ''`, id, session)
	return err
}

// EnrichTradeEntry backfills entry-context fields the open event lacked
func (r *Repository) EnrichTradeEntry(ctx context.Context, id int64, volatility, spread, bid, ask float64) error {
	query := `
		UPDATE trades SET
			entry_volatility = COALESCE(entry_volatility, $2),
			entry_spread = COALESCE(entry_spread, $3),
			entry_bid = COALESCE(entry_bid, $4),
			entry_ask = COALESCE(entry_ask, $5)
		WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, id, volatility, spread, bid, ask)
	return err
}

// CloseTradeParams carries the finalization values for a closed trade
type CloseTradeParams struct {
	ClosePrice         float64
	CloseTime          time.Time
	Profit             float64
	Commission         float64
	Swap               float64
	CloseReason        string
	HoldDurationMin    int
	PipsCaptured       float64
	RiskRewardRealized float64
}

// CloseTrade finalizes a trade row. Close events can replay, so only an
// open row transitions; a second close is a no-op.
func (r *Repository) CloseTrade(ctx context.Context, id int64, p CloseTradeParams) error {
	query := `
		UPDATE trades SET
			close_price = $2,
			close_time = $3,
			profit = $4,
			commission = $5,
			swap = $6,
			close_reason = $7,
			hold_duration_minutes = $8,
			pips_captured = $9,
			risk_reward_realized = $10,
			status = 'closed'
		WHERE id = $1 AND status = 'open'`
	_, err := r.db.Pool.Exec(ctx, query, id,
		p.ClosePrice, p.CloseTime, p.Profit, p.Commission, p.Swap,
		p.CloseReason, p.HoldDurationMin, p.PipsCaptured, p.RiskRewardRealized)
	return err
}

// IncrementReconcileMisses bumps the broker-snapshot miss counter and
// returns the new value. The monitor closes the trade as stale once the
// counter crosses its threshold.
func (r *Repository) IncrementReconcileMisses(ctx context.Context, id int64) (int, error) {
	var misses int
	err := r.db.Pool.QueryRow(ctx,
		`UPDATE trades SET reconcile_misses = reconcile_misses + 1 WHERE id = $1 RETURNING reconcile_misses`,
		id).Scan(&misses)
	return misses, err
}

// ResetReconcileMisses clears the miss counter once the ticket reappears
func (r *Repository) ResetReconcileMisses(ctx context.Context, id int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE trades SET reconcile_misses = 0 WHERE id = $1 AND reconcile_misses > 0`, id)
	return err
}

const tradeSelect = `
	SELECT id, account_id, ticket, instrument, direction, volume,
		open_price, open_time, close_price, close_time, sl, tp, initial_sl, initial_tp,
		profit, commission, swap, status, source, close_reason, signal_id, command_id,
		session, trailing_stop_active, trailing_stop_moves, trailing_stage,
		tp_extended_count, partial_closes, hold_duration_minutes, pips_captured,
		risk_reward_realized, mfe, mae, entry_volatility, entry_spread, entry_bid, entry_ask,
		reconcile_misses, created_at, updated_at
	FROM trades`

func (r *Repository) queryTrades(ctx context.Context, query string, args ...any) ([]*Trade, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		t, err := r.scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (r *Repository) scanTrade(row pgx.Row) (*Trade, error) {
	t := &Trade{}
	err := row.Scan(
		&t.ID, &t.AccountID, &t.Ticket, &t.Instrument, &t.Direction, &t.Volume,
		&t.OpenPrice, &t.OpenTime, &t.ClosePrice, &t.CloseTime, &t.SL, &t.TP,
		&t.InitialSL, &t.InitialTP, &t.Profit, &t.Commission, &t.Swap,
		&t.Status, &t.Source, &t.CloseReason, &t.SignalID, &t.CommandID,
		&t.Session, &t.TrailingStopActive, &t.TrailingStopMoves, &t.TrailingStage,
		&t.TPExtendedCount, &t.PartialCloses, &t.HoldDurationMinutes, &t.PipsCaptured,
		&t.RiskRewardRealized, &t.MFE, &t.MAE,
		&t.EntryVolatility, &t.EntrySpread, &t.EntryBid, &t.EntryAsk,
		&t.ReconcileMisses, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan trade: %w", err)
	}
	return t, nil
}
