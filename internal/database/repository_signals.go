package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ==================== Trading Signals ====================

// ReplaceActiveSignal inserts a new signal after superseding any active
// one for the same (instrument, timeframe, direction). Both steps run in
// one transaction so concurrent generators cannot leave two active rows;
// the partial unique index backs this up at the schema level.
func (r *Repository) ReplaceActiveSignal(ctx context.Context, sig *TradingSignal) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin signal transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE trading_signals SET status = 'superseded'
		WHERE instrument = $1 AND timeframe = $2 AND direction = $3 AND status = 'active'`,
		sig.Instrument, sig.Timeframe, sig.Direction)
	if err != nil {
		return fmt.Errorf("failed to supersede signal: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO trading_signals (id, instrument, timeframe, direction, confidence,
			suggested_entry, suggested_sl, suggested_tp, status, is_valid, invalid_reason,
			snapshot, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'active', $9, $10, $11, $12, $13)`,
		sig.ID, sig.Instrument, sig.Timeframe, sig.Direction, sig.Confidence,
		sig.SuggestedEntry, sig.SuggestedSL, sig.SuggestedTP, sig.IsValid, sig.InvalidReason,
		sig.Snapshot, sig.CreatedAt, sig.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert signal: %w", err)
	}

	return tx.Commit(ctx)
}

// GetSignal retrieves a signal by ID
func (r *Repository) GetSignal(ctx context.Context, id string) (*TradingSignal, error) {
	query := `
		SELECT id, instrument, timeframe, direction, confidence, suggested_entry,
			suggested_sl, suggested_tp, status, is_valid, invalid_reason, snapshot,
			created_at, expires_at
		FROM trading_signals WHERE id = $1`

	return r.scanSignal(r.db.Pool.QueryRow(ctx, query, id))
}

// ListActiveSignals returns all currently active signals, newest first
func (r *Repository) ListActiveSignals(ctx context.Context) ([]*TradingSignal, error) {
	query := `
		SELECT id, instrument, timeframe, direction, confidence, suggested_entry,
			suggested_sl, suggested_tp, status, is_valid, invalid_reason, snapshot,
			created_at, expires_at
		FROM trading_signals WHERE status = 'active' ORDER BY created_at DESC`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active signals: %w", err)
	}
	defer rows.Close()

	var signals []*TradingSignal
	for rows.Next() {
		sig, err := r.scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// ListActiveSignalsForInstrument returns active signals for one instrument
func (r *Repository) ListActiveSignalsForInstrument(ctx context.Context, instrument string) ([]*TradingSignal, error) {
	query := `
		SELECT id, instrument, timeframe, direction, confidence, suggested_entry,
			suggested_sl, suggested_tp, status, is_valid, invalid_reason, snapshot,
			created_at, expires_at
		FROM trading_signals WHERE status = 'active' AND instrument = $1 ORDER BY created_at DESC`

	rows, err := r.db.Pool.Query(ctx, query, instrument)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals for %s: %w", instrument, err)
	}
	defer rows.Close()

	var signals []*TradingSignal
	for rows.Next() {
		sig, err := r.scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// MarkSignalExecuted flags a signal consumed by the auto-trader
func (r *Repository) MarkSignalExecuted(ctx context.Context, id string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE trading_signals SET status = 'executed' WHERE id = $1`, id)
	return err
}

// InvalidateSignal marks a signal invalid without changing its status.
// The monitor uses this when re-validation turns against an open trade.
func (r *Repository) InvalidateSignal(ctx context.Context, id, reason string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE trading_signals SET is_valid = FALSE, invalid_reason = $2 WHERE id = $1`, id, reason)
	return err
}

// ExpireSignalsPast marks active signals past their expiry. Returns the
// number of rows flipped.
func (r *Repository) ExpireSignalsPast(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE trading_signals SET status = 'expired' WHERE status = 'active' AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire signals: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ExpireSignalsForInstrument force-expires every active signal on an
// instrument, stamping the reason. The news blackout uses this with a
// "news_filter:<event>" reason.
func (r *Repository) ExpireSignalsForInstrument(ctx context.Context, instrument, reason string) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE trading_signals SET status = 'expired', is_valid = FALSE, invalid_reason = $2
		WHERE status = 'active' AND instrument = $1`,
		instrument, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to expire signals for %s: %w", instrument, err)
	}
	return tag.RowsAffected(), nil
}

// DeleteDeadSignalsBefore removes expired and superseded signals older
// than the cutoff. Executed signals are kept for trade attribution.
func (r *Repository) DeleteDeadSignalsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM trading_signals WHERE status IN ('expired', 'superseded') AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete dead signals: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) scanSignal(row pgx.Row) (*TradingSignal, error) {
	sig := &TradingSignal{}
	err := row.Scan(
		&sig.ID, &sig.Instrument, &sig.Timeframe, &sig.Direction, &sig.Confidence,
		&sig.SuggestedEntry, &sig.SuggestedSL, &sig.SuggestedTP, &sig.Status,
		&sig.IsValid, &sig.InvalidReason, &sig.Snapshot, &sig.CreatedAt, &sig.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan signal: %w", err)
	}
	return sig, nil
}

// ==================== Indicator Scores ====================

// GetIndicatorScores returns the per-indicator accuracy rows for an
// instrument/timeframe keyed by indicator name.
func (r *Repository) GetIndicatorScores(ctx context.Context, instrument, timeframe string) (map[string]*IndicatorScore, error) {
	query := `
		SELECT id, instrument, timeframe, indicator, evaluated_signals, correct_signals, score, updated_at
		FROM indicator_scores WHERE instrument = $1 AND timeframe = $2`

	rows, err := r.db.Pool.Query(ctx, query, instrument, timeframe)
	if err != nil {
		return nil, fmt.Errorf("failed to get indicator scores: %w", err)
	}
	defer rows.Close()

	scores := make(map[string]*IndicatorScore)
	for rows.Next() {
		s := &IndicatorScore{}
		if err := rows.Scan(&s.ID, &s.Instrument, &s.Timeframe, &s.Indicator,
			&s.EvaluatedSignals, &s.CorrectSignals, &s.Score, &s.UpdatedAt); err != nil {
			return nil, err
		}
		scores[s.Indicator] = s
	}
	return scores, rows.Err()
}

// RecordIndicatorOutcome accumulates one evaluated signal for an
// indicator and recomputes its accuracy score in place.
func (r *Repository) RecordIndicatorOutcome(ctx context.Context, instrument, timeframe, indicator string, correct bool) error {
	correctInc := 0
	if correct {
		correctInc = 1
	}
	query := `
		INSERT INTO indicator_scores (instrument, timeframe, indicator, evaluated_signals, correct_signals, score, updated_at)
		VALUES ($1, $2, $3, 1, $4, $4 * 100, NOW())
		ON CONFLICT (instrument, timeframe, indicator) DO UPDATE SET
			evaluated_signals = indicator_scores.evaluated_signals + 1,
			correct_signals = indicator_scores.correct_signals + $4,
			score = (indicator_scores.correct_signals + $4) * 100.0 / (indicator_scores.evaluated_signals + 1),
			updated_at = NOW()`
	_, err := r.db.Pool.Exec(ctx, query, instrument, timeframe, indicator, correctInc)
	return err
}
