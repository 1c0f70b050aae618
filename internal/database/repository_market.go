package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"mt5-trading-server/internal/market"
)

// ==================== Ticks ====================

// InsertTickBatch writes a batch of ticks, silently dropping duplicates
// on (instrument, timestamp). Returns how many rows were actually
// inserted so the caller can count dedups.
func (r *Repository) InsertTickBatch(ctx context.Context, ticks []*Tick) (int, error) {
	if len(ticks) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, t := range ticks {
		batch.Queue(`
			INSERT INTO ticks (instrument, timestamp, bid, ask, volume, tradeable)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (instrument, timestamp) DO NOTHING`,
			t.Instrument, t.Timestamp, t.Bid, t.Ask, t.Volume, t.Tradeable)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range ticks {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("tick batch insert failed: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// GetLatestTick returns the most recent stored tick for an instrument
func (r *Repository) GetLatestTick(ctx context.Context, instrument string) (*Tick, error) {
	query := `
		SELECT instrument, timestamp, bid, ask, volume, tradeable
		FROM ticks WHERE instrument = $1 ORDER BY timestamp DESC LIMIT 1`

	t := &Tick{}
	err := r.db.Pool.QueryRow(ctx, query, instrument).Scan(
		&t.Instrument, &t.Timestamp, &t.Bid, &t.Ask, &t.Volume, &t.Tradeable)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest tick for %s: %w", instrument, err)
	}
	return t, nil
}

// GetRollingAvgSpread averages the bid/ask spread over recent ticks. Zero
// when no ticks exist in the window.
func (r *Repository) GetRollingAvgSpread(ctx context.Context, instrument string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(AVG(ask - bid), 0)
		FROM ticks WHERE instrument = $1 AND timestamp >= $2`

	var avg float64
	if err := r.db.Pool.QueryRow(ctx, query, instrument, since).Scan(&avg); err != nil {
		return 0, fmt.Errorf("failed to average spread for %s: %w", instrument, err)
	}
	return avg, nil
}

// DeleteTicksBefore prunes raw ticks older than the cutoff
func (r *Repository) DeleteTicksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM ticks WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune ticks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ==================== OHLC ====================

// UpsertOHLCBatch writes candle rows, replacing any existing bar with the
// same (instrument, timeframe, bar_time). EAs resend the forming bar on
// every push, so the latest write wins.
func (r *Repository) UpsertOHLCBatch(ctx context.Context, bars []*OHLCData) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(`
			INSERT INTO ohlc_data (instrument, timeframe, bar_time, open, high, low, close, volume)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (instrument, timeframe, bar_time) DO UPDATE SET
				open = EXCLUDED.open,
				high = EXCLUDED.high,
				low = EXCLUDED.low,
				close = EXCLUDED.close,
				volume = EXCLUDED.volume`,
			b.Instrument, b.Timeframe, b.BarTime, b.Open, b.High, b.Low, b.Close, b.Volume)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	written := 0
	for range bars {
		if _, err := results.Exec(); err != nil {
			return written, fmt.Errorf("ohlc batch upsert failed: %w", err)
		}
		written++
	}
	return written, nil
}

// GetCandles returns the most recent candles for an instrument/timeframe
// in chronological order, ready for indicator computation.
func (r *Repository) GetCandles(ctx context.Context, instrument, timeframe string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `
		SELECT bar_time, open, high, low, close, volume
		FROM ohlc_data
		WHERE instrument = $1 AND timeframe = $2
		ORDER BY bar_time DESC LIMIT $3`

	rows, err := r.db.Pool.Query(ctx, query, instrument, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get candles for %s %s: %w", instrument, timeframe, err)
	}
	defer rows.Close()

	var candles []market.Candle
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(&c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// reverse into chronological order
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// GetLatestBarTime returns the newest stored bar time, or zero if none
func (r *Repository) GetLatestBarTime(ctx context.Context, instrument, timeframe string) (time.Time, error) {
	var barTime time.Time
	err := r.db.Pool.QueryRow(ctx,
		`SELECT bar_time FROM ohlc_data WHERE instrument = $1 AND timeframe = $2 ORDER BY bar_time DESC LIMIT 1`,
		instrument, timeframe).Scan(&barTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return barTime, nil
}

// DeleteOHLCBefore prunes candles of one timeframe older than the cutoff.
// Each timeframe carries its own retention window.
func (r *Repository) DeleteOHLCBefore(ctx context.Context, timeframe string, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM ohlc_data WHERE timeframe = $1 AND bar_time < $2`, timeframe, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune ohlc %s: %w", timeframe, err)
	}
	return tag.RowsAffected(), nil
}
