package tickwriter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mt5-trading-server/config"
	"mt5-trading-server/internal/cache"
	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/market"
	"mt5-trading-server/internal/metrics"
	"mt5-trading-server/internal/scheduler"
)

// Writer absorbs the raw tick stream from the ingest listeners and flushes
// it to storage in batches. Ingestion must never block on the database, so
// Push is non-blocking: when the buffer is full the oldest buffered tick is
// discarded to keep the stream current.
type Writer struct {
	repo   *database.Repository
	cache  *cache.Service
	cfg    config.TradingConfig
	logger zerolog.Logger

	in chan *database.Tick

	mu     sync.RWMutex
	latest map[string]database.Tick
}

// New creates a tick writer sized from the trading config
func New(repo *database.Repository, cacheSvc *cache.Service, cfg config.TradingConfig, logger zerolog.Logger) *Writer {
	size := cfg.TickBatchSize * 10
	if size < 1000 {
		size = 1000
	}
	return &Writer{
		repo:   repo,
		cache:  cacheSvc,
		cfg:    cfg,
		logger: logger.With().Str("component", "TickWriter").Logger(),
		in:     make(chan *database.Tick, size),
		latest: make(map[string]database.Tick),
	}
}

// Push hands a tick to the writer without blocking the HTTP path. Ticks
// older than the freshest one already seen for the instrument still get
// persisted, but never regress the in-memory latest view.
func (w *Writer) Push(t *database.Tick) {
	if t == nil || t.Instrument == "" {
		return
	}
	w.noteLatest(t)

	select {
	case w.in <- t:
		return
	default:
	}

	// Buffer full. Evict the oldest tick and retry once; losing old
	// market data beats stalling an EA request.
	select {
	case <-w.in:
		metrics.TicksDropped.Inc()
	default:
	}
	select {
	case w.in <- t:
	default:
		metrics.TicksDropped.Inc()
	}
}

// Latest returns the freshest tick seen for an instrument since startup
func (w *Writer) Latest(instrument string) (database.Tick, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.latest[instrument]
	return t, ok
}

func (w *Writer) noteLatest(t *database.Tick) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cur, ok := w.latest[t.Instrument]; ok && !t.Timestamp.After(cur.Timestamp) {
		return
	}
	w.latest[t.Instrument] = *t
}

// Run consumes the buffer until ctx is done, flushing whenever the batch
// fills or the flush interval elapses. Call it on its own goroutine.
func (w *Writer) Run(ctx context.Context) {
	interval := time.Duration(w.cfg.TickFlushIntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]*database.Tick, 0, w.cfg.TickBatchSize)

	for {
		select {
		case <-ctx.Done():
			// Drain what is already buffered so a clean shutdown does
			// not lose ticks that EAs believe were accepted.
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		drain:
			for {
				select {
				case t := <-w.in:
					batch = append(batch, t)
					if len(batch) >= w.cfg.TickBatchSize {
						w.flush(flushCtx, batch)
						batch = batch[:0]
					}
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				w.flush(flushCtx, batch)
			}
			cancel()
			w.logger.Info().Msg("Tick writer stopped")
			return

		case t := <-w.in:
			batch = append(batch, t)
			if len(batch) >= w.cfg.TickBatchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (w *Writer) flush(ctx context.Context, batch []*database.Tick) {
	var inserted int
	err := scheduler.Retry(ctx, 3, 250*time.Millisecond, func() error {
		n, err := w.repo.InsertTickBatch(ctx, batch)
		if err != nil {
			return err
		}
		inserted = n
		return nil
	})
	if err != nil {
		w.logger.Error().Err(err).Int("ticks", len(batch)).Msg("Tick flush failed, batch dropped")
		for range batch {
			metrics.TicksDropped.Inc()
		}
		return
	}

	metrics.TickBatchFlushes.Inc()
	if dup := len(batch) - inserted; dup > 0 {
		metrics.TicksDeduplicated.Add(float64(dup))
	}
	w.mirrorLatest(ctx, batch)
}

// mirrorLatest pushes the newest tick per instrument from a flushed batch
// into the cache so out-of-process readers see fresh prices without
// hitting Postgres. One write per instrument per flush keeps Redis quiet.
func (w *Writer) mirrorLatest(ctx context.Context, batch []*database.Tick) {
	if !w.cache.Available() {
		return
	}
	newest := make(map[string]*database.Tick, 8)
	for _, t := range batch {
		if cur, ok := newest[t.Instrument]; !ok || t.Timestamp.After(cur.Timestamp) {
			newest[t.Instrument] = t
		}
	}
	for instrument, t := range newest {
		if err := w.cache.Set(ctx, cache.LatestTickKey(instrument), t, cache.TTLLatestTick); err != nil {
			w.logger.Debug().Err(err).Str("instrument", instrument).Msg("Latest tick cache write failed")
		}
	}
}

// Cleanup prunes ticks and candles past their retention horizons. Runs
// hourly off the scheduler; deletes are chunked by the repository.
func (w *Writer) Cleanup(ctx context.Context) error {
	now := time.Now().UTC()

	ticks, err := w.repo.DeleteTicksBefore(ctx, now.AddDate(0, 0, -w.cfg.TickRetentionDays))
	if err != nil {
		return fmt.Errorf("prune ticks: %w", err)
	}

	var bars int64
	for _, tf := range w.cfg.Timeframes {
		n, err := w.repo.DeleteOHLCBefore(ctx, tf, now.AddDate(0, 0, -market.RetentionDays(tf)))
		if err != nil {
			return fmt.Errorf("prune %s candles: %w", tf, err)
		}
		bars += n
	}

	if ticks > 0 || bars > 0 {
		w.logger.Info().Int64("ticks", ticks).Int64("bars", bars).Msg("Market data retention sweep")
	}
	return nil
}
