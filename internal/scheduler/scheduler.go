package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mt5-trading-server/internal/metrics"
)

// Job is one periodic loop owned by the scheduler.
type Job struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Fn         func(ctx context.Context) error
}

// Scheduler runs each registered job on its own goroutine with a ticker.
// A job error never kills its loop; it is logged and the next tick fires as
// usual. Stop blocks until every loop has drained.
type Scheduler struct {
	logger zerolog.Logger

	mu      sync.Mutex
	jobs    []Job
	started bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty scheduler
func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.With().Str("component", "Scheduler").Logger(),
	}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.logger.Error().Str("job", job.Name).Msg("Job added after start, ignoring")
		return
	}
	s.jobs = append(s.jobs, job)
}

// Start launches every registered loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.runLoop(ctx, job)
	}
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

// Stop cancels all loops and waits for them to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) runLoop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	if job.RunOnStart {
		s.execute(ctx, job)
	}

	for {
		select {
		case <-ticker.C:
			s.execute(ctx, job)
		case <-ctx.Done():
			s.logger.Debug().Str("job", job.Name).Msg("Loop stopped")
			return
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("job", job.Name).Interface("panic", r).Msg("Job panicked")
		}
	}()

	start := time.Now()
	err := job.Fn(ctx)
	elapsed := time.Since(start)

	metrics.LoopDuration.WithLabelValues(job.Name).Observe(elapsed.Seconds())
	if elapsed > job.Interval {
		metrics.LoopOverruns.WithLabelValues(job.Name).Inc()
		s.logger.Warn().
			Str("job", job.Name).
			Dur("elapsed", elapsed).
			Dur("interval", job.Interval).
			Msg("Loop iteration overran its interval")
	}

	if err != nil && ctx.Err() == nil {
		s.logger.Error().Str("job", job.Name).Err(err).Msg("Job iteration failed")
	}
}

// DailyAt wraps fn so it runs at most once per UTC day, on the first
// invocation at or after hourUTC. Register the wrapped function on an
// hourly (or faster) job; the wrapper turns the extra ticks into no-ops.
// A failed run is retried on the next tick of the same day.
func DailyAt(hourUTC int, fn func(ctx context.Context) error) func(ctx context.Context) error {
	return dailyAt(hourUTC, time.Now, fn)
}

func dailyAt(hourUTC int, now func() time.Time, fn func(ctx context.Context) error) func(ctx context.Context) error {
	var mu sync.Mutex
	var lastDay string
	return func(ctx context.Context) error {
		t := now().UTC()
		if t.Hour() < hourUTC {
			return nil
		}
		day := t.Format("2006-01-02")

		mu.Lock()
		done := lastDay == day
		mu.Unlock()
		if done {
			return nil
		}

		if err := fn(ctx); err != nil {
			return err
		}
		mu.Lock()
		lastDay = day
		mu.Unlock()
		return nil
	}
}

// Retry runs fn up to attempts times with jittered exponential backoff,
// starting at base. Transient I/O failures get this treatment inside
// workers; the caller escalates whatever survives.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		backoff := base << uint(i)
		backoff += time.Duration(rand.Int63n(int64(base)))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
