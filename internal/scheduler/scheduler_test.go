package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry = %v, want nil", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryGivesUpAndReturnsLastError(t *testing.T) {
	calls := 0
	sentinel := errors.New("still broken")
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Retry = %v, want %v", err, sentinel)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 5, 50*time.Millisecond, func() error {
		return errors.New("always")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry = %v, want context.Canceled", err)
	}
}

func TestDailyAtRunsOncePerDay(t *testing.T) {
	clock := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	runs := 0
	job := dailyAt(7, now, func(ctx context.Context) error {
		runs++
		return nil
	})

	// Before the hour: no-op
	if err := job(context.Background()); err != nil {
		t.Fatalf("job: %v", err)
	}
	if runs != 0 {
		t.Fatalf("ran %d times before the hour, want 0", runs)
	}

	// At the hour: runs once, then dedupes for the rest of the day
	clock = clock.Add(time.Hour)
	for i := 0; i < 3; i++ {
		if err := job(context.Background()); err != nil {
			t.Fatalf("job: %v", err)
		}
		clock = clock.Add(time.Hour)
	}
	if runs != 1 {
		t.Fatalf("ran %d times in one day, want 1", runs)
	}

	// Next day: runs again
	clock = clock.Add(24 * time.Hour)
	if err := job(context.Background()); err != nil {
		t.Fatalf("job: %v", err)
	}
	if runs != 2 {
		t.Fatalf("ran %d times across two days, want 2", runs)
	}
}

func TestDailyAtRetriesFailedRunSameDay(t *testing.T) {
	clock := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	runs := 0
	job := dailyAt(7, now, func(ctx context.Context) error {
		runs++
		if runs == 1 {
			return errors.New("transient")
		}
		return nil
	})

	if err := job(context.Background()); err == nil {
		t.Fatal("first run should surface the error")
	}
	clock = clock.Add(time.Hour)
	if err := job(context.Background()); err != nil {
		t.Fatalf("retry run: %v", err)
	}
	clock = clock.Add(time.Hour)
	if err := job(context.Background()); err != nil {
		t.Fatalf("post-success run: %v", err)
	}
	if runs != 2 {
		t.Fatalf("ran %d times, want 2 (one failure, one success, then done)", runs)
	}
}

func TestSchedulerRunsAndStops(t *testing.T) {
	s := New(zerolog.Nop())

	var ticks atomic.Int64
	s.Add(Job{
		Name:       "counter",
		Interval:   5 * time.Millisecond,
		RunOnStart: true,
		Fn: func(ctx context.Context) error {
			ticks.Add(1)
			return nil
		},
	})

	s.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for ticks.Load() < 3 {
		select {
		case <-deadline:
			t.Fatal("job never reached 3 runs")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	s.Stop()
	after := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	if got := ticks.Load(); got != after {
		t.Fatalf("job ran %d more times after Stop", got-after)
	}
}

func TestSchedulerSurvivesPanickingJob(t *testing.T) {
	s := New(zerolog.Nop())

	var ticks atomic.Int64
	s.Add(Job{
		Name:     "panicky",
		Interval: 5 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			ticks.Add(1)
			panic("boom")
		},
	})

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for ticks.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("panicking job did not keep its loop alive")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
