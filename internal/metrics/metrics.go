package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mt5"

// Ingest counters
var (
	TicksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "ticks_received_total",
		Help:      "Ticks accepted from EAs before deduplication.",
	}, []string{"instrument"})

	TicksDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "ticks_deduplicated_total",
		Help:      "Ticks dropped as duplicates on (instrument, timestamp).",
	})

	TicksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "ticks_dropped_total",
		Help:      "Ticks dropped because the write buffer was full.",
	})

	TickBatchFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "tick_batch_flushes_total",
		Help:      "Tick batches flushed to storage.",
	})

	HeartbeatsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "heartbeats_received_total",
		Help:      "Heartbeat requests processed.",
	})

	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "auth_failures_total",
		Help:      "Requests rejected for a missing or unknown API key.",
	}, []string{"listener"})
)

// Signal pipeline
var (
	SignalsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signals",
		Name:      "generated_total",
		Help:      "Trading signals stored, by instrument and direction.",
	}, []string{"instrument", "direction"})

	SignalsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signals",
		Name:      "expired_total",
		Help:      "Active signals flipped to expired.",
	})

	ActiveSignals = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "signals",
		Name:      "active",
		Help:      "Signals currently in active status.",
	})
)

// Trading
var (
	CommandsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "commands",
		Name:      "enqueued_total",
		Help:      "Commands queued for EA pickup, by type.",
	}, []string{"type"})

	CommandsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "commands",
		Name:      "completed_total",
		Help:      "Command results, by terminal status.",
	}, []string{"status"})

	CommandQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "commands",
		Name:      "queue_depth",
		Help:      "Commands pending or in flight per account.",
	}, []string{"account"})

	TradesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trades",
		Name:      "opened_total",
		Help:      "Trades observed opening, by source.",
	}, []string{"source"})

	TradesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trades",
		Name:      "closed_total",
		Help:      "Trades observed closing, by close reason.",
	}, []string{"reason"})

	OpenPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "trades",
		Name:      "open_positions",
		Help:      "Open trades per account.",
	}, []string{"account"})

	ShadowTradesOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "shadow",
		Name:      "trades_opened_total",
		Help:      "Simulated entries recorded for shadow-mode symbols.",
	})

	ShadowTradesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "shadow",
		Name:      "trades_closed_total",
		Help:      "Simulated exits, by exit reason.",
	}, []string{"reason"})

	TrailingMoves = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trades",
		Name:      "trailing_moves_total",
		Help:      "Stop-loss advances issued by the trailing engine.",
	})

	PartialCloses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trades",
		Name:      "partial_closes_total",
		Help:      "Partial close commands issued at profit milestones.",
	})
)

// Risk
var (
	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "breaker_trips_total",
		Help:      "Circuit breaker trips, by trigger.",
	}, []string{"trigger"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "breaker_tripped",
		Help:      "1 when the account breaker is tripped.",
	}, []string{"account"})

	AutoTradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "autotrade_rejections_total",
		Help:      "Auto-trade candidates rejected, by gate.",
	}, []string{"gate"})
)

// Scheduler
var (
	LoopDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "loop_duration_seconds",
		Help:      "Wall time of one scheduler loop pass.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"loop"})

	LoopOverruns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "loop_overruns_total",
		Help:      "Loop passes that exceeded their interval.",
	}, []string{"loop"})
)
