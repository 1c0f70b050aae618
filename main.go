// MT5 trading server: mediates between MetaTrader-5 Expert Advisors on
// broker terminals and the analytical core that ingests their market
// data, generates signals, auto-trades them, and supervises every open
// position. EAs poll over HTTP on four ingestion ports; the operator
// dashboard runs on its own port.
package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"mt5-trading-server/config"
	"mt5-trading-server/internal/auth"
	"mt5-trading-server/internal/autotrader"
	"mt5-trading-server/internal/cache"
	"mt5-trading-server/internal/circuit"
	"mt5-trading-server/internal/commands"
	"mt5-trading-server/internal/dashboard"
	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/decision"
	"mt5-trading-server/internal/events"
	"mt5-trading-server/internal/indicators"
	"mt5-trading-server/internal/ingest"
	"mt5-trading-server/internal/logging"
	"mt5-trading-server/internal/monitor"
	"mt5-trading-server/internal/notification"
	"mt5-trading-server/internal/patterns"
	"mt5-trading-server/internal/risk"
	"mt5-trading-server/internal/scheduler"
	"mt5-trading-server/internal/shadow"
	"mt5-trading-server/internal/signal"
	"mt5-trading-server/internal/tickwriter"
	"mt5-trading-server/internal/vault"
)

const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

// Retention horizons for audit tables without their own config knobs.
// Ticks and candles are pruned by the tick writer from TradingConfig.
const (
	decisionRetentionDays = 30
	eaLogRetentionDays    = 14
)

func main() {
	os.Exit(run())
}

func run() int {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	logger := logging.New(cfg.LoggingConfig)
	logger.Info().Msg("==== MT5 Trading Server starting ====")

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ==== Persistence ====
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Database unreachable, refusing to start")
		return exitRuntime
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Error().Err(err).Msg("Migration failed, refusing to start")
		return exitRuntime
	}
	repo := database.NewRepository(db)

	cacheSvc := cache.NewService(cache.Config{
		Enabled:  cfg.RedisConfig.Enabled,
		Addr:     cfg.RedisConfig.Address,
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
		PoolSize: cfg.RedisConfig.PoolSize,
	}, logger)

	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		// Vault only mirrors api keys; the database remains authoritative
		logger.Warn().Err(err).Msg("Vault unavailable, key mirroring disabled")
		vaultClient, _ = vault.NewClient(config.VaultConfig{})
	}

	// ==== Core services ====
	bus := events.NewBus(logger)
	decisions := decision.NewRecorder(repo, logger)

	notifier := notification.NewManager(cfg.NotificationConfig, logger)
	notifier.SubscribeTo(bus)

	breakers := circuit.NewManager(repo, decisions, bus, cfg.RiskConfig, logger)
	if accounts, err := repo.ListAccounts(ctx); err != nil {
		logger.Warn().Err(err).Msg("Breaker state restore skipped")
	} else {
		for _, acc := range accounts {
			breakers.Restore(acc)
		}
	}

	writer := tickwriter.New(repo, cacheSvc, cfg.TradingConfig, logger)
	queue := commands.NewService(repo, breakers, decisions, bus, cfg.TradingConfig, logger)

	engine := indicators.NewEngine(cacheSvc, decisions, logger)
	detector := patterns.NewDetector(0.6)
	scorer := signal.NewMLScorer(cfg.MLConfig, logger)
	news := signal.NewNewsCalendar(cfg.NewsConfig, cacheSvc, logger)
	generator := signal.NewGenerator(repo, cacheSvc, engine, detector, scorer, news, decisions, bus, cfg, logger)

	riskMgr := risk.NewDynamicManager(repo, decisions, cfg.RiskConfig, logger)
	optimizer := risk.NewOptimizer(repo, decisions, bus, logger)
	shadowEng := shadow.NewEngine(repo, cacheSvc, decisions, bus, cfg.ShadowConfig, logger)
	trader := autotrader.NewTrader(repo, cacheSvc, breakers, riskMgr, shadowEng, decisions, bus, cfg, logger)
	mon := monitor.New(repo, cacheSvc, queue, engine, decisions, bus, cfg, logger)

	// Warm ceilings before the first auto-trade pass; the scheduler
	// refreshes them at the day and week boundaries.
	if err := riskMgr.RecomputeDaily(ctx); err != nil {
		logger.Warn().Err(err).Msg("Initial daily risk recompute failed")
	}
	if err := riskMgr.RecomputeWeekly(ctx); err != nil {
		logger.Warn().Err(err).Msg("Initial weekly risk recompute failed")
	}

	// ==== HTTP surfaces ====
	authMgr := auth.NewManager(cfg.AuthConfig)
	ingestSrv := ingest.NewServers(repo, writer, queue, mon, optimizer, vaultClient, decisions, bus, cfg, logger)
	dash := dashboard.NewServer(cfg, repo, queue, breakers, decisions, authMgr, logger)

	// ==== Workers ====
	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		writer.Run(ctx)
	}()

	sched := buildScheduler(cfg, logger, generator, trader, mon, shadowEng, riskMgr,
		optimizer, queue, news, writer, repo, breakers)
	sched.Start(ctx)

	ingestErr := ingestSrv.Start()
	dashErr := dash.Start()

	logger.Info().
		Int("control_port", cfg.ServerConfig.ControlPort).
		Int("tick_port", cfg.ServerConfig.TickPort).
		Int("trade_port", cfg.ServerConfig.TradePort).
		Int("log_port", cfg.ServerConfig.LogPort).
		Int("dashboard_port", cfg.ServerConfig.DashboardPort).
		Msg("==== MT5 Trading Server ready ====")

	code := exitOK
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-ingestErr:
		logger.Error().Err(err).Msg("Ingestion listener failed")
		code = exitRuntime
	case err := <-dashErr:
		logger.Error().Err(err).Msg("Dashboard listener failed")
		code = exitRuntime
	}
	stop()

	// ==== Shutdown ====
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := ingestSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Ingestion shutdown incomplete")
	}
	if err := dash.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Dashboard shutdown incomplete")
	}
	sched.Stop()
	writerWG.Wait() // final tick flush

	logger.Info().Msg("==== MT5 Trading Server stopped ====")
	return code
}

// buildScheduler registers every periodic loop. Cadences come from
// config; the daily jobs are hourly tickers deduplicated by DailyAt.
func buildScheduler(
	cfg *config.Config,
	logger zerolog.Logger,
	generator *signal.Generator,
	trader *autotrader.Trader,
	mon *monitor.Monitor,
	shadowEng *shadow.Engine,
	riskMgr *risk.DynamicManager,
	optimizer *risk.Optimizer,
	queue *commands.Service,
	news *signal.NewsCalendar,
	writer *tickwriter.Writer,
	repo *database.Repository,
	breakers *circuit.Manager,
) *scheduler.Scheduler {
	sched := scheduler.New(logger)

	sched.Add(scheduler.Job{
		Name: "signal_generator",
		// fastest cadence; the generator stretches per-key intervals
		// itself based on volatility regime
		Interval: secs(cfg.TradingConfig.SignalIntervalHighSecs, 5),
		Fn:       generator.Tick,
	})
	sched.Add(scheduler.Job{
		Name:     "signal_sweep",
		Interval: 30 * time.Second,
		Fn:       generator.Sweep,
	})
	sched.Add(scheduler.Job{
		Name:     "auto_trader",
		Interval: secs(cfg.TradingConfig.AutoTradeIntervalSecs, 10),
		Fn:       trader.RunOnce,
	})
	sched.Add(scheduler.Job{
		Name:     "trade_monitor",
		Interval: secs(cfg.MonitorConfig.IntervalSecs, 5),
		Fn:       mon.ScanOnce,
	})
	sched.Add(scheduler.Job{
		Name:     "trade_reconcile",
		Interval: secs(cfg.MonitorConfig.ReconcileIntervalSecs, 30),
		Fn:       mon.ReconcileOnce,
	})
	sched.Add(scheduler.Job{
		Name:     "drawdown_guard",
		Interval: secs(cfg.RiskConfig.DrawdownCheckIntervalSecs, 60),
		Fn:       mon.GuardAccounts,
	})
	sched.Add(scheduler.Job{
		Name:     "shadow_scan",
		Interval: secs(cfg.ShadowConfig.IntervalSecs, 5),
		Fn:       shadowEng.Scan,
	})
	sched.Add(scheduler.Job{
		Name:     "shadow_recovery",
		Interval: time.Hour,
		Fn:       scheduler.DailyAt(cfg.ShadowConfig.RecoveryHourUTC, shadowEng.RunRecovery),
	})
	sched.Add(scheduler.Job{
		Name:     "risk_recompute_daily",
		Interval: time.Hour,
		Fn:       scheduler.DailyAt(0, riskMgr.RecomputeDaily),
	})
	sched.Add(scheduler.Job{
		Name:     "risk_recompute_weekly",
		Interval: time.Hour,
		Fn: scheduler.DailyAt(0, func(ctx context.Context) error {
			if time.Now().UTC().Weekday() != time.Monday {
				return nil
			}
			return riskMgr.RecomputeWeekly(ctx)
		}),
	})
	sched.Add(scheduler.Job{
		Name:     "breaker_day_roll",
		Interval: time.Hour,
		Fn: scheduler.DailyAt(0, func(ctx context.Context) error {
			accounts, err := repo.ListAccounts(ctx)
			if err != nil {
				return err
			}
			for _, acc := range accounts {
				breakers.ResetDaily(ctx, acc.AccountID)
			}
			return nil
		}),
	})
	sched.Add(scheduler.Job{
		Name:     "optimizer_resume",
		Interval: time.Minute,
		Fn:       optimizer.ResumeExpiredPauses,
	})
	sched.Add(scheduler.Job{
		Name:     "command_requeue",
		Interval: 30 * time.Second,
		Fn:       queue.RequeueStuck,
	})
	sched.Add(scheduler.Job{
		Name:       "news_refresh",
		Interval:   mins(cfg.NewsConfig.RefreshMins, 60),
		RunOnStart: true,
		Fn:         news.Refresh,
	})
	sched.Add(scheduler.Job{
		Name:     "retention_sweep",
		Interval: time.Hour,
		Fn: func(ctx context.Context) error {
			if err := writer.Cleanup(ctx); err != nil {
				return err
			}
			now := time.Now().UTC()
			if _, err := repo.DeleteDecisionsBefore(ctx, now.AddDate(0, 0, -decisionRetentionDays)); err != nil {
				return err
			}
			if _, err := repo.DeleteEALogsBefore(ctx, now.AddDate(0, 0, -eaLogRetentionDays)); err != nil {
				return err
			}
			// keep closed shadow trades twice the recovery window so a
			// promotion decision can always be audited
			shadowCutoff := now.AddDate(0, 0, -2*cfg.ShadowConfig.RecoveryWindowDays)
			_, err := repo.DeleteShadowTradesBefore(ctx, shadowCutoff)
			return err
		},
	})

	return sched
}

func secs(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

func mins(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Minute
}
