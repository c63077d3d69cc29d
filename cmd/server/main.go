package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/otso-systems/gridtrader/internal/alert"
	"github.com/otso-systems/gridtrader/internal/clients/marketdata"
	"github.com/otso-systems/gridtrader/internal/clients/marketdata/httpfeed"
	"github.com/otso-systems/gridtrader/internal/clients/marketdata/wsfeed"
	"github.com/otso-systems/gridtrader/internal/config"
	"github.com/otso-systems/gridtrader/internal/database"
	"github.com/otso-systems/gridtrader/internal/execution"
	"github.com/otso-systems/gridtrader/internal/gridplan"
	"github.com/otso-systems/gridtrader/internal/jobs"
	"github.com/otso-systems/gridtrader/internal/monitor"
	"github.com/otso-systems/gridtrader/internal/scheduler"
	"github.com/otso-systems/gridtrader/internal/server"
	"github.com/otso-systems/gridtrader/internal/store"
	"github.com/otso-systems/gridtrader/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// No logger yet, fall back to a plain startup logger at default level.
		logger.New(logger.Config{Level: "info", Pretty: true}).Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Msg("starting gridtrader")

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	grids := store.NewGridRepository(log)
	orders := store.NewOrderRepository(log)
	portfolios := store.NewPortfolioRepository(log)
	alerts := store.NewAlertRepository(log)
	manualFills := store.NewManualFillRepository(log)
	leases := store.NewLeaseRepository()
	priceCache := store.NewPriceCacheRepository(log)
	snapshots := store.NewSnapshotRepository(log)

	rootCtx, cancelFeed := context.WithCancel(context.Background())
	defer cancelFeed()

	feed := newMarketDataFeed(rootCtx, cfg, log)

	strategyDefaults, err := config.LoadStrategyDefaults("config/strategy_defaults.yaml")
	if err != nil {
		log.Warn().Err(err).Msg("failed to load strategy defaults, using built-in fallbacks")
		strategyDefaults = nil
	}

	monitor.DefaultBoundaryBufferPct = cfg.BoundaryBufferPct
	gridplan.DefaultRebalanceThreshold = cfg.RebalanceThreshold
	execution.MilestoneSteps = cfg.MilestoneSteps

	emitter := alert.NewEmitter(alerts)
	planner := gridplan.NewPlannerWithDefaults(feed, grids, orders, alerts, strategyDefaults, log)
	engine := execution.NewEngine(db, grids, orders, portfolios, manualFills, emitter, log)
	tick := monitor.NewTick(db, grids, orders, feed, engine, planner, emitter, log)
	priceCacheRefresh := jobs.NewPriceCacheRefresh(db, grids, priceCache, feed, log)
	portfolioRevaluation := jobs.NewPortfolioRevaluation(db, portfolios, priceCache, snapshots, log)

	dispatcher := alert.NewDispatcher(alerts, db, log)
	dispatcher.AddChannel(alert.InStoreChannel{})
	if cfg.SMTPHost != "" && len(cfg.SMTPTo) > 0 {
		dispatcher.AddChannel(alert.NewEmailChannel(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom, cfg.SMTPTo))
	}

	sched := scheduler.New(log).WithLeasing(leases, db, scheduler.NewHolderID())
	sched.Start()
	defer sched.Stop()

	if err := registerJobs(sched, tick, dispatcher, priceCacheRefresh, portfolioRevaluation, cfg); err != nil {
		log.Fatal().Err(err).Msg("failed to register scheduled jobs")
	}

	srv := server.New(server.Config{
		Port:        cfg.Port,
		Log:         log,
		DB:          db,
		Cfg:         cfg,
		DevMode:     cfg.DevMode,
		Grids:       grids,
		Orders:      orders,
		Portfolios:  portfolios,
		Alerts:      alerts,
		ManualFills: manualFills,
		Feed:        feed,
		Planner:     planner,
		Engine:      engine,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// newMarketDataFeed selects the Port implementation per MARKET_DATA_MODE —
// httpfeed for polling deployments, wsfeed where a streaming quote source
// is available. A wsfeed needs its reconnect loop started in the
// background; it runs until ctx is cancelled at shutdown.
func newMarketDataFeed(ctx context.Context, cfg *config.Config, log zerolog.Logger) marketdata.Port {
	if cfg.MarketDataMode == "ws" && cfg.MarketDataStreamURL != "" {
		f := wsfeed.New(cfg.MarketDataStreamURL, "", log)
		go f.Run(ctx)
		return f
	}
	return httpfeed.New(cfg.MarketDataQuoteURL, cfg.MarketDataChartURL, log)
}

// registerJobs wires the scheduled tasks from spec.md §4.6. Grid monitoring
// (which also evaluates DYNAMIC rebalance thresholds inline, folding what
// the task table lists as a separate rebalance scan into the same tick —
// see DESIGN.md), alert dispatch, price cache refresh, and portfolio
// revaluation all run under lease guard so only one node in a multi-process
// deployment executes any of them on a given tick.
func registerJobs(sched *scheduler.Scheduler, tick *monitor.Tick, dispatcher *alert.Dispatcher, priceCacheRefresh *jobs.PriceCacheRefresh, portfolioRevaluation *jobs.PortfolioRevaluation, cfg *config.Config) error {
	if err := sched.AddLeasedJob(intervalSchedule(cfg.MonitorInterval), tick, 2*cfg.MonitorInterval); err != nil {
		return err
	}
	if err := sched.AddLeasedJob(intervalSchedule(cfg.AlertDispatchInterval), dispatcher, 2*cfg.AlertDispatchInterval); err != nil {
		return err
	}
	if err := sched.AddLeasedJob(intervalSchedule(cfg.PriceCacheInterval), priceCacheRefresh, 2*cfg.PriceCacheInterval); err != nil {
		return err
	}
	if err := sched.AddLeasedJob(intervalSchedule(cfg.PortfolioRevalInterval), portfolioRevaluation, 2*cfg.PortfolioRevalInterval); err != nil {
		return err
	}
	return nil
}

func intervalSchedule(d time.Duration) string {
	return "@every " + d.String()
}
