package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/warroomhq/warroom/internal/alerts"
	"github.com/warroomhq/warroom/internal/audit"
	"github.com/warroomhq/warroom/internal/broker"
	"github.com/warroomhq/warroom/internal/bus"
	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/db"
	"github.com/warroomhq/warroom/internal/learning"
	"github.com/warroomhq/warroom/internal/llm"
	"github.com/warroomhq/warroom/internal/market"
	"github.com/warroomhq/warroom/internal/metrics"
	"github.com/warroomhq/warroom/internal/news"
	"github.com/warroomhq/warroom/internal/orders"
	"github.com/warroomhq/warroom/internal/recovery"
	"github.com/warroomhq/warroom/internal/risk"
	"github.com/warroomhq/warroom/internal/scheduler"
	"github.com/warroomhq/warroom/internal/shadow"
	"github.com/warroomhq/warroom/internal/signals"
	"github.com/warroomhq/warroom/internal/verify"
	"github.com/warroomhq/warroom/internal/warroom"
)

// metricsRefreshEvery is the cadence of the db-derived gauge refresh
const metricsRefreshEvery = 30 * time.Second

var runVerifyGateway bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the trading core",
	Long: `Run starts the full decision loop: news polling, interpretation,
War Room deliberation, risk validation, paper execution, the shadow
ledger, outcome verification, and the nightly weight adjustment.

Before any new order flow starts, a boot sweep reconciles orders a
crash may have left mid-flight against the broker. The process then
runs until SIGINT/SIGTERM and shuts down in dependency order.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runVerifyGateway, "verify-gateway", false, "Probe the LLM gateway health endpoint during startup validation")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := log.Logger

	logger.Info().
		Str("version", config.Version).
		Str("environment", cfg.App.Environment).
		Str("persona", cfg.WarRoom.Persona).
		Msg("Starting WarRoom trading core")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := config.LoadSecretsFromVault(ctx, cfg, config.GetVaultConfigFromEnv()); err != nil {
		return fmt.Errorf("failed to load secrets: %w", err)
	}
	if strings.ToLower(cfg.App.Environment) != "development" {
		if errs := config.ValidateProductionSecrets(cfg); len(errs) > 0 {
			return fmt.Errorf("secret validation failed: %w", errs)
		}
	}

	opts := config.DefaultValidatorOptions()
	opts.VerifyGateway = runVerifyGateway
	if err := config.NewValidator(cfg, opts).ValidateStartup(ctx); err != nil {
		return fmt.Errorf("startup validation failed: %w", err)
	}

	rules, err := config.LoadRulesFile(cfg.App.RulesFile)
	if err != nil {
		return fmt.Errorf("failed to load trading rules: %w", err)
	}

	personas := config.DefaultPersonas()
	if cfg.App.PersonaFile != "" {
		if personas, err = config.LoadPersonaFile(cfg.App.PersonaFile); err != nil {
			return fmt.Errorf("failed to load personas: %w", err)
		}
	}
	persona, err := personas.Get(cfg.WarRoom.Persona)
	if err != nil {
		return err
	}

	database, err := db.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	pool := database.Pool()
	articleRepo := db.NewArticleRepository(pool)
	interpRepo := db.NewInterpretationRepository(pool)
	jobRepo := db.NewHorizonJobRepository(pool)
	delibRepo := db.NewDeliberationRepository(pool)
	weightRepo := db.NewWeightRepository(pool)
	signalRepo := db.NewSignalRepository(pool)
	orderRepo := db.NewOrderRepository(pool)
	shadowRepo := db.NewShadowRepository(pool)

	if err := weightRepo.EnsureDefaultWeights(ctx, cfg.WarRoom.Agents); err != nil {
		return fmt.Errorf("failed to seed agent weights: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	breakers := risk.NewBreakers()

	feed, err := market.NewHTTPFeed(cfg.Market)
	if err != nil {
		return fmt.Errorf("failed to build market feed: %w", err)
	}
	calendar, err := market.NewCalendar()
	if err != nil {
		return fmt.Errorf("failed to build market calendar: %w", err)
	}
	marketSvc := market.NewService(feed, market.NewCache(rdb, cfg.Market, logger), calendar, breakers.Market(), cfg.Market, logger)
	snapshots := market.NewSnapshotBuilder(marketSvc, articleRepo, cfg.Market, logger)

	client := llm.NewClient(cfg.LLM, breakers.LLM(), logger)
	panel := llm.Panel(cfg.WarRoom.Agents, client, logger)
	interpreter := llm.NewInterpreter(client, cfg.LLM, logger)

	alerter, err := alerts.FromConfig(cfg.Alerts, logger)
	if err != nil {
		return fmt.Errorf("failed to configure alerts: %w", err)
	}

	// The bus carries every cross-component event; the audit recorder
	// sees all of them, so it attaches before any producer starts.
	b := bus.New(logger, 0)
	audit.NewRecorder(pool, logger).Attach(b)

	killSwitch := risk.NewKillSwitch(b, logger)

	manager := orders.NewManager(orderRepo, b, killSwitch, logger)
	orderValidator := orders.NewValidator(cfg.Risk, logger)

	venue := broker.NewBreaking(
		broker.NewRetrying(broker.NewPaperBroker(marketSvc, cfg.Broker, logger), cfg.Broker, logger),
		breakers.Broker(),
	)

	ledger := shadow.NewLedger(shadowRepo, orderRepo, marketSvc, b, cfg.Shadow, logger)
	if err := ledger.Load(ctx); err != nil {
		return fmt.Errorf("failed to load shadow session: %w", err)
	}
	if err := ledger.Register(b); err != nil {
		return fmt.Errorf("failed to register shadow ledger: %w", err)
	}

	riskView := risk.NewProvider(ledger, orderRepo, marketSvc, marketSvc, killSwitch, rules, cfg.Risk, logger)

	room := warroom.NewOrchestrator(panel, delibRepo, weightRepo, snapshots, b, persona, cfg.WarRoom, cfg.LLM.AgentTimeout, logger)

	verifier := verify.NewVerifier(jobRepo, interpRepo, marketSvc, b, cfg.Verify, logger)

	executor := signals.NewExecutor(manager, orderValidator, riskView, venue, rules, signalRepo, orderRepo, cfg.Broker, logger)

	pipeline := signals.NewPipeline(signals.PipelineDeps{
		Articles:    articleRepo,
		Interpreter: interpreter,
		Interps:     verify.NewSchedulingSink(interpRepo, verifier),
		Deliberator: room,
		RiskView:    riskView,
		Router:      risk.NewRouter(cfg.Risk),
		Sizer:       risk.NewSizer(cfg.Risk, logger),
		Filter:      signals.NewFilter(cfg.Pipeline, logger),
		Executor:    executor,
		Signals:     signalRepo,
		Market:      marketSvc,
		Bus:         b,
	}, cfg.Pipeline, cfg.Market, logger)

	if err := executor.RegisterKillSwitchSweep(b); err != nil {
		return fmt.Errorf("failed to register kill switch sweep: %w", err)
	}

	monitor := shadow.NewMonitor(ledger, pipeline, marketSvc, b, logger)
	adjuster := learning.NewAdjuster(interpRepo, weightRepo, b, cfg.Learning, logger)
	coordinator := recovery.NewCoordinator(orderRepo, manager, venue, alerter, b, cfg.Broker, logger)

	// Boot sweep before any new order flow. The ledger is already
	// subscribed, so fills recovered here land in the portfolio the
	// same way live fills do.
	sum, err := coordinator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("boot recovery failed: %w", err)
	}
	logger.Info().
		Int("checked", sum.Checked).
		Int("filled", sum.Filled).
		Int("manual_review", sum.ManualReview).
		Msg("Boot reconciliation complete")

	poller := news.NewPoller(newsSources(cfg.News), articleRepo, rules, pipeline, cfg.News, logger)
	updater := metrics.NewUpdater(pool)

	sched := scheduler.New(killSwitch, alerter, cfg.Scheduler, logger)
	var regErr error
	reg := func(err error) {
		if regErr == nil {
			regErr = err
		}
	}
	reg(sched.RegisterTrading("news_poll", cfg.News.PollInterval, poller.Poll))
	reg(sched.RegisterTrading("signal_cycle", cfg.Scheduler.SignalCycleEvery, pipeline.RunCycle))
	reg(sched.Register("horizon_check", cfg.Verify.CheckInterval, verifier.RunDue))
	reg(sched.Register("shadow_mtm", cfg.Shadow.MTMInterval, ledger.MarkToMarket))
	reg(sched.Register("stop_loss_scan", cfg.Shadow.StopScanEvery, monitor.Scan))
	reg(sched.Register("broker_reconcile", cfg.Scheduler.BrokerReconcileEvery, coordinator.Reconcile))
	reg(sched.RegisterDaily("daily_learning", 0, 0, adjuster.Run))
	reg(sched.Register("metrics_refresh", metricsRefreshEvery, func(ctx context.Context) error {
		database.PublishStats()
		return updater.Refresh(ctx)
	}))
	if regErr != nil {
		return fmt.Errorf("failed to register scheduler jobs: %w", regErr)
	}

	var metricsSrv *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsSrv = metrics.NewServer(cfg.Monitoring.PrometheusPort, logger)
		if err := metricsSrv.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := pipeline.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("pipeline stopped: %w", err)
		}
	}()

	if err := b.Publish(ctx, bus.TopicSystemStarted, map[string]interface{}{
		"version":     config.Version,
		"environment": cfg.App.Environment,
		"persona":     persona.Name,
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to publish system started event")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errChan:
		logger.Error().Err(err).Msg("Fatal component error")
	}

	logger.Info().Msg("Initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Scheduler shutdown error")
	}
	cancel()

	if err := b.Publish(shutdownCtx, bus.TopicSystemStopped, map[string]interface{}{
		"version": config.Version,
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to publish system stopped event")
	}
	b.Close()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

// newsSources builds the configured article sources. Without a feed URL
// every name degrades to an empty static source, so a fresh checkout
// boots (and trades on nothing) before any feed credentials exist.
func newsSources(cfg config.NewsConfig) []news.Source {
	sources := make([]news.Source, 0, len(cfg.Sources))
	for _, name := range cfg.Sources {
		if cfg.FeedURL == "" {
			sources = append(sources, news.NewStaticSource(name, nil))
			continue
		}
		src, err := news.NewHTTPSource(name, cfg)
		if err != nil {
			log.Warn().Err(err).Str("source", name).Msg("Falling back to empty static source")
			sources = append(sources, news.NewStaticSource(name, nil))
			continue
		}
		sources = append(sources, src)
	}
	return sources
}
