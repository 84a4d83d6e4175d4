package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"brokerlink/internal/alert"
	"brokerlink/internal/api"
	"brokerlink/internal/broker"
	"brokerlink/internal/config"
	"brokerlink/internal/connection"
	"brokerlink/internal/engine"
	"brokerlink/internal/market"
	"brokerlink/internal/notify"
	"brokerlink/internal/store"
	"brokerlink/internal/util"
	"brokerlink/internal/vault"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal().Err(err).Msg("failed to load .env")
	}

	cfgPath := "config/brokerlink.yaml"
	if p := os.Getenv("BROKERLINK_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfgPath).Msg("failed to load config")
	}

	logger := util.NewLogger(util.LogOptions{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	util.SetDefault(logger)

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	var archive *store.CandleArchive
	if cfg.Storage.ArchiveDir != "" {
		archive = store.NewCandleArchive(cfg.Storage.ArchiveDir)
	}

	v, err := vault.New(cfg.Security.EncryptionKey, cfg.Security.Cipher)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise credential vault")
	}

	var book *broker.SandboxBook
	if cfg.Brokers.SandboxMode {
		book = broker.NewSandboxBook(nil)
		logger.Warn().Msg("sandbox mode: orders are simulated and credentials are not checked")
	}
	factory := broker.NewFactory(broker.Options{
		AlpacaBaseURL:  cfg.Alpaca.BaseURL,
		AlpacaDataURL:  cfg.Alpaca.DataURL,
		AlpacaFeed:     cfg.Alpaca.Feed,
		KiteBaseURL:    cfg.Kite.BaseURL,
		KiteRatePerMin: cfg.Kite.RateLimitPerMin,
	}, book)

	conns := connection.NewService(st, v, factory, cfg.Brokers.SandboxMode, logger)
	conns.SetCallTimeout(cfg.Brokers.CallTimeout)

	eng := engine.NewEngine(conns, st, engine.NewRiskManager(st, cfg.Trading.MaxOrderNotional), logger,
		engine.Options{CallTimeout: cfg.Brokers.CallTimeout})

	mkt := market.NewService(conns, st, archive, logger)
	mkt.SetCallTimeout(cfg.Brokers.CallTimeout)

	gateway, err := newGateway(cfg.Notifications)
	if err != nil {
		logger.Fatal().Err(err).Str("gateway", cfg.Notifications.Gateway).Msg("failed to create push gateway")
	}
	queue := notify.NewQueue(st, gateway, logger, notify.QueueOptions{
		Workers:        cfg.Notifications.Workers,
		Attempts:       cfg.Notifications.Attempts,
		Backoff:        cfg.Notifications.Backoff,
		KeepCompleted:  cfg.Notifications.KeepCompleted,
		KeepFailed:     cfg.Notifications.KeepFailed,
		DeviceCap:      cfg.Notifications.DeviceCap,
		RequestTimeout: cfg.Notifications.RequestTimeout,
	})
	queue.Start()

	evaluator := alert.NewEvaluator(st, queue, logger, alert.Options{
		Workers:     cfg.Alerts.Workers,
		RuleCap:     cfg.Alerts.RuleCap,
		RuleTimeout: cfg.Alerts.RuleTimeout,
		DedupWindow: cfg.Alerts.DedupWindow,
	})
	sched := alert.NewScheduler(evaluator, cfg.Alerts.Interval, logger)

	reconcileEvery := "@every " + cfg.Reconcile.Interval.String()
	err = sched.AddJob(reconcileEvery, "reconcile", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, cfg.Reconcile.Timeout)
		defer cancel()
		res, err := eng.Reconcile(ctx, "")
		if res != nil && res.Total() > 0 {
			logger.Info().Int("updated", res.Total()).Msg("reconciliation advanced orders")
		}
		return err
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule reconciliation")
	}
	if err := sched.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start scheduler")
	}

	srv := api.New(api.Config{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		GRPCPort: cfg.Server.GRPCPort,
		Log:      logger,
	}, api.Services{
		Instruments:   st,
		Connections:   conns,
		Engine:        eng,
		Market:        mkt,
		Alerts:        alert.NewService(st, sched),
		Scheduler:     sched,
		Notifications: notify.NewService(st),
		Queue:         queue,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Int("grpc_port", cfg.Server.GRPCPort).
		Bool("sandbox", cfg.Brokers.SandboxMode).
		Msg("brokerlink-server starting")

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("scheduler did not stop cleanly")
	}
	if err := queue.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("notification queue did not drain")
	}
	logger.Info().Msg("brokerlink-server stopped")
}

func newGateway(cfg config.Notifications) (notify.Gateway, error) {
	if cfg.Gateway == "apns" {
		return notify.NewAPNsGateway(notify.APNsConfig{
			KeyFile:    cfg.APNs.KeyFile,
			KeyID:      cfg.APNs.KeyID,
			TeamID:     cfg.APNs.TeamID,
			Topic:      cfg.APNs.Topic,
			Production: cfg.APNs.Production,
		})
	}
	return notify.NewExpoGateway(cfg.ExpoURL, &http.Client{Timeout: cfg.RequestTimeout}), nil
}
