package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"escrowflow/auth"
	"escrowflow/certificate"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/feeconfig"
	"escrowflow/keeper"
	"escrowflow/outbox"
	"escrowflow/settings"
	"escrowflow/timeline"
	"escrowflow/vault"
)

func main() {
	configPath := flag.String("config", "escrowflow.yaml", "path to the YAML settings file")
	envFile := flag.String("env", ".env", "path to an optional .env file")
	flag.Parse()

	cfg, err := settings.Load(*configPath, *envFile)
	if err != nil {
		zap.NewExample().Fatal("load settings", zap.Error(err))
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		zap.NewExample().Fatal("build logger", zap.Error(err))
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("escrowflow stopped", zap.Error(err))
	}
}

func run(cfg settings.Settings, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	if dir := cfg.Database.MigrationsDir; dir != "" {
		applied, err := db.Migrate(ctx, pool, dir)
		if err != nil {
			return err
		}
		logger.Info("migrations applied", zap.Strings("files", applied))
	}

	journal := timeline.NewJournal()
	registry := certificate.NewRegistry()
	configRepo := feeconfig.NewRepository()

	escrowService := escrow.NewService(pool, escrow.NewRepository(), configRepo, vault.NewLedger(), registry, journal, logger.Named("escrow"))
	server := &Server{
		authService:        auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret),
		configService:      feeconfig.NewService(pool, configRepo, journal, logger.Named("feeconfig")),
		escrowService:      escrowService,
		certificateService: certificate.NewService(pool, registry, journal, logger.Named("certificate")),
		logger:             logger.Named("http"),
	}

	if cfg.Outbox.Enabled {
		hub := outbox.NewHub(cfg.Outbox.SubscriberBuffer, logger.Named("events"))
		defer hub.Close()
		relay := outbox.NewRelay(pool, hub, outbox.Config{
			BatchSize:   cfg.Outbox.BatchSize,
			MaxAttempts: cfg.Outbox.MaxAttempts,
			Interval:    cfg.Outbox.Interval,
		}, logger.Named("outbox"))
		relayCtx, cancelRelay := context.WithCancel(ctx)
		relayDone := make(chan struct{})
		go func() {
			defer close(relayDone)
			_ = relay.Run(relayCtx)
		}()
		defer func() {
			cancelRelay()
			<-relayDone
		}()
		server.events = hub
	}

	if cfg.Keeper.Enabled {
		k, err := keeper.New(escrowService, keeper.Config{
			Schedule:     cfg.Keeper.Schedule,
			BatchSize:    cfg.Keeper.BatchSize,
			Concurrency:  cfg.Keeper.Concurrency,
			Identity:     cfg.Keeper.Identity,
			SweepTimeout: cfg.HTTP.ShutdownTimeout,
		}, logger.Named("keeper"))
		if err != nil {
			return err
		}
		k.Start()
		defer k.Stop()
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newLogger(s settings.LogSettings) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(s.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if s.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
