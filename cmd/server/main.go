package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/oncoscan/triage-server/internal/api"
	"github.com/oncoscan/triage-server/internal/cache"
	"github.com/oncoscan/triage-server/internal/config"
	"github.com/oncoscan/triage-server/internal/database"
	"github.com/oncoscan/triage-server/internal/domain"
	"github.com/oncoscan/triage-server/internal/ingest"
	"github.com/oncoscan/triage-server/internal/repository"
	"github.com/oncoscan/triage-server/internal/service"
	"github.com/oncoscan/triage-server/pkg/external"
)

func main() {
	logger := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	configureLogging(logger, cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, cleanup, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize case store")
	}
	defer cleanup()

	repo := repository.NewCaseRepository(
		store,
		service.NewScoringEngine(logger),
		service.NewRiskClassifier(logger),
		service.NewCaseStateMachine(cfg.Inference.Enabled),
		logger,
	)

	reports, err := cache.NewReportCache(cache.Config{
		RedisURL:  cfg.Cache.RedisURL,
		RedisTTL:  cfg.Cache.RedisTTL,
		LocalSize: cfg.Cache.LocalSize,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize report cache")
	}
	defer reports.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	var wg sync.WaitGroup
	if cfg.Inference.Enabled {
		analyzer := external.NewInferenceClient(external.InferenceConfig{
			BaseURL: cfg.Inference.BaseURL,
			Timeout: cfg.Inference.Timeout,
		}, logger)
		worker := ingest.NewWorker(repo, analyzer, cfg.Inference.PollInterval, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
	}

	server := api.NewServer(cfg.Server, repo, reports, logger)
	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}

	wg.Wait()
	logger.Info("Server stopped")
}

func configureLogging(logger *logrus.Logger, cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// buildStore constructs the configured case store backend and returns a
// cleanup function for its resources.
func buildStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (domain.CaseStore, func(), error) {
	switch cfg.Storage.Driver {
	case "memory":
		logger.Warn("Using in-memory case store; data will not survive restarts")
		return repository.NewMemoryStore(), func() {}, nil

	case "sqlite":
		store, err := repository.NewSQLiteStore(cfg.Storage.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.WithField("path", cfg.Storage.SQLitePath).Info("SQLite case store ready")
		return store, func() { store.Close() }, nil

	default: // "postgres", validated at load
		dbCfg := database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			Database:    cfg.Database.Database,
			Username:    cfg.Database.Username,
			Password:    cfg.Database.Password,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnLife: cfg.Database.ConnMaxLifetime,
			MaxConnIdle: cfg.Database.ConnMaxIdleTime,
		}

		runner, err := database.NewMigrationRunner(dbCfg.URL(), cfg.Database.MigrationsPath, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := runner.Up(); err != nil {
			runner.Close()
			return nil, nil, err
		}
		runner.Close()

		db, err := database.NewConnection(ctx, dbCfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewPostgresStore(db.Pool, logger), db.Close, nil
	}
}
