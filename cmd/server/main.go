package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/acmg-amp-mcp-server/internal/api"
	"github.com/acmg-amp-mcp-server/internal/cache"
	"github.com/acmg-amp-mcp-server/internal/classify"
	"github.com/acmg-amp-mcp-server/internal/config"
	"github.com/acmg-amp-mcp-server/internal/database"
	"github.com/acmg-amp-mcp-server/internal/domain"
	"github.com/acmg-amp-mcp-server/internal/dosing"
	"github.com/acmg-amp-mcp-server/internal/engine"
	"github.com/acmg-amp-mcp-server/internal/errorreports"
	"github.com/acmg-amp-mcp-server/internal/kb"
	"github.com/acmg-amp-mcp-server/internal/narrative"
	"github.com/acmg-amp-mcp-server/internal/repository"
	"github.com/acmg-amp-mcp-server/internal/selector"
	"github.com/acmg-amp-mcp-server/internal/stream"
)

func main() {
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("configuration validation failed: %v", err)
	}
	cfg := configManager.GetConfig()

	logger := newLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("starting empiric recommendation engine")

	store, err := kb.NewStore(cfg.Engine.KBPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to load guidelines corpus")
	}

	allergyClassifier := classify.NewAllergyClassifier(store, cfg.Engine.ConservativeAllergyDefault)
	infectionClassifier := classify.NewInfectionClassifier(store)
	baseSelector := selector.New()
	doseCalculator := dosing.New()

	var drugSelector domain.DrugSelector = baseSelector
	var regimenCache *cache.RegimenCache
	if cfg.Cache.LocalLRUSize > 0 {
		regimenCache, err = cache.NewRegimenCache(store, cfg.Cache.LocalLRUSize)
		if err != nil {
			logger.WithError(err).Fatal("failed to create regimen cache")
		}
		drugSelector = cache.NewCachingSelector(baseSelector, regimenCache)
	}

	rec, err := engine.New(store, allergyClassifier, infectionClassifier, drugSelector, doseCalculator, cfg.Engine, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to build recommendation engine")
	}
	if regimenCache != nil {
		rec.OnReload(regimenCache.Invalidate)
	}

	reportStore, err := errorreports.NewStore(cfg.Engine.ErrorReportsPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to open error report store")
	}

	reportIndexPath := filepath.Join(cfg.Engine.ErrorReportsPath, "index.sqlite")
	reportIndex, err := errorreports.NewSQLiteIndex(reportIndexPath)
	if err != nil {
		logger.WithError(err).Warn("error report sqlite index unavailable, list(filters) will fall back to a full scan")
	} else {
		if err := reportIndex.Rebuild(context.Background(), cfg.Engine.ErrorReportsPath); err != nil {
			logger.WithError(err).Warn("error report sqlite index rebuild failed, list(filters) will fall back to a full scan")
		} else {
			reportStore.AttachIndex(reportIndex)
		}
		defer reportIndex.Close()
	}

	if cfg.Database.Host != "" {
		wireDatabase(context.Background(), cfg.Database, rec, logger)
	}

	if cfg.Cache.RedisURL != "" && cfg.Narrative.Enabled {
		narrativeCache, err := cache.NewNarrativeCache(cfg.Cache)
		if err != nil {
			logger.WithError(err).Warn("narrative cache unavailable, continuing without it")
		} else {
			defer narrativeCache.Close()
			rec.SetNarrativeFormatter(narrative.New(cfg.Narrative, narrativeCache, logger))
		}
	} else if cfg.Narrative.Enabled {
		rec.SetNarrativeFormatter(narrative.New(cfg.Narrative, nil, logger))
	}

	var hub *stream.Hub
	if cfg.WebsocketEnabled {
		hub = stream.NewHub(logger)
		rec.OnRecommendation(hub.Broadcast)
	}

	server := api.NewServer(configManager, rec, reportStore, hub, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received, gracefully shutting down")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("server failed")
	}
	logger.Info("server stopped")
}

func newLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Output == "stderr" {
		logger.SetOutput(os.Stderr)
	}
	return logger
}

// wireDatabase runs pending migrations and attaches the Postgres audit
// history repository. A failure here is logged but never fatal: the
// mandatory JSONL audit log (internal/engine) already satisfies the audit
// requirement on its own.
func wireDatabase(ctx context.Context, cfg domain.DatabaseConfig, rec *engine.Engine, logger *logrus.Logger) {
	databaseURL := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)

	if cfg.MigrationsPath != "" {
		runner, err := database.NewMigrationRunner(databaseURL, cfg.MigrationsPath, logger)
		if err != nil {
			logger.WithError(err).Warn("failed to initialize migration runner, continuing without audit history")
			return
		}
		defer runner.Close()
		if err := runner.Up(ctx); err != nil {
			logger.WithError(err).Warn("failed to run audit history migrations, continuing without it")
			return
		}
	}

	db, err := database.NewConnection(ctx, database.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		Database:    cfg.Database,
		Username:    cfg.Username,
		Password:    cfg.Password,
		MaxConns:    cfg.MaxOpenConns,
		MinConns:    cfg.MaxIdleConns,
		MaxConnLife: cfg.ConnMaxLifetime,
		SSLMode:     cfg.SSLMode,
	}, logger)
	if err != nil {
		logger.WithError(err).Warn("failed to connect to audit history database, continuing without it")
		return
	}

	rec.SetRepository(repository.NewRecommendationRepository(db.Pool, logger))
}
