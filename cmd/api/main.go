package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"medorders_backend/internal/authorization"
	"medorders_backend/internal/authorization/classifier"
	apphttp "medorders_backend/internal/http"
	"medorders_backend/internal/http/router"
	"medorders_backend/internal/orders"
	"medorders_backend/migrations"
	"medorders_backend/platform/config"
	"medorders_backend/platform/db"
	"medorders_backend/platform/events"
	"medorders_backend/platform/logger"
	"medorders_backend/platform/validator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, cfg, migrations.FS, ".")
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()
	log.Info("database connection established")

	eventBus := events.NewInMemoryBus(log)
	val := validator.New()

	// ========================================================================
	// Authorization Engine
	// ========================================================================

	tables, err := authorization.LoadKeywordTables(cfg.GetFallbackKeywordsPath())
	if err != nil {
		log.Error("failed to load keyword tables", "error", err)
		panic("failed to load keyword tables: " + err.Error())
	}
	fallback := authorization.NewFallbackAnalyzer(tables)
	policy := authorization.NewPolicyEnforcer(cfg.GetPolicyCostCeiling())

	var gateway authorization.Gateway
	if cfg.IsClassifierEnabled() {
		client, err := classifier.New(ctx, classifier.Config{
			APIKey:  cfg.GetClassifierAPIKey(),
			Model:   cfg.GetClassifierModel(),
			Timeout: cfg.GetClassifierTimeout(),
		})
		if err != nil {
			log.Error("failed to initialize classifier client", "error", err)
			panic("failed to initialize classifier client: " + err.Error())
		}
		gateway = client
		log.Info("classifier client initialized", "model", cfg.GetClassifierModel())
	} else {
		log.Warn("CLASSIFIER_API_KEY not configured; all analyses will use heuristic rules")
	}

	engine := authorization.NewEngine(gateway, fallback, policy, log)

	// ========================================================================
	// Domain Modules (Composition Root)
	// ========================================================================

	ordersModule := orders.NewModule(pool, engine, eventBus, val, log)

	app := &apphttp.App{
		Config:   cfg,
		Logger:   log,
		Health:   db.NewPoolAdapter(pool),
		EventBus: eventBus,
		Modules: []apphttp.Module{
			ordersModule,
		},
	}

	httpEngine := router.New(app)

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- httpEngine.Run(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = shutdownCtx
	case err := <-srvErr:
		if err != nil {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		delay := baseDelay * time.Duration(attempt)
		log.Warn("retrying "+name, "attempt", attempt, "delay", delay.String(), "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
