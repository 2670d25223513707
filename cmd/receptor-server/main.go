// Package main provides the receptor server entry point: the central site
// that accepts cross-site contributions, keeps the master template registry,
// and pushes approved versions out to subscribers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/domika-dev/template-registry/pkg/config"
	"github.com/domika-dev/template-registry/pkg/conflicts"
	"github.com/domika-dev/template-registry/pkg/contributions"
	"github.com/domika-dev/template-registry/pkg/propagation"
	"github.com/domika-dev/template-registry/pkg/registry"
	"github.com/domika-dev/template-registry/pkg/sites"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "/config/receptor.yaml", "Path to the receptor config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("starting receptor server",
		"listen", cfg.Server.Listen,
		"siteURL", cfg.Server.SiteURL,
		"dbDriver", cfg.Database.Driver)

	db, err := openDatabase(cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	siteStore := sites.NewSiteStore(db)
	registryStore := registry.NewStore(db)
	deliveryStore := propagation.NewDeliveryStore(db)
	for name, migrate := range map[string]func() error{
		"sites":      siteStore.AutoMigrate,
		"registry":   registryStore.AutoMigrate,
		"categories": contributions.NewCategoryStore(db).AutoMigrate,
		"requests":   contributions.NewRequestStore(db).AutoMigrate,
		"deliveries": deliveryStore.AutoMigrate,
	} {
		if err := migrate(); err != nil {
			logger.Error("migration failed", "store", name, "error", err)
			os.Exit(1)
		}
	}

	if cfg.Registry.RequireMonotonicVersions {
		if err := verifyChains(registryStore); err != nil {
			logger.Error("registry chain verification failed", "error", err)
			os.Exit(1)
		}
		logger.Info("registry chains verified")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	limiter := sites.NewRateLimiter(cfg.Submission.RateLimit, float64(cfg.Submission.RateLimit))
	auth := sites.NewAuthenticator(siteStore, limiter, logger)

	var enqueuer contributions.DeliveryEnqueuer
	if cfg.Propagation.Enabled {
		enqueuer = deliveryStore
	}
	svc := contributions.NewService(db, contributions.ServiceConfig{
		IdempotencyRetention: cfg.Idempotency.Retention(),
	}, enqueuer, logger)

	integrator := propagation.NewRegistryIntegrator(registryStore, logger)

	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.CORS,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	router.Route("/api/v1", func(r chi.Router) {
		r.Mount("/", contributions.NewRouter(svc, auth))
		r.Mount("/sites", sites.NewRouter(siteStore))
		r.Mount("/registry", registry.NewRouter(registryStore))
		r.Mount("/propagation", propagation.NewRouter(cfg.Propagation.Secret, integrator, deliveryStore, logger))
		r.Mount("/conflicts", conflicts.NewRouter())
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.Propagation.Enabled {
		workerCfg := &propagation.WorkerConfig{
			Enabled:      true,
			Concurrency:  cfg.Propagation.Concurrency,
			PollInterval: cfg.Propagation.PollInterval(),
			MaxAttempts:  cfg.Propagation.MaxAttempts,
			BackoffBase:  cfg.Propagation.BackoffBase(),
			ClaimTimeout: cfg.Propagation.ClaimTimeout(),
		}
		transport := propagation.NewHTTPTransport(nil, cfg.Propagation.Secret, cfg.Server.SiteURL)
		pool := propagation.NewWorkerPool(deliveryStore, registryStore, transport, workerCfg, logger)
		pool.NotifyCompletion(&contributionIntegrator{svc: svc})
		go pool.Run(ctx)
	}

	go pruneLoop(ctx, svc.Requests(), cfg.Idempotency.Retention(), logger)

	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: router,
	}
	go func() {
		logger.Info("receptor server ready", "listen", cfg.Server.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	logger.Info("receptor server stopped")
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	}
	switch cfg.Driver {
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// verifyChains audits every template's supersedes chain before serving.
func verifyChains(store *registry.Store) error {
	codes, err := store.Codes()
	if err != nil {
		return err
	}
	for _, code := range codes {
		if err := store.VerifyChain(code); err != nil {
			return err
		}
	}
	return nil
}

// contributionIntegrator marks the originating request Integrated once a
// delivery for its minted entry lands. Safe to call once per subscriber:
// integrating an already-integrated request is a no-op.
type contributionIntegrator struct {
	svc *contributions.Service
}

func (ci *contributionIntegrator) DeliveryCompleted(entryID, contributionRef string) error {
	if contributionRef == "" {
		return nil
	}
	_, err := ci.svc.Integrate(contributionRef, "propagation")
	return err
}

// pruneLoop retires expired idempotency keys once an hour.
func pruneLoop(ctx context.Context, store *contributions.RequestStore, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := store.PruneIdempotencyKeys(retention)
			if err != nil {
				logger.Error("failed to prune idempotency keys", "error", err)
			} else if pruned > 0 {
				logger.Info("pruned idempotency keys", "count", pruned)
			}
		}
	}
}
