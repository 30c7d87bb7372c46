package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"

	"github.com/delosis/psytools-server/pkg/api"
	"github.com/delosis/psytools-server/pkg/config"
	"github.com/delosis/psytools-server/pkg/filestore"
	"github.com/delosis/psytools-server/pkg/middleware"
	"github.com/delosis/psytools-server/pkg/observability"
	"github.com/delosis/psytools-server/pkg/report"
	"github.com/delosis/psytools-server/pkg/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).
			WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	log := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	log.Info("Starting psytools reporting server")

	ctx := context.Background()

	var otelProviders *observability.OTelProviders
	if cfg.Observability.OTel.Enabled {
		otelProviders, err = observability.InitOTel(ctx, cfg.Observability.OTel, log)
		if err != nil {
			log.WithError(err).Error("Failed to initialize OpenTelemetry")
			os.Exit(1)
		}
	}

	db, err := store.Open(cfg.Database)
	if err != nil {
		log.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(nil)
	}

	st, err := store.New(db, log, metrics, cfg.Database.QueryTimeout)
	if err != nil {
		log.WithError(err).Error("Failed to create store")
		os.Exit(1)
	}

	files, err := newFileStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("Failed to initialize file store")
		os.Exit(1)
	}

	var redisClient *redis.Client
	var limiter middleware.Limiter
	if cfg.Auth.RateLimitPerMinute > 0 {
		if cfg.Redis.URL != "" {
			redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.URL,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer redisClient.Close()
			limiter = middleware.NewRedisLimiter(redisClient, cfg.Auth.RateLimitPerMinute)
			log.Info("Using Redis-backed rate limiter")
		} else {
			limiter = middleware.NewMemoryLimiter(cfg.Auth.RateLimitPerMinute)
		}
	}

	aggregator := report.NewAggregator(db, log, metrics, cfg.Report.FanOutLimit, cfg.Report.MaxPeriodDays)
	server := api.NewServer(cfg, log, metrics, st, files, aggregator, limiter)

	// Health and metrics on a separate port for probes and scrapers.
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient))
	if metrics != nil {
		healthMux.Handle("/metrics", metrics.Handler())
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Health server failed")
		}
	}()

	scheduler := startGaugeRefresh(ctx, st, metrics, log)
	if scheduler != nil {
		defer scheduler.Stop()
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.WithField("addr", httpServer.Addr).Info("API server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("API server failed")
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("API server shutdown failed")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Health server shutdown failed")
	}
	if otelProviders != nil {
		if err := observability.ShutdownOTel(shutdownCtx, otelProviders, log); err != nil {
			log.WithError(err).Error("OpenTelemetry shutdown failed")
		}
	}
	log.Info("Shutdown complete")
}

func newFileStore(ctx context.Context, cfg *config.Config) (filestore.FileStore, error) {
	switch cfg.Files.Backend {
	case "s3":
		return filestore.NewS3Store(ctx, cfg.Files)
	default:
		return filestore.NewFilesystemStore(cfg.Files.FilesystemRoot)
	}
}

// startGaugeRefresh schedules the periodic refresh of the slow-moving
// business gauges and the DB pool stats. Returns nil when metrics are off.
func startGaugeRefresh(ctx context.Context, st *store.Store, metrics *observability.Metrics, log *observability.Logger) *cron.Cron {
	if metrics == nil {
		return nil
	}

	refresh := func() {
		refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		metrics.UpdateDBStats(st.DB())
		counts, err := st.Counts(refreshCtx)
		if err != nil {
			log.WithError(err).Warn("Failed to refresh business gauges")
			return
		}
		metrics.StudiesTotal.Set(float64(counts.Studies))
		metrics.StudyUsersTotal.Set(float64(counts.Users))
		metrics.SubmissionsTotal.Set(float64(counts.Submissions))
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 5m", refresh); err != nil {
		log.WithError(err).Warn("Failed to schedule gauge refresh")
		return nil
	}
	scheduler.Start()
	go refresh()
	return scheduler
}
