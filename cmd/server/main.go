package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dandantas/quantflow/internal/cache"
	"github.com/dandantas/quantflow/internal/config"
	"github.com/dandantas/quantflow/internal/database"
	"github.com/dandantas/quantflow/internal/handler"
	"github.com/dandantas/quantflow/internal/jobstore"
	"github.com/dandantas/quantflow/internal/metrics"
	"github.com/dandantas/quantflow/internal/resilience"
	"github.com/dandantas/quantflow/internal/scheduler"
	"github.com/dandantas/quantflow/internal/service"
	"github.com/dandantas/quantflow/internal/stages"
	"github.com/dandantas/quantflow/internal/webhook"
	"github.com/dandantas/quantflow/internal/worker"
	"github.com/dandantas/quantflow/pkg/middleware"
)

const version = "1.0.0"

func main() {
	// Load configuration
	config.LoadDotEnv()
	cfg := config.Load()

	// Initialize logger
	config.InitLogger(cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting Quantflow Workflow Service", "version", version)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	readiness := map[string]handler.Pinger{}

	// Job store
	var store jobstore.Store
	var db *database.MongoDB
	switch cfg.JobStore {
	case "mongo":
		var err error
		db, err = database.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoTimeout)
		if err != nil {
			slog.Error("Failed to connect to MongoDB", "error", err)
			os.Exit(1)
		}
		if err := database.CreateIndexes(ctx, db); err != nil {
			slog.Error("Failed to create indexes", "error", err)
			os.Exit(1)
		}
		store = database.NewJobRepository(db)
		readiness["mongodb"] = db
	default:
		store = jobstore.NewMemoryStore()
	}

	// Result cache
	var resultCache cache.ResultCache
	switch cfg.CacheBackend {
	case "redis":
		client, err := cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		rc := cache.NewRedisCache(client, "quantflow:", cfg.CacheTTL)
		resultCache = rc
		readiness["redis"] = rc
	default:
		resultCache = cache.NewMemoryCache(cfg.CacheTTL)
	}

	// Stage pipeline
	var pipelineFile *config.PipelineFile
	if cfg.PipelineConfig != "" {
		var err error
		pipelineFile, err = config.LoadPipelineFile(cfg.PipelineConfig)
		if err != nil {
			slog.Error("Failed to load pipeline config", "path", cfg.PipelineConfig, "error", err)
			os.Exit(1)
		}
	}
	builtin := stages.NewBuiltin(stages.DefaultCatalog()).Funcs()
	p, err := config.BuildPipeline(pipelineFile, builtin, stages.NewHTTPClient(cfg.DefaultAPITimeout))
	if err != nil {
		slog.Error("Invalid pipeline", "error", err)
		os.Exit(1)
	}

	// Executor, worker pool and manager
	executor := service.NewExecutor(store, p, resultCache, m)
	pool := worker.NewWorkerPool(cfg.MaxConcurrentJobs, cfg.JobQueueCapacity, m)
	pool.SetHandler(executor.Handle)
	manager := service.NewManager(store, pool, executor, p, resultCache, m)

	var dispatcher *webhook.Dispatcher
	if cfg.WebhookURL != "" {
		dispatcher = webhook.NewDispatcher(webhook.Config{
			URL:     cfg.WebhookURL,
			Timeout: cfg.WebhookTimeout,
			Retry:   resilience.RetryConfig{MaxAttempts: cfg.WebhookMaxAttempts},
		}, m)
		executor.SetNotifier(dispatcher)
		slog.Info("Webhook notifications enabled", "url", cfg.WebhookURL)
	}

	pool.Start()
	if _, err := manager.Recover(ctx); err != nil {
		slog.Error("Failed to recover jobs", "error", err)
	}

	// Initialize scheduler
	sched := scheduler.NewScheduler(scheduler.Config{
		Enabled:   cfg.SchedulerEnabled,
		Schedule:  cfg.SweepSchedule,
		Retention: cfg.JobRetention,
	}, store, resultCache)
	var locks *database.LockRepository
	if db != nil {
		locks = database.NewLockRepository(db)
		sched.SetLocker(locks)
	}
	if err := sched.Start(ctx); err != nil {
		slog.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// Initialize handlers
	var limiter *middleware.RateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
			RPS:   cfg.RateLimitRPS,
			Burst: cfg.RateLimitBurst,
		})
	}
	corsConfig := middleware.CORSConfig{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   cfg.CORSAllowedMethods,
		AllowedHeaders:   cfg.CORSAllowedHeaders,
		AllowCredentials: cfg.CORSAllowCredentials,
		MaxAge:           cfg.CORSMaxAge,
	}
	router := handler.NewRouter(
		handler.NewWorkflowHandler(manager),
		handler.NewBacktestHandler(manager),
		handler.NewHealthHandler(version, readiness),
		m.Handler(),
		corsConfig,
		limiter,
	)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Handler(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}

	go func() {
		slog.Info("Starting HTTP server", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	slog.Info("Received shutdown signal, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting requests before draining workers
	slog.Info("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Stopping scheduler...")
	sched.Stop(shutdownCtx)

	slog.Info("Draining worker pool...", "queued", pool.QueueLength(), "running", pool.Running())
	if err := pool.Stop(shutdownCtx); err != nil {
		slog.Error("Worker pool did not drain", "error", err)
	}

	if dispatcher != nil {
		if err := dispatcher.Wait(shutdownCtx); err != nil {
			slog.Error("Pending webhooks not delivered", "error", err)
		}
	}

	if locks != nil {
		if err := locks.ReleaseAllLocks(shutdownCtx, sched.PodID()); err != nil {
			slog.Error("Failed to release locks", "error", err)
		}
	}

	if db != nil {
		disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer disconnectCancel()
		if err := db.Disconnect(disconnectCtx); err != nil {
			slog.Error("Failed to disconnect from MongoDB", "error", err)
		}
	}

	slog.Info("Quantflow Workflow Service stopped")
}
