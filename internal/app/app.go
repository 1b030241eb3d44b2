// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/nartey/smsflow/internal/config"
	"github.com/nartey/smsflow/internal/dispatch"
	dispatchpostgres "github.com/nartey/smsflow/internal/dispatch/postgres"
	"github.com/nartey/smsflow/internal/dispatch/provider"
	"github.com/nartey/smsflow/internal/dispatch/redisq"
	"github.com/nartey/smsflow/internal/pkg/ctxlog"
	"github.com/nartey/smsflow/internal/pkg/httputil"
	"github.com/nartey/smsflow/internal/pkg/metrics"
	"github.com/nartey/smsflow/internal/pkg/postgres"
	"github.com/nartey/smsflow/internal/pkg/redisconn"
	"github.com/nartey/smsflow/internal/scheduler"
	"github.com/nartey/smsflow/internal/version"
	"github.com/nartey/smsflow/migrations"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	redis         *goredis.Client
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
	scheduler     *scheduler.Scheduler
	workers       *dispatch.Workers
	service       *dispatch.Service
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		ConnectAttempts: 5,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.Database.MigrateOnStart {
		if err := postgres.Migrate(migrations.FS, ".", cfg.Database.DSN); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	redisClient, err := redisconn.Connect(connectCtx, redisconn.Config{
		Addr:           cfg.Redis.Addr,
		Password:       cfg.Redis.Password,
		DB:             cfg.Redis.DB,
		ConnectTimeout: cfg.Redis.ConnectTimeout,
		RetryAttempts:  cfg.Redis.RetryAttempts,
		RetryInterval:  cfg.Redis.RetryInterval,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		redis:         redisClient,
		metricsCancel: metricsCancel,
	}

	go app.collectDBMetrics(metricsCtx)

	if err := app.setup(); err != nil {
		redisClient.Close()
		db.Close()
		metricsCancel()
		return nil, err
	}

	return app, nil
}

func (a *App) setup() error {
	cfg := a.config

	repo := dispatchpostgres.NewRepository(a.db)
	directory := dispatchpostgres.NewDirectory(a.db)
	queues := redisq.NewStore(a.redis)

	var smsProvider dispatch.Provider
	if cfg.Provider.APIKey != "" {
		smsProvider = provider.NewClient(provider.Config{
			BaseURL:       cfg.Provider.BaseURL,
			APIKey:        cfg.Provider.APIKey,
			Sender:        cfg.Provider.Sender,
			SendTimeout:   cfg.Provider.SendTimeout,
			StatusTimeout: cfg.Provider.StatusTimeout,
		})
	} else {
		slog.Warn("no provider api key configured, using sandbox provider")
		smsProvider = provider.NewSandbox()
	}

	limiter := dispatch.NewRateLimiter(queues, dispatch.RateCaps{
		PerMinute: cfg.RateCaps.PerMinute,
		PerHour:   cfg.RateCaps.PerHour,
		PerDay:    cfg.RateCaps.PerDay,
	})
	retry := dispatch.NewRetryManager(queues, cfg.Retry.MaxRetries, cfg.Retry.BaseDelay)
	renderer := dispatch.NewRenderer()
	sender := dispatch.NewSender(repo, smsProvider)

	a.service = dispatch.NewService(
		repo, queues, limiter, retry, renderer, sender,
		smsProvider, directory, cfg.Pricing.UnitCost, cfg.Templates,
	)

	workerCfg := dispatch.DefaultWorkersConfig()
	workerCfg.DrainBatch = cfg.Workers.DrainBatch
	workerCfg.SweepBatch = cfg.Workers.SweepBatch
	workerCfg.CampaignBatch = cfg.Workers.CampaignBatch
	workerCfg.TrackerBatch = cfg.Workers.TrackerBatch
	a.workers = dispatch.NewWorkers(a.service, workerCfg)

	if err := a.setupScheduler(); err != nil {
		return fmt.Errorf("setup scheduler: %w", err)
	}

	router := a.setupRouter()

	a.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	a.metricsServer = &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return nil
}

func (a *App) setupScheduler() error {
	cfg := a.config.Workers
	a.scheduler = scheduler.New()

	tasks := []*scheduler.Task{
		{Name: "queue-drainer", Spec: cfg.DrainSpec, Timeout: cfg.TaskTimeout, Run: a.workers.DrainQueues},
		{Name: "scheduled-sweeper", Spec: cfg.SweepSpec, Timeout: cfg.TaskTimeout, Run: a.workers.SweepScheduled},
		{Name: "campaign-processor", Spec: cfg.CampaignSpec, Timeout: cfg.TaskTimeout, Run: a.workers.ProcessCampaigns},
		{Name: "delivery-tracker", Spec: cfg.TrackerSpec, Timeout: cfg.TaskTimeout, Run: a.workers.TrackDeliveries},
	}
	for _, task := range tasks {
		if err := a.scheduler.Register(task); err != nil {
			return fmt.Errorf("register task %s: %w", task.Name, err)
		}
	}
	return nil
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(a.config.Server.CORSAllowedOrigins) > 0 {
		r.Use(httputil.CORSMiddleware(a.config.Server.CORSAllowedOrigins))
	}
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	handler := dispatch.NewHandler(a.service)
	r.Route("/api/v1", func(r chi.Router) {
		handler.RegisterRoutes(r)
	})

	return r
}

// Run starts the HTTP servers and the worker scheduler.
func (a *App) Run() error {
	a.scheduler.Start()

	go func() {
		a.logger.Info("starting metrics server", "addr", a.config.Server.MetricsAddr)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"addr", a.config.Server.Addr,
		"provider_mode", a.service.ProviderMode(),
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	a.metricsCancel()

	// Stop firing workers first, wait for in-flight runs
	if err := a.scheduler.Stop(ctx); err != nil {
		a.logger.Error("scheduler shutdown timed out", "error", err)
	}

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if err := a.redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close redis: %w", err))
	}
	a.db.Close()

	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Workers returns the periodic workers. Used in tests to run a worker pass
// directly instead of waiting for the schedule.
func (a *App) Workers() *dispatch.Workers {
	return a.workers
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}
	if err := a.redis.Ping(ctx).Err(); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Redis unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
