package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aeris-io/aeris/internal/alerts"
	"github.com/aeris-io/aeris/internal/broker"
	"github.com/aeris-io/aeris/internal/cache"
	"github.com/aeris-io/aeris/internal/config"
	"github.com/aeris-io/aeris/internal/db"
	aerishttp "github.com/aeris-io/aeris/internal/http"
	"github.com/aeris-io/aeris/internal/ingest"
	"github.com/aeris-io/aeris/internal/maintenance"
	"github.com/aeris-io/aeris/internal/metrics"
	"github.com/aeris-io/aeris/internal/objstore"
	"github.com/aeris-io/aeris/internal/roadgraph"
	"github.com/aeris-io/aeris/internal/scheduler"
	"github.com/aeris-io/aeris/internal/store"
	"github.com/aeris-io/aeris/internal/task"
	"github.com/aeris-io/aeris/internal/upes"
	"github.com/aeris-io/aeris/internal/weather"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "ingest":
		runIngest()
	case "upes":
		runUPES()
	case "score-routes":
		runScoreRoutes()
	case "alerts":
		runAlerts()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: aeris <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the exposure service (scheduler + HTTP API)")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  ingest        Ingest the last completed hour of satellite data, once")
	fmt.Println("  upes          Compute the hourly exposure rasters, once")
	fmt.Println("  score-routes  Score saved routes against the latest raster, once")
	fmt.Println("  alerts        Evaluate and dispatch route alerts, once")
	fmt.Println("  maintenance   Prune pollution-grid rows past the retention window")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// app bundles the shared backends the subcommands wire their pipelines
// from.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	pool    *pgxpool.Pool
	cache   *cache.Cache
	store   *store.Store
	weather *weather.Client
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) *app {
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}

	c, err := cache.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger.Named("cache"))
	if err != nil {
		logger.Fatal("failed to connect to cache", zap.Error(err))
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		pool:    pool,
		cache:   c,
		store:   store.New(pool, logger.Named("store")),
		weather: weather.NewClient(cfg.Weather.BaseURL, cfg.Weather.APIKey, c, logger.Named("weather")),
	}
}

func (a *app) close() {
	a.pool.Close()
}

func (a *app) newIngestRunner(ctx context.Context) *ingest.Runner {
	cfg := a.cfg
	brokerClient := broker.NewClient(broker.Config{
		BaseURL:      cfg.Broker.BaseURL,
		TokenURL:     cfg.Broker.TokenURL,
		TokensURL:    cfg.Broker.TokensURL,
		BearerToken:  cfg.Broker.BearerToken,
		Username:     cfg.Broker.Username,
		Password:     cfg.Broker.Password,
		PollInterval: time.Duration(cfg.Broker.PollIntervalSeconds) * time.Second,
		JobTimeout:   time.Duration(cfg.Broker.JobTimeoutSeconds) * time.Second,
		MaxRetries:   cfg.Broker.MaxRetries,
		BackoffBase:  time.Duration(cfg.Broker.BackoffBaseSeconds) * time.Second,
	}, a.logger.Named("broker"))

	var uploader ingest.Uploader
	if cfg.StorageConfigured() {
		st, err := objstore.New(ctx, objstore.Config{
			Provider:        cfg.Storage.Provider,
			EndpointURL:     cfg.Storage.EndpointURL,
			Bucket:          cfg.Storage.Bucket,
			Region:          cfg.Storage.Region,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			Compress:        cfg.Storage.CompressAudit,
		}, a.logger.Named("objstore"))
		if err != nil {
			a.logger.Fatal("failed to build object storage client", zap.Error(err))
		}
		uploader = st
	}

	return ingest.NewRunner(ingest.Config{
		West:        cfg.Ingest.BBoxWest,
		South:       cfg.Ingest.BBoxSouth,
		East:        cfg.Ingest.BBoxEast,
		North:       cfg.Ingest.BBoxNorth,
		MaxCells:    cfg.Ingest.MaxCellsPerRaster,
		ChunkSize:   cfg.Ingest.InsertChunkSize,
		PersistGrid: cfg.Ingest.PersistGrid,
	}, brokerClient, a.store, uploader, a.cache, a.logger.Named("ingest"))
}

func (a *app) newEngine() *upes.Engine {
	west, south, east, north := a.cfg.UPESBBox()
	return upes.NewEngine(upes.Config{
		OutputBase:    a.cfg.UPES.OutputBase,
		ResolutionDeg: a.cfg.UPES.ResolutionDeg,
		West:          west,
		South:         south,
		East:          east,
		North:         north,
		TrafficAlpha:  a.cfg.UPES.TrafficAlpha,
		EMALambda:     a.cfg.UPES.EMALambda,
	}, a.store, a.weather, a.cache, a.logger.Named("upes"))
}

func (a *app) newAlertsPipeline() *alerts.Pipeline {
	cfg := a.cfg
	return alerts.NewPipeline(alerts.Config{
		OutputBase:  cfg.UPES.OutputBase,
		SampleStepM: cfg.Routing.SampleStepM,
		WebhookURL:  cfg.Alerts.WebhookURL,
		Thresholds: alerts.Thresholds{
			DeteriorationBasePct: cfg.Alerts.DeteriorationBasePct,
			HazardThreshold:      cfg.Alerts.HazardThreshold,
			WindSpeedMinKph:      cfg.Alerts.WindSpeedMinKph,
			WindAngleMaxDeg:      cfg.Alerts.WindAngleMaxDeg,
			TimeBasedMargin:      cfg.Alerts.TimeBasedMargin,
		},
	}, a.store, a.weather, a.logger.Named("alerts"))
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting aeris",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := buildApp(ctx, cfg, logger)
	defer a.close()

	runner := a.newIngestRunner(ctx)
	engine := a.newEngine()
	legacy := ingest.NewLegacyScorer(a.store, logger.Named("legacy"))
	pipeline := a.newAlertsPipeline()

	// A successful ingest immediately refreshes the downstream scores
	// instead of waiting for the next minute mark.
	if cfg.Ingest.ChainUPESOnSuccess {
		runner.OnData = func(ctx context.Context) {
			if cfg.UPES.Enabled {
				engine.Compute(ctx)
				pipeline.ScoreRoutes(ctx)
			}
			legacy.Run(ctx)
		}
	}

	sched := scheduler.New(logger.Named("scheduler"))
	sched.Add("ingest", 0, runner.Run)
	sched.Add("upes", 15, func(ctx context.Context) task.Result {
		if !cfg.UPES.Enabled {
			return task.Skipped("disabled")
		}
		return engine.Compute(ctx)
	})
	sched.Add("legacy_scoring", 20, legacy.Run)
	sched.Add("route_scoring", 20, func(ctx context.Context) task.Result {
		if !cfg.UPES.Enabled {
			return task.Skipped("disabled")
		}
		return pipeline.ScoreRoutes(ctx)
	})
	sched.Add("alerts", 25, func(ctx context.Context) task.Result {
		if !cfg.Alerts.Enabled {
			return task.Skipped("disabled")
		}
		return pipeline.Run(ctx)
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	var graphs roadgraph.Source
	if cfg.Routing.GraphSourceURL != "" {
		graphs = roadgraph.NewHTTPSource(cfg.Routing.GraphSourceURL, logger.Named("roadgraph"))
	}
	httpServer := aerishttp.NewServer(cfg.Service.HTTPListen, a.pool, a.cache, graphs, aerishttp.RouteConfig{
		Enabled:     cfg.Routing.Enabled,
		BufferKm:    cfg.Routing.BufferKm,
		SampleStepM: cfg.Routing.SampleStepM,
		CacheTTL:    time.Duration(cfg.Routing.ResultCacheTTLSec) * time.Second,
		OutputBase:  cfg.UPES.OutputBase,
	}, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("scheduler and HTTP server started")

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel context to stop the scheduler; it waits for in-flight tasks.
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("scheduler stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some tasks may not have finished")
	}

	logger.Info("aeris stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runIngest() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()
	metrics.Register()

	ctx := context.Background()
	a := buildApp(ctx, cfg, logger)
	defer a.close()

	reportResult(logger, "ingest", a.newIngestRunner(ctx).Run(ctx))
}

func runUPES() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()
	metrics.Register()

	ctx := context.Background()
	a := buildApp(ctx, cfg, logger)
	defer a.close()

	reportResult(logger, "upes", a.newEngine().Compute(ctx))
}

func runScoreRoutes() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()
	metrics.Register()

	ctx := context.Background()
	a := buildApp(ctx, cfg, logger)
	defer a.close()

	reportResult(logger, "score-routes", a.newAlertsPipeline().ScoreRoutes(ctx))
}

// runAlerts triggers one alert evaluation. The alerts.enabled flag
// gates only the scheduled run; an explicit invocation always executes.
func runAlerts() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()
	metrics.Register()

	ctx := context.Background()
	a := buildApp(ctx, cfg, logger)
	defer a.close()

	reportResult(logger, "alerts", a.newAlertsPipeline().Run(ctx))
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()
	metrics.Register()

	logger.Info("running retention maintenance",
		zap.Int("retention_days", cfg.Retention.Days),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	a := buildApp(ctx, cfg, logger)
	defer a.close()

	pruner := maintenance.NewPruner(a.store, cfg.Retention.Days, cfg.Retention.Timezone, logger.Named("maintenance"))
	reportResult(logger, "maintenance", pruner.Run(ctx))
}

func reportResult(logger *zap.Logger, name string, res task.Result) {
	fields := []zap.Field{
		zap.String("task", name),
		zap.String("status", res.Status),
	}
	if res.Reason != "" {
		fields = append(fields, zap.String("reason", res.Reason))
	}
	if len(res.Detail) > 0 {
		fields = append(fields, zap.Any("detail", res.Detail))
	}
	if res.Status == task.StatusError {
		logger.Error("task failed", fields...)
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("task finished", fields...)
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		// keyword=value format: redact the password=... portion
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
