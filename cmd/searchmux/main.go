package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/driftlock/searchmux"
	"github.com/driftlock/searchmux/internal/config"
	logpkg "github.com/driftlock/searchmux/internal/logger"
	"github.com/driftlock/searchmux/internal/metrics"
	chiTransport "github.com/driftlock/searchmux/internal/transport/chi"
	"github.com/driftlock/searchmux/internal/version"
)

func main() {
	app := &cli.App{
		Name:  "searchmux",
		Usage: "Search orchestration service: strategy routing, circuit breaking and result caching over two backends",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env",
				Aliases: []string{"e"},
				Usage:   "Configuration environment (local, dev, prod)",
				EnvVars: []string{"ENV"},
				Value:   "local",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Override the configured log level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start the HTTP API server",
				Action: serveCommand,
			},
			{
				Name:   "validate",
				Usage:  "Load and validate the configuration, then exit",
				Action: validateCommand,
			},
			{
				Name:   "version",
				Usage:  "Print version information",
				Action: versionCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serveCommand(c *cli.Context) error {
	env := c.String("env")

	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if c.String("log-level") != "" {
		level = c.String("log-level")
	}
	logger, err := logpkg.NewLogger(env, level)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting searchmux API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("database_driver", cfg.Backends.Database.Driver),
		zap.String("accelerator_driver", cfg.Backends.Accelerator.Driver),
		zap.String("default_strategy", cfg.Engine.DefaultStrategy),
	)

	// Register orchestrator metrics explicitly (no init())
	metrics.RegisterOrchestratorMetrics()

	opts, err := engineOptions(cfg, logger)
	if err != nil {
		return err
	}
	eng, err := searchmux.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer func() { _ = eng.Close() }()

	// Drain the event stream so slow periods never overflow the buffer.
	// Circuit transitions are already logged by the engine at info.
	go func() {
		for ev := range eng.Events() {
			logger.Debug("engine event",
				zap.String("type", string(ev.Type)),
				zap.String("backend", ev.Backend),
				zap.String("collection", ev.Collection),
				zap.String("detail", ev.Detail),
			)
		}
	}()

	// Hot-reload: masking rules and the default strategy follow the
	// config file; everything else requires a restart.
	watcher := config.NewWatcher(config.Path(env), func(next config.Config) {
		if err := eng.SetDefaultStrategy(searchmux.Strategy(next.Engine.DefaultStrategy)); err != nil {
			logger.Warn("Reload: default strategy rejected", zap.Error(err))
		}
		if err := eng.ReloadMaskRules(maskRules(next.Masking)); err != nil {
			logger.Warn("Reload: masking rules rejected", zap.Error(err))
		}
	}, logger)
	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("Config watcher disabled", zap.Error(err))
	}
	defer watcher.Stop()

	server := chiTransport.NewServer(eng, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(chiTransport.RateLimitMiddleware(cfg.HTTP.RateLimit.RequestsPerSecond, cfg.HTTP.RateLimit.Burst))
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
	return nil
}

func validateCommand(c *cli.Context) error {
	env := c.String("env")
	path := config.Path(env)

	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	fmt.Printf("%s: OK (database=%s accelerator=%s strategy=%s)\n",
		path, cfg.Backends.Database.Driver, cfg.Backends.Accelerator.Driver, cfg.Engine.DefaultStrategy)
	return nil
}

func versionCommand(*cli.Context) error {
	fmt.Printf("searchmux %s\n", version.String())
	return nil
}

// engineOptions maps the service configuration onto engine options.
func engineOptions(cfg config.Config, logger *zap.Logger) ([]searchmux.Option, error) {
	opts := []searchmux.Option{
		searchmux.WithLogger(logger),
		searchmux.WithDefaultStrategy(searchmux.Strategy(cfg.Engine.DefaultStrategy)),
		searchmux.WithBackendTimeout(time.Duration(cfg.Engine.BackendTimeoutSec) * time.Second),
		searchmux.WithBreaker(cfg.Breaker.FailureThreshold,
			time.Duration(cfg.Breaker.RecoveryTimeoutSec)*time.Second),
		searchmux.WithHealthCheck(time.Duration(cfg.Health.IntervalSec)*time.Second,
			time.Duration(cfg.Health.TimeoutSec)*time.Second),
		searchmux.WithCache(cfg.Cache.Capacity,
			time.Duration(cfg.Cache.TTLSec)*time.Second,
			time.Duration(cfg.Cache.PopularTTLSec)*time.Second,
			cfg.Cache.PopularityThreshold),
		searchmux.WithCacheRetention(time.Duration(cfg.Cache.StaleRetentionSec)*time.Second,
			time.Duration(cfg.Cache.SweepIntervalSec)*time.Second,
			time.Duration(cfg.Cache.PopularityResetSec)*time.Second),
	}

	switch cfg.Backends.Database.Driver {
	case "memory":
		opts = append(opts, searchmux.WithMemoryDatabase())
	case "sqlite":
		opts = append(opts, searchmux.WithSQLiteDatabase(cfg.Backends.Database.Path))
	case "badger":
		opts = append(opts, searchmux.WithBadgerDatabase(cfg.Backends.Database.Path))
	case "bleve":
		opts = append(opts, searchmux.WithBleveDatabase(cfg.Backends.Database.Path))
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Backends.Database.Driver)
	}

	switch cfg.Backends.Accelerator.Driver {
	case "memory":
		opts = append(opts, searchmux.WithMemoryAccelerator())
	case "redis":
		opts = append(opts, searchmux.WithRedisAccelerator(searchmux.RedisConfig{
			Addrs:     cfg.Backends.Accelerator.Addrs,
			Password:  cfg.Backends.Accelerator.Password,
			KeyPrefix: cfg.Backends.Accelerator.KeyPrefix,
		}))
	default:
		return nil, fmt.Errorf("unknown accelerator driver %q", cfg.Backends.Accelerator.Driver)
	}

	if len(cfg.Masking.Rules) > 0 {
		opts = append(opts, searchmux.WithMaskRules(maskRules(cfg.Masking)))
	}

	if len(cfg.Warmup.Queries) > 0 {
		queries := make([]searchmux.Query, len(cfg.Warmup.Queries))
		for i, q := range cfg.Warmup.Queries {
			queries[i] = searchmux.Query{
				Collection: q.Collection,
				Term:       q.Term,
				Filters:    q.Filters,
				Limit:      q.Limit,
			}
		}
		opts = append(opts, searchmux.WithWarmup(queries, cfg.Warmup.Workers))
	}

	return opts, nil
}

func maskRules(m config.MaskingConfig) []searchmux.MaskRule {
	rules := make([]searchmux.MaskRule, len(m.Rules))
	for i, r := range m.Rules {
		rules[i] = searchmux.MaskRule{Name: r.Name, Pattern: r.Pattern, Mask: r.Mask}
	}
	return rules
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())

			// Set X-Request-ID in response header
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// One canonical log line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
