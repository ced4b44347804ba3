package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/parley-im/parley/internal/auth"
	"github.com/parley-im/parley/internal/config"
	"github.com/parley-im/parley/internal/coordinator"
	"github.com/parley-im/parley/internal/fanout"
	"github.com/parley-im/parley/internal/gateway"
	"github.com/parley-im/parley/internal/keyval"
	"github.com/parley-im/parley/internal/observability"
	"github.com/parley-im/parley/internal/registry"
	"github.com/parley-im/parley/internal/storage"
	"github.com/parley-im/parley/internal/typing"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Parley gateway server",
		Long: `Start the websocket gateway, the chat coordinator, and the HTTP
surface (/healthz, /metrics, /v1/login).

Without database.url in the config the server runs on in-memory stores
seeded with two demo users sharing "room1". Without redis.url typing
presence runs on the in-memory keyval store with the same lease
semantics. Graceful shutdown on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger.Info(ctx, "starting parley", "version", version, "commit", commit, "config", configPath)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(promRegistry)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx) //nolint:errcheck
	}()

	stores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	kv, err := openKeyval(ctx, cfg, logger)
	if err != nil {
		return err
	}

	jwtService := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	authService := auth.NewService(jwtService, stores.Users, stores.Devices)

	coord := coordinator.New(coordinator.Options{
		Stores:    stores,
		Authority: authService.Authority(),
		Registry:  registry.New(),
		Fanout:    fanout.NewEngine(),
		Typing:    typing.NewTracker(kv, cfg.Presence.TypingTTL),
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
	})

	server := gateway.NewServer(gateway.Options{
		Config:      cfg,
		Auth:        authService,
		Coordinator: coord,
		Logger:      logger,
		Metrics:     metrics,
		Registry:    promRegistry,
		Tracer:      tracer,
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	metricsServer := startMetricsServer(ctx, cfg, promRegistry, logger)

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx) //nolint:errcheck
	}
	return server.Stop(shutdownCtx)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat("parley.yaml"); err == nil {
			path = "parley.yaml"
		} else {
			return config.Default(), nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openStores picks postgres when configured, otherwise the seeded
// in-memory store.
func openStores(ctx context.Context, cfg *config.Config, logger *observability.Logger) (storage.StoreSet, error) {
	if cfg.Database.URL != "" {
		pgConfig := storage.DefaultPostgresConfig()
		pgConfig.MaxOpenConns = cfg.Database.MaxConnections
		pgConfig.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		stores, err := storage.NewPostgresStores(cfg.Database.URL, pgConfig)
		if err != nil {
			return storage.StoreSet{}, fmt.Errorf("open postgres: %w", err)
		}
		logger.Info(ctx, "using postgres store")
		return stores, nil
	}

	stores := storage.NewMemoryStores()
	if err := storage.SeedDemo(ctx, stores); err != nil {
		return storage.StoreSet{}, fmt.Errorf("seed demo data: %w", err)
	}
	logger.Warn(ctx, "no database.url configured, using seeded in-memory store")
	return stores, nil
}

func openKeyval(ctx context.Context, cfg *config.Config, logger *observability.Logger) (keyval.Store, error) {
	if cfg.Redis.URL != "" {
		store, err := keyval.DialRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("dial redis: %w", err)
		}
		logger.Info(ctx, "using redis for typing presence")
		return store, nil
	}
	logger.Warn(ctx, "no redis.url configured, using in-memory typing presence")
	return keyval.NewMemoryStore(), nil
}

// startMetricsServer exposes /metrics on its own port so operators can
// scrape without touching the client-facing listener.
func startMetricsServer(ctx context.Context, cfg *config.Config, reg *prometheus.Registry, logger *observability.Logger) *http.Server {
	if cfg.Server.MetricsPort == 0 {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Warn(ctx, "metrics listener failed", "addr", addr, "error", err)
		return nil
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "metrics server error", "error", err)
		}
	}()
	logger.Info(ctx, "metrics listening", "addr", addr)
	return server
}
