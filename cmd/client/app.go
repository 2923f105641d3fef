package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kataribe/internal/driver"
	"kataribe/internal/kernel"
	"kataribe/internal/metrics"
	"kataribe/internal/store"
	"kataribe/modules/historycache"
	"kataribe/modules/persist"
	"kataribe/pkg/kataribe"
)

const (
	envConfigFile           = "KATARIBE_CONFIG_FILE"
	defaultConfigFilePath   = "config/client.json"
	alternateConfigFilePath = "bin/config/client.json"

	defaultModuleHookTimeout  = 5 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 256

	metricsShutdownGrace = 3 * time.Second
)

type appConfig struct {
	logLevel slog.Level

	moduleHookTimeout  time.Duration
	shutdownTimeout    time.Duration
	subscriptionBuffer int

	postgres postgresConfig
	cache    cacheConfig
	metrics  metricsConfig
	drivers  []driver.Definition
}

type postgresConfig struct {
	url          string
	schema       string
	ensureSchema bool
}

type cacheConfig struct {
	maxWindows         int
	maxEventsPerWindow int
	batchSize          int
	minPreviewEvents   int
}

type metricsConfig struct {
	enabled    bool
	listenAddr string
}

type fileConfig struct {
	LogLevel string             `json:"log_level"`
	Kernel   fileKernelConfig   `json:"kernel"`
	Postgres filePostgresConfig `json:"postgres"`
	Cache    fileCacheConfig    `json:"cache"`
	Metrics  fileMetricsConfig  `json:"metrics"`
	Drivers  []fileDriverEntry  `json:"drivers"`
}

type fileKernelConfig struct {
	ModuleHookTimeout  string `json:"module_hook_timeout"`
	ShutdownTimeout    string `json:"shutdown_timeout"`
	SubscriptionBuffer *int   `json:"subscription_buffer"`
}

type filePostgresConfig struct {
	URL          string `json:"url"`
	Schema       string `json:"schema"`
	EnsureSchema *bool  `json:"ensure_schema"`
}

type fileCacheConfig struct {
	MaxWindows         *int `json:"max_windows"`
	MaxEventsPerWindow *int `json:"max_events_per_window"`
	BatchSize          *int `json:"batch_size"`
	MinPreviewEvents   *int `json:"min_preview_events"`
}

type fileMetricsConfig struct {
	Enabled    *bool  `json:"enabled"`
	ListenAddr string `json:"listen_addr"`
}

type fileDriverEntry struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Enabled *bool           `json:"enabled"`
	Config  json.RawMessage `json:"config"`
}

func run() error {
	registry, err := driver.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("new builtin driver registry: %w", err)
	}

	cfg, err := loadConfig(registry)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.postgres.url)
	if err != nil {
		return fmt.Errorf("new postgres pool: %w", err)
	}
	defer pool.Close()

	backend, err := buildBackend(ctx, pool, cfg.postgres)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	cacheMetrics := metrics.NewCacheMetrics(promRegistry)

	kernelRuntime := kernel.New(
		kernel.WithLogger(logger),
		kernel.WithModuleHookTimeout(cfg.moduleHookTimeout),
		kernel.WithShutdownTimeout(cfg.shutdownTimeout),
		kernel.WithDefaultSubscriptionBuffer(cfg.subscriptionBuffer),
	)

	if err := registerRuntimeServices(kernelRuntime, logger, backend); err != nil {
		return err
	}
	if err := registerRuntimeModules(ctx, kernelRuntime, cfg.cache, cacheMetrics); err != nil {
		return err
	}
	if err := registerRuntimeDrivers(kernelRuntime, logger, cfg.drivers, registry); err != nil {
		return err
	}

	stopMetrics, err := startMetricsServer(logger, cfg.metrics, promRegistry)
	if err != nil {
		return err
	}
	defer stopMetrics()

	if err := kernelRuntime.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run kernel: %w", err)
	}

	return nil
}

func buildBackend(ctx context.Context, pool *pgxpool.Pool, cfg postgresConfig) (*store.PostgresBackend, error) {
	options := make([]store.PostgresOption, 0, 1)
	if cfg.schema != "" {
		options = append(options, store.WithSchema(cfg.schema))
	}

	backend, err := store.NewPostgresBackend(pool, options...)
	if err != nil {
		return nil, fmt.Errorf("new postgres backend: %w", err)
	}
	if cfg.ensureSchema {
		if err := backend.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure postgres schema: %w", err)
		}
	}

	return backend, nil
}

func registerRuntimeServices(kernelRuntime *kernel.Kernel, logger *slog.Logger, backend *store.PostgresBackend) error {
	if err := kernelRuntime.RegisterService(historycache.ServiceLogger, logger); err != nil {
		return fmt.Errorf("register logger service: %w", err)
	}
	if err := kernelRuntime.RegisterService(kataribe.ServiceBackendQueryPort, backend); err != nil {
		return fmt.Errorf("register backend query port service: %w", err)
	}
	if err := kernelRuntime.RegisterService(persist.ServiceEventRecorder, backend); err != nil {
		return fmt.Errorf("register event recorder service: %w", err)
	}

	return nil
}

func registerRuntimeModules(
	ctx context.Context,
	kernelRuntime *kernel.Kernel,
	cfg cacheConfig,
	cacheMetrics *metrics.CacheMetrics,
) error {
	cacheOptions := []historycache.Option{historycache.WithMetrics(cacheMetrics)}
	if cfg.maxWindows > 0 {
		cacheOptions = append(cacheOptions, historycache.WithMaxWindows(cfg.maxWindows))
	}
	if cfg.maxEventsPerWindow > 0 {
		cacheOptions = append(cacheOptions, historycache.WithMaxEventsPerWindow(cfg.maxEventsPerWindow))
	}
	if cfg.batchSize > 0 {
		cacheOptions = append(cacheOptions, historycache.WithBatchSize(cfg.batchSize))
	}
	if cfg.minPreviewEvents > 0 {
		cacheOptions = append(cacheOptions, historycache.WithMinPreviewEvents(cfg.minPreviewEvents))
	}

	if err := kernelRuntime.RegisterModule(ctx, persist.New()); err != nil {
		return fmt.Errorf("register event-persister module: %w", err)
	}
	if err := kernelRuntime.RegisterModule(ctx, historycache.New(cacheOptions...)); err != nil {
		return fmt.Errorf("register history-cache module: %w", err)
	}

	return nil
}

func registerRuntimeDrivers(
	kernelRuntime *kernel.Kernel,
	logger *slog.Logger,
	definitions []driver.Definition,
	registry *driver.Registry,
) error {
	drivers, err := registry.BuildEnabled(definitions, logger)
	if err != nil {
		return fmt.Errorf("build drivers: %w", err)
	}

	for _, runtimeDriver := range drivers {
		if err := kernelRuntime.RegisterDriver(runtimeDriver); err != nil {
			return fmt.Errorf("register driver %s: %w", runtimeDriver.Name(), err)
		}
	}

	return nil
}

// startMetricsServer exposes the prometheus registry over HTTP when enabled.
// The returned stop function is safe to call regardless.
func startMetricsServer(logger *slog.Logger, cfg metricsConfig, registry *prometheus.Registry) (func(), error) {
	if !cfg.enabled {
		return func() {}, nil
	}
	if cfg.listenAddr == "" {
		return nil, fmt.Errorf("start metrics server: metrics.listen_addr is required when enabled")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: cfg.listenAddr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", cfg.listenAddr, "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}, nil
}

func loadConfig(registry *driver.Registry) (appConfig, error) {
	cfg := defaultAppConfig()
	configFile, err := resolveConfigFilePath()
	if err != nil {
		return appConfig{}, err
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return appConfig{}, fmt.Errorf("read config file %s: %w", configFile, err)
	}
	if err := applyConfig(&cfg, data); err != nil {
		return appConfig{}, fmt.Errorf("parse config file %s: %w", configFile, err)
	}
	if err := validateAppConfig(&cfg, registry); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", configFile, err)
	}

	return cfg, nil
}

func resolveConfigFilePath() (string, error) {
	if configFile := strings.TrimSpace(os.Getenv(envConfigFile)); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, or set %s",
		defaultConfigFilePath,
		alternateConfigFilePath,
		envConfigFile,
	)
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel: slog.LevelInfo,

		moduleHookTimeout:  defaultModuleHookTimeout,
		shutdownTimeout:    defaultShutdownTimeout,
		subscriptionBuffer: defaultSubscriptionBuffer,

		postgres: postgresConfig{ensureSchema: true},
		drivers:  make([]driver.Definition, 0),
	}
}

func applyConfig(cfg *appConfig, data []byte) error {
	if cfg == nil {
		return fmt.Errorf("apply config: nil config")
	}

	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}

	if err := applyKernelConfig(cfg, parsed.Kernel); err != nil {
		return err
	}

	cfg.postgres.url = strings.TrimSpace(parsed.Postgres.URL)
	cfg.postgres.schema = strings.TrimSpace(parsed.Postgres.Schema)
	if parsed.Postgres.EnsureSchema != nil {
		cfg.postgres.ensureSchema = *parsed.Postgres.EnsureSchema
	}

	if err := applyCacheConfig(&cfg.cache, parsed.Cache); err != nil {
		return err
	}

	if parsed.Metrics.Enabled != nil {
		cfg.metrics.enabled = *parsed.Metrics.Enabled
	}
	cfg.metrics.listenAddr = strings.TrimSpace(parsed.Metrics.ListenAddr)

	cfg.drivers = make([]driver.Definition, 0, len(parsed.Drivers))
	for index, entry := range parsed.Drivers {
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		if len(entry.Config) == 0 {
			return fmt.Errorf("parse drivers[%d].config: required", index)
		}
		cfg.drivers = append(cfg.drivers, driver.Definition{
			Name:    strings.TrimSpace(entry.Name),
			Type:    strings.TrimSpace(entry.Type),
			Enabled: enabled,
			Config:  append([]byte(nil), entry.Config...),
		})
	}

	return nil
}

func applyKernelConfig(cfg *appConfig, parsed fileKernelConfig) error {
	if rawTimeout := strings.TrimSpace(parsed.ModuleHookTimeout); rawTimeout != "" {
		timeout, err := time.ParseDuration(rawTimeout)
		if err != nil {
			return fmt.Errorf("parse kernel.module_hook_timeout: %w", err)
		}
		if timeout <= 0 {
			return fmt.Errorf("parse kernel.module_hook_timeout: must be > 0")
		}
		cfg.moduleHookTimeout = timeout
	}
	if rawTimeout := strings.TrimSpace(parsed.ShutdownTimeout); rawTimeout != "" {
		timeout, err := time.ParseDuration(rawTimeout)
		if err != nil {
			return fmt.Errorf("parse kernel.shutdown_timeout: %w", err)
		}
		if timeout <= 0 {
			return fmt.Errorf("parse kernel.shutdown_timeout: must be > 0")
		}
		cfg.shutdownTimeout = timeout
	}
	if parsed.SubscriptionBuffer != nil {
		if *parsed.SubscriptionBuffer <= 0 {
			return fmt.Errorf("parse kernel.subscription_buffer: must be > 0")
		}
		cfg.subscriptionBuffer = *parsed.SubscriptionBuffer
	}

	return nil
}

func applyCacheConfig(cfg *cacheConfig, parsed fileCacheConfig) error {
	if parsed.MaxWindows != nil {
		if *parsed.MaxWindows <= 0 {
			return fmt.Errorf("parse cache.max_windows: must be > 0")
		}
		cfg.maxWindows = *parsed.MaxWindows
	}
	if parsed.MaxEventsPerWindow != nil {
		if *parsed.MaxEventsPerWindow <= 0 {
			return fmt.Errorf("parse cache.max_events_per_window: must be > 0")
		}
		cfg.maxEventsPerWindow = *parsed.MaxEventsPerWindow
	}
	if parsed.BatchSize != nil {
		if *parsed.BatchSize <= 0 {
			return fmt.Errorf("parse cache.batch_size: must be > 0")
		}
		cfg.batchSize = *parsed.BatchSize
	}
	if parsed.MinPreviewEvents != nil {
		if *parsed.MinPreviewEvents <= 0 {
			return fmt.Errorf("parse cache.min_preview_events: must be > 0")
		}
		cfg.minPreviewEvents = *parsed.MinPreviewEvents
	}

	return nil
}

func validateAppConfig(cfg *appConfig, registry *driver.Registry) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if registry == nil {
		return fmt.Errorf("nil driver registry")
	}
	if cfg.postgres.url == "" {
		return fmt.Errorf("postgres.url is required")
	}

	enabledCount := 0
	seenNames := make(map[string]struct{}, len(cfg.drivers))
	for _, definition := range cfg.drivers {
		if definition.Name == "" {
			return fmt.Errorf("drivers[].name is required")
		}
		if _, exists := seenNames[definition.Name]; exists {
			return fmt.Errorf("drivers[%s]: duplicate name", definition.Name)
		}
		seenNames[definition.Name] = struct{}{}

		if _, err := registry.PlatformForType(definition.Type); err != nil {
			return fmt.Errorf("drivers[%s].type: %w", definition.Name, err)
		}

		if definition.Enabled {
			enabledCount++
		}
	}
	if enabledCount == 0 {
		return fmt.Errorf("at least one enabled driver is required")
	}

	if cfg.metrics.enabled && cfg.metrics.listenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics.enabled")
	}

	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}
