// Package app assembles the orchestrator service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/research/internal/budget"
	"github.com/Kocoro-lab/Shannon/go/research/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/research/internal/config"
	"github.com/Kocoro-lab/Shannon/go/research/internal/health"
	"github.com/Kocoro-lab/Shannon/go/research/internal/httpapi"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metadata"
	"github.com/Kocoro-lab/Shannon/go/research/internal/personas"
	"github.com/Kocoro-lab/Shannon/go/research/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/research/internal/pricing"
	"github.com/Kocoro-lab/Shannon/go/research/internal/providers"
	"github.com/Kocoro-lab/Shannon/go/research/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/research/internal/store"
	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/research/internal/workflows"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// App owns every long-lived component of the service.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Orchestrator *workflows.Orchestrator
	Registry     *providers.Registry
	Events       *streaming.Manager
	Policy       *policy.Engine
	Health       *health.Manager
	Auth         *httpapi.Authenticator

	pricing  *pricing.Table
	limits   *ratecontrol.Controller
	catalog  *personas.Catalog
	store    store.Store
	watcher  *config.Watcher
	closers  []func() error
	shutdown func(context.Context) error
}

// New builds the component graph. v may be nil, which disables config hot
// reload.
func New(ctx context.Context, cfg *config.Config, v *viper.Viper, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.closeAll()
		}
	}()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing unavailable; continuing without spans", zap.Error(err))
	}
	a.shutdown = shutdownTracing

	if a.pricing, err = pricing.New(cfg.Pricing); err != nil {
		return nil, fmt.Errorf("pricing: %w", err)
	}
	a.limits = ratecontrol.New(ratecontrol.FromConfig(cfg.Providers))

	settings := circuitbreaker.SettingsFromConfig(cfg.CircuitBreaker)
	settings.IsFailure = providers.BreakerFailure
	settings.OnStateChange = func(name string, from, to circuitbreaker.State) {
		logger.Warn("Provider circuit changed state",
			zap.String("provider", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	breakers := circuitbreaker.NewSet(settings, nil)

	a.Registry = providers.NewRegistry(providers.Options{
		Pricing:  a.pricing,
		Limits:   a.limits,
		Breakers: breakers,
		Logger:   logger,
	})
	providers.RegisterBuiltins(a.Registry, cfg.Providers, logger)
	if len(a.Registry.IDs()) == 0 {
		logger.Warn("No providers enabled; every provider stage will fail")
	}

	if a.catalog, err = personas.NewCatalog(cfg.Personas.Dir, logger); err != nil {
		return nil, fmt.Errorf("personas: %w", err)
	}
	a.closers = append(a.closers, a.catalog.Close)
	if cfg.Personas.Watch && cfg.Personas.Dir != "" {
		if err := a.catalog.Watch(ctx); err != nil {
			logger.Warn("Persona hot reload disabled", zap.Error(err))
		}
	}
	engine := agents.NewEngine(a.catalog, a.Registry, agents.Options{
		ProviderID:   providers.OpenRouter,
		DefaultModel: cfg.Providers[providers.OpenRouter].Model,
		Logger:       logger,
	})

	a.Health = health.NewManager(logger)
	var redisClient redis.UniversalClient
	var ledgerDB *sqlx.DB
	switch cfg.Store.Driver {
	case "postgres", "sqlite":
		db, err := store.OpenDB(ctx, store.SQLConfig{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		sqlStore := store.NewSQL(db, logger)
		a.closers = append(a.closers, sqlStore.Close)
		if err := sqlStore.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("store migrate: %w", err)
		}
		a.store = sqlStore
		_ = a.Health.Register(health.NewSQLChecker(db))
		if cfg.Budget.LedgerEnabled {
			if err := budget.MigrateLedger(ctx, db); err != nil {
				return nil, fmt.Errorf("ledger migrate: %w", err)
			}
			ledgerDB = db
		}
	case "redis":
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			return nil, fmt.Errorf("store: redis ping: %w", err)
		}
		redisStore := store.NewRedis(redisClient, cfg.Store.KeyPrefix, cfg.Store.TerminalTTL, logger)
		a.closers = append(a.closers, redisStore.Close)
		a.store = redisStore
		_ = a.Health.Register(health.NewRedisChecker(redisClient, true))
	default:
		a.store = store.NewMemory()
	}
	if cfg.Budget.LedgerEnabled && ledgerDB == nil {
		logger.Warn("Cost ledger requires a SQL store; ledger disabled", zap.String("driver", cfg.Store.Driver))
	}
	_ = a.Health.Register(health.NewProviderChecker(a.Registry))

	streamOpts := []streaming.Option{streaming.WithLogger(logger)}
	if redisClient != nil {
		streamOpts = append(streamOpts, streaming.WithRedis(redisClient, cfg.Store.KeyPrefix))
	}
	a.Events = streaming.NewManager(cfg.Streaming.RingCapacity, streamOpts...)

	var rules *metadata.CredibilityRules
	if cfg.Aggregator.CredibilityFile != "" {
		if rules, err = metadata.LoadCredibilityRules(cfg.Aggregator.CredibilityFile); err != nil {
			return nil, fmt.Errorf("aggregator: %w", err)
		}
	}

	if a.Policy, err = policy.NewEngine(cfg.Policy, logger); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	a.Auth = httpapi.NewAuthenticator(cfg.Auth)

	a.Orchestrator = workflows.New(cfg.Orchestrator, workflows.Deps{
		Store:      a.store,
		Providers:  a.Registry,
		Agents:     engine,
		Budget:     budget.NewTracker(ledgerDB, logger),
		Aggregator: metadata.NewAggregator(rules, logger),
		Events:     a.Events,
		Admission:  a.Policy,
		Logger:     logger,
	})

	if v != nil {
		a.watcher = config.NewWatcher(v, cfg, logger)
		a.watcher.RegisterHandler(a.applyConfig)
		a.watcher.Start()
	}

	n, err := a.Orchestrator.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover: %w", err)
	}
	logger.Info("Orchestrator ready",
		zap.Strings("providers", a.Registry.IDs()),
		zap.String("store", cfg.Store.Driver),
		zap.Int("recovered_runs", n),
		zap.Bool("policy_enabled", a.Policy.Enabled()),
	)
	ok = true
	return a, nil
}

// applyConfig pushes a reloaded config into the components that support
// hot reload. Provider registration and storage are fixed at startup.
func (a *App) applyConfig(cfg *config.Config) error {
	var errs []error
	if err := a.pricing.Reload(cfg.Pricing); err != nil {
		errs = append(errs, fmt.Errorf("pricing: %w", err))
	}
	a.limits.Update(ratecontrol.FromConfig(cfg.Providers))
	for id, pc := range cfg.Providers {
		if pc.Timeout > 0 {
			a.Registry.SetTimeout(id, pc.Timeout)
		}
	}
	a.Orchestrator.UpdateConfig(cfg.Orchestrator)
	if a.Policy.Enabled() {
		if err := a.Policy.Load(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("policy: %w", err))
		}
	}
	return errors.Join(errs...)
}

// APIHandler is the public workflow API.
func (a *App) APIHandler() http.Handler {
	return httpapi.NewHandler(a.Orchestrator, a.Events, a.Auth, a.Logger).Router()
}

// AdminHandler serves /metrics and the health endpoints.
func (a *App) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.NewHTTPHandler(a.Health, a.Logger).RegisterRoutes(mux)
	return mux
}

// Serve runs the API and admin servers until ctx is done, then shuts down
// gracefully. In-flight runs stay recoverable.
func (a *App) Serve(ctx context.Context) error {
	servers := []*http.Server{
		{Addr: a.Config.Server.HTTPAddr, Handler: a.APIHandler(), ReadHeaderTimeout: 10 * time.Second},
		{Addr: a.Config.Server.AdminAddr, Handler: a.AdminHandler(), ReadHeaderTimeout: 10 * time.Second},
	}
	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			a.Logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	a.Logger.Info("Shutting down research orchestrator")

	timeout := a.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(sctx); err != nil {
			a.Logger.Warn("HTTP server shutdown", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
	return errors.Join(serveErr, a.Close(sctx))
}

// Close stops the orchestrator and releases resources.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Orchestrator != nil {
		errs = append(errs, a.Orchestrator.Shutdown(ctx))
	}
	errs = append(errs, a.closeAll())
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(ctx))
	}
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
