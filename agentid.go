// Package agentid is the public API for embedding the AgentID identity and
// reputation server.
//
//	app, err := agentid.New(
//	    agentid.WithVersion(version),
//	    agentid.WithLogger(logger),
//	    agentid.WithReputationHook(myHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the other way round. Public
// types (ReputationChange, Middleware) carry no internal imports; the adapters
// that translate between the two sides live here.
package agentid

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentid-dev/agentid/api"
	"github.com/agentid-dev/agentid/internal/auth"
	"github.com/agentid-dev/agentid/internal/cache"
	"github.com/agentid-dev/agentid/internal/config"
	"github.com/agentid-dev/agentid/internal/mcp"
	"github.com/agentid-dev/agentid/internal/metrics"
	"github.com/agentid-dev/agentid/internal/model"
	"github.com/agentid-dev/agentid/internal/ratelimit"
	"github.com/agentid-dev/agentid/internal/server"
	"github.com/agentid-dev/agentid/internal/service/identity"
	"github.com/agentid-dev/agentid/internal/service/reputation"
	"github.com/agentid-dev/agentid/internal/service/verification"
	"github.com/agentid-dev/agentid/internal/storage"
	"github.com/agentid-dev/agentid/internal/storage/memory"
	"github.com/agentid-dev/agentid/internal/storage/sqlite"
	"github.com/agentid-dev/agentid/internal/telemetry"
	"github.com/agentid-dev/agentid/migrations"
)

// shutdownHTTPTimeout bounds the drain of in-flight requests.
const shutdownHTTPTimeout = 10 * time.Second

// backend is what every storage implementation offers the services.
type backend interface {
	identity.Store
	reputation.Ledger
	reputation.Aggregates
	server.Pinger
	io.Closer
}

// App is the AgentID server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        backend
	redis        *cache.Redis // nil when REDIS_URL is unset
	limiters     []ratelimit.Limiter
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New loads configuration, opens storage, wires every subsystem and returns
// a ready-to-run App. It does not accept connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := config.Parse()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.storage != "" {
		cfg.Storage = o.storage
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("agentid starting", "version", version, "port", cfg.Port, "storage", cfg.Storage)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{cfg: cfg, otelShutdown: otelShutdown, logger: logger, version: version}
	fail := func(err error) (*App, error) {
		a.closeResources()
		return nil, err
	}

	retry := storage.RetryPolicy{
		MaxRetries: cfg.AggregateMaxRetries,
		BaseDelay:  cfg.AggregateRetryBaseDelay,
		OnRetry:    metrics.AggregateRetries.Inc,
	}
	store, locker, err := openBackend(ctx, cfg, retry, logger)
	if err != nil {
		return fail(err)
	}
	a.store = store

	// Verification cache.
	var verifyCache cache.VerificationCache = cache.Noop{}
	if cfg.RedisURL != "" {
		r, err := cache.NewRedis(ctx, cfg.RedisURL, cfg.VerifyCacheTTL)
		if err != nil {
			return fail(fmt.Errorf("redis: %w", err))
		}
		a.redis = r
		verifyCache = r
		logger.Info("verification cache: redis", "ttl", cfg.VerifyCacheTTL)
	} else {
		logger.Info("verification cache: disabled (no REDIS_URL)")
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}

	hooks := []reputation.Hook{cache.InvalidationHook{Cache: verifyCache}}
	for _, h := range o.reputationHooks {
		hooks = append(hooks, &reputationHookAdapter{hook: h})
	}

	engine := reputation.New(reputation.Deps{
		Registry:         store,
		Ledger:           store,
		Aggregates:       store,
		Locker:           locker,
		Hooks:            hooks,
		Logger:           logger,
		AggregateTimeout: cfg.AggregateTimeout,
	})
	identitySvc := identity.New(store, jwtMgr, verifyCache, cfg.AdminAPIKey, logger)
	verifier := verification.New(store, store, verifyCache, logger)
	if cfg.AdminAPIKey == "" {
		logger.Warn("AGENTID_ADMIN_API_KEY is empty: admin token exchange is disabled")
	}

	mcpSrv := mcp.New(engine, verifier, logger, version)

	authRule := ratelimit.Rule{Name: "auth", Limit: cfg.AuthRateLimit, Window: time.Minute}
	writeRule := ratelimit.Rule{Name: "write", Limit: cfg.WriteRateLimit, Window: time.Minute}
	authLimiter := a.newLimiter(authRule)
	writeLimiter := a.newLimiter(writeRule)

	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	var cachePinger server.Pinger
	if a.redis != nil {
		cachePinger = a.redis
	}

	a.srv = server.New(server.ServerConfig{
		Identity:            identitySvc,
		Engine:              engine,
		Verifier:            verifier,
		JWTMgr:              jwtMgr,
		Storage:             store,
		Logger:              logger,
		Cache:               cachePinger,
		AuthLimiter:         authLimiter,
		AuthRule:            authRule,
		WriteLimiter:        writeLimiter,
		WriteRule:           writeRule,
		MCPServer:           mcpSrv.MCPServer(),
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return a, nil
}

// openBackend selects the storage implementation named by AGENTID_STORAGE.
// The returned locker is nil unless Postgres advisory locks were requested,
// in which case the engine falls back to its in-process mutex.
func openBackend(ctx context.Context, cfg config.Config, retry storage.RetryPolicy, logger *slog.Logger) (backend, reputation.Locker, error) {
	switch cfg.Storage {
	case config.StoragePostgres:
		db, err := storage.New(ctx, cfg.DatabaseURL, retry, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		db.RegisterPoolMetrics()
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		if cfg.DistributedLocks {
			logger.Info("aggregate locks: postgres advisory locks")
			return db, db.AgentLocker(), nil
		}
		return db, nil, nil

	case config.StorageSQLite:
		s, err := sqlite.Open(cfg.SQLitePath, retry)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		logger.Info("storage: sqlite", "path", cfg.SQLitePath)
		return s, nil, nil

	default:
		logger.Warn("storage: memory (data is lost on restart)")
		return memory.New(retry), nil, nil
	}
}

// newLimiter returns a limiter for rule, shared across instances through Redis
// when it is configured.
func (a *App) newLimiter(rule ratelimit.Rule) ratelimit.Limiter {
	var l ratelimit.Limiter
	switch {
	case rule.Disabled():
		a.logger.Info("rate limiting: disabled", "rule", rule.Name)
		return ratelimit.NoopLimiter{}
	case a.redis != nil:
		l = ratelimit.NewRedisLimiter(a.redis.Client(), rule)
		a.logger.Info("rate limiting: redis", "rule", rule.Name, "limit", rule.Limit, "window", rule.Window)
	default:
		l = ratelimit.NewMemoryLimiter(rule)
		a.logger.Info("rate limiting: memory", "rule", rule.Name, "limit", rule.Limit, "window", rule.Window)
	}
	a.limiters = append(a.limiters, l)
	return l
}

// Handler exposes the fully wired HTTP handler, for tests and for embedding
// AgentID behind another server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. On return Shutdown has already run.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops accepting requests, drains in-flight ones, then closes the
// limiters, cache, storage and telemetry exporters.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("agentid shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, shutdownHTTPTimeout)
	err := a.srv.Shutdown(httpCtx)
	cancel()
	if err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	a.closeResources()
	a.logger.Info("agentid stopped")
	return err
}

func (a *App) closeResources() {
	for _, l := range a.limiters {
		_ = l.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("storage close failed", "error", err)
		}
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

// reputationHookAdapter converts internal aggregates to the public
// ReputationChange before calling a registered hook.
type reputationHookAdapter struct {
	hook ReputationHook
}

func (h *reputationHookAdapter) OnReputationChanged(ctx context.Context, score model.ReputationScore) error {
	return h.hook.OnReputationChanged(ctx, ReputationChange{
		AgentID:           score.AgentID,
		Score:             score.Score,
		TotalActions:      score.TotalActions,
		SuccessfulActions: score.SuccessfulActions,
		FailedActions:     score.FailedActions,
		Version:           score.Version,
		LastCalculated:    score.LastCalculated,
	})
}
