package agentid

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	port            int
	storage         string
	databaseURL     string
	logger          *slog.Logger
	version         string
	reputationHooks []ReputationHook
	middlewares     []Middleware
}

// ReputationChange is a committed aggregate, as delivered to hooks.
type ReputationChange struct {
	AgentID           uuid.UUID
	Score             float64
	TotalActions      int64
	SuccessfulActions int64
	FailedActions     int64
	Version           int64
	LastCalculated    time.Time
}

// ReputationHook observes every committed change to an agent's reputation.
// Hooks run synchronously after the write; an error is logged and never
// fails the request that caused the change.
type ReputationHook interface {
	OnReputationChanged(ctx context.Context, change ReputationChange) error
}

// Middleware wraps the root HTTP handler.
type Middleware func(http.Handler) http.Handler

// WithPort overrides the TCP port from config (AGENTID_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithStorage overrides the backend (AGENTID_STORAGE env var): "postgres",
// "sqlite" or "memory".
func WithStorage(name string) Option {
	return func(o *resolvedOptions) { o.storage = strings.ToLower(strings.TrimSpace(name)) }
}

// WithDatabaseURL overrides the Postgres connection string (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported by /health and in logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithReputationHook registers a hook. All registered hooks see every change,
// after the built-in verification cache invalidation.
func WithReputationHook(hook ReputationHook) Option {
	return func(o *resolvedOptions) { o.reputationHooks = append(o.reputationHooks, hook) }
}

// WithMiddleware registers an outermost HTTP middleware. The first registered
// middleware is called first by every request.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
