package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentid-dev/agentid/internal/auth"
	"github.com/agentid-dev/agentid/internal/ctxutil"
	"github.com/agentid-dev/agentid/internal/ratelimit"
	"github.com/agentid-dev/agentid/internal/service/identity"
	"github.com/agentid-dev/agentid/internal/service/reputation"
	"github.com/agentid-dev/agentid/internal/service/verification"
)

// Server is the AgentID HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Cache, AuthLimiter, WriteLimiter, MCPServer,
// OpenAPISpec, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Identity *identity.Service
	Engine   *reputation.Engine
	Verifier *verification.Assembler
	JWTMgr   *auth.JWTManager
	Storage  Pinger
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Cache        Pinger
	AuthLimiter  ratelimit.Limiter
	AuthRule     ratelimit.Rule
	WriteLimiter ratelimit.Limiter
	WriteRule    ratelimit.Rule
	MCPServer    *mcpserver.MCPServer
	// Middlewares wrap the whole handler, first entry outermost.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Embedded OpenAPI YAML.
	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Identity:            cfg.Identity,
		Engine:              cfg.Engine,
		Verifier:            cfg.Verifier,
		Storage:             cfg.Storage,
		Cache:               cfg.Cache,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	authRL := ratelimit.Middleware(cfg.AuthLimiter, cfg.AuthRule, ratelimit.IPKeyFunc, writeRateLimited, cfg.Logger)
	writeRL := ratelimit.Middleware(cfg.WriteLimiter, cfg.WriteRule, agentKeyFunc, writeRateLimited, cfg.Logger)

	mux := http.NewServeMux()

	// Token exchange (no auth, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Registry administration (admin-only).
	mux.Handle("POST /v1/owners", requireAdmin(http.HandlerFunc(h.HandleRegisterOwner)))
	mux.Handle("POST /v1/owners/{owner_id}/verification", requireAdmin(http.HandlerFunc(h.HandleSetOwnerVerification)))
	mux.Handle("POST /v1/agents", requireAdmin(http.HandlerFunc(h.HandleRegisterAgent)))
	mux.Handle("PATCH /v1/agents/{agent_id}/status", requireAdmin(http.HandlerFunc(h.HandleUpdateAgentStatus)))

	// Ledger (the agent itself or admin; writes rate limited per agent).
	mux.Handle("POST /v1/agents/{agent_id}/actions", requireAgentAccess(writeRL(http.HandlerFunc(h.HandleLogAction))))
	mux.Handle("GET /v1/agents/{agent_id}/actions", requireAgentAccess(http.HandlerFunc(h.HandleListActions)))

	// Reputation maintenance (admin-only).
	mux.Handle("POST /v1/agents/{agent_id}/reputation/recompute", requireAdmin(http.HandlerFunc(h.HandleRecompute)))
	mux.Handle("GET /v1/agents/{agent_id}/reputation/audit", requireAdmin(http.HandlerFunc(h.HandleAudit)))

	// Public reads for relying parties.
	mux.HandleFunc("GET /v1/agents/{agent_id}", h.HandleGetAgent)
	mux.HandleFunc("GET /v1/agents/{agent_id}/reputation", h.HandleGetReputation)
	mux.HandleFunc("GET /v1/agents/{agent_id}/verify", h.HandleVerify)
	mux.HandleFunc("POST /v1/agents/{agent_id}/verify", h.HandleVerify)

	// MCP StreamableHTTP transport (any authenticated principal).
	if cfg.MCPServer != nil {
		// Tool handlers read the caller's claims from the request context.
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", requireAuthenticated(mcpHTTP))
	}

	// Ops (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler = routeRecorder(mux)
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// agentKeyFunc keys write limits on the calling agent. Admin tokens are exempt.
func agentKeyFunc(r *http.Request) string {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil || claims.IsAdmin() {
		return ""
	}
	return claims.Subject
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
