package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentid-dev/agentid/internal/auth"
	"github.com/agentid-dev/agentid/internal/mcp"
	"github.com/agentid-dev/agentid/internal/model"
	"github.com/agentid-dev/agentid/internal/ratelimit"
	"github.com/agentid-dev/agentid/internal/server"
	"github.com/agentid-dev/agentid/internal/service/identity"
	"github.com/agentid-dev/agentid/internal/service/reputation"
	"github.com/agentid-dev/agentid/internal/service/verification"
	"github.com/agentid-dev/agentid/internal/storage"
	"github.com/agentid-dev/agentid/internal/storage/memory"
	"github.com/agentid-dev/agentid/internal/testutil"
)

const testAdminKey = "test-admin-key"

type testEnv struct {
	srv        *httptest.Server
	adminToken string
}

type envOption func(*server.ServerConfig)

func newEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	logger := testutil.TestLogger()
	store := memory.New(storage.DefaultRetryPolicy())
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	engine := reputation.New(reputation.Deps{
		Registry:   store,
		Ledger:     store,
		Aggregates: store,
		Logger:     logger,
	})
	verifier := verification.New(store, store, nil, logger)

	cfg := server.ServerConfig{
		Identity:            identity.New(store, jwtMgr, nil, testAdminKey, logger),
		Engine:              engine,
		Verifier:            verifier,
		JWTMgr:              jwtMgr,
		Storage:             store,
		Logger:              logger,
		MCPServer:           mcp.New(engine, verifier, logger, "test").MCPServer(),
		Version:             "test",
		MaxRequestBodyBytes: 4096,
		OpenAPISpec:         []byte("openapi: 3.1.0\n"),
	}
	for _, o := range opts {
		o(&cfg)
	}

	ts := httptest.NewServer(server.New(cfg).Handler())
	t.Cleanup(ts.Close)

	env := &testEnv{srv: ts}
	env.adminToken = env.token(t, model.AdminSubject, testAdminKey)
	return env
}

type envelope struct {
	Data  json.RawMessage    `json:"data"`
	Error *model.ErrorDetail `json:"error"`
	Meta  model.ResponseMeta `json:"meta"`
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, headers ...string) (*http.Response, envelope) {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var env envelope
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v), string(env.Data))
	return v
}

func (e *testEnv) token(t *testing.T, agentID, apiKey string) string {
	t.Helper()
	resp, env := e.do(t, "POST", "/auth/token", "", model.AuthTokenRequest{AgentID: agentID, APIKey: apiKey})
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error)
	return decode[model.AuthTokenResponse](t, env).Token
}

// registerAgent creates an owner and an agent and returns the agent with a
// token for it.
func (e *testEnv) registerAgent(t *testing.T) (model.Agent, string) {
	t.Helper()
	resp, env := e.do(t, "POST", "/v1/owners", e.adminToken, model.RegisterOwnerRequest{
		Email: uuid.NewString() + "@example.com",
		Name:  "Ada",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, env.Error)
	owner := decode[model.Owner](t, env)

	resp, env = e.do(t, "POST", "/v1/agents", e.adminToken, model.RegisterAgentRequest{
		OwnerID:      owner.ID,
		Name:         "research-bot",
		Description:  "summarizes papers",
		Capabilities: []string{"search"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, env.Error)
	reg := decode[model.RegisterAgentResponse](t, env)
	require.True(t, strings.HasPrefix(reg.APIKey, auth.APIKeyPrefix))

	return reg.Agent, e.token(t, reg.Agent.ID.String(), reg.APIKey)
}

func logAction(status model.ActionStatus) model.LogActionRequest {
	return model.LogActionRequest{ActionType: "api_call", Status: status}
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	resp, env := e.do(t, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decode[model.HealthResponse](t, env)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "connected", h.Storage)
	assert.Equal(t, "test", h.Version)
	assert.NotEmpty(t, env.Meta.RequestID)
}

func TestOpsEndpoints(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.do(t, "GET", "/openapi.yaml", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))

	resp, _ = e.do(t, "GET", "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestIDAndSecurityHeaders(t *testing.T) {
	e := newEnv(t)
	resp, env := e.do(t, "GET", "/health", "", nil, "X-Request-ID", "req-123")
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "req-123", env.Meta.RequestID)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestAgentLifecycle(t *testing.T) {
	e := newEnv(t)
	agent, agentToken := e.registerAgent(t)
	base := "/v1/agents/" + agent.ID.String()

	// Public record.
	resp, env := e.do(t, "GET", base, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[model.Agent](t, env)
	assert.Equal(t, agent.ID, got.ID)
	assert.NotContains(t, string(env.Data), "api_key")

	// No actions yet: neutral reputation.
	resp, env = e.do(t, "GET", base+"/reputation", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rep := decode[model.Reputation](t, env)
	assert.Equal(t, model.NeutralScore, rep.Score)
	assert.Zero(t, rep.TotalActions)

	// 7 successes, 3 failures.
	for i := range 10 {
		status := model.ActionSuccess
		if i >= 7 {
			status = model.ActionFailure
		}
		resp, env = e.do(t, "POST", base+"/actions", agentToken, logAction(status))
		require.Equal(t, http.StatusCreated, resp.StatusCode, env.Error)
	}

	resp, env = e.do(t, "GET", base+"/reputation", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rep = decode[model.Reputation](t, env)
	assert.Equal(t, 70.0, rep.Score)
	assert.Equal(t, int64(10), rep.TotalActions)
	assert.InDelta(t, 0.7, rep.SuccessRate, 1e-9)

	resp, env = e.do(t, "GET", base+"/verify", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[model.VerificationResult](t, env)
	assert.True(t, res.Verified)
	assert.InDelta(t, 0.7, res.Reputation.SuccessRate, 1e-9)

	// Suspend: verification fails, logging still allowed.
	resp, env = e.do(t, "PATCH", base+"/status", e.adminToken, model.UpdateAgentStatusRequest{Status: model.AgentStatusSuspended})
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error)
	resp, env = e.do(t, "POST", base+"/verify", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[model.VerificationResult](t, env).Verified)

	// Revoke: logging is refused and the status is terminal.
	resp, _ = e.do(t, "PATCH", base+"/status", e.adminToken, model.UpdateAgentStatusRequest{Status: model.AgentStatusRevoked})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, env = e.do(t, "POST", base+"/actions", agentToken, logAction(model.ActionSuccess))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeAgentRevoked, env.Error.Code)
	resp, env = e.do(t, "PATCH", base+"/status", e.adminToken, model.UpdateAgentStatusRequest{Status: model.AgentStatusActive})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, env.Error.Code)
}

func TestOwnerVerification(t *testing.T) {
	e := newEnv(t)
	resp, env := e.do(t, "POST", "/v1/owners", e.adminToken, model.RegisterOwnerRequest{Email: "ops@example.com", Name: "Ops"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	owner := decode[model.Owner](t, env)
	assert.False(t, owner.Verified)

	path := "/v1/owners/" + owner.ID.String() + "/verification"
	resp, env = e.do(t, "POST", path, e.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error)
	assert.True(t, decode[model.Owner](t, env).Verified)

	resp, env = e.do(t, "POST", path, e.adminToken, map[string]any{"verified": false})
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error)
	assert.False(t, decode[model.Owner](t, env).Verified)

	resp, _ = e.do(t, "POST", "/v1/owners", e.adminToken, model.RegisterOwnerRequest{Email: "ops@example.com", Name: "Dup"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = e.do(t, "POST", "/v1/owners/"+uuid.NewString()+"/verification", e.adminToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIdempotentLogAction(t *testing.T) {
	e := newEnv(t)
	agent, agentToken := e.registerAgent(t)
	path := "/v1/agents/" + agent.ID.String() + "/actions"
	body := model.LogActionRequest{ActionType: "payment", Status: model.ActionSuccess, Metadata: map[string]any{"amount": 12.5}}

	resp, env := e.do(t, "POST", path, agentToken, body, "Idempotency-Key", "order-42")
	require.Equal(t, http.StatusCreated, resp.StatusCode, env.Error)
	first := decode[model.Action](t, env)

	resp, env = e.do(t, "POST", path, agentToken, body, "Idempotency-Key", "order-42")
	require.Equal(t, http.StatusCreated, resp.StatusCode, env.Error)
	assert.Equal(t, first.ID, decode[model.Action](t, env).ID)

	// Same key, different payload.
	body.Status = model.ActionFailure
	resp, env = e.do(t, "POST", path, agentToken, body, "Idempotency-Key", "order-42")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)

	resp, env = e.do(t, "GET", path, agentToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[model.ActionPage](t, env).Actions, 1)
}

func TestListActionsPaging(t *testing.T) {
	e := newEnv(t)
	agent, agentToken := e.registerAgent(t)
	path := "/v1/agents/" + agent.ID.String() + "/actions"
	for range 5 {
		resp, _ := e.do(t, "POST", path, agentToken, logAction(model.ActionPending))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	seen := map[uuid.UUID]bool{}
	cursor := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5, "paging did not terminate")
		resp, env := e.do(t, "GET", path+"?limit=2&cursor="+cursor, e.adminToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, env.Error)
		page := decode[model.ActionPage](t, env)
		for _, a := range page.Actions {
			assert.False(t, seen[a.ID], "duplicate action across pages")
			seen[a.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Len(t, seen, 5)

	resp, env := e.do(t, "GET", path+"?cursor=garbage", agentToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
}

func TestRecomputeAndAudit(t *testing.T) {
	e := newEnv(t)
	agent, agentToken := e.registerAgent(t)
	base := "/v1/agents/" + agent.ID.String()

	// Nothing to recompute yet.
	resp, _ := e.do(t, "POST", base+"/reputation/recompute", e.adminToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	for _, s := range []model.ActionStatus{model.ActionSuccess, model.ActionFailure, model.ActionPending} {
		resp, _ = e.do(t, "POST", base+"/actions", agentToken, logAction(s))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, env := e.do(t, "POST", base+"/reputation/recompute", e.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error)
	score := decode[model.ReputationScore](t, env)
	assert.Equal(t, 50.0, score.Score)
	assert.Equal(t, int64(3), score.TotalActions)

	resp, env = e.do(t, "GET", base+"/reputation/audit", e.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error)
	report := decode[reputation.AuditReport](t, env)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(3), report.Ledger.Total)

	// Admin-only.
	resp, _ = e.do(t, "GET", base+"/reputation/audit", agentToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAuthorization(t *testing.T) {
	e := newEnv(t)
	agent, agentToken := e.registerAgent(t)
	other, _ := e.registerAgent(t)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"admin route without token", "POST", "/v1/agents", "", model.RegisterAgentRequest{}, http.StatusUnauthorized},
		{"admin route with agent token", "POST", "/v1/owners", agentToken, model.RegisterOwnerRequest{}, http.StatusForbidden},
		{"garbage token", "GET", "/v1/agents/" + agent.ID.String() + "/actions", "not-a-jwt", nil, http.StatusUnauthorized},
		{"log for another agent", "POST", "/v1/agents/" + other.ID.String() + "/actions", agentToken, logAction(model.ActionSuccess), http.StatusForbidden},
		{"read another agent's ledger", "GET", "/v1/agents/" + other.ID.String() + "/actions", agentToken, nil, http.StatusForbidden},
		{"ledger without token", "GET", "/v1/agents/" + agent.ID.String() + "/actions", "", nil, http.StatusUnauthorized},
		{"admin logs for agent", "POST", "/v1/agents/" + agent.ID.String() + "/actions", e.adminToken, logAction(model.ActionSuccess), http.StatusCreated},
		{"mcp without token", "POST", "/mcp", "", map[string]any{}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := e.do(t, tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	resp, env := e.do(t, "POST", "/auth/token", "", model.AuthTokenRequest{AgentID: agent.ID.String(), APIKey: "aid_wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, env.Error.Code)
}

func TestRequestValidation(t *testing.T) {
	e := newEnv(t)
	agent, agentToken := e.registerAgent(t)
	actions := "/v1/agents/" + agent.ID.String() + "/actions"

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
		code   string
	}{
		{"malformed path id", "GET", "/v1/agents/not-a-uuid", nil, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"unknown agent", "GET", "/v1/agents/" + uuid.NewString(), nil, http.StatusNotFound, model.ErrCodeNotFound},
		{"unknown agent reputation", "GET", "/v1/agents/" + uuid.NewString() + "/reputation", nil, http.StatusNotFound, model.ErrCodeNotFound},
		{"unknown agent verify", "GET", "/v1/agents/" + uuid.NewString() + "/verify", nil, http.StatusNotFound, model.ErrCodeNotFound},
		{"bad status", "POST", actions, map[string]any{"action_type": "x", "status": "maybe"}, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"empty action type", "POST", actions, map[string]any{"action_type": " ", "status": "success"}, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"unknown field", "POST", actions, map[string]any{"action_type": "x", "status": "success", "score": 100}, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"not json", "POST", actions, "{", http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"too large", "POST", actions, map[string]any{"action_type": "x", "status": "success", "metadata": map[string]any{"blob": strings.Repeat("a", 8192)}}, http.StatusRequestEntityTooLarge, model.ErrCodePayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := e.do(t, tt.method, tt.path, agentToken, tt.body)
			require.Equal(t, tt.want, resp.StatusCode)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestAuthRateLimit(t *testing.T) {
	rule := ratelimit.Rule{Name: "auth", Limit: 2, Window: time.Minute}
	limiter := ratelimit.NewMemoryLimiter(rule)
	t.Cleanup(func() { _ = limiter.Close() })

	// The admin token exchange in newEnv spends one request.
	e := newEnv(t, func(cfg *server.ServerConfig) {
		cfg.AuthLimiter = limiter
		cfg.AuthRule = rule
	})

	req := model.AuthTokenRequest{AgentID: model.AdminSubject, APIKey: testAdminKey}
	resp, _ := e.do(t, "POST", "/auth/token", "", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env := e.do(t, "POST", "/auth/token", "", req)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, model.ErrCodeRateLimited, env.Error.Code)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestWriteRateLimitExemptsAdmin(t *testing.T) {
	rule := ratelimit.Rule{Name: "write", Limit: 1, Window: time.Minute}
	limiter := ratelimit.NewMemoryLimiter(rule)
	t.Cleanup(func() { _ = limiter.Close() })

	e := newEnv(t, func(cfg *server.ServerConfig) {
		cfg.WriteLimiter = limiter
		cfg.WriteRule = rule
	})
	agent, agentToken := e.registerAgent(t)
	path := "/v1/agents/" + agent.ID.String() + "/actions"

	resp, _ := e.do(t, "POST", path, agentToken, logAction(model.ActionSuccess))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = e.do(t, "POST", path, agentToken, logAction(model.ActionSuccess))
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	for range 3 {
		resp, _ = e.do(t, "POST", path, e.adminToken, logAction(model.ActionSuccess))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
}
