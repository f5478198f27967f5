package agentid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AdminID is the agent id used to exchange the admin API key for a token.
const AdminID = "admin"

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the server (e.g. "http://localhost:8080").
	BaseURL string

	// AgentID is the agent's UUID, or AdminID for the admin credential.
	AgentID string

	// APIKey is exchanged for a JWT on first use.
	APIKey string

	// HTTPClient is optional. Defaults to a client with Timeout.
	HTTPClient *http.Client

	// Timeout applies to individual requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the AgentID API. All methods are safe for
// concurrent use.
type Client struct {
	baseURL  string
	agentID  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client. BaseURL is always required; AgentID and APIKey
// may both be empty for a client that only calls the public read endpoints.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("agentid: BaseURL is required")
	}
	if (cfg.AgentID == "") != (cfg.APIKey == "") {
		return nil, errors.New("agentid: AgentID and APIKey must be set together")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{baseURL: baseURL, agentID: cfg.AgentID, client: httpClient}
	if cfg.APIKey != "" {
		c.tokenMgr = newTokenManager(baseURL, cfg.AgentID, cfg.APIKey, httpClient)
	}
	return c, nil
}

// selfID returns the client's own agent id, for methods that default to it.
func (c *Client) selfID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.agentID)
	if err != nil {
		return uuid.Nil, errors.New("agentid: client is not configured with an agent UUID")
	}
	return id, nil
}

// ---------------------------------------------------------------------------
// Registry (admin)
// ---------------------------------------------------------------------------

// RegisterOwner creates an owner. Requires the admin credential.
func (c *Client) RegisterOwner(ctx context.Context, req RegisterOwnerRequest) (*Owner, error) {
	var resp Owner
	if err := c.send(ctx, http.MethodPost, "/v1/owners", req, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetOwnerVerified marks an owner verified or unverified. Requires the admin credential.
func (c *Client) SetOwnerVerified(ctx context.Context, ownerID uuid.UUID, verified bool) (*Owner, error) {
	var resp Owner
	body := map[string]bool{"verified": verified}
	if err := c.send(ctx, http.MethodPost, "/v1/owners/"+ownerID.String()+"/verification", body, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RegisterAgent creates an agent and returns its API key. The key cannot be
// retrieved again. Requires the admin credential.
func (c *Client) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (*RegisteredAgent, error) {
	var resp RegisteredAgent
	if err := c.send(ctx, http.MethodPost, "/v1/agents", req, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateAgentStatus moves an agent between active and suspended, or revokes
// it for good. Requires the admin credential.
func (c *Client) UpdateAgentStatus(ctx context.Context, agentID uuid.UUID, status AgentStatus) (*Agent, error) {
	var resp Agent
	body := map[string]AgentStatus{"status": status}
	if err := c.send(ctx, http.MethodPatch, "/v1/agents/"+agentID.String()+"/status", body, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

// LogAction records an action for the client's own agent.
func (c *Client) LogAction(ctx context.Context, req LogActionRequest) (*Action, error) {
	id, err := c.selfID()
	if err != nil {
		return nil, err
	}
	return c.LogActionFor(ctx, id, req)
}

// LogActionFor records an action for agentID. Agents may only log for
// themselves; the admin credential may log for any agent.
func (c *Client) LogActionFor(ctx context.Context, agentID uuid.UUID, req LogActionRequest) (*Action, error) {
	var header http.Header
	if req.IdempotencyKey != "" {
		header = http.Header{"Idempotency-Key": []string{req.IdempotencyKey}}
	}
	var resp Action
	if err := c.send(ctx, http.MethodPost, "/v1/agents/"+agentID.String()+"/actions", req, header, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListActions returns one page of agentID's ledger, newest first. Pass the
// previous page's NextCursor to continue; an empty cursor starts at the top.
func (c *Client) ListActions(ctx context.Context, agentID uuid.UUID, cursor string, limit int) (*ActionPage, error) {
	params := url.Values{}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/agents/" + agentID.String() + "/actions"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp ActionPage
	if err := c.send(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Public reads
// ---------------------------------------------------------------------------

// GetAgent returns an agent's public profile.
func (c *Client) GetAgent(ctx context.Context, agentID uuid.UUID) (*Agent, error) {
	var resp Agent
	if err := c.send(ctx, http.MethodGet, "/v1/agents/"+agentID.String(), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetReputation returns agentID's score. Agents that never logged anything
// report the neutral score.
func (c *Client) GetReputation(ctx context.Context, agentID uuid.UUID) (*AgentReputation, error) {
	var resp AgentReputation
	if err := c.send(ctx, http.MethodGet, "/v1/agents/"+agentID.String()+"/reputation", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Verify returns the bundle a relying party checks before trusting agentID.
// Verified is false for suspended and revoked agents.
func (c *Client) Verify(ctx context.Context, agentID uuid.UUID) (*VerificationResult, error) {
	var resp VerificationResult
	if err := c.send(ctx, http.MethodGet, "/v1/agents/"+agentID.String()+"/verify", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health reports server status. It never sends credentials, so it works with
// a misconfigured client too.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("agentid: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agentid: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// A 503 still carries a body saying which dependency is down.
	var health HealthResponse
	if err := handleResponse(resp, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's success wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's error wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// send issues one request. Authenticated clients attach a bearer token and
// retry once with a fresh token when the server answers 401.
func (c *Client) send(ctx context.Context, method, path string, body any, header http.Header, dest any) error {
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return fmt.Errorf("agentid: marshal request body: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(encoded))
		if err != nil {
			return fmt.Errorf("agentid: create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range header {
			req.Header[k] = v
		}
		if c.tokenMgr != nil {
			token, err := c.tokenMgr.getToken(ctx)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("agentid: %s %s: %w", method, req.URL.Path, err)
		}
		err = handleResponse(resp, dest)
		_ = resp.Body.Close()

		if attempt == 0 && c.tokenMgr != nil && IsUnauthorized(err) {
			c.tokenMgr.invalidate()
			continue
		}
		return err
	}
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("agentid: read response body: %w", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusServiceUnavailable {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		// Health reports 503 with a data body; everything else uses the error envelope.
		var envelope apiEnvelope
		if json.Unmarshal(bodyBytes, &envelope) != nil || len(envelope.Data) == 0 {
			return parseErrorResponse(resp.StatusCode, bodyBytes)
		}
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("agentid: decode response envelope: %w", err)
	}
	if len(envelope.Data) == 0 {
		return fmt.Errorf("agentid: response has no data")
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
