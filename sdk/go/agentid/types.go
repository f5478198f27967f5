package agentid

import (
	"time"

	"github.com/google/uuid"
)

// AgentStatus is an agent's lifecycle state.
type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentSuspended AgentStatus = "suspended"
	AgentRevoked   AgentStatus = "revoked"
)

// ActionStatus is how a logged action resolved.
type ActionStatus string

const (
	ActionSuccess ActionStatus = "success"
	ActionFailure ActionStatus = "failure"
	ActionPending ActionStatus = "pending"
)

// Owner is the person or organization accountable for agents.
type Owner struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Company   *string   `json:"company,omitempty"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OwnerSummary is the part of an owner shown to relying parties.
type OwnerSummary struct {
	Name     string  `json:"name"`
	Company  *string `json:"company,omitempty"`
	Verified bool    `json:"verified"`
}

// Agent is a registered agent identity.
type Agent struct {
	ID           uuid.UUID   `json:"id"`
	OwnerID      uuid.UUID   `json:"owner_id"`
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	Capabilities []string    `json:"capabilities"`
	Status       AgentStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Action is one ledger entry.
type Action struct {
	ID         uuid.UUID      `json:"id"`
	AgentID    uuid.UUID      `json:"agent_id"`
	ActionType string         `json:"action_type"`
	Metadata   map[string]any `json:"metadata"`
	Status     ActionStatus   `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ActionPage is one page of an agent's ledger, newest first.
type ActionPage struct {
	Actions    []Action `json:"actions"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// Reputation is an agent's score and counters.
type Reputation struct {
	Score             float64    `json:"score"`
	TotalActions      int64      `json:"total_actions"`
	SuccessfulActions int64      `json:"successful_actions"`
	FailedActions     int64      `json:"failed_actions"`
	PendingActions    int64      `json:"pending_actions"`
	SuccessRate       float64    `json:"success_rate"`
	LastCalculated    *time.Time `json:"last_calculated,omitempty"`
}

// AgentReputation is the response of GetReputation.
type AgentReputation struct {
	AgentID uuid.UUID `json:"agent_id"`
	Reputation
}

// VerificationResult is what a relying party checks before trusting an agent.
type VerificationResult struct {
	Verified   bool         `json:"verified"`
	Agent      Agent        `json:"agent"`
	Reputation Reputation   `json:"reputation"`
	Owner      OwnerSummary `json:"owner"`
}

// RegisterOwnerRequest is the input of RegisterOwner.
type RegisterOwnerRequest struct {
	Email   string  `json:"email"`
	Name    string  `json:"name"`
	Company *string `json:"company,omitempty"`
}

// RegisterAgentRequest is the input of RegisterAgent.
type RegisterAgentRequest struct {
	OwnerID      uuid.UUID `json:"owner_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Capabilities []string  `json:"capabilities,omitempty"`
}

// RegisteredAgent carries the API key, which the server shows only once.
type RegisteredAgent struct {
	Agent  Agent  `json:"agent"`
	APIKey string `json:"api_key"`
}

// LogActionRequest is the input of LogAction. A non-empty IdempotencyKey is
// sent as the Idempotency-Key header so retries are recorded once.
type LogActionRequest struct {
	ActionType     string         `json:"action_type"`
	Status         ActionStatus   `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"-"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Storage string `json:"storage"`
	Cache   string `json:"cache,omitempty"`
	Uptime  int64  `json:"uptime_seconds"`
}
