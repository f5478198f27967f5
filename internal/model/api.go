package model

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits mirrored from the public registration and logging schemas.
const (
	MaxActionTypeLen  = 255
	MaxAgentNameLen   = 255
	MaxDescriptionLen = 1000
	MaxOwnerNameLen   = 255
	MaxCapabilities   = 64
	MaxMetadataKeys   = 128
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeAgentRevoked       = "AGENT_REVOKED"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	ErrCodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Storage string `json:"storage"`
	Cache   string `json:"cache,omitempty"`
	Uptime  int64  `json:"uptime_seconds"`
}

// AuthTokenRequest exchanges an API key for a JWT.
type AuthTokenRequest struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// AuthTokenResponse carries a signed JWT.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LogActionRequest is the body of POST /v1/agents/{agent_id}/actions.
type LogActionRequest struct {
	ActionType string         `json:"action_type"`
	Status     ActionStatus   `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ValidateLogActionRequest checks the request shape and normalizes metadata to
// an empty map. The metadata contents are opaque and not inspected beyond size.
func ValidateLogActionRequest(req *LogActionRequest) error {
	req.ActionType = strings.TrimSpace(req.ActionType)
	if req.ActionType == "" {
		return fmt.Errorf("%w: action_type is required", ErrValidation)
	}
	if len(req.ActionType) > MaxActionTypeLen {
		return fmt.Errorf("%w: action_type exceeds maximum length of %d characters", ErrValidation, MaxActionTypeLen)
	}
	if !req.Status.Valid() {
		return fmt.Errorf("%w: status must be one of success, failure, pending (got %q)", ErrValidation, req.Status)
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}
	if len(req.Metadata) > MaxMetadataKeys {
		return fmt.Errorf("%w: metadata has more than %d keys", ErrValidation, MaxMetadataKeys)
	}
	return nil
}

// RegisterOwnerRequest is the body of POST /v1/owners.
type RegisterOwnerRequest struct {
	Email   string  `json:"email"`
	Name    string  `json:"name"`
	Company *string `json:"company,omitempty"`
}

// ValidateRegisterOwnerRequest checks and normalizes an owner registration.
func ValidateRegisterOwnerRequest(req *RegisterOwnerRequest) error {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Name = strings.TrimSpace(req.Name)
	addr, err := mail.ParseAddress(req.Email)
	if err != nil || addr.Address != req.Email {
		return fmt.Errorf("%w: email is not a valid address", ErrValidation)
	}
	if req.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if len(req.Name) > MaxOwnerNameLen {
		return fmt.Errorf("%w: name exceeds maximum length of %d characters", ErrValidation, MaxOwnerNameLen)
	}
	if req.Company != nil {
		c := strings.TrimSpace(*req.Company)
		if c == "" {
			req.Company = nil
		} else {
			req.Company = &c
		}
	}
	return nil
}

// RegisterAgentRequest is the body of POST /v1/agents.
type RegisterAgentRequest struct {
	OwnerID      uuid.UUID `json:"owner_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Capabilities []string  `json:"capabilities,omitempty"`
}

// ValidateRegisterAgentRequest checks and normalizes an agent registration.
func ValidateRegisterAgentRequest(req *RegisterAgentRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)
	if req.OwnerID == uuid.Nil {
		return fmt.Errorf("%w: owner_id is required", ErrValidation)
	}
	if req.Name == "" || len(req.Name) > MaxAgentNameLen {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrValidation, MaxAgentNameLen)
	}
	if req.Description == "" || len(req.Description) > MaxDescriptionLen {
		return fmt.Errorf("%w: description must be 1-%d characters", ErrValidation, MaxDescriptionLen)
	}
	if len(req.Capabilities) > MaxCapabilities {
		return fmt.Errorf("%w: at most %d capabilities allowed", ErrValidation, MaxCapabilities)
	}
	if req.Capabilities == nil {
		req.Capabilities = []string{}
	}
	seen := make(map[string]bool, len(req.Capabilities))
	deduped := req.Capabilities[:0]
	for _, c := range req.Capabilities {
		if err := ValidateCapability(c); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		deduped = append(deduped, c)
	}
	req.Capabilities = deduped
	return nil
}

// RegisterAgentResponse returns the new agent with its one-time API key.
type RegisterAgentResponse struct {
	Agent  Agent  `json:"agent"`
	APIKey string `json:"api_key"`
}

// UpdateAgentStatusRequest is the body of PATCH /v1/agents/{agent_id}/status.
type UpdateAgentStatusRequest struct {
	Status AgentStatus `json:"status"`
}

// ValidateUpdateAgentStatusRequest checks the requested status value.
func ValidateUpdateAgentStatusRequest(req UpdateAgentStatusRequest) error {
	if !req.Status.Valid() {
		return fmt.Errorf("%w: status must be one of active, suspended, revoked (got %q)", ErrValidation, req.Status)
	}
	return nil
}

// ParseID parses a path identifier, reporting ErrValidation on malformed input.
func ParseID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s must be a UUID", ErrValidation, field)
	}
	return id, nil
}
