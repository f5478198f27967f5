// Package identity manages owners, agents and their credentials. Both the HTTP
// API and the token endpoint delegate here.
package identity

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentid-dev/agentid/internal/auth"
	"github.com/agentid-dev/agentid/internal/cache"
	"github.com/agentid-dev/agentid/internal/model"
)

// ErrInvalidCredentials is returned for any failed API key exchange. It never
// says which half of the credential was wrong.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Store is the registry persistence the service writes through.
type Store interface {
	CreateOwner(ctx context.Context, o model.Owner) (model.Owner, error)
	GetOwner(ctx context.Context, id uuid.UUID) (model.Owner, error)
	SetOwnerVerified(ctx context.Context, id uuid.UUID, verified bool) (model.Owner, error)
	CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error)
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	ListAgentIDsByOwner(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error)
	UpdateAgentStatus(ctx context.Context, id uuid.UUID, from, to model.AgentStatus) (model.Agent, error)
}

// Service registers identities and exchanges API keys for tokens.
type Service struct {
	store       Store
	jwt         *auth.JWTManager
	cache       cache.VerificationCache
	adminAPIKey string
	logger      *slog.Logger
}

// New creates an identity Service. An empty adminAPIKey disables the admin
// credential; a nil cache disables invalidation.
func New(store Store, jwtMgr *auth.JWTManager, c cache.VerificationCache, adminAPIKey string, logger *slog.Logger) *Service {
	if c == nil {
		c = cache.Noop{}
	}
	return &Service{store: store, jwt: jwtMgr, cache: c, adminAPIKey: adminAPIKey, logger: logger}
}

// RegisterOwner creates an unverified owner.
func (s *Service) RegisterOwner(ctx context.Context, req model.RegisterOwnerRequest) (model.Owner, error) {
	if err := model.ValidateRegisterOwnerRequest(&req); err != nil {
		return model.Owner{}, err
	}
	owner, err := s.store.CreateOwner(ctx, model.Owner{
		Email:   req.Email,
		Name:    req.Name,
		Company: req.Company,
	})
	if err != nil {
		return model.Owner{}, fmt.Errorf("identity: register owner: %w", err)
	}
	s.logger.Info("owner registered", "owner_id", owner.ID)
	return owner, nil
}

// SetOwnerVerified flips the owner's trust flag and drops the cached
// verification bundles of every agent the owner registered.
func (s *Service) SetOwnerVerified(ctx context.Context, ownerID uuid.UUID, verified bool) (model.Owner, error) {
	owner, err := s.store.SetOwnerVerified(ctx, ownerID, verified)
	if err != nil {
		return model.Owner{}, fmt.Errorf("identity: set owner verified: %w", err)
	}

	agentIDs, err := s.store.ListAgentIDsByOwner(ctx, ownerID)
	if err != nil {
		s.logger.Warn("identity: cannot list owner agents for cache invalidation", "owner_id", ownerID, "error", err)
	}
	for _, id := range agentIDs {
		s.invalidate(ctx, id)
	}
	s.logger.Info("owner verification changed", "owner_id", ownerID, "verified", verified, "agents", len(agentIDs))
	return owner, nil
}

// RegisterAgent creates an active agent and returns its API key. The key is
// only ever available in this response.
func (s *Service) RegisterAgent(ctx context.Context, req model.RegisterAgentRequest) (model.RegisterAgentResponse, error) {
	if err := model.ValidateRegisterAgentRequest(&req); err != nil {
		return model.RegisterAgentResponse{}, err
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		return model.RegisterAgentResponse{}, fmt.Errorf("identity: register agent: %w", err)
	}
	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return model.RegisterAgentResponse{}, fmt.Errorf("identity: register agent: %w", err)
	}

	agent, err := s.store.CreateAgent(ctx, model.Agent{
		OwnerID:      req.OwnerID,
		Name:         req.Name,
		Description:  req.Description,
		Capabilities: req.Capabilities,
		APIKeyHash:   &hash,
		Status:       model.AgentStatusActive,
	})
	if err != nil {
		return model.RegisterAgentResponse{}, fmt.Errorf("identity: register agent: %w", err)
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.String("agentid.agent_id", agent.ID.String()))
	s.logger.Info("agent registered", "agent_id", agent.ID, "owner_id", agent.OwnerID)
	return model.RegisterAgentResponse{Agent: agent, APIKey: apiKey}, nil
}

// GetAgent returns the public agent record.
func (s *Service) GetAgent(ctx context.Context, agentID uuid.UUID) (model.Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return model.Agent{}, fmt.Errorf("identity: get agent: %w", err)
	}
	return agent, nil
}

// UpdateAgentStatus moves an agent to the requested status. Revoked is
// terminal; any transition out of it is model.ErrConflict. Setting the current
// status again succeeds without a write.
func (s *Service) UpdateAgentStatus(ctx context.Context, agentID uuid.UUID, to model.AgentStatus) (model.Agent, error) {
	if err := model.ValidateUpdateAgentStatusRequest(model.UpdateAgentStatusRequest{Status: to}); err != nil {
		return model.Agent{}, err
	}

	current, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return model.Agent{}, fmt.Errorf("identity: update agent status: %w", err)
	}
	if !current.Status.CanTransitionTo(to) {
		return model.Agent{}, fmt.Errorf("identity: agent %s is %s and cannot become %s: %w",
			agentID, current.Status, to, model.ErrConflict)
	}
	if current.Status == to {
		return current, nil
	}

	// The store only applies the change if nobody moved the agent since the read above.
	updated, err := s.store.UpdateAgentStatus(ctx, agentID, current.Status, to)
	if err != nil {
		return model.Agent{}, fmt.Errorf("identity: update agent status: %w", err)
	}

	s.invalidate(ctx, agentID)
	s.logger.Info("agent status changed", "agent_id", agentID, "from", current.Status, "to", to)
	return updated, nil
}

func (s *Service) invalidate(ctx context.Context, agentID uuid.UUID) {
	if err := s.cache.Invalidate(ctx, agentID); err != nil {
		s.logger.Warn("identity: verification cache invalidation failed", "agent_id", agentID, "error", err)
	}
}

// Authenticate exchanges an API key for a signed token. The admin credential
// is presented with agent_id "admin".
func (s *Service) Authenticate(ctx context.Context, req model.AuthTokenRequest) (model.AuthTokenResponse, error) {
	if req.APIKey == "" || req.AgentID == "" {
		return model.AuthTokenResponse{}, fmt.Errorf("%w: agent_id and api_key are required", model.ErrValidation)
	}

	if req.AgentID == model.AdminSubject {
		if s.adminAPIKey == "" || subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(s.adminAPIKey)) != 1 {
			auth.DummyVerify()
			return model.AuthTokenResponse{}, ErrInvalidCredentials
		}
		token, exp, err := s.jwt.IssueAdminToken()
		if err != nil {
			return model.AuthTokenResponse{}, fmt.Errorf("identity: issue admin token: %w", err)
		}
		return model.AuthTokenResponse{Token: token, ExpiresAt: exp}, nil
	}

	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		auth.DummyVerify()
		return model.AuthTokenResponse{}, ErrInvalidCredentials
	}

	agent, err := s.store.GetAgent(ctx, agentID)
	if errors.Is(err, model.ErrNotFound) {
		auth.DummyVerify()
		return model.AuthTokenResponse{}, ErrInvalidCredentials
	}
	if err != nil {
		return model.AuthTokenResponse{}, fmt.Errorf("%w: identity: authenticate: %w", model.ErrStorage, err)
	}
	if agent.APIKeyHash == nil {
		auth.DummyVerify()
		return model.AuthTokenResponse{}, ErrInvalidCredentials
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, *agent.APIKeyHash)
	if err != nil {
		s.logger.Error("identity: stored api key hash is malformed", "agent_id", agentID, "error", err)
		return model.AuthTokenResponse{}, ErrInvalidCredentials
	}
	if !valid {
		return model.AuthTokenResponse{}, ErrInvalidCredentials
	}
	if agent.Status == model.AgentStatusRevoked {
		return model.AuthTokenResponse{}, fmt.Errorf("identity: agent %s: %w", agentID, model.ErrAgentRevoked)
	}

	token, exp, err := s.jwt.IssueAgentToken(agent.ID)
	if err != nil {
		return model.AuthTokenResponse{}, fmt.Errorf("identity: issue agent token: %w", err)
	}
	return model.AuthTokenResponse{Token: token, ExpiresAt: exp}, nil
}
