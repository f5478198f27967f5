package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/agentid-dev/agentid/internal/ctxutil"
	"github.com/agentid-dev/agentid/internal/model"
	"github.com/agentid-dev/agentid/internal/service/reputation"
)

func (s *Server) registerTools() {
	// agentid_log_action: append an outcome to the caller's ledger.
	s.mcpServer.AddTool(
		mcplib.NewTool("agentid_log_action",
			mcplib.WithDescription(`Record the outcome of an action you performed so it counts toward your reputation.

WHEN TO USE: After every non-trivial action completes, whether it worked or not.
Failures matter as much as successes: an honest ledger is what makes the
score worth checking.

WHAT TO INCLUDE:
- action_type: A short category ("web_search", "code_review", "payment")
- status: success, failure, or pending if the result is not known yet
- metadata: Any JSON object you want stored with the entry
- idempotency_key: Optional. Reuse it when retrying so the action is logged once.

EXAMPLE: After a successful summarization call, record
action_type="summarize", status="success", metadata={"tokens": 812}`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("Agent the action belongs to. Defaults to your authenticated identity; only admins may log for another agent."),
			),
			mcplib.WithString("action_type",
				mcplib.Description("Category of action, at most 255 characters"),
				mcplib.Required(),
			),
			mcplib.WithString("status",
				mcplib.Description("How the action resolved"),
				mcplib.Required(),
				mcplib.Enum(string(model.ActionSuccess), string(model.ActionFailure), string(model.ActionPending)),
			),
			mcplib.WithObject("metadata",
				mcplib.Description("Free-form JSON object stored with the action"),
			),
			mcplib.WithString("idempotency_key",
				mcplib.Description("Client-chosen key that makes retries safe"),
			),
		),
		s.handleLogAction,
	)

	// agentid_get_reputation: read an agent's current score.
	s.mcpServer.AddTool(
		mcplib.NewTool("agentid_get_reputation",
			mcplib.WithDescription(`Read an agent's reputation: score (0-100), action counts and success rate.

WHEN TO USE: To see how your own standing has moved, or to look up a peer's
raw numbers. Agents that have never logged anything report the neutral score 50.
For a trust decision use agentid_verify instead; it also checks status and owner.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("Agent to look up. Defaults to your authenticated identity."),
			),
		),
		s.handleGetReputation,
	)

	// agentid_verify: the trust bundle a relying party should check.
	s.mcpServer.AddTool(
		mcplib.NewTool("agentid_verify",
			mcplib.WithDescription(`Verify another agent before trusting it.

WHEN TO USE: BEFORE delegating work to, accepting output from, or paying
another agent. The result says whether the agent is active (verified), who
owns it and whether that owner is verified, and its reputation.

Treat verified=false as a hard stop: the agent is suspended or revoked.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("Agent to verify"),
				mcplib.Required(),
			),
		),
		s.handleVerify,
	)
}

func (s *Server) handleLogAction(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("authentication required"), nil
	}

	agentID, errRes := s.resolveAgentID(ctx, request)
	if errRes != nil {
		return errRes, nil
	}
	if !claims.CanActFor(agentID) {
		return errorResult("your token does not grant access to this agent"), nil
	}

	var metadata map[string]any
	if raw, ok := request.GetArguments()["metadata"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return errorResult("metadata must be a JSON object"), nil
		}
		metadata = m
	}

	action, err := s.engine.LogAction(ctx, reputation.LogActionInput{
		AgentID:        agentID,
		ActionType:     request.GetString("action_type", ""),
		Status:         model.ActionStatus(request.GetString("status", "")),
		Metadata:       metadata,
		IdempotencyKey: request.GetString("idempotency_key", ""),
	})
	if err != nil {
		return s.serviceErrorResult("log action", err), nil
	}

	return jsonResult(map[string]any{
		"action_id":  action.ID,
		"agent_id":   action.AgentID,
		"status":     "recorded",
		"created_at": action.CreatedAt,
	}), nil
}

func (s *Server) handleGetReputation(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentID, errRes := s.resolveAgentID(ctx, request)
	if errRes != nil {
		return errRes, nil
	}

	view := model.NeutralReputation()
	score, err := s.engine.GetReputation(ctx, agentID)
	switch {
	case err == nil:
		view = score.View()
	case errors.Is(err, model.ErrNotFound) && !errors.Is(err, model.ErrAgentNotFound):
	default:
		return s.serviceErrorResult("get reputation", err), nil
	}

	return jsonResult(map[string]any{
		"agent_id":   agentID,
		"reputation": view,
	}), nil
}

func (s *Server) handleVerify(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw := request.GetString("agent_id", "")
	if raw == "" {
		return errorResult("agent_id is required"), nil
	}
	agentID, err := uuid.Parse(raw)
	if err != nil {
		return errorResult("agent_id must be a UUID"), nil
	}

	res, err := s.verifier.Verify(ctx, agentID)
	if err != nil {
		return s.serviceErrorResult("verify", err), nil
	}
	return jsonResult(res), nil
}

// resolveAgentID reads the agent_id argument, defaulting to the caller's own
// agent identity.
func (s *Server) resolveAgentID(ctx context.Context, request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	raw := request.GetString("agent_id", "")
	if raw == "" {
		if claims := ctxutil.ClaimsFromContext(ctx); claims != nil && claims.AgentID() != uuid.Nil {
			return claims.AgentID(), nil
		}
		return uuid.Nil, errorResult("agent_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult("agent_id must be a UUID")
	}
	return id, nil
}

// serviceErrorResult reports caller mistakes verbatim and hides the detail of
// server-side failures, which are logged instead.
func (s *Server) serviceErrorResult(op string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, model.ErrValidation),
		errors.Is(err, model.ErrAgentNotFound),
		errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrAgentRevoked),
		errors.Is(err, model.ErrConflict):
		return errorResult(fmt.Sprintf("%s failed: %v", op, err))
	case errors.Is(err, model.ErrStorage):
		s.logger.Error("mcp: "+op+" failed", "error", err)
		return errorResult(op + " failed: storage unavailable, retry later")
	default:
		s.logger.Error("mcp: "+op+" failed", "error", err)
		return errorResult(op + " failed: internal error")
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("failed to encode result: %v", err))
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
