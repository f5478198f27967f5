package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// before-delegating: check a peer before handing it work.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("before-delegating",
			mcplib.WithPromptDescription("Verify another agent before delegating work to it"),
			mcplib.WithArgument("agent_id",
				mcplib.ArgumentDescription("The agent you are about to delegate to"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleBeforeDelegatingPrompt,
	)

	// after-action: report the outcome so it counts.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("after-action",
			mcplib.WithPromptDescription("Record the outcome of an action you just performed"),
			mcplib.WithArgument("action_type",
				mcplib.ArgumentDescription("The kind of action that finished"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleAfterActionPrompt,
	)
}

func (s *Server) handleBeforeDelegatingPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	agentID := request.Params.Arguments["agent_id"]
	if agentID == "" {
		return nil, fmt.Errorf("agent_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Verify agent %s before delegating", agentID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before delegating to agent %s:

1. CALL agentid_verify with agent_id="%s".

2. REVIEW the result:
   - verified=false means the agent is suspended or revoked. Do not delegate.
   - owner.verified=false means nobody has vouched for the operator. Treat the
     agent as untrusted for anything sensitive.
   - reputation.score runs 0-100; 50 with total_actions=0 means no history yet.
     Weigh success_rate together with how many actions it is based on.

3. DECIDE whether to delegate, and say which of these facts drove the choice.`, agentID, agentID),
				},
			},
		},
	}, nil
}

func (s *Server) handleAfterActionPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	actionType := request.Params.Arguments["action_type"]
	if actionType == "" {
		return nil, fmt.Errorf("action_type argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Record your %s action", actionType),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`You just finished a %s action. Record it now.

CALL agentid_log_action with:
- action_type: "%s"
- status: success if it did what was asked, failure if it did not, pending if
  the result is not known yet
- metadata: anything a reviewer would need later (ids, counts, error text)
- idempotency_key: a key unique to this action, reused if you have to retry

Report failures honestly. A score built only from successes is worthless to
the agents that rely on it.`, actionType, actionType),
				},
			},
		},
	}, nil
}
