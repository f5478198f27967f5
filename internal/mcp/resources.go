package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	agentURIPrefix  = "agentid://agent/"
	verifyURISuffix = "/verification"
)

func (s *Server) registerResources() {
	// agentid://agent/{id}/verification: the same bundle agentid_verify returns,
	// for clients that prefer attaching it as context.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			agentURIPrefix+"{id}"+verifyURISuffix,
			"Agent Verification",
			mcplib.WithTemplateDescription("Status, owner and reputation of an agent"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAgentVerification,
	)
}

func (s *Server) handleAgentVerification(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	agentID, err := parseAgentURI(uri)
	if err != nil {
		return nil, err
	}

	res, err := s.verifier.Verify(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("mcp: verify %s: %w", agentID, err)
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal verification: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseAgentURI extracts the agent id from agentid://agent/{id}/verification.
func parseAgentURI(uri string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(uri, agentURIPrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid agent URI: %s", uri)
	}
	raw, ok := strings.CutSuffix(rest, verifyURISuffix)
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid agent URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid agent id in URI %s", uri)
	}
	return id, nil
}
