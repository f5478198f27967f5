// Package mcp implements the Model Context Protocol server for AgentID.
//
// The MCP server exposes the ledger and verification capabilities of the HTTP
// API as MCP tools, resources and prompts, so MCP-compatible agents can report
// their own outcomes and check a peer before delegating to it.
package mcp

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agentid-dev/agentid/internal/service/reputation"
	"github.com/agentid-dev/agentid/internal/service/verification"
)

// Server wraps the MCP server with AgentID's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	engine    *reputation.Engine
	verifier  *verification.Assembler
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts.
func New(engine *reputation.Engine, verifier *verification.Assembler, logger *slog.Logger, version string) *Server {
	s := &Server{
		engine:   engine,
		verifier: verifier,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"agentid",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions("AgentID keeps a tamper-evident reputation for AI agents. "+
			"Call agentid_verify before trusting or delegating to another agent, and "+
			"agentid_log_action after every action you complete so your own score reflects it."),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
