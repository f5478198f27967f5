package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentid-dev/agentid/internal/model"
)

func TestAgentStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to model.AgentStatus
		ok       bool
	}{
		{model.AgentStatusActive, model.AgentStatusSuspended, true},
		{model.AgentStatusSuspended, model.AgentStatusActive, true},
		{model.AgentStatusActive, model.AgentStatusRevoked, true},
		{model.AgentStatusSuspended, model.AgentStatusRevoked, true},
		{model.AgentStatusActive, model.AgentStatusActive, true},
		{model.AgentStatusRevoked, model.AgentStatusActive, false},
		{model.AgentStatusRevoked, model.AgentStatusSuspended, false},
		{model.AgentStatusRevoked, model.AgentStatusRevoked, false},
		{model.AgentStatusActive, model.AgentStatus("deleted"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestAgentStatusAcceptsActions(t *testing.T) {
	assert.True(t, model.AgentStatusActive.AcceptsActions())
	assert.True(t, model.AgentStatusSuspended.AcceptsActions())
	assert.False(t, model.AgentStatusRevoked.AcceptsActions())
}

func TestValidateCapability(t *testing.T) {
	for _, c := range []string{"chat", "web-search", "tool_use", "fs.read", "mcp:github", strings.Repeat("a", 64)} {
		require.NoError(t, model.ValidateCapability(c), "expected valid: %q", c)
	}
	for _, c := range []string{"", "Chat", "1chat", "has space", strings.Repeat("a", 65)} {
		require.Error(t, model.ValidateCapability(c), "expected invalid: %q", c)
	}
}
