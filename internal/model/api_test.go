package model_test

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentid-dev/agentid/internal/model"
)

func TestValidateLogActionRequest(t *testing.T) {
	req := model.LogActionRequest{ActionType: "  web_search ", Status: model.ActionSuccess}
	require.NoError(t, model.ValidateLogActionRequest(&req))
	assert.Equal(t, "web_search", req.ActionType)
	assert.NotNil(t, req.Metadata, "metadata defaults to an empty map")
	assert.Empty(t, req.Metadata)

	bad := []model.LogActionRequest{
		{ActionType: "", Status: model.ActionSuccess},
		{ActionType: "   ", Status: model.ActionFailure},
		{ActionType: strings.Repeat("x", model.MaxActionTypeLen+1), Status: model.ActionPending},
		{ActionType: "send_email", Status: "done"},
		{ActionType: "send_email"},
	}
	for _, r := range bad {
		err := model.ValidateLogActionRequest(&r)
		require.ErrorIs(t, err, model.ErrValidation, "request %+v", r)
	}
}

func TestValidateRegisterOwnerRequest(t *testing.T) {
	company := "  "
	req := model.RegisterOwnerRequest{Email: " Ops@Example.com ", Name: "Ops", Company: &company}
	require.NoError(t, model.ValidateRegisterOwnerRequest(&req))
	assert.Equal(t, "ops@example.com", req.Email)
	assert.Nil(t, req.Company, "blank company is dropped")

	err := model.ValidateRegisterOwnerRequest(&model.RegisterOwnerRequest{Email: "not-an-email", Name: "x"})
	require.ErrorIs(t, err, model.ErrValidation)
	err = model.ValidateRegisterOwnerRequest(&model.RegisterOwnerRequest{Email: "a@b.co"})
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestValidateRegisterAgentRequest(t *testing.T) {
	req := model.RegisterAgentRequest{
		OwnerID:      uuid.New(),
		Name:         "Scout",
		Description:  "Finds things",
		Capabilities: []string{"search", "chat", "search"},
	}
	require.NoError(t, model.ValidateRegisterAgentRequest(&req))
	assert.Equal(t, []string{"search", "chat"}, req.Capabilities)

	noCaps := model.RegisterAgentRequest{OwnerID: uuid.New(), Name: "a", Description: "b"}
	require.NoError(t, model.ValidateRegisterAgentRequest(&noCaps))
	assert.NotNil(t, noCaps.Capabilities)

	cases := map[string]model.RegisterAgentRequest{
		"missing owner":      {Name: "a", Description: "b"},
		"empty name":         {OwnerID: uuid.New(), Description: "b"},
		"long description":   {OwnerID: uuid.New(), Name: "a", Description: strings.Repeat("d", model.MaxDescriptionLen+1)},
		"invalid capability": {OwnerID: uuid.New(), Name: "a", Description: "b", Capabilities: []string{"Bad Cap"}},
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, model.ValidateRegisterAgentRequest(&r), model.ErrValidation)
		})
	}
}

func TestParseID(t *testing.T) {
	id := uuid.New()
	got, err := model.ParseID("agent_id", id.String())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = model.ParseID("agent_id", "nope")
	require.ErrorIs(t, err, model.ErrValidation)
}
