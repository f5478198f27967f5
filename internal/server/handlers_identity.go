package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/agentid-dev/agentid/internal/model"
)

// HandleRegisterOwner handles POST /v1/owners (admin-only).
func (h *Handlers) HandleRegisterOwner(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterOwnerRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	owner, err := h.identity.RegisterOwner(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, owner)
}

type ownerVerificationRequest struct {
	Verified *bool `json:"verified"`
}

// HandleSetOwnerVerification handles POST /v1/owners/{owner_id}/verification
// (admin-only). An empty body marks the owner verified; {"verified": false}
// withdraws it.
func (h *Handlers) HandleSetOwnerVerification(w http.ResponseWriter, r *http.Request) {
	ownerID, err := pathID(r, "owner_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	var req ownerVerificationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, io.EOF) {
		handleDecodeError(w, r, err)
		return
	}
	verified := true
	if req.Verified != nil {
		verified = *req.Verified
	}

	owner, err := h.identity.SetOwnerVerified(r.Context(), ownerID, verified)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, owner)
}

// HandleRegisterAgent handles POST /v1/agents (admin-only). The response
// carries the agent's API key, which is never retrievable again.
func (h *Handlers) HandleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	resp, err := h.identity.RegisterAgent(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, resp)
}

// HandleGetAgent handles GET /v1/agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathID(r, "agent_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	agent, err := h.identity.GetAgent(r.Context(), agentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleUpdateAgentStatus handles PATCH /v1/agents/{agent_id}/status (admin-only).
func (h *Handlers) HandleUpdateAgentStatus(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathID(r, "agent_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	var req model.UpdateAgentStatusRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	agent, err := h.identity.UpdateAgentStatus(r.Context(), agentID, req.Status)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}
