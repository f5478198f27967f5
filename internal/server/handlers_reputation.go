package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/agentid-dev/agentid/internal/model"
	"github.com/agentid-dev/agentid/internal/service/reputation"
)

// maxIdempotencyKeyLen bounds the Idempotency-Key header.
const maxIdempotencyKeyLen = 255

// reputationResponse is the body of GET /v1/agents/{agent_id}/reputation.
type reputationResponse struct {
	AgentID uuid.UUID `json:"agent_id"`
	model.Reputation
}

// HandleLogAction handles POST /v1/agents/{agent_id}/actions (self or admin).
// Retries carrying the same Idempotency-Key return the original entry.
func (h *Handlers) HandleLogAction(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathID(r, "agent_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(idemKey) > maxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Idempotency-Key exceeds 255 characters")
		return
	}

	var req model.LogActionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	action, err := h.engine.LogAction(r.Context(), reputation.LogActionInput{
		AgentID:        agentID,
		ActionType:     req.ActionType,
		Status:         req.Status,
		Metadata:       req.Metadata,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, action)
}

// HandleListActions handles GET /v1/agents/{agent_id}/actions (self or admin).
func (h *Handlers) HandleListActions(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathID(r, "agent_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	page := model.Page{
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  queryInt(r, "limit", model.DefaultPageLimit),
	}
	res, err := h.engine.ListActions(r.Context(), agentID, page)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleGetReputation handles GET /v1/agents/{agent_id}/reputation. An agent
// that has never logged an action reports the neutral score.
func (h *Handlers) HandleGetReputation(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathID(r, "agent_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	score, err := h.engine.GetReputation(r.Context(), agentID)
	switch {
	case errors.Is(err, model.ErrAgentNotFound):
		h.writeServiceError(w, r, err)
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, r, http.StatusOK, reputationResponse{AgentID: agentID, Reputation: model.NeutralReputation()})
	case err != nil:
		h.writeServiceError(w, r, err)
	default:
		writeJSON(w, r, http.StatusOK, reputationResponse{AgentID: agentID, Reputation: score.View()})
	}
}

// HandleRecompute handles POST /v1/agents/{agent_id}/reputation/recompute
// (admin-only). It rebuilds the aggregate from the full ledger.
func (h *Handlers) HandleRecompute(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathID(r, "agent_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	score, err := h.engine.Recompute(r.Context(), agentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, score)
}

// HandleAudit handles GET /v1/agents/{agent_id}/reputation/audit (admin-only).
func (h *Handlers) HandleAudit(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathID(r, "agent_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	report, err := h.engine.Audit(r.Context(), agentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// HandleVerify handles GET and POST /v1/agents/{agent_id}/verify. It needs no
// credentials: any relying party may check an agent.
func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathID(r, "agent_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	res, err := h.verifier.Verify(r.Context(), agentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}
