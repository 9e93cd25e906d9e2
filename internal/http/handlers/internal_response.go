package handlers

import (
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/hestia-labs/hestia-backend/internal/http/response"
	"github.com/hestia-labs/hestia-backend/internal/pkg/dbctx"
	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
	"github.com/hestia-labs/hestia-backend/internal/platform/apierr"
	"github.com/hestia-labs/hestia-backend/internal/services"
	"github.com/hestia-labs/hestia-backend/internal/types"
)

// InternalResponseHandler receives the workflow engine's callback once an
// analysis finishes out of band. Service-scoped: the engine has no end-user
// session.
type InternalResponseHandler struct {
	log    *logger.Logger
	states services.StateService
	chats  services.ChatService
}

func NewInternalResponseHandler(log *logger.Logger, states services.StateService, chats services.ChatService) *InternalResponseHandler {
	return &InternalResponseHandler{
		log:    log.With("Handler", "InternalResponseHandler"),
		states: states,
		chats:  chats,
	}
}

// POST /api/internal/response
func (h *InternalResponseHandler) Receive(c *gin.Context) {
	var req struct {
		SessionID string          `json:"session_id"`
		RequestID string          `json:"request_id"`
		Response  string          `json:"response"`
		Payload   json.RawMessage `json:"pending_response"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondAPIError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	if req.SessionID == "" {
		response.RespondAPIError(c, apierr.Validation("missing session_id"))
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}

	// Append the assistant turn so the change feed announces it.
	if req.Response != "" {
		if _, err := h.chats.AppendMessages(dbc, req.SessionID, []*types.ChatMessage{{
			Role:    types.RoleAssistant,
			Content: req.Response,
		}}); err != nil {
			response.RespondAPIError(c, err)
			return
		}
		if err := h.chats.IncrementVersion(dbc, req.SessionID); err != nil {
			h.log.Warn("failed to bump version counter", "session_id", req.SessionID, "error", err)
		}
	}

	payload := req.Payload
	if payload == nil && req.Response != "" {
		raw, err := json.Marshal(gin.H{"role": types.RoleAssistant, "content": req.Response})
		if err == nil {
			payload = raw
		}
	}
	if payload != nil {
		if err := h.states.SetResponse(dbc, req.SessionID, payload); err != nil {
			response.RespondAPIError(c, err)
			return
		}
	}

	// Only the owning request may drop the loading flag.
	if req.RequestID != "" {
		if _, err := h.states.ClearPendingOwned(dbc, req.SessionID, req.RequestID); err != nil {
			h.log.Warn("failed to clear pending from callback", "session_id", req.SessionID, "error", err)
		}
	}
	response.RespondOK(c, gin.H{"success": true})
}
