package handlers

import (
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/hestia-labs/hestia-backend/internal/http/response"
	"github.com/hestia-labs/hestia-backend/internal/pkg/dbctx"
	"github.com/hestia-labs/hestia-backend/internal/platform/apierr"
	"github.com/hestia-labs/hestia-backend/internal/services"
)

// SessionStateHandler exposes the per-session pending-state row. Everything
// here is an idempotent upsert keyed by session_id; a second tab or a reload
// reads the same row to reconstruct in-flight state.
type SessionStateHandler struct {
	states services.StateService
}

func NewSessionStateHandler(states services.StateService) *SessionStateHandler {
	return &SessionStateHandler{states: states}
}

type sessionIDBody struct {
	SessionID string `json:"session_id"`
}

// GET /api/hestia-states/pending?session_id=
func (h *SessionStateHandler) GetPending(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		response.RespondAPIError(c, apierr.Validation("missing session_id"))
		return
	}
	pending, err := h.states.GetPending(dbctx.Context{Ctx: c.Request.Context()}, sessionID)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"pending_messages": pending})
}

// POST /api/hestia-states/pending
func (h *SessionStateHandler) SetPending(c *gin.Context) {
	var req struct {
		SessionID      string          `json:"session_id"`
		PendingMessage json.RawMessage `json:"pending_message"`
		RequestID      string          `json:"request_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondAPIError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	if err := h.states.SetPending(dbctx.Context{Ctx: c.Request.Context()}, req.SessionID, req.PendingMessage, req.RequestID); err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"success": true})
}

// DELETE /api/hestia-states/pending
func (h *SessionStateHandler) ClearPending(c *gin.Context) {
	var req sessionIDBody
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondAPIError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	if err := h.states.ClearPending(dbctx.Context{Ctx: c.Request.Context()}, req.SessionID); err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"success": true})
}

// GET /api/hestia-states/response?session_id=
func (h *SessionStateHandler) GetResponse(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		response.RespondAPIError(c, apierr.Validation("missing session_id"))
		return
	}
	resp, isLoading, err := h.states.GetResponse(dbctx.Context{Ctx: c.Request.Context()}, sessionID)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"pending_response": resp, "is_loading": isLoading})
}

// POST /api/hestia-states/response
func (h *SessionStateHandler) SetResponse(c *gin.Context) {
	var req struct {
		SessionID       string          `json:"session_id"`
		PendingResponse json.RawMessage `json:"pending_response"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondAPIError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	if err := h.states.SetResponse(dbctx.Context{Ctx: c.Request.Context()}, req.SessionID, req.PendingResponse); err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"success": true})
}

// DELETE /api/hestia-states/response
func (h *SessionStateHandler) ClearResponse(c *gin.Context) {
	var req sessionIDBody
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondAPIError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	if err := h.states.ClearResponse(dbctx.Context{Ctx: c.Request.Context()}, req.SessionID); err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"success": true})
}

// POST /api/hestia-states/clear-error
func (h *SessionStateHandler) ClearError(c *gin.Context) {
	var req sessionIDBody
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondAPIError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	if err := h.states.ClearError(dbctx.Context{Ctx: c.Request.Context()}, req.SessionID); err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"success": true})
}

// GET /api/hestia-states?session_id= returns the full row for debugging and
// cross-tab bootstrap.
func (h *SessionStateHandler) Get(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		response.RespondAPIError(c, apierr.Validation("missing session_id"))
		return
	}
	row, err := h.states.Get(dbctx.Context{Ctx: c.Request.Context()}, sessionID)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"state": row})
}
