package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/hestia-labs/hestia-backend/internal/http/response"
	"github.com/hestia-labs/hestia-backend/internal/pkg/dbctx"
	"github.com/hestia-labs/hestia-backend/internal/platform/apierr"
	"github.com/hestia-labs/hestia-backend/internal/services"
)

// ThinkingHandler serves the side-channel reasoning text. Clients poll GET
// while a send is in flight; the workflow engine appends via the
// service-scoped POST.
type ThinkingHandler struct {
	thinking services.ThinkingService
}

func NewThinkingHandler(thinking services.ThinkingService) *ThinkingHandler {
	return &ThinkingHandler{thinking: thinking}
}

// GET /api/thinking?session_id=&version_id=
func (h *ThinkingHandler) Get(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		response.RespondAPIError(c, apierr.Validation("missing session_id"))
		return
	}
	versionID, err := strconv.Atoi(c.DefaultQuery("version_id", "-1"))
	if err != nil || versionID < 0 {
		response.RespondAPIError(c, apierr.Validation("missing or invalid version_id"))
		return
	}

	rec, err := h.thinking.Get(dbctx.Context{Ctx: c.Request.Context()}, sessionID, versionID)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	if rec == nil {
		response.RespondOK(c, gin.H{"content": "", "isComplete": false})
		return
	}
	response.RespondOK(c, gin.H{"content": rec.Content, "isComplete": rec.IsComplete})
}

// POST /api/internal/thinking (service-scoped)
func (h *ThinkingHandler) Append(c *gin.Context) {
	var req struct {
		SessionID  string `json:"session_id"`
		VersionID  *int   `json:"version_id"`
		Delta      string `json:"delta"`
		IsComplete bool   `json:"isComplete"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondAPIError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	if req.VersionID == nil {
		response.RespondAPIError(c, apierr.Validation("missing version_id"))
		return
	}

	rec, err := h.thinking.Append(dbctx.Context{Ctx: c.Request.Context()}, req.SessionID, *req.VersionID, req.Delta, req.IsComplete)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"success": true, "content": rec.Content, "isComplete": rec.IsComplete})
}
