package handlers

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hestia-labs/hestia-backend/internal/http/response"
	"github.com/hestia-labs/hestia-backend/internal/pkg/dbctx"
	"github.com/hestia-labs/hestia-backend/internal/platform/apierr"
	"github.com/hestia-labs/hestia-backend/internal/requestdata"
	"github.com/hestia-labs/hestia-backend/internal/services"
)

type SessionHandler struct {
	chats services.ChatService
}

func NewSessionHandler(chats services.ChatService) *SessionHandler {
	return &SessionHandler{chats: chats}
}

// GET /api/sessions
func (h *SessionHandler) List(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		response.RespondAPIError(c, apierr.Unauthorized(nil))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	rows, err := h.chats.ListSessions(dbctx.Context{Ctx: c.Request.Context()}, rd.UserID, limit)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"sessions": rows})
}

// POST /api/sessions
func (h *SessionHandler) Create(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		response.RespondAPIError(c, apierr.Unauthorized(nil))
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondAPIError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	row, err := h.chats.GetOrCreateSession(dbctx.Context{Ctx: c.Request.Context()}, req.SessionID, rd.UserID, rd.ProjectID)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"session": row})
}

// GET /api/sessions/:id/messages?limit=&before=
// before (RFC3339) pages backward through history.
func (h *SessionHandler) Messages(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		response.RespondAPIError(c, apierr.Validation("missing session_id"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	dbc := dbctx.Context{Ctx: c.Request.Context()}

	var (
		rows interface{}
		err  error
	)
	if raw := c.Query("before"); raw != "" {
		before, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			response.RespondAPIError(c, apierr.Validation("invalid before timestamp: %v", perr))
			return
		}
		rows, err = h.chats.ListMessagesBefore(dbc, sessionID, before, limit)
	} else {
		rows, err = h.chats.ListMessages(dbc, sessionID, limit)
	}
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}

	total, err := h.chats.CountMessages(dbc, sessionID)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"messages": rows, "total": total})
}
