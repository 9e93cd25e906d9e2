package handlers

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	chatdomain "github.com/hestia-labs/hestia-backend/internal/domain/chat"
	"github.com/hestia-labs/hestia-backend/internal/http/response"
	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
	"github.com/hestia-labs/hestia-backend/internal/platform/apierr"
	"github.com/hestia-labs/hestia-backend/internal/requestdata"
)

// AnalyzeHandler is the send orchestrator's HTTP face: one multipart POST is
// one full send, held open until the workflow engine answers or fails.
type AnalyzeHandler struct {
	log    *logger.Logger
	sender *chatdomain.Sender
}

func NewAnalyzeHandler(log *logger.Logger, sender *chatdomain.Sender) *AnalyzeHandler {
	return &AnalyzeHandler{log: log.With("Handler", "AnalyzeHandler"), sender: sender}
}

// POST /api/analyze
func (h *AnalyzeHandler) Analyze(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		response.RespondAPIError(c, apierr.Unauthorized(nil))
		return
	}

	in := chatdomain.SendInput{
		SessionID: c.PostForm("sessionId"),
		UserID:    rd.UserID,
		ProjectID: rd.ProjectID,
		Role:      rd.Role,
		Content:   c.PostForm("message"),
		Thinking:  formBool(c, "thinking"),
		Search:    formBool(c, "search"),
		Document:  formBool(c, "document"),
		Agentic:   formBool(c, "agentic"),
	}
	if raw := c.PostForm("timestamp"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			in.Timestamp = ts
		}
	}
	if raw := c.PostForm("attachments"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &in.Attachments); err != nil {
			response.RespondAPIError(c, apierr.Validation("invalid attachments metadata: %v", err))
			return
		}
	}

	res, err := h.sender.HandleSend(c.Request.Context(), in)
	if err != nil {
		response.RespondFailedPayload(c, err, failedPayload(in))
		return
	}
	response.RespondOK(c, sendPayload(res))
}

// POST /api/analyze/retry
func (h *AnalyzeHandler) Retry(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		response.RespondAPIError(c, apierr.Unauthorized(nil))
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		response.RespondAPIError(c, apierr.Validation("missing session_id"))
		return
	}

	res, err := h.sender.Retry(c.Request.Context(), req.SessionID, rd.UserID, rd.ProjectID, rd.Role)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, sendPayload(res))
}

// sendPayload is the success body for both send and retry. Code rides along
// only when the engine produced one.
func sendPayload(res *chatdomain.SendResult) gin.H {
	payload := gin.H{
		"success":    true,
		"response":   res.Response,
		"prediction": res.Prediction,
		"request_id": res.RequestID,
		"version_id": res.VersionID,
	}
	if res.Code != "" {
		payload["code"] = res.Code
	}
	return payload
}

func formBool(c *gin.Context, name string) bool {
	v, err := strconv.ParseBool(c.PostForm(name))
	return err == nil && v
}

func failedPayload(in chatdomain.SendInput) gin.H {
	payload := gin.H{
		"session_id": in.SessionID,
		"message":    in.Content,
	}
	if len(in.Attachments) > 0 {
		payload["attachments"] = in.Attachments
	}
	return payload
}
