package handlers

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
	"github.com/hestia-labs/hestia-backend/internal/requestdata"
	"github.com/hestia-labs/hestia-backend/internal/sse"
)

type RealtimeHandler struct {
	log *logger.Logger
	hub *sse.Hub

	mu      sync.RWMutex
	clients map[uuid.UUID]*sse.Client // key: client id
}

func NewRealtimeHandler(log *logger.Logger, hub *sse.Hub) *RealtimeHandler {
	return &RealtimeHandler{
		log:     log.With("Handler", "RealtimeHandler"),
		hub:     hub,
		clients: make(map[uuid.UUID]*sse.Client),
	}
}

// GET /api/sse/stream?session_id=
// One connection per tab; the tab subscribes to the session it displays and
// re-opens the stream with a different session_id after a switch.
func (h *RealtimeHandler) SSEStream(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing session_id"})
		return
	}

	client := h.hub.NewClient(rd.UserID)
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	h.hub.AddChannel(client, sse.SessionChannel(sessionID))
	h.log.Info("SSE stream open", "user_id", rd.UserID.String(), "session_id", sessionID)

	h.hub.ServeHTTP(c.Writer, c.Request, client)

	h.mu.Lock()
	delete(h.clients, client.ID)
	h.mu.Unlock()
	h.hub.CloseClient(client)
}

// POST /api/sse/subscribe adds another session channel to an open stream.
func (h *RealtimeHandler) SSESubscribe(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	var req struct {
		ClientID  string `json:"client_id"`
		SessionID string `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription request"})
		return
	}
	clientID, err := uuid.Parse(req.ClientID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client_id"})
		return
	}

	h.mu.RLock()
	client, exists := h.clients[clientID]
	h.mu.RUnlock()
	if !exists || client.UserID != rd.UserID {
		c.JSON(http.StatusConflict, gin.H{"error": "no active SSE connection for this client"})
		return
	}
	h.hub.AddChannel(client, sse.SessionChannel(req.SessionID))
	c.JSON(http.StatusOK, gin.H{"success": true})
}
