package handlers

import (
	"encoding/json"
	"sync"

	"github.com/gin-gonic/gin"

	chatdomain "github.com/hestia-labs/hestia-backend/internal/domain/chat"
	"github.com/hestia-labs/hestia-backend/internal/http/response"
	"github.com/hestia-labs/hestia-backend/internal/pkg/dbctx"
	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
	"github.com/hestia-labs/hestia-backend/internal/platform/apierr"
	"github.com/hestia-labs/hestia-backend/internal/services"
)

// ChatViewHandler serves what a tab renders for a session: the loading
// machine's snapshot, and the message list merged with any in-flight pending
// row, cut to a sliding window.
type ChatViewHandler struct {
	log         *logger.Logger
	coordinator *chatdomain.Coordinator
	reconciler  *chatdomain.Reconciler
	states      services.StateService
	chats       services.ChatService

	mu      sync.Mutex
	windows map[string]*chatdomain.Window
}

func NewChatViewHandler(log *logger.Logger, coordinator *chatdomain.Coordinator, reconciler *chatdomain.Reconciler, states services.StateService, chats services.ChatService) *ChatViewHandler {
	if reconciler == nil {
		reconciler = chatdomain.NewReconciler()
	}
	return &ChatViewHandler{
		log:         log.With("Handler", "ChatViewHandler"),
		coordinator: coordinator,
		reconciler:  reconciler,
		states:      states,
		chats:       chats,
		windows:     map[string]*chatdomain.Window{},
	}
}

// window is per-session so paging position survives across requests.
func (h *ChatViewHandler) window(sessionID string) *chatdomain.Window {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.windows[sessionID]
	if !ok {
		w = chatdomain.NewWindow(0)
		h.windows[sessionID] = w
	}
	return w
}

// GET /api/chat/state?session_id=
// Switches the coordinator to the session when needed, polls the
// authoritative state, and opens a loading watch while a send is in flight.
func (h *ChatViewHandler) State(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		response.RespondAPIError(c, apierr.Validation("missing session_id"))
		return
	}
	if h.coordinator.ActiveSession() != sessionID {
		h.coordinator.SetActiveSession(sessionID)
	}
	snap, err := h.coordinator.StartWatching(c.Request.Context(), sessionID)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"session_id":       snap.SessionID,
		"state":            snap.State.String(),
		"is_loading":       snap.IsLoading,
		"pending_messages": snap.PendingMessage,
		"has_error":        snap.HasError,
		"error_message":    snap.ErrorMessage,
		"failed_message":   snap.FailedMessage,
	})
}

// GET /api/chat/view?session_id=&load_more=
// The reconciled window over a session: persisted rows merged with the
// pending in-flight message, deduped, version-numbered, and cut to the
// visible page. load_more=true widens the window by one page.
func (h *ChatViewHandler) View(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		response.RespondAPIError(c, apierr.Validation("missing session_id"))
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}

	all, err := h.reconciled(dbc, sessionID)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}

	w := h.window(sessionID)
	if c.Query("load_more") == "true" && w.HasMore(len(all)) {
		err := w.LoadMore(func() error {
			fresh, ferr := h.reconciled(dbc, sessionID)
			if ferr != nil {
				return ferr
			}
			all = fresh
			return nil
		})
		if err != nil {
			response.RespondAPIError(c, err)
			return
		}
	}

	response.RespondOK(c, gin.H{
		"session_id":   sessionID,
		"messages":     w.View(all),
		"total":        len(all),
		"has_more":     w.HasMore(len(all)),
		"all_loaded":   w.AllLoaded(len(all)),
		"loading_more": w.IsLoadingMore(),
	})
}

// reconciled merges the persisted log with the pending row the same way a
// reloading tab would.
func (h *ChatViewHandler) reconciled(dbc dbctx.Context, sessionID string) ([]chatdomain.Message, error) {
	rows, err := h.chats.ListMessages(dbc, sessionID, 0)
	if err != nil {
		return nil, err
	}
	persisted := make([]chatdomain.Message, 0, len(rows))
	for _, row := range rows {
		persisted = append(persisted, chatdomain.FromRecord(row))
	}

	state, err := h.states.Get(dbc, sessionID)
	if err != nil {
		return nil, err
	}
	var pending *chatdomain.Message
	if state.IsLoading && len(state.PendingMessage) > 0 {
		var msg chatdomain.Message
		if uerr := json.Unmarshal(state.PendingMessage, &msg); uerr == nil && msg.Content != "" {
			pending = &msg
		}
	}
	return h.reconciler.Reconcile(persisted, pending, nil), nil
}
