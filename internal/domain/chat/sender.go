package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/hestia-labs/hestia-backend/internal/clients/workflow"
	"github.com/hestia-labs/hestia-backend/internal/pkg/clock"
	"github.com/hestia-labs/hestia-backend/internal/pkg/dbctx"
	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
	"github.com/hestia-labs/hestia-backend/internal/platform/apierr"
	"github.com/hestia-labs/hestia-backend/internal/services"
	"github.com/hestia-labs/hestia-backend/internal/types"
)

// SendInput is one user send.
type SendInput struct {
	SessionID string
	UserID    uuid.UUID
	ProjectID string
	Role      string

	Content     string
	Attachments []types.Attachment
	Timestamp   time.Time

	Thinking bool
	Search   bool
	Document bool
	Agentic  bool
}

type SendResult struct {
	RequestID  string          `json:"request_id"`
	Response   string          `json:"response"`
	Prediction json.RawMessage `json:"prediction,omitempty"`
	Code       string          `json:"code,omitempty"`
	VersionID  int             `json:"version_id"`
	Deduped    bool            `json:"-"`
}

// failedSend is the durable retry snapshot: enough to resubmit verbatim.
type failedSend struct {
	Content     string             `json:"content"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
	Thinking    bool               `json:"thinking,omitempty"`
	Search      bool               `json:"search,omitempty"`
	Document    bool               `json:"document,omitempty"`
	Agentic     bool               `json:"agentic,omitempty"`
}

// Sender drives one send end to end: validate, dedup, persist pending state,
// invoke the workflow engine, then reconcile success or persist a durable
// error for cross-tab retry.
type Sender struct {
	log        *logger.Logger
	clk        clock.Clock
	chats      services.ChatService
	states     services.StateService
	engine     workflow.Client
	reconciler *Reconciler
	thinking   *ThinkingPoller
}

func NewSender(log *logger.Logger, clk clock.Clock, chats services.ChatService, states services.StateService, engine workflow.Client, reconciler *Reconciler, thinking *ThinkingPoller) *Sender {
	if clk == nil {
		clk = clock.Real()
	}
	if reconciler == nil {
		reconciler = NewReconciler()
	}
	return &Sender{
		log:        log.With("component", "SendOrchestrator"),
		clk:        clk,
		chats:      chats,
		states:     states,
		engine:     engine,
		reconciler: reconciler,
		thinking:   thinking,
	}
}

func (s *Sender) HandleSend(ctx context.Context, in SendInput) (*SendResult, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" && len(in.Attachments) == 0 {
		return nil, apierr.Validation("empty message")
	}
	if strings.TrimSpace(in.SessionID) == "" {
		return nil, apierr.Validation("missing session_id")
	}
	dbc := dbctx.Context{Ctx: ctx}

	// Lazily create the session on first send.
	sess, err := s.chats.GetOrCreateSession(dbc, in.SessionID, in.UserID, in.ProjectID)
	if err != nil {
		return nil, err
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = s.clk.Now().UTC()
	}

	// Rapid double-submit or retry-after-reload: an equivalent user message
	// already in the log means we must not create a second bubble.
	deduped, err := s.chats.HasSimilarUserMessage(dbc, in.SessionID, content, ts, s.reconciler.window())
	if err != nil {
		s.log.Warn("dedup check failed; proceeding without it", "session_id", in.SessionID, "error", err)
		deduped = false
	}

	requestID := uuid.NewString()
	userMsg := Message{
		Role:        types.RoleUser,
		Content:     content,
		Timestamp:   ts,
		Attachments: in.Attachments,
		VersionID:   -1,
	}
	pendingJSON, err := json.Marshal(userMsg)
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("encode pending message: %w", err))
	}

	// Durable first, so a reload or second tab sees something in flight.
	if err := s.states.SetPending(dbc, in.SessionID, pendingJSON, requestID); err != nil {
		return nil, err
	}

	versionID := sess.VersionID
	if in.Thinking && s.thinking != nil {
		// Cosmetic side-channel; never blocks the send.
		go s.thinking.Poll(context.WithoutCancel(ctx), in.SessionID, versionID, nil)
	}

	out, err := s.engine.Analyze(ctx, workflow.AnalyzeRequest{
		UserID:      in.UserID,
		ProjectID:   in.ProjectID,
		Role:        in.Role,
		SessionID:   in.SessionID,
		Message:     content,
		Timestamp:   ts,
		RequestID:   requestID,
		Thinking:    in.Thinking,
		Search:      in.Search,
		Document:    in.Document,
		Agentic:     in.Agentic,
		Attachments: attachmentMeta(in.Attachments),
	})
	if err != nil {
		s.persistFailure(dbc, in, content, ts, requestID, deduped, err)
		return nil, err
	}

	if err := s.reconcileSuccess(dbc, in.SessionID, userMsg, out.Response, requestID, deduped); err != nil {
		s.persistFailure(dbc, in, content, ts, requestID, deduped, err)
		return nil, err
	}

	return &SendResult{
		RequestID:  requestID,
		Response:   out.Response,
		Prediction: out.Prediction,
		Code:       out.Code,
		VersionID:  versionID,
		Deduped:    deduped,
	}, nil
}

// reconcileSuccess appends the confirmed turn to the log, bumps the pair
// counter, and clears the pending markers only while this send still owns
// them. A newer send's state is never disturbed.
func (s *Sender) reconcileSuccess(dbc dbctx.Context, sessionID string, userMsg Message, response, requestID string, deduped bool) error {
	now := s.clk.Now().UTC()

	var rows []*types.ChatMessage
	if !deduped {
		rows = append(rows, messageRow(sessionID, userMsg))
	}
	rows = append(rows, &types.ChatMessage{
		SessionID: sessionID,
		Role:      types.RoleAssistant,
		Content:   response,
		Timestamp: now,
	})
	if _, err := s.chats.AppendMessages(dbc, sessionID, rows); err != nil {
		return err
	}
	if err := s.chats.IncrementVersion(dbc, sessionID); err != nil {
		s.log.Warn("failed to bump version counter", "session_id", sessionID, "error", err)
	}

	owned, err := s.states.ClearPendingOwned(dbc, sessionID, requestID)
	if err != nil {
		// Cleanup failure must not mask the success the user already saw.
		s.log.Warn("failed to clear pending after success", "session_id", sessionID, "error", err)
		return nil
	}
	if !owned {
		s.log.Info("newer send owns the pending row; leaving it alone",
			"session_id", sessionID,
			"request_id", requestID,
		)
		return nil
	}

	// Notify other tabs that a response landed.
	respJSON, err := json.Marshal(map[string]interface{}{
		"role":      types.RoleAssistant,
		"content":   response,
		"timestamp": now,
	})
	if err == nil {
		if err := s.states.SetResponse(dbc, sessionID, respJSON); err != nil {
			s.log.Warn("failed to publish pending response", "session_id", sessionID, "error", err)
		}
	}
	return nil
}

// persistFailure makes the error durable before it is surfaced: has_error,
// a human-readable message, and the exact payload to resubmit. Without this a
// reload or second tab could never offer retry.
func (s *Sender) persistFailure(dbc dbctx.Context, in SendInput, content string, ts time.Time, requestID string, deduped bool, cause error) {
	if !deduped {
		row := messageRow(in.SessionID, Message{
			Role:        types.RoleUser,
			Content:     content,
			Timestamp:   ts,
			Attachments: in.Attachments,
		})
		row.Error = true
		row.ErrorMessage = errorText(cause)
		if _, err := s.chats.AppendMessages(dbc, in.SessionID, []*types.ChatMessage{row}); err != nil {
			s.log.Warn("failed to persist errored message", "session_id", in.SessionID, "error", err)
		}
	}

	snapshot, err := json.Marshal(failedSend{
		Content:     content,
		Attachments: in.Attachments,
		Timestamp:   ts,
		Thinking:    in.Thinking,
		Search:      in.Search,
		Document:    in.Document,
		Agentic:     in.Agentic,
	})
	if err != nil {
		s.log.Error("failed to encode retry snapshot", "session_id", in.SessionID, "error", err)
		snapshot = nil
	}
	if err := s.states.SetError(dbc, in.SessionID, errorText(cause), snapshot, requestID); err != nil {
		s.log.Error("failed to persist send failure", "session_id", in.SessionID, "error", err)
	}
}

// Retry resubmits the session's failed send. The error is cleared first, then
// the snapshot payload is re-sent verbatim.
func (s *Sender) Retry(ctx context.Context, sessionID string, userID uuid.UUID, projectID, role string) (*SendResult, error) {
	dbc := dbctx.Context{Ctx: ctx}
	row, err := s.states.Get(dbc, sessionID)
	if err != nil {
		return nil, err
	}
	if !row.HasError || len(row.FailedMessage) == 0 {
		return nil, apierr.Validation("nothing to retry for session %s", sessionID)
	}

	var snap failedSend
	if err := json.Unmarshal(row.FailedMessage, &snap); err != nil {
		return nil, apierr.Internal(fmt.Errorf("decode retry snapshot: %w", err))
	}

	if err := s.states.ClearError(dbc, sessionID); err != nil {
		return nil, err
	}

	return s.HandleSend(ctx, SendInput{
		SessionID:   sessionID,
		UserID:      userID,
		ProjectID:   projectID,
		Role:        role,
		Content:     snap.Content,
		Attachments: snap.Attachments,
		Timestamp:   s.clk.Now().UTC(),
		Thinking:    snap.Thinking,
		Search:      snap.Search,
		Document:    snap.Document,
		Agentic:     snap.Agentic,
	})
}

func messageRow(sessionID string, m Message) *types.ChatMessage {
	row := &types.ChatMessage{
		SessionID: sessionID,
		Role:      m.Role,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if len(m.Attachments) > 0 {
		if raw, err := json.Marshal(m.Attachments); err == nil {
			row.Attachments = datatypes.JSON(raw)
		}
	}
	return row
}

func attachmentMeta(atts []types.Attachment) []workflow.AttachmentMeta {
	if len(atts) == 0 {
		return nil
	}
	out := make([]workflow.AttachmentMeta, 0, len(atts))
	for _, a := range atts {
		out = append(out, workflow.AttachmentMeta{Name: a.Name, URL: a.URL, Type: a.Type})
	}
	return out
}

func errorText(err error) string {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		switch ae.Code {
		case apierr.CodeUpstreamTimeout:
			return "The analysis timed out. Please try again."
		case apierr.CodeUpstreamError:
			return "The analysis failed. Please try again."
		case apierr.CodeStoreError:
			return "Saving the message failed. Please try again."
		}
	}
	if err != nil {
		return err.Error()
	}
	return "Something went wrong. Please try again."
}
