package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	repos "github.com/hestia-labs/hestia-backend/internal/data/repos/chat"
	"github.com/hestia-labs/hestia-backend/internal/pkg/dbctx"
	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
	"github.com/hestia-labs/hestia-backend/internal/platform/apierr"
	"github.com/hestia-labs/hestia-backend/internal/realtime"
	"github.com/hestia-labs/hestia-backend/internal/realtime/bus"
	"github.com/hestia-labs/hestia-backend/internal/types"
)

// ChatService owns the session and message-log stores.
type ChatService interface {
	GetOrCreateSession(dbc dbctx.Context, sessionID string, userID uuid.UUID, projectID string) (*types.ChatSession, error)
	GetSession(dbc dbctx.Context, sessionID string) (*types.ChatSession, error)
	ListSessions(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.ChatSession, error)

	AppendMessages(dbc dbctx.Context, sessionID string, rows []*types.ChatMessage) ([]*types.ChatMessage, error)
	ListMessages(dbc dbctx.Context, sessionID string, limit int) ([]*types.ChatMessage, error)
	ListMessagesBefore(dbc dbctx.Context, sessionID string, before time.Time, limit int) ([]*types.ChatMessage, error)
	CountMessages(dbc dbctx.Context, sessionID string) (int64, error)
	HasSimilarUserMessage(dbc dbctx.Context, sessionID, content string, ts time.Time, window time.Duration) (bool, error)
	MarkMessageFailed(dbc dbctx.Context, id uuid.UUID, errorMessage string) error
	IncrementVersion(dbc dbctx.Context, sessionID string) error
}

type chatService struct {
	log         *logger.Logger
	sessionRepo repos.ChatSessionRepo
	messageRepo repos.ChatMessageRepo
	changeBus   bus.Bus
}

func NewChatService(log *logger.Logger, sessionRepo repos.ChatSessionRepo, messageRepo repos.ChatMessageRepo, changeBus bus.Bus) ChatService {
	return &chatService{
		log:         log.With("service", "ChatService"),
		sessionRepo: sessionRepo,
		messageRepo: messageRepo,
		changeBus:   changeBus,
	}
}

func (s *chatService) GetOrCreateSession(dbc dbctx.Context, sessionID string, userID uuid.UUID, projectID string) (*types.ChatSession, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apierr.Validation("missing session_id")
	}
	row, err := s.sessionRepo.GetOrCreate(dbc, sessionID, userID, projectID)
	if err != nil {
		return nil, apierr.Store(fmt.Errorf("get or create session: %w", err))
	}
	return row, nil
}

func (s *chatService) GetSession(dbc dbctx.Context, sessionID string) (*types.ChatSession, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apierr.Validation("missing session_id")
	}
	row, err := s.sessionRepo.GetBySessionID(dbc, sessionID)
	if err != nil {
		return nil, apierr.Store(fmt.Errorf("get session: %w", err))
	}
	return row, nil
}

func (s *chatService) ListSessions(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.ChatSession, error) {
	rows, err := s.sessionRepo.ListByUser(dbc, userID, limit)
	if err != nil {
		return nil, apierr.Store(fmt.Errorf("list sessions: %w", err))
	}
	return rows, nil
}

func (s *chatService) AppendMessages(dbc dbctx.Context, sessionID string, rows []*types.ChatMessage) ([]*types.ChatMessage, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apierr.Validation("missing session_id")
	}
	for _, row := range rows {
		row.SessionID = sessionID
	}
	out, err := s.messageRepo.Create(dbc, rows)
	if err != nil {
		return nil, apierr.Store(fmt.Errorf("append messages: %w", err))
	}
	if err := s.sessionRepo.UpdateFields(dbc, sessionID, map[string]interface{}{}); err != nil {
		s.log.Warn("failed to touch session on append", "session_id", sessionID, "error", err)
	}
	s.publish(dbc.Ctx, sessionID, realtime.ChangeInsert)
	return out, nil
}

func (s *chatService) ListMessages(dbc dbctx.Context, sessionID string, limit int) ([]*types.ChatMessage, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apierr.Validation("missing session_id")
	}
	rows, err := s.messageRepo.ListBySession(dbc, sessionID, limit)
	if err != nil {
		return nil, apierr.Store(fmt.Errorf("list messages: %w", err))
	}
	return rows, nil
}

func (s *chatService) ListMessagesBefore(dbc dbctx.Context, sessionID string, before time.Time, limit int) ([]*types.ChatMessage, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apierr.Validation("missing session_id")
	}
	rows, err := s.messageRepo.ListBefore(dbc, sessionID, before, limit)
	if err != nil {
		return nil, apierr.Store(fmt.Errorf("list messages before: %w", err))
	}
	return rows, nil
}

func (s *chatService) CountMessages(dbc dbctx.Context, sessionID string) (int64, error) {
	n, err := s.messageRepo.Count(dbc, sessionID)
	if err != nil {
		return 0, apierr.Store(fmt.Errorf("count messages: %w", err))
	}
	return n, nil
}

func (s *chatService) HasSimilarUserMessage(dbc dbctx.Context, sessionID, content string, ts time.Time, window time.Duration) (bool, error) {
	ok, err := s.messageRepo.ExistsSimilarUser(dbc, sessionID, content, ts, window)
	if err != nil {
		return false, apierr.Store(fmt.Errorf("similar message lookup: %w", err))
	}
	return ok, nil
}

func (s *chatService) MarkMessageFailed(dbc dbctx.Context, id uuid.UUID, errorMessage string) error {
	if err := s.messageRepo.UpdateFields(dbc, id, map[string]interface{}{
		"error":         true,
		"error_message": errorMessage,
	}); err != nil {
		return apierr.Store(fmt.Errorf("mark message failed: %w", err))
	}
	return nil
}

func (s *chatService) IncrementVersion(dbc dbctx.Context, sessionID string) error {
	if err := s.sessionRepo.IncrementVersion(dbc, sessionID); err != nil {
		return apierr.Store(fmt.Errorf("increment version: %w", err))
	}
	return nil
}

func (s *chatService) publish(ctx context.Context, sessionID string, kind realtime.ChangeKind) {
	if s.changeBus == nil {
		return
	}
	ev := realtime.ChangeEvent{
		Store:     realtime.StoreMessages,
		Kind:      kind,
		SessionID: sessionID,
		At:        time.Now().UTC(),
	}
	if err := s.changeBus.Publish(ctx, ev); err != nil {
		s.log.Warn("failed to publish message change", "session_id", sessionID, "error", err)
	}
}
