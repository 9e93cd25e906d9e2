package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"

	repos "github.com/hestia-labs/hestia-backend/internal/data/repos/chat"
	"github.com/hestia-labs/hestia-backend/internal/pkg/dbctx"
	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
	"github.com/hestia-labs/hestia-backend/internal/platform/apierr"
	"github.com/hestia-labs/hestia-backend/internal/realtime"
	"github.com/hestia-labs/hestia-backend/internal/realtime/bus"
	"github.com/hestia-labs/hestia-backend/internal/types"
)

// StateService owns the per-session PendingState row: the durable record
// that lets a reload or second tab reconstruct in-flight send state. All
// operations are idempotent upserts keyed by session id.
type StateService interface {
	Get(dbc dbctx.Context, sessionID string) (*types.SessionPendingState, error)
	GetPending(dbc dbctx.Context, sessionID string) (json.RawMessage, error)
	SetPending(dbc dbctx.Context, sessionID string, message json.RawMessage, requestID string) error
	// ClearPending clears unconditionally (explicit user action).
	ClearPending(dbc dbctx.Context, sessionID string) error
	// ClearPendingOwned only clears while requestID still owns the row; a
	// stale cleanup from a superseded send is a no-op and reports false.
	ClearPendingOwned(dbc dbctx.Context, sessionID, requestID string) (bool, error)
	GetResponse(dbc dbctx.Context, sessionID string) (json.RawMessage, bool, error)
	SetResponse(dbc dbctx.Context, sessionID string, response json.RawMessage) error
	ClearResponse(dbc dbctx.Context, sessionID string) error
	SetError(dbc dbctx.Context, sessionID, errorMessage string, failedMessage json.RawMessage, requestID string) error
	ClearError(dbc dbctx.Context, sessionID string) error
}

type stateService struct {
	log       *logger.Logger
	stateRepo repos.SessionPendingStateRepo
	changeBus bus.Bus
}

func NewStateService(log *logger.Logger, stateRepo repos.SessionPendingStateRepo, changeBus bus.Bus) StateService {
	return &stateService{
		log:       log.With("service", "StateService"),
		stateRepo: stateRepo,
		changeBus: changeBus,
	}
}

func (s *stateService) Get(dbc dbctx.Context, sessionID string) (*types.SessionPendingState, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apierr.Validation("missing session_id")
	}
	row, err := s.stateRepo.GetOrCreate(dbc, sessionID)
	if err != nil {
		return nil, apierr.Store(fmt.Errorf("get pending state: %w", err))
	}
	return row, nil
}

func (s *stateService) GetPending(dbc dbctx.Context, sessionID string) (json.RawMessage, error) {
	row, err := s.Get(dbc, sessionID)
	if err != nil {
		return nil, err
	}
	if len(row.PendingMessage) == 0 {
		return nil, nil
	}
	return json.RawMessage(row.PendingMessage), nil
}

func (s *stateService) SetPending(dbc dbctx.Context, sessionID string, message json.RawMessage, requestID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return apierr.Validation("missing session_id")
	}
	if len(message) == 0 {
		return apierr.Validation("missing pending_message")
	}
	if _, err := s.stateRepo.GetOrCreate(dbc, sessionID); err != nil {
		return apierr.Store(fmt.Errorf("ensure pending state row: %w", err))
	}
	if err := s.stateRepo.UpdateFields(dbc, sessionID, map[string]interface{}{
		"is_loading":      true,
		"pending_message": datatypes.JSON(message),
		"request_id":      requestID,
	}); err != nil {
		return apierr.Store(fmt.Errorf("set pending: %w", err))
	}
	s.publish(dbc.Ctx, sessionID)
	return nil
}

func clearPendingUpdates() map[string]interface{} {
	return map[string]interface{}{
		"is_loading":      false,
		"pending_message": nil,
		"request_id":      "",
	}
}

func (s *stateService) ClearPending(dbc dbctx.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return apierr.Validation("missing session_id")
	}
	if _, err := s.stateRepo.GetOrCreate(dbc, sessionID); err != nil {
		return apierr.Store(fmt.Errorf("ensure pending state row: %w", err))
	}
	if err := s.stateRepo.UpdateFields(dbc, sessionID, clearPendingUpdates()); err != nil {
		return apierr.Store(fmt.Errorf("clear pending: %w", err))
	}
	s.publish(dbc.Ctx, sessionID)
	return nil
}

func (s *stateService) ClearPendingOwned(dbc dbctx.Context, sessionID, requestID string) (bool, error) {
	if strings.TrimSpace(sessionID) == "" {
		return false, apierr.Validation("missing session_id")
	}
	if requestID == "" {
		return false, apierr.Validation("missing request_id")
	}
	applied, err := s.stateRepo.UpdateFieldsIfRequestID(dbc, sessionID, requestID, clearPendingUpdates())
	if err != nil {
		return false, apierr.Store(fmt.Errorf("guarded clear pending: %w", err))
	}
	if !applied {
		s.log.Debug("skipping stale pending clear",
			"session_id", sessionID,
			"request_id", requestID,
		)
		return false, nil
	}
	s.publish(dbc.Ctx, sessionID)
	return true, nil
}

func (s *stateService) GetResponse(dbc dbctx.Context, sessionID string) (json.RawMessage, bool, error) {
	row, err := s.Get(dbc, sessionID)
	if err != nil {
		return nil, false, err
	}
	var resp json.RawMessage
	if len(row.PendingResponse) != 0 {
		resp = json.RawMessage(row.PendingResponse)
	}
	return resp, row.IsLoading, nil
}

func (s *stateService) SetResponse(dbc dbctx.Context, sessionID string, response json.RawMessage) error {
	if strings.TrimSpace(sessionID) == "" {
		return apierr.Validation("missing session_id")
	}
	if len(response) == 0 {
		return apierr.Validation("missing pending_response")
	}
	if _, err := s.stateRepo.GetOrCreate(dbc, sessionID); err != nil {
		return apierr.Store(fmt.Errorf("ensure pending state row: %w", err))
	}
	if err := s.stateRepo.UpdateFields(dbc, sessionID, map[string]interface{}{
		"is_loading":       false,
		"pending_response": datatypes.JSON(response),
	}); err != nil {
		return apierr.Store(fmt.Errorf("set response: %w", err))
	}
	s.publish(dbc.Ctx, sessionID)
	return nil
}

func (s *stateService) ClearResponse(dbc dbctx.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return apierr.Validation("missing session_id")
	}
	if _, err := s.stateRepo.GetOrCreate(dbc, sessionID); err != nil {
		return apierr.Store(fmt.Errorf("ensure pending state row: %w", err))
	}
	if err := s.stateRepo.UpdateFields(dbc, sessionID, map[string]interface{}{
		"pending_response": nil,
	}); err != nil {
		return apierr.Store(fmt.Errorf("clear response: %w", err))
	}
	s.publish(dbc.Ctx, sessionID)
	return nil
}

func (s *stateService) SetError(dbc dbctx.Context, sessionID, errorMessage string, failedMessage json.RawMessage, requestID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return apierr.Validation("missing session_id")
	}
	if _, err := s.stateRepo.GetOrCreate(dbc, sessionID); err != nil {
		return apierr.Store(fmt.Errorf("ensure pending state row: %w", err))
	}
	updates := map[string]interface{}{
		"is_loading":      false,
		"pending_message": nil,
		"has_error":       true,
		"error_message":   errorMessage,
	}
	if len(failedMessage) != 0 {
		updates["failed_message"] = datatypes.JSON(failedMessage)
	}
	var err error
	if requestID != "" {
		// Only record the failure while this send still owns the row.
		var applied bool
		applied, err = s.stateRepo.UpdateFieldsIfRequestID(dbc, sessionID, requestID, updates)
		if err == nil && !applied {
			s.log.Debug("skipping stale error persist",
				"session_id", sessionID,
				"request_id", requestID,
			)
			return nil
		}
	} else {
		err = s.stateRepo.UpdateFields(dbc, sessionID, updates)
	}
	if err != nil {
		return apierr.Store(fmt.Errorf("set error: %w", err))
	}
	s.publish(dbc.Ctx, sessionID)
	return nil
}

func (s *stateService) ClearError(dbc dbctx.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return apierr.Validation("missing session_id")
	}
	if _, err := s.stateRepo.GetOrCreate(dbc, sessionID); err != nil {
		return apierr.Store(fmt.Errorf("ensure pending state row: %w", err))
	}
	if err := s.stateRepo.UpdateFields(dbc, sessionID, map[string]interface{}{
		"has_error":      false,
		"error_message":  "",
		"failed_message": nil,
	}); err != nil {
		return apierr.Store(fmt.Errorf("clear error: %w", err))
	}
	s.publish(dbc.Ctx, sessionID)
	return nil
}

// publish is best-effort: a dropped change event only delays observers until
// their next authoritative poll, so failures are logged and swallowed.
func (s *stateService) publish(ctx context.Context, sessionID string) {
	if s.changeBus == nil {
		return
	}
	ev := realtime.ChangeEvent{
		Store:     realtime.StoreSessionState,
		Kind:      realtime.ChangeUpdate,
		SessionID: sessionID,
		At:        time.Now().UTC(),
	}
	if err := s.changeBus.Publish(ctx, ev); err != nil {
		s.log.Warn("failed to publish state change", "session_id", sessionID, "error", err)
	}
}
