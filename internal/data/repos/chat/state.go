package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/hestia-labs/hestia-backend/internal/pkg/dbctx"
	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
	"github.com/hestia-labs/hestia-backend/internal/types"
)

type SessionPendingStateRepo interface {
	GetBySessionID(dbc dbctx.Context, sessionID string) (*types.SessionPendingState, error)
	GetOrCreate(dbc dbctx.Context, sessionID string) (*types.SessionPendingState, error)
	UpdateFields(dbc dbctx.Context, sessionID string, updates map[string]interface{}) error
	// UpdateFieldsIfRequestID applies updates only while the row still holds
	// requestID. Compare-and-clear, not a lock: concurrent writers from other
	// processes can still interleave between the read and the write.
	UpdateFieldsIfRequestID(dbc dbctx.Context, sessionID, requestID string, updates map[string]interface{}) (bool, error)
}

type sessionPendingStateRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSessionPendingStateRepo(db *gorm.DB, log *logger.Logger) SessionPendingStateRepo {
	return &sessionPendingStateRepo{db: db, log: log.With("repo", "SessionPendingStateRepo")}
}

func (r *sessionPendingStateRepo) GetBySessionID(dbc dbctx.Context, sessionID string) (*types.SessionPendingState, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("missing session_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.SessionPendingState
	err := txx.WithContext(dbc.Ctx).Where("session_id = ?", sessionID).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *sessionPendingStateRepo) GetOrCreate(dbc dbctx.Context, sessionID string) (*types.SessionPendingState, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("missing session_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	ex, err := r.GetBySessionID(dbctx.Context{Ctx: dbc.Ctx, Tx: txx}, sessionID)
	if err != nil {
		return nil, err
	}
	if ex != nil {
		return ex, nil
	}

	row := &types.SessionPendingState{
		SessionID: sessionID,
		UpdatedAt: time.Now().UTC(),
	}
	if err := txx.WithContext(dbc.Ctx).Create(row).Error; err != nil {
		// Possible race: another tab created it.
		ex2, getErr := r.GetBySessionID(dbctx.Context{Ctx: dbc.Ctx, Tx: txx}, sessionID)
		if getErr != nil {
			return nil, err
		}
		if ex2 != nil {
			return ex2, nil
		}
		return nil, err
	}
	return row, nil
}

func (r *sessionPendingStateRepo) UpdateFields(dbc dbctx.Context, sessionID string, updates map[string]interface{}) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("missing session_id")
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["updated_at"] = time.Now().UTC()
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Model(&types.SessionPendingState{}).
		Where("session_id = ?", sessionID).
		Updates(updates).Error
}

func (r *sessionPendingStateRepo) UpdateFieldsIfRequestID(dbc dbctx.Context, sessionID, requestID string, updates map[string]interface{}) (bool, error) {
	if strings.TrimSpace(sessionID) == "" {
		return false, fmt.Errorf("missing session_id")
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["updated_at"] = time.Now().UTC()
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	res := txx.WithContext(dbc.Ctx).
		Model(&types.SessionPendingState{}).
		Where("session_id = ? AND request_id = ?", sessionID, requestID).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
