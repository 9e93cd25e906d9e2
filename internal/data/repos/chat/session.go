package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hestia-labs/hestia-backend/internal/pkg/dbctx"
	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
	"github.com/hestia-labs/hestia-backend/internal/types"
)

type ChatSessionRepo interface {
	Create(dbc dbctx.Context, row *types.ChatSession) (*types.ChatSession, error)
	GetBySessionID(dbc dbctx.Context, sessionID string) (*types.ChatSession, error)
	GetOrCreate(dbc dbctx.Context, sessionID string, userID uuid.UUID, projectID string) (*types.ChatSession, error)
	ListByUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.ChatSession, error)
	UpdateFields(dbc dbctx.Context, sessionID string, updates map[string]interface{}) error
	IncrementVersion(dbc dbctx.Context, sessionID string) error
}

type chatSessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatSessionRepo(db *gorm.DB, log *logger.Logger) ChatSessionRepo {
	return &chatSessionRepo{db: db, log: log.With("repo", "ChatSessionRepo")}
}

func (r *chatSessionRepo) Create(dbc dbctx.Context, row *types.ChatSession) (*types.ChatSession, error) {
	if row == nil || strings.TrimSpace(row.SessionID) == "" {
		return nil, fmt.Errorf("missing session_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	if err := txx.WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *chatSessionRepo) GetBySessionID(dbc dbctx.Context, sessionID string) (*types.ChatSession, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("missing session_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.ChatSession
	err := txx.WithContext(dbc.Ctx).Where("session_id = ?", sessionID).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *chatSessionRepo) GetOrCreate(dbc dbctx.Context, sessionID string, userID uuid.UUID, projectID string) (*types.ChatSession, error) {
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

	now := time.Now().UTC()
	row := &types.ChatSession{
		SessionID: sessionID,
		UserID:    userID,
		ProjectID: projectID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := txx.WithContext(dbc.Ctx).Create(row).Error; err != nil {
		// Possible race: another request created it.
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

func (r *chatSessionRepo) ListByUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.ChatSession, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("missing user_id")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.ChatSession
	if err := txx.WithContext(dbc.Ctx).
		Model(&types.ChatSession{}).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *chatSessionRepo) UpdateFields(dbc dbctx.Context, sessionID string, updates map[string]interface{}) error {
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
		Model(&types.ChatSession{}).
		Where("session_id = ?", sessionID).
		Updates(updates).Error
}

func (r *chatSessionRepo) IncrementVersion(dbc dbctx.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("missing session_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Model(&types.ChatSession{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"version_id": gorm.Expr("version_id + 1"),
			"updated_at": time.Now().UTC(),
		}).Error
}
