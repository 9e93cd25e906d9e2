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

type ThinkingRepo interface {
	Get(dbc dbctx.Context, sessionID string, versionID int) (*types.ThinkingRecord, error)
	// Append adds text to the (session, version) record, creating it if
	// absent, and optionally marks it complete.
	Append(dbc dbctx.Context, sessionID string, versionID int, delta string, complete bool) (*types.ThinkingRecord, error)
}

type thinkingRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewThinkingRepo(db *gorm.DB, log *logger.Logger) ThinkingRepo {
	return &thinkingRepo{db: db, log: log.With("repo", "ThinkingRepo")}
}

func (r *thinkingRepo) Get(dbc dbctx.Context, sessionID string, versionID int) (*types.ThinkingRecord, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("missing session_id")
	}
	if versionID < 0 {
		return nil, fmt.Errorf("invalid version_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.ThinkingRecord
	err := txx.WithContext(dbc.Ctx).
		Where("session_id = ? AND version_id = ?", sessionID, versionID).
		First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *thinkingRepo) Append(dbc dbctx.Context, sessionID string, versionID int, delta string, complete bool) (*types.ThinkingRecord, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("missing session_id")
	}
	if versionID < 0 {
		return nil, fmt.Errorf("invalid version_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}

	ex, err := r.Get(dbctx.Context{Ctx: dbc.Ctx, Tx: txx}, sessionID, versionID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if ex == nil {
		row := &types.ThinkingRecord{
			SessionID:  sessionID,
			VersionID:  versionID,
			Content:    delta,
			IsComplete: complete,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := txx.WithContext(dbc.Ctx).Create(row).Error; err != nil {
			return nil, err
		}
		return row, nil
	}

	updates := map[string]interface{}{
		"content":    ex.Content + delta,
		"updated_at": now,
	}
	if complete {
		updates["is_complete"] = true
	}
	if err := txx.WithContext(dbc.Ctx).
		Model(&types.ThinkingRecord{}).
		Where("session_id = ? AND version_id = ?", sessionID, versionID).
		Updates(updates).Error; err != nil {
		return nil, err
	}
	return r.Get(dbctx.Context{Ctx: dbc.Ctx, Tx: txx}, sessionID, versionID)
}
