package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ThinkingRecord holds the separately-streamed reasoning text for one
// assistant turn, keyed by (session, version). Append-only.
type ThinkingRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID string    `gorm:"column:session_id;not null;index:idx_thinking_session_version,unique,priority:1" json:"session_id"`
	VersionID int       `gorm:"column:version_id;not null;index:idx_thinking_session_version,unique,priority:2" json:"version_id"`

	Content    string `gorm:"column:content;type:text;not null;default:''" json:"content"`
	IsComplete bool   `gorm:"column:is_complete;not null;default:false" json:"isComplete"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (ThinkingRecord) TableName() string { return "thinking_record" }

func (t *ThinkingRecord) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
