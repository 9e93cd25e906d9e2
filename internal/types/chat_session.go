package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChatSession is one conversation thread. SessionID is the opaque
// client-generated identifier every other row keys on; the UUID primary key
// exists only for storage.
type ChatSession struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID string    `gorm:"column:session_id;not null;uniqueIndex" json:"session_id"`
	ProjectID string    `gorm:"column:project_id;not null;default:'';index" json:"project_id"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	Name      string    `gorm:"column:name;not null;default:''" json:"name"`

	// VersionID counts completed user/assistant request-response pairs.
	VersionID int `gorm:"column:version_id;not null;default:0" json:"version_id"`

	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ChatSession) TableName() string { return "chat_session" }

func (s *ChatSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
