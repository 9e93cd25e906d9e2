package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SessionPendingState is the one-row-per-session coordination record that
// lets a reload or a second tab reconstruct in-flight send state. It is
// best-effort bookkeeping, not transactional with the message log.
type SessionPendingState struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID string    `gorm:"column:session_id;not null;uniqueIndex" json:"session_id"`

	IsLoading       bool           `gorm:"column:is_loading;not null;default:false" json:"is_loading"`
	PendingMessage  datatypes.JSON `gorm:"column:pending_message" json:"pending_messages,omitempty"`
	PendingResponse datatypes.JSON `gorm:"column:pending_response" json:"pending_response,omitempty"`

	HasError      bool           `gorm:"column:has_error;not null;default:false" json:"has_error"`
	ErrorMessage  string         `gorm:"column:error_message;not null;default:''" json:"error_message,omitempty"`
	FailedMessage datatypes.JSON `gorm:"column:failed_message" json:"failed_message,omitempty"`

	// RequestID correlates the most recent send; cleanups must compare it
	// before clearing so a superseded request cannot clobber a newer one.
	RequestID string `gorm:"column:request_id;not null;default:''" json:"request_id,omitempty"`

	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (SessionPendingState) TableName() string { return "session_pending_state" }

func (s *SessionPendingState) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
