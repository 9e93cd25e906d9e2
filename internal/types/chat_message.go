package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Attachment is the metadata the UI keeps for an uploaded file. Bytes live in
// external storage; only the pointer travels with the message.
type Attachment struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	Type       string `json:"type"`
	StorageKey string `json:"storageKey,omitempty"`
}

// ChatMessage is one persisted chat turn. Timestamp is client-supplied for
// user messages so ordering survives network latency; messages are
// value-ordered by it within a session.
type ChatMessage struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID string    `gorm:"column:session_id;not null;index;index:idx_chat_message_session_ts,priority:1" json:"session_id"`

	Role    string `gorm:"column:role;not null;index" json:"role"`
	Content string `gorm:"column:content;type:text;not null;default:''" json:"content"`

	Timestamp   time.Time      `gorm:"column:timestamp;not null;index:idx_chat_message_session_ts,priority:2" json:"timestamp"`
	Attachments datatypes.JSON `gorm:"column:attachments" json:"attachments,omitempty"`

	// Error marks a user message whose send failed; it stays visible for retry.
	Error        bool   `gorm:"column:error;not null;default:false" json:"error,omitempty"`
	ErrorMessage string `gorm:"column:error_message;not null;default:''" json:"errorMessage,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (ChatMessage) TableName() string { return "chat_message" }

func (m *ChatMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return nil
}
