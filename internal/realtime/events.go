package realtime

import "time"

// Store names the durable table a change event originated from.
type Store string

const (
	StoreSessionState Store = "session_state"
	StoreMessages     Store = "messages"
)

type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
)

// ChangeEvent is one row-level change notification. SessionID scopes
// delivery; subscribers re-check it against their active session at handler
// time, never trusting the subscription scope alone.
type ChangeEvent struct {
	Store     Store      `json:"store"`
	Kind      ChangeKind `json:"kind"`
	SessionID string     `json:"session_id"`
	At        time.Time  `json:"at"`
	Payload   any        `json:"payload,omitempty"`
}
