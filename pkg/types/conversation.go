// Package types defines core data structures for Parley
package types

import "time"

// Role represents the role of a message sender
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message represents a single turn entry in a conversation.
// Messages are immutable once created and ordered strictly by
// append order within a conversation.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Binding maps a local conversation to the identifiers the external
// memory service requires. Created exactly once per conversation, on
// first ingest.
type Binding struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	SessionID      string `json:"session_id"`
	GroupName      string `json:"group_name,omitempty"`
}

// Fact is a transient per-request context entry produced by history or
// graph retrieval. Derived marks facts synthesized from graph search as
// opposed to literal stored turns. Facts are never persisted locally.
type Fact struct {
	RoleHint Role   `json:"role_hint"`
	Content  string `json:"content"`
	Derived  bool   `json:"derived"`
}

// Conversation is a read-side summary of a locally known conversation.
type Conversation struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	MessageCount  int       `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at"`
}
