// Package events provides in-process streaming of conversation lifecycle events
package events

import (
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// EventTurnStarted is emitted when a chat turn enters the pipeline
	EventTurnStarted EventType = "turn.started"
	// EventTurnCompleted is emitted when an assistant reply was generated
	EventTurnCompleted EventType = "turn.completed"
	// EventTurnFailed is emitted when generation fails
	EventTurnFailed EventType = "turn.failed"
	// EventBindingCreated is emitted when a conversation is bound to
	// external memory service resources
	EventBindingCreated EventType = "binding.created"
	// EventMemoryDegraded is emitted when a memory service call fails
	// non-benignly and the turn continues in local-only mode
	EventMemoryDegraded EventType = "memory.degraded"
)

// Event represents a single conversation lifecycle event
type Event struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	Timestamp      int64          `json:"timestamp"`
	ConversationID string         `json:"conversation_id"`
	Data           map[string]any `json:"data,omitempty"`
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, conversationID string, data map[string]any) *Event {
	return &Event{
		Type:           eventType,
		Timestamp:      time.Now().Unix(),
		ConversationID: conversationID,
		Data:           data,
	}
}
