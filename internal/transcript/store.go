// Package transcript provides local storage for conversation transcripts
package transcript

import (
	"context"
	"errors"

	"github.com/cloud-shuttle/parley/pkg/types"
)

// ErrNotFound is returned when a conversation does not exist locally.
// A conversation that exists but has no messages is not an error.
var ErrNotFound = errors.New("conversation not found")

// Store manages the local transcript and resource bindings.
//
// Append and Bind must be safe under concurrent access to the same
// conversation: concurrent turns may interleave in either order, but no
// message may be dropped from the list.
type Store interface {
	// Append adds a message to a conversation, creating the
	// conversation if it does not exist.
	Append(ctx context.Context, conversationID string, msg types.Message) error

	// Get returns the ordered message list for a conversation.
	// Returns ErrNotFound when the conversation was never created.
	Get(ctx context.Context, conversationID string) ([]types.Message, error)

	// Bind records the external resource binding for a conversation.
	// Create-if-absent: an existing binding is kept, except that a
	// previously empty group name is filled in when the new binding
	// carries one.
	Bind(ctx context.Context, binding types.Binding) error

	// GetBinding returns the binding for a conversation, or ErrNotFound.
	GetBinding(ctx context.Context, conversationID string) (types.Binding, error)

	// Summaries lists locally known conversations.
	Summaries(ctx context.Context) ([]types.Conversation, error)

	// Close releases store resources.
	Close() error
}
