package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/cloud-shuttle/parley/pkg/types"
)

// MemoryStore is the in-process transcript store: two maps guarded by a
// single mutex, no persistence across restarts.
//
// Growth is bounded per conversation by maxMessages; once the cap is
// reached the oldest messages are trimmed on append. The cap exists
// because conversations are never deleted during the process lifetime.
type MemoryStore struct {
	mu          sync.RWMutex
	messages    map[string][]types.Message
	bindings    map[string]types.Binding
	createdAt   map[string]time.Time
	maxMessages int
}

// NewMemoryStore creates an in-memory transcript store. maxMessages
// bounds the per-conversation message list; values below 2 disable the
// bound.
func NewMemoryStore(maxMessages int) *MemoryStore {
	return &MemoryStore{
		messages:    make(map[string][]types.Message),
		bindings:    make(map[string]types.Binding),
		createdAt:   make(map[string]time.Time),
		maxMessages: maxMessages,
	}
}

// Append adds a message to a conversation, creating the list if absent
func (s *MemoryStore) Append(_ context.Context, conversationID string, msg types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[conversationID]; !ok {
		s.createdAt[conversationID] = time.Now()
	}
	list := append(s.messages[conversationID], msg)
	if s.maxMessages >= 2 && len(list) > s.maxMessages {
		list = list[len(list)-s.maxMessages:]
	}
	s.messages[conversationID] = list
	return nil
}

// Get returns a copy of the ordered message list for a conversation
func (s *MemoryStore) Get(_ context.Context, conversationID string) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list, ok := s.messages[conversationID]
	if !ok {
		if _, bound := s.bindings[conversationID]; !bound {
			return nil, ErrNotFound
		}
	}
	out := make([]types.Message, len(list))
	copy(out, list)
	return out, nil
}

// Bind records the binding for a conversation, create-if-absent
func (s *MemoryStore) Bind(_ context.Context, binding types.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.bindings[binding.ConversationID]
	if !ok {
		s.bindings[binding.ConversationID] = binding
		return nil
	}
	if existing.GroupName == "" && binding.GroupName != "" {
		existing.GroupName = binding.GroupName
		s.bindings[binding.ConversationID] = existing
	}
	return nil
}

// GetBinding returns the binding for a conversation
func (s *MemoryStore) GetBinding(_ context.Context, conversationID string) (types.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	binding, ok := s.bindings[conversationID]
	if !ok {
		return types.Binding{}, ErrNotFound
	}
	return binding, nil
}

// Summaries lists locally known conversations
func (s *MemoryStore) Summaries(_ context.Context) ([]types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Conversation, 0, len(s.messages))
	for id, list := range s.messages {
		conv := types.Conversation{
			ID:           id,
			CreatedAt:    s.createdAt[id],
			MessageCount: len(list),
		}
		if len(list) > 0 {
			conv.LastMessageAt = list[len(list)-1].Timestamp
		}
		out = append(out, conv)
	}
	return out, nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}
