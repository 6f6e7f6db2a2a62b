package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cloud-shuttle/parley/pkg/types"
)

const (
	messagesKeyPrefix = "parley:messages:"
	bindingKeyPrefix  = "parley:binding:"
	conversationsKey  = "parley:conversations"
)

// RedisStore implements Store on a Redis instance. Messages live in a
// list per conversation, bindings in a hash per conversation.
type RedisStore struct {
	client      *redis.Client
	maxMessages int
}

// NewRedisStore creates a Redis-backed transcript store and verifies
// connectivity with a ping.
func NewRedisStore(ctx context.Context, addr, password string, db, maxMessages int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisStore{client: client, maxMessages: maxMessages}, nil
}

// Append pushes a message onto the conversation's list
func (s *RedisStore) Append(ctx context.Context, conversationID string, msg types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	key := messagesKeyPrefix + conversationID
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if s.maxMessages >= 2 {
		pipe.LTrim(ctx, key, int64(-s.maxMessages), -1)
	}
	pipe.HSetNX(ctx, conversationsKey, conversationID, time.Now().UnixNano())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

// Get returns the ordered message list for a conversation
func (s *RedisStore) Get(ctx context.Context, conversationID string) ([]types.Message, error) {
	known, err := s.client.HExists(ctx, conversationsKey, conversationID).Result()
	if err != nil {
		return nil, fmt.Errorf("checking conversation: %w", err)
	}
	if !known {
		return nil, ErrNotFound
	}

	raw, err := s.client.LRange(ctx, messagesKeyPrefix+conversationID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}

	out := make([]types.Message, 0, len(raw))
	for _, item := range raw {
		var msg types.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decoding message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// Bind records the binding for a conversation, create-if-absent
func (s *RedisStore) Bind(ctx context.Context, binding types.Binding) error {
	key := bindingKeyPrefix + binding.ConversationID

	created, err := s.client.HSetNX(ctx, key, "session_id", binding.SessionID).Result()
	if err != nil {
		return fmt.Errorf("recording binding: %w", err)
	}
	if created {
		fields := map[string]interface{}{
			"conversation_id": binding.ConversationID,
			"user_id":         binding.UserID,
			"group_name":      binding.GroupName,
		}
		if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
			return fmt.Errorf("recording binding: %w", err)
		}
		return s.client.HSetNX(ctx, conversationsKey, binding.ConversationID, time.Now().UnixNano()).Err()
	}

	// Existing binding: only fill in a previously empty group name
	if binding.GroupName != "" {
		current, err := s.client.HGet(ctx, key, "group_name").Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("reading binding: %w", err)
		}
		if current == "" {
			if err := s.client.HSet(ctx, key, "group_name", binding.GroupName).Err(); err != nil {
				return fmt.Errorf("updating binding group: %w", err)
			}
		}
	}
	return nil
}

// GetBinding returns the binding for a conversation
func (s *RedisStore) GetBinding(ctx context.Context, conversationID string) (types.Binding, error) {
	fields, err := s.client.HGetAll(ctx, bindingKeyPrefix+conversationID).Result()
	if err != nil {
		return types.Binding{}, fmt.Errorf("reading binding: %w", err)
	}
	if len(fields) == 0 {
		return types.Binding{}, ErrNotFound
	}
	return types.Binding{
		ConversationID: fields["conversation_id"],
		UserID:         fields["user_id"],
		SessionID:      fields["session_id"],
		GroupName:      fields["group_name"],
	}, nil
}

// Summaries lists locally known conversations
func (s *RedisStore) Summaries(ctx context.Context) ([]types.Conversation, error) {
	ids, err := s.client.HGetAll(ctx, conversationsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	out := make([]types.Conversation, 0, len(ids))
	for id, createdAt := range ids {
		conv := types.Conversation{ID: id}
		var nanos int64
		if _, err := fmt.Sscanf(createdAt, "%d", &nanos); err == nil {
			conv.CreatedAt = time.Unix(0, nanos)
		}
		msgs, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		conv.MessageCount = len(msgs)
		if len(msgs) > 0 {
			conv.LastMessageAt = msgs[len(msgs)-1].Timestamp
		}
		out = append(out, conv)
	}
	return out, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
