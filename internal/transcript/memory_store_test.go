package transcript

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloud-shuttle/parley/pkg/types"
)

var testMessageSeq atomic.Int64

func testMessage(role types.Role, content string) types.Message {
	return types.Message{
		ID:        fmt.Sprintf("msg-%d", testMessageSeq.Add(1)),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

func TestMemoryStoreAppendAndGet(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	if err := store.Append(ctx, "conv-1", testMessage(types.RoleUser, "hello")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.Append(ctx, "conv-1", testMessage(types.RoleAssistant, "hi there")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	messages, err := store.Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(messages))
	}
	if messages[0].Content != "hello" {
		t.Errorf("Expected first message 'hello', got %q", messages[0].Content)
	}
	if messages[1].Role != types.RoleAssistant {
		t.Errorf("Expected second message role assistant, got %s", messages[1].Role)
	}
}

func TestMemoryStoreGetUnknownConversation(t *testing.T) {
	store := NewMemoryStore(0)

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	if err := store.Append(ctx, "conv-1", testMessage(types.RoleUser, "original")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	first, _ := store.Get(ctx, "conv-1")
	first[0].Content = "mutated"

	second, _ := store.Get(ctx, "conv-1")
	if second[0].Content != "original" {
		t.Errorf("Expected stored message untouched, got %q", second[0].Content)
	}
}

func TestMemoryStoreBind(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	binding := types.Binding{
		ConversationID: "conv-1",
		UserID:         "alice",
		SessionID:      "conv-1",
	}
	if err := store.Bind(ctx, binding); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	got, err := store.GetBinding(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetBinding failed: %v", err)
	}
	if got.UserID != "alice" {
		t.Errorf("Expected user alice, got %s", got.UserID)
	}
}

func TestMemoryStoreBindIsCreateIfAbsent(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	if err := store.Bind(ctx, types.Binding{ConversationID: "conv-1", UserID: "alice", SessionID: "conv-1"}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := store.Bind(ctx, types.Binding{ConversationID: "conv-1", UserID: "bob", SessionID: "other"}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	got, _ := store.GetBinding(ctx, "conv-1")
	if got.UserID != "alice" {
		t.Errorf("Expected original binding kept, got user %s", got.UserID)
	}
}

func TestMemoryStoreBindFillsEmptyGroupName(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	if err := store.Bind(ctx, types.Binding{ConversationID: "conv-1", UserID: "alice", SessionID: "conv-1"}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := store.Bind(ctx, types.Binding{ConversationID: "conv-1", UserID: "alice", SessionID: "conv-1", GroupName: "team"}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	got, _ := store.GetBinding(ctx, "conv-1")
	if got.GroupName != "team" {
		t.Errorf("Expected group name filled to 'team', got %q", got.GroupName)
	}

	// A second group name must not overwrite the first
	if err := store.Bind(ctx, types.Binding{ConversationID: "conv-1", UserID: "alice", SessionID: "conv-1", GroupName: "other"}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	got, _ = store.GetBinding(ctx, "conv-1")
	if got.GroupName != "team" {
		t.Errorf("Expected group name to stay 'team', got %q", got.GroupName)
	}
}

func TestMemoryStoreGetBindingNotFound(t *testing.T) {
	store := NewMemoryStore(0)

	_, err := store.GetBinding(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreBoundConversationGetsEmptyTranscript(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	if err := store.Bind(ctx, types.Binding{ConversationID: "conv-1", UserID: "alice", SessionID: "conv-1"}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	messages, err := store.Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Expected bound conversation readable, got %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("Expected empty transcript, got %d messages", len(messages))
	}
}

func TestMemoryStoreMaxMessagesTrimsOldest(t *testing.T) {
	store := NewMemoryStore(4)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		msg := testMessage(types.RoleUser, fmt.Sprintf("msg-%d", i))
		if err := store.Append(ctx, "conv-1", msg); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	messages, err := store.Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("Expected 4 messages after trimming, got %d", len(messages))
	}
	if messages[0].Content != "msg-6" {
		t.Errorf("Expected oldest kept message 'msg-6', got %q", messages[0].Content)
	}
	if messages[3].Content != "msg-9" {
		t.Errorf("Expected newest message 'msg-9', got %q", messages[3].Content)
	}
}

func TestMemoryStoreConcurrentAppends(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				msg := testMessage(types.RoleUser, fmt.Sprintf("g%d-%d", n, j))
				if err := store.Append(ctx, "conv-1", msg); err != nil {
					t.Errorf("Append failed: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	messages, err := store.Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(messages) != 200 {
		t.Errorf("Expected 200 messages, got %d", len(messages))
	}
}

func TestMemoryStoreSummaries(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	if err := store.Append(ctx, "conv-1", testMessage(types.RoleUser, "a")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.Append(ctx, "conv-1", testMessage(types.RoleAssistant, "b")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.Append(ctx, "conv-2", testMessage(types.RoleUser, "c")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	summaries, err := store.Summaries(ctx)
	if err != nil {
		t.Fatalf("Summaries failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("Expected 2 conversations, got %d", len(summaries))
	}

	counts := make(map[string]int)
	for _, conv := range summaries {
		counts[conv.ID] = conv.MessageCount
	}
	if counts["conv-1"] != 2 {
		t.Errorf("Expected conv-1 count 2, got %d", counts["conv-1"])
	}
	if counts["conv-2"] != 1 {
		t.Errorf("Expected conv-2 count 1, got %d", counts["conv-2"])
	}
}
