package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/cloud-shuttle/parley/internal/events"
	"github.com/cloud-shuttle/parley/internal/llm"
	"github.com/cloud-shuttle/parley/internal/recall"
	"github.com/cloud-shuttle/parley/internal/transcript"
	"github.com/cloud-shuttle/parley/pkg/types"
)

// fakeMemory records calls and returns configurable errors
type fakeMemory struct {
	mu sync.Mutex

	users    []string
	sessions []string
	groups   []string
	mirrored map[string][]recall.RemoteMessage
	graph    []string

	addUserErr    error
	addSessionErr error
	getMemoryErr  error
	searchErr     error

	memory *recall.Memory
	edges  []recall.Edge
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{
		mirrored: make(map[string][]recall.RemoteMessage),
		memory:   &recall.Memory{},
	}
}

func (f *fakeMemory) AddUser(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addUserErr != nil {
		return f.addUserErr
	}
	f.users = append(f.users, userID)
	return nil
}

func (f *fakeMemory) AddSession(_ context.Context, userID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addSessionErr != nil {
		return f.addSessionErr
	}
	f.sessions = append(f.sessions, sessionID)
	return nil
}

func (f *fakeMemory) AddMessages(_ context.Context, sessionID string, messages []recall.RemoteMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mirrored[sessionID] = append(f.mirrored[sessionID], messages...)
	return nil
}

func (f *fakeMemory) GetMemory(_ context.Context, sessionID string) (*recall.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getMemoryErr != nil {
		return nil, f.getMemoryErr
	}
	return f.memory, nil
}

func (f *fakeMemory) AddGroup(_ context.Context, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, groupID)
	return nil
}

func (f *fakeMemory) AddGraphData(_ context.Context, groupID, dataType, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.graph = append(f.graph, data)
	return nil
}

func (f *fakeMemory) SearchGraph(_ context.Context, groupID, query, scope string) ([]recall.Edge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.edges, nil
}

// fakeProvider returns canned replies and records prompts
type fakeProvider struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts [][]llm.Message
}

func (f *fakeProvider) Name() llm.ProviderType { return "fake" }

func (f *fakeProvider) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	prompt := make([]llm.Message, len(req.Messages))
	copy(prompt, req.Messages)
	f.prompts = append(f.prompts, prompt)
	reply := f.reply
	if reply == "" {
		reply = fmt.Sprintf("reply-%d", len(f.prompts))
	}
	return &llm.ChatResponse{Content: reply}, nil
}

func (f *fakeProvider) Validate() error { return nil }

func (f *fakeProvider) lastPrompt() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return nil
	}
	return f.prompts[len(f.prompts)-1]
}

func newTestPipeline(store transcript.Store, memory MemoryService, model llm.Provider) *Pipeline {
	return New(store, memory, model, nil, zerolog.Nop(), Options{Model: "test-model"})
}

func TestRunHappyPath(t *testing.T) {
	store := transcript.NewMemoryStore(0)
	memory := newFakeMemory()
	model := &fakeProvider{reply: "Hello back"}
	p := newTestPipeline(store, memory, model)

	result, err := p.Run(context.Background(), &TurnRequest{Message: "Hello"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.ConversationID == "" {
		t.Error("Expected a generated conversation ID")
	}
	if result.Message.Role != types.RoleAssistant {
		t.Errorf("Expected assistant role, got %s", result.Message.Role)
	}
	if result.Message.Content != "Hello back" {
		t.Errorf("Expected reply 'Hello back', got %q", result.Message.Content)
	}

	messages, err := store.Get(context.Background(), result.ConversationID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("Expected 2 persisted messages, got %d", len(messages))
	}
	if messages[0].Role != types.RoleUser || messages[0].Content != "Hello" {
		t.Errorf("Unexpected first message: %+v", messages[0])
	}
	if messages[1].Role != types.RoleAssistant {
		t.Errorf("Unexpected second message: %+v", messages[1])
	}
}

func TestRunEmptyMessageHasNoSideEffects(t *testing.T) {
	store := transcript.NewMemoryStore(0)
	memory := newFakeMemory()
	model := &fakeProvider{}
	p := newTestPipeline(store, memory, model)

	_, err := p.Run(context.Background(), &TurnRequest{Message: ""})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Expected ErrInvalidInput, got %v", err)
	}

	if len(memory.users) != 0 || len(memory.sessions) != 0 {
		t.Error("Expected no external calls on invalid input")
	}
	summaries, _ := store.Summaries(context.Background())
	if len(summaries) != 0 {
		t.Error("Expected no local writes on invalid input")
	}
	if len(model.prompts) != 0 {
		t.Error("Expected no model call on invalid input")
	}
}

func TestRunDefaultsUserID(t *testing.T) {
	store := transcript.NewMemoryStore(0)
	memory := newFakeMemory()
	p := newTestPipeline(store, memory, &fakeProvider{})

	result, err := p.Run(context.Background(), &TurnRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	binding, err := store.GetBinding(context.Background(), result.ConversationID)
	if err != nil {
		t.Fatalf("GetBinding failed: %v", err)
	}
	if binding.UserID != "anonymous" {
		t.Errorf("Expected user 'anonymous', got %q", binding.UserID)
	}
	if len(memory.users) != 1 || memory.users[0] != "anonymous" {
		t.Errorf("Expected anonymous user created remotely, got %v", memory.users)
	}
}

func TestRunBindsOnceAcrossTurns(t *testing.T) {
	store := transcript.NewMemoryStore(0)
	memory := newFakeMemory()
	p := newTestPipeline(store, memory, &fakeProvider{})

	first, err := p.Run(context.Background(), &TurnRequest{UserID: "alice", Message: "hello"})
	if err != nil {
		t.Fatalf("First turn failed: %v", err)
	}
	_, err = p.Run(context.Background(), &TurnRequest{
		UserID:         "alice",
		ConversationID: first.ConversationID,
		Message:        "again",
	})
	if err != nil {
		t.Fatalf("Second turn failed: %v", err)
	}

	if len(memory.users) != 1 {
		t.Errorf("Expected 1 AddUser call, got %d", len(memory.users))
	}
	if len(memory.sessions) != 1 {
		t.Errorf("Expected 1 AddSession call, got %d", len(memory.sessions))
	}

	messages, _ := store.Get(context.Background(), first.ConversationID)
	if len(messages) != 4 {
		t.Fatalf("Expected 4 messages after two turns, got %d", len(messages))
	}
	wantRoles := []types.Role{types.RoleUser, types.RoleAssistant, types.RoleUser, types.RoleAssistant}
	for i, role := range wantRoles {
		if messages[i].Role != role {
			t.Errorf("Expected message %d role %s, got %s", i, role, messages[i].Role)
		}
	}
	if messages[2].Content != "again" {
		t.Errorf("Expected third message 'again', got %q", messages[2].Content)
	}
}

func TestRunTreatsConflictAsSuccess(t *testing.T) {
	store := transcript.NewMemoryStore(0)
	memory := newFakeMemory()
	memory.addUserErr = &recall.APIError{Status: http.StatusConflict, Message: "user already exists"}
	p := newTestPipeline(store, memory, &fakeProvider{})

	result, err := p.Run(context.Background(), &TurnRequest{UserID: "alice", Message: "hello"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	binding, err := store.GetBinding(context.Background(), result.ConversationID)
	if err != nil {
		t.Fatalf("Expected binding recorded despite conflict, got %v", err)
	}
	if binding.UserID != "alice" {
		t.Errorf("Unexpected binding: %+v", binding)
	}
	if len(memory.sessions) != 1 {
		t.Errorf("Expected session still created, got %d", len(memory.sessions))
	}
}

func TestRunDegradedModeStillAnswers(t *testing.T) {
	store := transcript.NewMemoryStore(0)
	memory := newFakeMemory()
	memory.addUserErr = &recall.APIError{Status: http.StatusInternalServerError, Message: "boom"}
	p := newTestPipeline(store, memory, &fakeProvider{reply: "still here"})

	result, err := p.Run(context.Background(), &TurnRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("Expected degraded turn to succeed, got %v", err)
	}
	if result.Message.Content != "still here" {
		t.Errorf("Unexpected reply: %q", result.Message.Content)
	}

	// No binding, no mirroring
	if _, err := store.GetBinding(context.Background(), result.ConversationID); !errors.Is(err, transcript.ErrNotFound) {
		t.Errorf("Expected no binding in degraded mode, got %v", err)
	}
	if len(memory.mirrored) != 0 {
		t.Errorf("Expected no mirroring in degraded mode, got %v", memory.mirrored)
	}

	// The turn is still fully persisted locally
	messages, err := store.Get(context.Background(), result.ConversationID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(messages) != 2 {
		t.Errorf("Expected 2 local messages, got %d", len(messages))
	}
}

func TestRunGenerationFailure(t *testing.T) {
	store := transcript.NewMemoryStore(0)
	memory := newFakeMemory()
	model := &fakeProvider{err: errors.New("model unavailable")}
	p := newTestPipeline(store, memory, model)

	_, err := p.Run(context.Background(), &TurnRequest{ConversationID: "conv-1", Message: "hello"})
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("Expected ErrGenerationFailed, got %v", err)
	}

	// User message persists even when generation fails
	messages, err := store.Get(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(messages) != 1 || messages[0].Role != types.RoleUser {
		t.Errorf("Expected only the user message persisted, got %+v", messages)
	}
}

func TestRunRetrievalFailureIsNotFatal(t *testing.T) {
	store := transcript.NewMemoryStore(0)
	memory := newFakeMemory()
	memory.getMemoryErr = &recall.APIError{Status: http.StatusInternalServerError, Message: "down"}
	p := newTestPipeline(store, memory, &fakeProvider{reply: "ok"})

	result, err := p.Run(context.Background(), &TurnRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("Expected turn to survive retrieval failure, got %v", err)
	}
	if result.Message.Content != "ok" {
		t.Errorf("Unexpected reply: %q", result.Message.Content)
	}
}

func TestRunMirrorsBothMessages(t *testing.T) {
	store := transcript.NewMemoryStore(0)
	memory := newFakeMemory()
	p := newTestPipeline(store, memory, &fakeProvider{reply: "mirrored"})

	result, err := p.Run(context.Background(), &TurnRequest{UserID: "alice", Message: "hello"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	mirrored := memory.mirrored[result.ConversationID]
	if len(mirrored) != 2 {
		t.Fatalf("Expected 2 mirrored messages, got %d", len(mirrored))
	}
	if mirrored[0].RoleType != "user" || mirrored[0].Content != "hello" {
		t.Errorf("Unexpected first mirrored message: %+v", mirrored[0])
	}
	if mirrored[1].RoleType != "assistant" || mirrored[1].Content != "mirrored" {
		t.Errorf("Unexpected second mirrored message: %+v", mirrored[1])
	}
}

func TestRunMergesExternalHistoryIntoPrompt(t *testing.T) {
	store := transcript.NewMemoryStore(0)
	memory := newFakeMemory()
	memory.memory = &recall.Memory{
		Messages: []recall.RemoteMessage{
			{Role: "user", RoleType: "user", Content: "earlier question"},
			{Role: "assistant", RoleType: "assistant", Content: "earlier answer"},
		},
	}
	model := &fakeProvider{reply: "ok"}
	p := newTestPipeline(store, memory, model)

	_, err := p.Run(context.Background(), &TurnRequest{Message: "now"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	prompt := model.lastPrompt()
	if len(prompt) != 3 {
		t.Fatalf("Expected 3 prompt messages, got %d: %+v", len(prompt), prompt)
	}
	if prompt[0].Content != "earlier question" || prompt[0].Role != llm.RoleUser {
		t.Errorf("Unexpected first prompt message: %+v", prompt[0])
	}
	if prompt[1].Content != "earlier answer" || prompt[1].Role != llm.RoleAssistant {
		t.Errorf("Unexpected second prompt message: %+v", prompt[1])
	}
	if prompt[2].Content != "now" {
		t.Errorf("Expected latest user message last, got %+v", prompt[2])
	}
}

func TestRunGroupFlow(t *testing.T) {
	store := transcript.NewMemoryStore(0)
	memory := newFakeMemory()
	memory.edges = []recall.Edge{{Fact: "alice prefers tea"}}
	model := &fakeProvider{reply: "noted"}
	p := newTestPipeline(store, memory, model)

	result, err := p.Run(context.Background(), &TurnRequest{
		UserID:    "alice",
		GroupName: "team",
		Message:   "what do I drink?",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(memory.groups) != 1 || memory.groups[0] != "team" {
		t.Errorf("Expected group 'team' created, got %v", memory.groups)
	}
	if len(memory.graph) != 1 || memory.graph[0] != "what do I drink?" {
		t.Errorf("Expected raw message written to graph, got %v", memory.graph)
	}

	binding, _ := store.GetBinding(context.Background(), result.ConversationID)
	if binding.GroupName != "team" {
		t.Errorf("Expected group recorded on binding, got %q", binding.GroupName)
	}

	prompt := model.lastPrompt()
	if len(prompt) == 0 || prompt[0].Role != llm.RoleSystem {
		t.Fatalf("Expected leading system message with facts, got %+v", prompt)
	}
	if !strings.Contains(prompt[0].Content, "[fact] alice prefers tea") {
		t.Errorf("Expected fact in system message, got %q", prompt[0].Content)
	}
}

func TestRunGroupSearchFailureIsNotFatal(t *testing.T) {
	store := transcript.NewMemoryStore(0)
	memory := newFakeMemory()
	memory.searchErr = errors.New("graph down")
	p := newTestPipeline(store, memory, &fakeProvider{reply: "ok"})

	_, err := p.Run(context.Background(), &TurnRequest{GroupName: "team", Message: "hello"})
	if err != nil {
		t.Fatalf("Expected turn to survive graph search failure, got %v", err)
	}
}

func TestRunPublishesEvents(t *testing.T) {
	store := transcript.NewMemoryStore(0)
	memory := newFakeMemory()
	bus := events.NewBus()
	defer bus.Close()
	ch := bus.Subscribe("test")

	p := New(store, memory, &fakeProvider{}, bus, zerolog.Nop(), Options{})
	if _, err := p.Run(context.Background(), &TurnRequest{Message: "hello"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	seen := make(map[events.EventType]bool)
	for len(ch) > 0 {
		seen[(<-ch).Type] = true
	}
	for _, want := range []events.EventType{events.EventTurnStarted, events.EventBindingCreated, events.EventTurnCompleted} {
		if !seen[want] {
			t.Errorf("Expected event %s published", want)
		}
	}
}

func TestBuildPromptOrder(t *testing.T) {
	retrieved := []types.Fact{
		{RoleHint: types.RoleAssistant, Content: "[fact] likes go", Derived: true},
		{RoleHint: types.RoleUser, Content: "old question"},
	}
	local := []types.Message{
		{Role: types.RoleUser, Content: "new question"},
	}

	prompt := buildPrompt(retrieved, local)
	if len(prompt) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(prompt))
	}
	if prompt[0].Role != llm.RoleSystem || !strings.Contains(prompt[0].Content, "[fact] likes go") {
		t.Errorf("Unexpected system message: %+v", prompt[0])
	}
	if prompt[1].Role != llm.RoleUser || prompt[1].Content != "old question" {
		t.Errorf("Unexpected history message: %+v", prompt[1])
	}
	if prompt[2].Content != "new question" {
		t.Errorf("Unexpected final message: %+v", prompt[2])
	}
}

func TestBuildPromptNoFactsNoSystemMessage(t *testing.T) {
	prompt := buildPrompt(nil, []types.Message{{Role: types.RoleUser, Content: "hi"}})
	if len(prompt) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(prompt))
	}
	if prompt[0].Role != llm.RoleUser {
		t.Errorf("Expected user role, got %s", prompt[0].Role)
	}
}
