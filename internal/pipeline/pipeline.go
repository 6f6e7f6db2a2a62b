// Package pipeline implements the conversation-turn pipeline: ingest
// and bind, retrieve context, generate and persist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloud-shuttle/parley/internal/events"
	"github.com/cloud-shuttle/parley/internal/llm"
	"github.com/cloud-shuttle/parley/internal/recall"
	"github.com/cloud-shuttle/parley/internal/transcript"
	"github.com/cloud-shuttle/parley/pkg/types"
)

var (
	// ErrInvalidInput is returned when the inbound message is missing
	ErrInvalidInput = errors.New("message is required")

	// ErrGenerationFailed is returned when the model call fails; the
	// user message is already persisted locally at that point
	ErrGenerationFailed = errors.New("generation failed")
)

// defaultUserID is used when the caller supplies no user hint
const defaultUserID = "anonymous"

// MemoryService is the consumed surface of the hosted memory service.
// All creation calls are idempotent via conflict detection.
type MemoryService interface {
	AddUser(ctx context.Context, userID string) error
	AddSession(ctx context.Context, userID, sessionID string) error
	AddMessages(ctx context.Context, sessionID string, messages []recall.RemoteMessage) error
	GetMemory(ctx context.Context, sessionID string) (*recall.Memory, error)
	AddGroup(ctx context.Context, groupID string) error
	AddGraphData(ctx context.Context, groupID, dataType, data string) error
	SearchGraph(ctx context.Context, groupID, query, scope string) ([]recall.Edge, error)
}

// TurnRequest is one inbound chat message
type TurnRequest struct {
	UserID         string `json:"userId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	GroupName      string `json:"groupName,omitempty"`
	Message        string `json:"message"`
}

// TurnResult is the pipeline's terminal output: the generated
// assistant message for the resolved conversation
type TurnResult struct {
	ConversationID string        `json:"conversationId"`
	Message        types.Message `json:"message"`
}

// Options configures a Pipeline
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
	CallTimeout time.Duration // per external call
}

// Pipeline coordinates the local store, the memory service, and the
// LLM for one turn. Stages run strictly in sequence; only failure of
// the model call itself is fatal to a request.
type Pipeline struct {
	store  transcript.Store
	memory MemoryService
	model  llm.Provider
	bus    *events.Bus
	logger zerolog.Logger
	opts   Options
}

// New creates a turn pipeline
func New(store transcript.Store, memory MemoryService, model llm.Provider, bus *events.Bus, logger zerolog.Logger, opts Options) *Pipeline {
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 30 * time.Second
	}
	return &Pipeline{
		store:  store,
		memory: memory,
		model:  model,
		bus:    bus,
		logger: logger.With().Str("component", "pipeline").Logger(),
		opts:   opts,
	}
}

// turnState is the data handed from stage to stage
type turnState struct {
	conversationID string
	userID         string
	groupName      string // resolved group, empty when none bound
	degraded       bool   // binding creation failed, skip external enrichment
	local          []types.Message
	retrieved      []types.Fact
}

// Run executes the three stages for one inbound message
func (p *Pipeline) Run(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	state, err := p.ingest(ctx, req)
	if err != nil {
		return nil, err
	}

	p.publish(ctx, events.NewEvent(events.EventTurnStarted, state.conversationID, nil))

	p.retrieve(ctx, state)

	result, err := p.generate(ctx, state)
	if err != nil {
		p.publish(ctx, events.NewEvent(events.EventTurnFailed, state.conversationID, map[string]any{
			"error": err.Error(),
		}))
		return nil, err
	}

	p.publish(ctx, events.NewEvent(events.EventTurnCompleted, state.conversationID, map[string]any{
		"message_id": result.Message.ID,
	}))
	return result, nil
}

// ingest validates the message, resolves the conversation, creates the
// external binding on first contact, and persists the user message.
func (p *Pipeline) ingest(ctx context.Context, req *TurnRequest) (*turnState, error) {
	if req.Message == "" {
		return nil, ErrInvalidInput
	}

	state := &turnState{
		conversationID: req.ConversationID,
		userID:         req.UserID,
	}
	if state.conversationID == "" {
		state.conversationID = uuid.New().String()
	}
	if state.userID == "" {
		state.userID = defaultUserID
	}

	binding, err := p.store.GetBinding(ctx, state.conversationID)
	switch {
	case err == nil:
		// already bound
	case errors.Is(err, transcript.ErrNotFound):
		binding, err = p.createBinding(ctx, state)
		if err != nil {
			// Degraded local-only mode for the rest of this turn;
			// the request itself still proceeds.
			p.logger.Error().Err(err).
				Str("conversation_id", state.conversationID).
				Msg("binding creation failed, continuing local-only")
			p.publish(ctx, events.NewEvent(events.EventMemoryDegraded, state.conversationID, map[string]any{
				"stage": "ingest",
				"error": err.Error(),
			}))
			state.degraded = true
		}
	default:
		p.logger.Error().Err(err).Msg("reading binding")
		state.degraded = true
	}

	if !state.degraded {
		p.ensureGroup(ctx, state, &binding, req)
	}

	userMsg := types.Message{
		ID:        uuid.New().String(),
		Role:      types.RoleUser,
		Content:   req.Message,
		Timestamp: time.Now(),
	}
	if err := p.store.Append(ctx, state.conversationID, userMsg); err != nil {
		return nil, fmt.Errorf("appending user message: %w", err)
	}

	if !state.degraded {
		p.mirror(ctx, binding.SessionID, userMsg)
	}

	local, err := p.store.Get(ctx, state.conversationID)
	if err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	state.local = local
	return state, nil
}

// createBinding idempotently creates the user and session records in
// the memory service and records the binding locally. A conflict from
// the service means the resource already exists and is success.
func (p *Pipeline) createBinding(ctx context.Context, state *turnState) (types.Binding, error) {
	callCtx, cancel := p.callContext(ctx)
	err := p.memory.AddUser(callCtx, state.userID)
	cancel()
	if err != nil && !recall.IsConflict(err) {
		return types.Binding{}, fmt.Errorf("creating user %s: %w", state.userID, err)
	}

	callCtx, cancel = p.callContext(ctx)
	err = p.memory.AddSession(callCtx, state.userID, state.conversationID)
	cancel()
	if err != nil && !recall.IsConflict(err) {
		return types.Binding{}, fmt.Errorf("creating session %s: %w", state.conversationID, err)
	}

	binding := types.Binding{
		ConversationID: state.conversationID,
		UserID:         state.userID,
		SessionID:      state.conversationID,
	}
	if err := p.store.Bind(ctx, binding); err != nil {
		return types.Binding{}, fmt.Errorf("recording binding: %w", err)
	}

	p.publish(ctx, events.NewEvent(events.EventBindingCreated, state.conversationID, map[string]any{
		"user_id":    state.userID,
		"session_id": binding.SessionID,
	}))
	return binding, nil
}

// ensureGroup handles the optional knowledge group: idempotent
// creation, recording on the binding, and a best-effort graph write of
// the raw message. Group failures never fail the turn.
func (p *Pipeline) ensureGroup(ctx context.Context, state *turnState, binding *types.Binding, req *TurnRequest) {
	state.groupName = binding.GroupName

	if req.GroupName == "" {
		return
	}

	callCtx, cancel := p.callContext(ctx)
	err := p.memory.AddGroup(callCtx, req.GroupName)
	cancel()
	if err != nil && !recall.IsConflict(err) {
		p.logger.Error().Err(err).Str("group", req.GroupName).Msg("creating group")
		return
	}

	if binding.GroupName == "" {
		binding.GroupName = req.GroupName
		if err := p.store.Bind(ctx, *binding); err != nil {
			p.logger.Error().Err(err).Msg("recording group on binding")
		}
	}
	state.groupName = binding.GroupName

	callCtx, cancel = p.callContext(ctx)
	err = p.memory.AddGraphData(callCtx, req.GroupName, "text", req.Message)
	cancel()
	if err != nil {
		p.logger.Warn().Err(err).Str("group", req.GroupName).Msg("adding graph data")
	}
}

// retrieve fetches stored history and, when a group is bound, searches
// the group graph for facts relevant to the latest user message.
// Never fatal: every failure yields an empty or shorter context.
func (p *Pipeline) retrieve(ctx context.Context, state *turnState) {
	binding, err := p.store.GetBinding(ctx, state.conversationID)
	if err != nil {
		return
	}

	callCtx, cancel := p.callContext(ctx)
	memory, err := p.memory.GetMemory(callCtx, binding.SessionID)
	cancel()
	if err != nil {
		p.logger.Error().Err(err).
			Str("session_id", binding.SessionID).
			Msg("retrieving session memory")
		p.publish(ctx, events.NewEvent(events.EventMemoryDegraded, state.conversationID, map[string]any{
			"stage": "retrieve",
			"error": err.Error(),
		}))
	} else {
		for _, msg := range memory.Messages {
			role := types.RoleAssistant
			if msg.RoleType == string(types.RoleUser) {
				role = types.RoleUser
			}
			state.retrieved = append(state.retrieved, types.Fact{
				RoleHint: role,
				Content:  msg.Content,
			})
		}
	}

	group := state.groupName
	if group == "" {
		group = binding.GroupName
	}
	if group == "" {
		return
	}

	query := latestUserMessage(state.local)
	if query == "" {
		return
	}

	callCtx, cancel = p.callContext(ctx)
	edges, err := p.memory.SearchGraph(callCtx, group, query, "edges")
	cancel()
	if err != nil {
		p.logger.Warn().Err(err).Str("group", group).Msg("searching group graph")
		return
	}
	for _, edge := range edges {
		if edge.Fact == "" {
			continue
		}
		state.retrieved = append(state.retrieved, types.Fact{
			RoleHint: types.RoleAssistant,
			Content:  "[fact] " + edge.Fact,
			Derived:  true,
		})
	}
}

// generate calls the model with the assembled prompt, persists the
// assistant reply locally, and mirrors it best-effort.
func (p *Pipeline) generate(ctx context.Context, state *turnState) (*TurnResult, error) {
	prompt := buildPrompt(state.retrieved, state.local)

	callCtx, cancel := p.callContext(ctx)
	resp, err := p.model.Chat(callCtx, &llm.ChatRequest{
		Model:       p.opts.Model,
		Messages:    prompt,
		MaxTokens:   p.opts.MaxTokens,
		Temperature: p.opts.Temperature,
	})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGenerationFailed, err)
	}

	assistantMsg := types.Message{
		ID:        uuid.New().String(),
		Role:      types.RoleAssistant,
		Content:   resp.Content,
		Timestamp: time.Now(),
	}
	if err := p.store.Append(ctx, state.conversationID, assistantMsg); err != nil {
		return nil, fmt.Errorf("appending assistant message: %w", err)
	}

	if !state.degraded {
		if binding, err := p.store.GetBinding(ctx, state.conversationID); err == nil {
			p.mirror(ctx, binding.SessionID, assistantMsg)
		}
	}

	return &TurnResult{
		ConversationID: state.conversationID,
		Message:        assistantMsg,
	}, nil
}

// mirror stores a message in the memory service, best-effort
func (p *Pipeline) mirror(ctx context.Context, sessionID string, msg types.Message) {
	callCtx, cancel := p.callContext(ctx)
	defer cancel()

	err := p.memory.AddMessages(callCtx, sessionID, []recall.RemoteMessage{{
		Role:     string(msg.Role),
		RoleType: string(msg.Role),
		Content:  msg.Content,
	}})
	if err != nil {
		p.logger.Error().Err(err).
			Str("session_id", sessionID).
			Str("message_id", msg.ID).
			Msg("mirroring message to memory service")
	}
}

func (p *Pipeline) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.opts.CallTimeout)
}

func (p *Pipeline) publish(ctx context.Context, event *events.Event) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, event); err != nil {
		p.logger.Debug().Err(err).Msg("publishing event")
	}
}

func latestUserMessage(messages []types.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
