package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cloud-shuttle/parley/internal/pipeline"
	"github.com/cloud-shuttle/parley/internal/transcript"
	"github.com/cloud-shuttle/parley/pkg/types"
)

// conversationResponse is the body of a conversation read.
// Context carries the memory service's summarized context string when
// the external read succeeded.
type conversationResponse struct {
	ConversationID string          `json:"conversationId"`
	Messages       []types.Message `json:"messages"`
	Context        string          `json:"context,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.requestCount.Add(1)

	var req pipeline.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestDeadline)
	defer cancel()

	result, err := s.pipeline.Run(ctx, &req)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrInvalidInput):
			s.respondError(w, http.StatusBadRequest, "Message is required")
		default:
			s.errorCount.Add(1)
			s.logger.Error().Err(err).Msg("chat turn failed")
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.turnCount.Add(1)
	s.respondJSON(w, http.StatusOK, result)
}

// handleGetConversation reads a conversation, external service first,
// local transcript as fallback. The order determines source-of-truth
// precedence: the durable shared store wins over the local cache.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	s.requestCount.Add(1)

	conversationID := mux.Vars(r)["conversationId"]

	if binding, err := s.store.GetBinding(r.Context(), conversationID); err == nil {
		memory, err := s.memory.GetMemory(r.Context(), binding.SessionID)
		if err == nil {
			messages := make([]types.Message, 0, len(memory.Messages))
			for _, msg := range memory.Messages {
				role := types.RoleAssistant
				if msg.RoleType == string(types.RoleUser) {
					role = types.RoleUser
				}
				messages = append(messages, types.Message{Role: role, Content: msg.Content})
			}
			s.respondJSON(w, http.StatusOK, conversationResponse{
				ConversationID: conversationID,
				Messages:       messages,
				Context:        memory.Context,
			})
			return
		}
		s.logger.Warn().Err(err).
			Str("conversation_id", conversationID).
			Msg("external read failed, falling back to local transcript")
	}

	messages, err := s.store.Get(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, transcript.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		s.errorCount.Add(1)
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, conversationResponse{
		ConversationID: conversationID,
		Messages:       messages,
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	s.requestCount.Add(1)

	summaries, err := s.store.Summaries(r.Context())
	if err != nil {
		s.errorCount.Add(1)
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": summaries,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Duration(0)
	if !s.startedAt.IsZero() {
		uptime = time.Since(s.startedAt)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"uptime":  uptime.String(),
		"version": "0.1.0",
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"request_count": s.requestCount.Load(),
		"turn_count":    s.turnCount.Load(),
		"error_count":   s.errorCount.Load(),
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("encoding response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
