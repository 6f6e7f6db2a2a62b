// Package server implements the Parley HTTP endpoint layer
package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/cloud-shuttle/parley/internal/pipeline"
	"github.com/cloud-shuttle/parley/internal/transcript"
)

// Options configures the HTTP server
type Options struct {
	ListenAddr        string
	RequestDeadline   time.Duration // overall deadline per chat turn
	RateLimitEnabled  bool
	RequestsPerMinute int
}

// Server is the Parley HTTP server
type Server struct {
	pipeline    *pipeline.Pipeline
	store       transcript.Store
	memory      pipeline.MemoryService
	logger      zerolog.Logger
	opts        Options
	server      *http.Server
	rateLimiter *RateLimiter
	startedAt   time.Time

	requestCount atomic.Int64
	turnCount    atomic.Int64
	errorCount   atomic.Int64
}

// New creates a new HTTP server
func New(p *pipeline.Pipeline, store transcript.Store, memory pipeline.MemoryService, logger zerolog.Logger, opts Options) *Server {
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":8080"
	}
	if opts.RequestDeadline == 0 {
		opts.RequestDeadline = 2 * time.Minute
	}
	return &Server{
		pipeline:    p,
		store:       store,
		memory:      memory,
		logger:      logger.With().Str("component", "server").Logger(),
		opts:        opts,
		rateLimiter: NewRateLimiter(opts.RateLimitEnabled, opts.RequestsPerMinute),
	}
}

// Handler builds the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/api/chat", s.handleChat).Methods("POST")
	router.HandleFunc("/api/conversations", s.handleListConversations).Methods("GET")
	router.HandleFunc("/api/conversations/{conversationId}", s.handleGetConversation).Methods("GET")

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/metrics", s.handleMetrics).Methods("GET")

	var handler http.Handler = router
	handler = s.rateLimiter.Middleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.corsMiddleware(handler)
	return handler
}

// Start starts the HTTP server and blocks until it exits
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.server = &http.Server{
		Addr:         s.opts.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: s.opts.RequestDeadline + 10*time.Second,
		IdleTimeout:  time.Minute,
	}

	s.logger.Info().Str("addr", s.opts.ListenAddr).Msg("server starting")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
