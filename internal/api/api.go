// Package api provides the HTTP server for PitchPipe.
//
// It exposes JSON endpoints for starting, continuing and revising pitch
// conversations, lists the available variants, and mounts the Twilio webhook
// when that channel is enabled.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/flow"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/store"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/util"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
	// maxRequestBody bounds JSON request bodies.
	maxRequestBody = 64 << 10
	// shutdownTimeout bounds graceful shutdown.
	shutdownTimeout = 10 * time.Second
)

// ConversationWorkflow is the workflow surface the API drives.
type ConversationWorkflow interface {
	Start(ctx context.Context, userID, threadID, variant string) (*flow.TurnResult, error)
	HandleUserMessage(ctx context.Context, userID, threadID, text string) (*flow.TurnResult, error)
	RequestModify(ctx context.Context, userID, threadID string, section models.SectionID) (*flow.TurnResult, error)
	Resume(ctx context.Context, userID, threadID string) (*flow.TurnResult, error)
	Get(ctx context.Context, userID, threadID string) (*models.ConversationState, error)
	SectionRecords(ctx context.Context, userID, threadID string) ([]store.SectionRecord, error)
	Reset(ctx context.Context, userID, threadID string) error
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	TwilioWebhook http.HandlerFunc
	Locks         *util.KeyedMutex
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioWebhook mounts handler at POST /webhooks/twilio.
func WithTwilioWebhook(handler http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = handler }
}

// WithConversationLocks shares per-conversation locks with the channel handler.
func WithConversationLocks(locks *util.KeyedMutex) Option {
	return func(o *Opts) { o.Locks = locks }
}

// Server serves the PitchPipe HTTP API.
type Server struct {
	workflow ConversationWorkflow
	locks    *util.KeyedMutex
	webhook  http.HandlerFunc
	addr     string
	mux      *http.ServeMux
}

// NewServer creates a server around workflow.
func NewServer(workflow ConversationWorkflow, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Locks == nil {
		cfg.Locks = util.NewKeyedMutex()
	}
	s := &Server{
		workflow: workflow,
		locks:    cfg.Locks,
		webhook:  cfg.TwilioWebhook,
		addr:     cfg.Addr,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.healthHandler)
	s.mux.HandleFunc("GET /variants", s.variantsHandler)
	s.mux.HandleFunc("GET /conversations", s.getConversationHandler)
	s.mux.HandleFunc("DELETE /conversations", s.resetConversationHandler)
	s.mux.HandleFunc("GET /conversations/sections", s.sectionsHandler)
	s.mux.HandleFunc("POST /conversations/start", s.startHandler)
	s.mux.HandleFunc("POST /conversations/message", s.messageHandler)
	s.mux.HandleFunc("POST /conversations/modify", s.modifyHandler)
	s.mux.HandleFunc("POST /conversations/resume", s.resumeHandler)
	if s.webhook != nil {
		s.mux.HandleFunc("POST /webhooks/twilio", s.webhook)
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// A turn waits on the model and possibly the export.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("Server.Run: shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown failed: %w", err)
		}
		return nil
	}
}
