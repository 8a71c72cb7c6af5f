package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/maestro-crm/maestro/internal/audit"
	"github.com/maestro-crm/maestro/internal/auth"
	"github.com/maestro-crm/maestro/internal/model"
	"github.com/maestro-crm/maestro/internal/service/conversation"
	"github.com/maestro-crm/maestro/internal/service/generate"
	"github.com/maestro-crm/maestro/internal/storage"
)

// Server is the Maestro HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Config holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): AuditWriter.
type Config struct {
	// Required dependencies.
	DB       *storage.DB
	JWTMgr   *auth.JWTManager
	GenSvc   *generate.Service
	ConvoSvc *conversation.Service
	Logger   *slog.Logger

	// Optional dependencies.
	AuditWriter *audit.Writer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	ServiceKeyHash      string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		GenSvc:              cfg.GenSvc,
		ConvoSvc:            cfg.ConvoSvc,
		AuditWriter:         cfg.AuditWriter,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		ServiceKeyHash:      cfg.ServiceKeyHash,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Token minting (no auth; the service key is the credential).
	mux.HandleFunc("POST /auth/token", h.HandleIssueToken)

	// Health (no auth).
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	// Generation endpoints. Rate limiting happens inside the orchestrator,
	// keyed on the resolved identity, so no HTTP-level limiter here.
	teacherUp := requireRole(model.RoleTeacher)
	adminOnly := requireRole(model.RoleAdmin)

	mux.Handle("POST /api/v1/ai/lesson-notes", teacherUp(http.HandlerFunc(h.HandleLessonNotes)))
	mux.Handle("POST /api/v1/ai/lesson-notes/stream", teacherUp(http.HandlerFunc(h.HandleLessonNotesStream)))
	mux.Handle("POST /api/v1/ai/assignment", teacherUp(http.HandlerFunc(h.HandleAssignment)))
	mux.Handle("POST /api/v1/ai/assignment/stream", teacherUp(http.HandlerFunc(h.HandleAssignmentStream)))
	mux.Handle("POST /api/v1/ai/email-draft", teacherUp(http.HandlerFunc(h.HandleEmailDraft)))
	mux.Handle("POST /api/v1/ai/email-draft/stream", teacherUp(http.HandlerFunc(h.HandleEmailDraftStream)))
	mux.Handle("POST /api/v1/ai/lesson-summary", teacherUp(http.HandlerFunc(h.HandleLessonSummary)))
	mux.Handle("POST /api/v1/ai/lesson-summary/stream", teacherUp(http.HandlerFunc(h.HandleLessonSummaryStream)))
	mux.Handle("POST /api/v1/ai/student-progress", teacherUp(http.HandlerFunc(h.HandleProgressInsights)))
	mux.Handle("POST /api/v1/ai/admin-insights", adminOnly(http.HandlerFunc(h.HandleAdminInsights)))

	// Chat is open to every authenticated role.
	mux.HandleFunc("POST /api/v1/ai/chat", h.HandleChat)
	mux.HandleFunc("POST /api/v1/ai/chat/stream", h.HandleChatStream)

	mux.HandleFunc("GET /api/v1/ai/models", h.HandleListModels)

	// Conversation store.
	mux.HandleFunc("POST /api/v1/conversations", h.HandleCreateConversation)
	mux.HandleFunc("GET /api/v1/conversations", h.HandleListConversations)
	mux.HandleFunc("GET /api/v1/conversations/{id}", h.HandleGetConversation)
	mux.HandleFunc("PATCH /api/v1/conversations/{id}", h.HandleUpdateConversation)
	mux.HandleFunc("DELETE /api/v1/conversations/{id}", h.HandleDeleteConversation)
	mux.HandleFunc("POST /api/v1/conversations/{id}/messages", h.HandleSaveMessages)

	// Usage accounting.
	mux.HandleFunc("GET /api/v1/usage", h.HandleUsage)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
