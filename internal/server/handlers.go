package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-crm/maestro/internal/audit"
	"github.com/maestro-crm/maestro/internal/auth"
	"github.com/maestro-crm/maestro/internal/model"
	"github.com/maestro-crm/maestro/internal/service/conversation"
	"github.com/maestro-crm/maestro/internal/service/generate"
	"github.com/maestro-crm/maestro/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	genSvc              *generate.Service
	convoSvc            *conversation.Service
	auditWriter         *audit.Writer
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	serviceKeyHash      string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): AuditWriter.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	GenSvc              *generate.Service
	ConvoSvc            *conversation.Service
	AuditWriter         *audit.Writer
	Logger              *slog.Logger
	Version             string
	ServiceKeyHash      string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		genSvc:              d.GenSvc,
		convoSvc:            d.ConvoSvc,
		auditWriter:         d.AuditWriter,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		serviceKeyHash:      d.ServiceKeyHash,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// tokenRequest is the payload the CRM backend sends to mint a user token.
type tokenRequest struct {
	ServiceKey string     `json:"serviceKey"`
	UserID     uuid.UUID  `json:"userId"`
	Role       model.Role `json:"role"`
	Email      string     `json:"email"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HandleIssueToken handles POST /auth/token. The CRM backend authenticates
// with the shared service key and receives a user-scoped JWT for the
// session it is proxying.
func (h *Handlers) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	if h.serviceKeyHash == "" {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "token endpoint disabled")
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	valid, err := auth.VerifyServiceKey(req.ServiceKey, h.serviceKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthenticated, "invalid service key")
		return
	}
	if req.UserID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "userId is required")
		return
	}
	if !model.KnownRole(req.Role) {
		req.Role = model.RoleAnonymous
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.UserID, req.Role, req.Email)
	if err != nil {
		h.logger.Error("issue token failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to issue token")
		return
	}

	writeJSON(w, r, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}

// healthResponse reports process and dependency health.
type healthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	Postgres         string `json:"postgres"`
	AuditBufferDepth int    `json:"audit_buffer_depth"`
	AuditDropped     int64  `json:"audit_dropped"`
	Uptime           int64  `json:"uptime_seconds"`
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := healthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	if h.auditWriter != nil {
		resp.AuditBufferDepth = h.auditWriter.Len()
		resp.AuditDropped = h.auditWriter.Dropped()
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleListModels handles GET /api/v1/ai/models.
func (h *Handlers) HandleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.genSvc.AvailableModels(r.Context())
	if err != nil {
		h.logger.Error("list models failed", "error", err)
		writeError(w, r, http.StatusBadGateway, model.ErrCodeInternal, "provider unavailable")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"models": models})
}

// createConversationRequest is the payload for POST /api/v1/conversations.
type createConversationRequest struct {
	Title       *string            `json:"title,omitempty"`
	ModelID     string             `json:"modelId"`
	ContextType *model.ContextType `json:"contextType,omitempty"`
	ContextID   *uuid.UUID         `json:"contextId,omitempty"`
}

// HandleCreateConversation handles POST /api/v1/conversations.
func (h *Handlers) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ContextType != nil {
		switch *req.ContextType {
		case model.ContextGeneral, model.ContextLesson, model.ContextStudent, model.ContextSong, model.ContextBusiness:
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "unknown contextType")
			return
		}
	}

	c, err := h.convoSvc.Create(r.Context(), conversation.CreateParams{
		Title:       req.Title,
		ModelID:     req.ModelID,
		ContextType: req.ContextType,
		ContextID:   req.ContextID,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, c)
}

// HandleListConversations handles GET /api/v1/conversations.
// Query params: archived (true/false), contextType, page, pageSize.
func (h *Handlers) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := conversation.ListParams{}

	if v := q.Get("archived"); v != "" {
		archived, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "archived must be true or false")
			return
		}
		p.IsArchived = &archived
	}
	if v := q.Get("contextType"); v != "" {
		ct := model.ContextType(v)
		p.ContextType = &ct
	}
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			p.Page = n
		}
	}
	if v := q.Get("pageSize"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.PageSize = n
		}
	}

	convos, total, err := h.convoSvc.List(r.Context(), p)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"conversations": convos,
		"total":         total,
	})
}

// HandleGetConversation handles GET /api/v1/conversations/{id}.
func (h *Handlers) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid conversation id")
		return
	}

	c, err := h.convoSvc.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

// updateConversationRequest is the payload for PATCH /api/v1/conversations/{id}.
// Absent fields are left untouched.
type updateConversationRequest struct {
	Title      *string `json:"title,omitempty"`
	IsArchived *bool   `json:"isArchived,omitempty"`
}

// HandleUpdateConversation handles PATCH /api/v1/conversations/{id}.
func (h *Handlers) HandleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid conversation id")
		return
	}

	var req updateConversationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Title == nil && req.IsArchived == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "nothing to update")
		return
	}

	if req.Title != nil {
		if err := h.convoSvc.UpdateTitle(r.Context(), id, *req.Title); err != nil {
			respondError(w, r, err)
			return
		}
	}
	if req.IsArchived != nil {
		if err := h.convoSvc.Archive(r.Context(), id, *req.IsArchived); err != nil {
			respondError(w, r, err)
			return
		}
	}

	c, err := h.convoSvc.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, c.Conversation)
}

// HandleDeleteConversation handles DELETE /api/v1/conversations/{id}.
func (h *Handlers) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid conversation id")
		return
	}

	if err := h.convoSvc.Delete(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"deleted": true})
}

// saveMessagesRequest is the payload for POST /api/v1/conversations/{id}/messages.
type saveMessagesRequest struct {
	UserMessage      string `json:"userMessage"`
	AssistantMessage string `json:"assistantMessage"`
	ModelID          string `json:"modelId"`
	TokensUsed       *int   `json:"tokensUsed,omitempty"`
	LatencyMs        *int   `json:"latencyMs,omitempty"`
}

// HandleSaveMessages handles POST /api/v1/conversations/{id}/messages.
// Persists one user/assistant exchange as an atomic pair.
func (h *Handlers) HandleSaveMessages(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid conversation id")
		return
	}

	var req saveMessagesRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.UserMessage == "" || req.AssistantMessage == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "userMessage and assistantMessage are required")
		return
	}

	err = h.convoSvc.SaveMessages(r.Context(), conversation.SaveMessagesParams{
		ConversationID:   id,
		UserMessage:      req.UserMessage,
		AssistantMessage: req.AssistantMessage,
		ModelID:          req.ModelID,
		TokensUsed:       req.TokensUsed,
		LatencyMs:        req.LatencyMs,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, map[string]any{"saved": true})
}

// HandleUsage handles GET /api/v1/usage?from=YYYY-MM-DD&to=YYYY-MM-DD.
// Defaults to the last 30 days.
func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30)
	to := now

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "from must be YYYY-MM-DD")
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "to must be YYYY-MM-DD")
			return
		}
		to = t
	}

	stats, err := h.convoSvc.Usage(r.Context(), from, to)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"usage": stats})
}
