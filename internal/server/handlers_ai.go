package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/maestro-crm/maestro/internal/model"
	"github.com/maestro-crm/maestro/internal/service/generate"
)

// writeGeneration writes a completed generation result. Rate-limit denials
// become 429 with a Retry-After header; an unresolved identity becomes 401.
// Every other outcome, including provider failures with fallback content,
// is a 200 whose body carries the success flag.
func (h *Handlers) writeGeneration(w http.ResponseWriter, r *http.Request, out generate.Output) {
	if out.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(out.RetryAfter))
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, out.Error)
		return
	}
	if out.Unauthenticated {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthenticated, "authentication required")
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleLessonNotes handles POST /api/v1/ai/lesson-notes.
func (h *Handlers) HandleLessonNotes(w http.ResponseWriter, r *http.Request) {
	var in generate.LessonNotesInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	h.writeGeneration(w, r, h.genSvc.GenerateLessonNotes(r.Context(), in))
}

// HandleAssignment handles POST /api/v1/ai/assignment.
func (h *Handlers) HandleAssignment(w http.ResponseWriter, r *http.Request) {
	var in generate.AssignmentInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	h.writeGeneration(w, r, h.genSvc.GenerateAssignment(r.Context(), in))
}

// HandleEmailDraft handles POST /api/v1/ai/email-draft.
func (h *Handlers) HandleEmailDraft(w http.ResponseWriter, r *http.Request) {
	var in generate.EmailDraftInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	h.writeGeneration(w, r, h.genSvc.GenerateEmailDraft(r.Context(), in))
}

// HandleLessonSummary handles POST /api/v1/ai/lesson-summary.
func (h *Handlers) HandleLessonSummary(w http.ResponseWriter, r *http.Request) {
	var in generate.LessonSummaryInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	h.writeGeneration(w, r, h.genSvc.GenerateLessonSummary(r.Context(), in))
}

// HandleProgressInsights handles POST /api/v1/ai/student-progress.
func (h *Handlers) HandleProgressInsights(w http.ResponseWriter, r *http.Request) {
	var in generate.ProgressInsightsInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	h.writeGeneration(w, r, h.genSvc.GenerateProgressInsights(r.Context(), in))
}

// HandleAdminInsights handles POST /api/v1/ai/admin-insights.
func (h *Handlers) HandleAdminInsights(w http.ResponseWriter, r *http.Request) {
	var in generate.AdminInsightsInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	h.writeGeneration(w, r, h.genSvc.GenerateAdminInsights(r.Context(), in))
}

// HandleChat handles POST /api/v1/ai/chat.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	var in generate.ChatInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if in.Message == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "message is required")
		return
	}

	out := h.genSvc.Chat(r.Context(), in)
	if out.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(out.RetryAfter))
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, out.Error)
		return
	}
	if out.Unauthenticated {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthenticated, "authentication required")
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleChatStream handles POST /api/v1/ai/chat/stream. The reply is
// delivered as SSE events of growing content prefixes, then a metadata
// event, then [DONE].
func (h *Handlers) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	var in generate.ChatInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if in.Message == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "message is required")
		return
	}

	ch, out, err := h.genSvc.ChatStream(r.Context(), in)
	if err != nil {
		h.writeGeneration(w, r, out.Output)
		return
	}

	final := map[string]any{
		"done":       true,
		"modelId":    out.ModelID,
		"tokensUsed": out.TokensUsed,
	}
	h.streamSSE(w, r, ch, final)
}

// streamGeneration decodes the request body, runs the generation, and
// frames a successful result as SSE chunks. Failures are written as the
// normal JSON result instead of a stream.
func (h *Handlers) streamGeneration(w http.ResponseWriter, r *http.Request, run func() generate.Output, in any) {
	if err := decodeJSON(w, r, in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	out := run()
	if !out.Success {
		h.writeGeneration(w, r, out)
		return
	}
	h.streamSSE(w, r, h.genSvc.Stream(r.Context(), out.Content), nil)
}

// HandleLessonNotesStream handles POST /api/v1/ai/lesson-notes/stream.
func (h *Handlers) HandleLessonNotesStream(w http.ResponseWriter, r *http.Request) {
	var in generate.LessonNotesInput
	h.streamGeneration(w, r, func() generate.Output {
		return h.genSvc.GenerateLessonNotes(r.Context(), in)
	}, &in)
}

// HandleAssignmentStream handles POST /api/v1/ai/assignment/stream.
func (h *Handlers) HandleAssignmentStream(w http.ResponseWriter, r *http.Request) {
	var in generate.AssignmentInput
	h.streamGeneration(w, r, func() generate.Output {
		return h.genSvc.GenerateAssignment(r.Context(), in)
	}, &in)
}

// HandleEmailDraftStream handles POST /api/v1/ai/email-draft/stream.
func (h *Handlers) HandleEmailDraftStream(w http.ResponseWriter, r *http.Request) {
	var in generate.EmailDraftInput
	h.streamGeneration(w, r, func() generate.Output {
		return h.genSvc.GenerateEmailDraft(r.Context(), in)
	}, &in)
}

// HandleLessonSummaryStream handles POST /api/v1/ai/lesson-summary/stream.
func (h *Handlers) HandleLessonSummaryStream(w http.ResponseWriter, r *http.Request) {
	var in generate.LessonSummaryInput
	h.streamGeneration(w, r, func() generate.Output {
		return h.genSvc.GenerateLessonSummary(r.Context(), in)
	}, &in)
}

// streamSSE writes content chunks as SSE data events, an optional final
// metadata event, and a terminating [DONE] marker.
func (h *Handlers) streamSSE(w http.ResponseWriter, r *http.Request, ch <-chan string, final map[string]any) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived response.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	for chunk := range ch {
		payload, err := json.Marshal(map[string]string{"content": chunk})
		if err != nil {
			return
		}
		if _, err := w.Write(append(append([]byte("data: "), payload...), '\n', '\n')); err != nil {
			return
		}
		flusher.Flush()
	}

	if final != nil {
		if payload, err := json.Marshal(final); err == nil {
			if _, err := w.Write(append(append([]byte("data: "), payload...), '\n', '\n')); err != nil {
				return
			}
			flusher.Flush()
		}
	}

	if _, err := w.Write([]byte("data: [DONE]\n\n")); err != nil {
		return
	}
	flusher.Flush()
}
