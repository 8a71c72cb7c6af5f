package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/maestro-crm/maestro/internal/auth"
	"github.com/maestro-crm/maestro/internal/model"
	"github.com/maestro-crm/maestro/internal/service/generate"
	"github.com/maestro-crm/maestro/internal/storage"
)

func TestRequireRoleOrdering(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := requireRole(model.RoleTeacher)(inner)

	cases := []struct {
		role model.Role
		want int
	}{
		{model.RoleAdmin, http.StatusOK},
		{model.RoleTeacher, http.StatusOK},
		{model.RoleStudent, http.StatusForbidden},
		{model.RoleAnonymous, http.StatusForbidden},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/x", nil)
		req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{
			ID:   uuid.New(),
			Role: tc.role,
		}))
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("role %s: got %d, want %d", tc.role, rec.Code, tc.want)
		}
	}
}

func TestRequireRoleWithoutIdentity(t *testing.T) {
	handler := requireRole(model.RoleStudent)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/x", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("got %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRespondErrorMapping(t *testing.T) {
	cases := []struct {
		err      error
		wantCode int
		wantAPI  model.ErrorCode
	}{
		{auth.ErrUnauthenticated, http.StatusUnauthorized, model.ErrCodeUnauthenticated},
		{auth.ErrForbidden, http.StatusForbidden, model.ErrCodeForbidden},
		{storage.ErrNotFound, http.StatusNotFound, model.ErrCodeNotFound},
		{fmt.Errorf("wrapped: %w", storage.ErrNotFound), http.StatusNotFound, model.ErrCodeNotFound},
		{fmt.Errorf("pool exhausted"), http.StatusInternalServerError, model.ErrCodeInternal},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		respondError(rec, httptest.NewRequest("GET", "/x", nil), tc.err)
		if rec.Code != tc.wantCode {
			t.Errorf("%v: got status %d, want %d", tc.err, rec.Code, tc.wantCode)
		}

		var body model.APIError
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%v: invalid body: %v", tc.err, err)
		}
		if body.Error.Code != tc.wantAPI {
			t.Errorf("%v: got code %s, want %s", tc.err, body.Error.Code, tc.wantAPI)
		}
	}
}

func TestWriteGenerationMapsDenials(t *testing.T) {
	h := &Handlers{}

	// Unresolved identity maps to 401 regardless of the message text.
	rec := httptest.NewRecorder()
	h.writeGeneration(rec, httptest.NewRequest("POST", "/x", nil), generate.Output{
		Success:         false,
		Error:           "session: verify token: token is expired",
		Unauthenticated: true,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("got %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	var body model.APIError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if body.Error.Code != model.ErrCodeUnauthenticated {
		t.Errorf("got code %s, want %s", body.Error.Code, model.ErrCodeUnauthenticated)
	}

	// Rate-limit denials map to 429 with the retry hint.
	rec = httptest.NewRecorder()
	h.writeGeneration(rec, httptest.NewRequest("POST", "/x", nil), generate.Output{
		Success:    false,
		Error:      "Rate limit exceeded. Please try again in 7 seconds.",
		RetryAfter: 7,
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("got %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if got := rec.Header().Get("Retry-After"); got != "7" {
		t.Errorf("got Retry-After %q, want %q", got, "7")
	}
}
