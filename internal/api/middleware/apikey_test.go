package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wardenhq/warden/control-plane/internal/api/middleware"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAPIKeyAuth_Disabled(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(nil)
	if auth.Enabled() {
		t.Error("Expected auth to be disabled with no keys")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/executions", nil)
	w := httptest.NewRecorder()
	auth.Middleware(okHandler()).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Disabled auth: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAPIKeyAuth_ValidKey(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"test-key-1", " test-key-2 ", ""})
	if !auth.Enabled() {
		t.Fatal("Expected auth to be enabled")
	}
	handler := auth.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/executions", nil)
	req.Header.Set("Authorization", "Bearer test-key-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Valid Bearer key: status = %d, want %d", w.Code, http.StatusOK)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/executions", nil)
	req2.Header.Set("X-API-Key", "test-key-2")
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Errorf("Valid X-API-Key: status = %d, want %d", w2.Code, http.StatusOK)
	}
}

func TestAPIKeyAuth_InvalidKey(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"valid-key"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/claim", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	w := httptest.NewRecorder()
	auth.Middleware(okHandler()).ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Invalid key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}
}

func TestAPIKeyAuth_MissingKey(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"valid-key"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/executions/abc/approve", nil)
	w := httptest.NewRecorder()
	auth.Middleware(okHandler()).ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Missing key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAPIKeyAuth_ReadsAndPublicPathsAreOpen(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"valid-key"})
	handler := auth.Middleware(okHandler())

	cases := []struct {
		method, path string
	}{
		{http.MethodGet, "/health"},
		{http.MethodGet, "/version"},
		{http.MethodGet, "/api/v1/audit/verify"},
		{http.MethodGet, "/api/v1/executions"},
		{http.MethodOptions, "/api/v1/executions"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("%s %s: status = %d, want %d", tc.method, tc.path, w.Code, http.StatusOK)
		}
	}
}

func TestAPIKeyAuth_AddRemoveKey(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(nil)
	if auth.Enabled() {
		t.Fatal("Should start disabled")
	}

	auth.AddKey("runtime-key")
	if !auth.Enabled() {
		t.Error("Should be enabled after AddKey")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", nil)
	req.Header.Set("X-API-Key", "runtime-key")
	w := httptest.NewRecorder()
	auth.Middleware(okHandler()).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Runtime key: status = %d, want %d", w.Code, http.StatusOK)
	}

	auth.RemoveKey("runtime-key")
	if auth.Enabled() {
		t.Error("Should be disabled after removing last key")
	}
}
