package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/moogar0880/problems"
)

// APIKeyAuth guards mutating requests with static API keys.
//
// When enabled (WARDEN_API_KEYS is set), every POST, PUT, PATCH or DELETE
// must carry a valid key via:
//   - Authorization: Bearer <key>
//   - X-API-Key: <key>
//
// Reads stay open so dashboards and the verify endpoint work without
// credentials. /health and /version are always public.
type APIKeyAuth struct {
	mu      sync.RWMutex
	keys    map[string]bool
	enabled bool
}

// NewAPIKeyAuth creates the middleware. An empty key list disables it.
func NewAPIKeyAuth(keys []string) *APIKeyAuth {
	auth := &APIKeyAuth{
		keys: make(map[string]bool),
	}
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key != "" {
			auth.keys[key] = true
			auth.enabled = true
		}
	}
	return auth
}

// Enabled returns whether API key auth is active.
func (a *APIKeyAuth) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// AddKey adds a new API key at runtime.
func (a *APIKeyAuth) AddKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[key] = true
	a.enabled = true
}

// RemoveKey removes an API key at runtime.
func (a *APIKeyAuth) RemoveKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.keys, key)
	if len(a.keys) == 0 {
		a.enabled = false
	}
}

// Middleware returns an http.Handler middleware that enforces API key auth.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() || !isMutating(r.Method) || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := extractAPIKey(r)
		if apiKey == "" {
			respondUnauthorized(w, r, "API key required. Set Authorization: Bearer <key> or X-API-Key header.")
			return
		}

		// Validate the key (constant-time comparison)
		if !a.validateKey(apiKey) {
			respondUnauthorized(w, r, "Invalid API key.")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *APIKeyAuth) validateKey(candidate string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for key := range a.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func isMutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func isPublicPath(path string) bool {
	return path == "/health" || path == "/version"
}

func respondUnauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	p := problems.NewStatusProblem(http.StatusUnauthorized).
		WithInstance(r.URL.Path).
		WithType("unauthorized").
		WithDetail(msg)
	w.Header().Set("Content-Type", problems.ProblemMediaType)
	w.Header().Set("WWW-Authenticate", `Bearer realm="warden"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(p)
}
