package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentnet/internal/ctxkeys"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	SecurityHeaders()(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'none'", w.Header().Get("Content-Security-Policy"))
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	var seen string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ctxkeys.RequestID(r.Context())
	}), SecurityHeaders(), RequestID())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "client-42")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, "client-42", seen)
	assert.Equal(t, "client-42", w.Header().Get("X-Request-ID"))
}

func TestRecovery(t *testing.T) {
	t.Parallel()

	h := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"/health":                                  "/health",
		"/api/v1/workflows":                        "/api/v1/workflows",
		"/api/v1/workflows/order-flow":             "/api/v1/workflows/:id",
		"/api/v1/workflows/order-flow/execute":     "/api/v1/workflows/:id/execute",
		"/api/v1/executions/3f2a9c1e/progress":     "/api/v1/executions/:id/progress",
		"/api/v1/agents/executions/metrics":        "/api/v1/agents/:id/metrics",
		"/api/v1/network/status":                   "/api/v1/network/status",
		"/api/v1/events/ws":                        "/api/v1/events/ws",
		"/other/workflows/x":                       "/other/workflows/x",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePath(in), in)
	}
}

type httpRecord struct {
	method, path string
	status       int
	respSize     int64
}

type fakeHTTPMetrics struct {
	mu      sync.Mutex
	records []httpRecord
}

func (f *fakeHTTPMetrics) RecordHTTPRequest(method, path string, status int, _ time.Duration, _, respSize int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, httpRecord{method, path, status, respSize})
}

func TestMetricsMiddleware(t *testing.T) {
	t.Parallel()

	m := &fakeHTTPMetrics{}
	h := MetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("12345"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/workflows/wf-1/execute", nil))

	require.Len(t, m.records, 1)
	assert.Equal(t, httpRecord{http.MethodPost, "/api/v1/workflows/:id/execute", http.StatusAccepted, 5}, m.records[0])
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := RateLimiter(ctx, 0.001, 1, zap.NewNop())(okHandler())

	do := func(remote string) int {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = remote
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, do("10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:1001"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1000"), "limits are per IP")
}

func TestCORS(t *testing.T) {
	t.Parallel()

	h := CORS([]string{"https://console.example.com"})(okHandler())

	r := httptest.NewRequest(http.MethodOptions, "/api/v1/workflows", nil)
	r.Header.Set("Origin", "https://console.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://console.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest(http.MethodOptions, "/api/v1/workflows", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil))
	assert.Equal(t, http.StatusOK, w.Code, "same-origin requests pass through")
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestJWTAuth(t *testing.T) {
	t.Parallel()

	const secret = "test-secret"
	var user string
	h := JWTAuth(secret, skipAuthPaths, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ = ctxkeys.UserID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name     string
		path     string
		header   string
		wantCode int
		wantUser string
	}{
		{name: "health is open", path: "/health", wantCode: http.StatusOK},
		{name: "missing token", path: "/api/v1/workflows", wantCode: http.StatusUnauthorized},
		{name: "wrong scheme", path: "/api/v1/workflows", header: "Basic abc", wantCode: http.StatusUnauthorized},
		{
			name:     "user_id claim",
			path:     "/api/v1/workflows",
			header:   "Bearer " + signToken(t, secret, jwt.MapClaims{"user_id": "alice", "exp": exp}),
			wantCode: http.StatusOK,
			wantUser: "alice",
		},
		{
			name:     "sub fallback",
			path:     "/api/v1/workflows",
			header:   "Bearer " + signToken(t, secret, jwt.MapClaims{"sub": "bob", "exp": exp}),
			wantCode: http.StatusOK,
			wantUser: "bob",
		},
		{
			name:     "wrong secret",
			path:     "/api/v1/workflows",
			header:   "Bearer " + signToken(t, "other", jwt.MapClaims{"sub": "bob", "exp": exp}),
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "expired",
			path:     "/api/v1/workflows",
			header:   "Bearer " + signToken(t, secret, jwt.MapClaims{"sub": "bob", "exp": time.Now().Add(-time.Minute).Unix()}),
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "no expiry",
			path:     "/api/v1/workflows",
			header:   "Bearer " + signToken(t, secret, jwt.MapClaims{"sub": "bob"}),
			wantCode: http.StatusUnauthorized,
		},
	}

	// 子测试共享 user 变量，按顺序执行
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user = ""
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantUser, user)
		})
	}
}

func TestJWTAuth_EventStreamQueryToken(t *testing.T) {
	t.Parallel()

	const secret = "test-secret"
	h := JWTAuth(secret, skipAuthPaths, zap.NewNop())(okHandler())
	token := signToken(t, secret, jwt.MapClaims{"sub": "carol", "exp": time.Now().Add(time.Hour).Unix()})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/events/ws?access_token="+token, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/workflows?access_token="+token, nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code, "query tokens only work for the event stream")
}
