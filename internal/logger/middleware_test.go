package logger

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func captureDefault(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := slog.Default()
	slog.SetDefault(NewWithWriter(&buf, "production", "debug"))
	t.Cleanup(func() { slog.SetDefault(old) })
	return &buf
}

func TestRequestID_GeneratesUUID(t *testing.T) {
	captureDefault(t)

	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Len(t, seen, 36, "Request ID should be valid UUID length")
	assert.Equal(t, seen, w.Header().Get(RequestIDHeader))
}

func TestRequestID_RespectsExistingHeader(t *testing.T) {
	captureDefault(t)

	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "custom-request-id-12345", RequestIDFromContext(r.Context()))
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(RequestIDHeader, "custom-request-id-12345")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, "custom-request-id-12345", w.Header().Get(RequestIDHeader))
}

func TestRequestLogger_LogsCompletionWithRequestID(t *testing.T) {
	buf := captureDefault(t)

	handler := RequestID(RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/initialize", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	output := buf.String()
	assert.Contains(t, output, `"msg":"HTTP request completed"`)
	assert.Contains(t, output, `"request_id":"req-42"`)
	assert.Contains(t, output, `"http.status":201`)
	assert.Contains(t, output, `"http.bytes":7`)
}

func TestRequestLogger_LevelFollowsStatus(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		level      string
	}{
		{"ok is info", http.StatusOK, `"level":"INFO"`},
		{"client error is warn", http.StatusConflict, `"level":"WARN"`},
		{"server error is error", http.StatusInternalServerError, `"level":"ERROR"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureDefault(t)

			handler := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

			assert.Equal(t, tt.statusCode, w.Code)
			assert.Contains(t, buf.String(), tt.level)
		})
	}
}

func TestRequestLogger_DefaultStatusOK(t *testing.T) {
	buf := captureDefault(t)

	handler := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, buf.String(), `"http.status":200`)
}
