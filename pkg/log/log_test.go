package log

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}

func TestNew_ServiceField(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "info", ServiceName: "collab-service", Output: &buf})
	l.Info().Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "collab-service", line[FieldService])
	assert.Equal(t, "hello", line["message"])
}

func TestCtx_FallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf})
	ctx := WithSession(WithLogger(context.Background(), l), "s1", "u1")

	got := Ctx(ctx)
	got.Info().Msg("scoped")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "s1", line[FieldSessionID])
	assert.Equal(t, "u1", line[FieldUserID])
}

func TestHTTPMiddleware_RequestID(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf})

	h := HTTPMiddleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(headerRequestID, "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-1", rec.Header().Get(headerRequestID))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req-1", line[FieldRequestID])
	assert.EqualValues(t, http.StatusTeapot, line[FieldStatus])
	assert.Equal(t, "request completed", line["message"])
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", ClientIP(req))

	req.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "10.0.0.3, 10.0.0.4")
	assert.Equal(t, "10.0.0.3", ClientIP(req))
}
