package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-trip-collab/pkg/jwt"
)

func newRouter(t *testing.T) (*gin.Engine, *jwt.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := jwt.NewManager("secret", "", time.Hour)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/me", NewAuthMiddleware(m).RequireAuth(), func(c *gin.Context) {
		c.String(http.StatusOK, GetUserID(c)+"/"+GetUsername(c))
	})
	return r, m
}

func TestRequireAuth(t *testing.T) {
	r, m := newRouter(t)
	token, _, err := m.GenerateAccessToken("u1", "Alice", "")
	require.NoError(t, err)

	tests := []struct {
		name     string
		header   string
		wantCode int
		wantBody string
	}{
		{"valid", "Bearer " + token, http.StatusOK, "u1/Alice"},
		{"missing", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, ""},
		{"bad token", "Bearer nope", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set(AuthHeaderKey, tt.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer  abc ")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	_, ok = BearerToken("Bearer ")
	assert.False(t, ok)
}
