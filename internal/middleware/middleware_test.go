package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/khatwa/khatwa-backend/internal/model"
	"github.com/khatwa/khatwa-backend/internal/response"
	"github.com/khatwa/khatwa-backend/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubValidator map[string]*service.Claims

func (s stubValidator) ValidateToken(tok string) (*service.Claims, error) {
	if tok == "expired" {
		return nil, jwt.ErrTokenExpired
	}
	if c, ok := s[tok]; ok {
		return c, nil
	}
	return nil, errors.New("bad token")
}

var tokens = stubValidator{
	"student":    {UserID: 1, Role: model.RoleStudent},
	"instructor": {UserID: 2, Role: model.RoleInstructor},
}

func init() {
	gin.SetMode(gin.TestMode)
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) response.ErrorBody {
	t.Helper()
	var resp response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	return *resp.Error
}

func TestRequireAuth(t *testing.T) {
	r := gin.New()
	r.GET("/me", RequireAuth(tokens), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": GetClaims(c).UserID})
	})

	tests := []struct {
		name   string
		header string
		status int
		code   response.ErrCode
	}{
		{"missing token", "", http.StatusUnauthorized, response.ErrLoginRequired},
		{"malformed header", "Token student", http.StatusUnauthorized, response.ErrLoginRequired},
		{"unknown token", "Bearer nope", http.StatusUnauthorized, response.ErrTokenInvalid},
		{"expired token", "Bearer expired", http.StatusUnauthorized, response.ErrTokenExpired},
		{"valid token", "Bearer student", http.StatusOK, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tc.status, w.Code)
			if tc.code != "" {
				body := errorCode(t, w)
				assert.Equal(t, tc.code, body.Code)
				assert.Equal(t, "unauthenticated", body.Kind)
			}
		})
	}
}

func TestRequireWSAuthUsesQuery(t *testing.T) {
	r := gin.New()
	r.GET("/ws", RequireWSAuth(tokens), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?token=student", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRole(t *testing.T) {
	r := gin.New()
	r.GET("/exam", RequireAuth(tokens), RequireRole(model.RoleStudent), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/exam", nil)
	req.Header.Set("Authorization", "Bearer instructor")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, response.ErrStudentAccessOnly, errorCode(t, w).Code)

	req = httptest.NewRequest(http.MethodGet, "/exam", nil)
	req.Header.Set("Authorization", "Bearer student")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRateLimiterPerUser(t *testing.T) {
	rl := NewRateLimiter(2, time.Hour)
	r := gin.New()
	r.POST("/copy", RequireAuth(tokens), rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusAccepted) })

	send := func(tok string) int {
		req := httptest.NewRequest(http.MethodPost, "/copy", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusAccepted, send("student"))
	assert.Equal(t, http.StatusAccepted, send("student"))
	assert.Equal(t, http.StatusTooManyRequests, send("student"))
	assert.Equal(t, http.StatusAccepted, send("instructor"), "buckets are per user")
}

func TestNoStore(t *testing.T) {
	r := gin.New()
	r.GET("/storage", NoStore(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/storage", nil))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestBrotliCompressesLargeBodies(t *testing.T) {
	payload := strings.Repeat("مساحة التخزين ", 500)

	r := gin.New()
	r.Use(Brotli())
	r.GET("/big", func(c *gin.Context) { c.String(http.StatusOK, payload) })
	r.GET("/small", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/big", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, "br", w.Header().Get("Content-Encoding"))
	decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(w.Body.Bytes())))
	require.NoError(t, err)
	assert.Equal(t, payload, string(decoded))

	req = httptest.NewRequest(http.MethodGet, "/small", nil)
	req.Header.Set("Accept-Encoding", "br")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Equal(t, "ok", w.Body.String())
}

func TestBrotliSkipsPrecompressedContent(t *testing.T) {
	blob := bytes.Repeat([]byte{0x25, 0x50, 0x44, 0x46}, 1024)

	r := gin.New()
	r.Use(Brotli())
	r.GET("/doc", func(c *gin.Context) { c.Data(http.StatusOK, "application/pdf", blob) })

	req := httptest.NewRequest(http.MethodGet, "/doc", nil)
	req.Header.Set("Accept-Encoding", "br;q=1.0")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Equal(t, blob, w.Body.Bytes())
}

func TestPrivateCacheOverridesGroupDefault(t *testing.T) {
	r := gin.New()
	g := r.Group("/exam", NoStore())
	g.GET("/paper", PrivateCache(300), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/exam/paper", nil))
	assert.Equal(t, "private, max-age=300", w.Header().Get("Cache-Control"))
}
