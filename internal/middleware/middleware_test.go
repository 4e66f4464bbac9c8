package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify-engine/internal/repository"
	"github.com/jwalitptl/notify-engine/pkg/auth"
	apperrors "github.com/jwalitptl/notify-engine/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(RequestID())
	r.Use(handlers...)
	r.Any("/*path", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString(ContextUserID)})
	})
	return r
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequestIDPropagates(t *testing.T) {
	r := newEngine()

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderXRequestID, "abc-123")
	w := serve(r, req)
	assert.Equal(t, "abc-123", w.Header().Get(HeaderXRequestID))

	w = serve(r, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.NotEmpty(t, w.Header().Get(HeaderXRequestID))
}

func TestAuthenticate(t *testing.T) {
	jwtSvc := auth.NewJWTService("secret", "notify-engine", time.Hour)
	token, err := jwtSvc.GenerateToken("user-1", auth.ScopePublish)
	require.NoError(t, err)

	m := NewAuthMiddleware(jwtSvc)
	r := newEngine(m.Authenticate())

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := serve(r, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Contains(t, w.Body.String(), "user-1")
			}
		})
	}
}

func TestAuthenticateWebSocketAcceptsQueryToken(t *testing.T) {
	jwtSvc := auth.NewJWTService("secret", "", time.Hour)
	token, err := jwtSvc.GenerateToken("user-2", auth.ScopeSubscribe)
	require.NoError(t, err)

	m := NewAuthMiddleware(jwtSvc)

	w := serve(newEngine(m.AuthenticateWebSocket()), httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(newEngine(m.Authenticate()), httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireScope(t *testing.T) {
	jwtSvc := auth.NewJWTService("secret", "", time.Hour)
	readOnly, err := jwtSvc.GenerateToken("user-1", auth.ScopeRead)
	require.NoError(t, err)
	publisher, err := jwtSvc.GenerateToken("svc", auth.ScopePublish)
	require.NoError(t, err)

	m := NewAuthMiddleware(jwtSvc)
	r := newEngine(m.Authenticate(), m.RequireScope(auth.ScopePublish))

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+readOnly)
	assert.Equal(t, http.StatusForbidden, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+publisher)
	assert.Equal(t, http.StatusOK, serve(r, req).Code)
}

func TestRateLimiterAllowsLimitPlusBurst(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Limit: 2, Burst: 1, Window: time.Minute})

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("k"), "request %d", i)
	}
	assert.False(t, rl.Allow("k"))
	assert.True(t, rl.Allow("other"))
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Limit: 1, Window: time.Minute})
	r := newEngine(rl.RateLimit())

	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/x", nil)).Code)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}

func TestCORS(t *testing.T) {
	cfg := DefaultCORSConfig()
	cfg.AllowOrigins = []string{"https://app.example.com"}
	r := newEngine(CORS(cfg))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/notifications", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := serve(r, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/notifications", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	assert.Equal(t, http.StatusForbidden, serve(r, req).Code)
}

func TestSizeLimit(t *testing.T) {
	r := newEngine(SizeLimit(SizeLimitConfig{MaxBodySize: 8}))

	w := serve(r, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = serve(r, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("small")))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTimeoutSetsDeadline(t *testing.T) {
	r := gin.New()
	r.Use(Timeout(TimeoutConfig{Duration: time.Second}))
	r.GET("/x", func(c *gin.Context) {
		_, ok := c.Request.Context().Deadline()
		c.JSON(http.StatusOK, gin.H{"deadline": ok})
	})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.JSONEq(t, `{"deadline":true}`, w.Body.String())
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), Recovery())
	r.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "trace_id")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", apperrors.Validation("userId", "is required"), http.StatusBadRequest},
		{"not found", fmt.Errorf("lookup: %w", repository.ErrNotFound), http.StatusNotFound},
		{"app bad request", apperrors.BadRequest("bad body", errors.New("eof")), http.StatusBadRequest},
		{"app forbidden", apperrors.Forbidden("nope"), http.StatusForbidden},
		{"broker", apperrors.BrokerUnavailable(errors.New("closed")), http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := StatusFor(tt.err)
			assert.Equal(t, tt.status, status)
		})
	}

	_, msg := StatusFor(apperrors.Internal(errors.New("db password leaked")))
	assert.Equal(t, "internal server error", msg)
}

func TestErrorHandlerRendersLastError(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), ErrorHandler())
	r.GET("/x", func(c *gin.Context) {
		_ = c.Error(repository.ErrNotFound)
	})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"code":404`)
}

type bindTarget struct {
	Type     string `json:"type" binding:"required,notification_type"`
	Priority string `json:"priority" binding:"omitempty,priority"`
}

func TestValidationRendersFieldErrors(t *testing.T) {
	cfg := DefaultValidationConfig()
	require.NoError(t, RegisterValidators(cfg))

	r := gin.New()
	r.Use(RequestID(), ErrorHandler(), Validation(cfg))
	r.POST("/x", func(c *gin.Context) {
		var body bindTarget
		if err := c.ShouldBindJSON(&body); err != nil {
			_ = c.Error(err)
			return
		}
		c.Status(http.StatusAccepted)
	})

	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"type":"NOPE","priority":"URGENT"}`))
	req.Header.Set("Content-Type", "application/json")
	w := serve(r, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"field":"type"`)
	assert.Contains(t, w.Body.String(), "Unknown notification type")

	req = httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"type":"MENTION"}`))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusAccepted, serve(r, req).Code)
}
