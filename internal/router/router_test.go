package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify-engine/internal/handler/health"
	"github.com/jwalitptl/notify-engine/internal/middleware"
	"github.com/jwalitptl/notify-engine/pkg/auth"
)

type pingRoutes struct{}

func (pingRoutes) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
}

func newTestRouter(t *testing.T, limit int) (*Router, *auth.JWTService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	jwtSvc := auth.NewJWTService("router-secret", "", time.Hour)
	r, err := NewRouter(middleware.NewAuthMiddleware(jwtSvc), Handlers{
		Health:        health.NewHandler(nil),
		Notifications: pingRoutes{},
	}, RouterConfig{
		RateLimit:  middleware.RateLimitConfig{Limit: limit, Window: time.Minute},
		CORSConfig: middleware.DefaultCORSConfig(),
		Registry:   prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	r.Setup()
	return r, jwtSvc
}

func serve(r *Router, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.Engine().ServeHTTP(w, req)
	return w
}

func TestPublicRoutes(t *testing.T) {
	r, _ := newTestRouter(t, 10)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderXRequestID))

	w = serve(r, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "notify_http_requests_total"))
}

func TestAPIRequiresAuthAndRateLimits(t *testing.T) {
	r, jwtSvc := newTestRouter(t, 2)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := jwtSvc.GenerateToken("user-1", auth.ScopePublish)
	require.NoError(t, err)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		codes = append(codes, serve(r, req).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
