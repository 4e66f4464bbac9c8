package router

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jwalitptl/notify-engine/internal/handler"
	"github.com/jwalitptl/notify-engine/internal/middleware"
)

type Router struct {
	engine  *gin.Engine
	auth    *middleware.AuthMiddleware
	limiter *middleware.RateLimiter
	metrics *routerMetrics
	config  RouterConfig

	health        handler.RouteRegistrar
	notifications handler.RouteRegistrar
	socket        gin.HandlerFunc
}

type routerMetrics struct {
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
}

type RouterConfig struct {
	RateLimit     middleware.RateLimitConfig
	CORSConfig    middleware.CORSConfig
	Timeout       time.Duration
	MaxBodySize   int64
	MetricsPrefix string
	// Registry receives the HTTP metrics and is served at /metrics. Nil
	// uses the default registry.
	Registry *prometheus.Registry
}

type Handlers struct {
	Health        handler.RouteRegistrar
	Notifications handler.RouteRegistrar
	Socket        gin.HandlerFunc
}

func NewRouter(auth *middleware.AuthMiddleware, handlers Handlers, config RouterConfig) (*Router, error) {
	if err := middleware.RegisterValidators(middleware.DefaultValidationConfig()); err != nil {
		return nil, fmt.Errorf("failed to register validators: %w", err)
	}
	if config.MetricsPrefix == "" {
		config.MetricsPrefix = "notify_http"
	}

	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	if config.Registry != nil {
		reg = config.Registry
	}

	r := &Router{
		engine:        gin.New(),
		auth:          auth,
		limiter:       middleware.NewRateLimiter(config.RateLimit),
		metrics:       initRouterMetrics(reg, config.MetricsPrefix),
		config:        config,
		health:        handlers.Health,
		notifications: handlers.Notifications,
		socket:        handlers.Socket,
	}

	sizeLimit := middleware.DefaultSizeLimitConfig()
	if config.MaxBodySize > 0 {
		sizeLimit.MaxBodySize = config.MaxBodySize
	}
	timeout := middleware.DefaultTimeoutConfig()
	if config.Timeout > 0 {
		timeout.Duration = config.Timeout
	}

	r.engine.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.Logger(),
		r.metricsMiddleware(),
		middleware.CORS(config.CORSConfig),
		middleware.SizeLimit(sizeLimit),
		middleware.Timeout(timeout),
		middleware.ErrorHandler(),
		middleware.Validation(middleware.DefaultValidationConfig()),
	)

	return r, nil
}

func (r *Router) Setup() {
	if r.health != nil {
		r.health.RegisterRoutes(&r.engine.RouterGroup)
	}
	var gatherer prometheus.Gatherer
	if r.config.Registry != nil {
		gatherer = r.config.Registry
	}
	r.engine.GET("/metrics", handler.MetricsHandler(gatherer))

	if r.socket != nil {
		r.engine.GET("/ws", r.auth.AuthenticateWebSocket(), r.socket)
	}

	api := r.engine.Group("/api/v1")
	api.Use(
		r.auth.Authenticate(),
		r.limiter.RateLimit(),
	)
	if r.notifications != nil {
		r.notifications.RegisterRoutes(api)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func initRouterMetrics(reg prometheus.Registerer, prefix string) *routerMetrics {
	f := promauto.With(reg)
	return &routerMetrics{
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: prefix + "_request_duration_seconds",
				Help: "Duration of HTTP requests in seconds",
			},
			[]string{"method", "path", "status"},
		),
		requestTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
	}
}

func (r *Router) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := fmt.Sprintf("%d", c.Writer.Status())
		r.metrics.requestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
		r.metrics.requestTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}
