package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/jwalitptl/notify-engine/internal/middleware"
	"github.com/jwalitptl/notify-engine/internal/service/presence"
	"github.com/jwalitptl/notify-engine/pkg/logger"
)

type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	WriteWait       time.Duration
	MaxMessageSize  int64
	// AllowedOrigins empty or containing "*" accepts any origin.
	AllowedOrigins []string
}

// Registry is the part of the presence registry the socket endpoint uses.
type Registry interface {
	Register(userID string, transport presence.Transport) *presence.Connection
	Remove(conn *presence.Connection)
}

type Handler struct {
	registry Registry
	upgrader websocket.Upgrader
	cfg      Config
	log      *logger.Logger
}

func NewHandler(registry Registry, cfg Config, log *logger.Logger) *Handler {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 1024
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = 1024
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}

	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}

	return &Handler{
		registry: registry,
		cfg:      cfg,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(origins) == 0 || origins["*"] || origin == "" || origins[origin]
			},
		},
	}
}

// Connect upgrades an authenticated request and holds the connection open
// until the client goes away or the registry closes it.
func (h *Handler) Connect(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.log.Warn("websocket upgrade failed", "user_id", userID, "error", err.Error())
		return
	}

	transport := presence.NewWebSocketTransport(conn, h.cfg.WriteWait)
	session := h.registry.Register(userID, transport)
	defer h.registry.Remove(session)

	err = transport.ReadLoop(h.cfg.MaxMessageSize, session.Touch)
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		h.log.Debug("websocket closed", "user_id", userID, "connection_id", session.ID, "error", err.Error())
	}
}
