package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jwalitptl/notify-engine/internal/handler"
	"github.com/jwalitptl/notify-engine/internal/middleware"
	"github.com/jwalitptl/notify-engine/internal/model"
	"github.com/jwalitptl/notify-engine/pkg/auth"
	apperrors "github.com/jwalitptl/notify-engine/pkg/errors"
)

// Service is the delivery orchestrator as seen by the HTTP layer.
type Service interface {
	CreateNotification(ctx context.Context, n *model.Notification, requested []model.Channel) (*model.DeliveryResult, error)
	GetDeliveries(ctx context.Context, notificationID string) ([]*model.DeliveryRecord, error)
}

type Handler struct {
	service Service
	auth    *middleware.AuthMiddleware
}

func NewHandler(service Service, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{service: service, auth: auth}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	notifications := r.Group("/notifications")
	{
		notifications.POST("", h.auth.RequireScope(auth.ScopePublish), h.CreateNotification)
		notifications.GET("/:id/deliveries", h.auth.RequireScope(auth.ScopeRead), h.GetDeliveries)
	}
}

type createNotificationRequest struct {
	ID        string          `json:"id" binding:"omitempty,max=128"`
	Type      string          `json:"type" binding:"required,notification_type"`
	UserID    string          `json:"userId" binding:"required,max=128"`
	Title     string          `json:"title" binding:"required,max=256"`
	Message   string          `json:"message" binding:"max=4096"`
	Priority  string          `json:"priority" binding:"omitempty,priority"`
	Metadata  json.RawMessage `json:"metadata"`
	Template  string          `json:"template" binding:"max=128"`
	ExpiresAt *time.Time      `json:"expiresAt"`
	Channels  []string        `json:"channels" binding:"omitempty,dive,channel"`
}

func (req *createNotificationRequest) toModel() (*model.Notification, []model.Channel, error) {
	nt := model.NotificationType(req.Type)
	payload, err := model.DecodePayload(nt, req.Metadata)
	if err != nil {
		return nil, nil, apperrors.Validation("metadata", err.Error())
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	n := &model.Notification{
		ID:         id,
		Type:       nt,
		UserID:     req.UserID,
		Title:      req.Title,
		Message:    req.Message,
		Priority:   model.Priority(req.Priority),
		Payload:    payload,
		TemplateID: req.Template,
		ExpiresAt:  req.ExpiresAt,
	}

	channels := make([]model.Channel, 0, len(req.Channels))
	for _, raw := range req.Channels {
		ch, _ := model.ParseChannel(raw)
		channels = append(channels, ch)
	}
	return n, channels, nil
}

// CreateNotification accepts a notification and answers 202 with each
// channel's initial delivery status.
func (h *Handler) CreateNotification(c *gin.Context) {
	var req createNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			_ = c.Error(verrs)
			return
		}
		_ = c.Error(apperrors.BadRequest("invalid request body", err))
		return
	}

	n, channels, err := req.toModel()
	if err != nil {
		_ = c.Error(err)
		return
	}

	result, err := h.service.CreateNotification(c.Request.Context(), n, channels)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.Header("Location", "/api/v1/notifications/"+n.ID+"/deliveries")
	c.JSON(http.StatusAccepted, handler.NewSuccessResponse(result))
}

// GetDeliveries returns the delivery records of one notification. Callers
// without the publish scope only see their own notifications.
func (h *Handler) GetDeliveries(c *gin.Context) {
	id := c.Param("id")

	records, err := h.service.GetDeliveries(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}

	if !canReadAll(c) {
		caller := c.GetString(middleware.ContextUserID)
		for _, rec := range records {
			if rec.UserID != caller {
				_ = c.Error(apperrors.Forbidden("notification belongs to another user"))
				return
			}
		}
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{
		"notificationId": id,
		"deliveries":     records,
	}))
}

func canReadAll(c *gin.Context) bool {
	v, ok := c.Get(middleware.ContextClaims)
	if !ok {
		return false
	}
	claims, ok := v.(*auth.Claims)
	return ok && claims.HasScope(auth.ScopePublish)
}
