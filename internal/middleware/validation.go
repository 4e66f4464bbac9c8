package middleware

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/jwalitptl/notify-engine/internal/model"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationConfig struct {
	CustomValidators    map[string]validator.Func
	CustomErrorMessages map[string]string
}

func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		CustomValidators: map[string]validator.Func{
			"notification_type": func(fl validator.FieldLevel) bool {
				return model.NotificationType(fl.Field().String()).Valid()
			},
			"priority": func(fl validator.FieldLevel) bool {
				switch model.Priority(fl.Field().String()) {
				case model.PriorityHigh, model.PriorityMedium, model.PriorityLow:
					return true
				}
				return false
			},
			"channel": func(fl validator.FieldLevel) bool {
				_, ok := model.ParseChannel(fl.Field().String())
				return ok
			},
		},
		CustomErrorMessages: map[string]string{
			"required":          "Field is required",
			"max":               "Value is too long",
			"notification_type": "Unknown notification type",
			"priority":          "Priority must be HIGH, MEDIUM or LOW",
			"channel":           "Channel must be SOCKET, EMAIL or WEBHOOK",
		},
	}
}

// RegisterValidators installs the custom tags on gin's binding engine and
// reports fields by their JSON name.
func RegisterValidators(config ValidationConfig) error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return errors.New("binding validator is not go-playground/validator")
	}
	for tag, fn := range config.CustomValidators {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return err
		}
	}
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return nil
}

// Validation renders binding errors as a 400 with per-field messages.
func Validation(config ValidationConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		var fields []ValidationError
		for _, err := range c.Errors {
			var errs validator.ValidationErrors
			if !errors.As(err.Err, &errs) {
				continue
			}
			for _, e := range errs {
				msg := config.CustomErrorMessages[e.Tag()]
				if msg == "" {
					msg = e.Error()
				}
				fields = append(fields, ValidationError{Field: e.Field(), Message: msg})
			}
		}

		if len(fields) > 0 && !c.Writer.Written() {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":     http.StatusBadRequest,
				"message":  "validation failed",
				"errors":   fields,
				"trace_id": c.GetString(ContextRequestID),
			})
		}
	}
}
