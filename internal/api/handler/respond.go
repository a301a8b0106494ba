package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/tddf/internal/domain"
	"github.com/timmy/tddf/internal/logger"
	"github.com/timmy/tddf/internal/service"
)

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	var dup *service.DuplicateError
	switch {
	case errors.As(err, &dup),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrRetryExhausted):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrOperatorRequired),
		errors.Is(err, domain.ErrSizeMismatch):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTransientIO):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail writes err as a JSON error body, prefixed with what was attempted.
func fail(c *gin.Context, what string, err error) {
	status := statusFor(err)
	body := gin.H{"error": what + ": " + err.Error()}
	var dup *service.DuplicateError
	if errors.As(err, &dup) {
		body["existing_id"] = dup.ExistingID
	}
	if status >= http.StatusInternalServerError {
		logger.FromContext(c.Request.Context()).WithError(err).Error(what)
	}
	_ = c.Error(err)
	c.JSON(status, body)
}
