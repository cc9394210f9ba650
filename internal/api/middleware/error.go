package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/api/dto"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/service"
)

var notFoundErrors = []error{
	domain.ErrStageNotFound,
	domain.ErrTaskNotFound,
	domain.ErrRunNotFound,
	domain.ErrSubtaskNotFound,
	domain.ErrReporterNotFound,
	domain.ErrClientNotFound,
}

// StatusFor maps a service or repository error to an HTTP status.
func StatusFor(err error) int {
	var se *service.ServiceError
	if errors.As(err, &se) {
		return se.Code
	}
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return http.StatusNotFound
		}
	}
	if errors.Is(err, domain.ErrTerminalState) || errors.Is(err, domain.ErrInvalidTransition) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// ErrorHandlerMiddleware recovers panics and renders errors attached with
// c.Error when the handler wrote no response itself.
func ErrorHandlerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in handler", zap.Any("panic", r), zap.String("path", c.FullPath()))
				c.AbortWithStatusJSON(http.StatusInternalServerError, dto.ErrorResponse{
					Error:   "Internal Server Error",
					Message: "An unexpected error occurred",
					Code:    http.StatusInternalServerError,
				})
			}
		}()

		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		status := StatusFor(err)
		message := err.Error()
		if status == http.StatusInternalServerError {
			logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
			message = "An unexpected error occurred"
		}
		c.JSON(status, dto.ErrorResponse{
			Error:   http.StatusText(status),
			Message: message,
			Code:    status,
		})
	}
}
