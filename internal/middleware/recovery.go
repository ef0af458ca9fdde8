package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/pkg/apperrors"
)

func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(c.Request.Context(), "panic recovered",
					slog.Any("error", r),
					slog.String("method", c.Request.Method),
					slog.String("path", c.Request.URL.Path),
					slog.String("stack", string(debug.Stack())),
				)
				apperrors.Abort(c, http.StatusInternalServerError, domainerrors.ErrInternal, "an unexpected error occurred")
			}
		}()
		c.Next()
	}
}

// ErrorDetail lets error responses carry the wrapped cause. Only mounted in
// development.
func ErrorDetail() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(apperrors.DetailKey, true)
		c.Next()
	}
}
