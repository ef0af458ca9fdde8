package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"delivery-dispatch/internal/pkg/apperrors"
)

type rateLimiter interface {
	Allow(ctx context.Context, subject string) (bool, error)
}

// RateLimit counts requests per authenticated user, or per client IP before
// authentication. Limiter failures let the request through.
func RateLimit(limiter rateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := "ip:" + c.ClientIP()
		if sub := c.GetString("sub"); sub != "" {
			subject = "user:" + sub
		}

		allowed, err := limiter.Allow(c.Request.Context(), subject)
		if err != nil {
			slog.ErrorContext(c.Request.Context(), "rate limiter error",
				slog.String("subject", subject),
				slog.String("error", err.Error()),
			)
			c.Next()
			return
		}

		if !allowed {
			slog.WarnContext(c.Request.Context(), "rate limit exceeded", slog.String("subject", subject))
			apperrors.Abort(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, please try again later")
			return
		}
		c.Next()
	}
}
