package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

// Logger writes one line per request. The caller's X-Request-ID is echoed
// back, or minted when absent, so client reports can be matched to logs.
// The query string of /ws is never logged since it may carry a token.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header(RequestIDHeader, requestID)

		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" && path != "/ws" {
			path += "?" + q
		}

		c.Next()

		status := c.Writer.Status()
		attrs := []slog.Attr{
			slog.String("request_id", requestID),
			slog.Int("status", status),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("route", c.FullPath()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.Int("bytes", c.Writer.Size()),
		}
		if sub := c.GetString("sub"); sub != "" {
			attrs = append(attrs, slog.String("user_id", sub), slog.String("role", c.GetString("role")))
		}
		if c.Writer.Header().Get(ReplayedHeader) != "" {
			attrs = append(attrs, slog.Bool("replayed", true))
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("error", c.Errors.String()))
		}

		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		slog.LogAttrs(c.Request.Context(), level, "request", attrs...)
	}
}
