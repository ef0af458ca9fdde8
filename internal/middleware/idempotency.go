package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"delivery-dispatch/internal/redis"
)

type idempotencyStore interface {
	Check(ctx context.Context, userID, key string) (*redis.StoredResponse, bool, error)
	Set(ctx context.Context, userID, key string, resp redis.StoredResponse) error
}

const ReplayedHeader = "Idempotent-Replayed"

type responseRecorder struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Idempotency replays the stored response when a mutation is retried with
// the same Idempotency-Key. Keys are scoped to the caller and the route.
// Only 2xx responses are stored, so a failed attempt can be retried.
func Idempotency(store idempotencyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Idempotency-Key")
		if header == "" || c.Request.Method == http.MethodGet {
			c.Next()
			return
		}

		userID := c.GetString("sub")
		key := c.Request.Method + ":" + c.Request.URL.Path + ":" + header
		ctx := c.Request.Context()

		cached, found, err := store.Check(ctx, userID, key)
		if err != nil {
			slog.ErrorContext(ctx, "idempotency check failed", slog.String("error", err.Error()))
			c.Next()
			return
		}
		if found {
			c.Header(ReplayedHeader, "true")
			c.Data(cached.Status, "application/json; charset=utf-8", cached.Body)
			c.Abort()
			return
		}

		rec := &responseRecorder{body: &bytes.Buffer{}, ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		status := rec.Status()
		if status >= 200 && status < 300 {
			resp := redis.StoredResponse{Status: status, Body: rec.body.Bytes()}
			if err := store.Set(context.WithoutCancel(ctx), userID, key, resp); err != nil {
				slog.ErrorContext(ctx, "idempotency store failed", slog.String("error", err.Error()))
			}
		}
	}
}
