package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"

	"delivery-dispatch/internal/pkg/apperrors"
)

// Bulkhead caps in-flight requests for one group of routes so a flood of
// location pings cannot starve status updates or admin queries.
func Bulkhead(maxConcurrent int) gin.HandlerFunc {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	sem := semaphore.NewWeighted(int64(maxConcurrent))

	return func(c *gin.Context) {
		if !sem.TryAcquire(1) {
			apperrors.Abort(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "server is at capacity, please try again later")
			return
		}
		defer sem.Release(1)
		c.Next()
	}
}
