package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"delivery-dispatch/internal/metrics"
)

// Metrics records request count and latency by route template, so
// /deliveries/:id is one series rather than one per delivery.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}
