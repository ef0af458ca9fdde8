package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"delivery-dispatch/internal/pkg/apperrors"
)

type circuitState int

const (
	stateClosed circuitState = iota
	stateOpen
	stateHalfOpen
)

type circuitBreaker struct {
	mu          sync.Mutex
	state       circuitState
	failures    int
	threshold   int
	cooldown    time.Duration
	openedAt    time.Time
	probeActive bool
	now         func() time.Time
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.state = stateHalfOpen
		cb.probeActive = true
		return true
	case stateHalfOpen:
		// one probe at a time
		if cb.probeActive {
			return false
		}
		cb.probeActive = true
		return true
	}
	return true
}

func (cb *circuitBreaker) record(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probeActive = false
	if !failed {
		cb.failures = 0
		cb.state = stateClosed
		return
	}
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
		cb.openedAt = cb.now()
	}
}

// CircuitBreaker opens a route after threshold consecutive 5xx responses
// (typically an unreachable order or user service) and rejects it until
// cooldown has passed and a probe request succeeds.
func CircuitBreaker(threshold int, cooldown time.Duration) gin.HandlerFunc {
	return circuitBreakerWithClock(threshold, cooldown, time.Now)
}

func circuitBreakerWithClock(threshold int, cooldown time.Duration, now func() time.Time) gin.HandlerFunc {
	var breakers sync.Map

	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		val, _ := breakers.LoadOrStore(route, &circuitBreaker{threshold: threshold, cooldown: cooldown, now: now})
		cb := val.(*circuitBreaker)

		if !cb.allow() {
			apperrors.Abort(c, http.StatusServiceUnavailable, "CIRCUIT_OPEN", "service temporarily unavailable")
			return
		}

		c.Next()
		cb.record(c.Writer.Status() >= 500)
	}
}
