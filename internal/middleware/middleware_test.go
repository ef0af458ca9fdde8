package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delivery-dispatch/internal/auth"
	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/redis"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func do(r http.Handler, method, path string, header http.Header) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	r.ServeHTTP(w, req)
	return w
}

type staticValidator struct {
	identity auth.Identity
	err      error
}

func (v staticValidator) Validate(context.Context, string) (auth.Identity, error) {
	return v.identity, v.err
}

func TestAuth(t *testing.T) {
	driver := auth.Identity{UserID: "d1", Role: auth.RoleDriver}
	build := func(v auth.TokenValidator) *gin.Engine {
		r := gin.New()
		r.Use(Auth(v, DefaultPublicPaths...))
		r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
		r.GET("/me", func(c *gin.Context) {
			id, _ := auth.FromContext(c)
			c.JSON(http.StatusOK, gin.H{"sub": c.GetString("sub"), "id": id.UserID})
		})
		return r
	}
	bearer := http.Header{"Authorization": []string{"Bearer tok"}}

	t.Run("public path", func(t *testing.T) {
		w := do(build(staticValidator{err: errors.New("never called")}), http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
	t.Run("missing header", func(t *testing.T) {
		w := do(build(staticValidator{identity: driver}), http.MethodGet, "/me", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
	t.Run("not bearer", func(t *testing.T) {
		w := do(build(staticValidator{identity: driver}), http.MethodGet, "/me", http.Header{"Authorization": []string{"Basic x"}})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
	t.Run("valid token attaches identity", func(t *testing.T) {
		w := do(build(staticValidator{identity: driver}), http.MethodGet, "/me", bearer)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"sub":"d1","id":"d1"}`, w.Body.String())
	})
	t.Run("invalid token", func(t *testing.T) {
		w := do(build(staticValidator{err: domainerrors.NewUnauthorized("expired")}), http.MethodGet, "/me", bearer)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
	t.Run("auth service down", func(t *testing.T) {
		w := do(build(staticValidator{err: domainerrors.NewUpstreamUnavailable("auth service", errors.New("dial"))}), http.MethodGet, "/me", bearer)
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}

func TestRoleGuard(t *testing.T) {
	build := func(id *auth.Identity) *gin.Engine {
		r := gin.New()
		if id != nil {
			r.Use(func(c *gin.Context) { auth.Attach(c, *id) })
		}
		r.GET("/admin", RoleGuard(auth.RoleAdmin, auth.RoleService), func(c *gin.Context) { c.Status(http.StatusOK) })
		return r
	}

	assert.Equal(t, http.StatusUnauthorized, do(build(nil), http.MethodGet, "/admin", nil).Code)
	assert.Equal(t, http.StatusForbidden, do(build(&auth.Identity{UserID: "d1", Role: auth.RoleDriver}), http.MethodGet, "/admin", nil).Code)
	assert.Equal(t, http.StatusOK, do(build(&auth.Identity{UserID: "s1", Role: auth.RoleService}), http.MethodGet, "/admin", nil).Code)
}

type countingLimiter struct {
	mu       sync.Mutex
	limit    int
	seen     map[string]int
	err      error
	subjects []string
}

func (l *countingLimiter) Allow(_ context.Context, subject string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subjects = append(l.subjects, subject)
	if l.err != nil {
		return false, l.err
	}
	if l.seen == nil {
		l.seen = map[string]int{}
	}
	l.seen[subject]++
	return l.seen[subject] <= l.limit, nil
}

func TestRateLimit(t *testing.T) {
	limiter := &countingLimiter{limit: 1}
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if c.GetHeader("X-User") != "" {
			c.Set("sub", c.GetHeader("X-User"))
		}
	}, RateLimit(limiter))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/x", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.MethodGet, "/x", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/x", http.Header{"X-User": []string{"u1"}}).Code)
	assert.Contains(t, limiter.subjects, "user:u1")

	limiter.err = errors.New("redis down")
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/x", nil).Code, "fails open")
}

type memoryIdempotency struct {
	mu    sync.Mutex
	saved map[string]redis.StoredResponse
}

func (m *memoryIdempotency) Check(_ context.Context, userID, key string) (*redis.StoredResponse, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.saved[userID+"|"+key]
	if !ok {
		return nil, false, nil
	}
	return &r, true, nil
}

func (m *memoryIdempotency) Set(_ context.Context, userID, key string, resp redis.StoredResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = map[string]redis.StoredResponse{}
	}
	if _, ok := m.saved[userID+"|"+key]; !ok {
		m.saved[userID+"|"+key] = resp
	}
	return nil
}

func TestIdempotency(t *testing.T) {
	store := &memoryIdempotency{}
	calls := 0
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set("sub", "r1") }, Idempotency(store))
	r.POST("/dispatch", func(c *gin.Context) {
		calls++
		if c.Query("fail") != "" {
			c.JSON(http.StatusConflict, gin.H{"n": calls})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"n": calls})
	})
	key := http.Header{"Idempotency-Key": []string{"abc"}}

	first := do(r, http.MethodPost, "/dispatch", key)
	second := do(r, http.MethodPost, "/dispatch", key)
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(ReplayedHeader))
	assert.Equal(t, 1, calls)

	do(r, http.MethodPost, "/dispatch", nil)
	assert.Equal(t, 2, calls, "no key, no replay")

	failKey := http.Header{"Idempotency-Key": []string{"def"}}
	do(r, http.MethodPost, "/dispatch?fail=1", failKey)
	do(r, http.MethodPost, "/dispatch?fail=1", failKey)
	assert.Equal(t, 4, calls, "failures are not stored")
}

func TestBulkhead(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	r := gin.New()
	r.GET("/slow", Bulkhead(1), func(c *gin.Context) {
		entered <- struct{}{}
		<-release
		c.Status(http.StatusOK)
	})

	done := make(chan int)
	go func() { done <- do(r, http.MethodGet, "/slow", nil).Code }()
	<-entered

	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodGet, "/slow", nil).Code)
	close(release)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	failing := true
	r := gin.New()
	r.Use(circuitBreakerWithClock(2, 30*time.Second, func() time.Time { return now }))
	r.GET("/orders/:id", func(c *gin.Context) {
		if failing {
			c.Status(http.StatusBadGateway)
			return
		}
		c.Status(http.StatusOK)
	})
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusBadGateway, do(r, http.MethodGet, "/orders/1", nil).Code)
	assert.Equal(t, http.StatusBadGateway, do(r, http.MethodGet, "/orders/2", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodGet, "/orders/3", nil).Code, "open after threshold on the route")
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/ok", nil).Code, "other routes unaffected")

	now = now.Add(31 * time.Second)
	assert.Equal(t, http.StatusBadGateway, do(r, http.MethodGet, "/orders/4", nil).Code, "probe goes through")
	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodGet, "/orders/5", nil).Code, "failed probe reopens")

	now = now.Add(31 * time.Second)
	failing = false
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/orders/6", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/orders/7", nil).Code, "closed again")
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(Recovery())
	r.GET("/boom", func(*gin.Context) { panic("boom") })

	w := do(r, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), domainerrors.ErrInternal)
}

func TestLogger_RequestID(t *testing.T) {
	r := gin.New()
	r.Use(Logger())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("request_id")) })

	w := do(r, http.MethodGet, "/ping", http.Header{RequestIDHeader: []string{"req-42"}})
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
	assert.Equal(t, "req-42", w.Body.String())

	w = do(r, http.MethodGet, "/ping", nil)
	minted := w.Header().Get(RequestIDHeader)
	assert.NotEmpty(t, minted)
	assert.Equal(t, minted, w.Body.String())
}
