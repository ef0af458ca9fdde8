package drivers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delivery-dispatch/internal/auth"
	"delivery-dispatch/internal/drivers"
	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/events"
	"delivery-dispatch/internal/geo"
	"delivery-dispatch/internal/presence"
)

type activeSet map[string]bool

func (a activeSet) HasActiveDelivery(_ context.Context, id string) (bool, error) {
	return a[id], nil
}

type flagRecorder struct {
	mu    sync.Mutex
	calls map[string]bool
	err   error
}

func (f *flagRecorder) SetAvailability(_ context.Context, id string, v bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]bool{}
	}
	f.calls[id] = v
	return f.err
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

var nimal = auth.Identity{UserID: "d1", Role: auth.RoleDriver, Name: "Nimal", Phone: "077"}

func loc(lat, lng float64) *geo.Location {
	l := geo.NewLocation(lat, lng)
	return &l
}

func TestSetAvailability(t *testing.T) {
	ctx := context.Background()

	t.Run("online then offline", func(t *testing.T) {
		reg := presence.NewMemoryRegistry()
		flag := &flagRecorder{}
		rec := &recorder{}
		svc := drivers.NewService(reg, activeSet{}, flag, rec)

		record, err := svc.SetAvailability(ctx, nimal, true, loc(6.91, 79.85))
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, "Nimal", record.Name)
		assert.True(t, flag.calls["d1"])

		_, ok, _ := reg.Get(ctx, "d1")
		assert.True(t, ok)

		_, err = svc.SetAvailability(ctx, nimal, false, nil)
		require.NoError(t, err)
		_, ok, _ = reg.Get(ctx, "d1")
		assert.False(t, ok)
		assert.False(t, flag.calls["d1"])

		require.Len(t, rec.events, 2)
		for _, e := range rec.events {
			assert.Equal(t, events.AvailabilityChanged, e.Name)
			assert.Equal(t, []string{events.RestaurantsRoom}, e.Rooms)
		}
	})

	t.Run("online needs coordinates", func(t *testing.T) {
		svc := drivers.NewService(presence.NewMemoryRegistry(), activeSet{}, nil, nil)
		_, err := svc.SetAvailability(ctx, nimal, true, nil)
		assert.True(t, domainerrors.HasCode(err, domainerrors.ErrValidation))

		_, err = svc.SetAvailability(ctx, nimal, true, loc(120, 0))
		assert.True(t, domainerrors.HasCode(err, domainerrors.ErrValidation))
	})

	t.Run("busy driver cannot go online", func(t *testing.T) {
		reg := presence.NewMemoryRegistry()
		svc := drivers.NewService(reg, activeSet{"d1": true}, nil, nil)

		_, err := svc.SetAvailability(ctx, nimal, true, loc(6.91, 79.85))
		assert.True(t, domainerrors.HasCode(err, domainerrors.ErrConflict))
		_, ok, _ := reg.Get(ctx, "d1")
		assert.False(t, ok)
	})

	t.Run("user service failure is not fatal", func(t *testing.T) {
		reg := presence.NewMemoryRegistry()
		svc := drivers.NewService(reg, activeSet{}, &flagRecorder{err: errors.New("down")}, nil)

		_, err := svc.SetAvailability(ctx, nimal, true, loc(6.91, 79.85))
		require.NoError(t, err)
		_, ok, _ := reg.Get(ctx, "d1")
		assert.True(t, ok)
	})

	t.Run("only drivers", func(t *testing.T) {
		svc := drivers.NewService(presence.NewMemoryRegistry(), activeSet{}, nil, nil)
		_, err := svc.SetAvailability(ctx, auth.Identity{UserID: "c1", Role: auth.RoleCustomer}, true, loc(6.9, 79.8))
		assert.True(t, domainerrors.HasCode(err, domainerrors.ErrForbidden))
	})
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	reg := presence.NewMemoryRegistry()
	svc := drivers.NewService(reg, activeSet{}, nil, nil)

	_, err := svc.Heartbeat(ctx, nimal, geo.NewLocation(6.92, 79.86))
	assert.True(t, domainerrors.HasCode(err, domainerrors.ErrConflict), "offline drivers are not re-added")

	_, err = svc.SetAvailability(ctx, nimal, true, loc(6.91, 79.85))
	require.NoError(t, err)

	record, err := svc.Heartbeat(ctx, nimal, geo.NewLocation(6.92, 79.86))
	require.NoError(t, err)
	assert.InDelta(t, 6.92, record.Location.Lat, 1e-9)
}

func TestHandler_SetAvailability(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := presence.NewMemoryRegistry()
	h := drivers.NewHandler(drivers.NewService(reg, activeSet{}, nil, nil))

	r := gin.New()
	r.PATCH("/drivers/availability", func(c *gin.Context) { auth.Attach(c, nimal) }, h.SetAvailability)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"online", `{"isAvailable":true,"coordinates":{"lat":6.91,"lng":79.85}}`, http.StatusOK},
		{"missing flag", `{"coordinates":{"lat":6.91,"lng":79.85}}`, http.StatusBadRequest},
		{"online without coordinates", `{"isAvailable":true}`, http.StatusBadRequest},
		{"offline", `{"isAvailable":false}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPatch, "/drivers/availability", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}
