package users

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "delivery-dispatch/internal/errors"
)

func TestClient_SetAvailability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/users/d1/availability", r.URL.Path)
		assert.Equal(t, "Bearer svc", r.Header.Get("Authorization"))

		var req availabilityRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(availabilityResponse{ID: "d1", IsAvailable: req.IsAvailable})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "svc", time.Second)
	require.NoError(t, c.SetAvailability(context.Background(), "d1", true))
	require.NoError(t, c.SetAvailability(context.Background(), "d1", false))
}

func TestClient_SetAvailability_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/users/ghost/availability" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	err := c.SetAvailability(context.Background(), "ghost", true)
	assert.True(t, domainerrors.HasCode(err, domainerrors.ErrNotFound))

	err = c.SetAvailability(context.Background(), "d1", true)
	assert.True(t, domainerrors.HasCode(err, domainerrors.ErrUpstreamUnavailable))
}
