package geo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaversineKM_ScenarioDistances(t *testing.T) {
	restaurant := NewLocation(6.90, 79.85)

	near := HaversineKM(restaurant, NewLocation(6.91, 79.85))
	far := HaversineKM(restaurant, NewLocation(6.95, 79.90))

	assert.InDelta(t, 1.11, near, 0.01)
	assert.InDelta(t, 7.8, far, 0.2)
	assert.Less(t, near, far)
}

func TestValidateLatLng(t *testing.T) {
	tests := []struct {
		name    string
		lat     float64
		lng     float64
		wantErr bool
	}{
		{"valid", 6.9, 79.85, false},
		{"poles", -90, 180, false},
		{"lat too high", 90.1, 0, true},
		{"lng too low", 0, -180.5, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateLatLng(tc.lat, tc.lng)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidLatLng)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

type failingProvider struct{}

func (failingProvider) DistanceAndDuration(context.Context, Location, Location) (Route, error) {
	return Route{}, errors.New("quota exceeded")
}

func (failingProvider) RoutePolyline(context.Context, Location, Location) ([]Location, error) {
	return nil, errors.New("quota exceeded")
}

func TestService_Distance_FallsBackToHaversine(t *testing.T) {
	svc := NewService(failingProvider{}, time.Second, 30, 2)

	r := svc.Distance(context.Background(), NewLocation(6.90, 79.85), NewLocation(6.91, 79.85))

	assert.True(t, r.Approximate)
	assert.InDelta(t, 1112, r.Meters, 15)
	assert.InDelta(t, 133, r.Seconds, 5) // 1.11km at 30km/h
}

func TestService_DistancesTo_KeepsOrder(t *testing.T) {
	svc := NewService(HaversineProvider{SpeedKMH: 30}, time.Second, 30, 4)
	dest := NewLocation(6.90, 79.85)
	origins := []Location{NewLocation(6.95, 79.90), NewLocation(6.91, 79.85), NewLocation(6.90, 79.85)}

	routes := svc.DistancesTo(context.Background(), origins, dest)

	require.Len(t, routes, 3)
	assert.Greater(t, routes[0].Meters, routes[1].Meters)
	assert.Zero(t, routes[2].Meters)
}

type matrixProvider struct {
	failingProvider
}

func (matrixProvider) DistancesTo(_ context.Context, origins []Location, _ Location) ([]Route, []error, error) {
	routes := make([]Route, len(origins))
	errs := make([]error, len(origins))
	for i := range origins {
		if i == 1 {
			errs[i] = ErrNoRoute
			continue
		}
		routes[i] = Route{Meters: float64(100 * (i + 1)), Seconds: 10}
	}
	return routes, errs, nil
}

func TestService_DistancesTo_MatrixElementFallback(t *testing.T) {
	svc := NewService(matrixProvider{}, time.Second, 30, 4)
	dest := NewLocation(6.90, 79.85)

	routes := svc.DistancesTo(context.Background(), []Location{dest, NewLocation(6.91, 79.85), dest}, dest)

	assert.Equal(t, 100.0, routes[0].Meters)
	assert.True(t, routes[1].Approximate)
	assert.InDelta(t, 1112, routes[1].Meters, 15)
	assert.Equal(t, 300.0, routes[2].Meters)
}

func TestService_Path_StraightSegmentOnFailure(t *testing.T) {
	svc := NewService(failingProvider{}, time.Second, 30, 1)
	a, b := NewLocation(6.90, 79.85), NewLocation(6.91, 79.85)

	points, r := svc.Path(context.Background(), a, b)

	assert.Equal(t, []Location{a, b}, points)
	assert.True(t, r.Approximate)
}

func TestMapboxProvider_DecodesRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/directions/v5/mapbox/driving/"))
		assert.Equal(t, "test-token", r.URL.Query().Get("access_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"distance":1234.5,"duration":321,"geometry":"_p~iF~ps|U_ulLnnqC_mqNvxq` + "`" + `@"}]}`))
	}))
	defer srv.Close()

	p := NewMapboxProvider(srv.URL, "test-token", time.Second)

	r, err := p.DistanceAndDuration(context.Background(), NewLocation(38.5, -120.2), NewLocation(43.252, -126.453))
	require.NoError(t, err)
	assert.Equal(t, 1234.5, r.Meters)
	assert.Equal(t, 321.0, r.Seconds)

	points, err := p.RoutePolyline(context.Background(), NewLocation(38.5, -120.2), NewLocation(43.252, -126.453))
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.InDelta(t, 38.5, points[0].Lat, 1e-5)
	assert.InDelta(t, -120.95, points[1].Lng, 1e-5)
	assert.InDelta(t, 43.252, points[2].Lat, 1e-5)
}

func TestMapboxProvider_NoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	p := NewMapboxProvider(srv.URL, "t", time.Second)
	_, err := p.DistanceAndDuration(context.Background(), NewLocation(0, 0), NewLocation(1, 1))
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestMapboxProvider_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewMapboxProvider(srv.URL, "t", time.Second)
	_, err := p.DistanceAndDuration(context.Background(), NewLocation(0, 0), NewLocation(1, 1))
	assert.ErrorIs(t, err, ErrProviderRequest)
}
