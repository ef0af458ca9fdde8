package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"googlemaps.github.io/maps"
)

type mapboxDirectionsResponse struct {
	Routes []struct {
		Distance float64 `json:"distance"` // meters
		Duration float64 `json:"duration"` // seconds
		Geometry string  `json:"geometry"` // polyline5 when geometries=polyline
	} `json:"routes"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type MapboxProvider struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
}

func NewMapboxProvider(baseURL, accessToken string, timeout time.Duration) *MapboxProvider {
	return &MapboxProvider{
		BaseURL:     baseURL,
		AccessToken: accessToken,
		HTTPClient:  &http.Client{Timeout: timeout},
	}
}

func (m *MapboxProvider) DistanceAndDuration(ctx context.Context, origin, destination Location) (Route, error) {
	result, err := m.directions(ctx, origin, destination, false)
	if err != nil {
		return Route{}, err
	}
	r := result.Routes[0]
	return Route{Meters: r.Distance, Seconds: r.Duration}, nil
}

func (m *MapboxProvider) RoutePolyline(ctx context.Context, origin, destination Location) ([]Location, error) {
	result, err := m.directions(ctx, origin, destination, true)
	if err != nil {
		return nil, err
	}
	points, err := maps.DecodePolyline(result.Routes[0].Geometry)
	if err != nil {
		return nil, fmt.Errorf("%w: decode polyline: %v", ErrProviderRequest, err)
	}
	return fromLatLngs(points), nil
}

func (m *MapboxProvider) directions(ctx context.Context, from, to Location, withGeometry bool) (*mapboxDirectionsResponse, error) {
	q := url.Values{}
	q.Set("access_token", m.AccessToken)
	if withGeometry {
		q.Set("overview", "full")
		q.Set("geometries", "polyline")
	} else {
		q.Set("overview", "false")
	}
	endpoint := fmt.Sprintf(
		"%s/directions/v5/mapbox/driving/%f,%f;%f,%f?%s",
		m.BaseURL, from.Lng, from.Lat, to.Lng, to.Lat, q.Encode(),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderRequest, err)
	}

	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrProviderRequest, resp.StatusCode)
	}

	var result mapboxDirectionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderRequest, err)
	}

	if result.Code != "Ok" || len(result.Routes) == 0 {
		return nil, fmt.Errorf("%w (code: %s)", ErrNoRoute, result.Code)
	}
	return &result, nil
}

func fromLatLngs(points []maps.LatLng) []Location {
	out := make([]Location, len(points))
	for i, p := range points {
		out[i] = Location{Lat: p.Lat, Lng: p.Lng}
	}
	return out
}
