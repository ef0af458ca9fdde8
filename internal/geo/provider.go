package geo

import (
	"context"
	"errors"
)

var (
	ErrNoRoute         = errors.New("provider returned no route")
	ErrProviderRequest = errors.New("geo provider request failed")
)

// Route is a provider answer for one origin/destination pair.
type Route struct {
	Meters      float64 `json:"meters"`
	Seconds     float64 `json:"seconds"`
	Approximate bool    `json:"approximate"`
}

type Provider interface {
	DistanceAndDuration(ctx context.Context, origin, destination Location) (Route, error)
	RoutePolyline(ctx context.Context, origin, destination Location) ([]Location, error)
}

// MatrixProvider is implemented by providers that can price many origins
// against one destination in a single call. A nil entry in the error slice
// means the element succeeded.
type MatrixProvider interface {
	DistancesTo(ctx context.Context, origins []Location, destination Location) ([]Route, []error, error)
}

// HaversineProvider answers from straight-line distance and a constant speed.
type HaversineProvider struct {
	SpeedKMH float64
}

func (h HaversineProvider) DistanceAndDuration(_ context.Context, origin, destination Location) (Route, error) {
	return straightLine(origin, destination, h.SpeedKMH), nil
}

func (h HaversineProvider) RoutePolyline(_ context.Context, origin, destination Location) ([]Location, error) {
	return []Location{origin, destination}, nil
}

func straightLine(origin, destination Location, speedKMH float64) Route {
	km := HaversineKM(origin, destination)
	r := Route{Meters: km * 1000, Approximate: true}
	if speedKMH > 0 {
		r.Seconds = km / speedKMH * 3600
	}
	return r
}
