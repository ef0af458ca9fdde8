package geo

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"
)

// GoogleProvider uses the Directions and Distance Matrix APIs.
type GoogleProvider struct {
	client *maps.Client
}

func NewGoogleProvider(apiKey string, opts ...maps.ClientOption) (*GoogleProvider, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleProvider{client: client}, nil
}

func (g *GoogleProvider) DistanceAndDuration(ctx context.Context, origin, destination Location) (Route, error) {
	routes, err := g.directions(ctx, origin, destination)
	if err != nil {
		return Route{}, err
	}

	var r Route
	for _, leg := range routes[0].Legs {
		r.Meters += float64(leg.Distance.Meters)
		r.Seconds += leg.Duration.Seconds()
	}
	return r, nil
}

func (g *GoogleProvider) RoutePolyline(ctx context.Context, origin, destination Location) ([]Location, error) {
	routes, err := g.directions(ctx, origin, destination)
	if err != nil {
		return nil, err
	}
	points, err := routes[0].OverviewPolyline.Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: decode polyline: %v", ErrProviderRequest, err)
	}
	return fromLatLngs(points), nil
}

func (g *GoogleProvider) DistancesTo(ctx context.Context, origins []Location, destination Location) ([]Route, []error, error) {
	if len(origins) == 0 {
		return nil, nil, nil
	}

	req := &maps.DistanceMatrixRequest{
		Origins:      make([]string, len(origins)),
		Destinations: []string{destination.String()},
		Mode:         maps.TravelModeDriving,
	}
	for i, o := range origins {
		req.Origins[i] = o.String()
	}

	resp, err := g.client.DistanceMatrix(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrProviderRequest, err)
	}
	if len(resp.Rows) != len(origins) {
		return nil, nil, fmt.Errorf("%w: matrix returned %d rows for %d origins", ErrProviderRequest, len(resp.Rows), len(origins))
	}

	routes := make([]Route, len(origins))
	errs := make([]error, len(origins))
	for i, row := range resp.Rows {
		if len(row.Elements) == 0 || row.Elements[0] == nil || row.Elements[0].Status != "OK" {
			errs[i] = ErrNoRoute
			continue
		}
		el := row.Elements[0]
		routes[i] = Route{Meters: float64(el.Distance.Meters), Seconds: el.Duration.Seconds()}
	}
	return routes, errs, nil
}

func (g *GoogleProvider) directions(ctx context.Context, origin, destination Location) ([]maps.Route, error) {
	r := &maps.DirectionsRequest{
		Origin:      origin.String(),
		Destination: destination.String(),
		Mode:        maps.TravelModeDriving,
	}

	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderRequest, err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return nil, ErrNoRoute
	}
	return routes, nil
}
