package delivery

import (
	"context"
	"log/slog"
	"time"

	"delivery-dispatch/internal/auth"
	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/geo"
)

// Router computes the path a driver is expected to follow.
type Router interface {
	Path(ctx context.Context, origin, destination geo.Location) ([]geo.Location, geo.Route)
}

// TrackCache holds recently computed tracking views. A miss returns nil.
type TrackCache interface {
	Get(ctx context.Context, deliveryID string) (*Tracking, error)
	Set(ctx context.Context, deliveryID string, t *Tracking) error
}

// Tracking is what a customer or restaurant sees on the live map.
type Tracking struct {
	DeliveryID     string         `json:"deliveryId"`
	Status         Status         `json:"status"`
	DriverLocation *geo.Location  `json:"driverLocation,omitempty"`
	Destination    geo.Location   `json:"destination"`
	Route          []geo.Location `json:"route"`
	DistanceMeters float64        `json:"distanceMeters"`
	ETASeconds     float64        `json:"etaSeconds"`
	Approximate    bool           `json:"approximate"`
	ComputedAt     time.Time      `json:"computedAt"`
}

// -------------------------------------------------------------------------------------------------
func (s *service) Track(ctx context.Context, id string, identity auth.Identity) (*Tracking, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, id)
		if err != nil {
			s.logger.WarnContext(ctx, "track cache read failed", slog.String("error", err.Error()))
		}
		if cached != nil {
			// visibility still has to be checked against the record
			if _, err := s.GetForIdentity(ctx, id, identity); err != nil {
				return nil, err
			}
			return cached, nil
		}
	}

	d, err := s.GetForIdentity(ctx, id, identity)
	if err != nil {
		return nil, err
	}

	t := &Tracking{
		DeliveryID:  d.ID,
		Status:      d.Status,
		Destination: d.Destination(),
		Route:       []geo.Location{},
		ComputedAt:  s.now(),
	}
	if d.Status.IsTerminal() {
		return t, nil
	}
	if d.Driver == nil || d.Driver.CurrentLocation == nil {
		return t, nil
	}
	if s.router == nil {
		return nil, domainerrors.NewInternal("tracking is not configured", nil)
	}

	origin := *d.Driver.CurrentLocation
	points, route := s.router.Path(ctx, origin, t.Destination)
	t.DriverLocation = &origin
	t.Route = points
	t.DistanceMeters = route.Meters
	t.ETASeconds = route.Seconds
	t.Approximate = route.Approximate

	if s.cache != nil {
		if err := s.cache.Set(ctx, id, t); err != nil {
			s.logger.WarnContext(ctx, "track cache write failed", slog.String("error", err.Error()))
		}
	}
	return t, nil
}
