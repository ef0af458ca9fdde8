// Package drivers lets drivers go online and offline and keeps their
// position in the presence registry fresh.
package drivers

import (
	"context"
	"log/slog"
	"time"

	"delivery-dispatch/internal/auth"
	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/events"
	"delivery-dispatch/internal/geo"
	"delivery-dispatch/internal/presence"
)

// ActiveDeliveries reports whether a driver is mid-delivery.
type ActiveDeliveries interface {
	HasActiveDelivery(ctx context.Context, driverID string) (bool, error)
}

// AvailabilityFlag is the user service's copy of the availability bit.
type AvailabilityFlag interface {
	SetAvailability(ctx context.Context, userID string, isAvailable bool) error
}

type AvailabilityEvent struct {
	DriverID    string        `json:"driverId"`
	Name        string        `json:"name,omitempty"`
	IsAvailable bool          `json:"isAvailable"`
	Location    *geo.Location `json:"coordinates,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

type Service interface {
	SetAvailability(ctx context.Context, driver auth.Identity, isAvailable bool, loc *geo.Location) (*presence.LiveDriver, error)
	Heartbeat(ctx context.Context, driver auth.Identity, loc geo.Location) (*presence.LiveDriver, error)
	ListAvailable(ctx context.Context) ([]presence.LiveDriver, error)
}

type service struct {
	registry   presence.Registry
	deliveries ActiveDeliveries
	flag       AvailabilityFlag
	publisher  events.Publisher
	now        func() time.Time
	logger     *slog.Logger
}

func NewService(registry presence.Registry, deliveries ActiveDeliveries, flag AvailabilityFlag, publisher events.Publisher) Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &service{
		registry:   registry,
		deliveries: deliveries,
		flag:       flag,
		publisher:  publisher,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     slog.Default().With("component", "drivers"),
	}
}

// -------------------------------------------------------------------------------------------------
// SetAvailability puts the driver in or takes them out of the presence
// registry. Going online needs coordinates and no delivery in progress.
// Offline returns nil.
func (s *service) SetAvailability(ctx context.Context, driver auth.Identity, isAvailable bool, loc *geo.Location) (*presence.LiveDriver, error) {
	if !driver.IsDriver() {
		return nil, domainerrors.NewForbidden("only drivers have an availability")
	}

	var record *presence.LiveDriver
	if isAvailable {
		if loc == nil {
			return nil, domainerrors.NewValidation("coordinates are required to go online")
		}
		if err := geo.ValidateLatLng(loc.Lat, loc.Lng); err != nil {
			return nil, domainerrors.NewValidation(err.Error())
		}
		busy, err := s.deliveries.HasActiveDelivery(ctx, driver.UserID)
		if err != nil {
			return nil, err
		}
		if busy {
			return nil, domainerrors.DriverBusy(driver.UserID)
		}

		saved, err := s.registry.Upsert(ctx, presence.LiveDriver{
			DriverID:  driver.UserID,
			Name:      driver.Name,
			Phone:     driver.Phone,
			Location:  *loc,
			UpdatedAt: s.now(),
		})
		if err != nil {
			return nil, domainerrors.NewUpstreamUnavailable("driver presence", err)
		}
		record = &saved
	} else {
		if err := s.registry.Remove(ctx, driver.UserID); err != nil {
			return nil, domainerrors.NewUpstreamUnavailable("driver presence", err)
		}
	}

	if s.flag != nil {
		if err := s.flag.SetAvailability(ctx, driver.UserID, isAvailable); err != nil {
			s.logger.WarnContext(ctx, "user service availability sync failed",
				slog.String("driver_id", driver.UserID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.publisher.Publish(ctx, events.Event{
		Name:  events.AvailabilityChanged,
		Rooms: []string{events.RestaurantsRoom},
		Key:   driver.UserID,
		Payload: AvailabilityEvent{
			DriverID:    driver.UserID,
			Name:        driver.Name,
			IsAvailable: isAvailable,
			Location:    loc,
			Timestamp:   s.now(),
		},
	})
	s.logger.InfoContext(ctx, "driver availability changed",
		slog.String("driver_id", driver.UserID),
		slog.Bool("available", isAvailable),
	)
	return record, nil
}

// -------------------------------------------------------------------------------------------------
func (s *service) Heartbeat(ctx context.Context, driver auth.Identity, loc geo.Location) (*presence.LiveDriver, error) {
	if err := geo.ValidateLatLng(loc.Lat, loc.Lng); err != nil {
		return nil, domainerrors.NewValidation(err.Error())
	}
	ok, err := s.registry.Touch(ctx, driver.UserID, loc, s.now())
	if err != nil {
		return nil, domainerrors.NewUpstreamUnavailable("driver presence", err)
	}
	if !ok {
		return nil, domainerrors.DriverNotAvailable(driver.UserID)
	}
	d, _, err := s.registry.Get(ctx, driver.UserID)
	if err != nil {
		return nil, domainerrors.NewUpstreamUnavailable("driver presence", err)
	}
	return d, nil
}

func (s *service) ListAvailable(ctx context.Context) ([]presence.LiveDriver, error) {
	list, err := s.registry.ListAvailable(ctx)
	if err != nil {
		return nil, domainerrors.NewUpstreamUnavailable("driver presence", err)
	}
	return list, nil
}
