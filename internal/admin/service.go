package admin

import (
	"context"
	"log/slog"

	"delivery-dispatch/internal/auth"
	"delivery-dispatch/internal/delivery"
	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/metrics"
	"delivery-dispatch/internal/presence"
)

type Deliveries interface {
	Query(ctx context.Context, f delivery.Filter) ([]*delivery.Delivery, int, error)
	ReplayEffects(ctx context.Context, limit int) (int, error)
}

type Drivers interface {
	ListAvailable(ctx context.Context) ([]presence.LiveDriver, error)
}

type Dispatcher interface {
	Assign(ctx context.Context, caller auth.Identity, orderID string) (*delivery.Delivery, error)
}

// Service is the operator's view of the dispatch system.
type Service interface {
	ListDeliveries(ctx context.Context, f delivery.Filter) ([]*delivery.Delivery, int, error)
	ListDrivers(ctx context.Context) ([]presence.LiveDriver, error)
	Redispatch(ctx context.Context, operator auth.Identity, orderID string) (*delivery.Delivery, error)
	ReplayEffects(ctx context.Context, limit int) (int, error)
}

type service struct {
	deliveries Deliveries
	drivers    Drivers
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewService(deliveries Deliveries, drivers Drivers, dispatcher Dispatcher) Service {
	return &service{
		deliveries: deliveries,
		drivers:    drivers,
		dispatcher: dispatcher,
		logger:     slog.Default().With("component", "admin"),
	}
}

func (s *service) ListDeliveries(ctx context.Context, f delivery.Filter) ([]*delivery.Delivery, int, error) {
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, 0, domainerrors.NewValidation("to must not be before from")
	}
	return s.deliveries.Query(ctx, f)
}

func (s *service) ListDrivers(ctx context.Context) ([]presence.LiveDriver, error) {
	list, err := s.drivers.ListAvailable(ctx)
	if err != nil {
		return nil, err
	}
	metrics.DriversAvailable.Set(float64(len(list)))
	return list, nil
}

// Redispatch starts a fresh assignment for an order whose last delivery
// failed or was cancelled. An order with a live delivery is refused.
func (s *service) Redispatch(ctx context.Context, operator auth.Identity, orderID string) (*delivery.Delivery, error) {
	d, err := s.dispatcher.Assign(ctx, operator, orderID)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "order redispatched by operator",
		slog.String("order_id", orderID),
		slog.String("delivery_id", d.ID),
		slog.String("operator", operator.UserID),
	)
	return d, nil
}

func (s *service) ReplayEffects(ctx context.Context, limit int) (int, error) {
	if limit < 1 || limit > 500 {
		limit = 50
	}
	return s.deliveries.ReplayEffects(ctx, limit)
}
