package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"delivery-dispatch/internal/delivery"
	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/metrics"
	"delivery-dispatch/internal/order"
)

// -------------------------------------------------------------------------------------------------
// assignDirect reserves the nearest driver and creates the delivery already
// assigned. A reservation lost to a concurrent dispatch, or a driver that
// turns out to hold another delivery, moves on to the next candidate.
func (e *Engine) assignDirect(ctx context.Context, o *order.Order) (*delivery.Delivery, error) {
	pickup := *o.RestaurantOrder.RestaurantLocation
	cands, err := e.candidates(ctx, pickup, nil)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, domainerrors.NewNoDriversAvailable()
	}

	for _, c := range cands {
		won, err := e.registry.Reserve(ctx, c.driver.DriverID)
		if err != nil {
			return nil, domainerrors.NewUpstreamUnavailable("driver presence", err)
		}
		if !won {
			metrics.ReservationConflicts.Inc()
			continue
		}

		driver := c.driver
		d, err := e.lifecycle.Create(ctx, o, &driver)
		if err != nil {
			if errors.Is(err, domainerrors.ErrBusyDriver) {
				// busy drivers stay out of presence until their delivery ends
				e.logger.WarnContext(ctx, "reserved driver already holds a delivery",
					slog.String("driver_id", driver.DriverID))
				continue
			}
			e.release(ctx, driver)
			return nil, err
		}

		e.announceAssignment(ctx, d, c.route)
		return d, nil
	}
	return nil, domainerrors.NewNoDriversAvailable()
}
