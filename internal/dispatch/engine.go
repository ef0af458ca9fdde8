// Package dispatch matches ready orders to drivers. Two strategies exist:
// direct assignment to the nearest reservable driver, and proposal rounds in
// which nearby drivers are offered the delivery and one of them accepts.
package dispatch

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"delivery-dispatch/config"
	"delivery-dispatch/internal/auth"
	"delivery-dispatch/internal/delivery"
	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/events"
	"delivery-dispatch/internal/geo"
	"delivery-dispatch/internal/metrics"
	"delivery-dispatch/internal/order"
	"delivery-dispatch/internal/presence"
)

// OrderSource fetches the order being dispatched. Failures abort dispatch.
type OrderSource interface {
	GetOrder(ctx context.Context, orderID string) (*order.Order, error)
}

// Lifecycle is the part of the delivery store the engine drives.
type Lifecycle interface {
	Create(ctx context.Context, o *order.Order, driver *presence.LiveDriver) (*delivery.Delivery, error)
	GetByID(ctx context.Context, id string) (*delivery.Delivery, error)
	Propose(ctx context.Context, id string, candidates []string, nextRetryAt time.Time) (*delivery.Delivery, error)
	Decline(ctx context.Context, id, driverID string) (*delivery.Delivery, error)
	AssignProposed(ctx context.Context, id string, driver presence.LiveDriver) (*delivery.Delivery, error)
	FailPending(ctx context.Context, id, reason string) (*delivery.Delivery, error)
	ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]*delivery.Delivery, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*delivery.Delivery, error)
}

// Distancer prices many drivers against one restaurant. It never fails:
// unreachable providers degrade to straight-line estimates.
type Distancer interface {
	DistancesTo(ctx context.Context, origins []geo.Location, destination geo.Location) []geo.Route
}

type Engine struct {
	orders    OrderSource
	registry  presence.Registry
	lifecycle Lifecycle
	geo       Distancer
	publisher events.Publisher
	cfg       config.DispatchConfig
	now       func() time.Time
	logger    *slog.Logger
}

func NewEngine(orders OrderSource, registry presence.Registry, lifecycle Lifecycle, distancer Distancer, publisher events.Publisher, cfg config.DispatchConfig) *Engine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Engine{
		orders:    orders,
		registry:  registry,
		lifecycle: lifecycle,
		geo:       distancer,
		publisher: publisher,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default().With("component", "dispatch"),
	}
}

// Mode is the strategy new orders are dispatched with.
func (e *Engine) Mode() string {
	return e.cfg.Mode
}

// -------------------------------------------------------------------------------------------------
// Assign dispatches a ready order with the configured strategy. The order
// lookup is on the critical path: its failure is returned to the caller.
// Restaurants may only dispatch their own orders; admins and services may
// dispatch any.
func (e *Engine) Assign(ctx context.Context, caller auth.Identity, orderID string) (*delivery.Delivery, error) {
	o, err := e.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !mayDispatch(caller, o) {
		return nil, domainerrors.NewForbidden("only the order's restaurant can dispatch it")
	}
	if !o.IsDeliverable() {
		return nil, domainerrors.NewInvalidRequest("order is not a delivery order ready for pickup")
	}

	timer := prometheus.NewTimer(metrics.DispatchDuration.WithLabelValues(e.cfg.Mode))
	defer timer.ObserveDuration()

	var d *delivery.Delivery
	switch e.cfg.Mode {
	case config.DispatchModeProposal:
		d, err = e.startProposal(ctx, o)
	default:
		d, err = e.assignDirect(ctx, o)
	}
	metrics.DispatchTotal.WithLabelValues(e.cfg.Mode, outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "order dispatched",
		slog.String("order_id", o.ID),
		slog.String("delivery_id", d.ID),
		slog.String("status", string(d.Status)),
	)
	return d, nil
}

func mayDispatch(caller auth.Identity, o *order.Order) bool {
	if caller.IsPrivileged() {
		return true
	}
	return caller.Role == auth.RoleRestaurant && caller.UserID == o.RestaurantOrder.RestaurantID
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case domainerrors.HasCode(err, domainerrors.ErrNoDriversAvailable):
		return "no_drivers"
	case domainerrors.HasCode(err, domainerrors.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

type candidate struct {
	driver presence.LiveDriver
	route  geo.Route
}

// candidates lists available drivers not in exclude, nearest first. Equal
// distances go to the driver who has waited longest, then by id.
func (e *Engine) candidates(ctx context.Context, pickup geo.Location, exclude []string) ([]candidate, error) {
	var (
		drivers []presence.LiveDriver
		err     error
	)
	if e.cfg.SearchRadiusKM > 0 {
		drivers, err = e.registry.Nearby(ctx, pickup, e.cfg.SearchRadiusKM)
	} else {
		drivers, err = e.registry.ListAvailable(ctx)
	}
	if err != nil {
		return nil, domainerrors.NewUpstreamUnavailable("driver presence", err)
	}

	drivers = slices.DeleteFunc(drivers, func(d presence.LiveDriver) bool {
		return slices.Contains(exclude, d.DriverID)
	})
	if len(drivers) == 0 {
		return nil, nil
	}

	origins := make([]geo.Location, len(drivers))
	for i, d := range drivers {
		origins[i] = d.Location
	}
	routes := e.geo.DistancesTo(ctx, origins, pickup)

	out := make([]candidate, len(drivers))
	for i, d := range drivers {
		out[i] = candidate{driver: d, route: routes[i]}
	}
	rank(out)
	return out, nil
}

func rank(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.route.Meters != b.route.Meters {
			return a.route.Meters < b.route.Meters
		}
		if !a.driver.UpdatedAt.Equal(b.driver.UpdatedAt) {
			return a.driver.UpdatedAt.Before(b.driver.UpdatedAt)
		}
		return a.driver.DriverID < b.driver.DriverID
	})
}

// release puts a reserved driver back after the assignment did not happen.
func (e *Engine) release(ctx context.Context, d presence.LiveDriver) {
	ctx = context.WithoutCancel(ctx)
	if _, err := e.registry.Upsert(ctx, d); err != nil {
		e.logger.ErrorContext(ctx, "failed to release reserved driver",
			slog.String("driver_id", d.DriverID),
			slog.String("error", err.Error()),
		)
	}
}
