package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"delivery-dispatch/config"
	"delivery-dispatch/internal/auth"
	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/events"
	"delivery-dispatch/internal/geo"
	"delivery-dispatch/internal/metrics"
	"delivery-dispatch/internal/order"
	"delivery-dispatch/internal/presence"
	"delivery-dispatch/internal/repo/postgres"
)

// maxWriteAttempts bounds how often a write that lost an optimistic race is
// retried on fresh state before surfacing CONFLICT.
const maxWriteAttempts = 3

var errLostRace = errors.New("delivery changed underneath")

// EarningsRecorder credits a delivered delivery to its driver's monthly
// report inside the caller's transaction.
type EarningsRecorder interface {
	RecordOnDeliveredWithTx(ctx context.Context, tx sqlx.ExtContext, d *Delivery) error
}

type Service interface {
	Create(ctx context.Context, o *order.Order, driver *presence.LiveDriver) (*Delivery, error)
	Transition(ctx context.Context, id, driverID string, to Status, notes string) (*Delivery, error)
	Cancel(ctx context.Context, id string, actor auth.Identity, reason string) (*Delivery, error)
	UpdateDriverLocation(ctx context.Context, id, driverID string, loc geo.Location) error
	GetByID(ctx context.Context, id string) (*Delivery, error)
	GetForIdentity(ctx context.Context, id string, identity auth.Identity) (*Delivery, error)
	Query(ctx context.Context, f Filter) ([]*Delivery, int, error)
	CurrentForDriver(ctx context.Context, driverID string) (*Delivery, error)
	HasActiveDelivery(ctx context.Context, driverID string) (bool, error)
	Track(ctx context.Context, id string, identity auth.Identity) (*Tracking, error)

	Propose(ctx context.Context, id string, candidates []string, nextRetryAt time.Time) (*Delivery, error)
	Decline(ctx context.Context, id, driverID string) (*Delivery, error)
	AssignProposed(ctx context.Context, id string, driver presence.LiveDriver) (*Delivery, error)
	FailPending(ctx context.Context, id, reason string) (*Delivery, error)
	ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*Delivery, error)
	ReplayEffects(ctx context.Context, limit int) (int, error)
}

type Deps struct {
	DB        *sqlx.DB
	Repo      Repository
	Effects   EffectStore
	Runner    *EffectRunner
	Earnings  EarningsRecorder
	Publisher events.Publisher
	Mirror    OrderMirror
	Router    Router
	Cache     TrackCache
}

type service struct {
	db        *sqlx.DB
	repo      Repository
	effects   EffectStore
	runner    *EffectRunner
	earnings  EarningsRecorder
	publisher events.Publisher
	mirror    OrderMirror
	router    Router
	cache     TrackCache
	tracking  config.TrackingConfig
	now       func() time.Time
	logger    *slog.Logger
}

func NewService(deps Deps, tracking config.TrackingConfig) Service {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &service{
		db:        deps.DB,
		repo:      deps.Repo,
		effects:   deps.Effects,
		runner:    deps.Runner,
		earnings:  deps.Earnings,
		publisher: publisher,
		mirror:    deps.Mirror,
		router:    deps.Router,
		cache:     deps.Cache,
		tracking:  tracking,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default().With("component", "delivery"),
	}
}

// -------------------------------------------------------------------------------------------------
// Create persists a new delivery. A unique violation means either the driver
// already holds an active delivery or the order already has a live one.
func (s *service) Create(ctx context.Context, o *order.Order, driver *presence.LiveDriver) (*Delivery, error) {
	d := New(o, driver, s.now())

	var committed []Effect
	err := postgres.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := s.repo.Insert(ctx, tx, d); err != nil {
			return err
		}
		var err error
		committed, err = s.effects.Insert(ctx, tx, effectsFor(d), s.now().Add(effectLease))
		return err
	})
	if err != nil {
		switch {
		case driver != nil && postgres.IsUniqueViolation(err, constraintActiveDriver):
			return nil, domainerrors.DriverBusy(driver.DriverID)
		case postgres.IsUniqueViolation(err, constraintLiveOrder):
			return nil, domainerrors.OrderAlreadyDispatched(o.ID)
		}
		return nil, domainerrors.NewInternal("failed to create delivery", err)
	}

	metrics.DeliveryTransitions.WithLabelValues(string(d.Status)).Inc()
	s.runner.Run(ctx, committed)
	s.publishStatus(ctx, d, "")
	return d, nil
}

// -------------------------------------------------------------------------------------------------
func (s *service) Transition(ctx context.Context, id, driverID string, to Status, notes string) (*Delivery, error) {
	return s.mutate(ctx, id, func(tx sqlx.ExtContext, d *Delivery) error {
		if !d.HeldBy(driverID) {
			return domainerrors.DeliveryNotAssignedToDriver()
		}
		if err := d.ApplyTransition(to, notes, s.now()); err != nil {
			return err
		}
		if to == StatusDelivered && d.Driver != nil {
			if err := s.earnings.RecordOnDeliveredWithTx(ctx, tx, d); err != nil {
				return err
			}
		}
		return nil
	})
}

// -------------------------------------------------------------------------------------------------
// Cancel is open to the delivery's restaurant and to privileged callers.
func (s *service) Cancel(ctx context.Context, id string, actor auth.Identity, reason string) (*Delivery, error) {
	if reason == "" {
		reason = "cancelled by " + actor.Role
	}
	return s.mutate(ctx, id, func(_ sqlx.ExtContext, d *Delivery) error {
		if !actor.IsPrivileged() && !(actor.Role == auth.RoleRestaurant && d.Restaurant.ID == actor.UserID) {
			return domainerrors.NewForbidden("only the restaurant or an admin can cancel this delivery")
		}
		if err := d.ApplyTransition(StatusCancelled, reason, s.now()); err != nil {
			return err
		}
		d.FailureReason = reason
		return nil
	})
}

// -------------------------------------------------------------------------------------------------
func (s *service) Propose(ctx context.Context, id string, candidates []string, nextRetryAt time.Time) (*Delivery, error) {
	return s.mutate(ctx, id, func(_ sqlx.ExtContext, d *Delivery) error {
		return d.Propose(candidates, nextRetryAt, s.now())
	})
}

func (s *service) Decline(ctx context.Context, id, driverID string) (*Delivery, error) {
	return s.mutate(ctx, id, func(_ sqlx.ExtContext, d *Delivery) error {
		return d.Decline(driverID, s.now())
	})
}

// -------------------------------------------------------------------------------------------------
// AssignProposed only succeeds while the delivery is still pending and the
// driver is in the current proposal round.
func (s *service) AssignProposed(ctx context.Context, id string, driver presence.LiveDriver) (*Delivery, error) {
	d, err := s.mutate(ctx, id, func(_ sqlx.ExtContext, d *Delivery) error {
		return d.AssignProposed(driver, s.now())
	})
	if postgres.IsUniqueViolation(err, constraintActiveDriver) {
		return nil, domainerrors.DriverBusy(driver.DriverID)
	}
	return d, err
}

// FailPending gives up on a delivery nobody was assigned to. A delivery that
// got a driver in the meantime is left alone.
func (s *service) FailPending(ctx context.Context, id, reason string) (*Delivery, error) {
	return s.mutate(ctx, id, func(_ sqlx.ExtContext, d *Delivery) error {
		if d.Status != StatusPendingAssignment {
			return domainerrors.NewInvalidTransition(string(d.Status), string(StatusFailed))
		}
		return d.Fail(reason, s.now())
	})
}

// -------------------------------------------------------------------------------------------------
// mutate loads the delivery, applies fn and writes it back conditioned on the
// status and version it was read at, together with new history rows and the
// effects of the new status. A lost race is retried on fresh state.
func (s *service) mutate(ctx context.Context, id string, fn func(tx sqlx.ExtContext, d *Delivery) error) (*Delivery, error) {
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		var (
			out       *Delivery
			prev      Status
			committed []Effect
		)
		err := postgres.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
			d, err := s.repo.GetByID(ctx, tx, id)
			if err != nil {
				return err
			}
			prev = d.Status
			prevVersion := d.Version
			historyLen := len(d.StatusHistory)

			if err := fn(tx, d); err != nil {
				return err
			}

			ok, err := s.repo.Update(ctx, tx, d, prev, prevVersion)
			if err != nil {
				return err
			}
			if !ok {
				return errLostRace
			}
			if err := s.repo.AppendHistory(ctx, tx, d.ID, d.StatusHistory[historyLen:]); err != nil {
				return err
			}
			if d.Status != prev {
				committed, err = s.effects.Insert(ctx, tx, effectsFor(d), s.now().Add(effectLease))
				if err != nil {
					return err
				}
			}
			out = d
			return nil
		})

		switch {
		case err == nil:
			if out.Status != prev {
				metrics.DeliveryTransitions.WithLabelValues(string(out.Status)).Inc()
				s.runner.Run(ctx, committed)
				s.publishStatus(ctx, out, prev)
			}
			return out, nil
		case errors.Is(err, errLostRace):
			s.logger.DebugContext(ctx, "optimistic write lost, retrying", slog.String("delivery_id", id), slog.Int("attempt", attempt))
			continue
		case errors.Is(err, ErrNotFound):
			return nil, domainerrors.DeliveryNotFound(id)
		case postgres.IsUniqueViolation(err):
			return nil, domainerrors.Wrap(domainerrors.ErrConflict, "delivery conflicts with another live delivery", err)
		}

		var de *domainerrors.DomainError
		if errors.As(err, &de) {
			return nil, de
		}
		return nil, domainerrors.NewInternal("failed to update delivery", err)
	}
	return nil, domainerrors.DeliveryConcurrentUpdate(id)
}

// -------------------------------------------------------------------------------------------------
// UpdateDriverLocation moves the driver on an active delivery. Unknown
// delivery, wrong driver and inactive status all answer NOT_FOUND.
func (s *service) UpdateDriverLocation(ctx context.Context, id, driverID string, loc geo.Location) error {
	if err := geo.ValidateLatLng(loc.Lat, loc.Lng); err != nil {
		return domainerrors.NewValidation(err.Error())
	}

	point := LocationPoint{Location: loc, Timestamp: s.now()}
	var d *Delivery
	err := postgres.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var err error
		d, err = s.repo.MoveDriver(ctx, tx, id, driverID, point)
		if err != nil {
			return err
		}
		last, err := s.repo.LastLocation(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ShouldRecord(last, point, s.tracking.MinDistanceMeters, s.tracking.MinInterval) {
			return nil
		}
		return s.repo.AppendLocation(ctx, tx, id, point, s.tracking.LocationHistoryLimit)
	})
	if errors.Is(err, ErrNotFound) {
		return domainerrors.DeliveryNotFound(id)
	}
	if err != nil {
		return domainerrors.NewInternal("failed to update driver location", err)
	}

	s.publisher.Publish(ctx, events.Event{
		Name:  events.LocationUpdated,
		Rooms: []string{events.UserRoom(d.Customer.ID)},
		Key:   d.ID,
		Payload: LocationEvent{
			DeliveryID: d.ID,
			OrderID:    d.OrderID,
			DriverID:   driverID,
			Location:   loc,
			Status:     d.Status,
			Timestamp:  point.Timestamp,
		},
	})
	if s.mirror != nil {
		s.mirror.Location(ctx, d.OrderID, loc)
	}
	return nil
}

// -------------------------------------------------------------------------------------------------
func (s *service) GetByID(ctx context.Context, id string) (*Delivery, error) {
	d, err := s.repo.GetByID(ctx, s.db, id)
	if errors.Is(err, ErrNotFound) {
		return nil, domainerrors.DeliveryNotFound(id)
	}
	if err != nil {
		return nil, domainerrors.NewInternal("failed to load delivery", err)
	}
	d.LocationHistory, err = s.repo.Locations(ctx, s.db, id, s.tracking.LocationHistoryLimit)
	if err != nil {
		return nil, domainerrors.NewInternal("failed to load location history", err)
	}
	return d, nil
}

func (s *service) GetForIdentity(ctx context.Context, id string, identity auth.Identity) (*Delivery, error) {
	d, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !visibleTo(d, identity) {
		return nil, domainerrors.DeliveryNotVisible()
	}
	return d, nil
}

func visibleTo(d *Delivery, identity auth.Identity) bool {
	switch identity.Role {
	case auth.RoleAdmin, auth.RoleService:
		return true
	case auth.RoleDriver:
		return d.HeldBy(identity.UserID)
	case auth.RoleCustomer:
		return d.Customer.ID == identity.UserID
	case auth.RoleRestaurant:
		return d.Restaurant.ID == identity.UserID
	default:
		return false
	}
}

func (s *service) Query(ctx context.Context, f Filter) ([]*Delivery, int, error) {
	list, total, err := s.repo.Query(ctx, s.db, f)
	if err != nil {
		return nil, 0, domainerrors.NewInternal("failed to query deliveries", err)
	}
	return list, total, nil
}

func (s *service) CurrentForDriver(ctx context.Context, driverID string) (*Delivery, error) {
	id, err := s.repo.ActiveIDForDriver(ctx, s.db, driverID)
	if errors.Is(err, ErrNotFound) {
		return nil, domainerrors.NewNotFound("active delivery for driver", driverID)
	}
	if err != nil {
		return nil, domainerrors.NewInternal("failed to load current delivery", err)
	}
	return s.GetByID(ctx, id)
}

func (s *service) HasActiveDelivery(ctx context.Context, driverID string) (bool, error) {
	_, err := s.repo.ActiveIDForDriver(ctx, s.db, driverID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, domainerrors.NewInternal("failed to check active delivery", err)
	}
	return true, nil
}

func (s *service) ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	return s.repo.ListDueForRetry(ctx, s.db, now, limit)
}

func (s *service) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*Delivery, error) {
	return s.repo.ListStalePending(ctx, s.db, createdBefore, limit)
}

func (s *service) ReplayEffects(ctx context.Context, limit int) (int, error) {
	return s.runner.Replay(ctx, limit)
}
