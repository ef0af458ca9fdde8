package delivery_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delivery-dispatch/config"
	"delivery-dispatch/internal/auth"
	"delivery-dispatch/internal/delivery"
	"delivery-dispatch/internal/earnings"
	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/events"
	"delivery-dispatch/internal/geo"
	"delivery-dispatch/internal/order"
	"delivery-dispatch/internal/presence"
	"delivery-dispatch/internal/testutil"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) Named(name string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	svc       delivery.Service
	registry  *presence.MemoryRegistry
	mirror    *fakeMirror
	publisher *recordingPublisher
	earnings  earnings.Service
}

func newHarness(t *testing.T, tracking config.TrackingConfig) *harness {
	t.Helper()
	db := testutil.Postgres(t)

	repo := delivery.NewRepository()
	store := delivery.NewEffectStore()
	registry := presence.NewMemoryRegistry()
	mirror := &fakeMirror{}
	publisher := &recordingPublisher{}
	earn := earnings.NewService(db, earnings.NewRepository())

	svc := delivery.NewService(delivery.Deps{
		DB:        db,
		Repo:      repo,
		Effects:   store,
		Runner:    delivery.NewEffectRunner(db, store, registry, mirror, time.Second),
		Earnings:  earn,
		Publisher: publisher,
		Mirror:    mirror,
		Router:    geo.NewService(nil, time.Second, 25, 1),
	}, tracking)

	return &harness{svc: svc, registry: registry, mirror: mirror, publisher: publisher, earnings: earn}
}

func defaultTracking() config.TrackingConfig {
	return config.TrackingConfig{LocationHistoryLimit: 500, MinDistanceMeters: 10, MinInterval: 5 * time.Second}
}

func orderFor(method, paymentStatus string, fee float64) *order.Order {
	o := readyOrder(method, paymentStatus, fee)
	o.ID = uuid.NewString()
	return o
}

func advance(t *testing.T, h *harness, id, driverID string, steps ...delivery.Status) *delivery.Delivery {
	t.Helper()
	var d *delivery.Delivery
	for _, st := range steps {
		var err error
		d, err = h.svc.Transition(context.Background(), id, driverID, st, "")
		require.NoError(t, err, "transition to %s", st)
	}
	return d
}

func TestLifecycle(t *testing.T) {
	h := newHarness(t, defaultTracking())
	ctx := context.Background()

	t.Run("forward then backward transition", func(t *testing.T) {
		d, err := h.svc.Create(ctx, orderFor("CARD", "PAID", 300), liveDriver("D-C"))
		require.NoError(t, err)
		advance(t, h, d.ID, "D-C", delivery.StatusEnRouteToRestaurant, delivery.StatusPickedUp)

		got, err := h.svc.Transition(ctx, d.ID, "D-C", delivery.StatusEnRouteToCustomer, "on my way")
		require.NoError(t, err)
		assert.Equal(t, delivery.StatusEnRouteToCustomer, got.Status)
		assert.Len(t, got.StatusHistory, 4)

		var last events.Event
		for _, e := range h.publisher.Named(events.StatusUpdated) {
			if e.Key == d.ID {
				last = e
			}
		}
		assert.Contains(t, last.Rooms, events.UserRoom("C1"))
		assert.Equal(t, delivery.StatusEnRouteToCustomer, last.Payload.(delivery.StatusEvent).Status)

		_, err = h.svc.Transition(ctx, d.ID, "D-C", delivery.StatusDriverAssigned, "")
		assert.True(t, domainerrors.HasCode(err, domainerrors.ErrInvalidTransition))

		stored, err := h.svc.GetByID(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, delivery.StatusEnRouteToCustomer, stored.Status)
		assert.Len(t, stored.StatusHistory, 4)
	})

	t.Run("delivered cash order settles earnings and frees the driver", func(t *testing.T) {
		d, err := h.svc.Create(ctx, orderFor("CASH", "PENDING", 500), liveDriver("D-D"))
		require.NoError(t, err)
		assert.Equal(t, -500.0, d.EarningsAmount)

		got := advance(t, h, d.ID, "D-D", delivery.StatusPickedUp, delivery.StatusDelivered)
		assert.Equal(t, 500.0, got.EarningsAmount)
		assert.True(t, got.EarningsRecorded)

		stored, err := h.svc.GetByID(ctx, d.ID)
		require.NoError(t, err)
		assert.InDelta(t, 500, stored.EarningsAmount, 0.001)
		assert.True(t, stored.EarningsRecorded)

		_, ok, err := h.registry.Get(ctx, "D-D")
		require.NoError(t, err)
		assert.True(t, ok, "driver should be back in presence")

		report, err := h.earnings.CurrentMonthTotal(ctx, "D-D")
		require.NoError(t, err)
		assert.InDelta(t, 500, report.Total, 0.001)
		assert.Equal(t, 1, report.DeliveryCount)

		assert.Contains(t, h.mirror.Statuses(), order.StatusDelivered)
	})

	t.Run("location update on a terminal delivery is not found", func(t *testing.T) {
		d, err := h.svc.Create(ctx, orderFor("CARD", "PAID", 100), liveDriver("D-E"))
		require.NoError(t, err)
		advance(t, h, d.ID, "D-E", delivery.StatusDelivered)

		err = h.svc.UpdateDriverLocation(ctx, d.ID, "D-E", geo.NewLocation(6.92, 79.86))
		assert.True(t, domainerrors.HasCode(err, domainerrors.ErrNotFound))
	})

	t.Run("wrong driver", func(t *testing.T) {
		d, err := h.svc.Create(ctx, orderFor("CARD", "PAID", 100), liveDriver("D-W"))
		require.NoError(t, err)

		_, err = h.svc.Transition(ctx, d.ID, "intruder", delivery.StatusPickedUp, "")
		assert.True(t, domainerrors.HasCode(err, domainerrors.ErrForbidden))

		err = h.svc.UpdateDriverLocation(ctx, d.ID, "intruder", geo.NewLocation(6.92, 79.86))
		assert.True(t, domainerrors.HasCode(err, domainerrors.ErrNotFound))
	})

	t.Run("a driver holds one active delivery", func(t *testing.T) {
		_, err := h.svc.Create(ctx, orderFor("CARD", "PAID", 100), liveDriver("D-1"))
		require.NoError(t, err)

		_, err = h.svc.Create(ctx, orderFor("CARD", "PAID", 100), liveDriver("D-1"))
		assert.True(t, domainerrors.HasCode(err, domainerrors.ErrConflict))

		active, err := h.svc.HasActiveDelivery(ctx, "D-1")
		require.NoError(t, err)
		assert.True(t, active)
	})

	t.Run("an order has one live delivery", func(t *testing.T) {
		o := orderFor("CARD", "PAID", 100)
		_, err := h.svc.Create(ctx, o, nil)
		require.NoError(t, err)

		_, err = h.svc.Create(ctx, o, nil)
		assert.True(t, domainerrors.HasCode(err, domainerrors.ErrConflict))
	})

	t.Run("cancel by restaurant restores the driver", func(t *testing.T) {
		d, err := h.svc.Create(ctx, orderFor("CARD", "PAID", 100), liveDriver("D-X"))
		require.NoError(t, err)

		_, err = h.svc.Cancel(ctx, d.ID, auth.Identity{UserID: "C1", Role: auth.RoleCustomer}, "")
		assert.True(t, domainerrors.HasCode(err, domainerrors.ErrForbidden))

		got, err := h.svc.Cancel(ctx, d.ID, auth.Identity{UserID: "R1", Role: auth.RoleRestaurant}, "kitchen closed")
		require.NoError(t, err)
		assert.Equal(t, delivery.StatusCancelled, got.Status)

		_, ok, err := h.registry.Get(ctx, "D-X")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("visibility", func(t *testing.T) {
		d, err := h.svc.Create(ctx, orderFor("CARD", "PAID", 100), liveDriver("D-V"))
		require.NoError(t, err)

		for _, id := range []auth.Identity{
			{UserID: "C1", Role: auth.RoleCustomer},
			{UserID: "R1", Role: auth.RoleRestaurant},
			{UserID: "D-V", Role: auth.RoleDriver},
			{UserID: "ops", Role: auth.RoleAdmin},
		} {
			_, err := h.svc.GetForIdentity(ctx, d.ID, id)
			assert.NoError(t, err, id.Role)
		}
		_, err = h.svc.GetForIdentity(ctx, d.ID, auth.Identity{UserID: "C2", Role: auth.RoleCustomer})
		assert.True(t, domainerrors.HasCode(err, domainerrors.ErrForbidden))
	})
}

func TestLocationHistoryIsCapped(t *testing.T) {
	h := newHarness(t, config.TrackingConfig{LocationHistoryLimit: 3, MinDistanceMeters: 0, MinInterval: 0})
	ctx := context.Background()

	d, err := h.svc.Create(ctx, orderFor("CARD", "PAID", 100), liveDriver("D-L"))
	require.NoError(t, err)

	for i := range 5 {
		loc := geo.NewLocation(6.91+float64(i)*0.001, 79.85)
		require.NoError(t, h.svc.UpdateDriverLocation(ctx, d.ID, "D-L", loc))
	}

	got, err := h.svc.GetByID(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, got.LocationHistory, 3)
	assert.InDelta(t, 6.914, got.LocationHistory[2].Location.Lat, 1e-9)
	require.NotNil(t, got.Driver.CurrentLocation)
	assert.InDelta(t, 6.914, got.Driver.CurrentLocation.Lat, 1e-9)

	assert.Len(t, h.publisher.Named(events.LocationUpdated), 5)
}

func TestLocationDoesNotRaceStatusWrites(t *testing.T) {
	h := newHarness(t, defaultTracking())
	ctx := context.Background()

	d, err := h.svc.Create(ctx, orderFor("CARD", "PAID", 100), liveDriver("D-R"))
	require.NoError(t, err)
	require.NoError(t, h.svc.UpdateDriverLocation(ctx, d.ID, "D-R", geo.NewLocation(6.95, 79.9)))

	got, err := h.svc.Transition(ctx, d.ID, "D-R", delivery.StatusPickedUp, "")
	require.NoError(t, err)

	stored, err := h.svc.GetByID(ctx, got.ID)
	require.NoError(t, err)
	assert.InDelta(t, 6.95, stored.Driver.CurrentLocation.Lat, 1e-9)
}

func TestOptimisticUpdateRejectsStaleVersion(t *testing.T) {
	db := testutil.Postgres(t)
	repo := delivery.NewRepository()
	ctx := context.Background()

	d := delivery.New(orderFor("CARD", "PAID", 100), nil, time.Now().UTC())
	require.NoError(t, repo.Insert(ctx, db, d))

	stale := *d
	ok, err := repo.Update(ctx, db, d, delivery.StatusPendingAssignment, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, d.Version)

	ok, err = repo.Update(ctx, db, &stale, delivery.StatusPendingAssignment, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProposalFlowPersists(t *testing.T) {
	h := newHarness(t, defaultTracking())
	ctx := context.Background()

	d, err := h.svc.Create(ctx, orderFor("CARD", "PAID", 100), nil)
	require.NoError(t, err)

	due := time.Now().UTC().Add(-time.Second)
	_, err = h.svc.Propose(ctx, d.ID, []string{"P1", "P2"}, due)
	require.NoError(t, err)

	list, err := h.svc.ListDueForRetry(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].RetryAttempt)
	assert.Equal(t, []string{"P1", "P2"}, list[0].ProposedDrivers)

	_, err = h.svc.Decline(ctx, d.ID, "P1")
	require.NoError(t, err)

	got, err := h.svc.AssignProposed(ctx, d.ID, *liveDriver("P2"))
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusDriverAssigned, got.Status)
	assert.Nil(t, got.NextRetryAt)

	stored, err := h.svc.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1"}, stored.DeclinedDrivers)
	assert.Empty(t, stored.ProposedDrivers)
}
