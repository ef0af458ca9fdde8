package order

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"delivery-dispatch/internal/geo"
)

const defaultLocationInflight = 16

// Mirror pushes delivery progress to the order service without letting the
// outcome reach the caller. Calls are detached from the request context so a
// client disconnect cannot cut them short.
type Mirror struct {
	provider  Provider
	timeout   time.Duration
	locations errgroup.Group
	logger    *slog.Logger
}

// NewMirror bounds background location pushes to inflight at a time.
func NewMirror(provider Provider, timeout time.Duration, inflight int) *Mirror {
	if inflight <= 0 {
		inflight = defaultLocationInflight
	}
	m := &Mirror{
		provider: provider,
		timeout:  timeout,
		logger:   slog.Default().With("component", "order-mirror"),
	}
	m.locations.SetLimit(inflight)
	return m
}

func (m *Mirror) Status(ctx context.Context, orderID string, status Status) error {
	ctx, cancel := m.detach(ctx)
	defer cancel()
	return m.provider.PatchOrderStatus(ctx, orderID, status)
}

func (m *Mirror) DeliveryPerson(ctx context.Context, orderID string, driver DriverInfo) error {
	ctx, cancel := m.detach(ctx)
	defer cancel()
	return m.provider.PatchDeliveryPerson(ctx, orderID, driver)
}

// Location pushes a driver position in the background and returns at once.
// When every slot is busy the push is dropped; the next ping supersedes it.
func (m *Mirror) Location(ctx context.Context, orderID string, loc geo.Location) {
	started := m.locations.TryGo(func() error {
		ctx, cancel := m.detach(ctx)
		defer cancel()
		if err := m.provider.PatchDeliveryLocation(ctx, orderID, loc); err != nil {
			m.logger.WarnContext(ctx, "mirror delivery location failed",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()),
			)
		}
		return nil
	})
	if !started {
		m.logger.DebugContext(ctx, "mirror delivery location dropped", slog.String("order_id", orderID))
	}
}

// Drain waits for in-flight location pushes. It must only be called once no
// new pushes can arrive.
func (m *Mirror) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = m.locations.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mirror) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
}
