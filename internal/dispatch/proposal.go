package dispatch

import (
	"context"
	"log/slog"

	"delivery-dispatch/config"
	"delivery-dispatch/internal/auth"
	"delivery-dispatch/internal/delivery"
	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/geo"
	"delivery-dispatch/internal/metrics"
	"delivery-dispatch/internal/order"
)

const (
	reasonExhausted = "no driver accepted the delivery"
	reasonStale     = "delivery was not assigned in time"
)

// -------------------------------------------------------------------------------------------------
// startProposal creates a pending delivery and runs its first round.
func (e *Engine) startProposal(ctx context.Context, o *order.Order) (*delivery.Delivery, error) {
	d, err := e.lifecycle.Create(ctx, o, nil)
	if err != nil {
		return nil, err
	}
	return e.advance(ctx, d)
}

// advance moves a pending delivery whose round is over: it fails once the
// attempt limit is reached, otherwise it proposes to the next candidates.
// Retry state lives on the delivery itself, so a restart loses nothing.
func (e *Engine) advance(ctx context.Context, d *delivery.Delivery) (*delivery.Delivery, error) {
	if d.RetryAttempt >= e.cfg.MaxAttempts {
		return e.fail(ctx, d, reasonExhausted)
	}

	cands, err := e.candidates(ctx, d.Restaurant.Location, d.DeclinedDrivers)
	if err != nil {
		return nil, err
	}
	if len(cands) > e.cfg.Candidates {
		cands = cands[:e.cfg.Candidates]
	}

	window := e.cfg.ProposalWindow
	result := "proposed"
	if len(cands) == 0 {
		window = e.cfg.EmptyBackoff
		result = "empty"
	}
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.driver.DriverID
	}

	next, err := e.lifecycle.Propose(ctx, d.ID, ids, e.now().Add(window))
	if err != nil {
		return nil, err
	}
	metrics.ProposalRounds.WithLabelValues(result).Inc()
	e.announceProposal(ctx, next, cands)
	e.logger.InfoContext(ctx, "proposal round",
		slog.String("delivery_id", d.ID),
		slog.Int("attempt", next.RetryAttempt),
		slog.Int("candidates", len(ids)),
	)
	return next, nil
}

func (e *Engine) fail(ctx context.Context, d *delivery.Delivery, reason string) (*delivery.Delivery, error) {
	failed, err := e.lifecycle.FailPending(ctx, d.ID, reason)
	if err != nil {
		return nil, err
	}
	metrics.ProposalRounds.WithLabelValues("failed").Inc()
	e.announceFailure(ctx, failed, reason)
	e.logger.WarnContext(ctx, "delivery assignment failed",
		slog.String("delivery_id", d.ID),
		slog.String("reason", reason),
	)
	return failed, nil
}

// -------------------------------------------------------------------------------------------------
// Respond records a driver's answer to a proposal. Accepting reserves the
// driver and assigns the delivery only if it is still pending and the driver
// is in the current round. When the last proposed driver declines, the next
// round starts at once.
func (e *Engine) Respond(ctx context.Context, deliveryID string, driver auth.Identity, accept bool) (*delivery.Delivery, error) {
	if !accept {
		d, err := e.lifecycle.Decline(ctx, deliveryID, driver.UserID)
		if err != nil {
			return nil, err
		}
		metrics.ProposalRounds.WithLabelValues("declined").Inc()
		if len(d.ProposedDrivers) > 0 {
			return d, nil
		}
		return e.advance(ctx, d)
	}

	live, ok, err := e.registry.Get(ctx, driver.UserID)
	if err != nil {
		return nil, domainerrors.NewUpstreamUnavailable("driver presence", err)
	}
	if !ok {
		return nil, domainerrors.DriverNotAvailable(driver.UserID)
	}
	won, err := e.registry.Reserve(ctx, driver.UserID)
	if err != nil {
		return nil, domainerrors.NewUpstreamUnavailable("driver presence", err)
	}
	if !won {
		metrics.ReservationConflicts.Inc()
		return nil, domainerrors.DriverNotAvailable(driver.UserID)
	}

	d, err := e.lifecycle.AssignProposed(ctx, deliveryID, *live)
	if err != nil {
		e.release(ctx, *live)
		return nil, err
	}
	metrics.ProposalRounds.WithLabelValues("accepted").Inc()
	metrics.DispatchTotal.WithLabelValues(config.DispatchModeProposal, "accepted").Inc()

	origin := live.Location
	route := e.geo.DistancesTo(ctx, []geo.Location{origin}, d.Restaurant.Location)[0]
	e.announceAssignment(ctx, d, route)
	return d, nil
}

// -------------------------------------------------------------------------------------------------
// RunDue advances every pending delivery whose round has expired. It is
// driven by a recurring job and reports how many deliveries it moved.
func (e *Engine) RunDue(ctx context.Context) (int, error) {
	due, err := e.lifecycle.ListDueForRetry(ctx, e.now(), e.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, d := range due {
		if _, err := e.advance(ctx, d); err != nil {
			// a concurrent accept wins over the sweep
			if domainerrors.HasCode(err, domainerrors.ErrInvalidTransition) || domainerrors.HasCode(err, domainerrors.ErrConflict) {
				continue
			}
			e.logger.ErrorContext(ctx, "retry round failed",
				slog.String("delivery_id", d.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		moved++
	}
	return moved, nil
}

// FailStale fails pending deliveries older than the pending age limit, whatever
// their round state. It catches deliveries whose rounds were never scheduled.
func (e *Engine) FailStale(ctx context.Context) (int, error) {
	stale, err := e.lifecycle.ListStalePending(ctx, e.now().Add(-e.cfg.PendingMaxAge), e.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, d := range stale {
		if _, err := e.fail(ctx, d, reasonStale); err != nil {
			if !domainerrors.HasCode(err, domainerrors.ErrInvalidTransition) {
				e.logger.ErrorContext(ctx, "failing stale delivery",
					slog.String("delivery_id", d.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		failed++
	}
	return failed, nil
}
