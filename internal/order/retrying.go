package order

import (
	"context"
	"log/slog"
	"time"

	"delivery-dispatch/internal/geo"
)

type counter interface {
	Inc()
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetryingProvider retries transient order-service failures with capped
// exponential backoff.
type RetryingProvider struct {
	next    Provider
	retries counter
	cfg     RetryConfig
	logger  *slog.Logger
}

func NewRetryingProvider(next Provider, retries counter, cfg RetryConfig) *RetryingProvider {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &RetryingProvider{
		next:    next,
		retries: retries,
		cfg:     cfg,
		logger:  slog.Default().With("component", "order-client"),
	}
}

func (p *RetryingProvider) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var out *Order
	err := p.retry(ctx, "GetOrder", func() error {
		o, err := p.next.GetOrder(ctx, orderID)
		out = o
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *RetryingProvider) PatchOrderStatus(ctx context.Context, orderID string, status Status) error {
	return p.retry(ctx, "PatchOrderStatus", func() error {
		return p.next.PatchOrderStatus(ctx, orderID, status)
	})
}

func (p *RetryingProvider) PatchDeliveryPerson(ctx context.Context, orderID string, driver DriverInfo) error {
	return p.retry(ctx, "PatchDeliveryPerson", func() error {
		return p.next.PatchDeliveryPerson(ctx, orderID, driver)
	})
}

func (p *RetryingProvider) PatchDeliveryLocation(ctx context.Context, orderID string, loc geo.Location) error {
	return p.retry(ctx, "PatchDeliveryLocation", func() error {
		return p.next.PatchDeliveryLocation(ctx, orderID, loc)
	})
}

func (p *RetryingProvider) retry(ctx context.Context, method string, call func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		lastErr = call()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == p.cfg.MaxAttempts || !isRetryable(lastErr) {
			break
		}

		delay := backoff(p.cfg.BaseDelay, p.cfg.MaxDelay, attempt)
		if p.retries != nil {
			p.retries.Inc()
		}
		p.logger.WarnContext(ctx, "order service retry",
			slog.String("method", method),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", lastErr.Error()),
		)
		if !sleepWithContext(ctx, delay) {
			break
		}
	}
	return lastErr
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > max {
		return max
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
