package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"delivery-dispatch/internal/geo"
	"delivery-dispatch/internal/metrics"
	"delivery-dispatch/internal/order"
	"delivery-dispatch/internal/presence"
)

// Effects are side effects of a status change that live outside Postgres.
// They are written in the same transaction as the change, run right after
// commit, and replayed until they succeed. Every handler is idempotent.
type EffectKind string

const (
	EffectRestorePresence     EffectKind = "presence.restore"
	EffectOrderStatus         EffectKind = "order.status"
	EffectOrderDeliveryPerson EffectKind = "order.delivery_person"
)

const (
	effectLease       = 30 * time.Second
	effectMaxBackoff  = 5 * time.Minute
	effectMaxAttempts = 20
)

type Effect struct {
	ID         int64           `db:"id"`
	DeliveryID string          `db:"delivery_id"`
	Kind       EffectKind      `db:"kind"`
	Payload    json.RawMessage `db:"payload"`
	Attempts   int             `db:"attempts"`
}

type restorePayload struct {
	DriverID string       `json:"driverId"`
	Name     string       `json:"name"`
	Phone    string       `json:"phone"`
	Location geo.Location `json:"location"`
}

type orderStatusPayload struct {
	OrderID string       `json:"orderId"`
	Status  order.Status `json:"status"`
}

type deliveryPersonPayload struct {
	OrderID string           `json:"orderId"`
	Driver  order.DriverInfo `json:"driver"`
}

func newEffect(deliveryID string, kind EffectKind, payload any) Effect {
	b, _ := json.Marshal(payload)
	return Effect{DeliveryID: deliveryID, Kind: kind, Payload: b}
}

// effectsFor derives the effects of moving d into its current status.
func effectsFor(d *Delivery) []Effect {
	var out []Effect
	if d.Status.IsTerminal() && d.Driver != nil {
		out = append(out, newEffect(d.ID, EffectRestorePresence, restorePayload{
			DriverID: d.Driver.ID,
			Name:     d.Driver.Name,
			Phone:    d.Driver.Phone,
			Location: d.RestoreLocation(),
		}))
	}
	if d.Status == StatusDriverAssigned && d.Driver != nil {
		out = append(out, newEffect(d.ID, EffectOrderDeliveryPerson, deliveryPersonPayload{
			OrderID: d.OrderID,
			Driver:  order.DriverInfo{DriverID: d.Driver.ID, Name: d.Driver.Name, Phone: d.Driver.Phone},
		}))
	}
	if st, ok := OrderStatus(d.Status); ok {
		out = append(out, newEffect(d.ID, EffectOrderStatus, orderStatusPayload{OrderID: d.OrderID, Status: st}))
	}
	return out
}

// OrderMirror is the slice of the order service that effects need.
// Location must not block the caller.
type OrderMirror interface {
	Status(ctx context.Context, orderID string, status order.Status) error
	DeliveryPerson(ctx context.Context, orderID string, driver order.DriverInfo) error
	Location(ctx context.Context, orderID string, loc geo.Location)
}

type EffectStore interface {
	Insert(ctx context.Context, ext sqlx.ExtContext, effects []Effect, runAfter time.Time) ([]Effect, error)
	Claim(ctx context.Context, ext sqlx.ExtContext, now time.Time, limit int) ([]Effect, error)
	MarkDone(ctx context.Context, ext sqlx.ExtContext, id int64, now time.Time) error
	MarkFailed(ctx context.Context, ext sqlx.ExtContext, id int64, cause string, next time.Time) error
	Abandon(ctx context.Context, ext sqlx.ExtContext, id int64, cause string, now time.Time) error
}

type effectStore struct{}

func NewEffectStore() EffectStore {
	return &effectStore{}
}

func (s *effectStore) Insert(ctx context.Context, ext sqlx.ExtContext, effects []Effect, runAfter time.Time) ([]Effect, error) {
	out := make([]Effect, 0, len(effects))
	for _, e := range effects {
		var id int64
		if err := sqlx.GetContext(ctx, ext, &id,
			`INSERT INTO delivery_effects (delivery_id, kind, payload, next_attempt_at) VALUES ($1, $2, $3, $4) RETURNING id`,
			e.DeliveryID, string(e.Kind), []byte(e.Payload), runAfter); err != nil {
			return nil, fmt.Errorf("insert effect: %w", err)
		}
		e.ID = id
		out = append(out, e)
	}
	return out, nil
}

// Claim leases due effects so concurrent replayers skip them.
func (s *effectStore) Claim(ctx context.Context, ext sqlx.ExtContext, now time.Time, limit int) ([]Effect, error) {
	var out []Effect
	err := sqlx.SelectContext(ctx, ext, &out, `UPDATE delivery_effects
		SET next_attempt_at = $2
		WHERE id IN (
			SELECT id FROM delivery_effects
			WHERE processed_at IS NULL AND next_attempt_at <= $1
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, delivery_id, kind, payload, attempts`, now, now.Add(effectLease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim effects: %w", err)
	}
	return out, nil
}

func (s *effectStore) MarkDone(ctx context.Context, ext sqlx.ExtContext, id int64, now time.Time) error {
	_, err := ext.ExecContext(ctx,
		`UPDATE delivery_effects SET processed_at = $2, attempts = attempts + 1 WHERE id = $1`, id, now)
	if err != nil {
		return fmt.Errorf("mark effect done: %w", err)
	}
	return nil
}

func (s *effectStore) MarkFailed(ctx context.Context, ext sqlx.ExtContext, id int64, cause string, next time.Time) error {
	_, err := ext.ExecContext(ctx,
		`UPDATE delivery_effects SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3 WHERE id = $1`,
		id, cause, next)
	if err != nil {
		return fmt.Errorf("mark effect failed: %w", err)
	}
	return nil
}

func (s *effectStore) Abandon(ctx context.Context, ext sqlx.ExtContext, id int64, cause string, now time.Time) error {
	_, err := ext.ExecContext(ctx,
		`UPDATE delivery_effects SET attempts = attempts + 1, last_error = $2, processed_at = $3 WHERE id = $1`,
		id, "abandoned: "+cause, now)
	if err != nil {
		return fmt.Errorf("abandon effect: %w", err)
	}
	return nil
}

// EffectRunner executes effects and records the outcome.
type EffectRunner struct {
	db       *sqlx.DB
	store    EffectStore
	registry presence.Registry
	orders   OrderMirror
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

func NewEffectRunner(db *sqlx.DB, store EffectStore, registry presence.Registry, orders OrderMirror, timeout time.Duration) *EffectRunner {
	return &EffectRunner{
		db:       db,
		store:    store,
		registry: registry,
		orders:   orders,
		timeout:  timeout,
		now:      time.Now,
		logger:   slog.Default().With("component", "delivery-effects"),
	}
}

// Run executes freshly committed effects. It is detached from ctx
// cancellation: the status change already happened.
func (r *EffectRunner) Run(ctx context.Context, effects []Effect) {
	ctx = context.WithoutCancel(ctx)
	for _, e := range effects {
		r.runOne(ctx, e)
	}
}

// Replay claims due effects and runs them. It returns how many were claimed.
func (r *EffectRunner) Replay(ctx context.Context, limit int) (int, error) {
	effects, err := r.store.Claim(ctx, r.db, r.now(), limit)
	if err != nil {
		return 0, err
	}
	for _, e := range effects {
		r.runOne(ctx, e)
	}
	return len(effects), nil
}

func (r *EffectRunner) runOne(ctx context.Context, e Effect) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := r.execute(ctx, e)
	now := r.now()
	if err == nil {
		metrics.DeliveryEffects.WithLabelValues(string(e.Kind), "ok").Inc()
		if markErr := r.store.MarkDone(ctx, r.db, e.ID, now); markErr != nil {
			r.logger.ErrorContext(ctx, "mark effect done", slog.Int64("effect_id", e.ID), slog.String("error", markErr.Error()))
		}
		return
	}

	attempts := e.Attempts + 1
	if attempts >= effectMaxAttempts {
		metrics.DeliveryEffects.WithLabelValues(string(e.Kind), "abandoned").Inc()
		r.logger.ErrorContext(ctx, "abandoning delivery effect",
			slog.Int64("effect_id", e.ID),
			slog.String("delivery_id", e.DeliveryID),
			slog.String("kind", string(e.Kind)),
			slog.String("error", err.Error()),
		)
		_ = r.store.Abandon(ctx, r.db, e.ID, err.Error(), now)
		return
	}

	metrics.DeliveryEffects.WithLabelValues(string(e.Kind), "retry").Inc()
	r.logger.WarnContext(ctx, "delivery effect failed, will retry",
		slog.Int64("effect_id", e.ID),
		slog.String("delivery_id", e.DeliveryID),
		slog.String("kind", string(e.Kind)),
		slog.Int("attempt", attempts),
		slog.String("error", err.Error()),
	)
	if markErr := r.store.MarkFailed(ctx, r.db, e.ID, err.Error(), now.Add(effectBackoff(attempts))); markErr != nil {
		r.logger.ErrorContext(ctx, "mark effect failed", slog.Int64("effect_id", e.ID), slog.String("error", markErr.Error()))
	}
}

func (r *EffectRunner) execute(ctx context.Context, e Effect) error {
	switch e.Kind {
	case EffectRestorePresence:
		var p restorePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", e.Kind, err)
		}
		_, err := r.registry.Upsert(ctx, presence.LiveDriver{
			DriverID: p.DriverID,
			Name:     p.Name,
			Phone:    p.Phone,
			Location: p.Location,
		})
		return err
	case EffectOrderStatus:
		var p orderStatusPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", e.Kind, err)
		}
		return r.orders.Status(ctx, p.OrderID, p.Status)
	case EffectOrderDeliveryPerson:
		var p deliveryPersonPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", e.Kind, err)
		}
		return r.orders.DeliveryPerson(ctx, p.OrderID, p.Driver)
	default:
		return fmt.Errorf("unknown effect kind %q", e.Kind)
	}
}

func effectBackoff(attempt int) time.Duration {
	d := 5 * time.Second << min(attempt-1, 10)
	if d > effectMaxBackoff {
		return effectMaxBackoff
	}
	return d
}
