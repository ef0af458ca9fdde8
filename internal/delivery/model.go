package delivery

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/geo"
	"delivery-dispatch/internal/order"
	"delivery-dispatch/internal/presence"
)

type Status string

const (
	StatusPendingAssignment   Status = "PENDING_ASSIGNMENT"
	StatusDriverAssigned      Status = "DRIVER_ASSIGNED"
	StatusEnRouteToRestaurant Status = "EN_ROUTE_TO_RESTAURANT"
	StatusArrivedAtRestaurant Status = "ARRIVED_AT_RESTAURANT"
	StatusPickedUp            Status = "PICKED_UP"
	StatusEnRouteToCustomer   Status = "EN_ROUTE_TO_CUSTOMER"
	StatusArrivedAtCustomer   Status = "ARRIVED_AT_CUSTOMER"
	StatusDelivered           Status = "DELIVERED"
	StatusCancelled           Status = "CANCELLED"
	StatusFailed              Status = "FAILED"
)

var ordinals = map[Status]int{
	StatusPendingAssignment:   0,
	StatusDriverAssigned:      1,
	StatusEnRouteToRestaurant: 2,
	StatusArrivedAtRestaurant: 3,
	StatusPickedUp:            4,
	StatusEnRouteToCustomer:   5,
	StatusArrivedAtCustomer:   6,
	StatusDelivered:           7,
}

func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := ordinals[st]; ok {
		return st, true
	}
	if st == StatusCancelled || st == StatusFailed {
		return st, true
	}
	return "", false
}

func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusFailed
}

func (s Status) isExit() bool {
	return s == StatusCancelled || s == StatusFailed
}

// IsActive reports whether the driver is on the way: location updates are
// only accepted in these states.
func (s Status) IsActive() bool {
	o, ok := ordinals[s]
	return ok && o >= ordinals[StatusDriverAssigned] && o <= ordinals[StatusEnRouteToCustomer]
}

// CanTransition enforces forward-only progress. CANCELLED and FAILED are
// reachable from any non-terminal state; nothing leaves a terminal state.
func CanTransition(from, to Status) error {
	if from.IsTerminal() {
		return domainerrors.NewInvalidTransition(string(from), string(to))
	}
	if to.isExit() {
		return nil
	}
	toOrd, ok := ordinals[to]
	if !ok || toOrd <= ordinals[from] {
		return domainerrors.NewInvalidTransition(string(from), string(to))
	}
	return nil
}

// OrderStatus maps a lifecycle status to the coarser status the order
// service tracks. Statuses with no order-side counterpart report false.
func OrderStatus(s Status) (order.Status, bool) {
	switch s {
	case StatusDriverAssigned:
		return order.StatusDriverAssigned, true
	case StatusPickedUp:
		return order.StatusPickedUp, true
	case StatusEnRouteToCustomer:
		return order.StatusOutForDelivery, true
	case StatusDelivered:
		return order.StatusDelivered, true
	case StatusFailed:
		return order.StatusDeliveryFailed, true
	default:
		return "", false
	}
}

type Restaurant struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Location geo.Location `json:"location"`
}

type Customer struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Phone           string        `json:"phone"`
	DeliveryAddress string        `json:"deliveryAddress"`
	Location        *geo.Location `json:"coordinates,omitempty"`
}

type Driver struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Phone             string        `json:"phone"`
	CurrentLocation   *geo.Location `json:"currentLocation,omitempty"`
	LocationUpdatedAt *time.Time    `json:"locationUpdatedAt,omitempty"`
	AssignedAt        time.Time     `json:"assignedAt"`
}

type Payment struct {
	Method string `json:"method"`
	Status string `json:"status"`
}

type StatusEntry struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Notes     string    `json:"notes,omitempty"`
}

type LocationPoint struct {
	Location  geo.Location `json:"coordinates"`
	Timestamp time.Time    `json:"timestamp"`
}

type Delivery struct {
	ID               string          `json:"deliveryId"`
	OrderID          string          `json:"orderId"`
	OrderRef         string          `json:"orderRef"`
	Restaurant       Restaurant      `json:"restaurant"`
	Customer         Customer        `json:"customer"`
	Driver           *Driver         `json:"driver,omitempty"`
	Status           Status          `json:"status"`
	StatusHistory    []StatusEntry   `json:"statusHistory"`
	ProposedDrivers  []string        `json:"proposedDrivers"`
	DeclinedDrivers  []string        `json:"-"`
	RetryAttempt     int             `json:"retryAttempt"`
	NextRetryAt      *time.Time      `json:"nextRetryAt,omitempty"`
	DeliveryFee      float64         `json:"deliveryFee"`
	Payment          Payment         `json:"payment"`
	EarningsAmount   float64         `json:"earningsAmount"`
	EarningsRecorded bool            `json:"earningsRecorded"`
	LocationHistory  []LocationPoint `json:"locationHistory,omitempty"`
	FailureReason    string          `json:"failureReason,omitempty"`
	Version          int             `json:"version"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// InitialEarnings is the driver's take for a delivery: the fee, negative
// while the driver still has to collect cash from the customer.
func InitialEarnings(fee float64, paymentMethod, paymentStatus string) float64 {
	fee = math.Abs(fee)
	if strings.EqualFold(paymentMethod, order.PaymentMethodCash) && !strings.EqualFold(paymentStatus, "PAID") {
		return -fee
	}
	return fee
}

// New builds a delivery for an order. With a driver it starts DRIVER_ASSIGNED,
// otherwise PENDING_ASSIGNMENT.
func New(o *order.Order, driver *presence.LiveDriver, now time.Time) *Delivery {
	d := &Delivery{
		ID:       uuid.NewString(),
		OrderID:  o.ID,
		OrderRef: o.ID,
		Restaurant: Restaurant{
			ID:       o.RestaurantOrder.RestaurantID,
			Name:     o.RestaurantOrder.RestaurantName,
			Location: *o.RestaurantOrder.RestaurantLocation,
		},
		Customer: Customer{
			ID:              o.CustomerID,
			Name:            o.CustomerName,
			Phone:           o.CustomerPhone,
			DeliveryAddress: o.DeliveryAddress,
			Location:        o.CustomerLocation,
		},
		Status:         StatusPendingAssignment,
		DeliveryFee:    o.RestaurantOrder.DeliveryFee,
		Payment:        Payment{Method: o.PaymentMethod, Status: o.PaymentStatus},
		EarningsAmount: InitialEarnings(o.RestaurantOrder.DeliveryFee, o.PaymentMethod, o.PaymentStatus),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	d.StatusHistory = []StatusEntry{{Status: StatusPendingAssignment, Timestamp: now}}

	if driver != nil {
		d.attach(*driver, now)
		d.Status = StatusDriverAssigned
		d.StatusHistory = []StatusEntry{{Status: StatusDriverAssigned, Timestamp: now, Notes: "assigned directly"}}
		return d
	}
	// A pending delivery is due at once, so the retry sweep picks it up even
	// if its first round never gets proposed.
	due := now
	d.NextRetryAt = &due
	return d
}

func (d *Delivery) attach(driver presence.LiveDriver, now time.Time) {
	loc := driver.Location
	d.Driver = &Driver{
		ID:              driver.DriverID,
		Name:            driver.Name,
		Phone:           driver.Phone,
		CurrentLocation: &loc,
		AssignedAt:      now,
	}
}

// HeldBy reports whether driverID is the assigned driver.
func (d *Delivery) HeldBy(driverID string) bool {
	return d.Driver != nil && d.Driver.ID == driverID
}

// ApplyTransition moves the delivery to a new status and records it.
// DELIVERED settles the earnings sign.
func (d *Delivery) ApplyTransition(to Status, notes string, now time.Time) error {
	if err := CanTransition(d.Status, to); err != nil {
		return err
	}
	d.Status = to
	d.StatusHistory = append(d.StatusHistory, StatusEntry{Status: to, Timestamp: now, Notes: notes})
	d.UpdatedAt = now

	if to == StatusDelivered {
		d.EarningsAmount = math.Abs(d.EarningsAmount)
	}
	if to.IsTerminal() {
		d.ProposedDrivers = nil
		d.NextRetryAt = nil
	}
	return nil
}

// AssignProposed hands a pending delivery to one of the drivers it was
// proposed to.
func (d *Delivery) AssignProposed(driver presence.LiveDriver, now time.Time) error {
	if d.Status != StatusPendingAssignment {
		return domainerrors.NewInvalidTransition(string(d.Status), string(StatusDriverAssigned))
	}
	if !slices.Contains(d.ProposedDrivers, driver.DriverID) {
		return domainerrors.NewForbidden("delivery was not proposed to this driver")
	}
	if err := d.ApplyTransition(StatusDriverAssigned, "accepted proposal", now); err != nil {
		return err
	}
	d.attach(driver, now)
	d.ProposedDrivers = nil
	d.NextRetryAt = nil
	return nil
}

// Propose records a new proposal round. A round that has not expired yet
// cannot be replaced, which keeps concurrent sweeps from running it twice.
func (d *Delivery) Propose(candidates []string, nextRetryAt, now time.Time) error {
	if d.Status != StatusPendingAssignment {
		return domainerrors.NewInvalidTransition(string(d.Status), string(StatusPendingAssignment))
	}
	if d.NextRetryAt != nil && d.NextRetryAt.After(now) {
		return domainerrors.NewConflict("proposal round is still open")
	}
	d.ProposedDrivers = slices.Clone(candidates)
	d.RetryAttempt++
	d.NextRetryAt = &nextRetryAt
	d.UpdatedAt = now
	return nil
}

// Decline drops driverID from the current round and remembers the refusal.
// Once nobody is left the round is due immediately.
func (d *Delivery) Decline(driverID string, now time.Time) error {
	if d.Status != StatusPendingAssignment {
		return domainerrors.NewInvalidTransition(string(d.Status), string(StatusPendingAssignment))
	}
	i := slices.Index(d.ProposedDrivers, driverID)
	if i < 0 {
		return domainerrors.NewForbidden("delivery was not proposed to this driver")
	}
	d.ProposedDrivers = slices.Delete(d.ProposedDrivers, i, i+1)
	if !slices.Contains(d.DeclinedDrivers, driverID) {
		d.DeclinedDrivers = append(d.DeclinedDrivers, driverID)
	}
	if len(d.ProposedDrivers) == 0 {
		due := now
		d.NextRetryAt = &due
	}
	d.UpdatedAt = now
	return nil
}

// Fail moves a non-terminal delivery to FAILED with a reason.
func (d *Delivery) Fail(reason string, now time.Time) error {
	if err := d.ApplyTransition(StatusFailed, reason, now); err != nil {
		return err
	}
	d.FailureReason = reason
	return nil
}

// Destination is where the driver is heading in the current stage.
func (d *Delivery) Destination() geo.Location {
	if ordinals[d.Status] >= ordinals[StatusPickedUp] && d.Customer.Location != nil {
		return *d.Customer.Location
	}
	return d.Restaurant.Location
}

// RestoreLocation is where a released driver re-enters the presence registry.
func (d *Delivery) RestoreLocation() geo.Location {
	if d.Driver != nil && d.Driver.CurrentLocation != nil {
		return *d.Driver.CurrentLocation
	}
	if d.Customer.Location != nil {
		return *d.Customer.Location
	}
	return d.Restaurant.Location
}

// ShouldRecord decides whether a location sample is kept in the history:
// it must be far enough from, or late enough after, the last kept point.
func ShouldRecord(last *LocationPoint, next LocationPoint, minMeters float64, minInterval time.Duration) bool {
	if last == nil {
		return true
	}
	if geo.HaversineMeters(last.Location, next.Location) >= minMeters {
		return true
	}
	return next.Timestamp.Sub(last.Timestamp) >= minInterval
}

// Filter narrows admin queries. Zero values mean "any".
type Filter struct {
	Status   Status
	DriverID string
	From     *time.Time
	To       *time.Time
	Page     int
	Limit    int
}
