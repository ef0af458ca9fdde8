package order

import (
	"errors"
	"fmt"
	"strings"

	"delivery-dispatch/internal/geo"
)

// Status is the order-side status the order service understands. It is a
// coarser view of the delivery lifecycle.
type Status string

const (
	StatusDriverAssigned Status = "DRIVER_ASSIGNED"
	StatusPickedUp       Status = "PICKED_UP"
	StatusOutForDelivery Status = "OUT_FOR_DELIVERY"
	StatusDelivered      Status = "DELIVERED"
	StatusDeliveryFailed Status = "DELIVERY_FAILED"
)

const (
	TypeDelivery          = "DELIVERY"
	RestaurantReadyStatus = "READY_FOR_PICKUP"
	PaymentMethodCash     = "CASH"
)

var ErrMalformedOrder = errors.New("malformed order payload")

type RestaurantOrder struct {
	Status             string        `json:"status"`
	RestaurantID       string        `json:"restaurantId"`
	RestaurantName     string        `json:"restaurantName"`
	RestaurantLocation *geo.Location `json:"restaurantLocation"`
	DeliveryFee        float64       `json:"deliveryFee"`
}

// Order is the subset of the order service document dispatch relies on.
type Order struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	RestaurantOrder  RestaurantOrder `json:"restaurantOrder"`
	CustomerID       string          `json:"customerId"`
	CustomerName     string          `json:"customerName"`
	CustomerPhone    string          `json:"customerPhone"`
	DeliveryAddress  string          `json:"deliveryAddress"`
	CustomerLocation *geo.Location   `json:"customerLocation,omitempty"`
	PaymentMethod    string          `json:"paymentMethod"`
	PaymentStatus    string          `json:"paymentStatus"`
}

// Validate rejects documents missing fields dispatch cannot work without.
func (o *Order) Validate() error {
	var missing []string
	if o.ID == "" {
		missing = append(missing, "id")
	}
	if o.Type == "" {
		missing = append(missing, "type")
	}
	if o.CustomerID == "" {
		missing = append(missing, "customerId")
	}
	if o.RestaurantOrder.RestaurantID == "" {
		missing = append(missing, "restaurantOrder.restaurantId")
	}
	if o.RestaurantOrder.RestaurantLocation == nil {
		missing = append(missing, "restaurantOrder.restaurantLocation")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedOrder, strings.Join(missing, ", "))
	}

	loc := o.RestaurantOrder.RestaurantLocation
	if err := geo.ValidateLatLng(loc.Lat, loc.Lng); err != nil {
		return fmt.Errorf("%w: restaurant location: %v", ErrMalformedOrder, err)
	}
	if o.RestaurantOrder.DeliveryFee < 0 {
		return fmt.Errorf("%w: negative delivery fee", ErrMalformedOrder)
	}
	return nil
}

// IsDeliverable reports whether the order needs a driver and the restaurant
// has it ready for pickup.
func (o *Order) IsDeliverable() bool {
	return strings.EqualFold(o.Type, TypeDelivery) &&
		strings.EqualFold(o.RestaurantOrder.Status, RestaurantReadyStatus)
}

func (o *Order) IsCash() bool {
	return strings.EqualFold(o.PaymentMethod, PaymentMethodCash)
}

// DriverInfo is what the order service stores about the assigned driver.
type DriverInfo struct {
	DriverID string `json:"driverId"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
}
