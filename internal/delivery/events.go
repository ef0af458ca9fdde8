package delivery

import (
	"context"
	"time"

	"delivery-dispatch/internal/events"
	"delivery-dispatch/internal/geo"
)

type StatusEvent struct {
	DeliveryID     string    `json:"deliveryId"`
	OrderID        string    `json:"orderId"`
	Status         Status    `json:"status"`
	PreviousStatus Status    `json:"previousStatus,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	Driver         *Driver   `json:"driver,omitempty"`
	FailureReason  string    `json:"failureReason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type LocationEvent struct {
	DeliveryID string       `json:"deliveryId"`
	OrderID    string       `json:"orderId"`
	DriverID   string       `json:"driverId"`
	Location   geo.Location `json:"coordinates"`
	Status     Status       `json:"status"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Rooms lists every party that follows the delivery.
func (d *Delivery) Rooms() []string {
	rooms := []string{events.UserRoom(d.Customer.ID), events.UserRoom(d.Restaurant.ID)}
	if d.Driver != nil {
		rooms = append(rooms, events.UserRoom(d.Driver.ID))
	}
	return rooms
}

func (s *service) publishStatus(ctx context.Context, d *Delivery, prev Status) {
	var notes string
	if n := len(d.StatusHistory); n > 0 {
		notes = d.StatusHistory[n-1].Notes
	}
	s.publisher.Publish(ctx, events.Event{
		Name:  events.StatusUpdated,
		Rooms: d.Rooms(),
		Key:   d.ID,
		Payload: StatusEvent{
			DeliveryID:     d.ID,
			OrderID:        d.OrderID,
			Status:         d.Status,
			PreviousStatus: prev,
			Notes:          notes,
			Driver:         d.Driver,
			FailureReason:  d.FailureReason,
			Timestamp:      d.UpdatedAt,
		},
	})
}
