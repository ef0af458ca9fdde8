package dispatch

import (
	"context"
	"time"

	"delivery-dispatch/internal/delivery"
	"delivery-dispatch/internal/events"
	"delivery-dispatch/internal/geo"
)

type AssignmentEvent struct {
	DeliveryID     string              `json:"deliveryId"`
	OrderID        string              `json:"orderId"`
	Status         delivery.Status     `json:"status"`
	Driver         *delivery.Driver    `json:"driver,omitempty"`
	Restaurant     delivery.Restaurant `json:"restaurant"`
	Customer       delivery.Customer   `json:"customer"`
	DeliveryFee    float64             `json:"deliveryFee"`
	EarningsAmount float64             `json:"earningsAmount"`
	Route          *geo.Route          `json:"route,omitempty"`
}

type ProposalEvent struct {
	DeliveryID      string              `json:"deliveryId"`
	OrderID         string              `json:"orderId"`
	Restaurant      delivery.Restaurant `json:"restaurant"`
	DeliveryAddress string              `json:"deliveryAddress"`
	DeliveryFee     float64             `json:"deliveryFee"`
	EarningsAmount  float64             `json:"earningsAmount"`
	Route           geo.Route           `json:"route"`
	Attempt         int                 `json:"attempt"`
	ExpiresAt       time.Time           `json:"expiresAt"`
}

type AssignmentFailedEvent struct {
	DeliveryID string `json:"deliveryId"`
	OrderID    string `json:"orderId"`
	Reason     string `json:"reason"`
	Attempts   int    `json:"attempts"`
}

func assignmentPayload(d *delivery.Delivery, route *geo.Route) AssignmentEvent {
	return AssignmentEvent{
		DeliveryID:     d.ID,
		OrderID:        d.OrderID,
		Status:         d.Status,
		Driver:         d.Driver,
		Restaurant:     d.Restaurant,
		Customer:       d.Customer,
		DeliveryFee:    d.DeliveryFee,
		EarningsAmount: d.EarningsAmount,
		Route:          route,
	}
}

// announceAssignment tells the driver about the job and the restaurant and
// customer about the driver.
func (e *Engine) announceAssignment(ctx context.Context, d *delivery.Delivery, route geo.Route) {
	payload := assignmentPayload(d, &route)
	e.publisher.Publish(ctx, events.Event{
		Name:    events.DirectAssignment,
		Rooms:   []string{events.UserRoom(d.Driver.ID)},
		Key:     d.ID,
		Payload: payload,
	})
	e.publisher.Publish(ctx, events.Event{
		Name:    events.DeliveryAssigned,
		Rooms:   []string{events.UserRoom(d.Restaurant.ID), events.UserRoom(d.Customer.ID)},
		Key:     d.ID,
		Payload: payload,
	})
}

func (e *Engine) announceProposal(ctx context.Context, d *delivery.Delivery, cands []candidate) {
	for _, c := range cands {
		e.publisher.Publish(ctx, events.Event{
			Name:  events.DeliveryProposal,
			Rooms: []string{events.UserRoom(c.driver.DriverID)},
			Key:   d.ID,
			Payload: ProposalEvent{
				DeliveryID:      d.ID,
				OrderID:         d.OrderID,
				Restaurant:      d.Restaurant,
				DeliveryAddress: d.Customer.DeliveryAddress,
				DeliveryFee:     d.DeliveryFee,
				EarningsAmount:  d.EarningsAmount,
				Route:           c.route,
				Attempt:         d.RetryAttempt,
				ExpiresAt:       *d.NextRetryAt,
			},
		})
	}
}

func (e *Engine) announceFailure(ctx context.Context, d *delivery.Delivery, reason string) {
	e.publisher.Publish(ctx, events.Event{
		Name:  events.AssignmentFailed,
		Rooms: []string{events.UserRoom(d.Restaurant.ID)},
		Key:   d.ID,
		Payload: AssignmentFailedEvent{
			DeliveryID: d.ID,
			OrderID:    d.OrderID,
			Reason:     reason,
			Attempts:   d.RetryAttempt,
		},
	})
}
