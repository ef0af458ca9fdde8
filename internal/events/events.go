// Package events describes the notifications the service emits and the
// publishers that carry them to rooms of connected clients or to Kafka.
package events

import (
	"context"
)

// Outbound event names.
const (
	DeliveryAssigned    = "delivery-assigned"
	DirectAssignment    = "direct-assignment"
	DeliveryProposal    = "delivery-proposal"
	StatusUpdated       = "status-updated"
	LocationUpdated     = "location-updated"
	AssignmentFailed    = "assignment-failed"
	AvailabilityChanged = "availability-changed"
	Error               = "error"
	Ack                 = "ack"
)

const (
	DriversRoom     = "drivers_room"
	RestaurantsRoom = "restaurants_room"
)

func UserRoom(userID string) string {
	return "user_" + userID
}

// Event is addressed to zero or more rooms. Key groups events that must keep
// their relative order, usually the delivery id.
type Event struct {
	Name    string   `json:"event"`
	Rooms   []string `json:"rooms"`
	Key     string   `json:"key,omitempty"`
	Payload any      `json:"data"`
}

// Publisher delivers events at most once. Implementations never block the
// caller on slow consumers and never report delivery failures.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Fanout forwards every event to each publisher in turn.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) {
	for _, p := range f {
		p.Publish(ctx, e)
	}
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
