package realtime

import (
	"context"
	"encoding/json"

	"delivery-dispatch/internal/auth"
	"delivery-dispatch/internal/delivery"
	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/geo"
	"delivery-dispatch/internal/presence"
)

// Inbound event names, sent by drivers.
const (
	EventLocationUpdate     = "location-update"
	EventAvailabilityToggle = "availability-toggle"
	EventDeliveryResponse   = "delivery-response"
)

type LocationSink interface {
	UpdateDriverLocation(ctx context.Context, id, driverID string, loc geo.Location) error
}

type AvailabilitySetter interface {
	SetAvailability(ctx context.Context, driver auth.Identity, isAvailable bool, loc *geo.Location) (*presence.LiveDriver, error)
}

type ProposalResponder interface {
	Respond(ctx context.Context, deliveryID string, driver auth.Identity, accept bool) (*delivery.Delivery, error)
}

// Inbound routes driver-originated events to the services that own them.
// A nil collaborator rejects its event.
type Inbound struct {
	Locations    LocationSink
	Availability AvailabilitySetter
	Proposals    ProposalResponder
}

type locationUpdate struct {
	DeliveryID string   `json:"deliveryId"`
	Lat        *float64 `json:"lat"`
	Lng        *float64 `json:"lng"`
}

type availabilityToggle struct {
	IsAvailable *bool         `json:"isAvailable"`
	Coordinates *geo.Location `json:"coordinates"`
}

type deliveryResponse struct {
	DeliveryID string `json:"deliveryId"`
	Accept     *bool  `json:"accept"`
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return domainerrors.NewValidation("data is required")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return domainerrors.NewValidation("malformed data: " + err.Error())
	}
	return nil
}

func (in *Inbound) dispatch(ctx context.Context, who auth.Identity, f inboundFrame) (any, error) {
	if !who.IsDriver() {
		return nil, domainerrors.NewForbidden("only drivers may send events")
	}

	switch f.Event {
	case EventLocationUpdate:
		if in.Locations == nil {
			break
		}
		var req locationUpdate
		if err := decode(f.Data, &req); err != nil {
			return nil, err
		}
		if req.DeliveryID == "" || req.Lat == nil || req.Lng == nil {
			return nil, domainerrors.NewValidation("deliveryId, lat and lng are required")
		}
		loc := geo.NewLocation(*req.Lat, *req.Lng)
		if err := in.Locations.UpdateDriverLocation(ctx, req.DeliveryID, who.UserID, loc); err != nil {
			return nil, err
		}
		return map[string]string{"deliveryId": req.DeliveryID}, nil

	case EventAvailabilityToggle:
		if in.Availability == nil {
			break
		}
		var req availabilityToggle
		if err := decode(f.Data, &req); err != nil {
			return nil, err
		}
		if req.IsAvailable == nil {
			return nil, domainerrors.NewValidation("isAvailable is required")
		}
		live, err := in.Availability.SetAvailability(ctx, who, *req.IsAvailable, req.Coordinates)
		if err != nil {
			return nil, err
		}
		return map[string]any{"isAvailable": *req.IsAvailable, "driver": live}, nil

	case EventDeliveryResponse:
		if in.Proposals == nil {
			break
		}
		var req deliveryResponse
		if err := decode(f.Data, &req); err != nil {
			return nil, err
		}
		if req.DeliveryID == "" || req.Accept == nil {
			return nil, domainerrors.NewValidation("deliveryId and accept are required")
		}
		d, err := in.Proposals.Respond(ctx, req.DeliveryID, who, *req.Accept)
		if err != nil {
			return nil, err
		}
		return map[string]any{"deliveryId": req.DeliveryID, "status": d.Status}, nil
	}

	return nil, domainerrors.NewValidation("unsupported event " + f.Event)
}
