package errors

import (
	stderrors "errors"
	"fmt"
)

const (
	ErrNotFound            = "NOT_FOUND"
	ErrInvalidTransition   = "INVALID_TRANSITION"
	ErrUnauthorized        = "UNAUTHORIZED"
	ErrForbidden           = "FORBIDDEN"
	ErrConflict            = "CONFLICT"
	ErrValidation          = "VALIDATION"
	ErrInvalidRequest      = "INVALID_REQUEST"
	ErrNoDriversAvailable  = "NO_DRIVERS_AVAILABLE"
	ErrUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrInternal            = "INTERNAL"
)

// Causes behind CONFLICT that callers need to tell apart with errors.Is.
var (
	ErrBusyDriver   = stderrors.New("driver holds an active delivery")
	ErrLiveDelivery = stderrors.New("order has a live delivery")
)

type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func Wrap(code, msg string, err error) *DomainError {
	return &DomainError{Code: code, Message: msg, Err: err}
}

// HasCode reports whether err wraps a DomainError with the given code.
func HasCode(err error, code string) bool {
	var de *DomainError
	return stderrors.As(err, &de) && de.Code == code
}

// --- Generic ---

func NewNotFound(entity, id string) *DomainError {
	return &DomainError{Code: ErrNotFound, Message: fmt.Sprintf("%s with id %s not found", entity, id)}
}

func NewInvalidTransition(from, to string) *DomainError {
	return &DomainError{Code: ErrInvalidTransition, Message: fmt.Sprintf("cannot transition from %s to %s", from, to)}
}

func NewUnauthorized(msg string) *DomainError {
	return &DomainError{Code: ErrUnauthorized, Message: msg}
}

func NewForbidden(msg string) *DomainError {
	return &DomainError{Code: ErrForbidden, Message: msg}
}

func NewConflict(msg string) *DomainError {
	return &DomainError{Code: ErrConflict, Message: msg}
}

func NewValidation(msg string) *DomainError {
	return &DomainError{Code: ErrValidation, Message: msg}
}

func NewInvalidRequest(msg string) *DomainError {
	return &DomainError{Code: ErrInvalidRequest, Message: msg}
}

func NewNoDriversAvailable() *DomainError {
	return &DomainError{Code: ErrNoDriversAvailable, Message: "no drivers are available right now"}
}

func NewUpstreamUnavailable(service string, err error) *DomainError {
	return &DomainError{Code: ErrUpstreamUnavailable, Message: service + " is unavailable", Err: err}
}

func NewInternal(msg string, err error) *DomainError {
	return &DomainError{Code: ErrInternal, Message: msg, Err: err}
}

// --- Delivery ---

func DeliveryNotFound(id string) *DomainError {
	return NewNotFound("delivery", id)
}

func DeliveryNotAssignedToDriver() *DomainError {
	return NewForbidden("delivery is not assigned to this driver")
}

func DeliveryNotVisible() *DomainError {
	return NewForbidden("you are not a party to this delivery")
}

func DeliveryConcurrentUpdate(id string) *DomainError {
	return NewConflict(fmt.Sprintf("delivery %s was modified concurrently, retry", id))
}

func OrderAlreadyDispatched(orderID string) *DomainError {
	return Wrap(ErrConflict, fmt.Sprintf("order %s already has a live delivery", orderID), ErrLiveDelivery)
}

// --- Driver ---

func DriverBusy(driverID string) *DomainError {
	return Wrap(ErrConflict, fmt.Sprintf("driver %s already holds an active delivery", driverID), ErrBusyDriver)
}

func DriverNotAvailable(driverID string) *DomainError {
	return NewConflict(fmt.Sprintf("driver %s is not available", driverID))
}

func DriverNotFound(driverID string) *DomainError {
	return NewNotFound("driver", driverID)
}
