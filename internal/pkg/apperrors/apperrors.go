package apperrors

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	domainerrors "delivery-dispatch/internal/errors"
)

// DetailKey is the gin context key that enables echoing wrapped causes.
// It is only set by middleware.ErrorDetail in development mode.
const DetailKey = "apperrors.detail"

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

var codeToStatus = map[string]int{
	domainerrors.ErrNotFound:            http.StatusNotFound,
	domainerrors.ErrInvalidTransition:   http.StatusConflict,
	domainerrors.ErrUnauthorized:        http.StatusUnauthorized,
	domainerrors.ErrForbidden:           http.StatusForbidden,
	domainerrors.ErrConflict:            http.StatusConflict,
	domainerrors.ErrValidation:          http.StatusBadRequest,
	domainerrors.ErrInvalidRequest:      http.StatusUnprocessableEntity,
	domainerrors.ErrNoDriversAvailable:  http.StatusConflict,
	domainerrors.ErrUpstreamUnavailable: http.StatusBadGateway,
	domainerrors.ErrInternal:            http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for a domain error code.
func StatusFor(code string) int {
	status, ok := codeToStatus[code]
	if !ok {
		return http.StatusInternalServerError
	}
	return status
}

// Body converts any error into the wire error body. Unknown errors collapse
// to INTERNAL so driver or SQL messages never reach a client.
func Body(err error, withDetail bool) ErrorBody {
	var domainErr *domainerrors.DomainError
	if errors.As(err, &domainErr) {
		body := ErrorBody{Code: domainErr.Code, Message: domainErr.Message}
		if withDetail && domainErr.Err != nil {
			body.Detail = domainErr.Err.Error()
		}
		return body
	}

	body := ErrorBody{Code: domainerrors.ErrInternal, Message: "an unexpected error occurred"}
	if withDetail && err != nil {
		body.Detail = err.Error()
	}
	return body
}

func ToHTTPError(c *gin.Context, err error) {
	body := Body(err, c.GetBool(DetailKey))
	if body.Code == domainerrors.ErrInternal {
		_ = c.Error(err)
	}
	c.JSON(StatusFor(body.Code), ErrorResponse{Error: body})
}

// Abort writes a plain code/message pair and stops the handler chain.
func Abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: msg,
		},
	})
}
