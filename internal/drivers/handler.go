package drivers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"delivery-dispatch/internal/auth"
	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/geo"
	"delivery-dispatch/internal/pkg/apperrors"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

type AvailabilityRequest struct {
	IsAvailable *bool         `json:"isAvailable" binding:"required"`
	Coordinates *geo.Location `json:"coordinates"`
}

type LocationRequest struct {
	Lat *float64 `json:"lat" binding:"required"`
	Lng *float64 `json:"lng" binding:"required"`
}

// SetAvailability handles PATCH /drivers/availability.
func (h *Handler) SetAvailability(c *gin.Context) {
	caller, _ := auth.FromContext(c)
	var req AvailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.ToHTTPError(c, domainerrors.NewValidation(err.Error()))
		return
	}

	record, err := h.service.SetAvailability(c.Request.Context(), caller, *req.IsAvailable, req.Coordinates)
	if err != nil {
		apperrors.ToHTTPError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"isAvailable": *req.IsAvailable, "driver": record})
}

// Heartbeat handles PATCH /drivers/location.
func (h *Handler) Heartbeat(c *gin.Context) {
	caller, _ := auth.FromContext(c)
	var req LocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.ToHTTPError(c, domainerrors.NewValidation(err.Error()))
		return
	}

	record, err := h.service.Heartbeat(c.Request.Context(), caller, geo.NewLocation(*req.Lat, *req.Lng))
	if err != nil {
		apperrors.ToHTTPError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"driver": record})
}

// ListAvailable handles GET /admin/drivers/available.
func (h *Handler) ListAvailable(c *gin.Context) {
	list, err := h.service.ListAvailable(c.Request.Context())
	if err != nil {
		apperrors.ToHTTPError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"drivers": list, "total": len(list)})
}
