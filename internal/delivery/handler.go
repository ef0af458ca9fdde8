package delivery

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

type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Notes  string `json:"notes"`
}

type LocationRequest struct {
	Lat *float64 `json:"lat" binding:"required"`
	Lng *float64 `json:"lng" binding:"required"`
}

func (r LocationRequest) Location() geo.Location {
	return geo.NewLocation(*r.Lat, *r.Lng)
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

func identity(c *gin.Context) (auth.Identity, bool) {
	id, ok := auth.FromContext(c)
	if !ok {
		apperrors.ToHTTPError(c, domainerrors.NewUnauthorized("authentication required"))
	}
	return id, ok
}

// UpdateStatus handles PATCH /deliveries/:id/status.
func (h *Handler) UpdateStatus(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.ToHTTPError(c, domainerrors.NewValidation(err.Error()))
		return
	}
	status, valid := ParseStatus(req.Status)
	if !valid {
		apperrors.ToHTTPError(c, domainerrors.NewValidation("unknown status "+req.Status))
		return
	}

	d, err := h.service.Transition(c.Request.Context(), c.Param("id"), caller.UserID, status, req.Notes)
	if err != nil {
		apperrors.ToHTTPError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivery": d})
}

// UpdateLocation handles PATCH /deliveries/:id/location.
func (h *Handler) UpdateLocation(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	var req LocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.ToHTTPError(c, domainerrors.NewValidation(err.Error()))
		return
	}

	if err := h.service.UpdateDriverLocation(c.Request.Context(), c.Param("id"), caller.UserID, req.Location()); err != nil {
		apperrors.ToHTTPError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Cancel handles POST /deliveries/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	var req CancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperrors.ToHTTPError(c, domainerrors.NewValidation(err.Error()))
			return
		}
	}

	d, err := h.service.Cancel(c.Request.Context(), c.Param("id"), caller, req.Reason)
	if err != nil {
		apperrors.ToHTTPError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivery": d})
}

func (h *Handler) Get(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	d, err := h.service.GetForIdentity(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		apperrors.ToHTTPError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivery": d})
}

func (h *Handler) CurrentForDriver(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	d, err := h.service.CurrentForDriver(c.Request.Context(), caller.UserID)
	if err != nil {
		apperrors.ToHTTPError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivery": d})
}

func (h *Handler) Track(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	t, err := h.service.Track(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		apperrors.ToHTTPError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tracking": t})
}
