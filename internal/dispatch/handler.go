package dispatch

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"delivery-dispatch/internal/auth"
	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/pkg/apperrors"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

type AssignRequest struct {
	OrderID string `json:"orderId" binding:"required"`
}

type RespondRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}

// Assign handles POST /deliveries/assign.
func (h *Handler) Assign(c *gin.Context) {
	caller, ok := auth.FromContext(c)
	if !ok {
		apperrors.ToHTTPError(c, domainerrors.NewUnauthorized("authentication required"))
		return
	}
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.ToHTTPError(c, domainerrors.NewValidation(err.Error()))
		return
	}

	d, err := h.engine.Assign(c.Request.Context(), caller, req.OrderID)
	if err != nil {
		apperrors.ToHTTPError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"delivery": d})
}

// Respond handles POST /deliveries/:id/respond.
func (h *Handler) Respond(c *gin.Context) {
	caller, ok := auth.FromContext(c)
	if !ok {
		apperrors.ToHTTPError(c, domainerrors.NewUnauthorized("authentication required"))
		return
	}
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.ToHTTPError(c, domainerrors.NewValidation(err.Error()))
		return
	}

	d, err := h.engine.Respond(c.Request.Context(), c.Param("id"), caller, *req.Accept)
	if err != nil {
		apperrors.ToHTTPError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivery": d})
}
