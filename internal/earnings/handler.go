package earnings

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"delivery-dispatch/internal/pkg/apperrors"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Current handles GET /drivers/earnings/current.
func (h *Handler) Current(c *gin.Context) {
	report, err := h.service.CurrentMonthTotal(c.Request.Context(), c.GetString("sub"))
	if err != nil {
		apperrors.ToHTTPError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":  report.Total,
		"count":  report.DeliveryCount,
		"year":   report.Year,
		"month":  report.Month,
		"report": report,
	})
}
