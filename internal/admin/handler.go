package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"delivery-dispatch/internal/auth"
	"delivery-dispatch/internal/delivery"
	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/pkg/apperrors"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// ListDeliveries handles GET /admin/deliveries?status=&driverId=&from=&to=&page=&limit=.
func (h *Handler) ListDeliveries(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		apperrors.ToHTTPError(c, err)
		return
	}

	list, total, err := h.service.ListDeliveries(c.Request.Context(), f)
	if err != nil {
		apperrors.ToHTTPError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": list, "total": total, "page": f.Page, "limit": f.Limit})
}

func (h *Handler) ListDrivers(c *gin.Context) {
	drivers, err := h.service.ListDrivers(c.Request.Context())
	if err != nil {
		apperrors.ToHTTPError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"drivers": drivers, "total": len(drivers)})
}

// Redispatch handles POST /admin/orders/:orderId/dispatch.
func (h *Handler) Redispatch(c *gin.Context) {
	operator, ok := auth.FromContext(c)
	if !ok {
		apperrors.ToHTTPError(c, domainerrors.NewUnauthorized("authentication required"))
		return
	}
	d, err := h.service.Redispatch(c.Request.Context(), operator, c.Param("orderId"))
	if err != nil {
		apperrors.ToHTTPError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"delivery": d})
}

func (h *Handler) ReplayEffects(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	n, err := h.service.ReplayEffects(c.Request.Context(), limit)
	if err != nil {
		apperrors.ToHTTPError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"replayed": n})
}

func parseFilter(c *gin.Context) (delivery.Filter, error) {
	f := delivery.Filter{Page: 1, Limit: 20, DriverID: c.Query("driverId")}

	if s := c.Query("status"); s != "" {
		status, ok := delivery.ParseStatus(s)
		if !ok {
			return f, domainerrors.NewValidation("unknown status " + s)
		}
		f.Status = status
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, domainerrors.NewValidation(p.name + " must be an RFC 3339 timestamp")
		}
		*p.dst = &t
	}
	if p := c.Query("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			f.Page = v
		}
	}
	if l := c.Query("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 100 {
			f.Limit = v
		}
	}
	return f, nil
}
