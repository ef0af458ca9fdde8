package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"delivery-dispatch/internal/pkg/apperrors"
)

type Handler struct {
	authService Service
}

func NewHandler(authService Service) *Handler {
	return &Handler{authService: authService}
}

// GenerateToken issues a development token from form fields user_id, name,
// role and phone. Only name and role are required.
func (h *Handler) GenerateToken(c *gin.Context) {
	name := c.PostForm("name")
	role := c.PostForm("role")
	if name == "" || role == "" {
		apperrors.Abort(c, http.StatusBadRequest, "VALIDATION", "name and role are required")
		return
	}

	token, identity, err := h.authService.GenerateToken(c.PostForm("user_id"), role, name, c.PostForm("phone"))
	if err != nil {
		apperrors.ToHTTPError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "user": identity})
}
