package middleware

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"delivery-dispatch/internal/auth"
	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/pkg/apperrors"
)

// RoleGuard admits callers holding any of roles.
func RoleGuard(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := auth.FromContext(c)
		if !ok {
			apperrors.Abort(c, http.StatusUnauthorized, domainerrors.ErrUnauthorized, "authentication required")
			return
		}
		if !slices.Contains(roles, identity.Role) {
			apperrors.Abort(c, http.StatusForbidden, domainerrors.ErrForbidden, "insufficient permissions")
			return
		}
		c.Next()
	}
}
