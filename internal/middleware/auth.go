package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"delivery-dispatch/internal/auth"
	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/pkg/apperrors"
)

// DefaultPublicPaths never require a bearer token. /ws authenticates during
// its own handshake.
var DefaultPublicPaths = []string{"/auth/token", "/health", "/metrics", "/ws"}

// Auth resolves the bearer token to an identity and attaches it to the
// request. Paths in public are passed through untouched.
func Auth(validator auth.TokenValidator, public ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(public))
	for _, p := range public {
		skip[p] = true
	}

	return func(c *gin.Context) {
		if skip[c.Request.URL.Path] {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			unauthorized(c, "missing authorization header")
			return
		}
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			unauthorized(c, "invalid authorization format")
			return
		}

		identity, err := validator.Validate(c.Request.Context(), token)
		if err != nil {
			slog.WarnContext(c.Request.Context(), "auth failed",
				slog.String("path", c.Request.URL.Path),
				slog.String("ip", c.ClientIP()),
				slog.String("error", err.Error()),
			)
			if domainerrors.HasCode(err, domainerrors.ErrUpstreamUnavailable) {
				apperrors.ToHTTPError(c, err)
				c.Abort()
				return
			}
			unauthorized(c, "invalid or expired token")
			return
		}

		auth.Attach(c, identity)
		c.Next()
	}
}

func unauthorized(c *gin.Context, msg string) {
	apperrors.Abort(c, http.StatusUnauthorized, domainerrors.ErrUnauthorized, msg)
}
