package auth

import (
	"github.com/gin-gonic/gin"
)

const (
	RoleDriver     = "driver"
	RoleCustomer   = "customer"
	RoleRestaurant = "restaurant"
	RoleAdmin      = "admin"
	RoleService    = "service"
)

var validRoles = map[string]bool{
	RoleDriver:     true,
	RoleCustomer:   true,
	RoleRestaurant: true,
	RoleAdmin:      true,
	RoleService:    true,
}

func IsValidRole(role string) bool {
	return validRoles[role]
}

// Identity is the authenticated caller, as resolved from a bearer token.
type Identity struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Name   string `json:"name"`
	Phone  string `json:"phone"`
}

func (i Identity) IsDriver() bool { return i.Role == RoleDriver }

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// Privileged callers may act on any delivery.
func (i Identity) IsPrivileged() bool { return i.Role == RoleAdmin || i.Role == RoleService }

const identityKey = "identity"

// Attach stores the identity on the request. "sub" and "role" are kept for
// middleware that only needs those.
func Attach(c *gin.Context, id Identity) {
	c.Set(identityKey, id)
	c.Set("sub", id.UserID)
	c.Set("role", id.Role)
}

func FromContext(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}
