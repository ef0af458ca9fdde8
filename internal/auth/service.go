package auth

import (
	"github.com/google/uuid"

	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/jwt"
)

// Service issues local tokens. It is only mounted in development, where no
// user service exists to hand out credentials.
type Service interface {
	GenerateToken(userID, role, name, phone string) (string, Identity, error)
}

type authService struct {
	jwt *jwt.Service
}

func NewAuthService(jwt *jwt.Service) Service {
	return &authService{jwt: jwt}
}

func (s *authService) GenerateToken(userID, role, name, phone string) (string, Identity, error) {
	if !IsValidRole(role) {
		return "", Identity{}, domainerrors.NewValidation("role must be one of driver, customer, restaurant, admin, service")
	}
	if userID == "" {
		userID = uuid.NewString()
	}
	token, err := s.jwt.GenerateToken(userID, role, name, phone)
	if err != nil {
		return "", Identity{}, domainerrors.NewInternal("sign token", err)
	}
	return token, Identity{UserID: userID, Role: role, Name: name, Phone: phone}, nil
}
