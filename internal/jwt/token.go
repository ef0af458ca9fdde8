package jwt

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	domainerrors "delivery-dispatch/internal/errors"
)

type Claims struct {
	Sub   string `json:"sub"`
	Role  string `json:"role"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	jwt.RegisteredClaims
}

type Service struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

func NewService(secret string, expiry time.Duration) *Service {
	return &Service{
		secret: []byte(secret),
		expiry: expiry,
		now:    time.Now,
	}
}

func (s *Service) GenerateToken(subject, role, name, phone string) (string, error) {
	now := s.now()
	claims := Claims{
		Sub:   subject,
		Role:  role,
		Name:  name,
		Phone: phone,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domainerrors.NewUnauthorized("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, domainerrors.NewUnauthorized("invalid or expired token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Sub == "" {
		return nil, domainerrors.NewUnauthorized("invalid token claims")
	}

	return claims, nil
}
