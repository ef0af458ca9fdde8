package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/jwt"
)

// TokenValidator resolves a bearer token to the caller's identity.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

type JWTValidator struct {
	jwt *jwt.Service
}

func NewJWTValidator(svc *jwt.Service) *JWTValidator {
	return &JWTValidator{jwt: svc}
}

func (v *JWTValidator) Validate(_ context.Context, token string) (Identity, error) {
	claims, err := v.jwt.ValidateToken(token)
	if err != nil {
		return Identity{}, err
	}
	if !IsValidRole(claims.Role) {
		return Identity{}, domainerrors.NewUnauthorized("unknown role in token")
	}
	return Identity{UserID: claims.Sub, Role: claims.Role, Name: claims.Name, Phone: claims.Phone}, nil
}

// RemoteValidator asks the user service to validate tokens.
type RemoteValidator struct {
	baseURL string
	client  *http.Client
}

func NewRemoteValidator(baseURL string, timeout time.Duration) *RemoteValidator {
	return &RemoteValidator{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

type validateResponse struct {
	Valid bool `json:"valid"`
	User  struct {
		ID    string `json:"id"`
		Role  string `json:"role"`
		Name  string `json:"name"`
		Phone string `json:"phone"`
	} `json:"user"`
}

func (v *RemoteValidator) Validate(ctx context.Context, token string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/auth/validate", nil)
	if err != nil {
		return Identity{}, domainerrors.NewInternal("build auth request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return Identity{}, domainerrors.NewUpstreamUnavailable("auth service", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Identity{}, domainerrors.NewUnauthorized("invalid or expired token")
	case resp.StatusCode != http.StatusOK:
		return Identity{}, domainerrors.NewUpstreamUnavailable("auth service", fmt.Errorf("status %d", resp.StatusCode))
	}

	var body validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Identity{}, domainerrors.NewUpstreamUnavailable("auth service", fmt.Errorf("decode response: %w", err))
	}
	if !body.Valid {
		return Identity{}, domainerrors.NewUnauthorized("invalid or expired token")
	}
	if body.User.ID == "" || !IsValidRole(body.User.Role) {
		return Identity{}, domainerrors.NewUpstreamUnavailable("auth service", fmt.Errorf("unexpected identity shape"))
	}
	return Identity{UserID: body.User.ID, Role: body.User.Role, Name: body.User.Name, Phone: body.User.Phone}, nil
}
