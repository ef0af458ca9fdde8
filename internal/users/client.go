// Package users talks to the user service that owns driver profiles.
package users

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	domainerrors "delivery-dispatch/internal/errors"
)

type availabilityRequest struct {
	IsAvailable bool `json:"isAvailable"`
}

type availabilityResponse struct {
	ID          string `json:"id"`
	IsAvailable bool   `json:"isAvailable"`
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewClient(baseURL, serviceToken string, timeout time.Duration) *Client {
	return &Client{baseURL: baseURL, token: serviceToken, client: &http.Client{Timeout: timeout}}
}

// SetAvailability updates the driver's availability flag on their profile.
func (c *Client) SetAvailability(ctx context.Context, userID string, isAvailable bool) error {
	b, err := json.Marshal(availabilityRequest{IsAvailable: isAvailable})
	if err != nil {
		return fmt.Errorf("encode availability: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		c.baseURL+"/users/"+url.PathEscape(userID)+"/availability", bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build availability request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domainerrors.NewUpstreamUnavailable("user service", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domainerrors.NewNotFound("user", userID)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domainerrors.NewUpstreamUnavailable("user service", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var out availabilityResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domainerrors.NewUpstreamUnavailable("user service", fmt.Errorf("decode response: %w", err))
	}
	if out.IsAvailable != isAvailable {
		return domainerrors.NewUpstreamUnavailable("user service", fmt.Errorf("availability not applied"))
	}
	return nil
}
