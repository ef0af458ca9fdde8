package order

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/geo"
)

// Provider is the order service as seen by dispatch.
type Provider interface {
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	PatchOrderStatus(ctx context.Context, orderID string, status Status) error
	PatchDeliveryPerson(ctx context.Context, orderID string, driver DriverInfo) error
	PatchDeliveryLocation(ctx context.Context, orderID string, loc geo.Location) error
}

// StatusError is a non-2xx answer from the order service.
type StatusError struct {
	Code int
	Op   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("order service %s: status %d", e.Op, e.Code)
}

type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPClient(baseURL, serviceToken string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   serviceToken,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var body struct {
		Order *Order `json:"order"`
	}
	status, err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, &body)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, domainerrors.NewNotFound("order", orderID)
		}
		return nil, domainerrors.NewUpstreamUnavailable("order service", err)
	}
	if body.Order == nil {
		return nil, domainerrors.NewUpstreamUnavailable("order service", fmt.Errorf("%w: empty body", ErrMalformedOrder))
	}
	if err := body.Order.Validate(); err != nil {
		return nil, domainerrors.NewUpstreamUnavailable("order service", err)
	}
	return body.Order, nil
}

func (c *HTTPClient) PatchOrderStatus(ctx context.Context, orderID string, status Status) error {
	_, err := c.do(ctx, http.MethodPatch, "/orders/"+url.PathEscape(orderID)+"/status",
		map[string]string{"status": string(status)}, nil)
	return err
}

func (c *HTTPClient) PatchDeliveryPerson(ctx context.Context, orderID string, driver DriverInfo) error {
	_, err := c.do(ctx, http.MethodPatch, "/orders/"+url.PathEscape(orderID)+"/delivery-person", driver, nil)
	return err
}

func (c *HTTPClient) PatchDeliveryLocation(ctx context.Context, orderID string, loc geo.Location) error {
	_, err := c.do(ctx, http.MethodPatch, "/orders/"+url.PathEscape(orderID)+"/delivery-location", loc, nil)
	return err
}

// do performs one request. The returned status is 0 when no response arrived.
func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var reader *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode order request: %w", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build order request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("order service %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Op: method + " " + path}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: %v", ErrMalformedOrder, err)
		}
	}
	return resp.StatusCode, nil
}

// isRetryable reports transient failures: transport errors, timeouts, 429 and 5xx.
func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrMalformedOrder) || domainerrors.HasCode(err, domainerrors.ErrNotFound) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
