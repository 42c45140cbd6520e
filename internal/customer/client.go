// Package customer talks to the customer service, the authoritative
// directory of customers of record.
package customer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/correlation"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/domain"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/metrics"
)

// ValidationResponse is the body of GET /api/customers/{id}/validate.
type ValidationResponse struct {
	IsValid  bool                     `json:"isValid"`
	Customer *domain.CustomerSnapshot `json:"customer,omitempty"`
	Error    string                   `json:"error,omitempty"`
}

// Client implements domain.CustomerValidator over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a client with the given per-call timeout. The
// correlation id of the call context is forwarded on every request.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return NewClientWithHTTP(baseURL, &http.Client{
		Timeout:   timeout,
		Transport: &correlation.Transport{},
	}, logger)
}

// NewClientWithHTTP creates a client around an existing http.Client.
// This is useful for testing.
func NewClientWithHTTP(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Validate confirms the customer exists and is active.
//
// It returns domain.ErrCustomerInactive or domain.ErrCustomerNotFound for
// definitive answers, and domain.ErrCustomerUnresolvable when the
// customer service could not give one (timeouts, transport or server
// errors, undecodable bodies).
func (c *Client) Validate(ctx context.Context, userID string) (*domain.CustomerSnapshot, error) {
	start := time.Now()
	snapshot, err := c.validate(ctx, userID)
	metrics.CustomerValidationDuration.WithLabelValues(outcome(err)).Observe(time.Since(start).Seconds())
	return snapshot, err
}

func (c *Client) validate(ctx context.Context, userID string) (*domain.CustomerSnapshot, error) {
	endpoint := fmt.Sprintf("%s/api/customers/%s/validate", c.baseURL, url.PathEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCustomerUnresolvable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("customer validation request failed",
			zap.String("user_id", userID),
			zap.String("correlation_id", correlation.FromContext(ctx)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", domain.ErrCustomerUnresolvable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", domain.ErrCustomerNotFound, userID)
	default:
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: customer service returned status %d", domain.ErrCustomerUnresolvable, resp.StatusCode)
	}

	var body ValidationResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", domain.ErrCustomerUnresolvable, err)
	}

	if body.IsValid {
		if body.Customer == nil {
			return nil, fmt.Errorf("%w: valid response without customer", domain.ErrCustomerUnresolvable)
		}
		return body.Customer, nil
	}
	if body.Customer != nil {
		return body.Customer, fmt.Errorf("%w: %s", domain.ErrCustomerInactive, userID)
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrCustomerNotFound, userID)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, domain.ErrCustomerUnresolvable):
		return "unresolvable"
	default:
		return "rejected"
	}
}
