// Package escrow places payment holds with the external escrow provider.
package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable wraps every failure to obtain a hold: transport errors,
// timeouts and non-success responses alike.
var ErrUnavailable = errors.New("escrow: unavailable")

// Holder places a hold for the accepted price of an offer. Implementations
// must treat offerID as the idempotency key of the hold.
type Holder interface {
	CreateHold(ctx context.Context, shipmentID, offerID string, amountCents int64) (string, error)
}

// HTTPClient talks to the escrow provider's REST API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client. timeout bounds each call.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type holdRequest struct {
	ShipmentID  string `json:"shipment_id"`
	OfferID     string `json:"offer_id"`
	AmountCents int64  `json:"amount_cents"`
}

type holdResponse struct {
	HoldID string `json:"hold_id"`
}

func (c *HTTPClient) CreateHold(ctx context.Context, shipmentID, offerID string, amountCents int64) (string, error) {
	body, err := json.Marshal(holdRequest{ShipmentID: shipmentID, OfferID: offerID, AmountCents: amountCents})
	if err != nil {
		return "", fmt.Errorf("escrow: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/holds", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("escrow: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "hold-"+offerID)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out holdResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if out.HoldID == "" {
		return "", fmt.Errorf("%w: empty hold id", ErrUnavailable)
	}
	return out.HoldID, nil
}

// Disabled is used when no provider is configured. Every hold stays deferred.
type Disabled struct{}

func (Disabled) CreateHold(context.Context, string, string, int64) (string, error) {
	return "", fmt.Errorf("%w: no provider configured", ErrUnavailable)
}
