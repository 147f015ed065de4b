package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPGateway posts payouts to a rail aggregator that speaks JSON.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
	now     func() time.Time
}

// NewHTTPGateway returns a gateway for the aggregator at baseURL.
func NewHTTPGateway(baseURL, apiKey string, client *http.Client) (*HTTPGateway, error) {
	if baseURL == "" {
		return nil, ErrNotConfigured
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		now:     time.Now,
	}, nil
}

type httpPayoutBody struct {
	Destination Destination `json:"destination"`
	Amount      string      `json:"amount"`
	Currency    string      `json:"currency"`
	Reference   string      `json:"reference"`
}

type httpPayoutResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Payout implements Gateway.
func (g *HTTPGateway) Payout(ctx context.Context, req Request) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	currency := req.Currency
	if currency == "" {
		currency = req.Method.Currency()
	}
	body, err := json.Marshal(httpPayoutBody{
		Destination: Destination{req.Method},
		Amount:      req.Amount.StringFixed(2),
		Currency:    currency,
		Reference:   req.Reference,
	})
	if err != nil {
		return nil, fmt.Errorf("encode payout: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/payouts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build payout request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var out httpPayoutResponse
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, out.Message)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, out.Message)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: response missing payout id", ErrTransient)
	}
	status := out.Status
	if status == "" {
		status = "accepted"
	}
	return &Receipt{
		PayoutRef: out.ID,
		Rail:      req.Method.Rail(),
		Status:    status,
		Amount:    req.Amount.StringFixed(2),
		Currency:  currency,
		At:        g.now(),
	}, nil
}
