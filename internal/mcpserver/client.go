package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/chainsettle/chainsettle/internal/planner"
	"github.com/chainsettle/chainsettle/internal/reconciliation"
	"github.com/chainsettle/chainsettle/internal/settlement"
)

// Config holds the connection settings for a chainsettle API server.
type Config struct {
	APIURL string // e.g. "http://localhost:8080"
	APIKey string // operator or payer key, "csk_..."
}

// Client is an HTTP client for the chainsettle API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a client for the configured API server.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest issues one API call and decodes a 2xx body into out when out is non-nil.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// SettlementPage is one page of GET /v1/settlements.
type SettlementPage struct {
	Settlements []*settlement.Settlement `json:"settlements"`
	Count       int                      `json:"count"`
	NextCursor  string                   `json:"nextCursor"`
	HasMore     bool                     `json:"hasMore"`
}

// SettlementQuery filters ListSettlements.
type SettlementQuery struct {
	Status      string
	MerchantID  string
	EscrowChain string
	Cursor      string
	Limit       int
}

func (q SettlementQuery) values() url.Values {
	v := url.Values{}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.MerchantID != "" {
		v.Set("merchantId", q.MerchantID)
	}
	if q.EscrowChain != "" {
		v.Set("escrowChain", q.EscrowChain)
	}
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// GetSettlement returns one settlement.
func (c *Client) GetSettlement(ctx context.Context, id string) (*settlement.Settlement, error) {
	var resp struct {
		Settlement *settlement.Settlement `json:"settlement"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/settlements/"+url.PathEscape(id), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Settlement, nil
}

// ListSettlements returns one page of settlements.
func (c *Client) ListSettlements(ctx context.Context, q SettlementQuery) (*SettlementPage, error) {
	var page SettlementPage
	if err := c.doRequest(ctx, http.MethodGet, "/v1/settlements", q.values(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SettlementStats returns the aggregate counters.
func (c *Client) SettlementStats(ctx context.Context) (*settlement.Stats, error) {
	var resp struct {
		Stats *settlement.Stats `json:"stats"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/settlements/stats", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Stats, nil
}

// ExecuteSettlement runs the settlement pipeline for one ready settlement.
func (c *Client) ExecuteSettlement(ctx context.Context, id string) (*settlement.Result, error) {
	return c.postResult(ctx, "/v1/settlements/"+url.PathEscape(id)+"/execute")
}

// RetryPayout re-attempts the fiat leg of a failed settlement.
func (c *Client) RetryPayout(ctx context.Context, id string) (*settlement.Result, error) {
	return c.postResult(ctx, "/v1/settlements/"+url.PathEscape(id)+"/retry-payout")
}

func (c *Client) postResult(ctx context.Context, path string) (*settlement.Result, error) {
	var resp struct {
		Result *settlement.Result `json:"result"`
	}
	if err := c.doRequest(ctx, http.MethodPost, path, nil, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// ProcessReady runs one sweep over settlements whose dispute period ended.
func (c *Client) ProcessReady(ctx context.Context) (*settlement.SweepResult, error) {
	var resp struct {
		Sweep *settlement.SweepResult `json:"sweep"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/settlements/process", nil, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Sweep, nil
}

// ListEscalations returns the operator queue.
func (c *Client) ListEscalations(ctx context.Context, includeResolved bool) ([]*settlement.Escalation, error) {
	var q url.Values
	if includeResolved {
		q = url.Values{"all": {"true"}}
	}
	var resp struct {
		Escalations []*settlement.Escalation `json:"escalations"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/settlements/escalations", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Escalations, nil
}

// ResolveEscalation marks an escalation handled.
func (c *Client) ResolveEscalation(ctx context.Context, id string) error {
	path := "/v1/settlements/escalations/" + url.PathEscape(id) + "/resolve"
	return c.doRequest(ctx, http.MethodPost, path, nil, struct{}{}, nil)
}

// PlanWallet is one source wallet offered to the planner.
type PlanWallet struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	Balance string `json:"balance,omitempty"`
}

// PlanRequest is the body of POST /v1/plans.
type PlanRequest struct {
	TargetAmount string       `json:"targetAmount"`
	Token        string       `json:"token"`
	Strategy     string       `json:"strategy,omitempty"`
	MerchantID   string       `json:"merchantId,omitempty"`
	MerchantAddr string       `json:"merchantAddr"`
	Wallets      []PlanWallet `json:"wallets"`
}

// PlanPayment asks the server to split a payment across wallets.
func (c *Client) PlanPayment(ctx context.Context, req PlanRequest) (*planner.Plan, error) {
	var resp struct {
		Plan *planner.Plan `json:"plan"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/plans", nil, req, &resp); err != nil {
		return nil, err
	}
	return resp.Plan, nil
}

// GetPlan returns one plan.
func (c *Client) GetPlan(ctx context.Context, id string) (*planner.Plan, error) {
	var resp struct {
		Plan *planner.Plan `json:"plan"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/plans/"+url.PathEscape(id), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Plan, nil
}

// ExecutePlan submits every fragment of a plan.
func (c *Client) ExecutePlan(ctx context.Context, id string, parallel bool) (*planner.Plan, error) {
	var resp struct {
		Plan *planner.Plan `json:"plan"`
	}
	body := map[string]any{"parallel": parallel}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/plans/"+url.PathEscape(id)+"/execute", nil, body, &resp); err != nil {
		return nil, err
	}
	return resp.Plan, nil
}

// EstimatePlanGas prices the fragments of a plan.
func (c *Client) EstimatePlanGas(ctx context.Context, id string) (*planner.GasEstimate, error) {
	var resp struct {
		Estimate *planner.GasEstimate `json:"estimate"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/plans/"+url.PathEscape(id)+"/gas", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Estimate, nil
}

// RunReconciliation triggers an on-demand reconciliation pass.
func (c *Client) RunReconciliation(ctx context.Context) (*reconciliation.Report, error) {
	var resp struct {
		Report *reconciliation.Report `json:"report"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/admin/reconcile", nil, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Report, nil
}
