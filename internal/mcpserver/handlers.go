package mcpserver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/chainsettle/chainsettle/internal/planner"
	"github.com/chainsettle/chainsettle/internal/reconciliation"
	"github.com/chainsettle/chainsettle/internal/settlement"
	"github.com/chainsettle/chainsettle/internal/units"
)

// Plans carry no decimals of their own; every planned token is a stablecoin.
const planDecimals = units.USDCDecimals

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetSettlement shows one settlement.
func (h *Handlers) HandleGetSettlement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("settlement_id", "")
	if id == "" {
		return mcp.NewToolResultError("settlement_id is required"), nil
	}
	s, err := h.client.GetSettlement(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get settlement: %v", err)), nil
	}
	return mcp.NewToolResultText(formatSettlement(s)), nil
}

// HandleListSettlements lists one page of settlements.
func (h *Handlers) HandleListSettlements(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := SettlementQuery{
		Status:      req.GetString("status", ""),
		MerchantID:  req.GetString("merchant_id", ""),
		EscrowChain: req.GetString("chain", ""),
		Cursor:      req.GetString("cursor", ""),
		Limit:       req.GetInt("limit", 0),
	}
	page, err := h.client.ListSettlements(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list settlements: %v", err)), nil
	}
	return mcp.NewToolResultText(formatSettlementPage(page)), nil
}

// HandleSettlementStats shows aggregate counters.
func (h *Handlers) HandleSettlementStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := h.client.SettlementStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", err)), nil
	}
	return mcp.NewToolResultText(formatStats(st)), nil
}

// HandleExecuteSettlement runs the pipeline for one settlement.
func (h *Handlers) HandleExecuteSettlement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("settlement_id", "")
	if id == "" {
		return mcp.NewToolResultError("settlement_id is required"), nil
	}
	res, err := h.client.ExecuteSettlement(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Settlement execution failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatResult("Settlement executed", res)), nil
}

// HandleRetryPayout re-attempts the fiat leg.
func (h *Handlers) HandleRetryPayout(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("settlement_id", "")
	if id == "" {
		return mcp.NewToolResultError("settlement_id is required"), nil
	}
	res, err := h.client.RetryPayout(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Payout retry failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatResult("Payout retried", res)), nil
}

// HandleProcessReady runs one sweep.
func (h *Handlers) HandleProcessReady(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sw, err := h.client.ProcessReady(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Sweep failed: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Settlement sweep:\n")
	fmt.Fprintf(&sb, "  Promoted:  %d\n", sw.Promoted)
	fmt.Fprintf(&sb, "  Executed:  %d\n", sw.Executed)
	fmt.Fprintf(&sb, "  Succeeded: %d\n", sw.Succeeded)
	fmt.Fprintf(&sb, "  Failed:    %d\n", sw.Failed)
	for _, id := range sortedKeys(sw.Errors) {
		fmt.Fprintf(&sb, "  ! %s: %s\n", id, sw.Errors[id])
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListEscalations lists the operator queue.
func (h *Handlers) HandleListEscalations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, err := h.client.ListEscalations(ctx, req.GetBool("include_resolved", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escalations: %v", err)), nil
	}
	if len(items) == 0 {
		return mcp.NewToolResultText("No escalations. Nothing needs manual attention."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d escalation(s):\n\n", len(items))
	for _, e := range items {
		state := "OPEN"
		if e.ResolvedAt != nil {
			state = "resolved by " + e.ResolvedBy
		}
		fmt.Fprintf(&sb, "  %s [%s] settlement %s\n", e.ID, state, e.SettlementID)
		fmt.Fprintf(&sb, "    Stage: %s  Reason: %s\n", e.Stage, e.Reason)
		if e.WithdrawTx != "" {
			fmt.Fprintf(&sb, "    Withdraw tx: %s\n", e.WithdrawTx)
		}
		if e.Detail != "" {
			fmt.Fprintf(&sb, "    %s\n", e.Detail)
		}
		fmt.Fprintf(&sb, "    Raised: %s\n\n", e.CreatedAt.UTC().Format(time.RFC3339))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleResolveEscalation closes an escalation.
func (h *Handlers) HandleResolveEscalation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escalation_id", "")
	if id == "" {
		return mcp.NewToolResultError("escalation_id is required"), nil
	}
	if err := h.client.ResolveEscalation(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve escalation: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Escalation %s resolved.", id)), nil
}

// HandlePlanPayment creates a multi-chain payment plan.
func (h *Handlers) HandlePlanPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := req.GetString("amount", "")
	merchantAddr := req.GetString("merchant_address", "")
	if amount == "" || merchantAddr == "" {
		return mcp.NewToolResultError("amount and merchant_address are required"), nil
	}
	wallets, err := parseWallets(req.GetArguments()["wallets"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	plan, err := h.client.PlanPayment(ctx, PlanRequest{
		TargetAmount: amount,
		Token:        req.GetString("token", "USDC"),
		Strategy:     req.GetString("strategy", ""),
		MerchantID:   req.GetString("merchant_id", ""),
		MerchantAddr: merchantAddr,
		Wallets:      wallets,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Planning failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatPlan("Payment planned", plan) +
		"\nUse execute_plan to submit the fragments."), nil
}

// HandleGetPlan shows one plan.
func (h *Handlers) HandleGetPlan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("plan_id", "")
	if id == "" {
		return mcp.NewToolResultError("plan_id is required"), nil
	}
	plan, err := h.client.GetPlan(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get plan: %v", err)), nil
	}
	return mcp.NewToolResultText(formatPlan("Payment plan", plan)), nil
}

// HandleExecutePlan submits a plan's fragments.
func (h *Handlers) HandleExecutePlan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("plan_id", "")
	if id == "" {
		return mcp.NewToolResultError("plan_id is required"), nil
	}
	plan, err := h.client.ExecutePlan(ctx, id, req.GetBool("parallel", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Plan execution failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatPlan("Plan executed", plan)), nil
}

// HandleEstimatePlanGas prices a plan's fragments.
func (h *Handlers) HandleEstimatePlanGas(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("plan_id", "")
	if id == "" {
		return mcp.NewToolResultError("plan_id is required"), nil
	}
	est, err := h.client.EstimatePlanGas(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Gas estimate failed: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Gas estimate for %s: $%s total\n", est.PlanID, est.TotalUSD.StringFixed(4))
	for _, f := range est.Fragments {
		fmt.Fprintf(&sb, "  #%d %-10s %s %s ($%s)\n",
			f.Index, f.Chain, f.NativeCost.String(), f.NativeSymbol, f.CostUSD.StringFixed(4))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRunReconciliation runs reconciliation on demand.
func (h *Handlers) HandleRunReconciliation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rep, err := h.client.RunReconciliation(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reconciliation failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatReport(rep)), nil
}

// --- Formatting ---

func formatSettlement(s *settlement.Settlement) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Settlement %s [%s]\n", s.ID, s.Status)
	fmt.Fprintf(&sb, "  Escrow:   %s on %s\n", s.Escrow.EscrowID, s.Escrow.Chain)
	fmt.Fprintf(&sb, "  Merchant: %s (%s)\n", s.MerchantID, s.MerchantAddr)
	fmt.Fprintf(&sb, "  Amount:   %s %s\n", units.Format(s.CryptoAmount, s.TokenDecimals), s.Token)
	if s.SettlementFee != nil && s.SettlementFee.Sign() > 0 {
		fmt.Fprintf(&sb, "  Fee:      %s %s\n", units.Format(s.SettlementFee, s.TokenDecimals), s.Token)
	}
	if s.NetAmount != nil && s.NetAmount.Sign() > 0 {
		fmt.Fprintf(&sb, "  Net:      %s %s\n", units.Format(s.NetAmount, s.TokenDecimals), s.Token)
	}
	if s.PaymentMethod.Method != nil {
		fmt.Fprintf(&sb, "  Payout:   %s to %s\n", s.PaymentMethod.Rail(), s.PaymentMethod.Identifier())
	}
	if !s.FiatAmount.IsZero() {
		fmt.Fprintf(&sb, "  Fiat:     %s %s at %s\n", s.FiatAmount.StringFixed(2), s.FiatCurrency, s.ExchangeRate.String())
	}
	if !s.DisputePeriodEnd.IsZero() {
		fmt.Fprintf(&sb, "  Dispute window ends: %s\n", s.DisputePeriodEnd.UTC().Format(time.RFC3339))
	}
	for _, tx := range []struct{ label, hash string }{
		{"Registry tx", s.RegistryTx},
		{"Withdraw tx", s.WithdrawTx},
		{"Withdrawal record tx", s.WithdrawalRecordTx},
		{"Completion tx", s.CompletionTx},
	} {
		if tx.hash != "" {
			fmt.Fprintf(&sb, "  %s: %s\n", tx.label, tx.hash)
		}
	}
	if s.PayoutRef != "" {
		fmt.Fprintf(&sb, "  Payout ref: %s\n", s.PayoutRef)
	}
	if s.ProofHash != "" {
		fmt.Fprintf(&sb, "  Proof: %s\n", s.ProofHash)
	}
	if s.FailureReason != "" {
		fmt.Fprintf(&sb, "  Failure: %s\n", s.FailureReason)
	}
	if s.LastError != "" {
		fmt.Fprintf(&sb, "  Last error: %s\n", s.LastError)
	}
	return sb.String()
}

func formatSettlementPage(page *SettlementPage) string {
	if len(page.Settlements) == 0 {
		return "No settlements found."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d settlement(s):\n\n", len(page.Settlements))
	for _, s := range page.Settlements {
		fmt.Fprintf(&sb, "  %s [%s] %s %s on %s, merchant %s\n",
			s.ID, s.Status, units.Format(s.CryptoAmount, s.TokenDecimals), s.Token, s.Escrow.Chain, s.MerchantID)
	}
	if page.HasMore {
		fmt.Fprintf(&sb, "\nMore results: pass cursor %q\n", page.NextCursor)
	}
	return sb.String()
}

func formatStats(st *settlement.Stats) string {
	var sb strings.Builder
	sb.WriteString("Settlement stats:\n")
	fmt.Fprintf(&sb, "  Total: %d\n", st.Total)
	for _, status := range settlement.AllStatuses {
		if n := st.ByStatus[status]; n > 0 {
			fmt.Fprintf(&sb, "    %-10s %d\n", status, n)
		}
	}
	fmt.Fprintf(&sb, "  Volume:  %s USDC\n", units.FormatUSDC(st.TotalVolume))
	fmt.Fprintf(&sb, "  Settled: %s USDC\n", units.FormatUSDC(st.SettledVolume))
	fmt.Fprintf(&sb, "  Fees:    %s USDC\n", units.FormatUSDC(st.TotalFees))
	currencies := make([]string, 0, len(st.FiatSettled))
	for cur := range st.FiatSettled {
		currencies = append(currencies, cur)
	}
	sort.Strings(currencies)
	for _, cur := range currencies {
		fmt.Fprintf(&sb, "  Paid out: %s %s\n", st.FiatSettled[cur].StringFixed(2), cur)
	}
	if st.Unregistered > 0 {
		fmt.Fprintf(&sb, "  Not registered on chain: %d\n", st.Unregistered)
	}
	fmt.Fprintf(&sb, "  Open escalations: %d\n", st.OpenEscalation)
	return sb.String()
}

func formatResult(title string, r *settlement.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s [%s]\n", title, r.SettlementID, r.Status)
	if r.WithdrawTx != "" {
		fmt.Fprintf(&sb, "  Withdraw tx: %s\n", r.WithdrawTx)
	}
	if r.PayoutRef != "" {
		fmt.Fprintf(&sb, "  Paid %s %s (ref %s)\n", r.FiatAmount.StringFixed(2), r.FiatCurrency, r.PayoutRef)
	}
	if r.ProofHash != "" {
		fmt.Fprintf(&sb, "  Proof: %s\n", r.ProofHash)
	}
	sb.WriteString("  Stages:\n")
	for _, st := range r.Stages {
		mark := "ok"
		switch {
		case st.Skipped:
			mark = "skipped"
		case !st.OK:
			mark = "FAILED"
		}
		fmt.Fprintf(&sb, "    %-18s %s", st.Stage, mark)
		if st.Error != "" {
			fmt.Fprintf(&sb, ": %s", st.Error)
		} else if st.Detail != "" {
			fmt.Fprintf(&sb, " (%s)", st.Detail)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatPlan(title string, p *planner.Plan) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s [%s]\n", title, p.ID, p.Status)
	fmt.Fprintf(&sb, "  Total:    %s %s (%s)\n", units.Format(p.TotalAmount, planDecimals), p.Token, p.Strategy)
	fmt.Fprintf(&sb, "  Merchant: %s", p.MerchantAddr)
	if p.MerchantID != "" {
		fmt.Fprintf(&sb, " (%s)", p.MerchantID)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  Fragments (%d):\n", len(p.Fragments))
	for _, f := range p.Fragments {
		fmt.Fprintf(&sb, "    #%d %-10s %s from %s [%s]\n",
			f.Index, f.Chain, units.Format(f.Amount, planDecimals), f.SourceWallet, f.Status)
		if f.TargetEscrowID != "" {
			fmt.Fprintf(&sb, "       escrow %s", f.TargetEscrowID)
			if f.DepositTx != "" {
				fmt.Fprintf(&sb, " tx %s", f.DepositTx)
			}
			sb.WriteString("\n")
		}
		if f.Error != "" {
			fmt.Fprintf(&sb, "       error: %s\n", f.Error)
		}
	}
	return sb.String()
}

func formatReport(r *reconciliation.Report) string {
	var sb strings.Builder
	if r.Healthy {
		sb.WriteString("Reconciliation: HEALTHY\n")
	} else {
		sb.WriteString("Reconciliation: ISSUES FOUND\n")
	}
	fmt.Fprintf(&sb, "  Escrows checked: %d\n", r.EscrowsChecked)
	for _, v := range r.EscrowMismatches {
		fmt.Fprintf(&sb, "  ! escrow %s on %s: record %s, chain %s: %s\n",
			v.EscrowID, v.Chain, v.RecordStatus, v.ChainStatus, strings.Join(v.Mismatches, "; "))
	}
	for _, id := range sortedKeys(r.Unverified) {
		fmt.Fprintf(&sb, "  ? escrow %s not verified: %s\n", id, r.Unverified[id])
	}
	for _, s := range r.StuckSettlements {
		fmt.Fprintf(&sb, "  ! settlement %s stuck in %s for %s\n", s.ID, s.Status, s.Age)
	}
	for _, p := range r.StuckPlans {
		fmt.Fprintf(&sb, "  ! plan %s stuck in %s for %s\n", p.ID, p.Status, p.Age)
	}
	fmt.Fprintf(&sb, "  Open escalations: %d\n", r.OpenEscalations)
	for _, check := range sortedKeys(r.CheckErrors) {
		fmt.Fprintf(&sb, "  check %s failed: %s\n", check, r.CheckErrors[check])
	}
	return sb.String()
}

// --- Argument parsing ---

func parseWallets(raw any) ([]PlanWallet, error) {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("wallets must be a non-empty array")
	}
	wallets := make([]PlanWallet, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("wallets[%d] must be an object", i)
		}
		w := PlanWallet{
			Chain:   stringArg(m, "chain"),
			Address: stringArg(m, "address"),
			Balance: stringArg(m, "balance"),
		}
		if w.Chain == "" || w.Address == "" {
			return nil, fmt.Errorf("wallets[%d] needs chain and address", i)
		}
		wallets = append(wallets, w)
	}
	return wallets, nil
}

// stringArg accepts numbers too, since models often send balances unquoted.
func stringArg(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
