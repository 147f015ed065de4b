package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions. Descriptions are what the model reads when choosing a tool.

var ToolGetSettlement = mcp.NewTool("get_settlement",
	mcp.WithDescription(
		"Show one fiat settlement: the escrow it drains, the crypto and fiat amounts, "+
			"the payout rail, the dispute window and the on-chain transaction hashes."),
	mcp.WithString("settlement_id",
		mcp.Required(),
		mcp.Description("Settlement ID (e.g. 'stl_...')")),
)

var ToolListSettlements = mcp.NewTool("list_settlements",
	mcp.WithDescription(
		"List settlements newest first. Merchants only see their own; operators see all."),
	mcp.WithString("status",
		mcp.Description("Filter by status"),
		mcp.Enum("pending", "ready", "settling", "completed", "disputed", "failed", "cancelled")),
	mcp.WithString("merchant_id",
		mcp.Description("Filter by merchant ID (operators only)")),
	mcp.WithString("chain",
		mcp.Description("Filter by the escrow's chain (e.g. 'base', 'solana')")),
	mcp.WithString("cursor",
		mcp.Description("Cursor returned by a previous call")),
	mcp.WithNumber("limit",
		mcp.Description("Page size, 1-100 (default 50)")),
)

var ToolSettlementStats = mcp.NewTool("settlement_stats",
	mcp.WithDescription(
		"Aggregate settlement counters: totals by status, crypto volume, fees collected, "+
			"fiat paid out per currency, unregistered settlements and open escalations. Operator only."),
)

var ToolExecuteSettlement = mcp.NewTool("execute_settlement",
	mcp.WithDescription(
		"Run the settlement pipeline for a settlement whose dispute window has closed: "+
			"withdraw from escrow, convert at the live rate, pay out fiat and record the proof on chain. "+
			"Returns the per-stage outcome. Operator only."),
	mcp.WithString("settlement_id",
		mcp.Required(),
		mcp.Description("Settlement ID")),
)

var ToolRetryPayout = mcp.NewTool("retry_payout",
	mcp.WithDescription(
		"Retry only the fiat payout of a failed settlement whose escrow withdrawal already succeeded. "+
			"Never withdraws twice. Operator only."),
	mcp.WithString("settlement_id",
		mcp.Required(),
		mcp.Description("Settlement ID")),
)

var ToolProcessReady = mcp.NewTool("process_ready_settlements",
	mcp.WithDescription(
		"Promote pending settlements past their dispute window and execute every ready one. Operator only."),
)

var ToolListEscalations = mcp.NewTool("list_escalations",
	mcp.WithDescription(
		"List settlements that need manual attention, such as a withdrawal that succeeded "+
			"while every payout attempt failed. Operator only."),
	mcp.WithBoolean("include_resolved",
		mcp.Description("Also show escalations that were already resolved")),
)

var ToolResolveEscalation = mcp.NewTool("resolve_escalation",
	mcp.WithDescription(
		"Mark an escalation as handled after the underlying problem was fixed out of band. Operator only."),
	mcp.WithString("escalation_id",
		mcp.Required(),
		mcp.Description("Escalation ID (e.g. 'esc_...')")),
)

var ToolPlanPayment = mcp.NewTool("plan_payment",
	mcp.WithDescription(
		"Split one payment across wallets on several chains. Each fragment becomes its own escrow "+
			"on its chain. Requires a payer key."),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Total amount in token units (e.g. '550.50')")),
	mcp.WithString("token",
		mcp.Description("Token symbol (default 'USDC')")),
	mcp.WithString("merchant_address",
		mcp.Required(),
		mcp.Description("Merchant wallet that receives every fragment")),
	mcp.WithString("merchant_id",
		mcp.Description("Merchant ID the plan belongs to")),
	mcp.WithString("strategy",
		mcp.Description("Allocation strategy"),
		mcp.Enum("default", "minimize_fragments", "minimize_gas")),
	mcp.WithArray("wallets",
		mcp.Required(),
		mcp.Description("Source wallets: [{\"chain\": \"base\", \"address\": \"0x...\", \"balance\": \"300\"}]. "+
			"Omit balance to read it from the chain.")),
)

var ToolGetPlan = mcp.NewTool("get_plan",
	mcp.WithDescription("Show a payment plan and the status of each fragment."),
	mcp.WithString("plan_id",
		mcp.Required(),
		mcp.Description("Plan ID (e.g. 'plan_...')")),
)

var ToolExecutePlan = mcp.NewTool("execute_plan",
	mcp.WithDescription(
		"Submit every fragment of a planned payment. Fragments on different chains may run in parallel. "+
			"Requires the payer key that created the plan."),
	mcp.WithString("plan_id",
		mcp.Required(),
		mcp.Description("Plan ID")),
	mcp.WithBoolean("parallel",
		mcp.Description("Submit fragments concurrently (default false)")),
)

var ToolEstimatePlanGas = mcp.NewTool("estimate_plan_gas",
	mcp.WithDescription("Estimate the network fees of a plan per fragment, in native token and USD."),
	mcp.WithString("plan_id",
		mcp.Required(),
		mcp.Description("Plan ID")),
)

var ToolRunReconciliation = mcp.NewTool("run_reconciliation",
	mcp.WithDescription(
		"Compare escrow records with their on-chain state and report stuck settlements and plans. Operator only."),
)
