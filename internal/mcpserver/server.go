package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients during initialization.
const Version = "0.1.0"

// NewMCPServer creates an MCP server with every chainsettle tool registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("chainsettle", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetSettlement, h.HandleGetSettlement)
	s.AddTool(ToolListSettlements, h.HandleListSettlements)
	s.AddTool(ToolSettlementStats, h.HandleSettlementStats)
	s.AddTool(ToolExecuteSettlement, h.HandleExecuteSettlement)
	s.AddTool(ToolRetryPayout, h.HandleRetryPayout)
	s.AddTool(ToolProcessReady, h.HandleProcessReady)
	s.AddTool(ToolListEscalations, h.HandleListEscalations)
	s.AddTool(ToolResolveEscalation, h.HandleResolveEscalation)
	s.AddTool(ToolPlanPayment, h.HandlePlanPayment)
	s.AddTool(ToolGetPlan, h.HandleGetPlan)
	s.AddTool(ToolExecutePlan, h.HandleExecutePlan)
	s.AddTool(ToolEstimatePlanGas, h.HandleEstimatePlanGas)
	s.AddTool(ToolRunReconciliation, h.HandleRunReconciliation)

	return s
}
