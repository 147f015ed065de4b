// Package admin provides operator endpoints for inspecting and unsticking
// escrow and settlement state.
package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chainsettle/chainsettle/internal/auth"
	"github.com/chainsettle/chainsettle/internal/circuitbreaker"
	"github.com/chainsettle/chainsettle/internal/reconciliation"
)

// ReconciliationRunner runs an on-demand reconciliation.
type ReconciliationRunner interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}

// LastReporter exposes the most recent scheduled report.
type LastReporter interface {
	Last() *reconciliation.Report
}

// EscrowSweeper expires lapsed escrows and refunds lapsed disputes.
type EscrowSweeper interface {
	Sweep(ctx context.Context) (expired, lapsed int)
}

// ChainStates lists configured chains and their breaker state.
type ChainStates interface {
	Chains() []string
	BreakerStates() []circuitbreaker.KeyState
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	reconciler ReconciliationRunner
	last       LastReporter
	escrows    EscrowSweeper
	chains     ChainStates
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithReconciler sets the runner used by POST /admin/reconcile.
func (h *Handler) WithReconciler(r ReconciliationRunner) *Handler {
	h.reconciler = r
	return h
}

// WithLastReport sets the source for GET /admin/reconcile/last.
func (h *Handler) WithLastReport(l LastReporter) *Handler {
	h.last = l
	return h
}

// WithEscrowSweeper sets the sweeper for forced escrow expiry.
func (h *Handler) WithEscrowSweeper(s EscrowSweeper) *Handler {
	h.escrows = s
	return h
}

// WithChains exposes chain breaker state on GET /admin/chains.
func (h *Handler) WithChains(c ChainStates) *Handler {
	h.chains = c
	return h
}

// RegisterRoutes sets up admin routes. Every route requires the operator role.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/admin", auth.RequireRole(auth.RoleOperator))
	g.POST("/reconcile", h.triggerReconciliation)
	g.GET("/reconcile/last", h.lastReconciliation)
	g.POST("/escrows/sweep", h.sweepEscrows)
	g.GET("/chains", h.chainStates)
}

// triggerReconciliation runs reconciliation now. A partial run still returns
// its report alongside the failure.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation_failed", "message": err.Error(), "report": report})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (h *Handler) lastReconciliation(c *gin.Context) {
	if h.last == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "scheduled reconciliation not configured"})
		return
	}
	report := h.last.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no reconciliation has run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// sweepEscrows forces one expiry pass instead of waiting for the timer.
func (h *Handler) sweepEscrows(c *gin.Context) {
	if h.escrows == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "escrow sweeper not configured"})
		return
	}

	expired, lapsed := h.escrows.Sweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"expired": expired, "lapsedDisputes": lapsed})
}

// chainStates reports every configured chain. Chains the breaker has never
// seen fail are reported closed.
func (h *Handler) chainStates(c *gin.Context) {
	if h.chains == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "chain registry not configured"})
		return
	}

	tracked := make(map[string]circuitbreaker.KeyState)
	for _, ks := range h.chains.BreakerStates() {
		tracked[ks.Key] = ks
	}
	names := h.chains.Chains()
	out := make([]circuitbreaker.KeyState, 0, len(names))
	for _, name := range names {
		ks, ok := tracked[name]
		if !ok {
			ks = circuitbreaker.KeyState{Key: name, State: circuitbreaker.StateClosed.String()}
		}
		out = append(out, ks)
	}
	c.JSON(http.StatusOK, gin.H{"chains": out, "count": len(out)})
}
