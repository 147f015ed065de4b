package planner

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chainsettle/chainsettle/internal/auth"
	"github.com/chainsettle/chainsettle/internal/chain"
	"github.com/chainsettle/chainsettle/internal/pagination"
	"github.com/chainsettle/chainsettle/internal/units"
	"github.com/chainsettle/chainsettle/internal/validation"
)

// maxExecDelay bounds the inter-fragment delay a client may request.
const maxExecDelay = 30 * time.Second

// Handler provides HTTP endpoints for payment plans.
type Handler struct {
	planner  *Planner
	decimals int
}

// NewHandler creates a plan handler. Amounts are parsed with decimals unless
// the request names tokenDecimals.
func NewHandler(planner *Planner, decimals int) *Handler {
	if decimals <= 0 {
		decimals = units.USDCDecimals
	}
	return &Handler{planner: planner, decimals: decimals}
}

// RegisterProtectedRoutes sets up plan routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	payer := auth.RequireRole(auth.RolePayer)

	r.POST("/plans", payer, h.PlanPayment)
	r.GET("/plans", h.ListPlans)
	r.GET("/plans/:id", h.GetPlan)
	r.GET("/plans/:id/gas", h.EstimateGas)
	r.POST("/plans/:id/execute", payer, h.ExecutePlan)
	r.POST("/wallets/balances", payer, h.RefreshBalances)
}

// WalletBody is one candidate wallet. Balance is optional; when absent it is
// read from the chain.
type WalletBody struct {
	Chain   string `json:"chain" binding:"required"`
	Address string `json:"address" binding:"required"`
	Token   string `json:"token"`
	Balance string `json:"balance"`
}

// PlanRequestBody is the body of POST /v1/plans.
type PlanRequestBody struct {
	ID            string       `json:"id"`
	TargetAmount  string       `json:"targetAmount" binding:"required"`
	Token         string       `json:"token" binding:"required"`
	TokenDecimals int          `json:"tokenDecimals"`
	Strategy      string       `json:"strategy"`
	MerchantID    string       `json:"merchantId"`
	MerchantAddr  string       `json:"merchantAddr" binding:"required"`
	Wallets       []WalletBody `json:"wallets" binding:"required,min=1"`
}

// ExecuteRequestBody is the body of POST /v1/plans/:id/execute.
type ExecuteRequestBody struct {
	Parallel bool  `json:"parallel"`
	DelayMs  int64 `json:"delayMs"`
}

// RefreshRequestBody is the body of POST /v1/wallets/balances.
type RefreshRequestBody struct {
	TokenDecimals int         `json:"tokenDecimals"`
	Wallets       []WalletRef `json:"wallets" binding:"required,min=1"`
}

// PlanPayment handles POST /v1/plans
func (h *Handler) PlanPayment(c *gin.Context) {
	var req PlanRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "targetAmount, token, merchantAddr and at least one wallet are required",
		})
		return
	}
	decimals := h.decimals
	if req.TokenDecimals > 0 {
		decimals = req.TokenDecimals
	}

	checks := []func() *validation.ValidationError{
		validation.ValidID("id", req.ID),
		validation.ValidAmount("targetAmount", req.TargetAmount, decimals),
		validation.MaxLength("token", req.Token, 16),
		validation.ValidID("merchantId", req.MerchantID),
		validation.ValidAddress("merchantAddr", req.MerchantAddr),
	}
	if req.Strategy != "" {
		checks = append(checks, validation.OneOf("strategy", req.Strategy,
			string(StrategyDefault), string(StrategyMinimizeFragments), string(StrategyMinimizeGas)))
	}
	for _, w := range req.Wallets {
		checks = append(checks, validation.ValidAddress("wallets.address", w.Address))
		if w.Balance != "" {
			checks = append(checks, validation.ValidAmount("wallets.balance", w.Balance, decimals))
		}
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	target, _ := units.Parse(req.TargetAmount, decimals)
	wallets := make([]Wallet, len(req.Wallets))
	for i, w := range req.Wallets {
		token := w.Token
		if token == "" {
			token = req.Token
		}
		wallets[i] = Wallet{Chain: w.Chain, Address: validation.SanitizeAddress(w.Address), Token: token}
		if w.Balance != "" {
			wallets[i].Balance, _ = units.Parse(w.Balance, decimals)
		}
	}

	plan, err := h.planner.PlanPayment(c.Request.Context(), PlanRequest{
		ID:           req.ID,
		TargetAmount: target,
		Token:        req.Token,
		Strategy:     Strategy(req.Strategy),
		MerchantID:   req.MerchantID,
		MerchantAddr: validation.SanitizeAddress(req.MerchantAddr),
		Wallets:      wallets,
		Actor:        auth.Actor(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"plan": plan})
}

// GetPlan handles GET /v1/plans/:id
func (h *Handler) GetPlan(c *gin.Context) {
	plan, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": plan})
}

// ListPlans handles GET /v1/plans?status=&merchantId=&cursor=&limit=
func (h *Handler) ListPlans(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	status := Status(c.Query("status"))
	if status != "" && !validStatus(status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "unknown status " + string(status)})
		return
	}

	f := Filter{Status: status, MerchantID: c.Query("merchantId"), Limit: limit + 1}
	if key, _ := auth.GetAPIKey(c); key.Role != auth.RoleOperator {
		if key.Role == auth.RoleMerchant {
			f.MerchantID = key.MerchantID
		} else {
			f.CreatedBy = key.Actor
		}
	}
	scope := pagination.Scope(string(f.Status), f.MerchantID, f.CreatedBy)
	cursor, err := pagination.Decode(c.Query("cursor"), scope)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	f.Cursor = cursor

	items, err := h.planner.ListPlans(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	page, next, hasMore := pagination.ComputePage(items, limit, scope, func(p *Plan) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"plans":      page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// ExecutePlan handles POST /v1/plans/:id/execute
func (h *Handler) ExecutePlan(c *gin.Context) {
	var req ExecuteRequestBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}
	delay := time.Duration(req.DelayMs) * time.Millisecond
	if delay < 0 || delay > maxExecDelay {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "delayMs must be between 0 and " + strconv.FormatInt(maxExecDelay.Milliseconds(), 10),
		})
		return
	}
	plan, ok := h.load(c)
	if !ok {
		return
	}
	if !ownsPlan(c, plan) {
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": "Only the plan's creator may execute it"})
		return
	}
	plan, err := h.planner.ExecutePlan(c.Request.Context(), plan.ID, ExecOptions{
		Parallel: req.Parallel,
		Delay:    delay,
		Actor:    auth.Actor(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"plan":      plan,
		"confirmed": plan.Confirmed().String(),
	})
}

// EstimateGas handles GET /v1/plans/:id/gas
func (h *Handler) EstimateGas(c *gin.Context) {
	plan, ok := h.load(c)
	if !ok {
		return
	}
	est, err := h.planner.EstimateGas(c.Request.Context(), plan)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"estimate": est})
}

// RefreshBalances handles POST /v1/wallets/balances
func (h *Handler) RefreshBalances(c *gin.Context) {
	var req RefreshRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "At least one wallet is required"})
		return
	}
	decimals := h.decimals
	if req.TokenDecimals > 0 {
		decimals = req.TokenDecimals
	}
	wallets, err := h.planner.RefreshBalances(c.Request.Context(), req.Wallets)
	out := make([]gin.H, len(wallets))
	for i, w := range wallets {
		out[i] = gin.H{
			"chain":   w.Chain,
			"address": w.Address,
			"token":   w.Token,
			"balance": units.Format(w.Balance, decimals),
		}
	}
	body := gin.H{"wallets": out, "count": len(out)}
	if err != nil {
		body["errors"] = strings.Split(err.Error(), "\n")
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) load(c *gin.Context) (*Plan, bool) {
	plan, err := h.planner.GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if !canView(c, plan) {
		writeError(c, ErrPlanNotFound)
		return nil, false
	}
	return plan, true
}

func ownsPlan(c *gin.Context, p *Plan) bool {
	key, ok := auth.GetAPIKey(c)
	if !ok {
		return false
	}
	return key.Role == auth.RoleOperator || (p.CreatedBy != "" && strings.EqualFold(key.Actor, p.CreatedBy))
}

func canView(c *gin.Context, p *Plan) bool {
	if ownsPlan(c, p) {
		return true
	}
	key, _ := auth.GetAPIKey(c)
	return key != nil && key.Role == auth.RoleMerchant &&
		((key.MerchantID != "" && key.MerchantID == p.MerchantID) || strings.EqualFold(key.Actor, p.MerchantAddr))
}

func validStatus(s Status) bool {
	for _, st := range AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

func writeError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrPlanNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInsufficientAggregateBalance):
		return http.StatusUnprocessableEntity, "insufficient_aggregate_balance"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidStrategy), errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrGasUnavailable):
		return http.StatusServiceUnavailable, "gas_unavailable"
	case errors.Is(err, ErrDuplicate):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, chain.ErrUnknownChain):
		return http.StatusBadRequest, "unknown_chain"
	case errors.Is(err, chain.ErrChainUnavailable):
		return http.StatusServiceUnavailable, "chain_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
