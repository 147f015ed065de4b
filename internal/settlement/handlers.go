package settlement

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chainsettle/chainsettle/internal/auth"
	"github.com/chainsettle/chainsettle/internal/chain"
	"github.com/chainsettle/chainsettle/internal/pagination"
	"github.com/chainsettle/chainsettle/internal/payout"
	"github.com/chainsettle/chainsettle/internal/units"
	"github.com/chainsettle/chainsettle/internal/validation"
)

// Handler provides HTTP endpoints for settlements.
type Handler struct {
	coordinator *Coordinator
	decimals    int
}

// NewHandler creates a settlement handler. Amounts without an explicit
// tokenDecimals use decimals.
func NewHandler(coordinator *Coordinator, decimals int) *Handler {
	if decimals <= 0 {
		decimals = units.USDCDecimals
	}
	return &Handler{coordinator: coordinator, decimals: decimals}
}

// RegisterProtectedRoutes sets up settlement routes. Every route needs an
// authenticated key.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	operator := auth.RequireRole(auth.RoleOperator)

	r.GET("/settlements", auth.RequireRole(auth.RoleMerchant), h.ListSettlements)
	r.GET("/settlements/stats", operator, h.GetStats)
	r.GET("/settlements/escalations", operator, h.ListEscalations)
	r.POST("/settlements/escalations/:id/resolve", operator, h.ResolveEscalation)
	r.POST("/settlements/process", operator, h.ProcessReady)
	r.GET("/settlements/:id", h.GetSettlement)

	r.POST("/settlements", auth.RequireRole(auth.RoleMerchant), h.QueueSettlement)
	r.POST("/settlements/:id/execute", operator, h.ExecuteSettlement)
	r.POST("/settlements/:id/retry-payout", operator, h.RetryPayout)
	r.POST("/settlements/:id/cancel", h.CancelSettlement)
	r.POST("/settlements/:id/dispute", h.DisputeSettlement)
}

// QueueRequestBody is the body of POST /v1/settlements.
type QueueRequestBody struct {
	ID            string             `json:"id"`
	EscrowChain   string             `json:"escrowChain" binding:"required"`
	EscrowID      string             `json:"escrowId" binding:"required"`
	MerchantID    string             `json:"merchantId"`
	MerchantAddr  string             `json:"merchantAddr"`
	PayerAddr     string             `json:"payerAddr"`
	Amount        string             `json:"amount"`
	Token         string             `json:"token"`
	TokenDecimals int                `json:"tokenDecimals"`
	PaymentMethod payout.Destination `json:"paymentMethod"`
}

// DisputeRequest carries the reason a settlement is held.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// QueueSettlement handles POST /v1/settlements
func (h *Handler) QueueSettlement(c *gin.Context) {
	var req QueueRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "escrowChain, escrowId and a valid paymentMethod are required",
		})
		return
	}
	decimals := h.decimals
	if req.TokenDecimals > 0 {
		decimals = req.TokenDecimals
	}

	checks := []func() *validation.ValidationError{
		validation.ValidID("id", req.ID),
		validation.ValidID("escrowId", req.EscrowID),
		validation.ValidID("merchantId", req.MerchantID),
		validation.MaxLength("token", req.Token, 16),
	}
	if req.MerchantAddr != "" {
		checks = append(checks, validation.ValidAddress("merchantAddr", req.MerchantAddr))
	}
	if req.PayerAddr != "" {
		checks = append(checks, validation.ValidAddress("payerAddr", req.PayerAddr))
	}
	if req.Amount != "" {
		checks = append(checks, validation.ValidAmount("amount", req.Amount, decimals))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	if req.PaymentMethod.Method == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "paymentMethod is required"})
		return
	}

	key, _ := auth.GetAPIKey(c)
	merchantID := req.MerchantID
	if key.Role != auth.RoleOperator {
		if merchantID == "" {
			merchantID = key.MerchantID
		}
		if key.MerchantID == "" || merchantID != key.MerchantID {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Key is not bound to this merchant",
			})
			return
		}
	}

	var amount *big.Int
	if req.Amount != "" {
		amount, _ = units.Parse(req.Amount, decimals)
	}
	s, err := h.coordinator.QueueSettlement(c.Request.Context(), QueueRequest{
		ID:            req.ID,
		Escrow:        EscrowRef{Chain: req.EscrowChain, EscrowID: req.EscrowID},
		MerchantID:    merchantID,
		MerchantAddr:  validation.SanitizeAddress(req.MerchantAddr),
		PayerAddr:     validation.SanitizeAddress(req.PayerAddr),
		Amount:        amount,
		Token:         req.Token,
		TokenDecimals: decimals,
		PaymentMethod: req.PaymentMethod.Method,
		Actor:         auth.Actor(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"settlement": s})
}

// GetSettlement handles GET /v1/settlements/:id
func (h *Handler) GetSettlement(c *gin.Context) {
	s, ok := h.load(c)
	if !ok {
		return
	}
	if !canView(c, s) {
		writeError(c, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": s})
}

// ListSettlements handles GET /v1/settlements?status=&merchantId=&escrowChain=&cursor=&limit=
func (h *Handler) ListSettlements(c *gin.Context) {
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

	merchantID := c.Query("merchantId")
	if key, _ := auth.GetAPIKey(c); key.Role != auth.RoleOperator {
		merchantID = key.MerchantID
	}
	f := Filter{
		Status:      status,
		MerchantID:  merchantID,
		EscrowChain: c.Query("escrowChain"),
		Limit:       limit + 1,
	}
	scope := pagination.Scope(string(f.Status), f.MerchantID, f.EscrowChain)
	cursor, err := pagination.Decode(c.Query("cursor"), scope)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	f.Cursor = cursor

	items, err := h.coordinator.ListSettlements(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	page, next, hasMore := pagination.ComputePage(items, limit, scope, func(s *Settlement) (time.Time, string) {
		return s.CreatedAt, s.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"settlements": page,
		"count":       len(page),
		"nextCursor":  next,
		"hasMore":     hasMore,
	})
}

// GetStats handles GET /v1/settlements/stats
func (h *Handler) GetStats(c *gin.Context) {
	st, err := h.coordinator.GetSettlementStats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": st})
}

// ExecuteSettlement handles POST /v1/settlements/:id/execute
func (h *Handler) ExecuteSettlement(c *gin.Context) {
	res, err := h.coordinator.ExecuteSettlement(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeStageError(c, err, res)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// RetryPayout handles POST /v1/settlements/:id/retry-payout
func (h *Handler) RetryPayout(c *gin.Context) {
	res, err := h.coordinator.RetryPayout(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		writeStageError(c, err, res)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// ProcessReady handles POST /v1/settlements/process
func (h *Handler) ProcessReady(c *gin.Context) {
	res, err := h.coordinator.ProcessReadySettlements(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweep": res})
}

// CancelSettlement handles POST /v1/settlements/:id/cancel
func (h *Handler) CancelSettlement(c *gin.Context) {
	s, ok := h.load(c)
	if !ok {
		return
	}
	if !ownsMerchant(c, s) {
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": "Only the merchant or an operator may cancel"})
		return
	}
	s, err := h.coordinator.CancelSettlement(c.Request.Context(), s.ID, auth.Actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": s})
}

// DisputeSettlement handles POST /v1/settlements/:id/dispute
func (h *Handler) DisputeSettlement(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Reason is required"})
		return
	}
	s, ok := h.load(c)
	if !ok {
		return
	}
	key, _ := auth.GetAPIKey(c)
	allowed := ownsMerchant(c, s) || key.Role == auth.RoleArbiter ||
		(s.PayerAddr != "" && strings.EqualFold(key.Actor, s.PayerAddr))
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": "Not a party to this settlement"})
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	s, err := h.coordinator.DisputeSettlement(c.Request.Context(), s.ID, auth.Actor(c), reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": s})
}

// ListEscalations handles GET /v1/settlements/escalations?all=true
func (h *Handler) ListEscalations(c *gin.Context) {
	all := c.Query("all") == "true"
	items, err := h.coordinator.ListEscalations(c.Request.Context(), all)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escalations": items, "count": len(items)})
}

// ResolveEscalation handles POST /v1/settlements/escalations/:id/resolve
func (h *Handler) ResolveEscalation(c *gin.Context) {
	if err := h.coordinator.ResolveEscalation(c.Request.Context(), c.Param("id"), auth.Actor(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

func (h *Handler) load(c *gin.Context) (*Settlement, bool) {
	s, err := h.coordinator.GetSettlement(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return s, true
}

func ownsMerchant(c *gin.Context, s *Settlement) bool {
	key, ok := auth.GetAPIKey(c)
	if !ok {
		return false
	}
	if key.Role == auth.RoleOperator {
		return true
	}
	if key.Role != auth.RoleMerchant {
		return false
	}
	return (key.MerchantID != "" && key.MerchantID == s.MerchantID) || strings.EqualFold(key.Actor, s.MerchantAddr)
}

func canView(c *gin.Context, s *Settlement) bool {
	if ownsMerchant(c, s) {
		return true
	}
	key, _ := auth.GetAPIKey(c)
	return key != nil && (key.Role == auth.RoleArbiter || (s.PayerAddr != "" && strings.EqualFold(key.Actor, s.PayerAddr)))
}

func validStatus(s Status) bool {
	for _, st := range AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

func writeStageError(c *gin.Context, err error, res *Result) {
	status, code := errorStatus(err)
	body := gin.H{"error": code, "message": err.Error()}
	var se *StageError
	if errors.As(err, &se) {
		body["stage"] = se.Stage
	}
	if res != nil {
		body["result"] = res
	}
	c.JSON(status, body)
}

func writeError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrEscalationNotFound):
		return http.StatusNotFound, "escalation_not_found"
	case errors.Is(err, ErrDisputePeriodActive):
		return http.StatusConflict, "dispute_period_active"
	case errors.Is(err, ErrAlreadyProcessing):
		return http.StatusConflict, "already_processing"
	case errors.Is(err, ErrPostWithdrawalComplianceFailure):
		return http.StatusUnprocessableEntity, "post_withdrawal_compliance_failure"
	case errors.Is(err, ErrComplianceRefused):
		return http.StatusUnprocessableEntity, "compliance_refused"
	case errors.Is(err, ErrPayoutFailed):
		return http.StatusBadGateway, "payout_failed"
	case errors.Is(err, ErrConversionMismatch):
		return http.StatusInternalServerError, "conversion_mismatch"
	case errors.Is(err, ErrDuplicate), errors.Is(err, ErrEscrowAlreadySettled):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrEscrowNotSettled):
		return http.StatusUnprocessableEntity, "escrow_not_settled"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, payout.ErrInvalidMethod):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrRateUnavailable):
		return http.StatusServiceUnavailable, "rate_unavailable"
	case errors.Is(err, chain.ErrUnknownChain):
		return http.StatusBadRequest, "unknown_chain"
	case errors.Is(err, chain.ErrChainUnavailable), errors.Is(err, chain.ErrTimeout):
		return http.StatusServiceUnavailable, "chain_unavailable"
	case errors.Is(err, chain.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	}
	return http.StatusInternalServerError, "internal_error"
}
