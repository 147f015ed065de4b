package escrow

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

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service  *Service
	decimals int
}

// NewHandler creates a new escrow handler. Amounts in requests are
// decimal strings in a token with the given number of decimals.
func NewHandler(service *Service, decimals int) *Handler {
	if decimals <= 0 {
		decimals = units.USDCDecimals
	}
	return &Handler{service: service, decimals: decimals}
}

// RegisterRoutes sets up read-only escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:chain/:id", h.GetEscrow)
	r.GET("/escrows/:chain/:id/verify", h.VerifyEscrow)
}

// RegisterProtectedRoutes sets up auth-required escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", auth.RequireRole(auth.RolePayer), h.CreateEscrow)
	r.POST("/escrows/:chain/:id/confirm", h.ConfirmEscrow)
	r.POST("/escrows/:chain/:id/dispute", h.DisputeEscrow)
	r.POST("/escrows/:chain/:id/cancel", h.CancelEscrow)
	r.POST("/escrows/:chain/:id/expire", h.ExpireEscrow)
	r.POST("/escrows/:chain/:id/resolve", auth.RequireRole(auth.RoleArbiter), h.ResolveEscrow)
}

// CreateRequest is the body of POST /v1/escrows.
type CreateRequest struct {
	ID           string `json:"id"`
	Chain        string `json:"chain" binding:"required"`
	Token        string `json:"token"`
	PayerAddr    string `json:"payerAddr" binding:"required"`
	MerchantID   string `json:"merchantId" binding:"required"`
	MerchantAddr string `json:"merchantAddr" binding:"required"`
	Amount       string `json:"amount" binding:"required"`
	Reference    string `json:"reference"`
	Timeout      string `json:"timeout"` // Duration string, e.g. "24h"
}

// DisputeRequest contains the parameters for disputing an escrow.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ResolveRequest is the arbiter's decision.
type ResolveRequest struct {
	ToMerchant *bool `json:"toMerchant" binding:"required"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "chain, payerAddr, merchantId, merchantAddr and amount are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("id", req.ID),
		validation.ValidAddress("payerAddr", req.PayerAddr),
		validation.ValidAddress("merchantAddr", req.MerchantAddr),
		validation.ValidID("merchantId", req.MerchantID),
		validation.ValidAmount("amount", req.Amount, h.decimals),
		validation.MaxLength("reference", req.Reference, 256),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	key, _ := auth.GetAPIKey(c)
	if key.Role != auth.RoleOperator && !strings.EqualFold(key.Actor, req.PayerAddr) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated actor must be the payer",
		})
		return
	}

	amount, _ := units.Parse(req.Amount, h.decimals)
	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "timeout must be a positive duration"})
			return
		}
		timeout = d
	}
	token := req.Token
	if token == "" {
		token = "USDC"
	}

	rec, err := h.service.Deposit(c.Request.Context(), DepositRequest{
		ID:           req.ID,
		Chain:        req.Chain,
		Token:        token,
		PayerAddr:    validation.SanitizeAddress(req.PayerAddr),
		MerchantID:   req.MerchantID,
		MerchantAddr: validation.SanitizeAddress(req.MerchantAddr),
		Amount:       amount,
		Reference:    req.Reference,
		Timeout:      timeout,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": rec})
}

// GetEscrow handles GET /v1/escrows/:chain/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("chain"), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// ListEscrows handles GET /v1/escrows?chain=&status=&merchantId=&party=&cursor=&limit=
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	f := Filter{
		Chain:      c.Query("chain"),
		Status:     Status(c.Query("status")),
		MerchantID: c.Query("merchantId"),
		Party:      c.Query("party"),
		Reference:  c.Query("reference"),
		Limit:      limit + 1,
	}
	scope := pagination.Scope(f.Chain, string(f.Status), f.MerchantID, strings.ToLower(f.Party), f.Reference)
	cursor, err := pagination.Decode(c.Query("cursor"), scope)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	f.Cursor = cursor

	recs, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	page, next, hasMore := pagination.ComputePage(recs, limit, scope, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"escrows":    page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// VerifyEscrow handles GET /v1/escrows/:chain/:id/verify
func (h *Handler) VerifyEscrow(c *gin.Context) {
	v, err := h.service.VerifyOnChain(c.Request.Context(), c.Param("chain"), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": v})
}

// ConfirmEscrow handles POST /v1/escrows/:chain/:id/confirm
func (h *Handler) ConfirmEscrow(c *gin.Context) {
	rec, err := h.service.Confirm(c.Request.Context(), c.Param("chain"), c.Param("id"), auth.Actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// DisputeEscrow handles POST /v1/escrows/:chain/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	rec, err := h.service.Dispute(c.Request.Context(), c.Param("chain"), c.Param("id"), auth.Actor(c), reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// CancelEscrow handles POST /v1/escrows/:chain/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	rec, err := h.service.Cancel(c.Request.Context(), c.Param("chain"), c.Param("id"), auth.Actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// ExpireEscrow handles POST /v1/escrows/:chain/:id/expire
func (h *Handler) ExpireEscrow(c *gin.Context) {
	rec, err := h.service.Expire(c.Request.Context(), c.Param("chain"), c.Param("id"), auth.Actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// ResolveEscrow handles POST /v1/escrows/:chain/:id/resolve
func (h *Handler) ResolveEscrow(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "toMerchant is required",
		})
		return
	}
	rec, err := h.service.Resolve(c.Request.Context(), c.Param("chain"), c.Param("id"), auth.Actor(c), *req.ToMerchant)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrEscrowNotFound), errors.Is(err, chain.ErrEscrowNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrInvalidState), errors.Is(err, chain.ErrEscrowClosed):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrNotYetExpired):
		status, code = http.StatusConflict, "not_yet_expired"
	case errors.Is(err, ErrDuplicate), errors.Is(err, chain.ErrEscrowExists):
		status, code = http.StatusConflict, "duplicate"
	case errors.Is(err, ErrInvalidParties):
		status, code = http.StatusBadRequest, "invalid_parties"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, chain.ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, chain.ErrUnknownChain):
		status, code = http.StatusBadRequest, "unknown_chain"
	case errors.Is(err, chain.ErrInsufficientBalance):
		status, code = http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, chain.ErrChainUnavailable):
		status, code = http.StatusServiceUnavailable, "chain_unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
