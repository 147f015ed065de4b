package gas

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chainsettle/chainsettle/internal/chain"
)

// Handler provides HTTP handlers for gas quotes
type Handler struct {
	estimator *Estimator
}

// NewHandler creates a new gas handler
func NewHandler(estimator *Estimator) *Handler {
	return &Handler{estimator: estimator}
}

// RegisterRoutes sets up the gas routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/gas/quotes", h.ListQuotes)
	r.GET("/gas/quotes/:chain", h.GetQuote)
}

// ListQuotes handles GET /gas/quotes
func (h *Handler) ListQuotes(c *gin.Context) {
	quotes, errs := h.estimator.QuoteAll(c.Request.Context())
	body := gin.H{
		"quotes": quotes,
		"count":  len(quotes),
	}
	if len(errs) > 0 {
		failed := make(gin.H, len(errs))
		for name, err := range errs {
			failed[name] = err.Error()
		}
		body["unavailable"] = failed
	}
	c.JSON(http.StatusOK, body)
}

// GetQuote handles GET /gas/quotes/:chain
func (h *Handler) GetQuote(c *gin.Context) {
	est, err := h.estimator.Quote(c.Request.Context(), c.Param("chain"))
	if err != nil {
		var gasErr *Error
		switch {
		case errors.Is(err, chain.ErrUnknownChain):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "unknown_chain",
				"message": err.Error(),
			})
		case errors.As(err, &gasErr) && gasErr.Code != ErrEstimateFailed.Code:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   gasErr.Code,
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "estimate_failed",
				"message": "Failed to estimate gas",
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": est})
}
