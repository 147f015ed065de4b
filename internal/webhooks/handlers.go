package webhooks

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chainsettle/chainsettle/internal/auth"
	"github.com/chainsettle/chainsettle/internal/idgen"
)

const maxSubscriptionsPerMerchant = 10

// Handler provides the merchant webhook management API.
type Handler struct {
	store    Store
	validate func(ctx context.Context, rawURL string) error
	now      func() time.Time
}

// NewHandler creates a handler. validate vets endpoint URLs on registration;
// nil accepts any absolute http(s) URL.
func NewHandler(store Store, validate func(ctx context.Context, rawURL string) error) *Handler {
	return &Handler{store: store, validate: validate, now: time.Now}
}

// RegisterProtectedRoutes sets up webhook routes. Merchants manage their own
// endpoints; operators pass ?merchantId=.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	g := r.Group("/webhooks", auth.RequireRole(auth.RoleMerchant))
	g.POST("", h.CreateWebhook)
	g.GET("", h.ListWebhooks)
	g.DELETE("/:id", h.DeleteWebhook)
}

// CreateWebhookRequest is the body of POST /v1/webhooks.
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required,min=1"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	merchantID, ok := merchantScope(c)
	if !ok {
		return
	}

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := h.checkURL(c.Request.Context(), req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}
	types := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := EventType(e)
		if !et.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": ErrNoEvents.Error(),
				"allowed": AllEventTypes(),
			})
			return
		}
		types = append(types, et)
	}

	existing, err := h.store.ListByMerchant(c.Request.Context(), merchantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load webhooks"})
		return
	}
	if len(existing) >= maxSubscriptionsPerMerchant {
		c.JSON(http.StatusConflict, gin.H{"error": "limit_reached", "message": "Too many webhooks for this merchant"})
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:         idgen.WithPrefix(idgen.WebhookPrefix),
		MerchantID: merchantID,
		URL:        req.URL,
		Secret:     secret,
		Events:     types,
		Active:     true,
		CreatedAt:  h.now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed", "message": "Failed to create webhook"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // only returned here
		"usage": gin.H{
			"header":    HeaderSignature,
			"signature": "sha256=HMAC-SHA256(secret, timestamp + \".\" + body)",
		},
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	merchantID, ok := merchantScope(c)
	if !ok {
		return
	}
	subs, err := h.store.ListByMerchant(c.Request.Context(), merchantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list webhooks"})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// DeleteWebhook handles DELETE /v1/webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	merchantID, ok := merchantScope(c)
	if !ok {
		return
	}
	id := c.Param("id")
	sub, err := h.store.Get(c.Request.Context(), id)
	if err != nil || sub.MerchantID != merchantID {
		if err != nil && !errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load webhook"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
		return
	}
	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed", "message": "Failed to delete webhook"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handler) checkURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return ErrInvalidURL
	}
	if h.validate != nil {
		if err := h.validate(ctx, raw); err != nil {
			return err
		}
	}
	return nil
}

// merchantScope resolves whose webhooks the request manages and writes the
// error response when it cannot.
func merchantScope(c *gin.Context) (string, bool) {
	key, ok := auth.GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required."})
		return "", false
	}
	if key.Role == auth.RoleOperator {
		if m := c.Query("merchantId"); m != "" {
			return m, true
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "merchantId query parameter is required for operators"})
		return "", false
	}
	if key.MerchantID == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Key is not bound to a merchant"})
		return "", false
	}
	return key.MerchantID, true
}
