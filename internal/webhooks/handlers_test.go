package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsettle/chainsettle/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiFixture struct {
	store  *MemoryStore
	router http.Handler
	keys   map[string]string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	mgr := auth.NewManager(auth.NewMemoryStore())
	keys := make(map[string]string)
	for name, req := range map[string]auth.KeyRequest{
		"merchant": {Actor: "0x2222222222222222222222222222222222222222", Role: auth.RoleMerchant, MerchantID: "mrc_acme"},
		"rival":    {Actor: "0x6666666666666666666666666666666666666666", Role: auth.RoleMerchant, MerchantID: "mrc_rival"},
		"payer":    {Actor: "0x1111111111111111111111111111111111111111", Role: auth.RolePayer},
		"operator": {Actor: "ops@chainsettle", Role: auth.RoleOperator},
	} {
		raw, _, err := mgr.GenerateKey(context.Background(), req)
		require.NoError(t, err)
		keys[name] = raw
	}

	store := NewMemoryStore()
	blockInternal := func(_ context.Context, raw string) error {
		if strings.Contains(raw, "169.254.") {
			return errors.New("URL resolves to a link-local address")
		}
		return nil
	}

	r := gin.New()
	r.Use(auth.Middleware(mgr))
	v1 := r.Group("/v1")
	NewHandler(store, blockInternal).RegisterProtectedRoutes(v1.Group("", auth.RequireAuth()))
	return &apiFixture{store: store, router: r, keys: keys}
}

func (a *apiFixture) do(method, path, who string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if who != "" {
		req.Header.Set("Authorization", "Bearer "+a.keys[who])
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestHandler_CreateListDelete(t *testing.T) {
	a := newAPIFixture(t)

	w := a.do(http.MethodPost, "/v1/webhooks", "merchant", gin.H{
		"url":    "https://acme.example/hooks/settlements",
		"events": []string{"settlement.completed", "settlement.failed"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decodeBody(t, w)
	secret, _ := body["secret"].(string)
	assert.Len(t, secret, 64)
	hook := body["webhook"].(map[string]any)
	id := hook["id"].(string)
	assert.True(t, strings.HasPrefix(id, "wh_"))
	assert.Equal(t, "mrc_acme", hook["merchantId"])
	assert.NotContains(t, w.Body.String(), `"Secret"`)

	stored, err := a.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, secret, stored.Secret)

	w = a.do(http.MethodGet, "/v1/webhooks", "merchant", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])
	assert.NotContains(t, w.Body.String(), secret, "secret is only returned on create")

	w = a.do(http.MethodGet, "/v1/webhooks", "rival", nil)
	assert.Equal(t, float64(0), decodeBody(t, w)["count"])

	w = a.do(http.MethodDelete, "/v1/webhooks/"+id, "rival", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(http.MethodDelete, "/v1/webhooks/"+id, "merchant", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, err = a.store.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandler_Validation(t *testing.T) {
	a := newAPIFixture(t)

	for name, tc := range map[string]struct {
		body gin.H
		code string
	}{
		"missing events": {gin.H{"url": "https://acme.example/h"}, "invalid_request"},
		"unknown event":  {gin.H{"url": "https://acme.example/h", "events": []string{"payment.received"}}, "invalid_event"},
		"relative url":   {gin.H{"url": "/hooks", "events": []string{"settlement.completed"}}, "invalid_url"},
		"bad scheme":     {gin.H{"url": "ftp://acme.example/h", "events": []string{"settlement.completed"}}, "invalid_url"},
		"internal host":  {gin.H{"url": "http://169.254.169.254/latest", "events": []string{"settlement.completed"}}, "invalid_url"},
	} {
		w := a.do(http.MethodPost, "/v1/webhooks", "merchant", tc.body)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
		assert.Equal(t, tc.code, decodeBody(t, w)["error"], name)
	}
}

func TestHandler_Access(t *testing.T) {
	a := newAPIFixture(t)
	create := gin.H{"url": "https://acme.example/h", "events": []string{"settlement.completed"}}

	w := a.do(http.MethodPost, "/v1/webhooks", "payer", create)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(http.MethodPost, "/v1/webhooks", "", create)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.do(http.MethodGet, "/v1/webhooks", "operator", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(http.MethodPost, "/v1/webhooks?merchantId=mrc_acme", "operator", create)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = a.do(http.MethodGet, "/v1/webhooks", "merchant", nil)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])
}

func TestHandler_Limit(t *testing.T) {
	a := newAPIFixture(t)
	create := gin.H{"url": "https://acme.example/h", "events": []string{"settlement.completed"}}
	for i := 0; i < maxSubscriptionsPerMerchant; i++ {
		w := a.do(http.MethodPost, "/v1/webhooks", "merchant", create)
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w := a.do(http.MethodPost, "/v1/webhooks", "merchant", create)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "limit_reached", decodeBody(t, w)["error"])
}
