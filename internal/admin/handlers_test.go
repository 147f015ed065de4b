package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsettle/chainsettle/internal/auth"
	"github.com/chainsettle/chainsettle/internal/circuitbreaker"
	"github.com/chainsettle/chainsettle/internal/reconciliation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubRunner struct {
	report *reconciliation.Report
	err    error
	calls  int
}

func (s *stubRunner) RunAll(context.Context) (*reconciliation.Report, error) {
	s.calls++
	return s.report, s.err
}

func (s *stubRunner) Last() *reconciliation.Report { return s.report }

type stubSweeper struct{}

func (stubSweeper) Sweep(context.Context) (int, int) { return 3, 1 }

type stubChains struct{}

func (stubChains) Chains() []string { return []string{"base", "solana"} }

func (stubChains) BreakerStates() []circuitbreaker.KeyState {
	return []circuitbreaker.KeyState{{Key: "solana", State: "open", Failures: 5}}
}

func setup(t *testing.T, h *Handler) (http.Handler, map[string]string) {
	t.Helper()
	mgr := auth.NewManager(auth.NewMemoryStore())
	keys := map[string]string{}
	for name, req := range map[string]auth.KeyRequest{
		"operator": {Actor: "ops@chainsettle", Role: auth.RoleOperator},
		"merchant": {Actor: "0x2222222222222222222222222222222222222222", Role: auth.RoleMerchant, MerchantID: "mrc_acme"},
	} {
		raw, _, err := mgr.GenerateKey(context.Background(), req)
		require.NoError(t, err)
		keys[name] = raw
	}
	r := gin.New()
	r.Use(auth.Middleware(mgr))
	h.RegisterRoutes(r.Group("/v1"))
	return r, keys
}

func call(r http.Handler, method, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestReconcile(t *testing.T) {
	runner := &stubRunner{report: &reconciliation.Report{EscrowsChecked: 4, Healthy: true}}
	r, keys := setup(t, NewHandler().WithReconciler(runner))

	w := call(r, http.MethodPost, "/v1/admin/reconcile", keys["operator"])
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Report reconciliation.Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 4, body.Report.EscrowsChecked)
	assert.True(t, body.Report.Healthy)

	w = call(r, http.MethodPost, "/v1/admin/reconcile", keys["merchant"])
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = call(r, http.MethodPost, "/v1/admin/reconcile", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 1, runner.calls)
}

func TestReconcilePartialFailure(t *testing.T) {
	runner := &stubRunner{report: &reconciliation.Report{}, err: errors.New("settlements: db down")}
	r, keys := setup(t, NewHandler().WithReconciler(runner))

	w := call(r, http.MethodPost, "/v1/admin/reconcile", keys["operator"])
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "db down")
	assert.Contains(t, w.Body.String(), `"report"`)
}

func TestLastReport(t *testing.T) {
	r, keys := setup(t, NewHandler().WithLastReport(&stubRunner{}))
	w := call(r, http.MethodGet, "/v1/admin/reconcile/last", keys["operator"])
	assert.Equal(t, http.StatusNotFound, w.Code)

	r, keys = setup(t, NewHandler().WithLastReport(&stubRunner{report: &reconciliation.Report{OpenEscalations: 2}}))
	w = call(r, http.MethodGet, "/v1/admin/reconcile/last", keys["operator"])
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"openEscalations":2`)
}

func TestSweepEscrows(t *testing.T) {
	r, keys := setup(t, NewHandler().WithEscrowSweeper(stubSweeper{}))
	w := call(r, http.MethodPost, "/v1/admin/escrows/sweep", keys["operator"])
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"expired":3,"lapsedDisputes":1}`, w.Body.String())
}

func TestNotConfigured(t *testing.T) {
	r, keys := setup(t, NewHandler())
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/v1/admin/reconcile"},
		{http.MethodGet, "/v1/admin/reconcile/last"},
		{http.MethodPost, "/v1/admin/escrows/sweep"},
		{http.MethodGet, "/v1/admin/chains"},
	} {
		w := call(r, tc.method, tc.path, keys["operator"])
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, tc.path)
	}
}

func TestChainStates(t *testing.T) {
	r, keys := setup(t, NewHandler().WithChains(stubChains{}))

	w := call(r, http.MethodGet, "/v1/admin/chains", keys["operator"])
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"count":2,"chains":[
		{"key":"base","state":"closed","failures":0},
		{"key":"solana","state":"open","failures":5}]}`, w.Body.String())

	w = call(r, http.MethodGet, "/v1/admin/chains", keys["merchant"])
	assert.Equal(t, http.StatusForbidden, w.Code)
}
