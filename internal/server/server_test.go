package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsettle/chainsettle/internal/auth"
	"github.com/chainsettle/chainsettle/internal/chain"
	"github.com/chainsettle/chainsettle/internal/config"
	"github.com/chainsettle/chainsettle/internal/logging"
	"github.com/chainsettle/chainsettle/internal/webhooks"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	adminKey   = "csk_test_admin"
	payer      = "0x1111111111111111111111111111111111111111"
	merchant   = "0x2222222222222222222222222222222222222222"
	merchantID = "mrc_acme"
)

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		PlatformFeeBps:     25,
		SettlementFeeBps:   50,
		FeeRecipient:       "platform",
		EscrowTimeout:      24 * time.Hour,
		DisputeTimeout:     48 * time.Hour,
		DisputePeriod:      72 * time.Hour,
		AutoSettle:         true,
		SweepInterval:      time.Minute,
		ChainCallTimeout:   time.Second,
		CollaboratorWait:   time.Second,
		StaticRates:        config.DefaultStaticRates,
		AdminAPIKey:        adminKey,
		RateLimitPerMinute: 600,
		RateLimitBurst:     100,
		StuckAfter:         time.Minute,
		Chains: []config.ChainConfig{
			{Name: "base", Family: config.FamilySimulated, TokenSymbol: "USDC", TokenDecimals: 6, NativeSymbol: "ETH"},
			{Name: "solana", Family: config.FamilySimulated, TokenSymbol: "USDC", TokenDecimals: 6, NativeSymbol: "SOL"},
		},
	}
}

type testServer struct {
	*Server
	base *chain.SimulatedAdapter
	keys map[string]string
}

// newTestServer creates a server on in-memory stores with a funded payer on
// the simulated base chain.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	base := chain.NewSimulatedAdapter("base")
	base.Fund(payer, big.NewInt(5_000_000_000))

	s, err := New(testConfig(), WithLogger(logging.Discard()), WithChainAdapter(base), WithDrainDelay(0))
	require.NoError(t, err)
	t.Cleanup(s.closeResources)

	keys := map[string]string{"operator": adminKey}
	for name, req := range map[string]auth.KeyRequest{
		"payer":    {Actor: payer, Role: auth.RolePayer},
		"merchant": {Actor: merchant, Role: auth.RoleMerchant, MerchantID: merchantID},
	} {
		raw, _, err := s.authMgr.GenerateKey(context.Background(), req)
		require.NoError(t, err)
		keys[name] = raw
	}
	return &testServer{Server: s, base: base, keys: keys}
}

func (ts *testServer) do(method, path, who string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if who != "" {
		req.Header.Set("Authorization", "Bearer "+ts.keys[who])
	}
	w := httptest.NewRecorder()
	ts.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)

	names := make([]string, 0, len(resp.Checks))
	for _, c := range resp.Checks {
		names = append(names, c.Name)
		assert.False(t, c.Critical, c.Name)
	}
	assert.ElementsMatch(t, []string{"chain:base", "chain:solana"}, names)
}

// unreachableChain answers every ping with an outage.
type unreachableChain struct {
	*chain.SimulatedAdapter
}

func (unreachableChain) Ping(context.Context) error { return chain.ErrChainUnavailable }

func TestHealthDegradedWhenChainDown(t *testing.T) {
	s, err := New(testConfig(), WithLogger(logging.Discard()),
		WithChainAdapter(unreachableChain{chain.NewSimulatedAdapter("solana")}))
	require.NoError(t, err)
	t.Cleanup(s.closeResources)
	s.ready.Store(true)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", decode(t, w)["status"])

	// A single chain outage does not take the instance out of rotation.
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLivenessEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	ts.healthy.Store(false)
	w = ts.do(http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	ts := newTestServer(t)

	// Not ready before Run
	w := ts.do(http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ts.ready.Store(true)
	w = ts.do(http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsAndInfo(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chainsettle_goroutines")

	w = ts.do(http.MethodGet, "/v1/info", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, []any{"base", "solana"}, body["chains"])
	assert.Equal(t, float64(50), body["settlementFeeBps"])
}

func TestMiddlewareHeaders(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/v1/info", "", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	req := httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	req.Header.Set("X-Request-ID", "lb-123")
	rec := httptest.NewRecorder()
	ts.Router().ServeHTTP(rec, req)
	assert.Equal(t, "lb-123", rec.Header().Get("X-Request-ID"))
}

func TestRoutesRequireAuth(t *testing.T) {
	ts := newTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/v1/escrows"},
		{http.MethodGet, "/v1/settlements"},
		{http.MethodPost, "/v1/plans"},
		{http.MethodGet, "/v1/events/esc_1"},
		{http.MethodPost, "/v1/admin/reconcile"},
		{http.MethodGet, "/v1/auth/me"},
		{http.MethodGet, "/v1/webhooks"},
		{http.MethodGet, "/v1/stream"},
	} {
		w := ts.do(tc.method, tc.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, tc.path)
	}

	// Public reads
	w := ts.do(http.MethodGet, "/v1/escrows", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = ts.do(http.MethodGet, "/v1/gas/quotes", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNotFoundRoute(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/v1/nonexistent", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["error"])
}

func TestEscrowToSettlementFlow(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/v1/escrows", "payer", gin.H{
		"id":           "esc_flow",
		"chain":        "base",
		"payerAddr":    payer,
		"merchantId":   merchantID,
		"merchantAddr": merchant,
		"amount":       "250.00",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = ts.do(http.MethodPost, "/v1/escrows/base/esc_flow/confirm", "payer", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = ts.do(http.MethodPost, "/v1/escrows/base/esc_flow/confirm", "merchant", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "completed", decode(t, w)["escrow"].(map[string]any)["status"])

	w = ts.do(http.MethodPost, "/v1/settlements", "merchant", gin.H{
		"escrowChain":   "base",
		"escrowId":      "esc_flow",
		"paymentMethod": gin.H{"rail": "upi", "vpa": "acme@okaxis"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	stl := decode(t, w)["settlement"].(map[string]any)
	id := stl["id"].(string)

	// The dispute window is still open.
	w = ts.do(http.MethodPost, "/v1/settlements/"+id+"/execute", "operator", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "dispute_period_active", decode(t, w)["error"])

	w = ts.do(http.MethodGet, "/v1/events/esc_flow", "operator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	evs := decode(t, w)["events"].([]any)
	require.NotEmpty(t, evs)
	assert.Equal(t, "completed", evs[len(evs)-1].(map[string]any)["to"])

	w = ts.do(http.MethodGet, "/v1/events/esc_flow", "merchant", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMerchantWebhookOnSettlementQueued(t *testing.T) {
	ts := newTestServer(t)

	var (
		mu   sync.Mutex
		got  []string
		sigs []string
	)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, r.Header.Get(webhooks.HeaderEvent))
		sigs = append(sigs, r.Header.Get(webhooks.HeaderSignature))
	}))
	defer receiver.Close()

	w := ts.do(http.MethodPost, "/v1/webhooks", "merchant", gin.H{
		"url":    receiver.URL,
		"events": []string{"settlement.pending"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = ts.do(http.MethodPost, "/v1/escrows", "payer", gin.H{
		"id":           "esc_hook",
		"chain":        "base",
		"payerAddr":    payer,
		"merchantId":   merchantID,
		"merchantAddr": merchant,
		"amount":       "40.00",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	for _, who := range []string{"payer", "merchant"} {
		w = ts.do(http.MethodPost, "/v1/escrows/base/esc_hook/confirm", who, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w = ts.do(http.MethodPost, "/v1/settlements", "merchant", gin.H{
		"escrowChain":   "base",
		"escrowId":      "esc_hook",
		"paymentMethod": gin.H{"rail": "upi", "vpa": "acme@okaxis"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ts.webhooks.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"settlement.pending"}, got)
	assert.Regexp(t, `^sha256=`, sigs[0])
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.stream.Run(ctx)

	srv := httptest.NewServer(ts.Router())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?kind=escrow&entityId=esc_stream"

	header := http.Header{"Authorization": {"Bearer " + ts.keys["payer"]}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Authorization", "Bearer "+adminKey)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return ts.stream.Stats().ConnectedClients == 1 }, time.Second, 10*time.Millisecond)

	w := ts.do(http.MethodPost, "/v1/escrows", "payer", gin.H{
		"id":           "esc_stream",
		"chain":        "base",
		"payerAddr":    payer,
		"merchantId":   merchantID,
		"merchantAddr": merchant,
		"amount":       "5.00",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev map[string]any
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "escrow", ev["kind"])
	assert.Equal(t, "esc_stream", ev["entityId"])

	w = ts.do(http.MethodGet, "/v1/stream/stats", "operator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)["stream"].(map[string]any)
	assert.EqualValues(t, 1, stats["connectedClients"])
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/v1/escrows", "payer", gin.H{
		"id":           "esc_recon",
		"chain":        "base",
		"payerAddr":    payer,
		"merchantId":   merchantID,
		"merchantAddr": merchant,
		"amount":       "10",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = ts.do(http.MethodPost, "/v1/admin/reconcile", "operator", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode(t, w)["report"].(map[string]any)
	assert.Equal(t, true, report["healthy"])
	assert.Equal(t, float64(1), report["escrowsChecked"])

	w = ts.do(http.MethodGet, "/v1/admin/reconcile/last", "operator", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(http.MethodPost, "/v1/admin/escrows/sweep", "operator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"expired":0,"lapsedDisputes":0}`, w.Body.String())

	w = ts.do(http.MethodGet, "/v1/admin/chains", "operator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["count"])

	w = ts.do(http.MethodPost, "/v1/admin/reconcile", "merchant", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPlanRoutesWired(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/v1/plans", "payer", gin.H{
		"targetAmount": "100",
		"token":        "USDC",
		"merchantId":   merchantID,
		"merchantAddr": merchant,
		"wallets":      []gin.H{{"chain": "base", "address": payer}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	plan := decode(t, w)["plan"].(map[string]any)

	w = ts.do(http.MethodPost, "/v1/plans/"+plan["id"].(string)+"/execute", "payer", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "completed", decode(t, w)["plan"].(map[string]any)["status"])
}

func TestNewRejectsSimulatedChainsInProduction(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	_, err := New(cfg, WithLogger(logging.Discard()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simulated")
}

func TestNewRejectsRegistryOnNonEVMChain(t *testing.T) {
	cfg := testConfig()
	cfg.RegistryChain = "base"
	cfg.RegistryContract = "0x3333333333333333333333333333333333333333"
	_, err := New(cfg, WithLogger(logging.Discard()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evm")
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:***@db:5432/chainsettle", maskDSN("postgres://app:secret@db:5432/chainsettle"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
