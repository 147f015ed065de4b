package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	SettlementsTotal.WithLabelValues("completed").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "chainsettle_audit_queue_depth"), "gauges are always exported")
	assert.True(t, strings.Contains(body, "chainsettle_settlement_transitions_total"))
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/settlements/:id", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/settlements/:id", "2xx"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/settlements/stl_1", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/settlements/:id", "2xx"))
	assert.Equal(t, before+1, after)
}

func TestObserveChainCall(t *testing.T) {
	ObserveChainCall("base", "withdraw", time.Now(), nil)
	ObserveChainCall("base", "withdraw", time.Now(), errors.New("boom"))

	assert.Equal(t, 2, testutil.CollectAndCount(ChainCallDuration, "chainsettle_chain_call_duration_seconds"))
}

func TestObserveChainCall_SplitsByResult(t *testing.T) {
	ObserveChainCall("polygon", "release", time.Now(), nil)
	ObserveChainCall("polygon", "release", time.Now(), nil)
	ObserveChainCall("polygon", "release", time.Now(), errors.New("reverted"))

	for result, want := range map[string]uint64{"ok": 2, "error": 1} {
		obs, err := ChainCallDuration.GetMetricWithLabelValues("polygon", "release", result)
		require.NoError(t, err)
		m := &dto.Metric{}
		require.NoError(t, obs.(prometheus.Metric).Write(m))
		assert.Equal(t, want, m.GetHistogram().GetSampleCount(), result)
	}
}
