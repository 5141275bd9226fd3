package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRequest(t *testing.T) {
	before := testutil.ToFloat64(requestsTotal.WithLabelValues("openai", "gpt-4o", "success"))
	RecordRequest("openai", "gpt-4o", "success", 0.42)
	after := testutil.ToFloat64(requestsTotal.WithLabelValues("openai", "gpt-4o", "success"))
	assert.Equal(t, before+1, after)
}

func TestRecordTokens_SkipsZeroes(t *testing.T) {
	before := testutil.ToFloat64(tokensTotal.WithLabelValues("groq", "llama-3.3-70b", "cached"))
	RecordTokens("groq", "llama-3.3-70b", 10, 5, 0, 0)
	after := testutil.ToFloat64(tokensTotal.WithLabelValues("groq", "llama-3.3-70b", "cached"))
	assert.Equal(t, before, after)

	assert.GreaterOrEqual(t, testutil.ToFloat64(tokensTotal.WithLabelValues("groq", "llama-3.3-70b", "input")), 10.0)
}

func TestRecordStreamGauge(t *testing.T) {
	before := testutil.ToFloat64(streamsActive)
	RecordStreamStart()
	assert.Equal(t, before+1, testutil.ToFloat64(streamsActive))
	RecordStreamEnd()
	assert.Equal(t, before, testutil.ToFloat64(streamsActive))
}

func TestExporterHandler_ServesGatewayMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	for _, c := range allMetrics {
		require.NoError(t, reg.Register(c))
	}
	exporter := NewExporterWithRegistry(":0", reg)

	RecordRequest("anthropic", "claude-3-5-sonnet", "success", 1.2)
	RecordCost("anthropic", "claude-3-5-sonnet", 0.0031)

	rec := httptest.NewRecorder()
	exporter.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "llmgateway_requests_total"))
	assert.True(t, strings.Contains(body, "llmgateway_cost_total"))
}
