package metrics_test

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovereignrag/gateway/pkg/metrics"
)

func TestRecordRequest(t *testing.T) {
	m := metrics.New()
	m.RecordRequest(metrics.RequestObservation{
		Endpoint:         "/v1/chat/completions",
		Provider:         "stub",
		Model:            "stub-chat",
		PolicyDecision:   "allow",
		StatusCode:       "200",
		LatencySeconds:   0.042,
		TokensIn:         10,
		TokensOut:        25,
		CostUSD:          0.000035,
		RedactionCount:   2,
		ProviderAttempts: 2,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.Requests.WithLabelValues("/v1/chat/completions", "stub", "stub-chat", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.PolicyDecisions.WithLabelValues("/v1/chat/completions", "allow")))
	assert.Equal(t, 10.0, testutil.ToFloat64(
		m.Tokens.WithLabelValues("/v1/chat/completions", "stub", "stub-chat", "input")))
	assert.Equal(t, 25.0, testutil.ToFloat64(
		m.Tokens.WithLabelValues("/v1/chat/completions", "stub", "stub-chat", "output")))
	assert.InDelta(t, 0.000035, testutil.ToFloat64(
		m.CostUSD.WithLabelValues("/v1/chat/completions", "stub", "stub-chat")), 1e-9)
	assert.Equal(t, 2.0, testutil.ToFloat64(
		m.Redactions.WithLabelValues("/v1/chat/completions")))
	// Two attempts means one fallback hop.
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.ProviderFallbacks.WithLabelValues("stub")))
}

func TestZeroValuesNotRecorded(t *testing.T) {
	m := metrics.New()
	m.RecordRequest(metrics.RequestObservation{
		Endpoint:       "/v1/embeddings",
		Provider:       "stub",
		Model:          "stub-embed",
		PolicyDecision: "allow",
		StatusCode:     "200",
	})

	assert.Equal(t, 0.0, testutil.ToFloat64(
		m.Tokens.WithLabelValues("/v1/embeddings", "stub", "stub-embed", "input")))
	assert.Equal(t, 0.0, testutil.ToFloat64(
		m.Redactions.WithLabelValues("/v1/embeddings")))
	assert.Equal(t, 0.0, testutil.ToFloat64(
		m.ProviderFallbacks.WithLabelValues("stub")))
}

func TestHandlerServesTextFormat(t *testing.T) {
	m := metrics.New()
	m.RecordRequest(metrics.RequestObservation{
		Endpoint:       "/v1/chat/completions",
		Provider:       "stub",
		Model:          "stub-chat",
		PolicyDecision: "deny",
		StatusCode:     "403",
	})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "srg_requests_total")
	assert.Contains(t, body, `decision="deny"`)
	assert.Contains(t, body, "srg_request_duration_seconds_bucket")
}
