package telemetry_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovereignrag/gateway/pkg/telemetry"
)

func exportedPayload(t *testing.T, spans []telemetry.Span, headers map[string]string) (map[string]interface{}, http.Header) {
	t.Helper()
	var body map[string]interface{}
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		gotHeaders = r.Header.Clone()
	}))
	defer srv.Close()

	e := telemetry.NewOTLPExporter(srv.URL, time.Second, headers, "srg-test", nil)
	e.ExportTrace("req-1", spans)
	return body, gotHeaders
}

func TestOTLPExporterPayloadShape(t *testing.T) {
	spans := []telemetry.Span{{
		TraceID:      "req-1",
		SpanID:       "aabbccddeeff0011",
		ParentSpanID: "0011223344556677",
		Operation:    "provider.chat",
		Service:      "sovereign-rag-gateway",
		StartTimeMS:  1700000000000.0,
		EndTimeMS:    1700000000123.5,
		Status:       "error",
		Attributes: map[string]interface{}{
			"provider":   "stub",
			"tokens":     42,
			"score":      0.5,
			"streaming":  false,
			"connectors": []string{"filesystem"},
		},
		Events: []telemetry.SpanEvent{{
			Name:       "exception",
			Attributes: map[string]interface{}{"exception.type": "Error"},
		}},
	}}

	body, headers := exportedPayload(t, spans, map[string]string{"X-Auth": "secret"})
	assert.Equal(t, "secret", headers.Get("X-Auth"))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))

	resourceSpans := body["resourceSpans"].([]interface{})
	require.Len(t, resourceSpans, 1)
	rs := resourceSpans[0].(map[string]interface{})

	resAttrs := rs["resource"].(map[string]interface{})["attributes"].([]interface{})
	require.Len(t, resAttrs, 1)
	first := resAttrs[0].(map[string]interface{})
	assert.Equal(t, "service.name", first["key"])
	assert.Equal(t, "sovereign-rag-gateway", first["value"].(map[string]interface{})["stringValue"])

	scopeSpans := rs["scopeSpans"].([]interface{})[0].(map[string]interface{})
	otlpSpans := scopeSpans["spans"].([]interface{})
	require.Len(t, otlpSpans, 1)
	span := otlpSpans[0].(map[string]interface{})

	// Trace id is hex-normalized to 32 chars; "req-1" keeps only "e1".
	assert.Len(t, span["traceId"], 32)
	assert.Equal(t, "aabbccddeeff0011", span["spanId"])
	assert.Equal(t, "0011223344556677", span["parentSpanId"])
	assert.Equal(t, "provider.chat", span["name"])
	assert.EqualValues(t, 1, span["kind"])
	assert.Equal(t, "1700000000000000000", span["startTimeUnixNano"])
	assert.Equal(t, float64(2), span["status"].(map[string]interface{})["code"])

	attrByKey := map[string]map[string]interface{}{}
	for _, raw := range span["attributes"].([]interface{}) {
		attr := raw.(map[string]interface{})
		attrByKey[attr["key"].(string)] = attr["value"].(map[string]interface{})
	}
	assert.Equal(t, "42", attrByKey["tokens"]["intValue"])
	assert.Equal(t, 0.5, attrByKey["score"]["doubleValue"])
	assert.Equal(t, false, attrByKey["streaming"]["boolValue"])
	assert.Equal(t, "stub", attrByKey["provider"]["stringValue"])
	arr := attrByKey["connectors"]["arrayValue"].(map[string]interface{})["values"].([]interface{})
	require.Len(t, arr, 1)
	assert.Equal(t, "filesystem", arr[0].(map[string]interface{})["stringValue"])

	events := span["events"].([]interface{})
	require.Len(t, events, 1)
	assert.Equal(t, "exception", events[0].(map[string]interface{})["name"])
}

func TestOTLPExporterEmptyTrace(t *testing.T) {
	body, _ := exportedPayload(t, nil, nil)
	assert.Empty(t, body["resourceSpans"])
}

func TestOTLPExporterSurvivesFailure(t *testing.T) {
	e := telemetry.NewOTLPExporter("http://127.0.0.1:1/v1/traces", 100*time.Millisecond, nil, "", nil)
	// Must not panic or block.
	e.ExportTrace("req-1", []telemetry.Span{{TraceID: "req-1", SpanID: "x", Operation: "op"}})
}
