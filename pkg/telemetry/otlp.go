package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sovereignrag/gateway/pkg/canonicalize"
)

var nonHexPattern = regexp.MustCompile(`[^0-9a-fA-F]`)

// OTLPExporter posts completed traces to an OTLP/HTTP endpoint (typically
// http://<collector>:4318/v1/traces) using the OpenTelemetry JSON mapping.
// Export is best-effort; failures are logged, never surfaced to requests.
type OTLPExporter struct {
	endpoint    string
	headers     map[string]string
	serviceName string
	client      *http.Client
	logger      *slog.Logger
}

// NewOTLPExporter builds an exporter for the given collector endpoint.
func NewOTLPExporter(endpoint string, timeout time.Duration, headers map[string]string, serviceName string, logger *slog.Logger) *OTLPExporter {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OTLPExporter{
		endpoint:    endpoint,
		headers:     headers,
		serviceName: serviceName,
		client:      &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

// ExportTrace implements Exporter.
func (e *OTLPExporter) ExportTrace(traceID string, spans []Span) {
	payload := e.payload(spans)
	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Warn("trace_export_encode_failed", "trace_id", traceID, "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		e.logger.Warn("trace_export_failed", "trace_id", traceID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "SovereignRAGGateway/trace-exporter")
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("trace_export_failed",
			"trace_id", traceID, "endpoint", e.endpoint, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		e.logger.Warn("trace_export_rejected",
			"trace_id", traceID, "endpoint", e.endpoint, "status_code", resp.StatusCode)
	}
}

func (e *OTLPExporter) payload(spans []Span) map[string]interface{} {
	if len(spans) == 0 {
		return map[string]interface{}{"resourceSpans": []interface{}{}}
	}
	serviceName := spans[0].Service
	if serviceName == "" {
		serviceName = e.serviceName
	}

	otlpSpans := make([]map[string]interface{}, 0, len(spans))
	for _, span := range spans {
		startNS := int64(span.StartTimeMS * 1e6)
		endNS := int64(span.EndTimeMS * 1e6)

		events := make([]map[string]interface{}, 0, len(span.Events))
		for _, event := range span.Events {
			events = append(events, map[string]interface{}{
				"name":         event.Name,
				"timeUnixNano": fmt.Sprintf("%d", endNS),
				"attributes":   otlpAttributes(event.Attributes),
			})
		}

		statusCode := 1
		if span.Status != "ok" {
			statusCode = 2
		}

		otlpSpan := map[string]interface{}{
			"traceId":           normalizeHex(span.TraceID, 32),
			"spanId":            normalizeHex(span.SpanID, 16),
			"name":              span.Operation,
			"kind":              1,
			"startTimeUnixNano": fmt.Sprintf("%d", startNS),
			"endTimeUnixNano":   fmt.Sprintf("%d", endNS),
			"attributes":        otlpAttributes(span.Attributes),
			"events":            events,
			"status":            map[string]interface{}{"code": statusCode},
		}
		if span.ParentSpanID != "" {
			otlpSpan["parentSpanId"] = normalizeHex(span.ParentSpanID, 16)
		}
		otlpSpans = append(otlpSpans, otlpSpan)
	}

	return map[string]interface{}{
		"resourceSpans": []interface{}{
			map[string]interface{}{
				"resource": map[string]interface{}{
					"attributes": []interface{}{
						map[string]interface{}{
							"key":   "service.name",
							"value": map[string]interface{}{"stringValue": serviceName},
						},
					},
				},
				"scopeSpans": []interface{}{
					map[string]interface{}{
						"scope": map[string]interface{}{"name": "srg.tracing"},
						"spans": otlpSpans,
					},
				},
			},
		},
	}
}

// normalizeHex strips non-hex characters and pads or truncates to length.
func normalizeHex(value string, length int) string {
	normalized := strings.ToLower(nonHexPattern.ReplaceAllString(value, ""))
	if len(normalized) >= length {
		return normalized[:length]
	}
	return strings.Repeat("0", length-len(normalized)) + normalized
}

func otlpAttributes(attrs map[string]interface{}) []map[string]interface{} {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	// Stable output keeps exports reproducible for tests and diffing.
	sort.Strings(keys)

	out := make([]map[string]interface{}, 0, len(attrs))
	for _, key := range keys {
		out = append(out, map[string]interface{}{
			"key":   key,
			"value": otlpValue(attrs[key]),
		})
	}
	return out
}

// otlpValue maps a Go value to the OTLP AnyValue JSON shape. Integers ride as
// strings per the OTLP JSON encoding; maps are flattened to canonical JSON.
func otlpValue(value interface{}) map[string]interface{} {
	switch v := value.(type) {
	case bool:
		return map[string]interface{}{"boolValue": v}
	case int:
		return map[string]interface{}{"intValue": fmt.Sprintf("%d", v)}
	case int64:
		return map[string]interface{}{"intValue": fmt.Sprintf("%d", v)}
	case float64:
		return map[string]interface{}{"doubleValue": v}
	case string:
		return map[string]interface{}{"stringValue": v}
	case nil:
		return map[string]interface{}{"stringValue": "null"}
	case []interface{}:
		values := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			values = append(values, otlpValue(item))
		}
		return map[string]interface{}{
			"arrayValue": map[string]interface{}{"values": values},
		}
	case []string:
		values := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			values = append(values, otlpValue(item))
		}
		return map[string]interface{}{
			"arrayValue": map[string]interface{}{"values": values},
		}
	case map[string]interface{}:
		encoded, err := canonicalize.String(v)
		if err != nil {
			encoded = fmt.Sprint(v)
		}
		return map[string]interface{}{"stringValue": encoded}
	default:
		return map[string]interface{}{"stringValue": fmt.Sprint(v)}
	}
}
