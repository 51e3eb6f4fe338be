package telemetry_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovereignrag/gateway/pkg/telemetry"
)

type captureExporter struct {
	mu     sync.Mutex
	traces map[string][]telemetry.Span
}

func newCaptureExporter() *captureExporter {
	return &captureExporter{traces: make(map[string][]telemetry.Span)}
}

func (e *captureExporter) ExportTrace(traceID string, spans []telemetry.Span) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.traces[traceID] = spans
}

func (e *captureExporter) get(traceID string) []telemetry.Span {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.traces[traceID]
}

func TestSpanLifecycle(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(25 * time.Millisecond)
		return now
	}
	c := telemetry.NewCollector(10, nil, telemetry.WithCollectorClock(clock))

	span := c.Span("req-1", "policy.evaluate", "", map[string]interface{}{"tenant_id": "tenant-a"})
	span.SetAttribute("decision", "allow")
	span.AddEvent("cache_miss", nil)
	span.End(nil)

	spans := c.GetTrace("req-1")
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, "req-1", s.TraceID)
	assert.Equal(t, "policy.evaluate", s.Operation)
	assert.Len(t, s.SpanID, 16)
	assert.Equal(t, "ok", s.Status)
	assert.Equal(t, 25.0, s.DurationMS)
	assert.Equal(t, "tenant-a", s.Attributes["tenant_id"])
	assert.Equal(t, "allow", s.Attributes["decision"])
	require.Len(t, s.Events, 1)
	assert.Equal(t, "cache_miss", s.Events[0].Name)
}

func TestSpanErrorStatus(t *testing.T) {
	c := telemetry.NewCollector(10, nil)

	span := c.Span("req-2", "provider.chat", "", nil)
	span.End(errors.New("upstream exploded"))

	spans := c.GetTrace("req-2")
	require.Len(t, spans, 1)
	assert.Equal(t, "error", spans[0].Status)
	assert.NotEmpty(t, spans[0].Attributes["error.type"])

	require.Len(t, spans[0].Events, 1)
	ev := spans[0].Events[0]
	assert.Equal(t, "exception", ev.Name)
	assert.Equal(t, "upstream exploded", ev.Attributes["exception.message"])
}

func TestSpanExceptionMessageCapped(t *testing.T) {
	c := telemetry.NewCollector(10, nil)

	long := ""
	for i := 0; i < 60; i++ {
		long += "0123456789"
	}
	span := c.Span("req-3", "provider.chat", "", nil)
	span.End(errors.New(long))

	spans := c.GetTrace("req-3")
	require.Len(t, spans, 1)
	msg := spans[0].Events[0].Attributes["exception.message"].(string)
	assert.Len(t, msg, 500)
}

func TestParentChildSpans(t *testing.T) {
	c := telemetry.NewCollector(10, nil)

	root := c.Span("req-4", telemetry.RootOperation, "", nil)
	child := c.Span("req-4", "retrieval.search", root.SpanID(), nil)
	child.End(nil)
	root.End(nil)

	spans := c.GetTrace("req-4")
	require.Len(t, spans, 2)
	assert.Equal(t, "retrieval.search", spans[0].Operation)
	assert.Equal(t, root.SpanID(), spans[0].ParentSpanID)
	assert.Empty(t, spans[1].ParentSpanID)
}

func TestRootOperationTriggersExport(t *testing.T) {
	exporter := newCaptureExporter()
	c := telemetry.NewCollector(10, exporter)

	child := c.Span("req-5", "redaction.apply", "", nil)
	child.End(nil)
	assert.Empty(t, exporter.get("req-5"))

	root := c.Span("req-5", telemetry.RootOperation, "", nil)
	root.End(nil)
	c.Flush()

	exported := exporter.get("req-5")
	require.Len(t, exported, 2)
	assert.Equal(t, "redaction.apply", exported[0].Operation)
	assert.Equal(t, telemetry.RootOperation, exported[1].Operation)
}

func TestCollectorEviction(t *testing.T) {
	c := telemetry.NewCollector(3, nil)
	for i := 0; i < 5; i++ {
		span := c.Span(fmt.Sprintf("req-%d", i), "op", "", nil)
		span.End(nil)
	}

	assert.Equal(t, 3, c.TraceCount())
	assert.Empty(t, c.GetTrace("req-0"))
	assert.Empty(t, c.GetTrace("req-1"))
	assert.Len(t, c.GetTrace("req-4"), 1)

	recent := c.ListTraces(2)
	assert.Equal(t, []string{"req-4", "req-3"}, recent)
}

func TestEndIsIdempotent(t *testing.T) {
	c := telemetry.NewCollector(10, nil)
	span := c.Span("req-6", "op", "", nil)
	span.End(nil)
	span.End(nil)
	assert.Len(t, c.GetTrace("req-6"), 1)
}
