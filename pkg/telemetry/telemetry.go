// Package telemetry captures per-request trace spans for the pipeline's
// lifecycle phases and exports completed traces to an OTLP/HTTP collector.
// Spans live in a bounded in-memory buffer keyed by request id, so the
// diagnostics endpoint can serve recent traces without an external backend.
package telemetry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RootOperation marks the span whose completion snapshots and exports the
// whole trace.
const RootOperation = "gateway.request"

const defaultServiceName = "sovereign-rag-gateway"

// Span is a single trace span.
type Span struct {
	TraceID      string                 `json:"trace_id"`
	SpanID       string                 `json:"span_id"`
	ParentSpanID string                 `json:"parent_span_id,omitempty"`
	Operation    string                 `json:"operation"`
	Service      string                 `json:"service"`
	StartTimeMS  float64                `json:"start_time_ms"`
	EndTimeMS    float64                `json:"end_time_ms"`
	DurationMS   float64                `json:"duration_ms"`
	Status       string                 `json:"status"`
	Attributes   map[string]interface{} `json:"attributes"`
	Events       []SpanEvent            `json:"events"`
}

// SpanEvent is a point-in-time annotation on a span.
type SpanEvent struct {
	Name       string                 `json:"name"`
	Attributes map[string]interface{} `json:"attributes"`
}

// Exporter receives completed traces.
type Exporter interface {
	ExportTrace(traceID string, spans []Span)
}

// Collector buffers spans per trace and evicts the oldest traces beyond
// maxTraces.
type Collector struct {
	mu         sync.Mutex
	maxTraces  int
	exporter   Exporter
	traces     map[string][]Span
	traceOrder []string
	clock      func() time.Time
	wg         sync.WaitGroup
}

// CollectorOption customizes a Collector.
type CollectorOption func(*Collector)

// WithCollectorClock replaces the time source, for tests.
func WithCollectorClock(clock func() time.Time) CollectorOption {
	return func(c *Collector) { c.clock = clock }
}

// NewCollector builds a collector retaining at most maxTraces traces.
// exporter may be nil.
func NewCollector(maxTraces int, exporter Exporter, opts ...CollectorOption) *Collector {
	if maxTraces < 1 {
		maxTraces = 1
	}
	c := &Collector{
		maxTraces: maxTraces,
		exporter:  exporter,
		traces:    make(map[string][]Span),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Span opens a span; the caller must End it.
func (c *Collector) Span(traceID, operation, parentSpanID string, attrs map[string]interface{}) *SpanContext {
	attributes := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		attributes[k] = v
	}
	return &SpanContext{
		collector:    c,
		traceID:      traceID,
		operation:    operation,
		parentSpanID: parentSpanID,
		spanID:       strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		attributes:   attributes,
		started:      c.clock(),
	}
}

// GetTrace returns the spans recorded for a trace, in completion order.
func (c *Collector) GetTrace(traceID string) []Span {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Span(nil), c.traces[traceID]...)
}

// ListTraces returns up to limit trace ids, most recent first.
func (c *Collector) ListTraces(limit int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit <= 0 || limit > len(c.traceOrder) {
		limit = len(c.traceOrder)
	}
	out := make([]string, 0, limit)
	for i := len(c.traceOrder) - 1; i >= len(c.traceOrder)-limit; i-- {
		out = append(out, c.traceOrder[i])
	}
	return out
}

// TraceCount reports how many traces are buffered.
func (c *Collector) TraceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.traceOrder)
}

// Flush blocks until in-flight exports finish.
func (c *Collector) Flush() { c.wg.Wait() }

func (c *Collector) record(span Span) {
	var snapshot []Span

	c.mu.Lock()
	if _, seen := c.traces[span.TraceID]; !seen {
		c.traceOrder = append(c.traceOrder, span.TraceID)
	}
	c.traces[span.TraceID] = append(c.traces[span.TraceID], span)

	if c.exporter != nil && span.Operation == RootOperation {
		snapshot = append([]Span(nil), c.traces[span.TraceID]...)
	}
	for len(c.traceOrder) > c.maxTraces {
		oldest := c.traceOrder[0]
		c.traceOrder = c.traceOrder[1:]
		delete(c.traces, oldest)
	}
	c.mu.Unlock()

	if snapshot != nil {
		c.wg.Add(1)
		go func(traceID string, spans []Span) {
			defer c.wg.Done()
			c.exporter.ExportTrace(traceID, spans)
		}(span.TraceID, snapshot)
	}
}

// SpanContext is an open span. End records it into the collector.
type SpanContext struct {
	collector    *Collector
	traceID      string
	operation    string
	parentSpanID string
	spanID       string
	attributes   map[string]interface{}
	events       []SpanEvent
	started      time.Time
	ended        bool
}

// SpanID returns the generated 16-hex span id, usable as a parent reference.
func (s *SpanContext) SpanID() string { return s.spanID }

// SetAttribute sets a span attribute before End.
func (s *SpanContext) SetAttribute(key string, value interface{}) {
	s.attributes[key] = value
}

// AddEvent records a span event.
func (s *SpanContext) AddEvent(name string, attrs map[string]interface{}) {
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	s.events = append(s.events, SpanEvent{Name: name, Attributes: attrs})
}

// End closes the span. A non-nil err marks the span status error and attaches
// an exception event with the message capped at 500 characters.
func (s *SpanContext) End(err error) {
	if s.ended {
		return
	}
	s.ended = true

	finished := s.collector.clock()
	status := "ok"
	events := s.events
	if err != nil {
		status = "error"
		message := err.Error()
		if len(message) > 500 {
			message = message[:500]
		}
		errType := errorType(err)
		events = append(events, SpanEvent{
			Name: "exception",
			Attributes: map[string]interface{}{
				"exception.type":    errType,
				"exception.message": message,
			},
		})
		s.attributes["error.type"] = errType
	}
	if events == nil {
		events = []SpanEvent{}
	}

	s.collector.record(Span{
		TraceID:      s.traceID,
		SpanID:       s.spanID,
		ParentSpanID: s.parentSpanID,
		Operation:    s.operation,
		Service:      defaultServiceName,
		StartTimeMS:  roundMS(s.started),
		EndTimeMS:    roundMS(finished),
		DurationMS:   float64(finished.Sub(s.started).Microseconds()) / 1000,
		Status:       status,
		Attributes:   s.attributes,
		Events:       events,
	})
}

func roundMS(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1000
}

// errorType reports the concrete error type, without the pointer marker.
func errorType(err error) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}
