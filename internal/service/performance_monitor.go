package service

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PerformanceMonitor publishes connection latency, tool-call latency, and
// error-rate as OTel instruments. It mirrors the lock-free atomic-counter
// idiom used elsewhere in this package, but records through OTel instruments
// rather than raw atomics so the numbers are exported on /metrics.
type PerformanceMonitor struct {
	connectLatency  metric.Float64Histogram
	toolCallLatency metric.Float64Histogram
	errorCount      metric.Int64Counter
	toolCallCount   metric.Int64Counter

	mu             sync.Mutex
	upstreamErrors map[string]int64
}

// NewPerformanceMonitor creates a PerformanceMonitor publishing instruments
// through the given meter. The meter is typically obtained from an OTel
// MeterProvider wired to the Prometheus exporter serving /metrics.
func NewPerformanceMonitor(meter metric.Meter) (*PerformanceMonitor, error) {
	connectLatency, err := meter.Float64Histogram(
		"meshmcp_connect_latency_seconds",
		metric.WithDescription("Time to establish an upstream or endpoint connection"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	toolCallLatency, err := meter.Float64Histogram(
		"meshmcp_tool_call_latency_seconds",
		metric.WithDescription("Time to complete a routed tools/call request"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"meshmcp_errors_total",
		metric.WithDescription("Count of routing and connection errors by upstream"),
	)
	if err != nil {
		return nil, err
	}

	toolCallCount, err := meter.Int64Counter(
		"meshmcp_tool_calls_total",
		metric.WithDescription("Count of routed tools/call requests by upstream"),
	)
	if err != nil {
		return nil, err
	}

	return &PerformanceMonitor{
		connectLatency:  connectLatency,
		toolCallLatency: toolCallLatency,
		errorCount:      errorCount,
		toolCallCount:   toolCallCount,
		upstreamErrors:  make(map[string]int64),
	}, nil
}

// RecordConnectLatency records how long a connection attempt took for the
// named upstream or endpoint.
func (m *PerformanceMonitor) RecordConnectLatency(ctx context.Context, target string, d time.Duration) {
	m.connectLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attrTarget(target)))
}

// RecordToolCall records the latency of a completed tools/call and whether
// it succeeded.
func (m *PerformanceMonitor) RecordToolCall(ctx context.Context, upstreamName string, d time.Duration, err error) {
	m.toolCallLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attrTarget(upstreamName)))
	m.toolCallCount.Add(ctx, 1, metric.WithAttributes(attrTarget(upstreamName)))
	if err != nil {
		m.RecordError(ctx, upstreamName)
	}
}

// RecordError increments the error counter for the named upstream and keeps
// an in-process tally for ErrorCount.
func (m *PerformanceMonitor) RecordError(ctx context.Context, upstreamName string) {
	m.errorCount.Add(ctx, 1, metric.WithAttributes(attrTarget(upstreamName)))

	m.mu.Lock()
	m.upstreamErrors[upstreamName]++
	m.mu.Unlock()
}

// ErrorCount returns the in-process error tally for the named upstream,
// since the OTel counter itself is write-only from this process's side.
func (m *PerformanceMonitor) ErrorCount(upstreamName string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upstreamErrors[upstreamName]
}

func attrTarget(target string) attribute.KeyValue {
	return attribute.String("target", target)
}
