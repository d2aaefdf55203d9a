// Package telemetry holds the pipeline's OpenTelemetry instruments. Exporter setup lives in the otel subpackage.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// InstrumentationName is the meter and tracer name used across the pipeline.
const InstrumentationName = "fleet-telemetry/backend"

// Metrics are the pipeline counters. A nil *Metrics records nothing.
type Metrics struct {
	accepted        metric.Int64Counter
	rejected        metric.Int64Counter
	processed       metric.Int64Counter
	failed          metric.Int64Counter
	broadcastFailed metric.Int64Counter
}

// NewMetrics creates the counters on provider. A nil provider yields no-op instruments.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(InstrumentationName)
	var (
		m   Metrics
		err error
	)
	if m.accepted, err = meter.Int64Counter("ingest.accepted", metric.WithDescription("Envelopes accepted and queued by the gateway")); err != nil {
		return nil, err
	}
	if m.rejected, err = meter.Int64Counter("ingest.rejected", metric.WithDescription("Envelopes rejected by the gateway, by reason")); err != nil {
		return nil, err
	}
	if m.processed, err = meter.Int64Counter("events.processed", metric.WithDescription("Envelopes persisted by the processor, by route")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("events.failed", metric.WithDescription("Processing attempts that rolled back, by stage")); err != nil {
		return nil, err
	}
	if m.broadcastFailed, err = meter.Int64Counter("broadcast.failed", metric.WithDescription("Best-effort broadcasts that failed")); err != nil {
		return nil, err
	}
	return &m, nil
}

// IngestAccepted counts an accepted envelope.
func (m *Metrics) IngestAccepted(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.accepted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// IngestRejected counts a rejected envelope by reason (invalid_payload, unauthorized, policy_denied, queue_unavailable).
func (m *Metrics) IngestRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// EventProcessed counts a committed envelope. route is the table the event landed in.
func (m *Metrics) EventProcessed(ctx context.Context, kind, route string) {
	if m == nil {
		return
	}
	m.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind), attribute.String("route", route)))
}

// EventFailed counts a rolled-back processing attempt.
func (m *Metrics) EventFailed(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// BroadcastFailed counts a failed best-effort broadcast.
func (m *Metrics) BroadcastFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.broadcastFailed.Add(ctx, 1)
}
