package telemetry

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name] += dp.Value
			}
		}
	}
	return out
}

func TestMetrics_Counters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(provider)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()

	m.IngestAccepted(ctx, "new_client")
	m.IngestAccepted(ctx, "custom_x")
	m.IngestRejected(ctx, "unauthorized")
	m.EventProcessed(ctx, "cimian_run", "cimian_runs")
	m.EventFailed(ctx, "persist")
	m.BroadcastFailed(ctx)

	got := collect(t, reader)
	want := map[string]int64{
		"ingest.accepted":  2,
		"ingest.rejected":  1,
		"events.processed": 1,
		"events.failed":    1,
		"broadcast.failed": 1,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %d, want %d", name, got[name], v)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.IngestAccepted(ctx, "k")
	m.IngestRejected(ctx, "r")
	m.EventProcessed(ctx, "k", "events")
	m.EventFailed(ctx, "s")
	m.BroadcastFailed(ctx)
}

func TestNewMetrics_NilProvider(t *testing.T) {
	m, err := NewMetrics(nil)
	if err != nil || m == nil {
		t.Fatalf("NewMetrics(nil) = %v, %v", m, err)
	}
	m.IngestAccepted(context.Background(), "k")
}
