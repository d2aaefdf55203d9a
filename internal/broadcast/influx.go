package broadcast

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"fleet-telemetry/backend/internal/event/domain"
	"fleet-telemetry/backend/internal/processor"
)

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxPublisher writes run events (cimian_run, munki_run) to InfluxDB as points in a
// measurement named after the kind. Other kinds are ignored.
type InfluxPublisher struct {
	client influxdb2.Client
	writer pointWriter
}

// NewInfluxPublisher returns a publisher writing synchronously to org/bucket.
func NewInfluxPublisher(url, token, org, bucket string) *InfluxPublisher {
	client := influxdb2.NewClient(url, token)
	return &InfluxPublisher{client: client, writer: client.WriteAPIBlocking(org, bucket)}
}

// Publish implements Publisher.
func (p *InfluxPublisher) Publish(ctx context.Context, env *domain.Envelope) error {
	point, ok := RunPoint(env)
	if !ok {
		return nil
	}
	if err := p.writer.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("influx: write %s: %w", env.ID, err)
	}
	return nil
}

// Close releases the client.
func (p *InfluxPublisher) Close() {
	if p != nil && p.client != nil {
		p.client.Close()
	}
}

// RunPoint builds the point for a run event, or false for any other kind.
func RunPoint(env *domain.Envelope) (*write.Point, bool) {
	if _, ok := domain.RunTableFor(env.Kind); !ok {
		return nil, false
	}
	run := processor.ExtractRun(env)
	fields := map[string]any{"count": int64(1)}
	if run.ExitCode != nil {
		fields["exit_code"] = *run.ExitCode
		fields["success"] = *run.ExitCode == 0
	}
	if run.Duration != nil {
		fields["duration"] = *run.Duration
	}
	tags := map[string]string{"device": env.Device}
	if env.AuthMode != "" {
		tags["auth_mode"] = string(env.AuthMode)
	}
	return write.NewPoint(env.Kind, tags, fields, env.TS), true
}
