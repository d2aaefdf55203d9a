package broadcast

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"

	"fleet-telemetry/backend/internal/event/domain"
)

// recordEmitter is the part of an OTel logger the publisher needs.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// OTelPublisher emits each processed envelope as an OTel log record. The body is the payload JSON.
type OTelPublisher struct {
	logger recordEmitter
}

// NewOTelPublisher returns a publisher logging through provider, or nil when provider is nil.
func NewOTelPublisher(provider otellog.LoggerProvider) *OTelPublisher {
	if provider == nil {
		return nil
	}
	return &OTelPublisher{logger: provider.Logger("fleet.events")}
}

// NewOTelPublisherWithLogger returns a publisher over an existing emitter.
func NewOTelPublisherWithLogger(logger recordEmitter) *OTelPublisher {
	return &OTelPublisher{logger: logger}
}

// Publish implements Publisher. A nil publisher does nothing.
func (p *OTelPublisher) Publish(ctx context.Context, env *domain.Envelope) error {
	if p == nil || env == nil {
		return nil
	}
	rec := otellog.Record{}
	ts := env.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetObservedTimestamp(time.Now().UTC())
	rec.SetSeverity(otellog.SeverityInfo)
	if len(env.Payload) > 0 {
		rec.SetBody(otellog.BytesValue(env.Payload))
	}
	rec.AddAttributes(
		otellog.String("event.id", env.ID),
		otellog.String("event.kind", env.Kind),
		otellog.String("device.id", env.Device),
	)
	if env.AuthMode != "" {
		rec.AddAttributes(otellog.String("auth.mode", string(env.AuthMode)))
	}
	p.logger.Emit(ctx, rec)
	return nil
}
