// Package broadcast fans processed envelopes out to real-time subscribers and event sinks.
// Every publisher is best-effort: the caller logs a failure and moves on.
package broadcast

import (
	"context"
	"errors"

	"fleet-telemetry/backend/internal/event/domain"
)

// Publisher delivers a processed envelope.
type Publisher interface {
	Publish(ctx context.Context, env *domain.Envelope) error
}

// Fanout publishes to every publisher and joins their errors. One failing sink does not stop the others.
type Fanout []Publisher

// NewFanout returns a Fanout over the non-nil publishers.
func NewFanout(pubs ...Publisher) Fanout {
	out := make(Fanout, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, env *domain.Envelope) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
