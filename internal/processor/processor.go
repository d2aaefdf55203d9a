// Package processor turns a dequeued envelope into durable state and a real-time notification.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	devicedomain "fleet-telemetry/backend/internal/device/domain"
	eventdomain "fleet-telemetry/backend/internal/event/domain"
	"fleet-telemetry/backend/internal/telemetry"
)

const (
	routeEvents             = "events"
	defaultBroadcastTimeout = 5 * time.Second
)

// Tx is the set of writes the processor performs inside one transaction.
type Tx interface {
	MachineGroupIDByHash(ctx context.Context, hash string) (*int64, error)
	UpsertDevice(ctx context.Context, d *devicedomain.Device) error
	InsertEvent(ctx context.Context, e *eventdomain.Event) (bool, error)
	InsertRun(ctx context.Context, table eventdomain.RunTable, r *eventdomain.Run) (bool, error)
}

// Store runs fn in a transaction, committing when fn returns nil and rolling back otherwise.
// fn's error is returned as is.
type Store interface {
	WithinTx(ctx context.Context, fn func(Tx) error) error
}

// Publisher delivers a processed envelope to subscribers.
type Publisher interface {
	Publish(ctx context.Context, env *eventdomain.Envelope) error
}

// Processor persists envelopes and broadcasts them after commit.
type Processor struct {
	store            Store
	publisher        Publisher
	metrics          *telemetry.Metrics
	tracer           trace.Tracer
	now              func() time.Time
	broadcastTimeout time.Duration
}

// Option configures a Processor.
type Option func(*Processor)

// WithMetrics records processing counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithTracerProvider records a span per envelope.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Processor) {
		if tp != nil {
			p.tracer = tp.Tracer(telemetry.InstrumentationName)
		}
	}
}

// WithClock overrides the clock used for last_seen and updated_at.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithBroadcastTimeout bounds a post-commit publish.
func WithBroadcastTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.broadcastTimeout = d
		}
	}
}

// New returns a Processor. publisher may be nil to skip broadcasting.
func New(store Store, publisher Publisher, opts ...Option) (*Processor, error) {
	if store == nil {
		return nil, errors.New("processor: store is required")
	}
	p := &Processor{
		store:            store,
		publisher:        publisher,
		tracer:           tracenoop.NewTracerProvider().Tracer(telemetry.InstrumentationName),
		now:              time.Now,
		broadcastTimeout: defaultBroadcastTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// HandleMessage decodes a queued envelope and processes it. Undecodable or incomplete envelopes
// fail with ErrMalformedEnvelope.
func (p *Processor) HandleMessage(ctx context.Context, raw []byte) error {
	var env eventdomain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		p.metrics.EventFailed(ctx, StageDecode)
		return stageError("", StageDecode, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err))
	}
	return p.Process(ctx, &env)
}

// Process persists env in one transaction: resolve the machine group, upsert the device, then
// write the run projection or generic event row. The envelope is broadcast only after commit.
// Redelivery of the same envelope leaves the stored rows unchanged apart from the device's last_seen.
func (p *Processor) Process(ctx context.Context, env *eventdomain.Envelope) error {
	if env == nil || env.ID == "" || env.Device == "" || env.Kind == "" {
		id := ""
		if env != nil {
			id = env.ID
		}
		p.metrics.EventFailed(ctx, StageDecode)
		return stageError(id, StageDecode, fmt.Errorf("%w: id, device and kind are required", ErrMalformedEnvelope))
	}
	if env.TS.IsZero() {
		env.TS = p.now().UTC()
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage(`{}`)
	}

	ctx, span := p.tracer.Start(ctx, "processor.Process", trace.WithAttributes(
		attribute.String("event.id", env.ID),
		attribute.String("event.kind", env.Kind),
		attribute.String("device.id", env.Device),
	))
	defer span.End()

	var route string
	err := p.store.WithinTx(ctx, func(tx Tx) error {
		var err error
		route, err = p.persist(ctx, tx, env)
		return err
	})
	if err != nil {
		var pe *ProcessingError
		if !errors.As(err, &pe) {
			pe = stageError(env.ID, StageTransaction, err)
		}
		span.RecordError(pe)
		span.SetStatus(codes.Error, pe.Stage)
		p.metrics.EventFailed(ctx, pe.Stage)
		return pe
	}
	span.SetAttributes(attribute.String("event.route", route))
	p.metrics.EventProcessed(ctx, env.Kind, route)

	p.broadcast(ctx, env)
	return nil
}

func (p *Processor) persist(ctx context.Context, tx Tx, env *eventdomain.Envelope) (string, error) {
	var groupID *int64
	if env.PassphraseHash != "" {
		id, err := tx.MachineGroupIDByHash(ctx, env.PassphraseHash)
		if err != nil {
			return "", stageError(env.ID, StageResolveGroup, err)
		}
		if id == nil {
			log.Printf("processor: no machine group for envelope %s device=%s; leaving group unchanged", env.ID, env.Device)
		}
		groupID = id
	}

	now := p.now().UTC()
	dev := &devicedomain.Device{
		ID:             env.Device,
		Attributes:     ExtractAttributes(env.Kind, env.Device, env.Payload),
		MachineGroupID: groupID,
		Status:         devicedomain.StatusActive,
		LastSeen:       &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.UpsertDevice(ctx, dev); err != nil {
		return "", stageError(env.ID, StageUpsertDevice, err)
	}

	var (
		route    string
		inserted bool
		err      error
	)
	if table, ok := eventdomain.RunTableFor(env.Kind); ok {
		route = string(table)
		inserted, err = tx.InsertRun(ctx, table, ExtractRun(env))
	} else {
		route = routeEvents
		inserted, err = tx.InsertEvent(ctx, &eventdomain.Event{
			ID:       env.ID,
			DeviceID: env.Device,
			Kind:     env.Kind,
			TS:       env.TS,
			Payload:  env.Payload,
		})
	}
	if err != nil {
		return "", stageError(env.ID, StagePersistEvent, err)
	}
	if !inserted {
		log.Printf("processor: envelope %s already stored in %s", env.ID, route)
	}
	return route, nil
}

// broadcast publishes env on a context detached from the caller's cancellation; failures are logged only.
func (p *Processor) broadcast(ctx context.Context, env *eventdomain.Envelope) {
	if p.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.broadcastTimeout)
	defer cancel()
	if err := p.publisher.Publish(pubCtx, env); err != nil {
		log.Printf("processor: broadcast envelope %s: %v", env.ID, err)
		p.metrics.BroadcastFailed(ctx)
	}
}
