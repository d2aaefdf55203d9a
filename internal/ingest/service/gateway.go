// Package service implements the ingestion gateway: validate, authenticate, stamp and enqueue.
package service

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"fleet-telemetry/backend/internal/event/domain"
	"fleet-telemetry/backend/internal/ingest/auth"
	"fleet-telemetry/backend/internal/policy/engine"
	"fleet-telemetry/backend/internal/telemetry"
)

var (
	// ErrInvalidPayload is returned when the envelope is not valid JSON or fails shape validation.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrUnauthorized is returned when the passphrase is missing or not accepted.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrQueueUnavailable is returned when the queue rejects the envelope.
	ErrQueueUnavailable = errors.New("queue unavailable")
)

//go:embed envelope.schema.json
var envelopeSchema []byte

const schemaRef = "envelope.schema.json"

// Queue accepts serialized envelopes for durable delivery to the processor.
type Queue interface {
	Send(ctx context.Context, msg []byte) error
}

// Authenticator resolves a passphrase to an authorization result.
type Authenticator interface {
	Authenticate(passphrase *string) auth.Result
}

// AdmissionPolicy decides whether an authenticated submission may be enqueued.
type AdmissionPolicy interface {
	Admit(ctx context.Context, in engine.Input) (engine.Decision, error)
}

// Accepted is the gateway's answer for a queued envelope.
type Accepted struct {
	ID string
}

// Gateway validates, authenticates and enqueues inbound envelopes. It holds no mutable state and
// never touches the database.
type Gateway struct {
	auth    Authenticator
	queue   Queue
	schema  *jsonschema.Schema
	policy  AdmissionPolicy
	metrics *telemetry.Metrics
	now     func() time.Time
	newID   func() string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMetrics records accepted/rejected counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithAdmission evaluates p after authentication. A denial is reported as ErrUnauthorized.
func WithAdmission(p AdmissionPolicy) Option {
	return func(g *Gateway) { g.policy = p }
}

// WithClock overrides the clock used for missing timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithIDGenerator overrides envelope id generation.
func WithIDGenerator(newID func() string) Option {
	return func(g *Gateway) { g.newID = newID }
}

// NewGateway returns a Gateway that authenticates with a and enqueues to q.
func NewGateway(a Authenticator, q Queue, opts ...Option) (*Gateway, error) {
	if a == nil || q == nil {
		return nil, errors.New("gateway: authenticator and queue are required")
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("gateway: envelope schema: %w", err)
	}
	g := &Gateway{
		auth:   a,
		queue:  q,
		schema: schema,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	c.AssertFormat = true
	if err := c.AddResource(schemaRef, bytes.NewReader(envelopeSchema)); err != nil {
		return nil, err
	}
	return c.Compile(schemaRef)
}

// submission is the inbound wire shape.
type submission struct {
	Device     string          `json:"device"`
	Kind       string          `json:"kind"`
	TS         *string         `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	Passphrase *string         `json:"passphrase"`
}

// Submit validates raw, authenticates it, and enqueues the stamped envelope. headerPassphrase is
// used when the body carries no passphrase. Exactly one queue send happens per accepted envelope.
func (g *Gateway) Submit(ctx context.Context, raw []byte, headerPassphrase string) (*Accepted, error) {
	sub, err := g.decode(raw)
	if err != nil {
		g.metrics.IngestRejected(ctx, "invalid_payload")
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	passphrase := sub.Passphrase
	if passphrase == nil || strings.TrimSpace(*passphrase) == "" {
		if h := strings.TrimSpace(headerPassphrase); h != "" {
			passphrase = &h
		}
	}
	res := g.auth.Authenticate(passphrase)
	if !res.Allowed {
		log.Printf("ingest: unauthorized envelope device=%q kind=%q", sub.Device, sub.Kind)
		g.metrics.IngestRejected(ctx, "unauthorized")
		return nil, ErrUnauthorized
	}
	if err := g.admit(ctx, sub, res); err != nil {
		return nil, err
	}

	env, err := g.stamp(sub, res)
	if err != nil {
		g.metrics.IngestRejected(ctx, "invalid_payload")
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	msg, err := json.Marshal(env)
	if err != nil {
		g.metrics.IngestRejected(ctx, "invalid_payload")
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := g.queue.Send(ctx, msg); err != nil {
		log.Printf("ingest: enqueue id=%s failed: %v", env.ID, err)
		g.metrics.IngestRejected(ctx, "queue_unavailable")
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	g.metrics.IngestAccepted(ctx, env.Kind)
	return &Accepted{ID: env.ID}, nil
}

// admit runs the admission policy. Evaluation errors are logged and the submission is admitted.
func (g *Gateway) admit(ctx context.Context, sub *submission, res auth.Result) error {
	if g.policy == nil {
		return nil
	}
	d, err := g.policy.Admit(ctx, engine.Input{
		Device:   sub.Device,
		Kind:     sub.Kind,
		AuthMode: string(res.Mode),
		Payload:  sub.Payload,
	})
	if err != nil {
		log.Printf("ingest: admission policy failed, admitting device=%q: %v", sub.Device, err)
		return nil
	}
	if !d.Allow {
		log.Printf("ingest: denied by policy device=%q kind=%q reason=%q", sub.Device, sub.Kind, d.Reason)
		g.metrics.IngestRejected(ctx, "policy_denied")
		if d.Reason != "" {
			return fmt.Errorf("%w: %s", ErrUnauthorized, d.Reason)
		}
		return ErrUnauthorized
	}
	return nil
}

func (g *Gateway) decode(raw []byte) (*submission, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after envelope")
	}
	if err := g.schema.Validate(doc); err != nil {
		return nil, err
	}
	return submissionFrom(raw)
}

// submissionFrom reads the validated fields with exact key matching, the same way the schema saw
// them. Struct decoding would fold case and let a "DEVICE" key override "device".
func submissionFrom(raw []byte) (*submission, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	var sub submission
	for key, dst := range map[string]any{
		"device":     &sub.Device,
		"kind":       &sub.Kind,
		"ts":         &sub.TS,
		"passphrase": &sub.Passphrase,
	} {
		v, ok := fields[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}
	if v, ok := fields["payload"]; ok {
		sub.Payload = v
	}
	if strings.TrimSpace(sub.Device) == "" || strings.TrimSpace(sub.Kind) == "" {
		return nil, errors.New("device and kind must be non-empty strings")
	}
	if p := bytes.TrimSpace(sub.Payload); len(p) > 0 && p[0] != '{' {
		return nil, errors.New("payload must be an object")
	}
	return &sub, nil
}

// stamp builds the queued envelope: new id, UTC timestamp, payload defaulted to {}, raw passphrase dropped.
func (g *Gateway) stamp(sub *submission, res auth.Result) (*domain.Envelope, error) {
	ts := g.now().UTC()
	if sub.TS != nil {
		parsed, err := time.Parse(time.RFC3339Nano, *sub.TS)
		if err != nil {
			return nil, fmt.Errorf("ts: %w", err)
		}
		ts = parsed.UTC()
	}
	payload := sub.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	env := &domain.Envelope{
		ID:       g.newID(),
		Device:   sub.Device,
		Kind:     sub.Kind,
		TS:       ts,
		Payload:  payload,
		AuthMode: res.Mode,
	}
	if res.PassphraseHash != nil {
		env.PassphraseHash = *res.PassphraseHash
	}
	return env, nil
}
