// Package mqtt feeds envelopes published by MQTT agents into the ingestion gateway.
package mqtt

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
	paho "github.com/eclipse/paho.mqtt.golang"

	"fleet-telemetry/backend/internal/ingest/service"
)

const submitTimeout = 10 * time.Second

// Submitter is the gateway operation each MQTT message goes through.
type Submitter interface {
	Submit(ctx context.Context, raw []byte, headerPassphrase string) (*service.Accepted, error)
}

// Config configures the MQTT subscription.
type Config struct {
	BrokerURL string
	ClientID  string
	Topic     string
	QoS       byte
	Username  string
	Password  string
}

// Subscriber submits every message on Topic to the gateway. The passphrase, if any, travels in the message body.
type Subscriber struct {
	cfg     Config
	gateway Submitter
	client  paho.Client
}

// NewSubscriber builds the client; call Connect to start receiving.
func NewSubscriber(cfg Config, gateway Submitter) (*Subscriber, error) {
	if cfg.BrokerURL == "" || cfg.Topic == "" {
		return nil, errors.New("mqtt: broker url and topic are required")
	}
	if gateway == nil {
		return nil, errors.New("mqtt: gateway is required")
	}
	s := &Subscriber{cfg: cfg, gateway: gateway}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetAutoAckDisabled(true).
		SetConnectTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(c paho.Client) {
		log.Printf("mqtt: connected to %s", cfg.BrokerURL)
		if token := c.Subscribe(cfg.Topic, cfg.QoS, s.onMessage); token.Wait() && token.Error() != nil {
			log.Printf("mqtt: subscribe %s: %v", cfg.Topic, token.Error())
		} else {
			log.Printf("mqtt: subscribed to %s (QoS %d)", cfg.Topic, cfg.QoS)
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Printf("mqtt: connection lost: %v", err)
	}
	s.client = paho.NewClient(opts)
	return s, nil
}

// Connect makes the initial connection, backing off exponentially from initial to maxWait between
// attempts until it succeeds or ctx is cancelled.
func (s *Subscriber) Connect(ctx context.Context, initial, maxWait time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxWait
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		token := s.client.Connect()
		if !token.WaitTimeout(15 * time.Second) {
			return struct{}{}, errors.New("connect timed out")
		}
		return struct{}{}, token.Error()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Printf("mqtt: connect %s: %v; retrying in %s", s.cfg.BrokerURL, err, d)
		}),
	)
	return err
}

// Close disconnects, allowing in-flight work a short grace period.
func (s *Subscriber) Close() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

func (s *Subscriber) onMessage(_ paho.Client, msg paho.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	if s.handle(ctx, msg.Topic(), msg.Payload()) {
		msg.Ack()
	}
}

// handle submits one message and reports whether it should be acknowledged. MQTT has no response
// channel, so outcomes are only logged. Accepted and permanently rejected messages are acknowledged;
// anything else is left unacknowledged so the broker redelivers it when the session resumes.
func (s *Subscriber) handle(ctx context.Context, topic string, payload []byte) bool {
	acc, err := s.gateway.Submit(ctx, payload, "")
	switch {
	case err == nil:
		log.Printf("mqtt: accepted %s from topic=%s bytes=%d", acc.ID, topic, len(payload))
		return true
	case errors.Is(err, service.ErrInvalidPayload), errors.Is(err, service.ErrUnauthorized):
		log.Printf("mqtt: rejected message from topic=%s: %v", topic, err)
		return true
	default:
		log.Printf("mqtt: submit from topic=%s failed, leaving unacknowledged: %v", topic, err)
		return false
	}
}
