// Package queue is the durable hop between the gateway and the processor, built on Kafka.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

const sendTimeout = 5 * time.Second

// MessageWriter is the subset of *kafka.Writer used by the producer and the dead-letter path.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes serialized envelopes to the ingest topic. Messages are keyed by device so
// one device's events stay on one partition.
type KafkaProducer struct {
	writer MessageWriter
}

// NewKafkaWriter returns a synchronous writer that waits for all in-sync replicas.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
}

// NewKafkaProducer creates a producer for topic. brokers and topic must be non-empty. Call Close when shutting down.
func NewKafkaProducer(brokers []string, topic string) (*KafkaProducer, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("queue: brokers and topic are required")
	}
	return NewProducer(NewKafkaWriter(brokers, topic)), nil
}

// NewProducer wraps an existing writer.
func NewProducer(w MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w}
}

// Send writes msg and returns once the broker acknowledged it. The write is bounded by a short
// timeout so a slow broker surfaces as an error instead of a hung request.
func (p *KafkaProducer) Send(ctx context.Context, msg []byte) error {
	if p == nil || p.writer == nil {
		return errors.New("queue: producer not configured")
	}
	writeCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   deviceKey(msg),
		Value: msg,
		Time:  time.Now().UTC(),
	})
}

// Close closes the Kafka writer. Safe to call on a nil producer.
func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// deviceKey returns the envelope's device as the partition key, or nil (round-robin) when absent.
func deviceKey(msg []byte) []byte {
	var head struct {
		Device string `json:"device"`
	}
	if err := json.Unmarshal(msg, &head); err != nil || head.Device == "" {
		return nil
	}
	return []byte(head.Device)
}
