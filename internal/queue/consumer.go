package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
)

// Dead-letter headers.
const (
	HeaderError     = "x-error"
	HeaderAttempts  = "x-attempts"
	HeaderSource    = "x-source-topic"
	HeaderPartition = "x-source-partition"
	HeaderOffset    = "x-source-offset"
)

// MessageReader is the subset of *kafka.Reader used by the consumer.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler processes one message value. A returned error makes the consumer retry.
type Handler func(ctx context.Context, value []byte) error

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	Concurrency int
	MaxAttempts int
	// InitialBackoff and MaxBackoff bound the delay between attempts. Zero uses 200ms and 5s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// IsPermanent reports errors that retrying cannot fix. Such messages are dead-lettered at once.
	IsPermanent func(error) bool
}

// Consumer runs Concurrency readers in one consumer group. Each message is handled until it
// succeeds or runs out of attempts; failed messages go to the dead-letter writer. An offset is
// committed only after the message was handled or dead-lettered.
type Consumer struct {
	cfg       ConsumerConfig
	newReader func() MessageReader
	dlq       MessageWriter
	handle    Handler
}

// NewKafkaReader returns a group reader for topic starting at the earliest offset.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})
}

// NewKafkaConsumer builds a consumer reading cfg.Topic in cfg.GroupID. dlq may be nil, in which
// case failed messages are logged and skipped.
func NewKafkaConsumer(cfg ConsumerConfig, dlq MessageWriter, h Handler) (*Consumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("queue: brokers, topic and group id are required")
	}
	newReader := func() MessageReader { return NewKafkaReader(cfg.Brokers, cfg.Topic, cfg.GroupID) }
	return NewConsumer(cfg, newReader, dlq, h)
}

// NewConsumer builds a consumer over an arbitrary reader factory, called once per worker.
func NewConsumer(cfg ConsumerConfig, newReader func() MessageReader, dlq MessageWriter, h Handler) (*Consumer, error) {
	if newReader == nil || h == nil {
		return nil, errors.New("queue: reader factory and handler are required")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	return &Consumer{cfg: cfg, newReader: newReader, dlq: dlq, handle: h}, nil
}

// Run starts the workers and blocks until ctx is cancelled and every worker has stopped.
func (c *Consumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Concurrency; i++ {
		r := c.newReader()
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			defer r.Close()
			c.work(ctx, id, r)
		}(i)
	}
	log.Printf("queue: consuming topic=%s group=%s workers=%d", c.cfg.Topic, c.cfg.GroupID, c.cfg.Concurrency)
	wg.Wait()
	return nil
}

func (c *Consumer) work(ctx context.Context, id int, r MessageReader) {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("queue: worker %d fetch: %v", id, err)
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		if !c.deliver(ctx, msg) {
			// Shutdown mid-message: leave the offset uncommitted so it is redelivered.
			return
		}
		if err := r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("queue: worker %d commit partition=%d offset=%d: %v", id, msg.Partition, msg.Offset, err)
		}
	}
}

// deliver handles msg with retries, dead-lettering it when attempts run out. It returns false
// only when ctx was cancelled before the message was settled.
func (c *Consumer) deliver(ctx context.Context, msg kafka.Message) bool {
	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		err := c.handle(ctx, msg.Value)
		if err != nil && c.cfg.IsPermanent != nil && c.cfg.IsPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Printf("queue: attempt %d offset=%d failed, retrying in %s: %v", attempts, msg.Offset, d, err)
		}),
	)
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	if c.dlq == nil {
		log.Printf("queue: dropping offset=%d after %d attempts: %v", msg.Offset, attempts, err)
		return true
	}
	for {
		dlqErr := c.dlq.WriteMessages(ctx, deadLetter(msg, err, attempts))
		if dlqErr == nil {
			log.Printf("queue: dead-lettered offset=%d after %d attempts: %v", msg.Offset, attempts, err)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		log.Printf("queue: dead-letter write offset=%d: %v", msg.Offset, dlqErr)
		if !sleep(ctx, c.cfg.MaxBackoff) {
			return false
		}
	}
}

func (c *Consumer) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	return b
}

func deadLetter(msg kafka.Message, cause error, attempts int) kafka.Message {
	return kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(append([]kafka.Header(nil), msg.Headers...),
			kafka.Header{Key: HeaderError, Value: []byte(cause.Error())},
			kafka.Header{Key: HeaderAttempts, Value: []byte(strconv.Itoa(attempts))},
			kafka.Header{Key: HeaderSource, Value: []byte(msg.Topic)},
			kafka.Header{Key: HeaderPartition, Value: []byte(strconv.Itoa(msg.Partition))},
			kafka.Header{Key: HeaderOffset, Value: []byte(fmt.Sprint(msg.Offset))},
		),
		Time: time.Now().UTC(),
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
