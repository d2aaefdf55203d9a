package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	next      int
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.next < len(r.msgs) {
		m := r.msgs[r.next]
		r.next++
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	msgs     []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("broker down")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) Written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type countingHandler struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) error
}

func (h *countingHandler) Handle(_ context.Context, _ []byte) error {
	h.mu.Lock()
	h.calls++
	call := h.calls
	h.mu.Unlock()
	return h.fn(call)
}

func (h *countingHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

var errPoison = errors.New("poison")

func newTestConsumer(t *testing.T, r *fakeReader, dlq MessageWriter, h Handler, attempts int) *Consumer {
	t.Helper()
	c, err := NewConsumer(ConsumerConfig{
		Topic:          "fleet-events",
		GroupID:        "test",
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		IsPermanent:    func(err error) bool { return errors.Is(err, errPoison) },
	}, func() MessageReader { return r }, dlq, h)
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	return c
}

func runUntil(t *testing.T, c *Consumer, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(finished)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			cancel()
			<-finished
			t.Fatal("timed out waiting for consumer")
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-finished
}

func TestConsumer_RetriesThenCommits(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{{Offset: 7, Value: []byte(`{}`)}}}
	dlq := &fakeWriter{}
	h := &countingHandler{fn: func(call int) error {
		if call < 3 {
			return errors.New("db unavailable")
		}
		return nil
	}}
	c := newTestConsumer(t, r, dlq, h.Handle, 5)

	runUntil(t, c, func() bool { return len(r.Committed()) == 1 })

	if h.Calls() != 3 {
		t.Errorf("handler calls = %d, want 3", h.Calls())
	}
	if len(dlq.Written()) != 0 {
		t.Errorf("dead-lettered %d messages, want 0", len(dlq.Written()))
	}
	if got := r.Committed(); got[0] != 7 {
		t.Errorf("committed offset = %d, want 7", got[0])
	}
	if !r.closed {
		t.Error("reader should be closed on shutdown")
	}
}

func TestConsumer_ExhaustedAttemptsDeadLetter(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{{Topic: "fleet-events", Partition: 2, Offset: 11, Key: []byte("d1"), Value: []byte(`{"device":"d1"}`)}}}
	dlq := &fakeWriter{}
	h := &countingHandler{fn: func(int) error { return errors.New("still failing") }}
	c := newTestConsumer(t, r, dlq, h.Handle, 3)

	runUntil(t, c, func() bool { return len(r.Committed()) == 1 })

	if h.Calls() != 3 {
		t.Errorf("handler calls = %d, want 3", h.Calls())
	}
	written := dlq.Written()
	if len(written) != 1 {
		t.Fatalf("dead-lettered %d messages, want 1", len(written))
	}
	if string(written[0].Value) != `{"device":"d1"}` || string(written[0].Key) != "d1" {
		t.Errorf("dead letter = %q/%q, want original key and value", written[0].Key, written[0].Value)
	}
	headers := map[string]string{}
	for _, h := range written[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers[HeaderAttempts] != "3" {
		t.Errorf("%s = %q, want 3", HeaderAttempts, headers[HeaderAttempts])
	}
	if headers[HeaderError] != "still failing" {
		t.Errorf("%s = %q", HeaderError, headers[HeaderError])
	}
	if headers[HeaderSource] != "fleet-events" || headers[HeaderPartition] != "2" || headers[HeaderOffset] != "11" {
		t.Errorf("source headers = %v", headers)
	}
}

func TestConsumer_PermanentErrorSkipsRetries(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{{Offset: 1, Value: []byte(`nope`)}, {Offset: 2, Value: []byte(`{}`)}}}
	dlq := &fakeWriter{}
	h := &countingHandler{fn: func(call int) error {
		if call == 1 {
			return errPoison
		}
		return nil
	}}
	c := newTestConsumer(t, r, dlq, h.Handle, 5)

	runUntil(t, c, func() bool { return len(r.Committed()) == 2 })

	if h.Calls() != 2 {
		t.Errorf("handler calls = %d, want 2", h.Calls())
	}
	if len(dlq.Written()) != 1 {
		t.Errorf("dead-lettered %d messages, want 1", len(dlq.Written()))
	}
	if got := r.Committed(); got[0] != 1 || got[1] != 2 {
		t.Errorf("committed = %v, want [1 2]", got)
	}
}

func TestConsumer_DeadLetterWriteRetried(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{{Offset: 4, Value: []byte(`x`)}}}
	dlq := &fakeWriter{failures: 2}
	h := &countingHandler{fn: func(int) error { return errPoison }}
	c := newTestConsumer(t, r, dlq, h.Handle, 5)

	runUntil(t, c, func() bool { return len(r.Committed()) == 1 })

	if len(dlq.Written()) != 1 {
		t.Errorf("dead-lettered %d messages, want 1", len(dlq.Written()))
	}
}

func TestConsumer_ShutdownLeavesOffsetUncommitted(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{{Offset: 9, Value: []byte(`{}`)}}}
	started := make(chan struct{})
	var once sync.Once
	h := func(ctx context.Context, _ []byte) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}
	c := newTestConsumer(t, r, &fakeWriter{}, h, 5)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(finished)
	}()
	<-started
	cancel()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	if got := r.Committed(); len(got) != 0 {
		t.Errorf("committed = %v, want none", got)
	}
}

func TestNewConsumer_Validation(t *testing.T) {
	if _, err := NewConsumer(ConsumerConfig{}, nil, nil, func(context.Context, []byte) error { return nil }); err == nil {
		t.Error("nil reader factory should error")
	}
	if _, err := NewKafkaConsumer(ConsumerConfig{Topic: "t", GroupID: "g"}, nil, func(context.Context, []byte) error { return nil }); err == nil {
		t.Error("missing brokers should error")
	}
}
