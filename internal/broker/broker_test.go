package broker

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/domain"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/events"
)

const testTopic = "transactions.created"

func testEnvelope(id string) events.Envelope {
	now := time.Date(2025, 11, 12, 10, 0, 0, 0, time.UTC)
	tx := &domain.Transaction{
		ID:            id,
		FromUserID:    "u1",
		ToUserID:      "u2",
		Amount:        100,
		Type:          domain.TransactionTypeTransfer,
		Status:        domain.StatusPending,
		CorrelationID: "corr-1",
		CreatedAt:     now,
	}
	return events.NewEnvelope(events.NewTransactionCreated(tx), tx.CorrelationID, now)
}

func TestResult(t *testing.T) {
	tests := []struct {
		name    string
		result  Result
		ack     bool
		requeue bool
		dropped bool
		valid   bool
	}{
		{name: "ack", result: Ack(), ack: true, valid: true},
		{name: "nack requeue", result: Nack(true), requeue: true, valid: true},
		{name: "nack drop", result: Nack(false), dropped: true, valid: true},
		{name: "zero value", result: Result{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.result.IsAck() != tt.ack || tt.result.Requeue() != tt.requeue ||
				tt.result.Dropped() != tt.dropped || tt.result.Valid() != tt.valid {
				t.Errorf("unexpected result flags for %s", tt.result)
			}
		})
	}
}

func TestDispatch_DefectsRequeue(t *testing.T) {
	logger := zap.NewNop()
	msg := Message{Topic: testTopic, MessageID: "m1", Attempt: 1}

	panicking := func(ctx context.Context, m Message) Result { panic("boom") }
	if got := dispatch(context.Background(), logger, panicking, msg); !got.Requeue() {
		t.Errorf("expected panic to requeue, got %s", got)
	}

	unset := func(ctx context.Context, m Message) Result { return Result{} }
	if got := dispatch(context.Background(), logger, unset, msg); !got.Requeue() {
		t.Errorf("expected unset result to requeue, got %s", got)
	}
}

func TestMemoryBroker_RedeliversWithIncrementedAttempt(t *testing.T) {
	b := NewMemoryBroker(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := testEnvelope("tx-1")
	if err := b.Publish(ctx, testTopic, env); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	attempts := make(chan Message, 4)
	go b.Subscribe(ctx, testTopic, func(ctx context.Context, msg Message) Result {
		attempts <- msg
		if msg.Attempt < 3 {
			return Nack(true)
		}
		return Ack()
	})

	for want := 1; want <= 3; want++ {
		select {
		case msg := <-attempts:
			if msg.Attempt != want {
				t.Fatalf("expected attempt %d, got %d", want, msg.Attempt)
			}
			if msg.MessageID != env.MessageID || msg.Key != "tx-1" {
				t.Errorf("unexpected message identity: %+v", msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for attempt %d", want)
		}
	}

	select {
	case msg := <-attempts:
		t.Fatalf("unexpected delivery after ack: attempt %d", msg.Attempt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBroker_NackWithoutRequeueDeadLetters(t *testing.T) {
	b := NewMemoryBroker(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Publish(ctx, testTopic, testEnvelope("tx-1")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	handled := make(chan struct{})
	go b.Subscribe(ctx, testTopic, func(ctx context.Context, msg Message) Result {
		defer close(handled)
		return Nack(false)
	})

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	deadline := time.Now().Add(time.Second)
	for len(b.DeadLetters()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(b.DeadLetters()); got != 1 {
		t.Fatalf("expected 1 dead letter, got %d", got)
	}
}

func TestMemoryBroker_PublishAfterClose(t *testing.T) {
	b := NewMemoryBroker(zap.NewNop())
	b.Close()

	if err := b.Publish(context.Background(), testTopic, testEnvelope("tx-1")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestWithMessageKey(t *testing.T) {
	msg, err := encode(testTopic, testEnvelope("tx-1"), []PublishOption{WithMessageKey("custom")})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if msg.Key != "custom" {
		t.Errorf("expected key custom, got %q", msg.Key)
	}
	if msg.Headers[HeaderEventType] != string(events.TransactionCreatedType) {
		t.Errorf("unexpected event type header %q", msg.Headers[HeaderEventType])
	}
}

func TestFromDelivery_ReadsAttemptHeader(t *testing.T) {
	d := amqp.Delivery{
		MessageId:     "m1",
		CorrelationId: "corr-1",
		Headers:       amqp.Table{HeaderAttempt: int32(4), "x-message-key": "tx-1"},
		Body:          []byte("{}"),
	}

	msg := fromDelivery(testTopic, d)
	if msg.Attempt != 4 {
		t.Errorf("expected attempt 4, got %d", msg.Attempt)
	}
	if msg.Key != "tx-1" || msg.Headers[HeaderCorrelationID] != "corr-1" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestKafkaMessageConversion(t *testing.T) {
	msg, err := encode(testTopic, testEnvelope("tx-9"), nil)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	next := redelivery(msg)

	km := toKafkaMessage(testTopic, next)
	if string(km.Key) != "tx-9" {
		t.Errorf("expected key tx-9, got %q", km.Key)
	}

	back := fromKafkaMessage(testTopic, kafka.Message{Key: km.Key, Value: km.Value, Headers: km.Headers})
	if back.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", back.Attempt)
	}
	if back.MessageID != msg.MessageID {
		t.Errorf("expected message id %q, got %q", msg.MessageID, back.MessageID)
	}
}

func TestWaitRetry(t *testing.T) {
	start := time.Now()
	if err := waitRetry(context.Background(), 30*time.Millisecond); err != nil {
		t.Fatalf("waitRetry failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("expected to wait at least 30ms, waited %s", elapsed)
	}

	if err := waitRetry(context.Background(), 0); err != nil {
		t.Errorf("expected no wait without a delay, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start = time.Now()
	if err := waitRetry(ctx, time.Minute); err == nil {
		t.Error("expected error for cancelled context")
	}
	if time.Since(start) > time.Second {
		t.Error("waitRetry did not return on cancellation")
	}
}
