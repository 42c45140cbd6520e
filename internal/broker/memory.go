package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/events"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker is closed")

const memoryQueueSize = 1024

// MemoryBroker is an in-process Broker. Subscribers of the same topic
// compete for messages, like consumers of a shared queue. It backs tests
// and the single-process development mode.
type MemoryBroker struct {
	logger          *zap.Logger
	redeliveryDelay time.Duration

	mu          sync.Mutex
	queues      map[string]chan Message
	published   []Message
	deadLetters []Message
	closed      bool
}

// MemoryOption configures a MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithRedeliveryDelay delays requeued messages.
func WithRedeliveryDelay(d time.Duration) MemoryOption {
	return func(b *MemoryBroker) { b.redeliveryDelay = d }
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker(logger *zap.Logger, opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		logger: logger,
		queues: make(map[string]chan Message),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish enqueues env on topic.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, env events.Envelope, opts ...PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := encode(topic, env, opts)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.published = append(b.published, msg)
	q := b.queueLocked(topic)
	b.mu.Unlock()

	select {
	case q <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe delivers messages of topic to h until ctx is cancelled.
func (b *MemoryBroker) Subscribe(ctx context.Context, topic string, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	q := b.queueLocked(topic)
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-q:
			result := dispatch(ctx, b.logger, h, msg)
			switch {
			case result.Requeue():
				b.requeue(q, redelivery(msg))
			case result.Dropped():
				b.mu.Lock()
				b.deadLetters = append(b.deadLetters, msg)
				b.mu.Unlock()
				b.logger.Warn("message dead-lettered",
					zap.String("topic", msg.Topic),
					zap.String("message_id", msg.MessageID),
					zap.Int("attempt", msg.Attempt),
				)
			}
		}
	}
}

func (b *MemoryBroker) requeue(q chan Message, msg Message) {
	if b.redeliveryDelay > 0 {
		time.AfterFunc(b.redeliveryDelay, func() { q <- msg })
		return
	}
	go func() { q <- msg }()
}

func (b *MemoryBroker) queueLocked(topic string) chan Message {
	q, ok := b.queues[topic]
	if !ok {
		q = make(chan Message, memoryQueueSize)
		b.queues[topic] = q
	}
	return q
}

// Published returns every message accepted by Publish, in order.
func (b *MemoryBroker) Published(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, m := range b.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// DeadLetters returns messages rejected with Nack(false).
func (b *MemoryBroker) DeadLetters() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Message, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// Close rejects further publications and subscriptions.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
