// Package broker publishes event envelopes to topics and delivers them to
// subscribers with explicit acknowledgement.
//
// Delivery is at-least-once. A Handler returns a Result: Ack removes the
// message, Nack(true) schedules a redelivery with Attempt incremented and
// Nack(false) drops the message into the dead-letter destination of the
// adapter. Handlers must be idempotent.
package broker

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/events"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/metrics"
)

// Header names carried with every message.
const (
	HeaderAttempt       = "x-attempt"
	HeaderEventType     = "x-event-type"
	HeaderCorrelationID = "x-correlation-id"
)

// Message is a single delivery handed to a Handler.
type Message struct {
	Topic     string
	Key       string
	MessageID string
	Body      []byte
	Headers   map[string]string

	// Attempt is 1 on first delivery and grows with every Nack(true).
	Attempt int
}

type resultKind int

const (
	resultUnset resultKind = iota
	resultAck
	resultRequeue
	resultDrop
)

// Result is the outcome of handling a message. The zero value is not a
// valid outcome; adapters treat it as a handler defect and requeue.
type Result struct {
	kind resultKind
}

// Ack confirms the message was handled and must not be redelivered.
func Ack() Result { return Result{kind: resultAck} }

// Nack rejects the message. With requeue it will be redelivered,
// otherwise it is dead-lettered.
func Nack(requeue bool) Result {
	if requeue {
		return Result{kind: resultRequeue}
	}
	return Result{kind: resultDrop}
}

// IsAck reports whether the result acknowledges the message.
func (r Result) IsAck() bool { return r.kind == resultAck }

// Requeue reports whether the message should be redelivered.
func (r Result) Requeue() bool { return r.kind == resultRequeue }

// Dropped reports whether the message should be dead-lettered.
func (r Result) Dropped() bool { return r.kind == resultDrop }

// Valid reports whether the result was produced by Ack or Nack.
func (r Result) Valid() bool { return r.kind != resultUnset }

func (r Result) String() string {
	switch r.kind {
	case resultAck:
		return "ack"
	case resultRequeue:
		return "nack_requeue"
	case resultDrop:
		return "nack_drop"
	default:
		return "unset"
	}
}

// Handler processes one message.
type Handler func(ctx context.Context, msg Message) Result

// Publisher sends envelopes to a topic. Publish returns only after the
// broker confirmed the message.
type Publisher interface {
	Publish(ctx context.Context, topic string, env events.Envelope, opts ...PublishOption) error
	Close() error
}

// Subscriber delivers messages of a topic to a handler. Subscribe blocks
// until ctx is cancelled or the subscription fails.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, h Handler) error
	Close() error
}

// Broker is both a Publisher and a Subscriber.
type Broker interface {
	Publisher
	Subscriber
}

type publishOptions struct {
	key string
}

// PublishOption customizes a single Publish call.
type PublishOption func(*publishOptions)

// WithMessageKey overrides the partitioning key. It defaults to the
// transaction id of the payload.
func WithMessageKey(key string) PublishOption {
	return func(o *publishOptions) { o.key = key }
}

func resolvePublishOptions(env events.Envelope, opts []PublishOption) publishOptions {
	o := publishOptions{}
	if env.Payload != nil {
		o.key = env.Payload.AggregateID()
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// encode builds the message for env with attempt 1.
func encode(topic string, env events.Envelope, opts []PublishOption) (Message, error) {
	body, err := events.Marshal(env)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode envelope: %w", err)
	}
	o := resolvePublishOptions(env, opts)

	return Message{
		Topic:     topic,
		Key:       o.key,
		MessageID: env.MessageID,
		Body:      body,
		Headers: map[string]string{
			HeaderEventType:     string(env.EventType),
			HeaderCorrelationID: env.CorrelationID,
			HeaderAttempt:       "1",
		},
		Attempt: 1,
	}, nil
}

// redelivery returns a copy of msg for the next attempt.
func redelivery(msg Message) Message {
	next := msg
	next.Attempt = msg.Attempt + 1
	next.Headers = make(map[string]string, len(msg.Headers))
	for k, v := range msg.Headers {
		next.Headers[k] = v
	}
	next.Headers[HeaderAttempt] = strconv.Itoa(next.Attempt)
	return next
}

func parseAttempt(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// dispatch runs h, turning panics and unset results into Nack(true).
func dispatch(ctx context.Context, logger *zap.Logger, h Handler, msg Message) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("handler panicked, requeueing message",
				zap.String("topic", msg.Topic),
				zap.String("message_id", msg.MessageID),
				zap.Any("panic", rec),
			)
			result = Nack(true)
		}
		metrics.MessageResults.WithLabelValues(msg.Topic, result.String()).Inc()
	}()

	result = h(ctx, msg)
	if !result.Valid() {
		logger.Error("handler returned no result, requeueing message",
			zap.String("topic", msg.Topic),
			zap.String("message_id", msg.MessageID),
		)
		return Nack(true)
	}
	return result
}
