package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/events"
)

// KafkaConfig holds Kafka adapter settings.
type KafkaConfig struct {
	Brokers []string
	GroupID string
	// RetryDelay is how long a requeued message waits before it is
	// re-produced. Zero re-produces immediately.
	RetryDelay time.Duration
}

// Kafka is a Broker backed by Kafka topics.
//
// Messages are keyed by transaction id so events of one transaction stay
// ordered within a partition. Kafka has no per-message nack: Nack(true)
// re-produces the message to the same topic with an incremented attempt
// after RetryDelay, and Nack(false) produces it to "<topic>.dlq". The offset is committed
// only after that write succeeded.
type Kafka struct {
	writer *kafka.Writer
	cfg    KafkaConfig
	logger *zap.Logger
}

// NewKafka creates a Kafka broker. Connections are established lazily.
func NewKafka(cfg KafkaConfig, logger *zap.Logger) *Kafka {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Async:                  false, // Publish must observe the broker ack
	}

	logger.Info("Kafka broker initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group_id", cfg.GroupID),
	)

	return &Kafka{writer: writer, cfg: cfg, logger: logger}
}

// Publish writes env to topic.
func (k *Kafka) Publish(ctx context.Context, topic string, env events.Envelope, opts ...PublishOption) error {
	msg, err := encode(topic, env, opts)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, toKafkaMessage(topic, msg)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Subscribe reads topic as part of the configured consumer group.
func (k *Kafka) Subscribe(ctx context.Context, topic string, h Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.cfg.Brokers,
		Topic:    topic,
		GroupID:  k.cfg.GroupID,
		MinBytes: 1,    // consume messages immediately
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := reader.Close(); err != nil {
			k.logger.Warn("failed to close reader", zap.Error(err))
		}
	}()

	k.logger.Info("Kafka consumer started", zap.String("topic", topic))

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		msg := fromKafkaMessage(topic, m)
		result := dispatch(ctx, k.logger, h, msg)

		switch {
		case result.Requeue():
			if err = waitRetry(ctx, k.cfg.RetryDelay); err == nil {
				err = k.forward(ctx, topic, redelivery(msg))
			}
		case result.Dropped():
			err = k.forward(ctx, topic+".dlq", msg)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to forward message %s: %w", msg.MessageID, err)
		}

		if err := reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to commit offset: %w", err)
		}
	}
}

// forward writes msg to topic, retrying until it succeeds or ctx ends.
func (k *Kafka) forward(ctx context.Context, topic string, msg Message) error {
	op := func() error {
		return k.writer.WriteMessages(ctx, toKafkaMessage(topic, msg))
	}
	notify := func(err error, wait time.Duration) {
		k.logger.Warn("failed to forward message, retrying",
			zap.String("topic", topic),
			zap.String("message_id", msg.MessageID),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return backoff.RetryNotify(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx), notify)
}

// waitRetry blocks for d or until ctx ends.
func waitRetry(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func toKafkaMessage(topic string, msg Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers, kafka.Header{Key: "x-message-id", Value: []byte(msg.MessageID)})

	return kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.Key),
		Value:   msg.Body,
		Headers: headers,
		Time:    time.Now().UTC(),
	}
}

func fromKafkaMessage(topic string, m kafka.Message) Message {
	msg := Message{
		Topic:   topic,
		Key:     string(m.Key),
		Body:    m.Value,
		Headers: make(map[string]string, len(m.Headers)),
		Attempt: 1,
	}
	for _, h := range m.Headers {
		if h.Key == "x-message-id" {
			msg.MessageID = string(h.Value)
			continue
		}
		msg.Headers[h.Key] = string(h.Value)
	}
	if v, ok := msg.Headers[HeaderAttempt]; ok {
		msg.Attempt = parseAttempt(v)
	}
	return msg
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	if err := k.writer.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}
