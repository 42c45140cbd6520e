package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/events"
)

// RabbitMQConfig holds RabbitMQ adapter settings.
type RabbitMQConfig struct {
	URL           string
	Exchange      string
	ConsumerGroup string
	Prefetch      int
	RetryDelay    time.Duration
}

// RabbitMQ is a Broker backed by a topic exchange.
//
// Every subscription declares a durable queue "<group>.<topic>" bound to the
// exchange. Nack(false) dead-letters through "<exchange>.dlx" into
// "<group>.<topic>.dlq". Nack(true) republishes the message with an
// incremented attempt into "<group>.<topic>.retry", whose TTL dead-letters
// it back into the main queue.
type RabbitMQ struct {
	conn   *amqp.Connection
	cfg    RabbitMQConfig
	logger *zap.Logger

	// amqp channels are not safe for concurrent publishing.
	mu        sync.Mutex
	publishCh *amqp.Channel
}

// NewRabbitMQ connects to RabbitMQ and declares the exchanges.
func NewRabbitMQ(cfg RabbitMQConfig, logger *zap.Logger) (*RabbitMQ, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	for _, name := range []string{cfg.Exchange, deadLetterExchange(cfg.Exchange)} {
		err = ch.ExchangeDeclare(
			name,    // name
			"topic", // type
			true,    // durable
			false,   // auto-deleted
			false,   // internal
			false,   // no-wait
			nil,     // arguments
		)
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to declare exchange %s: %w", name, err)
		}
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	logger.Info("RabbitMQ broker initialized",
		zap.String("exchange", cfg.Exchange),
		zap.String("consumer_group", cfg.ConsumerGroup),
	)

	return &RabbitMQ{
		conn:      conn,
		cfg:       cfg,
		logger:    logger,
		publishCh: ch,
	}, nil
}

func deadLetterExchange(exchange string) string { return exchange + ".dlx" }

func (r *RabbitMQ) queueName(topic string) string { return r.cfg.ConsumerGroup + "." + topic }

// Publish sends env to the exchange with routing key topic and waits for
// the broker confirmation.
func (r *RabbitMQ) Publish(ctx context.Context, topic string, env events.Envelope, opts ...PublishOption) error {
	msg, err := encode(topic, env, opts)
	if err != nil {
		return err
	}
	return r.publish(ctx, r.cfg.Exchange, topic, msg)
}

func (r *RabbitMQ) publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderAttempt] = int32(msg.Attempt)

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.MessageID,
		CorrelationId: msg.Headers[HeaderCorrelationID],
		Type:          msg.Headers[HeaderEventType],
		Timestamp:     time.Now().UTC(),
		Headers:       headers,
		Body:          msg.Body,
	}
	if msg.Key != "" {
		headers["x-message-key"] = msg.Key
	}

	r.mu.Lock()
	confirm, err := r.publishCh.PublishWithDeferredConfirmWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		publishing,
	)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to await publish confirmation: %w", err)
	}
	if !acked {
		return errors.New("message was not confirmed by broker")
	}
	return nil
}

// Subscribe declares the topology for topic and consumes until ctx is done.
func (r *RabbitMQ) Subscribe(ctx context.Context, topic string, h Handler) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(r.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	queue, err := r.declareTopology(ch, topic)
	if err != nil {
		return err
	}

	deliveries, err := ch.Consume(
		queue, // queue
		"",    // consumer tag (auto-generated)
		false, // auto-ack (we'll ack manually)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	r.logger.Info("RabbitMQ consumer started", zap.String("queue", queue))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("context cancelled, stopping RabbitMQ consumer", zap.String("queue", queue))
			return nil

		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			r.handleDelivery(ctx, queue, topic, d, h)
		}
	}
}

func (r *RabbitMQ) declareTopology(ch *amqp.Channel, topic string) (string, error) {
	queue := r.queueName(topic)
	dlx := deadLetterExchange(r.cfg.Exchange)

	_, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    dlx,
			"x-dead-letter-routing-key": topic,
		},
	)
	if err != nil {
		return "", fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, topic, r.cfg.Exchange, false, nil); err != nil {
		return "", fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}

	dlq := queue + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("failed to declare queue %s: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, topic, dlx, false, nil); err != nil {
		return "", fmt.Errorf("failed to bind queue %s: %w", dlq, err)
	}

	// Expired retry messages return to the main queue through the default exchange.
	retry := queue + ".retry"
	_, err = ch.QueueDeclare(retry, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
		"x-message-ttl":             r.cfg.RetryDelay.Milliseconds(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to declare queue %s: %w", retry, err)
	}

	return queue, nil
}

func (r *RabbitMQ) handleDelivery(ctx context.Context, queue, topic string, d amqp.Delivery, h Handler) {
	msg := fromDelivery(topic, d)
	result := dispatch(ctx, r.logger, h, msg)

	var err error
	switch {
	case result.IsAck():
		err = d.Ack(false)
	case result.Dropped():
		err = d.Nack(false, false)
	default:
		if pubErr := r.publish(ctx, "", queue+".retry", redelivery(msg)); pubErr != nil {
			r.logger.Warn("failed to schedule retry, requeueing in place",
				zap.String("message_id", msg.MessageID),
				zap.Error(pubErr),
			)
			err = d.Nack(false, true)
		} else {
			err = d.Ack(false)
		}
	}
	if err != nil {
		r.logger.Error("failed to settle delivery",
			zap.String("message_id", msg.MessageID),
			zap.String("result", result.String()),
			zap.Error(err),
		)
	}
}

func fromDelivery(topic string, d amqp.Delivery) Message {
	msg := Message{
		Topic:     topic,
		MessageID: d.MessageId,
		Body:      d.Body,
		Headers:   make(map[string]string, len(d.Headers)),
		Attempt:   1,
	}
	for k, v := range d.Headers {
		switch val := v.(type) {
		case string:
			msg.Headers[k] = val
		case int32:
			msg.Headers[k] = strconv.Itoa(int(val))
		case int64:
			msg.Headers[k] = strconv.FormatInt(val, 10)
		case int:
			msg.Headers[k] = strconv.Itoa(val)
		}
	}
	if v, ok := msg.Headers[HeaderAttempt]; ok {
		msg.Attempt = parseAttempt(v)
	}
	msg.Key = msg.Headers["x-message-key"]
	if d.CorrelationId != "" {
		msg.Headers[HeaderCorrelationID] = d.CorrelationId
	}
	return msg
}

// Close closes the publishing channel and the connection.
func (r *RabbitMQ) Close() error {
	if r.publishCh != nil {
		if err := r.publishCh.Close(); err != nil {
			r.logger.Warn("error closing channel", zap.Error(err))
		}
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
