// Package events defines the domain events exchanged over the broker.
//
// An Envelope carries exactly one Event. Event is a closed union: only the
// types declared in this package implement it, and Unmarshal rejects any
// other eventType as a poison message.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/domain"
)

// EventType names a variant of the Event union.
type EventType string

const (
	TransactionCreatedType   EventType = "TransactionCreated"
	TransactionProcessedType EventType = "TransactionProcessed"
)

var (
	// ErrMalformedEvent is returned when an envelope or payload cannot be decoded or is incomplete.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrUnknownEventType is returned for an eventType outside the union.
	ErrUnknownEventType = errors.New("unknown event type")
)

// Event is implemented by TransactionCreated and TransactionProcessed only.
type Event interface {
	Kind() EventType
	AggregateID() string
	validate() error
}

// TransactionCreated is published once a PENDING transaction is persisted.
type TransactionCreated struct {
	TransactionID string                 `json:"transactionId"`
	FromUserID    string                 `json:"fromUserId"`
	ToUserID      string                 `json:"toUserId"`
	Amount        domain.Amount          `json:"amount"`
	Type          domain.TransactionType `json:"type"`
	Status        domain.Status          `json:"status"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlationId,omitempty"`
}

// Kind implements Event.
func (TransactionCreated) Kind() EventType { return TransactionCreatedType }

// AggregateID implements Event.
func (e TransactionCreated) AggregateID() string { return e.TransactionID }

func (e TransactionCreated) validate() error {
	return validateCommon(e.TransactionID, e.FromUserID, e.ToUserID, e.Amount, e.Type, e.Status)
}

// TransactionProcessed is published once a transaction reaches a terminal status.
type TransactionProcessed struct {
	TransactionID string                 `json:"transactionId"`
	FromUserID    string                 `json:"fromUserId"`
	ToUserID      string                 `json:"toUserId"`
	Amount        domain.Amount          `json:"amount"`
	Type          domain.TransactionType `json:"type"`
	Status        domain.Status          `json:"status"`
	Reason        string                 `json:"reason,omitempty"`
	ProcessedAt   time.Time              `json:"processedAt"`
	CorrelationID string                 `json:"correlationId,omitempty"`
}

// Kind implements Event.
func (TransactionProcessed) Kind() EventType { return TransactionProcessedType }

// AggregateID implements Event.
func (e TransactionProcessed) AggregateID() string { return e.TransactionID }

func (e TransactionProcessed) validate() error {
	if err := validateCommon(e.TransactionID, e.FromUserID, e.ToUserID, e.Amount, e.Type, e.Status); err != nil {
		return err
	}
	if !e.Status.IsTerminal() {
		return fmt.Errorf("%w: processed event with non-terminal status %q", ErrMalformedEvent, e.Status)
	}
	if e.ProcessedAt.IsZero() {
		return fmt.Errorf("%w: processedAt is required", ErrMalformedEvent)
	}
	return nil
}

func validateCommon(id, from, to string, amount domain.Amount, typ domain.TransactionType, status domain.Status) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: transactionId is required", ErrMalformedEvent)
	case from == "" || to == "":
		return fmt.Errorf("%w: fromUserId and toUserId are required", ErrMalformedEvent)
	case !amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrMalformedEvent)
	case typ == "":
		return fmt.Errorf("%w: type is required", ErrMalformedEvent)
	case !status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrMalformedEvent, status)
	}
	return nil
}

// NewTransactionCreated builds the creation event for tx.
func NewTransactionCreated(tx *domain.Transaction) TransactionCreated {
	return TransactionCreated{
		TransactionID: tx.ID,
		FromUserID:    tx.FromUserID,
		ToUserID:      tx.ToUserID,
		Amount:        tx.Amount,
		Type:          tx.Type,
		Status:        tx.Status,
		Timestamp:     tx.CreatedAt.UTC(),
		CorrelationID: tx.CorrelationID,
	}
}

// NewTransactionProcessed builds the terminal event for tx.
func NewTransactionProcessed(tx *domain.Transaction) TransactionProcessed {
	var processedAt time.Time
	if tx.ProcessedAt != nil {
		processedAt = tx.ProcessedAt.UTC()
	}
	return TransactionProcessed{
		TransactionID: tx.ID,
		FromUserID:    tx.FromUserID,
		ToUserID:      tx.ToUserID,
		Amount:        tx.Amount,
		Type:          tx.Type,
		Status:        tx.Status,
		Reason:        tx.FailureReason,
		ProcessedAt:   processedAt,
		CorrelationID: tx.CorrelationID,
	}
}

// Envelope wraps an Event with delivery metadata.
type Envelope struct {
	EventType     EventType
	Payload       Event
	CorrelationID string
	Timestamp     time.Time
	MessageID     string
}

// NewEnvelope wraps payload with a fresh message id.
func NewEnvelope(payload Event, correlationID string, now time.Time) Envelope {
	return Envelope{
		EventType:     payload.Kind(),
		Payload:       payload,
		CorrelationID: correlationID,
		Timestamp:     now.UTC(),
		MessageID:     ulid.Make().String(),
	}
}

// DedupKey identifies the business effect of the envelope. Redeliveries
// and republications of the same event share it.
func (e Envelope) DedupKey() string {
	return DedupKey(e.Payload.AggregateID(), e.EventType)
}

// DedupKey builds the idempotency key for a transaction event.
func DedupKey(transactionID string, eventType EventType) string {
	return transactionID + ":" + string(eventType)
}

// TransactionCreated returns the payload if the envelope carries one.
func (e Envelope) TransactionCreated() (TransactionCreated, bool) {
	p, ok := e.Payload.(TransactionCreated)
	return p, ok
}

// TransactionProcessed returns the payload if the envelope carries one.
func (e Envelope) TransactionProcessed() (TransactionProcessed, bool) {
	p, ok := e.Payload.(TransactionProcessed)
	return p, ok
}

type wireEnvelope struct {
	EventType     EventType       `json:"eventType"`
	MessageID     string          `json:"messageId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// Marshal encodes the envelope as JSON.
func Marshal(env Envelope) ([]byte, error) {
	if env.Payload == nil {
		return nil, fmt.Errorf("%w: envelope has no payload", ErrMalformedEvent)
	}
	if env.EventType != env.Payload.Kind() {
		return nil, fmt.Errorf("%w: eventType %q does not match payload %q", ErrMalformedEvent, env.EventType, env.Payload.Kind())
	}

	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return json.Marshal(wireEnvelope{
		EventType:     env.EventType,
		MessageID:     env.MessageID,
		CorrelationID: env.CorrelationID,
		Timestamp:     env.Timestamp,
		Payload:       payload,
	})
}

// Unmarshal decodes and validates an envelope. Failures wrap
// ErrMalformedEvent or ErrUnknownEventType; both are permanent.
func Unmarshal(data []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(wire.Payload) == 0 {
		return Envelope{}, fmt.Errorf("%w: payload is required", ErrMalformedEvent)
	}

	var payload Event
	switch wire.EventType {
	case TransactionCreatedType:
		var p TransactionCreated
		if err := decodeStrict(wire.Payload, &p); err != nil {
			return Envelope{}, err
		}
		payload = p
	case TransactionProcessedType:
		var p TransactionProcessed
		if err := decodeStrict(wire.Payload, &p); err != nil {
			return Envelope{}, err
		}
		payload = p
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEventType, wire.EventType)
	}

	if err := payload.validate(); err != nil {
		return Envelope{}, err
	}

	return Envelope{
		EventType:     wire.EventType,
		Payload:       payload,
		CorrelationID: wire.CorrelationID,
		Timestamp:     wire.Timestamp,
		MessageID:     wire.MessageID,
	}, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}
