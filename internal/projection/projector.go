// Package projection is a downstream consumer of TransactionProcessed. It
// keeps a per-customer history of transaction outcomes in ClickHouse,
// applying each event once even under redelivery and republication.
package projection

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/broker"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/domain"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/events"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/inbox"
)

// Direction is the side of a transaction a customer is on.
type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

// Outcome is one customer's view of a finished transaction.
type Outcome struct {
	TransactionID  string
	UserID         string
	CounterpartyID string
	Direction      Direction
	Type           string
	Status         string
	Amount         decimal.Decimal
	Reason         string
	CorrelationID  string
	ProcessedAt    time.Time
}

// OutcomeStore persists outcomes. Inserting the same outcome twice must
// not change query results.
type OutcomeStore interface {
	InsertOutcomes(ctx context.Context, outcomes []Outcome) error
	ListUserOutcomes(ctx context.Context, userID string, limit int) ([]Outcome, error)
}

// Outcomes splits a processed event into the rows of the affected customers.
func Outcomes(e events.TransactionProcessed) []Outcome {
	base := Outcome{
		TransactionID: e.TransactionID,
		Type:          string(e.Type),
		Status:        string(e.Status),
		Amount:        e.Amount.Decimal(),
		Reason:        e.Reason,
		CorrelationID: e.CorrelationID,
		ProcessedAt:   e.ProcessedAt,
	}

	debit, credit := base, base
	debit.UserID, debit.CounterpartyID, debit.Direction = e.FromUserID, e.ToUserID, Debit
	credit.UserID, credit.CounterpartyID, credit.Direction = e.ToUserID, e.FromUserID, Credit

	switch e.Type {
	case domain.TransactionTypeDeposit:
		return []Outcome{credit}
	case domain.TransactionTypeWithdrawal:
		return []Outcome{debit}
	default:
		return []Outcome{debit, credit}
	}
}

// Projector consumes TransactionProcessed into an OutcomeStore.
type Projector struct {
	store  OutcomeStore
	inbox  inbox.Inbox
	logger *zap.Logger
}

// NewProjector creates a Projector.
func NewProjector(store OutcomeStore, in inbox.Inbox, logger *zap.Logger) *Projector {
	return &Projector{store: store, inbox: in, logger: logger}
}

// Run consumes topic until ctx is cancelled.
func (p *Projector) Run(ctx context.Context, sub broker.Subscriber, topic string) error {
	return sub.Subscribe(ctx, topic, p.Handle)
}

// Handle applies one TransactionProcessed delivery.
func (p *Projector) Handle(ctx context.Context, msg broker.Message) broker.Result {
	log := p.logger.With(zap.String("message_id", msg.MessageID), zap.Int("attempt", msg.Attempt))

	env, err := events.Unmarshal(msg.Body)
	if err != nil {
		log.Error("poison message: cannot decode event",
			zap.String("correlation_id", msg.Headers[broker.HeaderCorrelationID]),
			zap.Error(err),
		)
		return broker.Nack(false)
	}
	processed, ok := env.TransactionProcessed()
	if !ok {
		log.Error("poison message: unexpected event type", zap.String("event_type", string(env.EventType)))
		return broker.Nack(false)
	}

	key := env.DedupKey()
	log = log.With(
		zap.String("transaction_id", processed.TransactionID),
		zap.String("correlation_id", env.CorrelationID),
	)

	fresh, err := p.inbox.Begin(ctx, key)
	switch {
	case errors.Is(err, inbox.ErrInFlight):
		return broker.Nack(true)
	case err != nil:
		log.Warn("inbox unavailable, requeueing", zap.Error(err))
		return broker.Nack(true)
	case !fresh:
		log.Debug("duplicate TransactionProcessed")
		return broker.Ack()
	}

	if err := p.store.InsertOutcomes(ctx, Outcomes(processed)); err != nil {
		log.Warn("failed to store outcome, requeueing", zap.Error(err))
		if abortErr := p.inbox.Abort(context.WithoutCancel(ctx), key); abortErr != nil {
			log.Warn("failed to release inbox entry", zap.Error(abortErr))
		}
		return broker.Nack(true)
	}

	if err := p.inbox.Complete(context.WithoutCancel(ctx), key); err != nil {
		// The store absorbs a duplicate insert if the event comes back.
		log.Warn("failed to complete inbox entry", zap.Error(err))
	}
	log.Info("outcome projected", zap.String("status", string(processed.Status)))
	return broker.Ack()
}

// MemoryStore is an OutcomeStore for tests and the in-memory stack.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Outcome
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Outcome)}
}

// InsertOutcomes implements OutcomeStore.
func (s *MemoryStore) InsertOutcomes(ctx context.Context, outcomes []Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range outcomes {
		s.rows[o.UserID+"/"+o.TransactionID] = o
	}
	return nil
}

// ListUserOutcomes implements OutcomeStore.
func (s *MemoryStore) ListUserOutcomes(ctx context.Context, userID string, limit int) ([]Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Outcome
	for _, o := range s.rows {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.After(out[j].ProcessedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
