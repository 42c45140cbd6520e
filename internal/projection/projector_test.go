package projection

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/broker"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/domain"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/events"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/inbox"
)

// mockStore wraps MemoryStore with an injectable insert failure
type mockStore struct {
	*MemoryStore
	inserts    int
	insertFunc func(outcomes []Outcome) error
}

func (m *mockStore) InsertOutcomes(ctx context.Context, outcomes []Outcome) error {
	m.inserts++
	if m.insertFunc != nil {
		if err := m.insertFunc(outcomes); err != nil {
			return err
		}
	}
	return m.MemoryStore.InsertOutcomes(ctx, outcomes)
}

func processedTransaction(txType domain.TransactionType, status domain.Status) *domain.Transaction {
	processedAt := time.Date(2025, 11, 12, 10, 0, 0, 0, time.UTC)
	return &domain.Transaction{
		ID:            "tx-1",
		FromUserID:    "u1",
		ToUserID:      "u2",
		Amount:        12550,
		Type:          txType,
		Status:        status,
		CorrelationID: "abc-123",
		CreatedAt:     processedAt.Add(-time.Second),
		ProcessedAt:   &processedAt,
	}
}

func message(t *testing.T, env events.Envelope) broker.Message {
	t.Helper()
	body, err := events.Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return broker.Message{MessageID: env.MessageID, Body: body, Attempt: 1}
}

func TestOutcomes(t *testing.T) {
	tests := []struct {
		txType     domain.TransactionType
		wantUsers  []string
		wantDirect []Direction
	}{
		{txType: domain.TransactionTypeTransfer, wantUsers: []string{"u1", "u2"}, wantDirect: []Direction{Debit, Credit}},
		{txType: domain.TransactionTypeDeposit, wantUsers: []string{"u2"}, wantDirect: []Direction{Credit}},
		{txType: domain.TransactionTypeWithdrawal, wantUsers: []string{"u1"}, wantDirect: []Direction{Debit}},
	}

	for _, tt := range tests {
		t.Run(string(tt.txType), func(t *testing.T) {
			rows := Outcomes(events.NewTransactionProcessed(processedTransaction(tt.txType, domain.StatusCompleted)))
			if len(rows) != len(tt.wantUsers) {
				t.Fatalf("expected %d rows, got %d", len(tt.wantUsers), len(rows))
			}
			for i, row := range rows {
				if row.UserID != tt.wantUsers[i] || row.Direction != tt.wantDirect[i] {
					t.Errorf("row %d: got %s/%s", i, row.UserID, row.Direction)
				}
				if row.Amount.String() != "125.5" {
					t.Errorf("expected amount 125.5, got %s", row.Amount)
				}
			}
		})
	}
}

func TestProjector_AppliesOnce(t *testing.T) {
	store := &mockStore{MemoryStore: NewMemoryStore()}
	p := NewProjector(store, inbox.NewMemoryInbox(), zap.NewNop())

	tx := processedTransaction(domain.TransactionTypeTransfer, domain.StatusCompleted)
	env := events.NewEnvelope(events.NewTransactionProcessed(tx), tx.CorrelationID, time.Now())

	if res := p.Handle(context.Background(), message(t, env)); !res.IsAck() {
		t.Fatalf("expected ack, got %s", res)
	}

	// A republished event has a new message id but the same dedup key
	republished := events.NewEnvelope(events.NewTransactionProcessed(tx), tx.CorrelationID, time.Now())
	if res := p.Handle(context.Background(), message(t, republished)); !res.IsAck() {
		t.Fatalf("expected ack for duplicate, got %s", res)
	}

	if store.inserts != 1 {
		t.Errorf("expected one insert, got %d", store.inserts)
	}
	rows, _ := store.ListUserOutcomes(context.Background(), "u2", 10)
	if len(rows) != 1 || rows[0].CorrelationID != "abc-123" || rows[0].Status != "completed" {
		t.Errorf("unexpected outcome rows: %+v", rows)
	}
}

func TestProjector_StoreFailureRequeuesAndRetries(t *testing.T) {
	failing := true
	store := &mockStore{
		MemoryStore: NewMemoryStore(),
		insertFunc: func([]Outcome) error {
			if failing {
				return errors.New("clickhouse unavailable")
			}
			return nil
		},
	}
	p := NewProjector(store, inbox.NewMemoryInbox(), zap.NewNop())

	tx := processedTransaction(domain.TransactionTypeTransfer, domain.StatusFailed)
	tx.FailureReason = "insufficient funds"
	msg := message(t, events.NewEnvelope(events.NewTransactionProcessed(tx), tx.CorrelationID, time.Now()))

	if res := p.Handle(context.Background(), msg); !res.Requeue() {
		t.Fatalf("expected requeue, got %s", res)
	}

	failing = false
	if res := p.Handle(context.Background(), msg); !res.IsAck() {
		t.Fatalf("expected ack on retry, got %s", res)
	}
	rows, _ := store.ListUserOutcomes(context.Background(), "u1", 10)
	if len(rows) != 1 || rows[0].Reason != "insufficient funds" {
		t.Errorf("unexpected outcome rows: %+v", rows)
	}
}

func TestProjector_InFlightRequeues(t *testing.T) {
	in := inbox.NewMemoryInbox()
	p := NewProjector(NewMemoryStore(), in, zap.NewNop())

	tx := processedTransaction(domain.TransactionTypeTransfer, domain.StatusCompleted)
	env := events.NewEnvelope(events.NewTransactionProcessed(tx), "", time.Now())
	in.Begin(context.Background(), env.DedupKey())

	if res := p.Handle(context.Background(), message(t, env)); !res.Requeue() {
		t.Errorf("expected requeue while another consumer holds the key, got %s", res)
	}
}

func TestProjector_PoisonMessages(t *testing.T) {
	p := NewProjector(NewMemoryStore(), inbox.NewMemoryInbox(), zap.NewNop())

	pending := processedTransaction(domain.TransactionTypeTransfer, domain.StatusPending)
	created := events.NewEnvelope(events.NewTransactionCreated(pending), "", time.Now())

	tests := []struct {
		name string
		msg  broker.Message
	}{
		{name: "garbage", msg: broker.Message{Body: []byte("{"), Attempt: 1}},
		{name: "created event", msg: message(t, created)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := p.Handle(context.Background(), tt.msg); !res.Dropped() {
				t.Errorf("expected dead-letter, got %s", res)
			}
		})
	}
}
