package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestReconciler_RepublishesUnconfirmedProcessed(t *testing.T) {
	h := newHarness(t)
	h.store.SeedAccount("u1", 1000)

	result, err := h.engine.Admit(context.Background(), transferRequest())
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	env := h.publisher.onTopic(createdTopic)[0]

	h.publisher.setFail(func(topic string) error {
		if topic == processedTopic {
			return errors.New("broker unavailable")
		}
		return nil
	})
	// Last attempt: the consumer gives up on publishing and acknowledges
	if res := h.engine.HandleTransactionCreated(context.Background(), deliver(t, env, 3)); !res.IsAck() {
		t.Fatalf("expected ack on last attempt, got %s", res)
	}
	h.publisher.setFail(nil)

	reconciler := NewReconciler(ReconcilerConfig{PublishGrace: time.Minute}, h.store, h.engine, zap.NewNop())
	h.clock.Advance(2 * time.Minute)

	res, err := reconciler.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if res.Processed != 1 || res.Created != 0 {
		t.Fatalf("unexpected sweep result: %+v", res)
	}

	processed := h.publisher.onTopic(processedTopic)
	if len(processed) != 1 || processed[0].CorrelationID != result.Transaction.CorrelationID {
		t.Fatalf("expected republished TransactionProcessed, got %+v", processed)
	}

	// Once confirmed nothing is left to reconcile
	res, _ = reconciler.Sweep(context.Background())
	if res.Processed != 0 {
		t.Errorf("expected idle sweep, got %+v", res)
	}
}

func TestReconciler_RepublishesAbandonedClaim(t *testing.T) {
	h := newHarness(t)
	h.store.SeedAccount("u1", 1000)

	result, err := h.engine.Admit(context.Background(), transferRequest())
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}

	// A worker claimed the transaction and died without releasing it
	if _, won, err := h.store.Claim(context.Background(), result.Transaction.ID, "dead-worker", h.clock.Now(), time.Minute); err != nil || !won {
		t.Fatalf("claim failed: won=%v err=%v", won, err)
	}

	reconciler := NewReconciler(ReconcilerConfig{PublishGrace: time.Minute, StaleAfter: 10 * time.Minute}, h.store, h.engine, zap.NewNop())

	h.clock.Advance(5 * time.Minute)
	if res, _ := reconciler.Sweep(context.Background()); res.Created != 0 {
		t.Fatalf("expected no republish before the transaction is stale, got %+v", res)
	}

	h.clock.Advance(10 * time.Minute)
	res, err := reconciler.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if res.Created != 1 {
		t.Fatalf("expected TransactionCreated republished, got %+v", res)
	}

	created := h.publisher.onTopic(createdTopic)
	if len(created) != 2 {
		t.Fatalf("expected original and republished event, got %d", len(created))
	}

	// The redelivered event re-claims the expired lease and settles once
	if r := h.engine.HandleTransactionCreated(context.Background(), deliver(t, created[1], 1)); !r.IsAck() {
		t.Fatalf("expected ack, got %s", r)
	}
	from, _ := h.store.GetByUserID(context.Background(), "u1")
	if from.Balance != 900 {
		t.Errorf("expected a single debit, balance is %d", from.Balance)
	}
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	reconciler := NewReconciler(ReconcilerConfig{Interval: time.Millisecond}, h.store, h.engine, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reconciler.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
