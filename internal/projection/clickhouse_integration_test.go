package projection

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"go.uber.org/zap"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/config"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/domain"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/events"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/inbox"
)

func TestClickHouseStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:23.3.8.21-alpine",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword("clickhouse"),
		clickhouse.WithDatabase("default"),
	)
	if err != nil {
		t.Fatalf("failed to start ClickHouse container: %v", err)
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate ClickHouse container: %v", err)
		}
	}()

	host, err := container.ConnectionHost(ctx)
	if err != nil {
		t.Fatalf("failed to get ClickHouse host: %v", err)
	}

	conn, err := Open(ctx, config.ClickHouseConfig{
		Host:     host,
		Database: "default",
		User:     "default",
		Password: "clickhouse",
	})
	if err != nil {
		t.Fatalf("failed to connect to ClickHouse: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, conn); err != nil {
			t.Fatalf("migration failed: %v", err)
		}
	}

	store := NewClickHouseStore(conn)
	projector := NewProjector(store, inbox.NewMemoryInbox(), zap.NewNop())

	tx := processedTransaction(domain.TransactionTypeTransfer, domain.StatusCompleted)
	env := events.NewEnvelope(events.NewTransactionProcessed(tx), tx.CorrelationID, time.Now())
	if res := projector.Handle(ctx, message(t, env)); !res.IsAck() {
		t.Fatalf("expected ack, got %s", res)
	}

	// A duplicate insert that bypassed the inbox collapses on read
	if err := store.InsertOutcomes(ctx, Outcomes(events.NewTransactionProcessed(tx))); err != nil {
		t.Fatalf("duplicate insert failed: %v", err)
	}

	rows, err := store.ListUserOutcomes(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one outcome for u1, got %d", len(rows))
	}
	got := rows[0]
	if got.Direction != Debit || got.CounterpartyID != "u2" || got.Status != "completed" {
		t.Errorf("unexpected outcome: %+v", got)
	}
	if got.Amount.StringFixed(2) != "125.50" {
		t.Errorf("expected amount 125.50, got %s", got.Amount.StringFixed(2))
	}
	if !got.ProcessedAt.Equal(*tx.ProcessedAt) {
		t.Errorf("expected processed_at %s, got %s", tx.ProcessedAt, got.ProcessedAt)
	}
}
