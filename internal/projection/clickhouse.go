package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/config"
)

// Open connects to ClickHouse and verifies the connection.
func Open(ctx context.Context, cfg config.ClickHouseConfig) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Host},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return conn, nil
}

// Migrate creates the outcome table. Rows are deduplicated on merge by
// (user_id, transaction_id), keeping the highest version.
func Migrate(ctx context.Context, conn driver.Conn) error {
	query := `
	CREATE TABLE IF NOT EXISTS transaction_outcomes (
		transaction_id String,
		user_id String,
		counterparty_id String,
		direction Enum8('debit' = 1, 'credit' = 2),
		transaction_type LowCardinality(String),
		status Enum8('completed' = 1, 'failed' = 2),
		amount Decimal(18, 2),
		reason String,
		correlation_id String,
		processed_at DateTime64(3),
		version UInt64
	) ENGINE = ReplacingMergeTree(version)
	ORDER BY (user_id, transaction_id)
	`
	if err := conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create transaction_outcomes: %w", err)
	}
	return nil
}

// ClickHouseStore persists outcomes in ClickHouse.
type ClickHouseStore struct {
	conn driver.Conn
}

// NewClickHouseStore creates a ClickHouseStore.
func NewClickHouseStore(conn driver.Conn) *ClickHouseStore {
	return &ClickHouseStore{conn: conn}
}

// InsertOutcomes implements OutcomeStore.
func (s *ClickHouseStore) InsertOutcomes(ctx context.Context, outcomes []Outcome) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO transaction_outcomes")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, o := range outcomes {
		if err := batch.Append(
			o.TransactionID,
			o.UserID,
			o.CounterpartyID,
			string(o.Direction),
			o.Type,
			o.Status,
			o.Amount,
			o.Reason,
			o.CorrelationID,
			o.ProcessedAt,
			uint64(o.ProcessedAt.UnixMilli()),
		); err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append outcome %s: %w", o.TransactionID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert outcomes: %w", err)
	}
	return nil
}

// ListUserOutcomes implements OutcomeStore.
func (s *ClickHouseStore) ListUserOutcomes(ctx context.Context, userID string, limit int) ([]Outcome, error) {
	query := `
		SELECT
			transaction_id, user_id, counterparty_id, toString(direction),
			transaction_type, toString(status), amount, reason, correlation_id, processed_at
		FROM transaction_outcomes FINAL
		WHERE user_id = ?
		ORDER BY processed_at DESC
		LIMIT ?
	`

	rows, err := s.conn.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes for user %s: %w", userID, err)
	}
	defer rows.Close()

	var outcomes []Outcome
	for rows.Next() {
		var (
			o           Outcome
			direction   string
			amount      decimal.Decimal
			processedAt time.Time
		)
		if err := rows.Scan(
			&o.TransactionID,
			&o.UserID,
			&o.CounterpartyID,
			&direction,
			&o.Type,
			&o.Status,
			&amount,
			&o.Reason,
			&o.CorrelationID,
			&processedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outcome row: %w", err)
		}
		o.Direction = Direction(direction)
		o.Amount = amount
		o.ProcessedAt = processedAt.UTC()
		outcomes = append(outcomes, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcome rows: %w", err)
	}
	return outcomes, nil
}
