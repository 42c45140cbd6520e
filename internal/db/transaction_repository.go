package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/domain"
)

const transactionColumns = `
	id, from_user_id, to_user_id, amount, type, status,
	description, external_reference, correlation_id, failure_reason,
	claim_token, lease_expires_at, created_published_at, processed_published_at,
	created_at, updated_at, processed_at`

// TransactionRepository implements domain.TransactionStore using PostgreSQL.
type TransactionRepository struct {
	pool *pgxpool.Pool
}

// NewTransactionRepository creates a new TransactionRepository.
func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{
		pool: pool,
	}
}

// Create persists a new transaction record.
func (r *TransactionRepository) Create(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, from_user_id, to_user_id, amount, type, status,
			description, external_reference, correlation_id,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := conn(ctx, r.pool).Exec(ctx, query,
		tx.ID,
		tx.FromUserID,
		tx.ToUserID,
		int64(tx.Amount),
		string(tx.Type),
		string(tx.Status),
		tx.Description,
		nullableString(tx.ExternalReference),
		tx.CorrelationID,
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) && tx.ExternalReference != "" {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateExternalReference, tx.ExternalReference)
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	return nil
}

// GetByID retrieves a transaction by its unique identifier.
func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	tx, err := scanTransaction(conn(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction by ID: %w", err)
	}
	return tx, nil
}

// GetByExternalReference retrieves a transaction by its external reference.
func (r *TransactionRepository) GetByExternalReference(ctx context.Context, ref string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE external_reference = $1`

	tx, err := scanTransaction(conn(ctx, r.pool).QueryRow(ctx, query, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // No transaction carries this reference
		}
		return nil, fmt.Errorf("failed to get transaction by external reference: %w", err)
	}
	return tx, nil
}

// ListByUser returns one page of the user's transactions, newest first.
func (r *TransactionRepository) ListByUser(ctx context.Context, userID string, page, limit int) ([]*domain.Transaction, int, error) {
	q := conn(ctx, r.pool)

	var total int
	err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM transactions WHERE from_user_id = $1 OR to_user_id = $1`,
		userID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE from_user_id = $1 OR to_user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	rows, err := q.Query(ctx, query, userID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}

	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, total, nil
}

// Claim moves a PENDING transaction, or a PROCESSING one whose lease has
// expired, to PROCESSING under token. The conditional UPDATE takes the row
// lock, so concurrent claims on the same id serialize and only one wins.
func (r *TransactionRepository) Claim(ctx context.Context, id, token string, now time.Time, lease time.Duration) (*domain.Transaction, bool, error) {
	query := `
		UPDATE transactions
		SET status = 'processing',
		    claim_token = $2,
		    lease_expires_at = $4,
		    updated_at = $3
		WHERE id = $1
		  AND (status = 'pending'
		       OR (status = 'processing' AND (lease_expires_at IS NULL OR lease_expires_at <= $3)))
		RETURNING ` + transactionColumns

	tx, err := scanTransaction(conn(ctx, r.pool).QueryRow(ctx, query, id, token, now, now.Add(lease)))
	if err == nil {
		return tx, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to claim transaction: %w", err)
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// ReleaseClaim expires the lease held by token.
func (r *TransactionRepository) ReleaseClaim(ctx context.Context, id, token string, now time.Time) error {
	query := `
		UPDATE transactions
		SET lease_expires_at = $3,
		    updated_at = $3
		WHERE id = $1 AND claim_token = $2 AND status = 'processing'
	`

	if _, err := conn(ctx, r.pool).Exec(ctx, query, id, token, now); err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

// Finish moves a PROCESSING transaction held by token to a terminal status.
func (r *TransactionRepository) Finish(ctx context.Context, id, token string, status domain.Status, reason string, now time.Time) (*domain.Transaction, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("finish requires a terminal status, got %q", status)
	}

	query := `
		UPDATE transactions
		SET status = $3,
		    failure_reason = $4,
		    processed_at = $5,
		    updated_at = $5,
		    lease_expires_at = NULL
		WHERE id = $1 AND claim_token = $2 AND status = 'processing'
		RETURNING ` + transactionColumns

	tx, err := scanTransaction(conn(ctx, r.pool).QueryRow(ctx, query, id, token, string(status), reason, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrClaimLost
		}
		return nil, fmt.Errorf("failed to finish transaction: %w", err)
	}
	return tx, nil
}

// MarkCreatedPublished records a confirmed TransactionCreated publication.
func (r *TransactionRepository) MarkCreatedPublished(ctx context.Context, id string, now time.Time) error {
	return r.markPublished(ctx, `UPDATE transactions SET created_published_at = $2 WHERE id = $1`, id, now)
}

// MarkProcessedPublished records a confirmed TransactionProcessed publication.
func (r *TransactionRepository) MarkProcessedPublished(ctx context.Context, id string, now time.Time) error {
	return r.markPublished(ctx, `UPDATE transactions SET processed_published_at = $2 WHERE id = $1`, id, now)
}

func (r *TransactionRepository) markPublished(ctx context.Context, query, id string, now time.Time) error {
	result, err := conn(ctx, r.pool).Exec(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("failed to mark transaction published: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrTransactionNotFound
	}
	return nil
}

// ListStalled returns transactions that need TransactionCreated republished.
func (r *TransactionRepository) ListStalled(ctx context.Context, c domain.StallCriteria) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE (status = 'pending' AND created_published_at IS NULL AND created_at < $1)
		   OR (status = 'pending' AND COALESCE(created_published_at, created_at) < $2)
		   OR (status = 'processing' AND lease_expires_at < $3
		       AND COALESCE(created_published_at, created_at) < $2)
		ORDER BY created_at
		LIMIT $4`

	rows, err := conn(ctx, r.pool).Query(ctx, query, c.UnpublishedBefore, c.StaleBefore, c.Now, c.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled transactions: %w", err)
	}
	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled transactions: %w", err)
	}
	return txs, nil
}

// ListUnpublishedProcessed returns terminal transactions whose
// TransactionProcessed event was never confirmed.
func (r *TransactionRepository) ListUnpublishedProcessed(ctx context.Context, before time.Time, limit int) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status IN ('completed', 'failed')
		  AND processed_published_at IS NULL
		  AND processed_at < $1
		ORDER BY processed_at
		LIMIT $2`

	rows, err := conn(ctx, r.pool).Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unpublished transactions: %w", err)
	}
	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list unpublished transactions: %w", err)
	}
	return txs, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tx                    domain.Transaction
		amount                int64
		txType, status        string
		externalRef, claimTok *string
	)

	err := row.Scan(
		&tx.ID,
		&tx.FromUserID,
		&tx.ToUserID,
		&amount,
		&txType,
		&status,
		&tx.Description,
		&externalRef,
		&tx.CorrelationID,
		&tx.FailureReason,
		&claimTok,
		&tx.LeaseExpiresAt,
		&tx.CreatedPublishedAt,
		&tx.ProcessedPublishedAt,
		&tx.CreatedAt,
		&tx.UpdatedAt,
		&tx.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Amount = domain.Amount(amount)
	tx.Type = domain.TransactionType(txType)
	tx.Status = domain.Status(status)
	if externalRef != nil {
		tx.ExternalReference = *externalRef
	}
	if claimTok != nil {
		tx.ClaimToken = *claimTok
	}
	return &tx, nil
}

func collectTransactions(rows pgx.Rows) ([]*domain.Transaction, error) {
	defer rows.Close()

	var txs []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
