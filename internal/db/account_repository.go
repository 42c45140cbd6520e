package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/domain"
)

// AccountRepository implements domain.AccountRepository using PostgreSQL.
type AccountRepository struct {
	pool *pgxpool.Pool
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{
		pool: pool,
	}
}

// GetByUserID retrieves the account of a customer.
func (r *AccountRepository) GetByUserID(ctx context.Context, userID string) (*domain.Account, error) {
	query := `
		SELECT user_id, balance, created_at, updated_at
		FROM accounts
		WHERE user_id = $1
	`

	account, err := scanAccount(conn(ctx, r.pool).QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// Update persists changes to an existing account.
func (r *AccountRepository) Update(ctx context.Context, account *domain.Account) error {
	query := `
		UPDATE accounts
		SET balance = $2,
		    updated_at = $3
		WHERE user_id = $1
	`

	result, err := conn(ctx, r.pool).Exec(ctx, query,
		account.UserID,
		int64(account.Balance),
		account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}

	return nil
}

// LockOrOpen acquires a pessimistic lock on the account for the duration of
// the transaction, opening a zero-balance account first if needed.
// This method MUST be called within a transaction context.
func (r *AccountRepository) LockOrOpen(ctx context.Context, userID string) (*domain.Account, error) {
	tx := getTx(ctx)
	if tx == nil {
		return nil, errors.New("LockOrOpen requires a transaction context")
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO accounts (user_id, balance) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open account: %w", err)
	}

	query := `
		SELECT user_id, balance, created_at, updated_at
		FROM accounts
		WHERE user_id = $1
		FOR UPDATE
	`

	account, err := scanAccount(tx.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	return account, nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var account domain.Account
	var balance int64

	if err := row.Scan(&account.UserID, &balance, &account.CreatedAt, &account.UpdatedAt); err != nil {
		return nil, err
	}
	account.Balance = domain.Amount(balance)
	return &account, nil
}
