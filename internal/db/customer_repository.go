package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/domain"
)

// CustomerRepository implements domain.CustomerRepository using PostgreSQL.
type CustomerRepository struct {
	pool *pgxpool.Pool
}

// NewCustomerRepository creates a new CustomerRepository.
func NewCustomerRepository(pool *pgxpool.Pool) *CustomerRepository {
	return &CustomerRepository{pool: pool}
}

// GetByID retrieves a customer by id.
func (r *CustomerRepository) GetByID(ctx context.Context, id string) (*domain.CustomerSnapshot, error) {
	query := `SELECT id, name, email, is_active FROM customers WHERE id = $1`

	var c domain.CustomerSnapshot
	err := conn(ctx, r.pool).QueryRow(ctx, query, id).Scan(&c.ID, &c.Name, &c.Email, &c.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCustomerNotFound
		}
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return &c, nil
}

// Upsert creates or replaces a customer record.
func (r *CustomerRepository) Upsert(ctx context.Context, c *domain.CustomerSnapshot) error {
	query := `
		INSERT INTO customers (id, name, email, is_active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, email = EXCLUDED.email, is_active = EXCLUDED.is_active
	`

	if _, err := conn(ctx, r.pool).Exec(ctx, query, c.ID, c.Name, c.Email, c.IsActive); err != nil {
		return fmt.Errorf("failed to upsert customer: %w", err)
	}
	return nil
}
