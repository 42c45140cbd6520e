package domain

import (
	"context"
	"time"
)

// TransactionStore is the durable record of transactions.
// Status changes go through Claim and Finish, which are compare-and-set
// operations so concurrent workers serialize per transaction id.
type TransactionStore interface {
	// Create persists a new PENDING transaction.
	// Returns ErrDuplicateExternalReference if the external reference is taken.
	Create(ctx context.Context, tx *Transaction) error

	// GetByID returns ErrTransactionNotFound if no transaction has the id.
	GetByID(ctx context.Context, id string) (*Transaction, error)

	// GetByExternalReference returns nil if no transaction carries the reference.
	GetByExternalReference(ctx context.Context, ref string) (*Transaction, error)

	// ListByUser returns one page of transactions where the user is either
	// party, newest first, along with the total count.
	ListByUser(ctx context.Context, userID string, page, limit int) ([]*Transaction, int, error)

	// Claim moves a PENDING transaction (or a PROCESSING one whose lease
	// expired) to PROCESSING under token until now+lease. It returns the
	// current row and whether the claim was won.
	Claim(ctx context.Context, id, token string, now time.Time, lease time.Duration) (*Transaction, bool, error)

	// ReleaseClaim expires the lease held by token without changing status,
	// so a redelivered message can re-claim the transaction.
	ReleaseClaim(ctx context.Context, id, token string, now time.Time) error

	// Finish moves a PROCESSING transaction held by token to a terminal
	// status and stamps ProcessedAt. Returns ErrClaimLost if the token no
	// longer holds the claim.
	Finish(ctx context.Context, id, token string, status Status, reason string, now time.Time) (*Transaction, error)

	// MarkCreatedPublished records a confirmed TransactionCreated publication.
	MarkCreatedPublished(ctx context.Context, id string, now time.Time) error

	// MarkProcessedPublished records a confirmed TransactionProcessed publication.
	MarkProcessedPublished(ctx context.Context, id string, now time.Time) error

	// ListStalled returns transactions whose TransactionCreated event must be
	// republished: see StallCriteria.
	ListStalled(ctx context.Context, c StallCriteria) ([]*Transaction, error)

	// ListUnpublishedProcessed returns terminal transactions processed before
	// the given time whose TransactionProcessed event was never confirmed.
	ListUnpublishedProcessed(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
}

// StallCriteria selects transactions that need TransactionCreated republished:
//   - PENDING with no confirmed publication, created before UnpublishedBefore
//   - PENDING whose last publication (or creation) is before StaleBefore
//   - PROCESSING whose lease expired before Now and whose last publication is before StaleBefore
type StallCriteria struct {
	UnpublishedBefore time.Time
	StaleBefore       time.Time
	Now               time.Time
	Limit             int
}

// AccountRepository defines the interface for account data access operations.
// It backs the default balance settlement strategy.
type AccountRepository interface {
	// LockOrOpen acquires a row lock on the user's account for the duration
	// of the surrounding database transaction, opening a zero-balance
	// account first if none exists. Must be called within a transaction context.
	LockOrOpen(ctx context.Context, userID string) (*Account, error)

	// Update persists changes to an existing account.
	Update(ctx context.Context, account *Account) error

	// GetByUserID returns ErrAccountNotFound if the user has no account.
	GetByUserID(ctx context.Context, userID string) (*Account, error)
}

// CustomerRepository is the read side of the customer directory.
type CustomerRepository interface {
	// GetByID returns ErrCustomerNotFound if the customer doesn't exist.
	GetByID(ctx context.Context, id string) (*CustomerSnapshot, error)
}

// TransactionManager defines the interface for managing database transactions.
// This abstraction allows the service layer to work with transactions
// without being coupled to a specific database implementation.
type TransactionManager interface {
	// WithTransaction executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// CustomerValidator confirms a customer exists and is active before admission.
type CustomerValidator interface {
	Validate(ctx context.Context, userID string) (*CustomerSnapshot, error)
}
