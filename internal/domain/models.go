package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transaction is a money movement between two customers of record.
// It is created in PENDING status on admission and only moves forward
// through the lifecycle; rows are never deleted.
type Transaction struct {
	ID                string          // Immutable identifier assigned on admission
	FromUserID        string          // Customer debited (transfer, withdrawal)
	ToUserID          string          // Customer credited (transfer, deposit)
	Amount            Amount          // Positive amount in minor units
	Type              TransactionType // Settlement strategy selector
	Status            Status          // Current lifecycle state
	Description       string          // Optional free text
	ExternalReference string          // Optional caller-supplied idempotency key
	CorrelationID     string          // Correlation id of the admitting request
	FailureReason     string          // Set when Status is FAILED
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ProcessedAt       *time.Time // Set only on terminal states

	// Processing bookkeeping.
	ClaimToken           string     // Token of the worker currently holding the claim
	LeaseExpiresAt       *time.Time // Claim lease; an expired lease may be re-claimed
	CreatedPublishedAt   *time.Time // Last confirmed TransactionCreated publication
	ProcessedPublishedAt *time.Time // Confirmed TransactionProcessed publication
}

// TransactionType selects how a transaction is settled.
type TransactionType string

const (
	TransactionTypeTransfer   TransactionType = "transfer"
	TransactionTypeDeposit    TransactionType = "deposit"
	TransactionTypeWithdrawal TransactionType = "withdrawal"
)

// Status is a lifecycle state.
type Status string

const (
	// StatusPending is the initial state after admission.
	StatusPending Status = "pending"

	// StatusProcessing means a worker claimed the transaction for settlement.
	StatusProcessing Status = "processing"

	// StatusCompleted is the terminal success state.
	StatusCompleted Status = "completed"

	// StatusFailed is the terminal failure state.
	StatusFailed Status = "failed"
)

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next keeps the
// lifecycle monotonic. Re-claiming a PROCESSING transaction is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessing || next.IsTerminal()
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CustomerSnapshot is the read-only view of a customer of record used to
// gate admission. It is never cached as authoritative state.
type CustomerSnapshot struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	IsActive bool   `json:"isActive"`
}

// CreateRequest is an inbound admission request.
type CreateRequest struct {
	FromUserID        string
	ToUserID          string
	Amount            Amount
	Type              TransactionType
	Description       string
	ExternalReference string
}

// NewTransaction creates a PENDING transaction from an admitted request.
func NewTransaction(req CreateRequest, correlationID string, now time.Time) *Transaction {
	return &Transaction{
		ID:                uuid.NewString(),
		FromUserID:        req.FromUserID,
		ToUserID:          req.ToUserID,
		Amount:            req.Amount,
		Type:              req.Type,
		Status:            StatusPending,
		Description:       req.Description,
		ExternalReference: req.ExternalReference,
		CorrelationID:     correlationID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Account is a customer balance used by the default settlement strategy.
type Account struct {
	UserID    string
	Balance   Amount
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Debit subtracts amount from the balance.
// Returns ErrInsufficientFunds if the balance would go negative.
func (a *Account) Debit(amount Amount, now time.Time) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !a.HasSufficientFunds(amount) {
		return ErrInsufficientFunds
	}
	a.Balance -= amount
	a.UpdatedAt = now
	return nil
}

// Credit adds amount to the balance.
func (a *Account) Credit(amount Amount, now time.Time) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	a.Balance += amount
	a.UpdatedAt = now
	return nil
}

// HasSufficientFunds checks if the account can cover amount.
func (a *Account) HasSufficientFunds(amount Amount) bool {
	return a.Balance >= amount
}
