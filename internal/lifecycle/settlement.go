package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/domain"
)

// Settler applies the effects of a claimed transaction. It runs inside the
// database transaction that also records the terminal status, so its
// writes commit only if the claim is still held.
//
// A *Rejection error fails the transaction for good. Any other error is
// treated as transient and the message is retried.
type Settler interface {
	Settle(ctx context.Context, tx *domain.Transaction) error
}

// SettlerFunc adapts a function to Settler.
type SettlerFunc func(ctx context.Context, tx *domain.Transaction) error

// Settle implements Settler.
func (f SettlerFunc) Settle(ctx context.Context, tx *domain.Transaction) error { return f(ctx, tx) }

// Rejection is a business failure of settlement. The transaction moves to
// FAILED with Reason.
type Rejection struct {
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return r.Reason + ": " + r.Err.Error()
	}
	return r.Reason
}

func (r *Rejection) Unwrap() error { return r.Err }

// Reject builds a Rejection.
func Reject(reason string, err error) error {
	return &Rejection{Reason: reason, Err: err}
}

// Registry dispatches settlement by transaction type.
type Registry map[domain.TransactionType]Settler

// Settle implements Settler. Types without a registered strategy are rejected.
func (r Registry) Settle(ctx context.Context, tx *domain.Transaction) error {
	s, ok := r[tx.Type]
	if !ok {
		return Reject(fmt.Sprintf("unsupported transaction type %q", tx.Type), nil)
	}
	return s.Settle(ctx, tx)
}

// BalanceSettler moves money between customer accounts.
//
//	transfer:   debit FromUserID, credit ToUserID
//	deposit:    credit ToUserID
//	withdrawal: debit FromUserID
//
// Accounts are locked in a deterministic order to prevent deadlocks
// between concurrent settlements.
type BalanceSettler struct {
	accounts domain.AccountRepository
	now      func() time.Time
}

// NewBalanceSettler creates a BalanceSettler.
func NewBalanceSettler(accounts domain.AccountRepository) *BalanceSettler {
	return &BalanceSettler{
		accounts: accounts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// DefaultRegistry settles every built-in type against account balances.
func DefaultRegistry(accounts domain.AccountRepository) Registry {
	s := NewBalanceSettler(accounts)
	return Registry{
		domain.TransactionTypeTransfer:   s,
		domain.TransactionTypeDeposit:    s,
		domain.TransactionTypeWithdrawal: s,
	}
}

// Settle implements Settler.
func (s *BalanceSettler) Settle(ctx context.Context, tx *domain.Transaction) error {
	var debit, credit string
	switch tx.Type {
	case domain.TransactionTypeTransfer:
		debit, credit = tx.FromUserID, tx.ToUserID
	case domain.TransactionTypeDeposit:
		credit = tx.ToUserID
	case domain.TransactionTypeWithdrawal:
		debit = tx.FromUserID
	default:
		return Reject(fmt.Sprintf("unsupported transaction type %q", tx.Type), nil)
	}

	accounts, err := s.lock(ctx, debit, credit)
	if err != nil {
		return err
	}

	now := s.now()
	if debit != "" {
		if err := accounts[debit].Debit(tx.Amount, now); err != nil {
			if errors.Is(err, domain.ErrInsufficientFunds) {
				return Reject("insufficient funds", err)
			}
			return Reject("failed to debit account", err)
		}
	}
	if credit != "" {
		if err := accounts[credit].Credit(tx.Amount, now); err != nil {
			return Reject("failed to credit account", err)
		}
	}

	for _, id := range sortedParties(debit, credit) {
		if err := s.accounts.Update(ctx, accounts[id]); err != nil {
			return fmt.Errorf("failed to update account %s: %w", id, err)
		}
	}
	return nil
}

func (s *BalanceSettler) lock(ctx context.Context, parties ...string) (map[string]*domain.Account, error) {
	locked := make(map[string]*domain.Account, len(parties))
	for _, id := range sortedParties(parties...) {
		account, err := s.accounts.LockOrOpen(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to lock account %s: %w", id, err)
		}
		locked[id] = account
	}
	return locked, nil
}

// sortedParties returns the distinct non-empty ids in lock order.
func sortedParties(ids ...string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LimitSettler rejects amounts above Max before delegating to Next.
type LimitSettler struct {
	Max  domain.Amount
	Next Settler
}

// Settle implements Settler.
func (l LimitSettler) Settle(ctx context.Context, tx *domain.Transaction) error {
	if l.Max > 0 && tx.Amount > l.Max {
		return Reject(fmt.Sprintf("amount %s exceeds single transaction limit %s", tx.Amount, l.Max), nil)
	}
	return l.Next.Settle(ctx, tx)
}
