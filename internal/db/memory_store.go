package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/domain"
)

// MemoryStore keeps transactions, accounts and customers in process memory.
// It implements domain.TransactionStore, domain.AccountRepository,
// domain.CustomerRepository and domain.TransactionManager with the same
// compare-and-set semantics as the PostgreSQL repositories.
//
// Writers are serialized: a WithTransaction call holds the write lock for
// its whole duration and rolls back its changes on error. Readers are not
// isolated from an in-flight transaction.
type MemoryStore struct {
	writeMu sync.Mutex

	mu           sync.RWMutex
	transactions map[string]*domain.Transaction
	byReference  map[string]string
	accounts     map[string]*domain.Account
	customers    map[string]*domain.CustomerSnapshot
}

type memTxKey struct{}

type memTx struct {
	undo []func()
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*domain.Transaction),
		byReference:  make(map[string]string),
		accounts:     make(map[string]*domain.Account),
		customers:    make(map[string]*domain.CustomerSnapshot),
	}
}

func memTxFrom(ctx context.Context) *memTx {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return tx
	}
	return nil
}

// WithTransaction runs fn with exclusive write access, undoing its writes
// if it returns an error. Nested calls join the outer transaction.
func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if memTxFrom(ctx) != nil {
		return fn(ctx)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx := &memTx{}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// write runs fn under the data lock, taking the write lock unless ctx is
// already inside a transaction.
func (s *MemoryStore) write(ctx context.Context, fn func(tx *memTx) error) error {
	tx := memTxFrom(ctx)
	if tx == nil {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(tx)
}

// saveTransaction records the prior version of id for rollback.
func (s *MemoryStore) saveTransaction(tx *memTx, id string) {
	if tx == nil {
		return
	}
	prev, existed := s.transactions[id]
	tx.undo = append(tx.undo, func() {
		if !existed {
			if t, ok := s.transactions[id]; ok && t.ExternalReference != "" {
				delete(s.byReference, t.ExternalReference)
			}
			delete(s.transactions, id)
			return
		}
		s.transactions[id] = prev
	})
}

func (s *MemoryStore) saveAccount(tx *memTx, userID string) {
	if tx == nil {
		return
	}
	prev, existed := s.accounts[userID]
	tx.undo = append(tx.undo, func() {
		if !existed {
			delete(s.accounts, userID)
			return
		}
		s.accounts[userID] = prev
	})
}

func cloneTransaction(t *domain.Transaction) *domain.Transaction {
	c := *t
	return &c
}

// Create persists a new PENDING transaction.
func (s *MemoryStore) Create(ctx context.Context, t *domain.Transaction) error {
	return s.write(ctx, func(tx *memTx) error {
		if _, exists := s.transactions[t.ID]; exists {
			return fmt.Errorf("transaction %s already exists", t.ID)
		}
		if t.ExternalReference != "" {
			if _, taken := s.byReference[t.ExternalReference]; taken {
				return fmt.Errorf("%w: %s", domain.ErrDuplicateExternalReference, t.ExternalReference)
			}
		}

		s.saveTransaction(tx, t.ID)
		s.transactions[t.ID] = cloneTransaction(t)
		if t.ExternalReference != "" {
			s.byReference[t.ExternalReference] = t.ID
		}
		return nil
	})
}

// GetByID retrieves a transaction by id.
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transactions[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return cloneTransaction(t), nil
}

// GetByExternalReference returns nil if no transaction carries ref.
func (s *MemoryStore) GetByExternalReference(ctx context.Context, ref string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byReference[ref]
	if !ok {
		return nil, nil
	}
	return cloneTransaction(s.transactions[id]), nil
}

// ListByUser returns one page of the user's transactions, newest first.
func (s *MemoryStore) ListByUser(ctx context.Context, userID string, page, limit int) ([]*domain.Transaction, int, error) {
	s.mu.RLock()
	var matched []*domain.Transaction
	for _, t := range s.transactions {
		if t.FromUserID == userID || t.ToUserID == userID {
			matched = append(matched, cloneTransaction(t))
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := (page - 1) * limit
	if start >= total {
		return []*domain.Transaction{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// Claim moves a PENDING transaction, or a PROCESSING one with an expired
// lease, to PROCESSING under token.
func (s *MemoryStore) Claim(ctx context.Context, id, token string, now time.Time, lease time.Duration) (*domain.Transaction, bool, error) {
	var (
		result *domain.Transaction
		won    bool
	)
	err := s.write(ctx, func(tx *memTx) error {
		t, ok := s.transactions[id]
		if !ok {
			return domain.ErrTransactionNotFound
		}

		claimable := t.Status == domain.StatusPending ||
			(t.Status == domain.StatusProcessing && (t.LeaseExpiresAt == nil || !t.LeaseExpiresAt.After(now)))
		if !claimable {
			result = cloneTransaction(t)
			return nil
		}

		s.saveTransaction(tx, id)
		updated := cloneTransaction(t)
		expires := now.Add(lease)
		updated.Status = domain.StatusProcessing
		updated.ClaimToken = token
		updated.LeaseExpiresAt = &expires
		updated.UpdatedAt = now
		s.transactions[id] = updated

		result = cloneTransaction(updated)
		won = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, won, nil
}

// ReleaseClaim expires the lease held by token.
func (s *MemoryStore) ReleaseClaim(ctx context.Context, id, token string, now time.Time) error {
	return s.write(ctx, func(tx *memTx) error {
		t, ok := s.transactions[id]
		if !ok || t.ClaimToken != token || t.Status != domain.StatusProcessing {
			return nil
		}

		s.saveTransaction(tx, id)
		updated := cloneTransaction(t)
		released := now
		updated.LeaseExpiresAt = &released
		updated.UpdatedAt = now
		s.transactions[id] = updated
		return nil
	})
}

// Finish moves a PROCESSING transaction held by token to a terminal status.
func (s *MemoryStore) Finish(ctx context.Context, id, token string, status domain.Status, reason string, now time.Time) (*domain.Transaction, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("finish requires a terminal status, got %q", status)
	}

	var result *domain.Transaction
	err := s.write(ctx, func(tx *memTx) error {
		t, ok := s.transactions[id]
		if !ok || t.ClaimToken != token || t.Status != domain.StatusProcessing {
			return domain.ErrClaimLost
		}

		s.saveTransaction(tx, id)
		updated := cloneTransaction(t)
		processedAt := now
		updated.Status = status
		updated.FailureReason = reason
		updated.ProcessedAt = &processedAt
		updated.UpdatedAt = now
		updated.LeaseExpiresAt = nil
		s.transactions[id] = updated

		result = cloneTransaction(updated)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkCreatedPublished records a confirmed TransactionCreated publication.
func (s *MemoryStore) MarkCreatedPublished(ctx context.Context, id string, now time.Time) error {
	return s.markPublished(ctx, id, func(t *domain.Transaction) { t.CreatedPublishedAt = &now })
}

// MarkProcessedPublished records a confirmed TransactionProcessed publication.
func (s *MemoryStore) MarkProcessedPublished(ctx context.Context, id string, now time.Time) error {
	return s.markPublished(ctx, id, func(t *domain.Transaction) { t.ProcessedPublishedAt = &now })
}

func (s *MemoryStore) markPublished(ctx context.Context, id string, mark func(*domain.Transaction)) error {
	return s.write(ctx, func(tx *memTx) error {
		t, ok := s.transactions[id]
		if !ok {
			return domain.ErrTransactionNotFound
		}
		s.saveTransaction(tx, id)
		updated := cloneTransaction(t)
		mark(updated)
		s.transactions[id] = updated
		return nil
	})
}

// ListStalled returns transactions that need TransactionCreated republished.
func (s *MemoryStore) ListStalled(ctx context.Context, c domain.StallCriteria) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Transaction
	for _, t := range s.transactions {
		lastPublished := t.CreatedAt
		if t.CreatedPublishedAt != nil {
			lastPublished = *t.CreatedPublishedAt
		}

		var stalled bool
		switch t.Status {
		case domain.StatusPending:
			stalled = (t.CreatedPublishedAt == nil && t.CreatedAt.Before(c.UnpublishedBefore)) ||
				lastPublished.Before(c.StaleBefore)
		case domain.StatusProcessing:
			stalled = t.LeaseExpiresAt != nil && t.LeaseExpiresAt.Before(c.Now) &&
				lastPublished.Before(c.StaleBefore)
		}
		if stalled {
			out = append(out, cloneTransaction(t))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if c.Limit > 0 && len(out) > c.Limit {
		out = out[:c.Limit]
	}
	return out, nil
}

// ListUnpublishedProcessed returns terminal transactions whose
// TransactionProcessed event was never confirmed.
func (s *MemoryStore) ListUnpublishedProcessed(ctx context.Context, before time.Time, limit int) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Transaction
	for _, t := range s.transactions {
		if t.Status.IsTerminal() && t.ProcessedPublishedAt == nil &&
			t.ProcessedAt != nil && t.ProcessedAt.Before(before) {
			out = append(out, cloneTransaction(t))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.Before(*out[j].ProcessedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LockOrOpen returns the user's account, opening a zero-balance one first.
func (s *MemoryStore) LockOrOpen(ctx context.Context, userID string) (*domain.Account, error) {
	var result domain.Account
	err := s.write(ctx, func(tx *memTx) error {
		a, ok := s.accounts[userID]
		if !ok {
			s.saveAccount(tx, userID)
			now := time.Now().UTC()
			a = &domain.Account{UserID: userID, CreatedAt: now, UpdatedAt: now}
			s.accounts[userID] = a
		}
		result = *a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Update persists changes to an existing account.
func (s *MemoryStore) Update(ctx context.Context, account *domain.Account) error {
	return s.write(ctx, func(tx *memTx) error {
		if _, ok := s.accounts[account.UserID]; !ok {
			return domain.ErrAccountNotFound
		}
		s.saveAccount(tx, account.UserID)
		updated := *account
		s.accounts[account.UserID] = &updated
		return nil
	})
}

// GetByUserID retrieves the account of a customer.
func (s *MemoryStore) GetByUserID(ctx context.Context, userID string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	c := *a
	return &c, nil
}

// SeedAccount sets the balance of a customer's account.
func (s *MemoryStore) SeedAccount(userID string, balance domain.Amount) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.accounts[userID] = &domain.Account{UserID: userID, Balance: balance, CreatedAt: now, UpdatedAt: now}
}

// Customers returns a view of the store implementing the customer directory.
func (s *MemoryStore) Customers() *MemoryCustomers {
	return &MemoryCustomers{store: s}
}

// MemoryCustomers is the in-memory customer directory. It is a separate
// type because domain.CustomerRepository and domain.TransactionStore both
// declare GetByID.
type MemoryCustomers struct {
	store *MemoryStore
}

// GetByID retrieves a customer by id.
func (c *MemoryCustomers) GetByID(ctx context.Context, id string) (*domain.CustomerSnapshot, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	customer, ok := c.store.customers[id]
	if !ok {
		return nil, domain.ErrCustomerNotFound
	}
	snapshot := *customer
	return &snapshot, nil
}

// Upsert creates or replaces a customer record.
func (c *MemoryCustomers) Upsert(ctx context.Context, customer *domain.CustomerSnapshot) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	stored := *customer
	c.store.customers[customer.ID] = &stored
	return nil
}
