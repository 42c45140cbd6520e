// Package lifecycle drives transactions from admission to a terminal
// status.
//
// Admission validates a request, persists a PENDING transaction and
// publishes TransactionCreated. Processing consumes TransactionCreated,
// claims the transaction, settles it and publishes TransactionProcessed.
// Every step is safe to repeat: redelivered messages, republished events
// and concurrent workers never apply a transaction twice.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/broker"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/correlation"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/domain"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/events"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/logging"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/metrics"
)

const (
	// DefaultPageLimit is used when a listing omits or zeroes the limit.
	DefaultPageLimit = 10

	// MaxPageLimit caps the page size of a listing.
	MaxPageLimit = 100

	reasonRetryExhausted = "retry budget exhausted"
)

// Config tunes the engine.
type Config struct {
	CreatedTopic   string
	ProcessedTopic string

	// MaxAttempts bounds deliveries of one TransactionCreated message
	// before a transient failure becomes a terminal FAILED.
	MaxAttempts int

	// LeaseDuration is how long a claim protects a PROCESSING transaction
	// from being re-claimed by another worker.
	LeaseDuration time.Duration

	PublishTimeout       time.Duration
	PublishMaxRetries    uint64
	PublishRetryInterval time.Duration
}

// Deps are the collaborators of the engine.
type Deps struct {
	Store     domain.TransactionStore
	TxManager domain.TransactionManager
	Customers domain.CustomerValidator
	Publisher broker.Publisher
	Settler   Settler
	Logger    *zap.Logger

	// Clock and NewClaimToken default to time.Now and uuid.NewString.
	Clock         func() time.Time
	NewClaimToken func() string
}

// Engine implements the transaction lifecycle.
type Engine struct {
	cfg       Config
	store     domain.TransactionStore
	txManager domain.TransactionManager
	customers domain.CustomerValidator
	publisher broker.Publisher
	settler   Settler
	logger    *zap.Logger
	clock     func() time.Time
	newToken  func() string
}

// NewEngine creates an Engine.
func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.PublishRetryInterval <= 0 {
		cfg.PublishRetryInterval = 200 * time.Millisecond
	}

	e := &Engine{
		cfg:       cfg,
		store:     deps.Store,
		txManager: deps.TxManager,
		customers: deps.Customers,
		publisher: deps.Publisher,
		settler:   deps.Settler,
		logger:    deps.Logger,
		clock:     deps.Clock,
		newToken:  deps.NewClaimToken,
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.newToken == nil {
		e.newToken = uuid.NewString
	}
	return e
}

func (e *Engine) now() time.Time { return e.clock().UTC() }

// AdmissionResult is the outcome of a successful admission.
type AdmissionResult struct {
	Transaction *domain.Transaction

	// Replayed is set when the external reference matched an existing
	// transaction; nothing new was created or published.
	Replayed bool

	// PublishDeferred is set when the transaction was persisted but
	// TransactionCreated could not be confirmed. The reconciler will
	// publish it later.
	PublishDeferred bool
}

// Admit validates req and creates a PENDING transaction.
//
// Errors wrap domain.ErrValidation, domain.ErrCustomerInactive,
// domain.ErrCustomerNotFound, domain.ErrCustomerUnresolvable or
// domain.ErrPersistence. If ctx is cancelled before the transaction is
// persisted nothing is stored; once persisted, publication completes on a
// context detached from the caller.
func (e *Engine) Admit(ctx context.Context, req domain.CreateRequest) (*AdmissionResult, error) {
	ctx, correlationID := correlation.Ensure(ctx)
	log := logging.FromContext(ctx, e.logger)

	if err := domain.ValidateCreateRequest(req); err != nil {
		metrics.Admissions.WithLabelValues("rejected").Inc()
		return nil, err
	}
	req.Type, _ = domain.ParseTransactionType(string(req.Type))

	if req.ExternalReference != "" {
		existing, err := e.store.GetByExternalReference(ctx, req.ExternalReference)
		if err != nil {
			metrics.Admissions.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
		}
		if existing != nil {
			metrics.Admissions.WithLabelValues("replayed").Inc()
			log.Info("admission replayed by external reference",
				zap.String("transaction_id", existing.ID),
				zap.String("external_reference", req.ExternalReference),
			)
			return &AdmissionResult{Transaction: existing, Replayed: true}, nil
		}
	}

	if err := e.validateParties(ctx, req); err != nil {
		outcome := "rejected"
		if errors.Is(err, domain.ErrCustomerUnresolvable) {
			outcome = "error"
		}
		metrics.Admissions.WithLabelValues(outcome).Inc()
		return nil, err
	}

	// Nothing has been written yet: honour cancellation.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx := domain.NewTransaction(req, correlationID, e.now())
	if err := e.store.Create(ctx, tx); err != nil {
		if errors.Is(err, domain.ErrDuplicateExternalReference) {
			// Lost a race with a concurrent admission of the same reference.
			existing, getErr := e.store.GetByExternalReference(ctx, req.ExternalReference)
			if getErr == nil && existing != nil {
				metrics.Admissions.WithLabelValues("replayed").Inc()
				return &AdmissionResult{Transaction: existing, Replayed: true}, nil
			}
		}
		metrics.Admissions.WithLabelValues("error").Inc()
		log.Error("failed to persist transaction", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	log = log.With(zap.String("transaction_id", tx.ID))
	log.Info("transaction admitted",
		zap.String("type", string(tx.Type)),
		zap.String("amount", tx.Amount.String()),
	)
	metrics.Admissions.WithLabelValues("created").Inc()

	result := &AdmissionResult{Transaction: tx}
	if err := e.PublishCreated(context.WithoutCancel(ctx), tx); err != nil {
		log.Warn("TransactionCreated not confirmed, deferring to reconciler", zap.Error(err))
		result.PublishDeferred = true
	}
	return result, nil
}

// validateParties checks both customers concurrently. A definitive
// business rejection wins over an infrastructure fault, so every call runs
// to completion before the errors are classified.
func (e *Engine) validateParties(ctx context.Context, req domain.CreateRequest) error {
	parties := []string{req.FromUserID}
	if req.ToUserID != req.FromUserID {
		parties = append(parties, req.ToUserID)
	}

	errs := make([]error, len(parties))
	var g errgroup.Group
	for i, id := range parties {
		g.Go(func() error {
			if _, err := e.customers.Validate(ctx, id); err != nil {
				errs[i] = err
				return err
			}
			return nil
		})
	}
	if g.Wait() == nil {
		return nil
	}

	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, domain.ErrCustomerInactive) || errors.Is(err, domain.ErrCustomerNotFound) {
			return err
		}
		if first == nil {
			first = err
		}
	}
	if !errors.Is(first, domain.ErrCustomerUnresolvable) {
		first = fmt.Errorf("%w: %v", domain.ErrCustomerUnresolvable, first)
	}
	return first
}

// PublishCreated publishes TransactionCreated for tx and records the
// confirmation.
func (e *Engine) PublishCreated(ctx context.Context, tx *domain.Transaction) error {
	env := events.NewEnvelope(events.NewTransactionCreated(tx), tx.CorrelationID, e.now())
	if err := e.publish(ctx, e.cfg.CreatedTopic, env); err != nil {
		metrics.PublishFailures.WithLabelValues(string(env.EventType)).Inc()
		return err
	}
	if err := e.store.MarkCreatedPublished(ctx, tx.ID, e.now()); err != nil {
		// The event is out; the reconciler may publish a harmless duplicate.
		e.logger.Warn("failed to record TransactionCreated publication",
			zap.String("transaction_id", tx.ID), zap.Error(err))
	}
	return nil
}

// PublishProcessed publishes TransactionProcessed for a terminal tx and
// records the confirmation.
func (e *Engine) PublishProcessed(ctx context.Context, tx *domain.Transaction) error {
	if !tx.Status.IsTerminal() {
		return fmt.Errorf("transaction %s is not terminal: %s", tx.ID, tx.Status)
	}
	env := events.NewEnvelope(events.NewTransactionProcessed(tx), tx.CorrelationID, e.now())
	if err := e.publish(ctx, e.cfg.ProcessedTopic, env); err != nil {
		metrics.PublishFailures.WithLabelValues(string(env.EventType)).Inc()
		return err
	}
	if err := e.store.MarkProcessedPublished(ctx, tx.ID, e.now()); err != nil {
		e.logger.Warn("failed to record TransactionProcessed publication",
			zap.String("transaction_id", tx.ID), zap.Error(err))
	}
	return nil
}

// publish sends env, retrying with exponential backoff. Retries reuse the
// same envelope so consumers can deduplicate by message id.
func (e *Engine) publish(ctx context.Context, topic string, env events.Envelope) error {
	op := func() error {
		pctx, cancel := context.WithTimeout(ctx, e.cfg.PublishTimeout)
		defer cancel()
		return e.publisher.Publish(pctx, topic, env)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.cfg.PublishRetryInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, e.cfg.PublishMaxRetries), ctx)

	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("failed to publish %s: %w", env.EventType, err)
	}
	return nil
}

// Run consumes TransactionCreated until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, sub broker.Subscriber) error {
	return sub.Subscribe(ctx, e.cfg.CreatedTopic, e.HandleTransactionCreated)
}

// HandleTransactionCreated processes one TransactionCreated delivery.
//
//   - malformed or foreign events, and unknown transactions, are poison: Nack(false)
//   - terminal transactions are acknowledged, republishing TransactionProcessed if it was never confirmed
//   - otherwise the transaction is claimed, settled and finished
//   - transient failures Nack(true) until the attempt budget is spent, then the transaction fails
func (e *Engine) HandleTransactionCreated(ctx context.Context, msg broker.Message) broker.Result {
	log := e.logger.With(
		zap.String("message_id", msg.MessageID),
		zap.Int("attempt", msg.Attempt),
	)

	env, err := events.Unmarshal(msg.Body)
	if err != nil {
		log.Error("poison message: cannot decode event",
			zap.String("correlation_id", msg.Headers[broker.HeaderCorrelationID]),
			zap.Error(err),
		)
		return broker.Nack(false)
	}
	if env.CorrelationID != "" {
		ctx = correlation.WithID(ctx, env.CorrelationID)
		log = log.With(zap.String("correlation_id", env.CorrelationID))
	}

	created, ok := env.TransactionCreated()
	if !ok {
		log.Error("poison message: unexpected event type", zap.String("event_type", string(env.EventType)))
		return broker.Nack(false)
	}
	log = log.With(zap.String("transaction_id", created.TransactionID))

	tx, err := e.store.GetByID(ctx, created.TransactionID)
	if err != nil {
		if errors.Is(err, domain.ErrTransactionNotFound) {
			log.Error("poison message: transaction does not exist")
			return broker.Nack(false)
		}
		return e.requeue(log, "failed to load transaction", err, msg.Attempt)
	}

	return e.process(ctx, log, tx, msg.Attempt)
}

func (e *Engine) process(ctx context.Context, log *zap.Logger, tx *domain.Transaction, attempt int) broker.Result {
	if tx.Status.IsTerminal() {
		return e.ensureProcessedPublished(ctx, log, tx, attempt)
	}

	token := e.newToken()
	claimed, won, err := e.store.Claim(ctx, tx.ID, token, e.now(), e.cfg.LeaseDuration)
	if err != nil {
		return e.requeue(log, "failed to claim transaction", err, attempt)
	}
	if !won {
		if claimed.Status.IsTerminal() {
			return e.ensureProcessedPublished(ctx, log, claimed, attempt)
		}
		// Another worker holds a live claim; it owns the outcome.
		log.Info("transaction claimed by another worker, skipping")
		return broker.Ack()
	}

	finished, err := e.settle(ctx, claimed, token)
	if err == nil {
		return e.complete(ctx, log, finished, attempt)
	}

	if errors.Is(err, domain.ErrClaimLost) {
		log.Info("claim lost during settlement, skipping")
		return broker.Ack()
	}

	var rejection *Rejection
	if errors.As(err, &rejection) {
		return e.fail(ctx, log, claimed, token, rejection.Reason, attempt)
	}

	if attempt >= e.cfg.MaxAttempts {
		log.Error("settlement failed and retry budget is exhausted", zap.Error(err))
		return e.fail(ctx, log, claimed, token, reasonRetryExhausted, attempt)
	}

	log.Warn("settlement failed, requeueing", zap.Error(err))
	if relErr := e.store.ReleaseClaim(ctx, claimed.ID, token, e.now()); relErr != nil {
		// The lease expires on its own.
		log.Warn("failed to release claim", zap.Error(relErr))
	}
	return broker.Nack(true)
}

// settle runs the settlement effects and the terminal update atomically.
func (e *Engine) settle(ctx context.Context, tx *domain.Transaction, token string) (*domain.Transaction, error) {
	var finished *domain.Transaction
	err := e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := e.settler.Settle(txCtx, tx); err != nil {
			return err
		}
		var err error
		finished, err = e.store.Finish(txCtx, tx.ID, token, domain.StatusCompleted, "", e.now())
		return err
	})
	return finished, err
}

func (e *Engine) fail(ctx context.Context, log *zap.Logger, tx *domain.Transaction, token, reason string, attempt int) broker.Result {
	finished, err := e.store.Finish(ctx, tx.ID, token, domain.StatusFailed, reason, e.now())
	if err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			log.Info("claim lost before recording failure, skipping")
			return broker.Ack()
		}
		if relErr := e.store.ReleaseClaim(ctx, tx.ID, token, e.now()); relErr != nil {
			log.Warn("failed to release claim", zap.Error(relErr))
		}
		return e.requeue(log, "failed to record failure", err, attempt)
	}
	return e.complete(ctx, log, finished, attempt)
}

// requeue redelivers after a store fault. Once the attempt budget is spent
// the message is dead-lettered and the reconciler picks the transaction up
// when its lease goes stale.
func (e *Engine) requeue(log *zap.Logger, msg string, err error, attempt int) broker.Result {
	if attempt >= e.cfg.MaxAttempts {
		log.Error(msg+", retry budget is exhausted, dead-lettering", zap.Error(err))
		return broker.Nack(false)
	}
	log.Warn(msg+", requeueing", zap.Error(err))
	return broker.Nack(true)
}

func (e *Engine) complete(ctx context.Context, log *zap.Logger, tx *domain.Transaction, attempt int) broker.Result {
	metrics.Settlements.WithLabelValues(string(tx.Status)).Inc()
	log.Info("transaction processed",
		zap.String("status", string(tx.Status)),
		zap.String("reason", tx.FailureReason),
	)
	return e.publishProcessedResult(ctx, log, tx, attempt)
}

func (e *Engine) ensureProcessedPublished(ctx context.Context, log *zap.Logger, tx *domain.Transaction, attempt int) broker.Result {
	if tx.ProcessedPublishedAt != nil {
		log.Debug("duplicate delivery for processed transaction")
		return broker.Ack()
	}
	return e.publishProcessedResult(ctx, log, tx, attempt)
}

// publishProcessedResult publishes TransactionProcessed. On failure the
// message is requeued so the redelivery republishes; once the attempt
// budget is spent the reconciler takes over.
func (e *Engine) publishProcessedResult(ctx context.Context, log *zap.Logger, tx *domain.Transaction, attempt int) broker.Result {
	if err := e.PublishProcessed(context.WithoutCancel(ctx), tx); err != nil {
		if attempt >= e.cfg.MaxAttempts {
			log.Error("TransactionProcessed not confirmed, deferring to reconciler", zap.Error(err))
			return broker.Ack()
		}
		log.Warn("TransactionProcessed not confirmed, requeueing", zap.Error(err))
		return broker.Nack(true)
	}
	return broker.Ack()
}

// GetTransaction returns a transaction by id.
func (e *Engine) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	tx, err := e.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrTransactionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return tx, nil
}

// Page is one page of a listing.
type Page struct {
	Items []*domain.Transaction
	Page  int
	Limit int
	Total int
}

// NormalizePage clamps page to >= 1 and limit to [1, MaxPageLimit],
// defaulting a non-positive limit to DefaultPageLimit.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}

// ListUserTransactions returns the user's transactions, newest first.
func (e *Engine) ListUserTransactions(ctx context.Context, userID string, page, limit int) (*Page, error) {
	page, limit = NormalizePage(page, limit)

	items, total, err := e.store.ListByUser(ctx, userID, page, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if items == nil {
		items = []*domain.Transaction{}
	}
	return &Page{Items: items, Page: page, Limit: limit, Total: total}, nil
}
