package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/domain"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/events"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/metrics"
)

// ReconcilerConfig tunes the sweep.
type ReconcilerConfig struct {
	Interval time.Duration

	// PublishGrace is how long a PENDING transaction may wait for its
	// first TransactionCreated confirmation before it is republished.
	PublishGrace time.Duration

	// StaleAfter is how long a non-terminal transaction may go without
	// progress after its last publication before it is republished.
	StaleAfter time.Duration

	BatchSize int
}

// Reconciler republishes events that were lost between persistence and
// the broker, so every transaction eventually reaches a terminal status
// and announces it.
type Reconciler struct {
	cfg    ReconcilerConfig
	store  domain.TransactionStore
	engine *Engine
	logger *zap.Logger
}

// NewReconciler creates a Reconciler publishing through engine.
func NewReconciler(cfg ReconcilerConfig, store domain.TransactionStore, engine *Engine, logger *zap.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.PublishGrace <= 0 {
		cfg.PublishGrace = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{cfg: cfg, store: store, engine: engine, logger: logger}
}

// SweepResult counts the events republished by one sweep.
type SweepResult struct {
	Created   int
	Processed int
	Failed    int
}

// Run sweeps every Interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", zap.Duration("interval", r.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("context cancelled, stopping reconciler")
			return nil
		case <-ticker.C:
			res, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Error("reconciliation sweep failed", zap.Error(err))
				continue
			}
			if res.Created+res.Processed+res.Failed > 0 {
				r.logger.Info("reconciliation sweep finished",
					zap.Int("created_republished", res.Created),
					zap.Int("processed_republished", res.Processed),
					zap.Int("failed", res.Failed),
				)
			}
		}
	}
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := r.engine.now()

	stalled, err := r.store.ListStalled(ctx, domain.StallCriteria{
		UnpublishedBefore: now.Add(-r.cfg.PublishGrace),
		StaleBefore:       now.Add(-r.cfg.StaleAfter),
		Now:               now,
		Limit:             r.cfg.BatchSize,
	})
	if err != nil {
		return res, fmt.Errorf("failed to list stalled transactions: %w", err)
	}

	for _, tx := range stalled {
		if err := r.engine.PublishCreated(ctx, tx); err != nil {
			res.Failed++
			r.logger.Warn("failed to republish TransactionCreated",
				zap.String("transaction_id", tx.ID),
				zap.String("correlation_id", tx.CorrelationID),
				zap.Error(err),
			)
			continue
		}
		res.Created++
		metrics.Republished.WithLabelValues(string(events.TransactionCreatedType)).Inc()
	}

	unpublished, err := r.store.ListUnpublishedProcessed(ctx, now.Add(-r.cfg.PublishGrace), r.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("failed to list unpublished transactions: %w", err)
	}

	for _, tx := range unpublished {
		if err := r.engine.PublishProcessed(ctx, tx); err != nil {
			res.Failed++
			r.logger.Warn("failed to republish TransactionProcessed",
				zap.String("transaction_id", tx.ID),
				zap.String("correlation_id", tx.CorrelationID),
				zap.Error(err),
			)
			continue
		}
		res.Processed++
		metrics.Republished.WithLabelValues(string(events.TransactionProcessedType)).Inc()
	}

	return res, nil
}
