package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/broker"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/config"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/customer"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/db"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/domain"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/lifecycle"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/logging"
)

// app holds the dependencies shared by the subcommands.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	store     domain.TransactionStore
	accounts  domain.AccountRepository
	txManager domain.TransactionManager

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.onClose(func() { logger.Sync() })

	switch cfg.StoreDriver {
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		a.onClose(pool.Close)
		logger.Info("database connection pool initialized")

		a.store = db.NewTransactionRepository(pool.Pool)
		a.accounts = db.NewAccountRepository(pool.Pool)
		a.txManager = db.NewTransactionManager(pool.Pool, logger)
	case "memory":
		mem := db.NewMemoryStore()
		a.store, a.accounts, a.txManager = mem, mem, mem
		logger.Warn("using in-memory transaction store; state is lost on exit")
	default:
		a.close()
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	return a, nil
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// broker connects to the configured broker. group names the consumer
// group so independent consumers of a topic each receive every event;
// empty selects the group configured for the driver.
func (a *app) broker(group string) (broker.Broker, error) {
	var (
		b   broker.Broker
		err error
	)
	switch a.cfg.Broker.Driver {
	case "rabbitmq":
		rc := a.cfg.Broker.RabbitMQ
		b, err = broker.NewRabbitMQ(broker.RabbitMQConfig{
			URL:           rc.URL,
			Exchange:      rc.Exchange,
			ConsumerGroup: orDefault(group, rc.ConsumerGroup),
			Prefetch:      rc.Prefetch,
			RetryDelay:    rc.RetryDelay,
		}, a.logger)
	case "kafka":
		b = broker.NewKafka(broker.KafkaConfig{
			Brokers:    a.cfg.Broker.Kafka.Brokers,
			GroupID:    orDefault(group, a.cfg.Broker.Kafka.GroupID),
			RetryDelay: a.cfg.Broker.Kafka.RetryDelay,
		}, a.logger)
	case "memory":
		b = broker.NewMemoryBroker(a.logger, broker.WithRedeliveryDelay(a.cfg.Broker.RabbitMQ.RetryDelay))
	default:
		return nil, fmt.Errorf("unknown broker driver %q", a.cfg.Broker.Driver)
	}
	if err != nil {
		return nil, err
	}
	a.onClose(func() {
		if err := b.Close(); err != nil {
			a.logger.Warn("failed to close broker", zap.Error(err))
		}
	})
	return b, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (a *app) settler() lifecycle.Settler {
	registry := lifecycle.DefaultRegistry(a.accounts)
	if a.cfg.SettlementLimit > 0 {
		return lifecycle.LimitSettler{Max: domain.Amount(a.cfg.SettlementLimit), Next: registry}
	}
	return registry
}

func (a *app) engine(publisher broker.Publisher) *lifecycle.Engine {
	cfg := a.cfg
	return lifecycle.NewEngine(lifecycle.Config{
		CreatedTopic:         cfg.Topics.Created,
		ProcessedTopic:       cfg.Topics.Processed,
		MaxAttempts:          cfg.Processing.MaxAttempts,
		LeaseDuration:        cfg.Processing.LeaseDuration,
		PublishTimeout:       cfg.Publish.Timeout,
		PublishMaxRetries:    uint64(max(cfg.Publish.MaxRetries, 0)),
		PublishRetryInterval: cfg.Publish.RetryInterval,
	}, lifecycle.Deps{
		Store:     a.store,
		TxManager: a.txManager,
		Customers: customer.NewClient(cfg.Customer.BaseURL, cfg.Customer.Timeout, a.logger),
		Publisher: publisher,
		Settler:   a.settler(),
		Logger:    a.logger,
	})
}

func (a *app) reconciler(engine *lifecycle.Engine) *lifecycle.Reconciler {
	rc := a.cfg.Reconciler
	return lifecycle.NewReconciler(lifecycle.ReconcilerConfig{
		Interval:     rc.Interval,
		PublishGrace: rc.PublishGrace,
		StaleAfter:   rc.StaleAfter,
		BatchSize:    rc.BatchSize,
	}, a.store, engine, a.logger)
}

// serveHTTP runs srv until ctx is cancelled, then shuts it down gracefully.
func serveHTTP(ctx context.Context, logger *zap.Logger, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}
