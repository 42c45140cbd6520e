package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/broker"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/config"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/db"
	grpcserver "github.com/spbu-ds-practicum-2025/transaction-platform/internal/grpc"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/httpapi"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/inbox"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/lifecycle"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/logging"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/projection"
)

const (
	workerHealthService    = "transaction.Worker"
	projectorHealthService = "transaction.OutcomeProjector"
	projectorGroup         = "outcome-projector"
)

// runWithApp loads configuration, builds the shared dependencies and
// runs fn until SIGINT or SIGTERM.
func runWithApp(fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, config.Load())
	if err != nil {
		return err
	}
	defer a.close()

	if err := fn(ctx, a); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("service stopped with error", zap.Error(err))
		return err
	}
	a.logger.Info("service stopped")
	return nil
}

func apiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve the transaction HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(func(ctx context.Context, a *app) error {
				b, err := a.broker("")
				if err != nil {
					return err
				}
				return serveAPI(ctx, a, a.engine(b))
			})
		},
	}
}

func serveAPI(ctx context.Context, a *app, engine *lifecycle.Engine) error {
	router := httpapi.NewRouter(httpapi.RouterOptions{
		Logger:         a.logger,
		AllowedOrigins: a.cfg.CORSOrigins,
		ServiceName:    "transaction-service",
	}, httpapi.NewTransactionHandler(engine, a.accounts, a.logger))

	return serveHTTP(ctx, a.logger, &http.Server{
		Addr:              ":" + a.cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	})
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Settle transactions from the TransactionCreated topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(func(ctx context.Context, a *app) error {
				b, err := a.broker("")
				if err != nil {
					return err
				}
				return runWorker(ctx, a, a.engine(b), b)
			})
		},
	}
}

// runWorker consumes TransactionCreated next to a gRPC health endpoint
// that reports SERVING while the consumer is running.
func runWorker(ctx context.Context, a *app, engine *lifecycle.Engine, sub broker.Subscriber) error {
	health := grpcserver.NewServer(a.logger, workerHealthService)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return health.ListenAndServe(ctx, ":"+a.cfg.GRPCPort)
	})
	g.Go(func() error {
		health.SetServing(workerHealthService, true)
		defer health.SetServing(workerHealthService, false)
		a.logger.Info("worker consuming", zap.String("topic", a.cfg.Topics.Created))
		return engine.Run(ctx, sub)
	})
	return g.Wait()
}

func reconcilerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconciler",
		Short: "Republish events lost between persistence and the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(func(ctx context.Context, a *app) error {
				b, err := a.broker("")
				if err != nil {
					return err
				}
				return a.reconciler(a.engine(b)).Run(ctx)
			})
		},
	}
}

func allCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run the API, worker and reconciler in one process",
		Long: `Runs admission, processing and reconciliation side by side on one
store and one broker connection. Required when STORE_DRIVER or
BROKER_DRIVER is "memory", since those are not shared between processes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(func(ctx context.Context, a *app) error {
				b, err := a.broker("")
				if err != nil {
					return err
				}
				engine := a.engine(b)

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error { return serveAPI(ctx, a, engine) })
				g.Go(func() error { return runWorker(ctx, a, engine, b) })
				g.Go(func() error { return a.reconciler(engine).Run(ctx) })
				return g.Wait()
			})
		},
	}
}

func projectorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "projector",
		Short: "Project TransactionProcessed events into ClickHouse",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(runProjector)
		},
	}
}

func runProjector(ctx context.Context, a *app) error {
	cfg := a.cfg

	conn, err := projection.Open(ctx, cfg.ClickHouse)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	a.onClose(func() { conn.Close() })
	if err := projection.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to migrate ClickHouse: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.onClose(func() { rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	b, err := a.broker(projectorGroup)
	if err != nil {
		return err
	}

	store := projection.NewClickHouseStore(conn)
	projector := projection.NewProjector(store, inbox.NewRedisInbox(rdb, inbox.RedisOptions{
		Prefix:    "inbox:" + projectorGroup + ":",
		Retention: cfg.Redis.InboxTTL,
	}), a.logger)
	health := grpcserver.NewServer(a.logger, projectorHealthService)

	router := httpapi.NewRouter(httpapi.RouterOptions{
		Logger:         a.logger,
		AllowedOrigins: cfg.CORSOrigins,
		ServiceName:    "outcome-projector",
	}, httpapi.NewOutcomeHandler(store, a.logger))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return health.ListenAndServe(ctx, ":"+cfg.GRPCPort)
	})
	g.Go(func() error {
		return serveHTTP(ctx, a.logger, &http.Server{
			Addr:              ":" + cfg.HTTPPort,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		})
	})
	g.Go(func() error {
		health.SetServing(projectorHealthService, true)
		defer health.SetServing(projectorHealthService, false)
		a.logger.Info("projector consuming", zap.String("topic", cfg.Topics.Processed))
		return projector.Run(ctx, b, cfg.Topics.Processed)
	})
	return g.Wait()
}

func migrateCmd() *cobra.Command {
	var withClickHouse bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Long: `Creates the transactions, accounts and customers tables in PostgreSQL.
With --clickhouse the transaction_outcomes table is created as well.
Both migrations are idempotent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg := config.Load()
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer logger.Sync()

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{MaxConns: 2})
			if err != nil {
				return fmt.Errorf("failed to create database pool: %w", err)
			}
			defer pool.Close()

			if err := db.Migrate(ctx, pool.Pool); err != nil {
				return fmt.Errorf("postgres migration failed: %w", err)
			}
			logger.Info("postgres schema is up to date")

			if !withClickHouse {
				return nil
			}
			conn, err := projection.Open(ctx, cfg.ClickHouse)
			if err != nil {
				return fmt.Errorf("failed to connect to ClickHouse: %w", err)
			}
			defer conn.Close()
			if err := projection.Migrate(ctx, conn); err != nil {
				return fmt.Errorf("clickhouse migration failed: %w", err)
			}
			logger.Info("clickhouse schema is up to date")
			return nil
		},
	}

	cmd.Flags().BoolVar(&withClickHouse, "clickhouse", false, "also migrate the ClickHouse outcome table")
	return cmd
}
