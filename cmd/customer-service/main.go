package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/config"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/db"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/domain"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/httpapi"
	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/logging"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Get server port from environment or use default
	port := os.Getenv("CUSTOMER_SERVICE_PORT")
	if port == "" {
		port = "8081"
	}

	ctx := context.Background()

	// Initialize database connection pool
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{})
	if err != nil {
		logger.Fatal("failed to create database pool", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("database connection pool initialized")

	if err := db.Migrate(ctx, pool.Pool); err != nil {
		logger.Fatal("failed to apply schema", zap.Error(err))
	}

	customers := db.NewCustomerRepository(pool.Pool)

	if path := os.Getenv("CUSTOMER_SEED_FILE"); path != "" {
		n, err := seedCustomers(ctx, customers, path)
		if err != nil {
			logger.Fatal("failed to seed customers", zap.String("path", path), zap.Error(err))
		}
		logger.Info("customers seeded", zap.Int("count", n), zap.String("path", path))
	}

	router := httpapi.NewRouter(httpapi.RouterOptions{
		Logger:         logger,
		AllowedOrigins: cfg.CORSOrigins,
		ServiceName:    "customer-service",
	}, httpapi.NewCustomerHandler(customers, logger))

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("customer-service HTTP server starting", zap.String("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	logger.Info("HTTP server stopped")
}

type customerWriter interface {
	Upsert(ctx context.Context, c *domain.CustomerSnapshot) error
}

// seedCustomers upserts the customers listed in a JSON array file.
func seedCustomers(ctx context.Context, repo customerWriter, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var list []domain.CustomerSnapshot
	if err := json.Unmarshal(data, &list); err != nil {
		return 0, fmt.Errorf("invalid seed file: %w", err)
	}
	for i := range list {
		if list[i].ID == "" {
			return i, fmt.Errorf("seed entry %d has no id", i)
		}
		if err := repo.Upsert(ctx, &list[i]); err != nil {
			return i, err
		}
	}
	return len(list), nil
}
