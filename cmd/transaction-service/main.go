package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "transaction-service",
		Short:   "Transaction lifecycle service",
		Version: Version,
		Long: `Admits transactions over HTTP, settles them from the broker and
announces every outcome. Each subcommand runs one role; "all" runs
admission, processing and reconciliation in a single process.

Configuration is read from the environment (and .env if present).`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(apiCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(reconcilerCmd())
	rootCmd.AddCommand(projectorCmd())
	rootCmd.AddCommand(allCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
