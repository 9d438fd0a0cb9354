package main

import (
	"context"
	"fmt"
	"os"

	"github.com/and161185/payledger/internal/storage"
	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type cliConfig struct {
	DatabaseURI string `env:"DATABASE_URI" envDefault:"payledger.db"`
	Currency    string `env:"LEDGER_CURRENCY" envDefault:"USD"`
}

func main() {
	_ = godotenv.Load()

	var cfg cliConfig
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logCfg := zap.NewDevelopmentConfig()
	logCfg.OutputPaths = []string{"stderr"}
	logger := zap.Must(logCfg.Build()).Sugar()
	defer func() { _ = logger.Sync() }()

	app := &app{
		currency: cfg.Currency,
		logger:   logger,
		out:      os.Stdout,
	}
	app.open = func(ctx context.Context) (storage.Store, error) {
		return storage.New(ctx, app.dsn, logger)
	}

	root := app.rootCmd(cfg.DatabaseURI)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) rootCmd(defaultDSN string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operator tooling for the payledger balance ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&a.dsn, "db", "d", defaultDSN, "DB connection string (postgres:// URL or SQLite file)")

	rootCmd.AddCommand(a.reconcileCmd())
	rootCmd.AddCommand(a.settlementsCmd())
	rootCmd.AddCommand(a.resolveCmd())
	rootCmd.AddCommand(a.adjustCmd())

	return rootCmd
}
