package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/and161185/payledger/internal/config"
	"github.com/and161185/payledger/internal/deps"
	"github.com/and161185/payledger/internal/gateway"
	"github.com/and161185/payledger/internal/notify"
	"github.com/and161185/payledger/internal/server"
	"github.com/and161185/payledger/internal/settlement"
	"github.com/and161185/payledger/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	deps := deps.NewDependencies(cfg.SecretKey, cfg.TokenTTL)
	logger := deps.Logger
	defer func() { _ = logger.Sync() }()

	if cfg.SecretKey == "" {
		logger.Fatal("token signing key is required (-k or SECRET_KEY)")
	}

	store, err := storage.New(ctx, cfg.DatabaseURI, logger)
	if err != nil {
		logger.Fatal(err)
	}
	defer store.Close()

	gw := gateway.NewClient(cfg.GatewayURL, cfg.GatewayTimeout, cfg.GatewayRetries, logger)

	var sender notify.Sender = notify.NewLogSender(logger)
	if cfg.SMSEnabled() {
		sender = notify.NewSMSClient(cfg.SMSURL, cfg.SMSAccount, cfg.SMSToken, cfg.SMSFrom, cfg.GatewayTimeout)
	}
	dispatcher := notify.NewDispatcher(sender, cfg.NotifyQueue, cfg.NotifyWorkers, cfg.GatewayTimeout, logger)
	go dispatcher.Run(ctx)

	engine := settlement.NewEngine(store, gw, dispatcher, cfg.Currency, logger)

	srv := server.NewServer(store, engine, gw, cfg, deps)
	if err := srv.Run(ctx); err != nil {
		logger.Fatal(err)
	}
}
