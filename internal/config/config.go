package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	RunAddress  string        `env:"RUN_ADDRESS"`
	DatabaseURI string        `env:"DATABASE_URI"`
	SecretKey   string        `env:"SECRET_KEY"`
	TokenTTL    time.Duration `env:"TOKEN_TTL"`

	GatewayURL     string        `env:"PAYMENT_GATEWAY_URL"`
	GatewayTimeout time.Duration `env:"PAYMENT_GATEWAY_TIMEOUT"`
	GatewayRetries int           `env:"PAYMENT_GATEWAY_RETRIES"`

	Currency        string `env:"LEDGER_CURRENCY"`
	StartingBalance string `env:"STARTING_BALANCE"`

	SMSURL        string `env:"SMS_API_URL"`
	SMSAccount    string `env:"SMS_ACCOUNT_SID"`
	SMSToken      string `env:"SMS_AUTH_TOKEN"`
	SMSFrom       string `env:"SMS_FROM"`
	NotifyWorkers int    `env:"NOTIFY_WORKERS"`
	NotifyQueue   int    `env:"NOTIFY_QUEUE"`

	StaleHoldAfter time.Duration `env:"STALE_HOLD_AFTER"`
	HoldScanPeriod time.Duration `env:"HOLD_SCAN_PERIOD"`
}

// NewConfig reads flags from args, then lets the environment (and a .env file, if present) override them.
func NewConfig(args []string) (*Config, error) {
	// a missing .env file is not an error
	_ = godotenv.Load()

	cfg := &Config{}
	fs := flag.NewFlagSet("payledger", flag.ContinueOnError)
	fs.StringVar(&cfg.RunAddress, "a", "localhost:8080", "HTTP server address")
	fs.StringVar(&cfg.DatabaseURI, "d", "payledger.db", "DB connection string (postgres:// URL or SQLite file)")
	fs.StringVar(&cfg.SecretKey, "k", "", "token signing key")
	fs.DurationVar(&cfg.TokenTTL, "ttl", 24*time.Hour, "token and session lifetime")
	fs.StringVar(&cfg.GatewayURL, "g", "https://api-m.sandbox.paypal.com", "payment processor base URL")
	fs.DurationVar(&cfg.GatewayTimeout, "gt", 15*time.Second, "payment processor request timeout")
	fs.IntVar(&cfg.GatewayRetries, "gr", 2, "payment processor transport retries")
	fs.StringVar(&cfg.Currency, "c", "USD", "ledger currency")
	fs.StringVar(&cfg.StartingBalance, "b", "50.00", "balance credited at registration")
	fs.StringVar(&cfg.SMSURL, "sms", "", "SMS API base URL; empty logs notifications instead")
	fs.StringVar(&cfg.SMSAccount, "sms-sid", "", "SMS account SID")
	fs.StringVar(&cfg.SMSToken, "sms-token", "", "SMS auth token")
	fs.StringVar(&cfg.SMSFrom, "sms-from", "", "SMS sender number")
	fs.IntVar(&cfg.NotifyWorkers, "nw", 2, "notification workers")
	fs.IntVar(&cfg.NotifyQueue, "nq", 100, "notification queue size")
	fs.DurationVar(&cfg.StaleHoldAfter, "stale", 10*time.Minute, "age after which an uncommitted hold is flagged")
	fs.DurationVar(&cfg.HoldScanPeriod, "scan", time.Minute, "hold monitor scan period")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := ReadServerEnvironment(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func ReadServerEnvironment(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	if _, err := decimal.NewFromString(cfg.StartingBalance); err != nil {
		return fmt.Errorf("invalid starting balance %q: %w", cfg.StartingBalance, err)
	}

	return nil
}

func (c *Config) Balance() decimal.Decimal {
	return decimal.RequireFromString(c.StartingBalance)
}

func (c *Config) SMSEnabled() bool {
	return c.SMSURL != "" && c.SMSAccount != ""
}
