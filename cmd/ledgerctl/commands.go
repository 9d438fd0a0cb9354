package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/and161185/payledger/internal/model"
	"github.com/and161185/payledger/internal/settlement"
	"github.com/and161185/payledger/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errLedgerInconsistent = errors.New("ledger is inconsistent")

type app struct {
	dsn      string
	currency string
	logger   *zap.SugaredLogger
	out      io.Writer
	open     func(ctx context.Context) (storage.Store, error)
}

func (a *app) withStore(cmd *cobra.Command, fn func(ctx context.Context, store storage.Store) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := a.open(ctx)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	return fn(ctx, store)
}

func (a *app) reconcileCmd() *cobra.Command {
	var userID int

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Check every balance against its journal and every settlement for zero sum",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, store storage.Store) error {
				report, err := store.Reconcile(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "USER\tEMAIL\tBALANCE\tHELD\tJOURNAL\tSTATUS")
				consistent := true
				for _, acc := range report.Accounts {
					if userID != 0 && acc.UserID != userID {
						continue
					}
					status := "ok"
					if !acc.Consistent() {
						status = "MISMATCH"
						consistent = false
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", acc.UserID, acc.Email,
						model.FormatMoney(acc.Balance), model.FormatMoney(acc.Held), model.FormatMoney(acc.JournalSum), status)
				}
				if err := w.Flush(); err != nil {
					return err
				}

				for _, id := range report.UnbalancedSettlements {
					fmt.Fprintf(a.out, "settlement %s: journal entries do not sum to zero\n", id)
					consistent = false
				}

				if !consistent {
					return errLedgerInconsistent
				}
				fmt.Fprintln(a.out, "ledger consistent")
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&userID, "user", "u", 0, "only report this user id")

	return cmd
}

func (a *app) settlementsCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "settlements",
		Short: "List settlements, optionally filtered by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state := model.SettlementState(status)
			if status != "" && !state.Persisted() {
				return fmt.Errorf("unknown settlement status %q", status)
			}

			return a.withStore(cmd, func(ctx context.Context, store storage.Store) error {
				settlements, err := store.ListSettlements(ctx, state)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPAYER\tPAYEE\tAMOUNT\tSTATUS\tORDER\tUPDATED")
				for _, s := range settlements {
					payee := "-"
					if s.PayeeID != nil {
						payee = strconv.Itoa(*s.PayeeID)
					}
					order := s.ProcessorOrderID
					if order == "" {
						order = "-"
					}
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.PayerID, payee,
						model.FormatMoney(s.Amount), s.State, order, s.UpdatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "FUNDS_CHECKED, LEDGER_UPDATED, CAPTURE_FAILED or LEDGER_INCONSISTENT")

	return cmd
}

func (a *app) resolveCmd() *cobra.Command {
	var commit, release bool

	cmd := &cobra.Command{
		Use:   "resolve <settlement-id>",
		Short: "Commit or release a held or inconsistent settlement",
		Long: `Commit books a settlement whose capture is confirmed at the processor.
Release returns the held funds to the payer when the processor has no capture.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, store storage.Store) error {
				engine := settlement.NewEngine(store, nil, nil, a.currency, a.logger)

				balances, err := engine.Resolve(ctx, args[0], commit)
				if err != nil {
					return err
				}

				if !commit {
					fmt.Fprintf(a.out, "settlement %s released\n", args[0])
					return nil
				}
				fmt.Fprintf(a.out, "settlement %s committed, payer balance %s", args[0], model.FormatMoney(balances.PayerBalance))
				if balances.PayeeBalance != nil {
					fmt.Fprintf(a.out, ", payee balance %s", model.FormatMoney(*balances.PayeeBalance))
				}
				fmt.Fprintln(a.out)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&commit, "commit", false, "book the settlement")
	cmd.Flags().BoolVar(&release, "release", false, "release the hold")
	cmd.MarkFlagsMutuallyExclusive("commit", "release")
	cmd.MarkFlagsOneRequired("commit", "release")

	return cmd
}

func (a *app) adjustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "adjust <user-id> <delta>",
		Short: "Apply a manual balance correction, recorded as an ADJUSTMENT journal entry",
		Example: `  ledgerctl adjust 7 15.00
  ledgerctl adjust 7 -- -2.50`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			delta, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}
			if _, err := model.ToCents(delta); err != nil {
				return err
			}
			if delta.IsZero() {
				return errors.New("adjustment must be non-zero")
			}

			return a.withStore(cmd, func(ctx context.Context, store storage.Store) error {
				balance, err := store.AdjustBalance(ctx, userID, delta)
				if err != nil {
					return err
				}
				a.logger.Infow("balance adjusted", "user_id", userID, "delta", model.FormatMoney(delta))
				fmt.Fprintf(a.out, "user %d balance %s\n", userID, model.FormatMoney(balance))
				return nil
			})
		},
	}
}
