package storage

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/and161185/payledger/internal/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is the ledger: user records, balances, holds and the settlement journal.
type Store interface {
	Ping(ctx context.Context) error
	Close()

	CreateUser(ctx context.Context, user model.NewUser) (model.User, error)
	GetUserByLogin(ctx context.Context, email string) (model.User, string, error)
	GetUserByID(ctx context.Context, id int) (model.User, error)
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
	GetUserByCredentials(ctx context.Context, clientID, clientSecret string) (model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)

	GetFunds(ctx context.Context, userID int) (model.UserFunds, error)
	AdjustBalance(ctx context.Context, userID int, delta decimal.Decimal) (decimal.Decimal, error)

	HoldFunds(ctx context.Context, settlement model.Settlement) error
	ReleaseHold(ctx context.Context, id string) error
	CommitSettlement(ctx context.Context, id, processorOrderID string) (model.CommitResult, error)
	MarkInconsistent(ctx context.Context, id, processorOrderID string) error

	GetSettlement(ctx context.Context, id string) (model.Settlement, error)
	ListSettlements(ctx context.Context, state model.SettlementState) ([]model.Settlement, error)
	ListStaleHolds(ctx context.Context, olderThan time.Duration) ([]model.Settlement, error)
	Reconcile(ctx context.Context) (model.ReconcileReport, error)
}

var _ Store = (*PostgresStorage)(nil)
var _ Store = (*SQLiteStorage)(nil)

// New picks the backend from the DSN: postgres URLs go to pgx, anything else is a SQLite path.
func New(ctx context.Context, dsn string, logger *zap.SugaredLogger) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		logger.Infow("using postgres ledger")
		return NewPostgreStorage(ctx, dsn)
	}
	logger.Infow("using sqlite ledger", "path", dsn)
	return NewSQLiteStorage(ctx, dsn)
}

type scanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, email, username, phone, balance_cents, held_cents, created_at`

func scanUser(row scanner) (model.User, error) {
	var u model.User
	var balance, held int64
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &u.Phone, &balance, &held, &u.CreatedAt); err != nil {
		return model.User{}, err
	}
	u.Balance = model.FromCents(balance)
	u.Held = model.FromCents(held)
	return u, nil
}

const fundsColumns = `id, email, username, phone, balance_cents, held_cents, created_at,
	client_id, client_secret, card_name, card_number, card_security_code, card_expiry`

func scanFunds(row scanner) (model.UserFunds, error) {
	var f model.UserFunds
	var balance, held int64
	err := row.Scan(&f.ID, &f.Email, &f.Username, &f.Phone, &balance, &held, &f.CreatedAt,
		&f.Credentials.ClientID, &f.Credentials.ClientSecret,
		&f.Card.Name, &f.Card.Number, &f.Card.SecurityCode, &f.Card.Expiry)
	if err != nil {
		return model.UserFunds{}, err
	}
	f.Balance = model.FromCents(balance)
	f.Held = model.FromCents(held)
	return f, nil
}

const settlementColumns = `id, payer_id, payee_id, amount_cents, status, processor_order_id, created_at, updated_at`

func scanSettlement(row scanner) (model.Settlement, error) {
	var s model.Settlement
	var amount int64
	var status string
	err := row.Scan(&s.ID, &s.PayerID, &s.PayeeID, &amount, &status, &s.ProcessorOrderID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return model.Settlement{}, err
	}
	s.Amount = model.FromCents(amount)
	s.State = model.SettlementState(status)
	return s, nil
}

func pending(status string) bool {
	return status == string(model.FundsChecked) || status == string(model.LedgerInconsistent)
}

type entry struct {
	userID *int
	delta  int64
	kind   model.EntryKind
}

// settlementEntries always nets to zero. Without a local payee the credit side is the processor.
func settlementEntries(payerID int, payeeID *int, amount int64) []entry {
	payer := payerID
	entries := []entry{{userID: &payer, delta: -amount, kind: model.EntryDebit}}
	if payeeID != nil {
		payee := *payeeID
		return append(entries, entry{userID: &payee, delta: amount, kind: model.EntryCredit})
	}
	return append(entries, entry{delta: amount, kind: model.EntryExternal})
}

// lockOrder returns the distinct participants sorted ascending so crossing transfers lock rows in the same order.
func lockOrder(payerID int, payeeID *int) []int {
	ids := []int{payerID}
	if payeeID != nil && *payeeID != payerID {
		ids = append(ids, *payeeID)
	}
	sort.Ints(ids)
	return ids
}

func toAccount(userID int, email string, balance, held, journal int64) model.AccountReconciliation {
	return model.AccountReconciliation{
		UserID:     userID,
		Email:      email,
		Balance:    model.FromCents(balance),
		Held:       model.FromCents(held),
		JournalSum: model.FromCents(journal),
	}
}
