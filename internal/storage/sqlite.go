package storage

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/payledger/internal/errs"
	"github.com/and161185/payledger/internal/model"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const sqlitePingTimeout = 5 * time.Second

// SQLiteStorage serialises writers with BEGIN IMMEDIATE, so a conditional UPDATE
// inside a transaction sees the latest committed balance.
type SQLiteStorage struct {
	db *sql.DB
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	if path == ":memory:" {
		return "file::memory:?_txlock=immediate&_foreign_keys=on"
	}
	return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
}

func NewSQLiteStorage(ctx context.Context, path string) (*SQLiteStorage, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	if strings.Contains(path, "memory") {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	storage := &SQLiteStorage{db: db}

	pingCtx, cancel := context.WithTimeout(ctx, sqlitePingTimeout)
	defer cancel()
	if err := storage.Ping(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if err := storage.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	return storage, nil
}

func (s *SQLiteStorage) initSchema(ctx context.Context) error {
	const initSchemaQuery = `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT UNIQUE NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		client_id TEXT UNIQUE NOT NULL,
		client_secret TEXT NOT NULL,
		card_name TEXT NOT NULL,
		card_number TEXT NOT NULL,
		card_security_code TEXT NOT NULL,
		card_expiry TEXT NOT NULL,
		balance_cents INTEGER NOT NULL DEFAULT 0,
		held_cents INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		CHECK (held_cents >= 0 AND balance_cents >= held_cents)
	);
	CREATE TABLE IF NOT EXISTS settlements (
		id TEXT PRIMARY KEY,
		payer_id INTEGER NOT NULL REFERENCES users(id),
		payee_id INTEGER REFERENCES users(id),
		amount_cents INTEGER NOT NULL CHECK (amount_cents > 0),
		status TEXT NOT NULL,
		processor_order_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS settlements_status_idx ON settlements (status, created_at);
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		settlement_id TEXT REFERENCES settlements(id),
		user_id INTEGER REFERENCES users(id),
		delta_cents INTEGER NOT NULL,
		kind TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS ledger_entries_user_idx ON ledger_entries (user_id);`

	_, err := s.db.ExecContext(ctx, initSchemaQuery)
	return err
}

func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStorage) Close() {
	s.db.Close()
}

func (s *SQLiteStorage) CreateUser(ctx context.Context, user model.NewUser) (model.User, error) {
	const insertUserQuery = `
		INSERT INTO users (email, username, password_hash, phone, client_id, client_secret,
			card_name, card_number, card_security_code, card_expiry, balance_cents)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	const openingEntryQuery = `INSERT INTO ledger_entries (user_id, delta_cents, kind) VALUES (?, ?, ?)`
	const selectQuery = `SELECT ` + userColumns + ` FROM users WHERE id = ?`

	opening, err := model.ToCents(user.Balance)
	if err != nil {
		return model.User{}, fmt.Errorf("%w: %w", errs.ErrInvalidRequest, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.User{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, insertUserQuery,
		user.Email, user.Username, user.PasswordHash, user.Phone,
		user.Credentials.ClientID, user.Credentials.ClientSecret,
		user.Card.Name, user.Card.Number, user.Card.SecurityCode, user.Card.Expiry, opening)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return model.User{}, errs.ErrLoginAlreadyExists
		}
		return model.User{}, fmt.Errorf("insert user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return model.User{}, fmt.Errorf("last insert id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, openingEntryQuery, id, opening, string(model.EntryOpening)); err != nil {
		return model.User{}, fmt.Errorf("insert opening entry: %w", err)
	}

	created, err := scanUser(tx.QueryRowContext(ctx, selectQuery, id))
	if err != nil {
		return model.User{}, fmt.Errorf("select created user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.User{}, fmt.Errorf("commit: %w", err)
	}

	return created, nil
}

func (s *SQLiteStorage) GetUserByLogin(ctx context.Context, email string) (model.User, string, error) {
	const query = `SELECT ` + userColumns + `, password_hash FROM users WHERE email = ?`

	var user model.User
	var hash string
	var balance, held int64

	err := s.db.QueryRowContext(ctx, query, email).Scan(&user.ID, &user.Email, &user.Username, &user.Phone,
		&balance, &held, &user.CreatedAt, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, "", errs.ErrUserNotFound
		}
		return model.User{}, "", fmt.Errorf("get user by login: %w", err)
	}
	user.Balance = model.FromCents(balance)
	user.Held = model.FromCents(held)

	return user, hash, nil
}

func (s *SQLiteStorage) GetUserByID(ctx context.Context, id int) (model.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = ?`

	user, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, errs.ErrUserNotFound
		}
		return model.User{}, fmt.Errorf("get user by id: %w", err)
	}

	return user, nil
}

func (s *SQLiteStorage) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE email = ?`

	user, err := scanUser(s.db.QueryRowContext(ctx, query, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, errs.ErrUserNotFound
		}
		return model.User{}, fmt.Errorf("get user by email: %w", err)
	}

	return user, nil
}

func (s *SQLiteStorage) GetUserByCredentials(ctx context.Context, clientID, clientSecret string) (model.User, error) {
	const query = `SELECT ` + userColumns + `, client_secret FROM users WHERE client_id = ?`

	var user model.User
	var secret string
	var balance, held int64

	err := s.db.QueryRowContext(ctx, query, clientID).Scan(&user.ID, &user.Email, &user.Username, &user.Phone,
		&balance, &held, &user.CreatedAt, &secret)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, errs.ErrUserNotFound
		}
		return model.User{}, fmt.Errorf("get user by credentials: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(secret), []byte(clientSecret)) != 1 {
		return model.User{}, errs.ErrUnauthorized
	}
	user.Balance = model.FromCents(balance)
	user.Held = model.FromCents(held)

	return user, nil
}

func (s *SQLiteStorage) ListUsers(ctx context.Context) ([]model.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return users, nil
}

func (s *SQLiteStorage) GetFunds(ctx context.Context, userID int) (model.UserFunds, error) {
	const query = `SELECT ` + fundsColumns + ` FROM users WHERE id = ?`

	funds, err := scanFunds(s.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.UserFunds{}, errs.ErrUserNotFound
		}
		return model.UserFunds{}, fmt.Errorf("get funds: %w", err)
	}

	return funds, nil
}

func (s *SQLiteStorage) AdjustBalance(ctx context.Context, userID int, delta decimal.Decimal) (decimal.Decimal, error) {
	const adjustQuery = `
		UPDATE users SET balance_cents = balance_cents + ?
		WHERE id = ? AND balance_cents + ? >= held_cents
		RETURNING balance_cents`

	const entryQuery = `INSERT INTO ledger_entries (user_id, delta_cents, kind) VALUES (?, ?, ?)`

	cents, err := model.ToCents(delta)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", errs.ErrInvalidRequest, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx, adjustQuery, cents, userID, cents).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, missingOrShort(ctx, tx, userID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("adjust balance: %w", err)
	}

	if _, err := tx.ExecContext(ctx, entryQuery, userID, cents, string(model.EntryAdjustment)); err != nil {
		return decimal.Zero, fmt.Errorf("insert adjustment entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("commit: %w", err)
	}

	return model.FromCents(balance), nil
}

func missingOrShort(ctx context.Context, tx *sql.Tx, userID int) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = ?)`, userID).Scan(&exists); err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return errs.ErrUserNotFound
	}
	return errs.ErrInsufficientFunds
}

func (s *SQLiteStorage) HoldFunds(ctx context.Context, settlement model.Settlement) error {
	const holdQuery = `
		UPDATE users SET held_cents = held_cents + ?
		WHERE id = ? AND balance_cents - held_cents >= ?`

	const insertSettlementQuery = `
		INSERT INTO settlements (id, payer_id, payee_id, amount_cents, status)
		VALUES (?, ?, ?, ?, ?)`

	amount, err := model.ToCents(settlement.Amount)
	if err != nil || amount <= 0 {
		return fmt.Errorf("%w: hold amount %s", errs.ErrInvalidRequest, settlement.Amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, holdQuery, amount, settlement.PayerID, amount)
	if err != nil {
		return fmt.Errorf("hold funds: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil || affected == 0 {
		return missingOrShort(ctx, tx, settlement.PayerID)
	}

	_, err = tx.ExecContext(ctx, insertSettlementQuery,
		settlement.ID, settlement.PayerID, settlement.PayeeID, amount, string(model.FundsChecked))
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStorage) ReleaseHold(ctx context.Context, id string) error {
	const releaseQuery = `
		UPDATE settlements SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?)
		RETURNING payer_id, amount_cents`

	const unholdQuery = `UPDATE users SET held_cents = held_cents - ? WHERE id = ?`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var payerID int
	var amount int64
	err = tx.QueryRowContext(ctx, releaseQuery,
		string(model.CaptureFailed), id, string(model.FundsChecked), string(model.LedgerInconsistent)).Scan(&payerID, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return settlementStateError(ctx, tx, id)
	}
	if err != nil {
		return fmt.Errorf("release settlement: %w", err)
	}

	if _, err := tx.ExecContext(ctx, unholdQuery, amount, payerID); err != nil {
		return fmt.Errorf("release hold: %w", err)
	}

	return tx.Commit()
}

func settlementStateError(ctx context.Context, tx *sql.Tx, id string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM settlements WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.ErrSettlementNotFound
	}
	if err != nil {
		return fmt.Errorf("check settlement: %w", err)
	}
	return fmt.Errorf("%w: %s is %s", errs.ErrSettlementState, id, status)
}

func (s *SQLiteStorage) CommitSettlement(ctx context.Context, id, processorOrderID string) (model.CommitResult, error) {
	const selectQuery = `SELECT payer_id, payee_id, amount_cents, status FROM settlements WHERE id = ?`
	const debitQuery = `
		UPDATE users SET balance_cents = balance_cents - ?, held_cents = held_cents - ?
		WHERE id = ? AND held_cents >= ?
		RETURNING balance_cents`
	const creditQuery = `UPDATE users SET balance_cents = balance_cents + ? WHERE id = ? RETURNING balance_cents`
	const entryQuery = `INSERT INTO ledger_entries (settlement_id, user_id, delta_cents, kind) VALUES (?, ?, ?, ?)`
	const doneQuery = `
		UPDATE settlements
		SET status = ?, processor_order_id = COALESCE(NULLIF(?, ''), processor_order_id), updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`

	// BEGIN IMMEDIATE takes the write lock up front; no row locks needed
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.CommitResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var payerID int
	var payeeID *int
	var amount int64
	var status string
	err = tx.QueryRowContext(ctx, selectQuery, id).Scan(&payerID, &payeeID, &amount, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CommitResult{}, errs.ErrSettlementNotFound
	}
	if err != nil {
		return model.CommitResult{}, fmt.Errorf("select settlement: %w", err)
	}
	if !pending(status) {
		return model.CommitResult{}, fmt.Errorf("%w: %s is %s", errs.ErrSettlementState, id, status)
	}

	var payerBalance int64
	err = tx.QueryRowContext(ctx, debitQuery, amount, amount, payerID, amount).Scan(&payerBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CommitResult{}, fmt.Errorf("payer %d holds less than %d cents", payerID, amount)
	}
	if err != nil {
		return model.CommitResult{}, fmt.Errorf("debit payer: %w", err)
	}

	var result model.CommitResult
	if payeeID != nil {
		var payeeBalance int64
		if err := tx.QueryRowContext(ctx, creditQuery, amount, *payeeID).Scan(&payeeBalance); err != nil {
			return model.CommitResult{}, fmt.Errorf("credit payee: %w", err)
		}
		if *payeeID == payerID {
			payerBalance = payeeBalance
		}
		credited := model.FromCents(payeeBalance)
		result.PayeeBalance = &credited
	}
	result.PayerBalance = model.FromCents(payerBalance)

	for _, e := range settlementEntries(payerID, payeeID, amount) {
		if _, err := tx.ExecContext(ctx, entryQuery, id, e.userID, e.delta, string(e.kind)); err != nil {
			return model.CommitResult{}, fmt.Errorf("insert entry: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, doneQuery, string(model.LedgerUpdated), processorOrderID, id); err != nil {
		return model.CommitResult{}, fmt.Errorf("update settlement: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.CommitResult{}, fmt.Errorf("commit: %w", err)
	}

	return result, nil
}

func (s *SQLiteStorage) MarkInconsistent(ctx context.Context, id, processorOrderID string) error {
	const query = `
		UPDATE settlements
		SET status = ?, processor_order_id = COALESCE(NULLIF(?, ''), processor_order_id), updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?)`

	res, err := s.db.ExecContext(ctx, query, string(model.LedgerInconsistent), processorOrderID, id,
		string(model.FundsChecked), string(model.LedgerInconsistent))
	if err != nil {
		return fmt.Errorf("mark inconsistent: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil || affected == 0 {
		return fmt.Errorf("%w: %s", errs.ErrSettlementState, id)
	}

	return nil
}

func (s *SQLiteStorage) GetSettlement(ctx context.Context, id string) (model.Settlement, error) {
	const query = `SELECT ` + settlementColumns + ` FROM settlements WHERE id = ?`

	settlement, err := scanSettlement(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Settlement{}, errs.ErrSettlementNotFound
		}
		return model.Settlement{}, fmt.Errorf("get settlement: %w", err)
	}

	return settlement, nil
}

func (s *SQLiteStorage) ListSettlements(ctx context.Context, state model.SettlementState) ([]model.Settlement, error) {
	const query = `
		SELECT ` + settlementColumns + `
		FROM settlements
		WHERE ? = '' OR status = ?
		ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, string(state), string(state))
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}

	return collectSQLSettlements(rows)
}

func (s *SQLiteStorage) ListStaleHolds(ctx context.Context, olderThan time.Duration) ([]model.Settlement, error) {
	const query = `
		SELECT ` + settlementColumns + `
		FROM settlements
		WHERE status = ? AND created_at < datetime('now', ?)
		ORDER BY created_at ASC, rowid ASC`

	modifier := fmt.Sprintf("%+d seconds", -int64(olderThan.Seconds()))
	rows, err := s.db.QueryContext(ctx, query, string(model.FundsChecked), modifier)
	if err != nil {
		return nil, fmt.Errorf("list stale holds: %w", err)
	}

	return collectSQLSettlements(rows)
}

func collectSQLSettlements(rows *sql.Rows) ([]model.Settlement, error) {
	defer rows.Close()

	var list []model.Settlement
	for rows.Next() {
		settlement, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		list = append(list, settlement)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return list, nil
}

func (s *SQLiteStorage) Reconcile(ctx context.Context) (model.ReconcileReport, error) {
	const accountsQuery = `
		SELECT u.id, u.email, u.balance_cents, u.held_cents, COALESCE(SUM(e.delta_cents), 0)
		FROM users u
		LEFT JOIN ledger_entries e ON e.user_id = u.id
		GROUP BY u.id, u.email, u.balance_cents, u.held_cents
		ORDER BY u.id`

	const unbalancedQuery = `
		SELECT settlement_id
		FROM ledger_entries
		WHERE settlement_id IS NOT NULL
		GROUP BY settlement_id
		HAVING SUM(delta_cents) <> 0
		ORDER BY settlement_id`

	var report model.ReconcileReport

	accounts, err := s.db.QueryContext(ctx, accountsQuery)
	if err != nil {
		return report, fmt.Errorf("reconcile accounts: %w", err)
	}
	for accounts.Next() {
		var id int
		var email string
		var balance, held, journal int64
		if err := accounts.Scan(&id, &email, &balance, &held, &journal); err != nil {
			accounts.Close()
			return report, fmt.Errorf("scan account: %w", err)
		}
		report.Accounts = append(report.Accounts, toAccount(id, email, balance, held, journal))
	}
	accounts.Close()
	if err := accounts.Err(); err != nil {
		return report, fmt.Errorf("rows error: %w", err)
	}

	unbalanced, err := s.db.QueryContext(ctx, unbalancedQuery)
	if err != nil {
		return report, fmt.Errorf("reconcile settlements: %w", err)
	}
	defer unbalanced.Close()

	for unbalanced.Next() {
		var id string
		if err := unbalanced.Scan(&id); err != nil {
			return report, fmt.Errorf("scan settlement id: %w", err)
		}
		report.UnbalancedSettlements = append(report.UnbalancedSettlements, id)
	}

	return report, unbalanced.Err()
}
