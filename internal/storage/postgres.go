package storage

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/payledger/internal/errs"
	"github.com/and161185/payledger/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type PostgresStorage struct {
	db *pgxpool.Pool
}

func (s *PostgresStorage) initSchema(ctx context.Context) error {
	const initSchemaQuery = `
	CREATE TABLE IF NOT EXISTS users (
		id SERIAL PRIMARY KEY,
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
		balance_cents BIGINT NOT NULL DEFAULT 0,
		held_cents BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT NOW(),
		CHECK (held_cents >= 0 AND balance_cents >= held_cents)
	);
	CREATE TABLE IF NOT EXISTS settlements (
		id TEXT PRIMARY KEY,
		payer_id INT NOT NULL REFERENCES users(id),
		payee_id INT REFERENCES users(id),
		amount_cents BIGINT NOT NULL CHECK (amount_cents > 0),
		status TEXT NOT NULL,
		processor_order_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT NOW(),
		updated_at TIMESTAMP DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS settlements_status_idx ON settlements (status, created_at);
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id BIGSERIAL PRIMARY KEY,
		settlement_id TEXT REFERENCES settlements(id),
		user_id INT REFERENCES users(id),
		delta_cents BIGINT NOT NULL,
		kind TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS ledger_entries_user_idx ON ledger_entries (user_id);`

	_, err := s.db.Exec(ctx, initSchemaQuery)
	return err
}

func NewPostgreStorage(ctx context.Context, DatabaseURI string) (*PostgresStorage, error) {
	db, err := pgxpool.New(ctx, DatabaseURI)
	if err != nil {
		return nil, err
	}

	storage := &PostgresStorage{db: db}

	if err := storage.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := storage.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStorage) Close() {
	s.db.Close()
}

func (s *PostgresStorage) CreateUser(ctx context.Context, user model.NewUser) (model.User, error) {
	const insertUserQuery = `
		INSERT INTO users (email, username, password_hash, phone, client_id, client_secret,
			card_name, card_number, card_security_code, card_expiry, balance_cents)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + userColumns

	const openingEntryQuery = `INSERT INTO ledger_entries (user_id, delta_cents, kind) VALUES ($1, $2, $3)`

	opening, err := model.ToCents(user.Balance)
	if err != nil {
		return model.User{}, fmt.Errorf("%w: %w", errs.ErrInvalidRequest, err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return model.User{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := scanUser(tx.QueryRow(ctx, insertUserQuery,
		user.Email, user.Username, user.PasswordHash, user.Phone,
		user.Credentials.ClientID, user.Credentials.ClientSecret,
		user.Card.Name, user.Card.Number, user.Card.SecurityCode, user.Card.Expiry, opening))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// 23505: unique violation on email or client_id
			return model.User{}, errs.ErrLoginAlreadyExists
		}
		return model.User{}, fmt.Errorf("insert user: %w", err)
	}

	if _, err := tx.Exec(ctx, openingEntryQuery, created.ID, opening, model.EntryOpening); err != nil {
		return model.User{}, fmt.Errorf("insert opening entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.User{}, fmt.Errorf("commit: %w", err)
	}

	return created, nil
}

func (s *PostgresStorage) GetUserByLogin(ctx context.Context, email string) (model.User, string, error) {
	const query = `SELECT ` + userColumns + `, password_hash FROM users WHERE email = $1`

	var user model.User
	var hash string
	var balance, held int64

	err := s.db.QueryRow(ctx, query, email).Scan(&user.ID, &user.Email, &user.Username, &user.Phone,
		&balance, &held, &user.CreatedAt, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, "", errs.ErrUserNotFound
		}
		return model.User{}, "", fmt.Errorf("get user by login: %w", err)
	}
	user.Balance = model.FromCents(balance)
	user.Held = model.FromCents(held)

	return user, hash, nil
}

func (s *PostgresStorage) GetUserByID(ctx context.Context, id int) (model.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, errs.ErrUserNotFound
		}
		return model.User{}, fmt.Errorf("get user by id: %w", err)
	}

	return user, nil
}

func (s *PostgresStorage) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	user, err := scanUser(s.db.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, errs.ErrUserNotFound
		}
		return model.User{}, fmt.Errorf("get user by email: %w", err)
	}

	return user, nil
}

func (s *PostgresStorage) GetUserByCredentials(ctx context.Context, clientID, clientSecret string) (model.User, error) {
	const query = `SELECT ` + userColumns + `, client_secret FROM users WHERE client_id = $1`

	var user model.User
	var secret string
	var balance, held int64

	err := s.db.QueryRow(ctx, query, clientID).Scan(&user.ID, &user.Email, &user.Username, &user.Phone,
		&balance, &held, &user.CreatedAt, &secret)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStorage) ListUsers(ctx context.Context) ([]model.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users ORDER BY id`

	rows, err := s.db.Query(ctx, query)
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

func (s *PostgresStorage) GetFunds(ctx context.Context, userID int) (model.UserFunds, error) {
	const query = `SELECT ` + fundsColumns + ` FROM users WHERE id = $1`

	funds, err := scanFunds(s.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.UserFunds{}, errs.ErrUserNotFound
		}
		return model.UserFunds{}, fmt.Errorf("get funds: %w", err)
	}

	return funds, nil
}

func (s *PostgresStorage) AdjustBalance(ctx context.Context, userID int, delta decimal.Decimal) (decimal.Decimal, error) {
	const adjustQuery = `
		UPDATE users SET balance_cents = balance_cents + $2
		WHERE id = $1 AND balance_cents + $2 >= held_cents
		RETURNING balance_cents`

	const entryQuery = `INSERT INTO ledger_entries (user_id, delta_cents, kind) VALUES ($1, $2, $3)`

	cents, err := model.ToCents(delta)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", errs.ErrInvalidRequest, err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx, adjustQuery, userID, cents).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, s.missingOrShort(ctx, tx, userID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("adjust balance: %w", err)
	}

	if _, err := tx.Exec(ctx, entryQuery, userID, cents, model.EntryAdjustment); err != nil {
		return decimal.Zero, fmt.Errorf("insert adjustment entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("commit: %w", err)
	}

	return model.FromCents(balance), nil
}

func (s *PostgresStorage) missingOrShort(ctx context.Context, tx pgx.Tx, userID int) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return errs.ErrUserNotFound
	}
	return errs.ErrInsufficientFunds
}

func (s *PostgresStorage) HoldFunds(ctx context.Context, settlement model.Settlement) error {
	const holdQuery = `
		UPDATE users SET held_cents = held_cents + $2
		WHERE id = $1 AND balance_cents - held_cents >= $2`

	const insertSettlementQuery = `
		INSERT INTO settlements (id, payer_id, payee_id, amount_cents, status)
		VALUES ($1, $2, $3, $4, $5)`

	amount, err := model.ToCents(settlement.Amount)
	if err != nil || amount <= 0 {
		return fmt.Errorf("%w: hold amount %s", errs.ErrInvalidRequest, settlement.Amount)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx, holdQuery, settlement.PayerID, amount)
	if err != nil {
		return fmt.Errorf("hold funds: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return s.missingOrShort(ctx, tx, settlement.PayerID)
	}

	_, err = tx.Exec(ctx, insertSettlementQuery, settlement.ID, settlement.PayerID, settlement.PayeeID, amount, model.FundsChecked)
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStorage) ReleaseHold(ctx context.Context, id string) error {
	const releaseQuery = `
		UPDATE settlements SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
		RETURNING payer_id, amount_cents`

	const unholdQuery = `UPDATE users SET held_cents = held_cents - $2 WHERE id = $1`

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var payerID int
	var amount int64
	err = tx.QueryRow(ctx, releaseQuery, id, model.CaptureFailed, model.FundsChecked, model.LedgerInconsistent).Scan(&payerID, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.settlementStateError(ctx, tx, id)
	}
	if err != nil {
		return fmt.Errorf("release settlement: %w", err)
	}

	if _, err := tx.Exec(ctx, unholdQuery, payerID, amount); err != nil {
		return fmt.Errorf("release hold: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStorage) settlementStateError(ctx context.Context, tx pgx.Tx, id string) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM settlements WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.ErrSettlementNotFound
	}
	if err != nil {
		return fmt.Errorf("check settlement: %w", err)
	}
	return fmt.Errorf("%w: %s is %s", errs.ErrSettlementState, id, status)
}

func (s *PostgresStorage) CommitSettlement(ctx context.Context, id, processorOrderID string) (model.CommitResult, error) {
	const selectQuery = `SELECT payer_id, payee_id, amount_cents, status FROM settlements WHERE id = $1 FOR UPDATE`
	const lockQuery = `SELECT id FROM users WHERE id = ANY($1) ORDER BY id FOR UPDATE`
	const debitQuery = `
		UPDATE users SET balance_cents = balance_cents - $2, held_cents = held_cents - $2
		WHERE id = $1 AND held_cents >= $2
		RETURNING balance_cents`
	const creditQuery = `UPDATE users SET balance_cents = balance_cents + $2 WHERE id = $1 RETURNING balance_cents`
	const entryQuery = `INSERT INTO ledger_entries (settlement_id, user_id, delta_cents, kind) VALUES ($1, $2, $3, $4)`
	const doneQuery = `
		UPDATE settlements
		SET status = $2, processor_order_id = COALESCE(NULLIF($3, ''), processor_order_id), updated_at = NOW()
		WHERE id = $1`

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return model.CommitResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var payerID int
	var payeeID *int
	var amount int64
	var status string
	err = tx.QueryRow(ctx, selectQuery, id).Scan(&payerID, &payeeID, &amount, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CommitResult{}, errs.ErrSettlementNotFound
	}
	if err != nil {
		return model.CommitResult{}, fmt.Errorf("select settlement: %w", err)
	}
	if !pending(status) {
		return model.CommitResult{}, fmt.Errorf("%w: %s is %s", errs.ErrSettlementState, id, status)
	}

	if _, err := tx.Exec(ctx, lockQuery, lockOrder(payerID, payeeID)); err != nil {
		return model.CommitResult{}, fmt.Errorf("lock users: %w", err)
	}

	var payerBalance int64
	err = tx.QueryRow(ctx, debitQuery, payerID, amount).Scan(&payerBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CommitResult{}, fmt.Errorf("payer %d holds less than %d cents", payerID, amount)
	}
	if err != nil {
		return model.CommitResult{}, fmt.Errorf("debit payer: %w", err)
	}

	var result model.CommitResult
	if payeeID != nil {
		var payeeBalance int64
		if err := tx.QueryRow(ctx, creditQuery, *payeeID, amount).Scan(&payeeBalance); err != nil {
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
		if _, err := tx.Exec(ctx, entryQuery, id, e.userID, e.delta, e.kind); err != nil {
			return model.CommitResult{}, fmt.Errorf("insert entry: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, doneQuery, id, model.LedgerUpdated, processorOrderID); err != nil {
		return model.CommitResult{}, fmt.Errorf("update settlement: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.CommitResult{}, fmt.Errorf("commit: %w", err)
	}

	return result, nil
}

func (s *PostgresStorage) MarkInconsistent(ctx context.Context, id, processorOrderID string) error {
	const query = `
		UPDATE settlements
		SET status = $2, processor_order_id = COALESCE(NULLIF($3, ''), processor_order_id), updated_at = NOW()
		WHERE id = $1 AND status IN ($2, $4)`

	cmdTag, err := s.db.Exec(ctx, query, id, model.LedgerInconsistent, processorOrderID, model.FundsChecked)
	if err != nil {
		return fmt.Errorf("mark inconsistent: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", errs.ErrSettlementState, id)
	}

	return nil
}

func (s *PostgresStorage) GetSettlement(ctx context.Context, id string) (model.Settlement, error) {
	const query = `SELECT ` + settlementColumns + ` FROM settlements WHERE id = $1`

	settlement, err := scanSettlement(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Settlement{}, errs.ErrSettlementNotFound
		}
		return model.Settlement{}, fmt.Errorf("get settlement: %w", err)
	}

	return settlement, nil
}

func (s *PostgresStorage) ListSettlements(ctx context.Context, state model.SettlementState) ([]model.Settlement, error) {
	const query = `
		SELECT ` + settlementColumns + `
		FROM settlements
		WHERE $1 = '' OR status = $1
		ORDER BY created_at ASC`

	rows, err := s.db.Query(ctx, query, string(state))
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}

	return collectSettlements(rows)
}

func (s *PostgresStorage) ListStaleHolds(ctx context.Context, olderThan time.Duration) ([]model.Settlement, error) {
	const query = `
		SELECT ` + settlementColumns + `
		FROM settlements
		WHERE status = $1 AND created_at < NOW() - make_interval(secs => $2)
		ORDER BY created_at ASC`

	rows, err := s.db.Query(ctx, query, model.FundsChecked, olderThan.Seconds())
	if err != nil {
		return nil, fmt.Errorf("list stale holds: %w", err)
	}

	return collectSettlements(rows)
}

func collectSettlements(rows pgx.Rows) ([]model.Settlement, error) {
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

func (s *PostgresStorage) Reconcile(ctx context.Context) (model.ReconcileReport, error) {
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

	rows, err := s.db.Query(ctx, accountsQuery)
	if err != nil {
		return report, fmt.Errorf("reconcile accounts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int
		var email string
		var balance, held, journal int64
		if err := rows.Scan(&id, &email, &balance, &held, &journal); err != nil {
			return report, fmt.Errorf("scan account: %w", err)
		}
		report.Accounts = append(report.Accounts, toAccount(id, email, balance, held, journal))
	}
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("rows error: %w", err)
	}

	unbalanced, err := s.db.Query(ctx, unbalancedQuery)
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
