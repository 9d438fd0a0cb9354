package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/and161185/payledger/internal/errs"
	"github.com/and161185/payledger/internal/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	sqliteStore, err := NewSQLiteStorage(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(sqliteStore.Close)

	stores := map[string]Store{"sqlite": sqliteStore}

	if dsn := os.Getenv("TEST_DATABASE_URI"); dsn != "" {
		pgStore, err := New(ctx, dsn, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		t.Cleanup(pgStore.Close)
		stores["postgres"] = pgStore
	}

	return stores
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store Store)) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, store)
		})
	}
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func createUser(t *testing.T, store Store, balance string) model.User {
	t.Helper()
	tag := uuid.NewString()
	user, err := store.CreateUser(context.Background(), model.NewUser{
		Email:        tag + "@example.com",
		Username:     "user-" + tag[:8],
		PasswordHash: "hash",
		Phone:        "+15550000000",
		Credentials:  model.ClientCredentials{ClientID: "cid-" + tag, ClientSecret: "secret-" + tag},
		Card:         model.Card{Name: "Test", Number: "4111111111111111", SecurityCode: "123", Expiry: "2030-01"},
		Balance:      money(balance),
	})
	require.NoError(t, err)
	return user
}

func hold(t *testing.T, store Store, payer model.User, payee *model.User, amount string) string {
	t.Helper()
	id := uuid.NewString()
	s := model.Settlement{ID: id, PayerID: payer.ID, Amount: money(amount)}
	if payee != nil {
		s.PayeeID = &payee.ID
	}
	require.NoError(t, store.HoldFunds(context.Background(), s))
	return id
}

func funds(t *testing.T, store Store, id int) model.UserFunds {
	t.Helper()
	f, err := store.GetFunds(context.Background(), id)
	require.NoError(t, err)
	return f
}

func account(t *testing.T, report model.ReconcileReport, userID int) model.AccountReconciliation {
	t.Helper()
	for _, a := range report.Accounts {
		if a.UserID == userID {
			return a
		}
	}
	t.Fatalf("account %d missing from reconcile report", userID)
	return model.AccountReconciliation{}
}

func TestUsers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		user := createUser(t, store, "50.00")
		require.Equal(t, "50.00", model.FormatMoney(user.Balance))

		_, err := store.CreateUser(ctx, model.NewUser{
			Email:        user.Email,
			PasswordHash: "x",
			Credentials:  model.ClientCredentials{ClientID: uuid.NewString(), ClientSecret: "s"},
			Balance:      money("1"),
		})
		require.ErrorIs(t, err, errs.ErrLoginAlreadyExists)

		byLogin, hash, err := store.GetUserByLogin(ctx, user.Email)
		require.NoError(t, err)
		require.Equal(t, user.ID, byLogin.ID)
		require.Equal(t, "hash", hash)

		byEmail, err := store.GetUserByEmail(ctx, user.Email)
		require.NoError(t, err)
		require.Equal(t, user.ID, byEmail.ID)

		_, err = store.GetUserByEmail(ctx, "nobody-"+uuid.NewString()+"@example.com")
		require.ErrorIs(t, err, errs.ErrUserNotFound)

		f := funds(t, store, user.ID)
		require.Equal(t, "4111111111111111", f.Card.Number)

		byCreds, err := store.GetUserByCredentials(ctx, f.Credentials.ClientID, f.Credentials.ClientSecret)
		require.NoError(t, err)
		require.Equal(t, user.ID, byCreds.ID)

		_, err = store.GetUserByCredentials(ctx, f.Credentials.ClientID, "wrong")
		require.ErrorIs(t, err, errs.ErrUnauthorized)

		_, err = store.GetUserByCredentials(ctx, "missing-"+uuid.NewString(), "x")
		require.ErrorIs(t, err, errs.ErrUserNotFound)

		_, err = store.GetFunds(ctx, -1)
		require.ErrorIs(t, err, errs.ErrUserNotFound)

		users, err := store.ListUsers(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, users)
	})
}

func TestHoldAndCommitWithPayee(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		payer := createUser(t, store, "50.00")
		payee := createUser(t, store, "50.00")

		id := hold(t, store, payer, &payee, "20.00")

		f := funds(t, store, payer.ID)
		require.Equal(t, "50.00", model.FormatMoney(f.Balance))
		require.Equal(t, "30.00", model.FormatMoney(f.Available()))

		res, err := store.CommitSettlement(ctx, id, "ORDER-1")
		require.NoError(t, err)
		require.Equal(t, "30.00", model.FormatMoney(res.PayerBalance))
		require.NotNil(t, res.PayeeBalance)
		require.Equal(t, "70.00", model.FormatMoney(*res.PayeeBalance))

		f = funds(t, store, payer.ID)
		require.True(t, f.Held.IsZero())

		settlement, err := store.GetSettlement(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.LedgerUpdated, settlement.State)
		require.Equal(t, "ORDER-1", settlement.ProcessorOrderID)
		require.Equal(t, payee.ID, *settlement.PayeeID)

		_, err = store.CommitSettlement(ctx, id, "ORDER-1")
		require.ErrorIs(t, err, errs.ErrSettlementState)

		report, err := store.Reconcile(ctx)
		require.NoError(t, err)
		require.True(t, account(t, report, payer.ID).Consistent())
		require.True(t, account(t, report, payee.ID).Consistent())
		require.NotContains(t, report.UnbalancedSettlements, id)
	})
}

func TestCommitWithoutPayee(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		payer := createUser(t, store, "50.00")

		id := hold(t, store, payer, nil, "12.34")
		res, err := store.CommitSettlement(ctx, id, "ORDER-2")
		require.NoError(t, err)
		require.Equal(t, "37.66", model.FormatMoney(res.PayerBalance))
		require.Nil(t, res.PayeeBalance)

		report, err := store.Reconcile(ctx)
		require.NoError(t, err)
		require.True(t, account(t, report, payer.ID).Consistent())
		require.NotContains(t, report.UnbalancedSettlements, id)
	})
}

func TestPayerIsPayee(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		user := createUser(t, store, "50.00")

		id := hold(t, store, user, &user, "20.00")
		res, err := store.CommitSettlement(context.Background(), id, "ORDER-3")
		require.NoError(t, err)
		require.Equal(t, "50.00", model.FormatMoney(res.PayerBalance))
		require.Equal(t, "50.00", model.FormatMoney(*res.PayeeBalance))
		require.True(t, funds(t, store, user.ID).Held.IsZero())
	})
}

func TestHoldInsufficientFunds(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		payer := createUser(t, store, "10.00")

		id := uuid.NewString()
		err := store.HoldFunds(ctx, model.Settlement{ID: id, PayerID: payer.ID, Amount: money("20.00")})
		require.ErrorIs(t, err, errs.ErrInsufficientFunds)

		f := funds(t, store, payer.ID)
		require.Equal(t, "10.00", model.FormatMoney(f.Balance))
		require.True(t, f.Held.IsZero())

		_, err = store.GetSettlement(ctx, id)
		require.ErrorIs(t, err, errs.ErrSettlementNotFound)

		err = store.HoldFunds(ctx, model.Settlement{ID: uuid.NewString(), PayerID: -1, Amount: money("1")})
		require.ErrorIs(t, err, errs.ErrUserNotFound)

		err = store.HoldFunds(ctx, model.Settlement{ID: uuid.NewString(), PayerID: payer.ID, Amount: money("0.001")})
		require.ErrorIs(t, err, errs.ErrInvalidRequest)
	})
}

func TestReleaseHold(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		payer := createUser(t, store, "50.00")

		id := hold(t, store, payer, nil, "20.00")
		require.NoError(t, store.ReleaseHold(ctx, id))

		f := funds(t, store, payer.ID)
		require.Equal(t, "50.00", model.FormatMoney(f.Balance))
		require.True(t, f.Held.IsZero())

		settlement, err := store.GetSettlement(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.CaptureFailed, settlement.State)

		require.ErrorIs(t, store.ReleaseHold(ctx, id), errs.ErrSettlementState)
		require.ErrorIs(t, store.ReleaseHold(ctx, uuid.NewString()), errs.ErrSettlementNotFound)

		_, err = store.CommitSettlement(ctx, id, "")
		require.ErrorIs(t, err, errs.ErrSettlementState)
	})
}

func TestMarkInconsistentAndResolve(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		payer := createUser(t, store, "50.00")

		id := hold(t, store, payer, nil, "5.00")
		require.NoError(t, store.MarkInconsistent(ctx, id, "ORDER-4"))

		inconsistent, err := store.ListSettlements(ctx, model.LedgerInconsistent)
		require.NoError(t, err)
		found := false
		for _, s := range inconsistent {
			if s.ID == id {
				found = true
				require.Equal(t, "ORDER-4", s.ProcessorOrderID)
			}
		}
		require.True(t, found)

		require.Equal(t, "45.00", model.FormatMoney(funds(t, store, payer.ID).Available()))

		res, err := store.CommitSettlement(ctx, id, "")
		require.NoError(t, err)
		require.Equal(t, "45.00", model.FormatMoney(res.PayerBalance))

		settlement, err := store.GetSettlement(ctx, id)
		require.NoError(t, err)
		require.Equal(t, "ORDER-4", settlement.ProcessorOrderID)

		require.ErrorIs(t, store.MarkInconsistent(ctx, id, ""), errs.ErrSettlementState)
	})
}

func TestListStaleHolds(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		payer := createUser(t, store, "50.00")
		id := hold(t, store, payer, nil, "1.00")

		stale, err := store.ListStaleHolds(ctx, time.Hour)
		require.NoError(t, err)
		for _, s := range stale {
			require.NotEqual(t, id, s.ID)
		}

		stale, err = store.ListStaleHolds(ctx, -time.Minute)
		require.NoError(t, err)
		ids := make([]string, 0, len(stale))
		for _, s := range stale {
			require.Equal(t, model.FundsChecked, s.State)
			ids = append(ids, s.ID)
		}
		require.Contains(t, ids, id)
	})
}

func TestAdjustBalance(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		user := createUser(t, store, "50.00")

		balance, err := store.AdjustBalance(ctx, user.ID, money("-20.50"))
		require.NoError(t, err)
		require.Equal(t, "29.50", model.FormatMoney(balance))

		hold(t, store, user, nil, "20.00")

		_, err = store.AdjustBalance(ctx, user.ID, money("-10.00"))
		require.ErrorIs(t, err, errs.ErrInsufficientFunds)

		_, err = store.AdjustBalance(ctx, -1, money("1"))
		require.ErrorIs(t, err, errs.ErrUserNotFound)

		report, err := store.Reconcile(ctx)
		require.NoError(t, err)
		require.True(t, account(t, report, user.ID).Consistent())
	})
}

func TestConcurrentHoldsNeverOverdraw(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		payer := createUser(t, store, "50.00")

		const attempts = 10
		var wg sync.WaitGroup
		var mu sync.Mutex
		var held []string
		var insufficient int

		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id := uuid.NewString()
				err := store.HoldFunds(ctx, model.Settlement{ID: id, PayerID: payer.ID, Amount: money("10.00")})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					held = append(held, id)
				case errors.Is(err, errs.ErrInsufficientFunds):
					insufficient++
				default:
					t.Errorf("unexpected hold error: %v", err)
				}
			}()
		}
		wg.Wait()

		require.Len(t, held, 5)
		require.Equal(t, attempts-5, insufficient)

		for _, id := range held {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := store.CommitSettlement(ctx, id, "ORDER-"+id)
				assert.NoError(t, err)
			}(id)
		}
		wg.Wait()

		f := funds(t, store, payer.ID)
		require.True(t, f.Balance.IsZero())
		require.True(t, f.Held.IsZero())
	})
}
