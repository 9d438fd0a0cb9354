package main

import (
	"bytes"
	"context"
	"strconv"
	"testing"

	"github.com/and161185/payledger/internal/model"
	"github.com/and161185/payledger/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// sharedStore keeps the in-memory database alive across commands.
type sharedStore struct {
	storage.Store
}

func (sharedStore) Close() {}

type harness struct {
	store storage.Store
	out   *bytes.Buffer
	app   *app
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := storage.NewSQLiteStorage(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)

	h := &harness{store: store, out: &bytes.Buffer{}}
	h.app = &app{
		currency: "USD",
		logger:   zaptest.NewLogger(t).Sugar(),
		out:      h.out,
		open: func(context.Context) (storage.Store, error) {
			return sharedStore{store}, nil
		},
	}
	return h
}

func (h *harness) run(args ...string) error {
	h.out.Reset()
	root := h.app.rootCmd(":memory:")
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func (h *harness) user(t *testing.T, balance string) model.User {
	t.Helper()
	tag := uuid.NewString()
	user, err := h.store.CreateUser(context.Background(), model.NewUser{
		Email:        tag + "@example.com",
		PasswordHash: "hash",
		Credentials:  model.ClientCredentials{ClientID: tag, ClientSecret: "secret"},
		Card:         model.Card{Name: "Test", Number: "4111111111111111", SecurityCode: "123", Expiry: "2030-01"},
		Balance:      decimal.RequireFromString(balance),
	})
	require.NoError(t, err)
	return user
}

func (h *harness) hold(t *testing.T, payer model.User, amount string) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, h.store.HoldFunds(context.Background(), model.Settlement{
		ID: id, PayerID: payer.ID, Amount: decimal.RequireFromString(amount),
	}))
	return id
}

func TestAdjustAndReconcile(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "50.00")

	id := strconv.Itoa(alice.ID)

	require.NoError(t, h.run("adjust", id, "10.00"))
	require.Contains(t, h.out.String(), "balance 60.00")

	require.NoError(t, h.run("adjust", id, "--", "-2.5"))
	require.Contains(t, h.out.String(), "balance 57.50")

	require.Error(t, h.run("adjust", id, "0.001"))
	require.Error(t, h.run("adjust", "x", "1"))

	require.NoError(t, h.run("reconcile", "--user", id))
	require.Contains(t, h.out.String(), alice.Email)
	require.Contains(t, h.out.String(), "ledger consistent")
}

func TestResolveCommit(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "50.00")
	id := h.hold(t, alice, "20.00")

	require.NoError(t, h.run("settlements", "--status", "FUNDS_CHECKED"))
	require.Contains(t, h.out.String(), id)

	require.NoError(t, h.run("resolve", id, "--commit"))
	require.Contains(t, h.out.String(), "payer balance 30.00")

	// a settlement is committed at most once
	require.Error(t, h.run("resolve", id, "--commit"))

	require.NoError(t, h.run("reconcile"))
}

func TestResolveRelease(t *testing.T) {
	h := newHarness(t)
	alice := h.user(t, "50.00")
	id := h.hold(t, alice, "20.00")

	require.NoError(t, h.run("resolve", id, "--release"))
	require.Contains(t, h.out.String(), "released")

	funds, err := h.store.GetFunds(context.Background(), alice.ID)
	require.NoError(t, err)
	require.Equal(t, "50.00", model.FormatMoney(funds.Balance))
	require.True(t, funds.Held.IsZero())

	require.NoError(t, h.run("settlements", "--status", "CAPTURE_FAILED"))
	require.Contains(t, h.out.String(), id)
}

func TestResolveFlags(t *testing.T) {
	h := newHarness(t)

	require.Error(t, h.run("resolve", "some-id"))
	require.Error(t, h.run("resolve", "some-id", "--commit", "--release"))
}

func TestSettlementsRejectsUnknownStatus(t *testing.T) {
	h := newHarness(t)

	require.Error(t, h.run("settlements", "--status", "NOTIFIED"))
}
