package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/and161185/payledger/internal/auth"
	"github.com/and161185/payledger/internal/config"
	"github.com/and161185/payledger/internal/deps"
	"github.com/and161185/payledger/internal/errs"
	"github.com/and161185/payledger/internal/middleware"
	"github.com/and161185/payledger/internal/mocks"
	"github.com/and161185/payledger/internal/model"
	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

type fixture struct {
	srv      *Server
	storage  *mocks.MockStorage
	settler  *mocks.MockSettler
	balances *mocks.MockBalanceQuerier
}

func setup(t *testing.T) fixture {
	t.Helper()

	ctrl := gomock.NewController(t)
	f := fixture{
		storage:  mocks.NewMockStorage(ctrl),
		settler:  mocks.NewMockSettler(ctrl),
		balances: mocks.NewMockBalanceQuerier(ctrl),
	}

	cfg := &config.Config{StartingBalance: "50.00", StaleHoldAfter: time.Minute}
	deps := &deps.Deps{
		TokenManager: auth.NewTokenManager("testsecret", time.Hour),
		Logger:       zaptest.NewLogger(t).Sugar(),
	}

	f.srv = NewServer(f.storage, f.settler, f.balances, cfg, deps)

	return f
}

func withUser(req *http.Request, user model.User) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), middleware.UserContextKey, user))
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

const validRegistration = `{"email":"alice@example.com","username":"alice","password":"pass","confirm_password":"pass",
	"phone":"+15550000001","client_id":"cid","client_secret":"secret",
	"card":{"name":"Alice","number":"4111111111111111","security_code":"123","expiry":"2030-01"}}`

func TestRegisterHandler(t *testing.T) {
	f := setup(t)

	f.storage.EXPECT().
		CreateUser(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, u model.NewUser) (model.User, error) {
			require.Equal(t, "alice@example.com", u.Email)
			require.Equal(t, "cid", u.Credentials.ClientID)
			require.Equal(t, "50.00", model.FormatMoney(u.Balance))
			require.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("pass")))
			return model.User{ID: 1, Email: u.Email, Username: u.Username}, nil
		})

	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(validRegistration))
	w := httptest.NewRecorder()

	f.srv.RegisterHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var user map[string]interface{}
	decodeBody(t, resp, &user)
	require.Equal(t, "alice@example.com", user["email"])
	require.NotContains(t, user, "password")
	require.NotContains(t, user, "card")
}

func TestRegisterHandlerValidation(t *testing.T) {
	tests := []struct {
		name    string
		replace [2]string
	}{
		{name: "invalid email", replace: [2]string{`"alice@example.com"`, `"alice"`}},
		{name: "password mismatch", replace: [2]string{`"confirm_password":"pass"`, `"confirm_password":"other"`}},
		{name: "incomplete card", replace: [2]string{`"security_code":"123"`, `"security_code":""`}},
		{name: "missing client secret", replace: [2]string{`"client_secret":"secret"`, `"client_secret":""`}},
		{name: "malformed", replace: [2]string{`{"email"`, `{{"email"`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			body := strings.Replace(validRegistration, tt.replace[0], tt.replace[1], 1)

			w := httptest.NewRecorder()
			f.srv.RegisterHandler(w, httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body)))

			require.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestRegisterHandlerAcceptsOpaqueCard(t *testing.T) {
	f := setup(t)

	f.storage.EXPECT().
		CreateUser(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, u model.NewUser) (model.User, error) {
			require.Equal(t, model.Card{Name: "Alice", Number: "CARD-0001", SecurityCode: "x", Expiry: "12/25"}, u.Card)
			return model.User{ID: 1, Email: u.Email, Username: u.Username}, nil
		})

	body := strings.Replace(validRegistration,
		`"card":{"name":"Alice","number":"4111111111111111","security_code":"123","expiry":"2030-01"}`,
		`"card":{"name":"Alice","number":"CARD-0001","security_code":"x","expiry":"12/25"}`, 1)

	w := httptest.NewRecorder()
	f.srv.RegisterHandler(w, httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, w.Code)
}

func TestRegisterHandlerConflict(t *testing.T) {
	f := setup(t)

	f.storage.EXPECT().CreateUser(gomock.Any(), gomock.Any()).Return(model.User{}, errs.ErrLoginAlreadyExists)

	w := httptest.NewRecorder()
	f.srv.RegisterHandler(w, httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(validRegistration)))

	require.Equal(t, http.StatusConflict, w.Code)
}

func TestLoginHandler(t *testing.T) {
	f := setup(t)

	pw, _ := bcryptHash("pass")
	f.storage.EXPECT().
		GetUserByLogin(gomock.Any(), "alice@example.com").
		Return(model.User{ID: 1, Email: "alice@example.com"}, pw, nil)

	payload := `{"email":"alice@example.com","password":"pass"}`
	w := httptest.NewRecorder()
	f.srv.LoginHandler(w, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(payload)))

	resp := w.Result()
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Header.Get("Authorization"), "Bearer "))

	var body loginResponse
	decodeBody(t, resp, &body)
	userID, err := f.srv.deps.TokenManager.ParseToken(body.Token)
	require.NoError(t, err)
	require.Equal(t, 1, userID)

	cookies := resp.Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, middleware.SessionCookie, cookies[0].Name)
	require.Equal(t, body.Token, cookies[0].Value)
	require.True(t, cookies[0].HttpOnly)
}

func TestLoginHandlerRejects(t *testing.T) {
	f := setup(t)

	pw, _ := bcryptHash("pass")
	f.storage.EXPECT().GetUserByLogin(gomock.Any(), "alice@example.com").Return(model.User{ID: 1}, pw, nil)
	f.storage.EXPECT().GetUserByLogin(gomock.Any(), "ghost@example.com").Return(model.User{}, "", errs.ErrUserNotFound)

	for _, payload := range []string{
		`{"email":"alice@example.com","password":"wrong"}`,
		`{"email":"ghost@example.com","password":"pass"}`,
	} {
		w := httptest.NewRecorder()
		f.srv.LoginHandler(w, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(payload)))
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}

	w := httptest.NewRecorder()
	f.srv.LoginHandler(w, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"email":""}`)))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLogoutHandler(t *testing.T) {
	f := setup(t)

	w := httptest.NewRecorder()
	f.srv.LogoutHandler(w, httptest.NewRequest(http.MethodPost, "/logout", nil))

	resp := w.Result()
	defer resp.Body.Close()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Len(t, resp.Cookies(), 1)
	require.Negative(t, resp.Cookies()[0].MaxAge)
}

func TestLogoutRouteWithGzipClient(t *testing.T) {
	f := setup(t)
	router := f.srv.buildRouter()

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Empty(t, w.Header().Get("Content-Encoding"))
	require.Equal(t, "Accept-Encoding", w.Header().Get("Vary"))
	require.Zero(t, w.Body.Len())
}

func TestProtectedRoute(t *testing.T) {
	f := setup(t)
	router := f.srv.buildRouter()

	token, _ := f.srv.deps.TokenManager.GenerateToken(1)
	f.storage.EXPECT().GetUserByID(gomock.Any(), 1).
		Return(model.User{ID: 1, Email: "alice@example.com", Balance: decimal.RequireFromString("42.5"), Held: decimal.Zero}, nil)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var identity identityResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&identity))
	require.Equal(t, "42.50", identity.Balance)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUsersHandler(t *testing.T) {
	f := setup(t)

	f.storage.EXPECT().ListUsers(gomock.Any()).Return(nil, nil)

	w := httptest.NewRecorder()
	f.srv.UsersHandler(w, httptest.NewRequest(http.MethodGet, "/users", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `[]`, w.Body.String())
}

func TestOrderHandler(t *testing.T) {
	f := setup(t)
	payeeBalance := decimal.RequireFromString("70")

	f.settler.EXPECT().
		Settle(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req model.SettlementRequest) (model.SettlementResult, error) {
			require.Equal(t, 1, req.PayerID)
			require.Equal(t, "bob@example.com", req.PayeeEmail)
			require.Len(t, req.Units, 1)
			require.Equal(t, "20.00", model.FormatMoney(req.Units[0].Amount.Value))
			return model.SettlementResult{
				SettlementID:   "s-1",
				OrderID:        "ORDER-1",
				Status:         "COMPLETED",
				CapturedAmount: decimal.RequireFromString("20"),
				PayerBalance:   decimal.RequireFromString("30"),
				PayeeBalance:   &payeeBalance,
			}, nil
		})

	body := `{"purchase_units":[{"amount":{"currency_code":"USD","value":"20.00"}}],"payee_email":"bob@example.com"}`
	req := withUser(httptest.NewRequest(http.MethodPost, "/order", strings.NewReader(body)), model.User{ID: 1})
	w := httptest.NewRecorder()

	f.srv.OrderHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"settlement_id":"s-1","order_id":"ORDER-1","status":"COMPLETED","captured_amount":"20.00",
		"payer_balance":"30.00","payee_balance":"70.00"}`, w.Body.String())
}

func TestOrderHandlerErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{err: fmt.Errorf("%w: no purchase units", errs.ErrInvalidRequest), status: http.StatusBadRequest},
		{err: errs.ErrInsufficientFunds, status: http.StatusBadRequest},
		{err: errs.ErrPayerNotFound, status: http.StatusNotFound},
		{err: fmt.Errorf("%w: bob@example.com", errs.ErrPayeeNotFound), status: http.StatusNotFound},
		{err: fmt.Errorf("%w: %w", errs.ErrCaptureFailed, errs.ErrCapture), status: http.StatusBadGateway},
		{err: fmt.Errorf("%w: settlement s-1", errs.ErrLedgerWrite), status: http.StatusInternalServerError},
		{err: errors.New("boom"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			f := setup(t)
			f.settler.EXPECT().Settle(gomock.Any(), gomock.Any()).Return(model.SettlementResult{}, tt.err)

			body := `{"purchase_units":[{"amount":{"value":"1"}}]}`
			req := withUser(httptest.NewRequest(http.MethodPost, "/order", strings.NewReader(body)), model.User{ID: 1})
			w := httptest.NewRecorder()
			f.srv.OrderHandler(w, req)

			require.Equal(t, tt.status, w.Code)
			var resp errorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			require.NotEmpty(t, resp.Error)
		})
	}
}

func TestOrderRouteRequiresSession(t *testing.T) {
	f := setup(t)
	router := f.srv.buildRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/order", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	token, _ := f.srv.deps.TokenManager.GenerateToken(4)
	f.storage.EXPECT().GetUserByID(gomock.Any(), 4).Return(model.User{ID: 4}, nil)
	f.settler.EXPECT().Settle(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req model.SettlementRequest) (model.SettlementResult, error) {
			require.Equal(t, 4, req.PayerID)
			return model.SettlementResult{OrderID: "ORDER-4", Status: "COMPLETED"}, nil
		})

	req := httptest.NewRequest(http.MethodPost, "/order", strings.NewReader(`{"purchase_units":[{"amount":{"value":"1"}}]}`))
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: token})
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCreateOrderRoute(t *testing.T) {
	f := setup(t)
	router := f.srv.buildRouter()

	f.storage.EXPECT().GetUserByCredentials(gomock.Any(), "cid", "secret").Return(model.User{ID: 2}, nil)
	f.settler.EXPECT().Settle(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req model.SettlementRequest) (model.SettlementResult, error) {
			require.Equal(t, 2, req.PayerID)
			require.Equal(t, "bob@example.com", req.PayeeEmail)
			return model.SettlementResult{OrderID: "ORDER-2", Status: "COMPLETED"}, nil
		})

	body := `{"client_id":"cid","client_secret":"secret","payee_email":"bob@example.com",
		"purchase_units":[{"amount":{"currency_code":"USD","value":"5.00"}}]}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/create-order", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "ORDER-2")
}

func TestCreateOrderRouteUnknownClient(t *testing.T) {
	f := setup(t)
	router := f.srv.buildRouter()

	f.storage.EXPECT().GetUserByCredentials(gomock.Any(), "cid", "secret").Return(model.User{}, errs.ErrUserNotFound)

	body := `{"client_id":"cid","client_secret":"secret","purchase_units":[]}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/create-order", strings.NewReader(body)))

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestBalanceRoute(t *testing.T) {
	f := setup(t)
	router := f.srv.buildRouter()

	f.balances.EXPECT().GetBalance(gomock.Any(), model.ClientCredentials{ClientID: "cid", ClientSecret: "secret"}).
		Return(model.ProcessorBalance{Balances: []model.ProcessorBalanceItem{{
			Currency:         "USD",
			Primary:          true,
			TotalBalance:     model.Money{CurrencyCode: "USD", Value: "100.00"},
			AvailableBalance: model.Money{CurrencyCode: "USD", Value: "90.00"},
		}}}, nil)
	f.balances.EXPECT().GetBalance(gomock.Any(), gomock.Any()).Return(model.ProcessorBalance{}, errs.ErrAuth)

	body := `{"client_id":"cid","client_secret":"secret"}`

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/balance", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"available_balance":{"currency_code":"USD","value":"90.00"}`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/balance", strings.NewReader(body)))
	require.Equal(t, http.StatusBadGateway, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/balance", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPingHandler(t *testing.T) {
	f := setup(t)

	f.storage.EXPECT().Ping(gomock.Any()).Return(nil)
	f.storage.EXPECT().Ping(gomock.Any()).Return(errors.New("connection refused"))

	w := httptest.NewRecorder()
	f.srv.PingHandler(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	f.srv.PingHandler(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMetricsRoute(t *testing.T) {
	f := setup(t)
	router := f.srv.buildRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "payledger_settlement_duration_seconds")
}

func bcryptHash(pw string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	return string(hash), err
}
