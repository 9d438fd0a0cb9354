package server

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/and161185/payledger/internal/errs"
	"github.com/and161185/payledger/internal/middleware"
	"github.com/and161185/payledger/internal/model"
	"golang.org/x/crypto/bcrypt"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func (s *Server) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "bad request")
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	switch {
	case !emailPattern.MatchString(req.Email):
		respondWithError(w, http.StatusBadRequest, "invalid email")
		return
	case req.Password == "":
		respondWithError(w, http.StatusBadRequest, "password required")
		return
	case req.Password != req.ConfirmPassword:
		respondWithError(w, http.StatusBadRequest, "passwords do not match")
		return
	case req.ClientID == "" || req.ClientSecret == "":
		respondWithError(w, http.StatusBadRequest, "client_id and client_secret required")
		return
	}
	if err := req.Card.Validate(); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "hash error")
		return
	}

	user, err := s.storage.CreateUser(r.Context(), model.NewUser{
		Email:        req.Email,
		Username:     req.Username,
		PasswordHash: string(hash),
		Phone:        req.Phone,
		Credentials:  model.ClientCredentials{ClientID: req.ClientID, ClientSecret: req.ClientSecret},
		Card:         req.Card,
		Balance:      s.config.Balance(),
	})
	if err != nil {
		if errors.Is(err, errs.ErrLoginAlreadyExists) {
			respondWithError(w, http.StatusConflict, "email or client id already registered")
			return
		}
		s.deps.Logger.Errorf("register %s: %v", req.Email, err)
		respondWithError(w, http.StatusInternalServerError, "db error")
		return
	}

	s.deps.Logger.Infow("user registered", "user_id", user.ID)
	respondWithJSON(w, http.StatusCreated, user)
}

type loginResponse struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var creds model.Credentials

	if err := decodeJSON(w, r, &creds); err != nil {
		respondWithError(w, http.StatusBadRequest, "bad request")
		return
	}
	if creds.Email == "" || creds.Password == "" {
		respondWithError(w, http.StatusBadRequest, "email and password required")
		return
	}

	user, hash, err := s.storage.GetUserByLogin(r.Context(), creds.Email)
	if err != nil {
		if errors.Is(err, errs.ErrUserNotFound) {
			respondWithError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "db error")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(creds.Password)); err != nil {
		respondWithError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.deps.TokenManager.GenerateToken(user.ID)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "token error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.deps.TokenManager.TTL().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set("Authorization", "Bearer "+token)
	respondWithJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

type identityResponse struct {
	ID       int    `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
	Balance  string `json:"balance"`
	Held     string `json:"held"`
}

func (s *Server) ProtectedHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	respondWithJSON(w, http.StatusOK, identityResponse{
		ID:       user.ID,
		Email:    user.Email,
		Username: user.Username,
		Balance:  model.FormatMoney(user.Balance),
		Held:     model.FormatMoney(user.Held),
	})
}

func (s *Server) UsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := s.storage.ListUsers(r.Context())
	if err != nil {
		s.deps.Logger.Errorf("list users: %v", err)
		respondWithError(w, http.StatusInternalServerError, "db error")
		return
	}
	if users == nil {
		users = []model.User{}
	}

	respondWithJSON(w, http.StatusOK, users)
}

type settlementResponse struct {
	SettlementID   string  `json:"settlement_id"`
	OrderID        string  `json:"order_id"`
	Status         string  `json:"status"`
	CapturedAmount string  `json:"captured_amount"`
	PayerBalance   string  `json:"payer_balance"`
	PayeeBalance   *string `json:"payee_balance,omitempty"`
}

func toSettlementResponse(res model.SettlementResult) settlementResponse {
	resp := settlementResponse{
		SettlementID:   res.SettlementID,
		OrderID:        res.OrderID,
		Status:         res.Status,
		CapturedAmount: model.FormatMoney(res.CapturedAmount),
		PayerBalance:   model.FormatMoney(res.PayerBalance),
	}
	if res.PayeeBalance != nil {
		b := model.FormatMoney(*res.PayeeBalance)
		resp.PayeeBalance = &b
	}
	return resp
}

// OrderHandler serves both /order and /create-order; they differ only in how the payer is authenticated.
func (s *Server) OrderHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req model.OrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "bad request")
		return
	}

	res, err := s.settler.Settle(r.Context(), model.SettlementRequest{
		PayerID:    user.ID,
		Units:      req.PurchaseUnits,
		PayeeEmail: strings.TrimSpace(req.PayeeEmail),
	})
	if err != nil {
		status, message := settlementError(err)
		if status >= http.StatusInternalServerError {
			s.deps.Logger.Errorw("settlement failed", "user_id", user.ID, "error", err)
		}
		respondWithError(w, status, message)
		return
	}

	respondWithJSON(w, http.StatusOK, toSettlementResponse(res))
}

func settlementError(err error) (int, string) {
	switch {
	case errors.Is(err, errs.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, errs.ErrInsufficientFunds):
		return http.StatusBadRequest, "insufficient funds"
	case errors.Is(err, errs.ErrPayerNotFound):
		return http.StatusNotFound, "payer not found"
	case errors.Is(err, errs.ErrPayeeNotFound):
		return http.StatusNotFound, "payee not found"
	case errors.Is(err, errs.ErrCaptureFailed):
		return http.StatusBadGateway, "payment processor declined or failed the order"
	case errors.Is(err, errs.ErrLedgerWrite):
		return http.StatusInternalServerError, "payment captured but the ledger update failed, it will be reconciled"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	var creds model.ClientCredentials
	if err := decodeJSON(w, r, &creds); err != nil || creds.ClientID == "" || creds.ClientSecret == "" {
		respondWithError(w, http.StatusBadRequest, "client_id and client_secret required")
		return
	}

	balance, err := s.balances.GetBalance(r.Context(), creds)
	if err != nil {
		s.deps.Logger.Warnw("processor balance", "client_id", creds.ClientID, "error", err)
		if errors.Is(err, errs.ErrAuth) {
			respondWithError(w, http.StatusBadGateway, "payment processor rejected the credentials")
			return
		}
		respondWithError(w, http.StatusBadGateway, "payment processor unavailable")
		return
	}

	respondWithJSON(w, http.StatusOK, balance)
}

func (s *Server) PingHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.storage.Ping(r.Context()); err != nil {
		s.deps.Logger.Errorf("ping: %v", err)
		respondWithError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
}
