package server

//go:generate mockgen -destination=../mocks/mock_server.go -package=mocks github.com/and161185/payledger/internal/server Storage,Settler,BalanceQuerier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/and161185/payledger/internal/config"
	"github.com/and161185/payledger/internal/deps"
	"github.com/and161185/payledger/internal/middleware"
	"github.com/and161185/payledger/internal/model"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Storage interface {
	middleware.Storage

	CreateUser(ctx context.Context, user model.NewUser) (model.User, error)
	GetUserByLogin(ctx context.Context, email string) (model.User, string, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	Ping(ctx context.Context) error

	ListStaleHolds(ctx context.Context, olderThan time.Duration) ([]model.Settlement, error)
	MarkInconsistent(ctx context.Context, id, processorOrderID string) error
}

type Settler interface {
	Settle(ctx context.Context, req model.SettlementRequest) (model.SettlementResult, error)
}

type BalanceQuerier interface {
	GetBalance(ctx context.Context, creds model.ClientCredentials) (model.ProcessorBalance, error)
}

type Server struct {
	storage  Storage
	settler  Settler
	balances BalanceQuerier
	config   *config.Config
	deps     *deps.Deps
}

func NewServer(storage Storage, settler Settler, balances BalanceQuerier, config *config.Config, deps *deps.Deps) *Server {
	return &Server{
		storage:  storage,
		settler:  settler,
		balances: balances,
		config:   config,
		deps:     deps,
	}
}

func (srv *Server) buildRouter() http.Handler {
	logger := srv.deps.Logger
	tm := srv.deps.TokenManager

	router := chi.NewRouter()
	router.Use(chiMiddleware.RequestID)
	router.Use(chiMiddleware.Recoverer)
	router.Use(chiMiddleware.StripSlashes)
	router.Use(middleware.MetricsMiddleware)
	router.Use(middleware.LogMiddleware(logger))

	// promhttp negotiates its own compression
	router.Handle("/metrics", promhttp.Handler())

	router.Group(func(r chi.Router) {
		r.Use(middleware.DecompressMiddleware)
		r.Use(middleware.CompressMiddleware(logger))

		r.Post("/register", srv.RegisterHandler)
		r.Post("/login", srv.LoginHandler)
		r.Post("/logout", srv.LogoutHandler)
		r.Get("/users", srv.UsersHandler)
		r.Get("/ping", srv.PingHandler)

		r.With(middleware.AuthMiddleware(middleware.AnyOf(
			middleware.BearerAuth(srv.storage, tm),
			middleware.SessionAuth(srv.storage, tm),
		))).Get("/protected", srv.ProtectedHandler)

		r.With(middleware.AuthMiddleware(middleware.AnyOf(
			middleware.SessionAuth(srv.storage, tm),
			middleware.BearerAuth(srv.storage, tm),
		))).Post("/order", srv.OrderHandler)

		r.With(middleware.AuthMiddleware(middleware.CredentialPairAuth(srv.storage))).
			Post("/create-order", srv.OrderHandler)

		// the pair is forwarded to the processor, which authenticates it
		r.Post("/balance", srv.BalanceHandler)
	})

	return router
}

func (srv *Server) Run(ctx context.Context) error {
	router := srv.buildRouter()

	server := &http.Server{
		Addr:              srv.config.RunAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.deps.Logger.Fatalf("server error: %v", err)
		}
	}()
	srv.deps.Logger.Infof("listening on %s", srv.config.RunAddress)

	go srv.HoldMonitor(ctx)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, errorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// request bodies are small JSON documents
const maxBodySize = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v)
}
