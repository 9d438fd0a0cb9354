package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/and161185/payledger/internal/auth"
	"github.com/and161185/payledger/internal/errs"
	"github.com/and161185/payledger/internal/model"
)

type Storage interface {
	GetUserByID(ctx context.Context, id int) (model.User, error)
	GetUserByCredentials(ctx context.Context, clientID, clientSecret string) (model.User, error)
}

type contextKey string

const (
	UserContextKey contextKey = "user"

	SessionCookie = "session"

	// request bodies carrying a credential pair are small JSON documents
	maxCredentialBody = 1 << 20
)

// Authenticator resolves the caller of a request. It returns errs.ErrUnauthorized
// when the request carries no credentials of its kind.
type Authenticator interface {
	Authenticate(r *http.Request) (model.User, error)
}

type AuthenticatorFunc func(r *http.Request) (model.User, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (model.User, error) {
	return f(r)
}

func BearerAuth(store Storage, tm *auth.TokenManager) Authenticator {
	return AuthenticatorFunc(func(r *http.Request) (model.User, error) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			return model.User{}, errs.ErrUnauthorized
		}
		return userFromToken(r.Context(), store, tm, strings.TrimPrefix(authHeader, "Bearer "))
	})
}

func SessionAuth(store Storage, tm *auth.TokenManager) Authenticator {
	return AuthenticatorFunc(func(r *http.Request) (model.User, error) {
		cookie, err := r.Cookie(SessionCookie)
		if err != nil || cookie.Value == "" {
			return model.User{}, errs.ErrUnauthorized
		}
		return userFromToken(r.Context(), store, tm, cookie.Value)
	})
}

func userFromToken(ctx context.Context, store Storage, tm *auth.TokenManager, tokenStr string) (model.User, error) {
	userID, err := tm.ParseToken(tokenStr)
	if err != nil {
		return model.User{}, err
	}

	user, err := store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, errs.ErrUserNotFound) {
			return model.User{}, errs.ErrUnauthorized
		}
		return model.User{}, err
	}
	return user, nil
}

type credentialPair struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// CredentialPairAuth reads client_id and client_secret from a JSON body and leaves
// the body readable for the handler. An unknown client id is reported as a missing payer.
func CredentialPairAuth(store Storage) Authenticator {
	return AuthenticatorFunc(func(r *http.Request) (model.User, error) {
		if r.Body == nil {
			return model.User{}, errs.ErrUnauthorized
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxCredentialBody))
		r.Body.Close()
		if err != nil {
			return model.User{}, fmt.Errorf("%w: read body: %w", errs.ErrInvalidRequest, err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var pair credentialPair
		if err := json.Unmarshal(body, &pair); err != nil {
			return model.User{}, fmt.Errorf("%w: malformed body", errs.ErrInvalidRequest)
		}
		if pair.ClientID == "" || pair.ClientSecret == "" {
			return model.User{}, errs.ErrUnauthorized
		}

		user, err := store.GetUserByCredentials(r.Context(), pair.ClientID, pair.ClientSecret)
		if err != nil {
			if errors.Is(err, errs.ErrUserNotFound) {
				return model.User{}, errs.ErrPayerNotFound
			}
			return model.User{}, err
		}
		return user, nil
	})
}

// AnyOf tries each strategy in order and moves on only while the request carries
// no credentials of the tried kind.
func AnyOf(strategies ...Authenticator) Authenticator {
	return AuthenticatorFunc(func(r *http.Request) (model.User, error) {
		for _, s := range strategies {
			user, err := s.Authenticate(r)
			if err == nil {
				return user, nil
			}
			if !errors.Is(err, errs.ErrUnauthorized) {
				return model.User{}, err
			}
		}
		return model.User{}, errs.ErrUnauthorized
	})
}

func AuthMiddleware(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := a.Authenticate(r)
			if err != nil {
				switch {
				case errors.Is(err, errs.ErrUnauthorized), errors.Is(err, errs.ErrInvalidToken):
					http.Error(w, "unauthorized", http.StatusUnauthorized)
				case errors.Is(err, errs.ErrInvalidRequest):
					http.Error(w, err.Error(), http.StatusBadRequest)
				case errors.Is(err, errs.ErrPayerNotFound):
					http.Error(w, "payer not found", http.StatusNotFound)
				default:
					http.Error(w, "internal error", http.StatusInternalServerError)
				}
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func UserFromContext(ctx context.Context) (model.User, bool) {
	user, ok := ctx.Value(UserContextKey).(model.User)
	return user, ok
}
