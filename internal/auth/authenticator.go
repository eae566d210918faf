package auth

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.io/infrasutra/openmail/internal/store"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type AccountLookup interface {
	GetAccountByEmail(ctx context.Context, email string) (store.Account, error)
}

// Authenticator accepts either the configured service credentials or an
// account's own e-mail address and password.
type Authenticator struct {
	username string
	password string
	accounts AccountLookup
}

func NewAuthenticator(username, password string, accounts AccountLookup) *Authenticator {
	return &Authenticator{username: username, password: password, accounts: accounts}
}

func (a *Authenticator) Authenticate(ctx context.Context, username, password string) error {
	if a.username != "" &&
		subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1 &&
		subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1 {
		return nil
	}
	if a.accounts == nil {
		return ErrInvalidCredentials
	}

	email, err := NormalizeEmail(username)
	if err != nil {
		return ErrInvalidCredentials
	}
	account, err := a.accounts.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}
	if !VerifyPassword(password, account.Password) {
		return ErrInvalidCredentials
	}
	return nil
}
