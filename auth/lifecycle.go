package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmcleod/ironguard/account"
	"github.com/jmcleod/ironguard/internal/util"
)

// NormalizeUsername applies the configured case folding.
func (g *Guard) NormalizeUsername(username string) string {
	if g.cfg.LowerCaseUsernames() {
		return util.FoldLower(username)
	}
	return username
}

// Login verifies the credentials and, on success, stores the account ID in
// sess. Every failure returns ErrUnauthorized and leaves sess untouched.
func (g *Guard) Login(ctx context.Context, sess Session, username, password string) (*account.Account, error) {
	if sess == nil {
		return nil, ErrNoSession
	}
	res := g.store.FindOne(ctx, account.Query{
		Username: g.NormalizeUsername(username),
		Filter:   g.cfg.Filter,
	})
	switch res.Status {
	case account.Found:
	case account.Fault:
		g.logger.Error("login lookup failed", "error", res.Err)
		g.hasher.VerifyDummy(password)
		return nil, ErrUnauthorized
	default:
		g.hasher.VerifyDummy(password)
		return nil, ErrUnauthorized
	}

	if !g.hasher.VerifyHash(password, res.Account.PasswordHash) {
		return nil, ErrUnauthorized
	}
	sess.Set(SessionIDKey, res.Account.ID)
	return res.Account, nil
}

// Logout clears the session. It succeeds whether or not anyone was logged in.
func (g *Guard) Logout(sess Session) {
	if sess != nil {
		sess.Delete()
	}
}

// Register creates an account. The username is normalised the same way
// Login normalises it, so the account can log in with the name it chose.
func (g *Guard) Register(ctx context.Context, username, password string, fields map[string]any) (*account.Account, error) {
	username = g.NormalizeUsername(username)
	if username == "" || password == "" {
		return nil, ErrInvalidInput
	}
	hash, err := g.hasher.CreateHash(password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	created, err := g.store.Create(ctx, &account.Account{
		Username:     username,
		PasswordHash: hash,
		Fields:       fields,
	})
	if errors.Is(err, account.ErrUsernameTaken) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("registering account: %w", err)
	}
	return created, nil
}

// CreateHash hashes password with the guard's hasher.
func (g *Guard) CreateHash(password string) (string, error) {
	return g.hasher.CreateHash(password)
}

// VerifyHash reports whether password matches hash.
func (g *Guard) VerifyHash(password, hash string) bool {
	return g.hasher.VerifyHash(password, hash)
}
