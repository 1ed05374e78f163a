// Package auth guards an HTTP pipeline with session-cookie authentication.
//
// A Guard resolves the session's account on every request (Resolve), gates
// protected routes (Authorized) and drives the login/logout lifecycle.
// Failures are uniform: a missing account, a filtered-out account, a wrong
// password and a storage fault all end in ErrUnauthorized.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/jmcleod/ironguard/account"
	"github.com/jmcleod/ironguard/hasher"
	"github.com/jmcleod/ironguard/session"
)

// SessionIDKey is the session key holding the authenticated account ID.
const SessionIDKey = "_id"

var (
	// ErrUnauthorized is returned for every failed login.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidInput is returned for empty usernames or passwords on
	// registration.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNoSession is returned when no session is attached to the request.
	ErrNoSession = errors.New("no session attached to request")
)

// Session is the per-request session the guard reads and mutates.
type Session interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete()
}

// SessionSource returns the session for r, or nil when none is attached.
type SessionSource func(r *http.Request) Session

// AccountStore is the account lookup and creation surface the guard needs.
// *account.Store implements it.
type AccountStore interface {
	FindOne(ctx context.Context, q account.Query) account.Lookup
	Read(ctx context.Context, id string) account.Lookup
	Create(ctx context.Context, a *account.Account) (*account.Account, error)
}

var _ AccountStore = (*account.Store)(nil)

// Guard is immutable after New and safe for concurrent use.
type Guard struct {
	store    AccountStore
	hasher   *hasher.Hasher
	cfg      Config
	sessions SessionSource
	logger   *slog.Logger
	audit    *auditLogger
	alertFn  AlertFunc
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the structured logger for diagnostics and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// WithSessionSource replaces the default source, which reads the session
// attached by session.Manager.Middleware.
func WithSessionSource(src SessionSource) Option {
	return func(g *Guard) { g.sessions = src }
}

// WithAlertFunc registers a callback for anomalies such as login failure
// spikes.
func WithAlertFunc(fn AlertFunc) Option {
	return func(g *Guard) { g.alertFn = fn }
}

// New returns a Guard over store using h for password hashing.
func New(store AccountStore, h *hasher.Hasher, cfg Config, opts ...Option) *Guard {
	g := &Guard{
		store:    store,
		hasher:   h,
		cfg:      cfg.withDefaults(),
		sessions: cookieSession,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	g.audit = newAuditLogger(g.logger)
	if g.alertFn != nil {
		g.audit.metrics = newMetricsCollector(g.alertFn)
	}
	g.logger = g.logger.With("component", "auth")
	return g
}

// Config returns the effective configuration.
func (g *Guard) Config() Config {
	return g.cfg
}

func cookieSession(r *http.Request) Session {
	// Avoid returning a typed nil inside the interface.
	if s := session.FromContext(r.Context()); s != nil {
		return s
	}
	return nil
}
