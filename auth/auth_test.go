package auth

import (
	"context"
	"errors"
	"io"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironguard/account"
	"github.com/jmcleod/ironguard/hasher"
	"github.com/jmcleod/ironguard/internal/util"
	"github.com/jmcleod/ironguard/storage"
	"github.com/jmcleod/ironguard/storage/memory"
)

// fakeSession records every mutation.
type fakeSession struct {
	values  map[string]string
	sets    int
	deletes int
}

func newFakeSession() *fakeSession {
	return &fakeSession{values: map[string]string{}}
}

func (s *fakeSession) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s *fakeSession) Set(key, value string) {
	s.values[key] = value
	s.sets++
}

func (s *fakeSession) Delete() {
	clear(s.values)
	s.deletes++
}

// stubStore returns canned lookups.
type stubStore struct {
	lookup account.Lookup
}

func (s stubStore) FindOne(context.Context, account.Query) account.Lookup { return s.lookup }
func (s stubStore) Read(context.Context, string) account.Lookup { return s.lookup }
func (s stubStore) Create(context.Context, *account.Account) (*account.Account, error) {
	return nil, errors.New("read-only")
}

// conflictStore fails every Create as a backend does when concurrent
// writers exhaust its retries.
type conflictStore struct {
	stubStore
}

func (conflictStore) Create(context.Context, *account.Account) (*account.Account, error) {
	return nil, fmt.Errorf("creating account: %w", storage.ErrConflict)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHasher(t *testing.T) *hasher.Hasher {
	t.Helper()
	h, err := hasher.New(hasher.WithProfile(util.KDFProfileInteractive))
	require.NoError(t, err)
	return h
}

func newTestGuard(t *testing.T, cfg Config, opts ...Option) (*Guard, *account.Store) {
	t.Helper()
	store := account.NewStore(memory.NewRepository(), "", account.WithLogger(discardLogger()))
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	return New(store, newTestHasher(t), cfg, opts...), store
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "user", cfg.DecorateRequest)
	assert.Equal(t, "username", cfg.UsernameField)
	assert.Equal(t, "password", cfg.PasswordField)
	assert.True(t, cfg.LowerCaseUsernames())

	cfg = Config{UsernameToLowerCase: Bool(false)}.withDefaults()
	assert.False(t, cfg.LowerCaseUsernames())
}

func TestLoginSuccess(t *testing.T) {
	g, _ := newTestGuard(t, Config{})
	ctx := context.Background()
	created, err := g.Register(ctx, "foo", "bar", nil)
	require.NoError(t, err)

	sess := newFakeSession()
	acct, err := g.Login(ctx, sess, "foo", "bar")
	require.NoError(t, err)
	assert.Equal(t, created.ID, acct.ID)
	assert.Equal(t, created.ID, sess.values[SessionIDKey])
	assert.Equal(t, 1, sess.sets)
}

func TestLoginFailuresAreUniformAndLeaveSessionUntouched(t *testing.T) {
	g, _ := newTestGuard(t, Config{})
	ctx := context.Background()
	_, err := g.Register(ctx, "foo", "bar", nil)
	require.NoError(t, err)

	cases := map[string][2]string{
		"wrong password": {"foo", "bar2"},
		"unknown user":   {"nobody", "bar"},
		"empty username": {"", "bar"},
		"empty password": {"foo", ""},
	}
	for name, creds := range cases {
		t.Run(name, func(t *testing.T) {
			sess := newFakeSession()
			sess.values["other"] = "kept"
			acct, err := g.Login(ctx, sess, creds[0], creds[1])
			assert.Nil(t, acct)
			assert.ErrorIs(t, err, ErrUnauthorized)
			assert.Equal(t, 0, sess.sets)
			assert.Equal(t, 0, sess.deletes)
			assert.Equal(t, map[string]string{"other": "kept"}, sess.values)
		})
	}
}

func TestLoginStoreFaultIsUnauthorized(t *testing.T) {
	g := New(stubStore{lookup: account.Lookup{Status: account.Fault, Err: errors.New("down")}},
		newTestHasher(t), Config{}, WithLogger(discardLogger()))

	sess := newFakeSession()
	_, err := g.Login(context.Background(), sess, "foo", "bar")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, sess.values)
}

func TestLoginWithoutSession(t *testing.T) {
	g, _ := newTestGuard(t, Config{})
	_, err := g.Login(context.Background(), nil, "foo", "bar")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestLoginFoldsUsernameCase(t *testing.T) {
	g, _ := newTestGuard(t, Config{})
	ctx := context.Background()
	created, err := g.Register(ctx, "Foo", "bar", nil)
	require.NoError(t, err)
	assert.Equal(t, "foo", created.Username)

	_, err = g.Login(ctx, newFakeSession(), "FOO", "bar")
	assert.NoError(t, err)
}

func TestLoginCaseSensitiveWhenFoldingDisabled(t *testing.T) {
	g, _ := newTestGuard(t, Config{UsernameToLowerCase: Bool(false)})
	ctx := context.Background()
	_, err := g.Register(ctx, "UPPERCASE", "bar", nil)
	require.NoError(t, err)

	_, err = g.Login(ctx, newFakeSession(), "uppercase", "bar")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = g.Login(ctx, newFakeSession(), "UPPERCASE", "bar")
	assert.NoError(t, err)
}

func TestLoginAppliesFilter(t *testing.T) {
	g, store := newTestGuard(t, Config{Filter: account.Filter{account.Ne(account.FieldDisabled, true)}})
	ctx := context.Background()
	acct, err := g.Register(ctx, "foo", "bar", nil)
	require.NoError(t, err)

	_, err = g.Login(ctx, newFakeSession(), "foo", "bar")
	require.NoError(t, err)

	acct.Fields = map[string]any{account.FieldDisabled: true}
	require.NoError(t, store.Update(ctx, acct))

	sess := newFakeSession()
	_, err = g.Login(ctx, sess, "foo", "bar")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, sess.values)
}

func TestLogoutIsIdempotent(t *testing.T) {
	g, _ := newTestGuard(t, Config{})
	sess := newFakeSession()
	sess.values[SessionIDKey] = "abc"

	g.Logout(sess)
	g.Logout(sess)
	g.Logout(nil)
	assert.Empty(t, sess.values)
	assert.Equal(t, 2, sess.deletes)
}

func TestRegisterValidation(t *testing.T) {
	g, _ := newTestGuard(t, Config{})
	ctx := context.Background()

	_, err := g.Register(ctx, "", "bar", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = g.Register(ctx, "foo", "", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = g.Register(ctx, "foo", "bar", nil)
	require.NoError(t, err)
	_, err = g.Register(ctx, "FOO", "baz", nil)
	assert.ErrorIs(t, err, account.ErrUsernameTaken)
}

func TestHashPassThrough(t *testing.T) {
	g, _ := newTestGuard(t, Config{})
	hash, err := g.CreateHash("bar")
	require.NoError(t, err)
	assert.True(t, g.VerifyHash("bar", hash))
	assert.False(t, g.VerifyHash("bar2", hash))
	assert.False(t, g.VerifyHash("bar", "garbage"))
}

// withSession routes the guard's session lookups to sess.
func withSession(sess Session) Option {
	return WithSessionSource(func(*http.Request) Session { return sess })
}

func resolveAndCapture(g *Guard, next http.Handler) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	g.Resolve(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	return rec
}

func TestResolveAttachesAccount(t *testing.T) {
	sess := newFakeSession()
	g, _ := newTestGuard(t, Config{}, withSession(sess))
	created, err := g.Register(context.Background(), "foo", "bar", nil)
	require.NoError(t, err)
	sess.values[SessionIDKey] = created.ID

	var got *account.Account
	resolveAndCapture(g, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = AccountFromContext(r.Context())
		assert.True(t, g.IsAuthorized(r))
	}))
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)
}

func TestResolveWithoutSessionID(t *testing.T) {
	g, _ := newTestGuard(t, Config{}, withSession(newFakeSession()))
	resolveAndCapture(g, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := AccountFromContext(r.Context())
		assert.False(t, ok)
		assert.NotNil(t, stateFromContext(r.Context()), "state is installed even when unauthenticated")
	}))
}

func TestResolveUnknownOrFaultLeavesRequestUnauthenticated(t *testing.T) {
	for _, lookup := range []account.Lookup{
		{Status: account.NotFound},
		{Status: account.Fault, Err: errors.New("down")},
	} {
		t.Run(lookup.Status.String(), func(t *testing.T) {
			sess := newFakeSession()
			sess.values[SessionIDKey] = "abc"
			g := New(stubStore{lookup: lookup}, newTestHasher(t), Config{},
				WithLogger(discardLogger()), withSession(sess))

			rec := resolveAndCapture(g, g.Authorized(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("protected handler must not run")
			})))
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
		})
	}
}

func TestResolveAppliesFilterToExistingSession(t *testing.T) {
	sess := newFakeSession()
	g, store := newTestGuard(t, Config{Filter: account.Filter{account.Ne(account.FieldDisabled, true)}}, withSession(sess))
	ctx := context.Background()
	acct, err := g.Register(ctx, "foo", "bar", nil)
	require.NoError(t, err)
	_, err = g.Login(ctx, sess, "foo", "bar")
	require.NoError(t, err)

	protected := g.Authorized(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	assert.Equal(t, http.StatusNoContent, resolveAndCapture(g, protected).Code)

	acct.Fields = map[string]any{account.FieldDisabled: true}
	require.NoError(t, store.Update(ctx, acct))

	assert.Equal(t, http.StatusUnauthorized, resolveAndCapture(g, protected).Code)
	assert.Equal(t, acct.ID, sess.values[SessionIDKey], "the cookie stays valid; the account is what gets rejected")
}

func TestAuthorizedRejectsMismatchedIDs(t *testing.T) {
	sess := newFakeSession()
	sess.values[SessionIDKey] = "session-id"
	other := &account.Account{ID: "other-id", Username: "foo"}
	g := New(stubStore{lookup: account.Lookup{Status: account.Found, Account: other}}, newTestHasher(t), Config{},
		WithLogger(discardLogger()), withSession(sess))

	rec := resolveAndCapture(g, g.Authorized(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("protected handler must not run")
	})))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthorizedWithoutResolve(t *testing.T) {
	sess := newFakeSession()
	sess.values[SessionIDKey] = "abc"
	g, _ := newTestGuard(t, Config{}, withSession(sess))

	rec := httptest.NewRecorder()
	g.Authorized(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("protected handler must not run")
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDefaultSessionSourceWithoutMiddleware(t *testing.T) {
	g, _ := newTestGuard(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, g.sessions(req))
}
