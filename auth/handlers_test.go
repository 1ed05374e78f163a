package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironguard/account"
)

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	return rec
}

func TestLoginHandler(t *testing.T) {
	sess := newFakeSession()
	g, _ := newTestGuard(t, Config{}, withSession(sess))
	_, err := g.Register(context.Background(), "foo", "bar", map[string]any{"email": "foo@example.com"})
	require.NoError(t, err)

	rec := post(http.HandlerFunc(g.LoginHandler), `{"username":"foo","password":"bar"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "foo", body["account"]["username"])
	assert.Equal(t, "foo@example.com", body["account"]["email"])
	assert.NotContains(t, body["account"], "passwordHash")
	assert.Equal(t, body["account"]["id"], sess.values[SessionIDKey])
}

func TestLoginHandlerFailuresShareOneBody(t *testing.T) {
	g, _ := newTestGuard(t, Config{}, withSession(newFakeSession()))
	_, err := g.Register(context.Background(), "foo", "bar", nil)
	require.NoError(t, err)

	wrong := post(http.HandlerFunc(g.LoginHandler), `{"username":"foo","password":"bar2"}`)
	missing := post(http.HandlerFunc(g.LoginHandler), `{"username":"nobody","password":"bar"}`)
	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, http.StatusUnauthorized, missing.Code)
	assert.Equal(t, wrong.Body.String(), missing.Body.String())
	assert.JSONEq(t, `{"error":"unauthorized"}`, wrong.Body.String())
}

func TestLoginHandlerBadRequest(t *testing.T) {
	g, _ := newTestGuard(t, Config{}, withSession(newFakeSession()))
	for _, body := range []string{
		``,
		`not json`,
		`[]`,
		`null`,
		`{"username":"foo"}`,
		`{"username":1,"password":"bar"}`,
	} {
		rec := post(http.HandlerFunc(g.LoginHandler), body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

func TestLoginHandlerCustomFields(t *testing.T) {
	sess := newFakeSession()
	g, _ := newTestGuard(t, Config{UsernameField: "email", PasswordField: "secret"}, withSession(sess))
	_, err := g.Register(context.Background(), "foo@example.com", "bar", nil)
	require.NoError(t, err)

	rec := post(http.HandlerFunc(g.LoginHandler), `{"email":"foo@example.com","secret":"bar"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = post(http.HandlerFunc(g.LoginHandler), `{"username":"foo@example.com","password":"bar"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginHandlerWithoutSession(t *testing.T) {
	g, _ := newTestGuard(t, Config{})
	rec := post(http.HandlerFunc(g.LoginHandler), `{"username":"foo","password":"bar"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLogoutHandler(t *testing.T) {
	sess := newFakeSession()
	sess.values[SessionIDKey] = "abc"
	g, _ := newTestGuard(t, Config{}, withSession(sess))

	rec := post(http.HandlerFunc(g.LogoutHandler), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())
	assert.Empty(t, sess.values)
}

func TestCurrentUserHandler(t *testing.T) {
	sess := newFakeSession()
	g, _ := newTestGuard(t, Config{DecorateRequest: "me"}, withSession(sess))

	rec := httptest.NewRecorder()
	g.Resolve(http.HandlerFunc(g.CurrentUserHandler)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"me":null}`, rec.Body.String())

	created, err := g.Register(context.Background(), "foo", "bar", nil)
	require.NoError(t, err)
	sess.values[SessionIDKey] = created.ID

	rec = httptest.NewRecorder()
	g.Resolve(http.HandlerFunc(g.CurrentUserHandler)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, created.ID, body["me"]["id"])
}

func TestRegisterHandler(t *testing.T) {
	g, _ := newTestGuard(t, Config{RegisterFields: []string{"email", "disabled"}})

	rec := post(http.HandlerFunc(g.RegisterHandler), `{"username":"Foo","password":"bar","email":"foo@example.com","disabled":true,"role":"admin"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "foo", body["account"]["username"])
	assert.Equal(t, "foo@example.com", body["account"]["email"])
	assert.NotContains(t, body["account"], "disabled")
	assert.NotContains(t, body["account"], "role", "fields outside RegisterFields are dropped")
	assert.NotContains(t, body["account"], "password")

	rec = post(http.HandlerFunc(g.RegisterHandler), `{"username":"foo","password":"baz"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = post(http.HandlerFunc(g.RegisterHandler), `{"username":"","password":"baz"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(http.HandlerFunc(g.RegisterHandler), `{"username":"bar"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterHandlerDropsClientFieldsByDefault(t *testing.T) {
	g, store := newTestGuard(t, Config{})

	rec := post(http.HandlerFunc(g.RegisterHandler), `{"username":"foo","password":"bar","email":"foo@example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	res := store.FindOne(context.Background(), account.Query{Username: "foo"})
	require.Equal(t, account.Found, res.Status)
	assert.Empty(t, res.Account.Fields)
}

func TestRegisterHandlerCannotSatisfyFilter(t *testing.T) {
	sess := newFakeSession()
	g, _ := newTestGuard(t, Config{
		Filter:         account.Filter{account.Eq("approved", true)},
		RegisterFields: []string{"approved", "email"},
	}, withSession(sess))

	rec := post(http.HandlerFunc(g.RegisterHandler), `{"username":"mallory","password":"pw","approved":true,"email":"m@example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotContains(t, body["account"], "approved")
	assert.Equal(t, "m@example.com", body["account"]["email"])

	rec = post(http.HandlerFunc(g.LoginHandler), `{"username":"mallory","password":"pw"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, sess.values)
}

func TestRegisterHandlerConflictIsRetryable(t *testing.T) {
	g := New(conflictStore{}, newTestHasher(t), Config{}, WithLogger(discardLogger()))

	rec := post(http.HandlerFunc(g.RegisterHandler), `{"username":"foo","password":"bar"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLoginFailureSpikeRaisesAlert(t *testing.T) {
	var alerts []AlertEvent
	g, _ := newTestGuard(t, Config{}, withSession(newFakeSession()),
		WithAlertFunc(func(e AlertEvent) { alerts = append(alerts, e) }))
	g.audit.metrics.loginFailures.threshold = 3

	for range 3 {
		rec := post(http.HandlerFunc(g.LoginHandler), `{"username":"nobody","password":"bar"}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLoginFailureSpike, alerts[0].Type)
}
