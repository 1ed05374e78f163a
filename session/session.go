// Package session keeps small key/value sessions in a sealed client-side
// cookie.
//
// The cookie value is base64url(nonce || AES-256-GCM(payload)) where the
// payload is JSON {"d": values, "e": unix expiry} and the cookie name is
// bound as additional data. The AES key is derived from the configured
// secret with HKDF-SHA256 and held in a memguard enclave.
package session

import (
	"context"
	"maps"
)

type contextKey struct{}

// Session is the per-request view of the session cookie. It is not safe for
// concurrent use; each request gets its own.
type Session struct {
	values  map[string]string
	changed bool
	deleted bool
}

func newSession(values map[string]string) *Session {
	if values == nil {
		values = make(map[string]string)
	}
	return &Session{values: values}
}

// Get returns the value stored under key.
func (s *Session) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key. The cookie is rewritten when the response is
// committed.
func (s *Session) Set(key, value string) {
	s.values[key] = value
	s.changed = true
	s.deleted = false
}

// Delete clears every value and expires the cookie on the client. Calling it
// on an empty session is allowed.
func (s *Session) Delete() {
	clear(s.values)
	s.changed = true
	s.deleted = true
}

// Values returns a copy of the stored values.
func (s *Session) Values() map[string]string {
	return maps.Clone(s.values)
}

// FromContext returns the session attached by Manager.Middleware, or nil.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(contextKey{}).(*Session)
	return s
}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}
