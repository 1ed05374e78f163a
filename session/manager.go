package session

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironguard/internal/util"
)

const (
	// DefaultCookieName is the cookie used when none is configured.
	DefaultCookieName = "session"
	// DefaultTTL is how long a written session stays valid.
	DefaultTTL = 24 * time.Hour
	// MinSecretLength is the shortest accepted secret.
	MinSecretLength = 32

	// Browsers reject cookies larger than 4096 bytes including the name.
	maxCookieSize = 4096

	hkdfInfo = "ironguard:session:v1"
)

var (
	// ErrSecretTooShort is returned by NewManager for secrets under
	// MinSecretLength bytes.
	ErrSecretTooShort = fmt.Errorf("session secret must be at least %d bytes", MinSecretLength)
	// ErrClosed is returned when sealing or opening after Close.
	ErrClosed = errors.New("session manager closed")
	errExpired = errors.New("session expired")
)

// Manager seals sessions into cookies and restores them from requests. It is
// safe for concurrent use.
type Manager struct {
	key        atomic.Pointer[memguard.Enclave]
	cookieName string
	path       string
	ttl        time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithCookieName sets the cookie name.
func WithCookieName(name string) Option {
	return func(m *Manager) { m.cookieName = name }
}

// WithTTL sets how long a session cookie stays valid after it is written.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithPath sets the cookie path.
func WithPath(path string) Option {
	return func(m *Manager) { m.path = path }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager derives the cookie key from secret. The caller's secret slice
// is not retained.
func NewManager(secret []byte, opts ...Option) (*Manager, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}
	m := &Manager{
		cookieName: DefaultCookieName,
		path:       "/",
		ttl:        DefaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cookieName == "" {
		m.cookieName = DefaultCookieName
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	m.logger = m.logger.With("component", "session")

	key, err := util.HKDF(secret, nil, []byte(hkdfInfo))
	if err != nil {
		return nil, fmt.Errorf("deriving session key: %w", err)
	}
	// NewEnclave wipes key.
	m.key.Store(memguard.NewEnclave(key))
	return m, nil
}

// CookieName returns the configured cookie name.
func (m *Manager) CookieName() string {
	return m.cookieName
}

// Close drops the session key. Later Seal and Open calls fail with ErrClosed.
func (m *Manager) Close() {
	m.key.Store(nil)
}

type payload struct {
	Data    map[string]string `json:"d"`
	Expires int64             `json:"e"`
}

func (m *Manager) withKey(fn func(key []byte) error) error {
	enclave := m.key.Load()
	if enclave == nil {
		return ErrClosed
	}
	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("opening session key: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Seal encodes values as a cookie value expiring at expires.
func (m *Manager) Seal(values map[string]string, expires time.Time) (string, error) {
	plain, err := json.Marshal(payload{Data: values, Expires: expires.Unix()})
	if err != nil {
		return "", fmt.Errorf("encoding session: %w", err)
	}
	var sealed []byte
	err = m.withKey(func(key []byte) error {
		sealed, err = util.EncryptAESWithAAD(plain, key, []byte(m.cookieName))
		return err
	})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decodes a cookie value produced by Seal. Tampered, foreign and expired
// values return an error.
func (m *Manager) Open(value string) (map[string]string, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decoding session cookie: %w", err)
	}
	var plain []byte
	err = m.withKey(func(key []byte) error {
		plain, err = util.DecryptAESWithAAD(sealed, key, []byte(m.cookieName))
		return err
	})
	if err != nil {
		return nil, err
	}
	var p payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("decoding session payload: %w", err)
	}
	if !m.now().Before(time.Unix(p.Expires, 0)) {
		return nil, errExpired
	}
	return p.Data, nil
}

// Load returns the session carried by r, or an empty session when the
// cookie is absent or unusable.
func (m *Manager) Load(r *http.Request) *Session {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil || cookie.Value == "" {
		return newSession(nil)
	}
	values, err := m.Open(cookie.Value)
	if err != nil {
		m.logger.Debug("discarding session cookie", "error", err, "remote_addr", r.RemoteAddr)
		return newSession(nil)
	}
	return newSession(values)
}

// Save writes the Set-Cookie header for s if it changed.
func (m *Manager) Save(w http.ResponseWriter, r *http.Request, s *Session) error {
	if !s.changed {
		return nil
	}
	s.changed = false
	if s.deleted {
		http.SetCookie(w, m.expiredCookie(r))
		return nil
	}
	expires := m.now().Add(m.ttl)
	value, err := m.Seal(s.values, expires)
	if err != nil {
		return err
	}
	cookie := m.cookie(r, value, expires)
	if len(cookie.String()) > maxCookieSize {
		return fmt.Errorf("session cookie exceeds %d bytes", maxCookieSize)
	}
	http.SetCookie(w, cookie)
	return nil
}

func (m *Manager) cookie(r *http.Request, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     m.cookieName,
		Value:    value,
		Path:     m.path,
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  expires,
	}
}

func (m *Manager) expiredCookie(r *http.Request) *http.Cookie {
	c := m.cookie(r, "", time.Unix(0, 0))
	c.MaxAge = -1
	return c
}

// Middleware attaches a Session to each request and writes the cookie back
// before the response headers are sent.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := m.Load(r)
		cw := &commitWriter{ResponseWriter: w}
		cw.commit = func() {
			if err := m.Save(w, r, s); err != nil {
				m.logger.Error("failed to write session cookie", "error", err)
			}
		}
		next.ServeHTTP(cw, r.WithContext(NewContext(r.Context(), s)))
		cw.flushCommit()
	})
}

// commitWriter saves the session the first time headers are about to go out.
type commitWriter struct {
	http.ResponseWriter
	commit    func()
	committed bool
}

func (w *commitWriter) flushCommit() {
	if !w.committed {
		w.committed = true
		w.commit()
	}
}

func (w *commitWriter) WriteHeader(code int) {
	w.flushCommit()
	w.ResponseWriter.WriteHeader(code)
}

func (w *commitWriter) Write(b []byte) (int, error) {
	w.flushCommit()
	return w.ResponseWriter.Write(b)
}

func (w *commitWriter) Flush() {
	w.flushCommit()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *commitWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
