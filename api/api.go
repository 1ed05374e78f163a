// Package api mounts the auth guard's handlers on a chi router together with
// the OpenAPI document and its rendered docs.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/ironguard/auth"
	"github.com/jmcleod/ironguard/session"
)

// DefaultBasePath is where cmd/ironguard mounts Router.
const DefaultBasePath = "/api/v1"

// API holds the dependencies needed by the REST handlers.
type API struct {
	guard    *auth.Guard
	sessions *session.Manager
	basePath string
	logger   *slog.Logger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithBasePath sets the prefix Router is mounted under, used to build the
// docs links. Default DefaultBasePath.
func WithBasePath(path string) Option {
	return func(a *API) { a.basePath = path }
}

// New creates a new API instance.
func New(guard *auth.Guard, sessions *session.Manager, opts ...Option) *API {
	a := &API{
		guard:    guard,
		sessions: sessions,
		basePath: DefaultBasePath,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.logger = a.logger.With("component", "api")
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: a.basePath + "/openapi.yaml",
		Path:    strings.TrimLeft(a.basePath, "/") + "/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: a.basePath + "/openapi.yaml",
		Path:    strings.TrimLeft(a.basePath, "/") + "/redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		// The session must be loaded before the guard resolves it.
		r.Use(SecurityHeaders, a.sessions.Middleware, a.guard.Resolve)

		r.Post("/auth/register", a.guard.RegisterHandler)
		r.Post("/auth/login", a.guard.LoginHandler)
		r.Post("/auth/logout", a.guard.LogoutHandler)
		r.With(a.guard.Authorized).Get("/auth/currentUser", a.guard.CurrentUserHandler)
	})

	return r
}
