package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/ironguard/account"
	"github.com/jmcleod/ironguard/storage"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// AccountResponse is the body of successful login and register replies.
type AccountResponse struct {
	Account *account.Account `json:"account"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// credentials reads the configured username and password fields from a JSON
// object body.
func (g *Guard) credentials(w http.ResponseWriter, r *http.Request) (username, password string, fields map[string]any, ok bool) {
	var body map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil || body == nil {
		return "", "", nil, false
	}
	username, uok := body[g.cfg.UsernameField].(string)
	password, pok := body[g.cfg.PasswordField].(string)
	if !uok || !pok {
		return "", "", nil, false
	}
	delete(body, g.cfg.UsernameField)
	delete(body, g.cfg.PasswordField)
	return username, password, body, true
}

// LoginHandler handles a JSON credential body. It replies 200 with the
// account, 401 on any credential failure and 400 on a malformed body.
func (g *Guard) LoginHandler(w http.ResponseWriter, r *http.Request) {
	sess := g.sessions(r)
	if sess == nil {
		g.logger.Error("login without session middleware")
		writeError(w, http.StatusInternalServerError, "session unavailable")
		return
	}
	username, password, _, ok := g.credentials(w, r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	acct, err := g.Login(r.Context(), sess, username, password)
	if err != nil {
		g.audit.logFailure(AuditLoginFailure, r, "invalid credentials")
		writeError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
		return
	}
	g.audit.logEvent(AuditLoginSuccess, r, acct.ID)
	writeJSON(w, http.StatusOK, AccountResponse{Account: acct})
}

// LogoutHandler clears the session and replies 200 {}.
func (g *Guard) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	var accountID string
	if acct, ok := AccountFromContext(r.Context()); ok {
		accountID = acct.ID
	}
	g.Logout(g.sessions(r))
	g.audit.logEvent(AuditLogout, r, accountID)
	writeJSON(w, http.StatusOK, struct{}{})
}

// CurrentUserHandler replies with the resolved account, or null, under the
// configured DecorateRequest key. It performs no authorization itself.
func (g *Guard) CurrentUserHandler(w http.ResponseWriter, r *http.Request) {
	acct, _ := AccountFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]*account.Account{g.cfg.DecorateRequest: acct})
}

// RegisterHandler creates an account from a JSON body. Only the body fields
// named in Config.RegisterFields are stored on the account.
func (g *Guard) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	username, password, body, ok := g.credentials(w, r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var fields map[string]any
	for name, v := range body {
		if !g.cfg.registerable(name) {
			continue
		}
		if fields == nil {
			fields = make(map[string]any)
		}
		fields[name] = v
	}

	acct, err := g.Register(r.Context(), username, password, fields)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	case errors.Is(err, account.ErrUsernameTaken):
		g.audit.logFailure(AuditRegisterFailure, r, "username taken")
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, storage.ErrConflict):
		g.logger.Warn("registration lost a write race", "error", err)
		writeError(w, http.StatusServiceUnavailable, "registration conflicted, retry")
		return
	default:
		g.logger.Error("registration failed", "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	g.audit.logEvent(AuditRegister, r, acct.ID, slog.String("username", acct.Username))
	writeJSON(w, http.StatusOK, AccountResponse{Account: acct})
}
