package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/jmcleod/ironguard/account"
)

// Resolve attaches the session's account, if any, to the request context.
// Accounts the configured filter excludes are treated as missing. It never
// rejects a request; lookups that miss or fail leave the request
// unauthenticated.
func (g *Guard) Resolve(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := &requestState{}
		ctx := context.WithValue(r.Context(), contextKey{}, st)
		if sess := g.sessions(r); sess != nil {
			if id, ok := sess.Get(SessionIDKey); ok && id != "" {
				st.account = g.resolve(ctx, id)
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Guard) resolve(ctx context.Context, id string) *account.Account {
	res := g.store.Read(ctx, id)
	switch res.Status {
	case account.Found:
		if !g.cfg.Filter.MatchAccount(res.Account) {
			g.logger.Debug("session account excluded by filter", "account_id", id)
			return nil
		}
		return res.Account
	case account.Fault:
		g.logger.Error("resolving session account failed", "account_id", id, "error", res.Err)
		return nil
	default:
		g.logger.Debug("session references unknown account", "account_id", id)
		return nil
	}
}

// IsAuthorized reports whether r carries a session ID that matches the
// account Resolve attached.
func (g *Guard) IsAuthorized(r *http.Request) bool {
	st := stateFromContext(r.Context())
	if st == nil || st.account == nil {
		return false
	}
	sess := g.sessions(r)
	if sess == nil {
		return false
	}
	id, ok := sess.Get(SessionIDKey)
	return ok && id != "" && id == st.account.ID
}

// Authorized rejects requests that are not authorized with 401 before they
// reach next. It must run after Resolve.
func (g *Guard) Authorized(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.IsAuthorized(r) {
			g.audit.logFailure(AuditUnauthorized, r, "session does not match a resolved account",
				slog.String("path", r.URL.Path))
			writeError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
