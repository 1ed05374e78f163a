package auth

import (
	"context"

	"github.com/jmcleod/ironguard/account"
)

type contextKey struct{}

// requestState is installed by Resolve once per request.
type requestState struct {
	account *account.Account
}

func stateFromContext(ctx context.Context) *requestState {
	st, _ := ctx.Value(contextKey{}).(*requestState)
	return st
}

// AccountFromContext returns the account Resolve attached to the request.
func AccountFromContext(ctx context.Context) (*account.Account, bool) {
	st := stateFromContext(ctx)
	if st == nil || st.account == nil {
		return nil, false
	}
	return st.account, true
}
