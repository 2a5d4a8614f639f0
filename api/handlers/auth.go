package handlers

import (
	"context"
	"net/http"
	"slices"

	"github.com/giftlane/relay/realtime/pkg/auth"
)

type identityContextKey struct{}

// ContextWithIdentity returns a new context carrying id.
func ContextWithIdentity(ctx context.Context, id *auth.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the authenticated caller, or nil.
func IdentityFromContext(ctx context.Context) *auth.Identity {
	id, _ := ctx.Value(identityContextKey{}).(*auth.Identity)
	return id
}

// RequireAuth rejects requests without a valid bearer token. Failure
// reasons stay in the logs; clients always see the same message.
func (a *API) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.cfg.Verifier.Verify(auth.TokenFromRequest(r))
		if err != nil {
			a.log.Debug("api: authentication failed", "path", r.URL.Path, "reason", auth.ReasonOf(err))
			w.Header().Set("WWW-Authenticate", `Bearer realm="relay"`)
			writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
	})
}

// RequireAdmin must run after RequireAuth.
func (a *API) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFromContext(r.Context())
		if id == nil || !slices.Contains(a.cfg.Admins, id.UserID) {
			writeErrorCode(w, http.StatusForbidden, "forbidden", "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
