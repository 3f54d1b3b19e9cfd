package middleware

import (
	"context"
	"net/http"

	"github.com/campusdesk/authcore"
	"github.com/campusdesk/authcore/internal/httpx"
)

// Authenticator turns a bearer token into a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*authcore.Principal, error)
}

// Authenticate rejects requests without an active session with 401 and
// stores the principal in the request context.
func Authenticate(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil {
				httpx.WriteError(w, authcore.ErrEngineNotReady)
				return
			}
			token, ok := httpx.BearerToken(r.Header.Get("Authorization"))
			if !ok {
				httpx.WriteError(w, authcore.ErrSessionInvalid)
				return
			}

			p, err := a.Authenticate(r.Context(), token)
			if err != nil {
				httpx.WriteError(w, err)
				return
			}

			ctx := authcore.WithPrincipal(r.Context(), p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
