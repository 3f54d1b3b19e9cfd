package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/campusdesk/authcore"
	"github.com/campusdesk/authcore/internal/httpx"
)

// Authorizer is the single authorization checkpoint.
type Authorizer interface {
	Authorize(ctx context.Context, p *authcore.Principal, perm string, scope authcore.Scope) error
}

// ScopeFunc derives the scope of a request.
type ScopeFunc func(*http.Request) authcore.Scope

type requireOptions struct {
	scope  ScopeFunc
	masked bool
}

type RequireOption func(*requireOptions)

// WithScope sets how the scope is read from the request. Without it every
// check is made in the universal scope.
func WithScope(fn ScopeFunc) RequireOption {
	return func(o *requireOptions) { o.scope = fn }
}

// Masked answers a denial with 404 so the route does not reveal that the
// resource exists.
func Masked() RequireOption {
	return func(o *requireOptions) { o.masked = true }
}

// ScopeFromQuery reads the scope from a query parameter.
func ScopeFromQuery(name string) ScopeFunc {
	return func(r *http.Request) authcore.Scope {
		return authcore.ScopeOf(r.URL.Query().Get(name))
	}
}

// ScopeFromVar reads the scope from a gorilla/mux path variable.
func ScopeFromVar(name string) ScopeFunc {
	return func(r *http.Request) authcore.Scope {
		return authcore.ScopeOf(mux.Vars(r)[name])
	}
}

// Require admits the request only if the authenticated principal holds perm.
// It must run after Authenticate.
func Require(a Authorizer, perm string, opts ...RequireOption) func(http.Handler) http.Handler {
	var o requireOptions
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := authcore.PrincipalFromContext(r.Context())
			if !ok {
				httpx.WriteError(w, authcore.ErrSessionInvalid)
				return
			}
			scope := authcore.Universal()
			if o.scope != nil {
				scope = o.scope(r)
			}

			err := a.Authorize(r.Context(), p, perm, scope)
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, authcore.ErrForbidden) && o.masked:
				httpx.WriteDetail(w, http.StatusNotFound, "not found")
			default:
				httpx.WriteError(w, err)
			}
		})
	}
}
