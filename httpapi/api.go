package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/campusdesk/authcore"
	"github.com/campusdesk/authcore/internal/httpx"
	"github.com/campusdesk/authcore/middleware"
)

// API serves the authentication and authorization endpoints of one Engine.
type API struct {
	engine *authcore.Engine
	cfg    authcore.Config
	logger *zap.Logger
}

func New(engine *authcore.Engine) *API {
	return &API{
		engine: engine,
		cfg:    engine.Config(),
		logger: engine.Logger(),
	}
}

// Route describes the guard placed in front of a domain handler.
type Route struct {
	// Permission is checked through Engine.Authorize.
	Permission string
	// Scope derives the authorization scope; nil means universal.
	Scope middleware.ScopeFunc
	// Sensitive routes answer a denial with 404 when
	// Authorization.MaskForbidden is set.
	Sensitive bool
	// Idempotent routes honour the idempotency header.
	Idempotent bool
}

// Protect wraps h with authentication, the permission check of route and,
// for idempotent routes, replay of keyed requests.
func (a *API) Protect(route Route, h http.Handler) http.Handler {
	if route.Idempotent {
		h = middleware.Idempotency(middleware.IdempotencyConfig{
			Store:    a.engine.Idempotency(),
			Header:   a.cfg.Idempotency.Header,
			Recorder: a.engine,
		})(h)
	}

	var opts []middleware.RequireOption
	if route.Scope != nil {
		opts = append(opts, middleware.WithScope(route.Scope))
	}
	if route.Sensitive && a.cfg.Authorization.MaskForbidden {
		opts = append(opts, middleware.Masked())
	}
	h = middleware.Require(a.engine, route.Permission, opts...)(h)
	return middleware.Authenticate(a.engine)(h)
}

// Router returns a new router with every endpoint and the request
// middleware installed.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestContext(a.cfg.Security.TrustProxy), middleware.Logging(a.logger))
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteDetail(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteDetail(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	a.Register(r)
	return r
}

// Register mounts the endpoints on r.
func (a *API) Register(r *mux.Router) {
	throttled := middleware.RateLimit(a.engine.IPBurst(), a.cfg.Security.TrustProxy, a.engine.RecordRateLimited)
	authed := middleware.Authenticate(a.engine)

	r.Handle("/api/auth/token/", throttled(http.HandlerFunc(a.token))).Methods(http.MethodPost)
	r.Handle("/api/auth/token/refresh/", throttled(http.HandlerFunc(a.refresh))).Methods(http.MethodPost)

	r.Handle("/api/accounts/me/roles-permissions/", authed(http.HandlerFunc(a.rolesPermissions))).Methods(http.MethodGet)
	r.Handle("/api/accounts/me/sessions/", authed(http.HandlerFunc(a.sessions))).Methods(http.MethodGet)
	r.Handle("/api/accounts/logout/", authed(http.HandlerFunc(a.logout))).Methods(http.MethodPost)
	r.Handle("/api/accounts/logout/all/", authed(http.HandlerFunc(a.logoutAll))).Methods(http.MethodPost)

	admin := Route{Permission: a.cfg.Authorization.AdminPermission, Sensitive: true, Idempotent: true}
	r.Handle("/api/admin/role-assignments/", a.Protect(admin, http.HandlerFunc(a.grantRole))).Methods(http.MethodPost)
	r.Handle("/api/admin/role-assignments/", a.Protect(admin, http.HandlerFunc(a.revokeRole))).Methods(http.MethodDelete)
	r.Handle("/api/admin/users/", a.Protect(admin, http.HandlerFunc(a.registerUser))).Methods(http.MethodPost)
	r.Handle("/api/admin/users/{id}/", a.Protect(admin, http.HandlerFunc(a.setUserActive))).Methods(http.MethodPatch)
}
