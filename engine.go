package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/campusdesk/authcore/cache"
	"github.com/campusdesk/authcore/credential"
	"github.com/campusdesk/authcore/graph"
	"github.com/campusdesk/authcore/idempotency"
	internalaudit "github.com/campusdesk/authcore/internal/audit"
	"github.com/campusdesk/authcore/internal/flows"
	"github.com/campusdesk/authcore/internal/rate"
	"github.com/campusdesk/authcore/jwt"
	"github.com/campusdesk/authcore/permission"
	"github.com/campusdesk/authcore/session"
)

// UserRecord is the identity record kept by the credential store.
type UserRecord = credential.User

// Engine is the request gateway: it authenticates callers, tracks their
// sessions and answers every authorization question through Authorize.
//
// An Engine is built once by a Builder and is safe for concurrent use.
type Engine struct {
	config Config

	cache       *cache.Client
	catalog     *permission.Catalog
	credentials *credential.Verifier
	userStore   credential.Store
	graph       graph.Graph
	resolver    *permission.Resolver
	sessions    *session.Registry
	jwtManager  *jwt.Manager
	rateLimiter *rate.Limiter
	ipBurst     *rate.IPBurst
	idempotency *idempotency.Store
	audit       *internalaudit.Dispatcher
	metrics     *Metrics
	logger      *zap.Logger
	clock       func() time.Time

	flows flows.Service
}

func (e *Engine) flowDeps() flows.Deps {
	warn := func(msg string, err error) {
		e.logger.Warn(msg, zap.Error(err))
	}
	return flows.Deps{
		Login: flows.LoginDeps{
			RateLimiter: e.rateLimiter,
			Credentials: e.credentials,
			Sessions:    e.sessions,
			Issuer:      e.jwtManager,
			Warn:        warn,
		},
		Refresh: flows.RefreshDeps{
			RateLimiter: e.rateLimiter,
			Credentials: e.credentials,
			Sessions:    e.sessions,
			Issuer:      e.jwtManager,
			Warn:        warn,
		},
		Authenticate: flows.AuthenticateDeps{
			Issuer:   e.jwtManager,
			Sessions: e.sessions,
		},
		Logout: flows.LogoutDeps{
			Sessions: e.sessions,
		},
		Authorize: flows.AuthorizeDeps{
			Permissions: e.resolver,
		},
	}
}

func (e *Engine) onPermissionEvent(ev permission.Event) {
	switch ev {
	case permission.EventHit:
		e.metricInc(MetricPermissionCacheHit)
	case permission.EventMiss:
		e.metricInc(MetricPermissionCacheMiss)
	case permission.EventFallback:
		e.metricInc(MetricPermissionCacheFallback)
	case permission.EventStaleWriteRejected:
		e.metricInc(MetricPermissionStaleWriteRejected)
	case permission.EventInvalidate:
		e.metricInc(MetricPermissionInvalidate)
	case permission.EventInvalidateFailure:
		e.metricInc(MetricPermissionInvalidateFailure)
	}
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) ready() bool {
	return e != nil && e.flows.Initialized()
}

// Close stops the audit dispatcher after delivering queued events and waits
// for pending location lookups. It does not close the Redis client.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.sessions != nil {
		_ = e.sessions.Close()
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// Config returns a copy of the configuration the Engine was built with.
func (e *Engine) Config() Config {
	return cloneConfig(e.config)
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Logger returns the logger the Engine was built with.
func (e *Engine) Logger() *zap.Logger { return e.logger }

// Idempotency returns the reservation store used by the idempotency
// middleware.
func (e *Engine) Idempotency() *idempotency.Store { return e.idempotency }

// IPBurst returns the per-IP token bucket, or nil when it is disabled.
func (e *Engine) IPBurst() *rate.IPBurst { return e.ipBurst }

// RecordIdempotency counts one idempotency outcome. err is the result of
// idempotency.Store.Do.
func (e *Engine) RecordIdempotency(replayed bool, err error) {
	switch {
	case err == nil && replayed:
		e.metricInc(MetricIdempotencyReplayed)
	case err == nil:
		e.metricInc(MetricIdempotencyExecuted)
	case errors.Is(err, ErrConflictInProgress):
		e.metricInc(MetricIdempotencyConflict)
	case errors.Is(err, ErrIdempotencyKeyReused):
		e.metricInc(MetricIdempotencyKeyReused)
	}
}

// RecordRateLimited counts a request refused by the per-IP token bucket.
func (e *Engine) RecordRateLimited() {
	e.metricInc(MetricRateLimitHit)
}

// Ping checks the shared cache. The server readiness endpoint calls it.
func (e *Engine) Ping(ctx context.Context) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	return e.cache.Ping(ctx)
}

// SweepSessions prunes dead entries from the per-user session indexes.
func (e *Engine) SweepSessions(ctx context.Context) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	n, err := e.sessions.Sweep(ctx)
	if err != nil {
		e.logger.Warn("session sweep failed", zap.Int("removed", n), zap.Error(err))
		return n, err
	}
	e.logger.Debug("session sweep finished", zap.Int("removed", n))
	return n, nil
}

/*
====================================
AUTHENTICATION
====================================
*/

// Login verifies identifier and secret, opens a session and returns a
// token pair. The client IP is taken from ctx (see WithClientIP).
func (e *Engine) Login(ctx context.Context, identifier, secret string) (TokenPair, error) {
	if !e.ready() {
		return TokenPair{}, ErrEngineNotReady
	}
	res := e.flows.Login(ctx, identifier, secret, clientIPFromContext(ctx))
	identifier = credential.NormalizeIdentifier(identifier)
	meta := func(reason string) func() map[string]string {
		return func() map[string]string {
			return map[string]string{"identifier": identifier, "reason": reason}
		}
	}

	switch res.Failure {
	case flows.LoginFailureNone:
	case flows.LoginFailureRateLimited:
		e.metricInc(MetricLoginRateLimited)
		e.emitAudit(ctx, auditEventLoginRateLimited, false, "", "", ErrLoginRateLimited, meta("rate_limited"))
		return TokenPair{}, ErrLoginRateLimited
	case flows.LoginFailureCredentials:
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", "", ErrInvalidCredentials, meta("credentials"))
		return TokenPair{}, ErrInvalidCredentials
	case flows.LoginFailureInactive:
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, res.UserID, "", ErrUserInactive, meta("inactive"))
		return TokenPair{}, ErrUserInactive
	default:
		e.metricInc(MetricLoginFailure)
		e.logger.Error("login failed", zap.String("request_id", RequestIDFromContext(ctx)), zap.Error(res.Err))
		e.emitAudit(ctx, auditEventLoginFailure, false, res.UserID, "", res.Err, meta("backend"))
		return TokenPair{}, res.Err
	}

	e.metricInc(MetricLoginSuccess)
	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventLoginSuccess, true, res.UserID, res.Tokens.Session.ID, nil, nil)
	return tokenPair(res.Tokens), nil
}

// Refresh rotates the session behind refreshToken. A token that was already
// rotated revokes the whole session chain and yields ErrRefreshReuse.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if !e.ready() {
		return TokenPair{}, ErrEngineNotReady
	}
	res := e.flows.Refresh(ctx, refreshToken)

	switch res.Failure {
	case flows.RefreshFailureNone:
	case flows.RefreshFailureRateLimited:
		e.metricInc(MetricRefreshRateLimited)
		e.emitAudit(ctx, auditEventRefreshRateLimited, false, "", res.SessionID, ErrRefreshRateLimited, nil)
		return TokenPair{}, ErrRefreshRateLimited
	case flows.RefreshFailureReuse:
		e.metricInc(MetricRefreshReuseDetected)
		e.logger.Warn("refresh token reuse detected", zap.String("session_id", res.SessionID))
		e.emitAudit(ctx, auditEventRefreshReuse, false, res.UserID, res.SessionID, ErrRefreshReuse, nil)
		return TokenPair{}, ErrRefreshReuse
	case flows.RefreshFailureDecode, flows.RefreshFailureInvalid, flows.RefreshFailureAccountStatus:
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, res.UserID, res.SessionID, res.Err, nil)
		if res.Err != nil && !errors.Is(res.Err, ErrSessionInvalid) {
			return TokenPair{}, fmt.Errorf("%w: %w", ErrSessionInvalid, res.Err)
		}
		return TokenPair{}, ErrSessionInvalid
	default:
		e.metricInc(MetricRefreshFailure)
		e.logger.Error("refresh failed", zap.String("session_id", res.SessionID), zap.Error(res.Err))
		e.emitAudit(ctx, auditEventRefreshInvalid, false, res.UserID, res.SessionID, res.Err, nil)
		return TokenPair{}, res.Err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, res.UserID, res.Tokens.Session.ID, nil, func() map[string]string {
		return map[string]string{"previous_session_id": res.SessionID}
	})
	return tokenPair(res.Tokens), nil
}

// Authenticate checks an access token and the session it names. Every
// failure, including a timed-out session read, is ErrSessionInvalid.
func (e *Engine) Authenticate(ctx context.Context, accessToken string) (*Principal, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	start := time.Now()
	res := e.flows.Authenticate(ctx, accessToken)
	if e.metrics.LatencyEnabled() {
		e.metrics.Observe(MetricValidateLatency, time.Since(start))
	}
	if res.Failure != flows.AuthenticateFailureNone {
		e.metricInc(MetricSessionRejected)
		if res.Err != nil && !errors.Is(res.Err, ErrSessionInvalid) {
			return nil, fmt.Errorf("%w: %w", ErrSessionInvalid, res.Err)
		}
		return nil, ErrSessionInvalid
	}
	e.metricInc(MetricSessionValidated)

	sess := res.Session
	return &Principal{
		UserID:    sess.UserID,
		SessionID: sess.ID,
		ClientIP:  clientIPFromContext(ctx),
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

// Logout revokes the caller's session. Logging out twice succeeds.
func (e *Engine) Logout(ctx context.Context, p *Principal) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if p == nil {
		return ErrSessionInvalid
	}
	if err := e.flows.Logout(ctx, p.SessionID); err != nil {
		return err
	}
	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogoutSession, true, p.UserID, p.SessionID, nil, nil)
	return nil
}

// LogoutAll revokes every session of the caller and reports how many were
// revoked.
func (e *Engine) LogoutAll(ctx context.Context, p *Principal) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	if p == nil {
		return 0, ErrSessionInvalid
	}
	n, err := e.flows.LogoutAll(ctx, p.UserID)
	if err != nil {
		return n, err
	}
	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, p.UserID, p.SessionID, nil, func() map[string]string {
		return map[string]string{"revoked": fmt.Sprint(n)}
	})
	return n, nil
}

// Sessions lists the caller's active sessions, the current one flagged.
func (e *Engine) Sessions(ctx context.Context, p *Principal) ([]SessionInfo, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if p == nil {
		return nil, ErrSessionInvalid
	}
	list, err := e.sessions.List(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, sessionInfo(s, p.SessionID))
	}
	return out, nil
}

/*
====================================
AUTHORIZATION
====================================
*/

// Authorize is the single authorization checkpoint. It returns nil when p
// holds perm in scope and ErrForbidden otherwise. A graph or cache deadline
// is a deny. Other backend failures are returned as ErrGraphUnavailable.
func (e *Engine) Authorize(ctx context.Context, p *Principal, perm string, scope Scope) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if p == nil {
		return ErrSessionInvalid
	}

	qctx, cancel := context.WithTimeout(ctx, e.config.Graph.QueryTimeout)
	defer cancel()

	start := time.Now()
	res := e.flows.Authorize(qctx, p.UserID, perm, scope)
	if e.metrics.LatencyEnabled() {
		e.metrics.Observe(MetricAuthorizeLatency, time.Since(start))
	}

	switch res.Decision {
	case flows.DecisionAllow:
		e.metricInc(MetricAuthzAllow)
		return nil
	case flows.DecisionDenyTimeout:
		e.metricInc(MetricAuthzDenyTimeout)
		e.logger.Warn("authorization timed out, denying",
			zap.String("user_id", p.UserID), zap.String("permission", perm), zap.Error(res.Err))
		e.auditForbidden(ctx, p, perm, scope, "timeout")
		return fmt.Errorf("%w: %w", ErrForbidden, res.Err)
	case flows.DecisionDeny, flows.DecisionDenyAccount:
		e.metricInc(MetricAuthzDeny)
		reason := "missing_permission"
		if res.Decision == flows.DecisionDenyAccount {
			reason = "account"
		}
		e.auditForbidden(ctx, p, perm, scope, reason)
		return ErrForbidden
	default:
		e.metricInc(MetricAuthzError)
		e.logger.Error("authorization failed",
			zap.String("user_id", p.UserID), zap.String("permission", perm), zap.Error(res.Err))
		if errors.Is(res.Err, ErrGraphUnavailable) {
			return res.Err
		}
		return fmt.Errorf("%w: %w", ErrGraphUnavailable, res.Err)
	}
}

func (e *Engine) auditForbidden(ctx context.Context, p *Principal, perm string, scope Scope, reason string) {
	e.emitAudit(ctx, auditEventForbidden, false, p.UserID, p.SessionID, ErrForbidden, func() map[string]string {
		return map[string]string{
			"permission": perm,
			"scope":      scope.String(),
			"reason":     reason,
		}
	})
}

// RolesAndPermissions returns the caller's applicable roles and effective
// permissions in scope. Permissions come from the cached resolution.
func (e *Engine) RolesAndPermissions(ctx context.Context, p *Principal, scope Scope) (Grants, error) {
	if !e.ready() {
		return Grants{}, ErrEngineNotReady
	}
	if p == nil {
		return Grants{}, ErrSessionInvalid
	}
	qctx, cancel := context.WithTimeout(ctx, e.config.Graph.QueryTimeout)
	defer cancel()

	perms, err := e.resolver.Resolve(qctx, p.UserID, scope)
	if err != nil {
		return Grants{}, err
	}
	roles, err := e.resolver.Roles(qctx, p.UserID, scope)
	if err != nil {
		return Grants{}, err
	}
	g := Grants{
		UserID:      p.UserID,
		Roles:       roles,
		Permissions: append([]string{}, perms...),
	}
	if scope.IsSet() {
		g.Scope = scope.Value()
	}
	if g.Roles == nil {
		g.Roles = []string{}
	}
	return g, nil
}

func tokenPair(t flows.Tokens) TokenPair {
	return TokenPair{
		AccessToken:      t.AccessToken,
		RefreshToken:     t.RefreshToken,
		AccessExpiresAt:  t.AccessExpiresAt,
		SessionExpiresAt: t.Session.ExpiresAt,
	}
}
