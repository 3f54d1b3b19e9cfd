package flows

import (
	"context"
	"time"

	"github.com/campusdesk/authcore/credential"
	"github.com/campusdesk/authcore/graph"
	"github.com/campusdesk/authcore/jwt"
	"github.com/campusdesk/authcore/session"
)

// Deps groups flow dependency sets. The root engine builds this once and
// delegates request methods to the matching flow.
type Deps struct {
	Login        LoginDeps
	Refresh      RefreshDeps
	Authenticate AuthenticateDeps
	Logout       LogoutDeps
	Authorize    AuthorizeDeps
}

// LoginRateLimiter is the subset of the shared fixed-window limiter used by
// login.
type LoginRateLimiter interface {
	CheckLogin(ctx context.Context, identifier, ip string) error
	IncrementLogin(ctx context.Context, identifier, ip string) error
	ResetLogin(ctx context.Context, identifier string) error
}

// RefreshRateLimiter throttles refresh attempts per session.
type RefreshRateLimiter interface {
	CheckRefresh(ctx context.Context, sessionID string) error
}

// CredentialVerifier authenticates identity material and answers liveness
// questions about users.
type CredentialVerifier interface {
	Verify(ctx context.Context, identifier, secret string) (credential.User, error)
	CheckActive(ctx context.Context, userID string) error
}

// SessionRegistry is the subset of session.Registry the flows drive.
type SessionRegistry interface {
	Create(ctx context.Context, userID, clientIP string) (*session.Session, string, error)
	Validate(ctx context.Context, sessionID string) (*session.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*session.Session, string, error)
	Revoke(ctx context.Context, sessionID string) error
	RevokeAllForUser(ctx context.Context, userID string) (int, error)
}

// AccessIssuer signs and verifies access tokens.
type AccessIssuer interface {
	CreateAccess(uid, sid string, notAfter time.Time) (string, time.Time, error)
	ParseAccess(token string) (*jwt.AccessClaims, error)
}

// PermissionChecker answers whether a user holds a permission in a scope.
type PermissionChecker interface {
	Has(ctx context.Context, userID string, scope graph.Scope, perm string) (bool, error)
}

// Tokens is an issued credential pair.
type Tokens struct {
	AccessToken     string
	AccessExpiresAt time.Time
	RefreshToken    string
	Session         *session.Session
}

func issue(sess *session.Session, refresh string, issuer AccessIssuer) (Tokens, error) {
	access, exp, err := issuer.CreateAccess(sess.UserID, sess.ID, sess.ExpiresAt)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{
		AccessToken:     access,
		AccessExpiresAt: exp,
		RefreshToken:    refresh,
		Session:         sess,
	}, nil
}
