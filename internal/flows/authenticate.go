package flows

import (
	"context"

	"github.com/campusdesk/authcore/session"
)

// AuthenticateFailureKind classifies bearer-token failures.
type AuthenticateFailureKind int

const (
	AuthenticateFailureNone AuthenticateFailureKind = iota
	AuthenticateFailureToken
	AuthenticateFailureSession
	AuthenticateFailureMismatch
)

// AuthenticateResult is the verified caller, or why it could not be verified.
type AuthenticateResult struct {
	Failure AuthenticateFailureKind
	Err     error
	Session *session.Session
}

// AuthenticateDeps captures bearer-token validation dependencies.
type AuthenticateDeps struct {
	Issuer   AccessIssuer
	Sessions SessionRegistry
}

// RunAuthenticate verifies accessToken and the session it names. A valid
// signature is never enough on its own: the session must be active in the
// registry at the time of the call.
func RunAuthenticate(ctx context.Context, accessToken string, deps AuthenticateDeps) AuthenticateResult {
	claims, err := deps.Issuer.ParseAccess(accessToken)
	if err != nil {
		return AuthenticateResult{Failure: AuthenticateFailureToken, Err: err}
	}

	sess, err := deps.Sessions.Validate(ctx, claims.SID)
	if err != nil {
		return AuthenticateResult{Failure: AuthenticateFailureSession, Err: err}
	}
	if sess.UserID != claims.UID {
		return AuthenticateResult{Failure: AuthenticateFailureMismatch, Err: session.ErrInvalid}
	}
	return AuthenticateResult{Session: sess}
}
