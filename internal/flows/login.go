package flows

import (
	"context"
	"errors"

	"github.com/campusdesk/authcore/credential"
	"github.com/campusdesk/authcore/internal/rate"
)

// LoginFailureKind classifies login failures for root-level mapping.
type LoginFailureKind int

const (
	LoginFailureNone LoginFailureKind = iota
	LoginFailureRateLimited
	LoginFailureCredentials
	LoginFailureInactive
	LoginFailureBackend
	LoginFailureSession
	LoginFailureIssue
)

// LoginResult carries either the issued tokens or failure metadata.
type LoginResult struct {
	Failure LoginFailureKind
	Err     error
	UserID  string
	Tokens  Tokens
}

// LoginDeps captures login flow dependencies.
type LoginDeps struct {
	RateLimiter LoginRateLimiter
	Credentials CredentialVerifier
	Sessions    SessionRegistry
	Issuer      AccessIssuer
	Warn        func(msg string, err error)
}

// RunLogin verifies identifier/secret, opens a session and issues a token
// pair. Failed credential checks count against the shared login limiter;
// inactive users are reported only after a correct secret.
func RunLogin(ctx context.Context, identifier, secret, clientIP string, deps LoginDeps) LoginResult {
	identifier = credential.NormalizeIdentifier(identifier)

	if deps.RateLimiter != nil {
		if err := deps.RateLimiter.CheckLogin(ctx, identifier, clientIP); err != nil {
			if errors.Is(err, rate.ErrRateLimited) {
				return LoginResult{Failure: LoginFailureRateLimited, Err: err}
			}
			return LoginResult{Failure: LoginFailureBackend, Err: err}
		}
	}

	user, err := deps.Credentials.Verify(ctx, identifier, secret)
	if err != nil {
		switch {
		case errors.Is(err, credential.ErrInvalidCredentials):
			countFailure(ctx, identifier, clientIP, deps)
			return LoginResult{Failure: LoginFailureCredentials, Err: err}
		case errors.Is(err, credential.ErrUserInactive):
			return LoginResult{Failure: LoginFailureInactive, Err: err}
		default:
			return LoginResult{Failure: LoginFailureBackend, Err: err}
		}
	}

	if deps.RateLimiter != nil {
		if err := deps.RateLimiter.ResetLogin(ctx, identifier); err != nil {
			warn(deps.Warn, "login limiter reset failed", err)
		}
	}

	sess, refresh, err := deps.Sessions.Create(ctx, user.ID, clientIP)
	if err != nil {
		return LoginResult{Failure: LoginFailureSession, Err: err, UserID: user.ID}
	}
	// A deactivation that committed after Verify may already have swept the
	// user's sessions; the new one must not outlive it.
	if err := deps.Credentials.CheckActive(ctx, user.ID); err != nil {
		if revokeErr := deps.Sessions.Revoke(ctx, sess.ID); revokeErr != nil {
			warn(deps.Warn, "revoke after failed account check", revokeErr)
		}
		kind := LoginFailureBackend
		if errors.Is(err, credential.ErrUserInactive) || errors.Is(err, credential.ErrUserNotFound) {
			kind = LoginFailureInactive
		}
		return LoginResult{Failure: kind, Err: err, UserID: user.ID}
	}
	tokens, err := issue(sess, refresh, deps.Issuer)
	if err != nil {
		if revokeErr := deps.Sessions.Revoke(ctx, sess.ID); revokeErr != nil {
			warn(deps.Warn, "revoke after failed issuance", revokeErr)
		}
		return LoginResult{Failure: LoginFailureIssue, Err: err, UserID: user.ID}
	}
	return LoginResult{UserID: user.ID, Tokens: tokens}
}

func countFailure(ctx context.Context, identifier, clientIP string, deps LoginDeps) {
	if deps.RateLimiter == nil {
		return
	}
	if err := deps.RateLimiter.IncrementLogin(ctx, identifier, clientIP); err != nil {
		warn(deps.Warn, "login limiter increment failed", err)
	}
}

func warn(fn func(string, error), msg string, err error) {
	if fn != nil {
		fn(msg, err)
	}
}
