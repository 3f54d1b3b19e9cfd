package flows

import (
	"context"
	"errors"

	"github.com/campusdesk/authcore/credential"
	"github.com/campusdesk/authcore/internal"
	"github.com/campusdesk/authcore/internal/rate"
	"github.com/campusdesk/authcore/session"
)

// RefreshFailureKind classifies refresh flow failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureDecode
	RefreshFailureRateLimited
	RefreshFailureInvalid
	RefreshFailureReuse
	RefreshFailureAccountStatus
	RefreshFailureBackend
	RefreshFailureIssue
)

// RefreshResult carries either the rotated pair or failure metadata.
type RefreshResult struct {
	Failure   RefreshFailureKind
	Err       error
	SessionID string
	UserID    string
	Tokens    Tokens
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	RateLimiter RefreshRateLimiter
	Credentials CredentialVerifier
	Sessions    SessionRegistry
	Issuer      AccessIssuer
	Warn        func(msg string, err error)
}

// RunRefresh rotates the session behind refreshToken and issues a new pair.
// The owning user must still exist and be active; otherwise the successor
// session is revoked before returning.
func RunRefresh(ctx context.Context, refreshToken string, deps RefreshDeps) RefreshResult {
	sessionID, _, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		return RefreshResult{Failure: RefreshFailureDecode, Err: err}
	}

	if deps.RateLimiter != nil {
		if err := deps.RateLimiter.CheckRefresh(ctx, sessionID); err != nil {
			if errors.Is(err, rate.ErrRateLimited) {
				return RefreshResult{Failure: RefreshFailureRateLimited, Err: err, SessionID: sessionID}
			}
			return RefreshResult{Failure: RefreshFailureBackend, Err: err, SessionID: sessionID}
		}
	}

	next, refresh, err := deps.Sessions.Refresh(ctx, refreshToken)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRefreshReuse):
			return RefreshResult{Failure: RefreshFailureReuse, Err: err, SessionID: sessionID}
		case errors.Is(err, session.ErrInvalid):
			return RefreshResult{Failure: RefreshFailureInvalid, Err: err, SessionID: sessionID}
		default:
			return RefreshResult{Failure: RefreshFailureBackend, Err: err, SessionID: sessionID}
		}
	}

	if err := deps.Credentials.CheckActive(ctx, next.UserID); err != nil {
		if revokeErr := deps.Sessions.Revoke(ctx, next.ID); revokeErr != nil {
			warn(deps.Warn, "revoke after failed account check", revokeErr)
		}
		kind := RefreshFailureBackend
		if errors.Is(err, credential.ErrUserInactive) || errors.Is(err, credential.ErrUserNotFound) {
			kind = RefreshFailureAccountStatus
		}
		return RefreshResult{Failure: kind, Err: err, SessionID: sessionID, UserID: next.UserID}
	}

	tokens, err := issue(next, refresh, deps.Issuer)
	if err != nil {
		return RefreshResult{Failure: RefreshFailureIssue, Err: err, SessionID: sessionID, UserID: next.UserID}
	}
	return RefreshResult{SessionID: sessionID, UserID: next.UserID, Tokens: tokens}
}
