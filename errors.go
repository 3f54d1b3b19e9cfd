package authcore

import (
	"errors"

	"github.com/campusdesk/authcore/cache"
	"github.com/campusdesk/authcore/credential"
	"github.com/campusdesk/authcore/graph"
	"github.com/campusdesk/authcore/idempotency"
	"github.com/campusdesk/authcore/password"
	"github.com/campusdesk/authcore/permission"
	"github.com/campusdesk/authcore/session"
)

// Errors returned by the Engine. Where a leaf package owns the condition the
// value is shared, so errors.Is works against either name.
var (
	ErrUserNotFound       = credential.ErrUserNotFound
	ErrUserInactive       = credential.ErrUserInactive
	ErrInvalidCredentials = credential.ErrInvalidCredentials
	ErrUserExists         = credential.ErrUserExists

	// ErrCredentialsUnavailable wraps failures of the credential store.
	ErrCredentialsUnavailable = credential.ErrStoreUnavailable
	ErrSecretTooShort         = password.ErrTooShort
	ErrSecretTooLong          = password.ErrTooLong

	// ErrSessionInvalid covers absent, expired and revoked sessions, bad
	// access tokens, and session reads that failed.
	ErrSessionInvalid = session.ErrInvalid
	ErrRefreshReuse   = session.ErrRefreshReuse

	// ErrForbidden is returned by Authorize when the permission is missing or
	// could not be confirmed in time.
	ErrForbidden = errors.New("forbidden")

	ErrDuplicateRequest      = idempotency.ErrDuplicateRequest
	ErrConflictInProgress    = idempotency.ErrConflictInProgress
	ErrIdempotencyKeyReused  = idempotency.ErrKeyReused
	ErrIdempotencyKeyInvalid = idempotency.ErrInvalidKey

	ErrCacheUnavailable = cache.ErrUnavailable
	ErrGraphUnavailable = graph.ErrUnavailable
	// ErrGraphTimeout wraps ErrGraphUnavailable.
	ErrGraphTimeout      = graph.ErrTimeout
	ErrRoleNotFound      = graph.ErrNotFound
	ErrInvalidAssignment = graph.ErrInvalid
	ErrUnknownPermission = permission.ErrUnknownPermission

	ErrLoginRateLimited   = errors.New("login rate limited")
	ErrRefreshRateLimited = errors.New("refresh rate limited")
	ErrEngineNotReady     = errors.New("engine not initialized")
)
