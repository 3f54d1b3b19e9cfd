package flows

import (
	"context"
	"errors"

	"github.com/campusdesk/authcore/cache"
	"github.com/campusdesk/authcore/credential"
	"github.com/campusdesk/authcore/graph"
)

// AuthorizeDecision is the outcome of one permission check.
type AuthorizeDecision int

const (
	DecisionAllow AuthorizeDecision = iota
	DecisionDeny
	// DecisionDenyTimeout is a deny caused by a backend deadline.
	DecisionDenyTimeout
	// DecisionDenyAccount is a deny because the user is unknown or inactive.
	DecisionDenyAccount
	// DecisionError means no decision could be made.
	DecisionError
)

// AuthorizeResult carries the decision and the cause of a non-allow.
type AuthorizeResult struct {
	Decision AuthorizeDecision
	Err      error
}

// AuthorizeDeps captures authorization dependencies.
type AuthorizeDeps struct {
	Permissions PermissionChecker
}

// RunAuthorize checks perm for userID in scope. Deadlines fail closed as a
// deny rather than an error.
func RunAuthorize(ctx context.Context, userID, perm string, scope graph.Scope, deps AuthorizeDeps) AuthorizeResult {
	ok, err := deps.Permissions.Has(ctx, userID, scope, perm)
	switch {
	case err == nil && ok:
		return AuthorizeResult{Decision: DecisionAllow}
	case err == nil:
		return AuthorizeResult{Decision: DecisionDeny}
	case errors.Is(err, graph.ErrTimeout), errors.Is(err, context.DeadlineExceeded), cache.IsTimeout(err):
		return AuthorizeResult{Decision: DecisionDenyTimeout, Err: err}
	case errors.Is(err, credential.ErrUserInactive), errors.Is(err, credential.ErrUserNotFound):
		return AuthorizeResult{Decision: DecisionDenyAccount, Err: err}
	default:
		return AuthorizeResult{Decision: DecisionError, Err: err}
	}
}
