package flows

import "context"

// LogoutDeps captures logout flow dependencies.
type LogoutDeps struct {
	Sessions SessionRegistry
}

// RunLogout revokes one session. Revoking an unknown or already revoked
// session succeeds.
func RunLogout(ctx context.Context, sessionID string, deps LogoutDeps) error {
	return deps.Sessions.Revoke(ctx, sessionID)
}

// RunLogoutAll revokes every session of userID and reports how many were
// active in the index.
func RunLogoutAll(ctx context.Context, userID string, deps LogoutDeps) (int, error) {
	return deps.Sessions.RevokeAllForUser(ctx, userID)
}
