package flows

import (
	"context"

	"github.com/campusdesk/authcore/graph"
)

// Service is the centralized flow runner built once by the root engine.
type Service struct {
	deps Deps
}

// New returns a flow service with immutable dependency wiring.
func New(deps Deps) Service {
	return Service{deps: deps}
}

// Initialized reports whether the service has been wired with flow deps.
func (s Service) Initialized() bool {
	return s.deps.Authenticate.Issuer != nil && s.deps.Authenticate.Sessions != nil
}

func (s Service) Login(ctx context.Context, identifier, secret, clientIP string) LoginResult {
	return RunLogin(ctx, identifier, secret, clientIP, s.deps.Login)
}

func (s Service) Refresh(ctx context.Context, refreshToken string) RefreshResult {
	return RunRefresh(ctx, refreshToken, s.deps.Refresh)
}

func (s Service) Authenticate(ctx context.Context, accessToken string) AuthenticateResult {
	return RunAuthenticate(ctx, accessToken, s.deps.Authenticate)
}

func (s Service) Logout(ctx context.Context, sessionID string) error {
	return RunLogout(ctx, sessionID, s.deps.Logout)
}

func (s Service) LogoutAll(ctx context.Context, userID string) (int, error) {
	return RunLogoutAll(ctx, userID, s.deps.Logout)
}

func (s Service) Authorize(ctx context.Context, userID, perm string, scope graph.Scope) AuthorizeResult {
	return RunAuthorize(ctx, userID, perm, scope, s.deps.Authorize)
}
