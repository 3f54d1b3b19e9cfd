package authcore

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRolesUnionAndRevoke(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	u := f.register(t, "bursar@campus.test")
	_, p := f.login(t, "bursar@campus.test")

	for _, role := range []string{"A", "B"} {
		if err := f.engine.GrantRole(ctx, Assignment{UserID: u.ID, RoleID: role}); err != nil {
			t.Fatalf("GrantRole(%s): %v", role, err)
		}
	}

	g, err := f.engine.RolesAndPermissions(ctx, p, Universal())
	if err != nil {
		t.Fatalf("RolesAndPermissions: %v", err)
	}
	if want := []string{"read:fees", "write:fees"}; !reflect.DeepEqual(g.Permissions, want) {
		t.Fatalf("permissions = %v, want %v", g.Permissions, want)
	}
	if want := []string{"fee-reader", "fee-writer"}; !reflect.DeepEqual(g.Roles, want) {
		t.Fatalf("roles = %v, want %v", g.Roles, want)
	}
	if err := f.engine.Authorize(ctx, p, "write:fees", Universal()); err != nil {
		t.Fatalf("Authorize(write:fees) before revoke: %v", err)
	}

	if err := f.engine.RevokeRole(ctx, Assignment{UserID: u.ID, RoleID: "B"}); err != nil {
		t.Fatalf("RevokeRole: %v", err)
	}
	g, err = f.engine.RolesAndPermissions(ctx, p, Universal())
	if err != nil {
		t.Fatalf("RolesAndPermissions after revoke: %v", err)
	}
	if want := []string{"read:fees"}; !reflect.DeepEqual(g.Permissions, want) {
		t.Fatalf("permissions after revoke = %v, want %v", g.Permissions, want)
	}
	if err := f.engine.Authorize(ctx, p, "write:fees", Universal()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Authorize(write:fees) after revoke = %v, want ErrForbidden", err)
	}
	if err := f.engine.Authorize(ctx, p, "read:fees", Universal()); err != nil {
		t.Fatalf("Authorize(read:fees) after revoke: %v", err)
	}
}

func TestScopedAssignmentOnlyAppliesInScope(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	u := f.register(t, "hod@campus.test")
	_, p := f.login(t, "hod@campus.test")

	if err := f.engine.GrantRole(ctx, Assignment{UserID: u.ID, RoleID: "B", Scope: ScopeOf("dept-physics")}); err != nil {
		t.Fatalf("GrantRole: %v", err)
	}
	if err := f.engine.Authorize(ctx, p, "write:fees", ScopeOf("dept-physics")); err != nil {
		t.Fatalf("Authorize in scope: %v", err)
	}
	if err := f.engine.Authorize(ctx, p, "write:fees", ScopeOf("dept-chemistry")); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Authorize other scope = %v, want ErrForbidden", err)
	}
	if err := f.engine.Authorize(ctx, p, "write:fees", Universal()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Authorize universal = %v, want ErrForbidden", err)
	}
}

func TestRevokeVisibleUnderConcurrentResolve(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	u := f.register(t, "race@campus.test")
	_, p := f.login(t, "race@campus.test")
	if err := f.engine.GrantRole(ctx, Assignment{UserID: u.ID, RoleID: "A"}); err != nil {
		t.Fatalf("GrantRole(A): %v", err)
	}

	for round := 0; round < 20; round++ {
		if err := f.engine.GrantRole(ctx, Assignment{UserID: u.ID, RoleID: "B"}); err != nil {
			t.Fatalf("round %d GrantRole(B): %v", round, err)
		}

		stop := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					_, _ = f.engine.RolesAndPermissions(ctx, p, Universal())
				}
			}()
		}

		if err := f.engine.RevokeRole(ctx, Assignment{UserID: u.ID, RoleID: "B"}); err != nil {
			close(stop)
			wg.Wait()
			t.Fatalf("round %d RevokeRole: %v", round, err)
		}
		if err := f.engine.Authorize(ctx, p, "write:fees", Universal()); !errors.Is(err, ErrForbidden) {
			close(stop)
			wg.Wait()
			t.Fatalf("round %d: write:fees still granted after revoke returned: %v", round, err)
		}
		close(stop)
		wg.Wait()

		g, err := f.engine.RolesAndPermissions(ctx, p, Universal())
		if err != nil {
			t.Fatalf("round %d RolesAndPermissions: %v", round, err)
		}
		if want := []string{"read:fees"}; !reflect.DeepEqual(g.Permissions, want) {
			t.Fatalf("round %d: permissions = %v, want %v", round, g.Permissions, want)
		}
	}
}

func TestSessionExpiresAfterLifetime(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "clerk@campus.test")
	pair, _ := f.login(t, "clerk@campus.test")

	if got := pair.SessionExpiresAt.Sub(f.clock.Now()); got != 30*time.Minute {
		t.Fatalf("session lifetime = %v, want 30m", got)
	}

	f.clock.Advance(29 * time.Minute)
	if _, err := f.engine.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Refresh at minute 29: %v", err)
	}

	f2 := newFixture(t, nil)
	f2.register(t, "clerk@campus.test")
	pair, _ = f2.login(t, "clerk@campus.test")
	f2.clock.Advance(31 * time.Minute)
	if _, err := f2.engine.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("Authenticate at minute 31 = %v, want ErrSessionInvalid", err)
	}
	if _, err := f2.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("Refresh at minute 31 = %v, want ErrSessionInvalid", err)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "lecturer@campus.test")
	pair, p := f.login(t, "lecturer@campus.test")

	for i := 0; i < 3; i++ {
		if err := f.engine.Logout(ctx, p); err != nil {
			t.Fatalf("Logout #%d: %v", i+1, err)
		}
	}
	if _, err := f.engine.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("Authenticate after logout = %v, want ErrSessionInvalid", err)
	}
	if _, err := f.engine.Refresh(ctx, pair.RefreshToken); err == nil {
		t.Fatal("Refresh after logout succeeded")
	}
}

func TestLoginThrottledAfterFailures(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Security.MaxLoginAttempts = 3 })
	ctx := context.Background()
	f.register(t, "student@campus.test")

	for i := 0; i < 3; i++ {
		if _, err := f.engine.Login(ctx, "student@campus.test", "wrong-secret-123"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d = %v, want ErrInvalidCredentials", i+1, err)
		}
	}
	if _, err := f.engine.Login(ctx, "student@campus.test", testSecret); !errors.Is(err, ErrLoginRateLimited) {
		t.Fatalf("login after budget = %v, want ErrLoginRateLimited", err)
	}
	if got := f.engine.MetricsSnapshot().Counters[MetricLoginRateLimited]; got != 1 {
		t.Fatalf("rate limited counter = %d, want 1", got)
	}
}

func TestRefreshRotationAndReuse(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "warden@campus.test")
	first, p := f.login(t, "warden@campus.test")

	second, err := f.engine.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token not rotated")
	}
	if _, err := f.engine.Authenticate(ctx, first.AccessToken); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("old access token = %v, want ErrSessionInvalid", err)
	}
	p2, err := f.engine.Authenticate(ctx, second.AccessToken)
	if err != nil {
		t.Fatalf("new access token: %v", err)
	}
	if p2.UserID != p.UserID || p2.SessionID == p.SessionID {
		t.Fatalf("successor principal = %+v, previous %+v", p2, p)
	}

	if _, err := f.engine.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("replayed refresh = %v, want ErrRefreshReuse", err)
	}
	if _, err := f.engine.Authenticate(ctx, second.AccessToken); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("successor after reuse = %v, want ErrSessionInvalid", err)
	}
}

func TestDeactivatedUserLosesAccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	u := f.register(t, "alumni@campus.test")
	pair, p := f.login(t, "alumni@campus.test")
	if err := f.engine.GrantRole(ctx, Assignment{UserID: u.ID, RoleID: "A"}); err != nil {
		t.Fatalf("GrantRole: %v", err)
	}
	if err := f.engine.Authorize(ctx, p, "read:fees", Universal()); err != nil {
		t.Fatalf("Authorize before deactivation: %v", err)
	}

	if err := f.engine.SetUserActive(ctx, u.ID, false); err != nil {
		t.Fatalf("SetUserActive: %v", err)
	}
	if _, err := f.engine.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("Authenticate after deactivation = %v, want ErrSessionInvalid", err)
	}
	if err := f.engine.Authorize(ctx, p, "read:fees", Universal()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Authorize after deactivation = %v, want ErrForbidden", err)
	}
	if _, err := f.engine.Login(ctx, "alumni@campus.test", testSecret); !errors.Is(err, ErrUserInactive) {
		t.Fatalf("Login after deactivation = %v, want ErrUserInactive", err)
	}
}

func TestAuthorizeTimeoutFailsClosed(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Graph.QueryTimeout = 30 * time.Millisecond })
	ctx := context.Background()
	u := f.register(t, "slow@campus.test")
	_, p := f.login(t, "slow@campus.test")
	if err := f.engine.GrantRole(ctx, Assignment{UserID: u.ID, RoleID: "A"}); err != nil {
		t.Fatalf("GrantRole: %v", err)
	}

	f.graph.SetDelay(300 * time.Millisecond)
	err := f.engine.Authorize(ctx, p, "read:fees", Universal())
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("Authorize with slow graph = %v, want ErrForbidden", err)
	}
	if got := f.engine.MetricsSnapshot().Counters[MetricAuthzDenyTimeout]; got != 1 {
		t.Fatalf("deny timeout counter = %d, want 1", got)
	}
}

func TestAuthorizeGraphFailureIsUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "down@campus.test")
	_, p := f.login(t, "down@campus.test")

	f.graph.SetFailure(errors.New("connection refused"))
	err := f.engine.Authorize(ctx, p, "read:fees", Universal())
	if !errors.Is(err, ErrGraphUnavailable) || errors.Is(err, ErrForbidden) {
		t.Fatalf("Authorize with failing graph = %v, want ErrGraphUnavailable", err)
	}
}

func TestGrantReportsInvalidationFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	u := f.register(t, "registrar@campus.test")

	f.mr.SetError("ERR cache offline")
	err := f.engine.GrantRole(ctx, Assignment{UserID: u.ID, RoleID: "A"})
	f.mr.SetError("")
	if !errors.Is(err, ErrCacheUnavailable) {
		t.Fatalf("GrantRole with cache down = %v, want ErrCacheUnavailable", err)
	}

	bindings, err := f.graph.Bindings(ctx, u.ID)
	if err != nil {
		t.Fatalf("Bindings: %v", err)
	}
	if len(bindings) != 1 {
		t.Fatalf("graph write not committed: %d bindings", len(bindings))
	}
}

func TestUpdateRolePermissionsInvalidatesHolders(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	u := f.register(t, "cashier@campus.test")
	_, p := f.login(t, "cashier@campus.test")
	if err := f.engine.GrantRole(ctx, Assignment{UserID: u.ID, RoleID: "A"}); err != nil {
		t.Fatalf("GrantRole: %v", err)
	}
	if err := f.engine.Authorize(ctx, p, "read:fees", Universal()); err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	if err := f.engine.UpdateRolePermissions(ctx, "A", []string{"read:fees", "write:fees"}); err != nil {
		t.Fatalf("UpdateRolePermissions: %v", err)
	}
	if err := f.engine.Authorize(ctx, p, "write:fees", Universal()); err != nil {
		t.Fatalf("Authorize after role update: %v", err)
	}

	err := f.engine.UpdateRolePermissions(ctx, "A", []string{"delete:everything"})
	if !errors.Is(err, ErrUnknownPermission) {
		t.Fatalf("UpdateRolePermissions(unknown) = %v, want ErrUnknownPermission", err)
	}
}

func TestSessionsListsCurrent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := WithClientIP(context.Background(), "10.1.2.3")
	f.register(t, "dean@campus.test")
	if _, err := f.engine.Login(ctx, "dean@campus.test", testSecret); err != nil {
		t.Fatalf("first login: %v", err)
	}
	pair, err := f.engine.Login(ctx, "dean@campus.test", testSecret)
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	p, err := f.engine.Authenticate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	list, err := f.engine.Sessions(ctx, p)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("sessions = %d, want 2", len(list))
	}
	current := 0
	for _, s := range list {
		if s.ClientIP != "10.1.2.3" {
			t.Fatalf("session ip = %q", s.ClientIP)
		}
		if s.Current {
			current++
			if s.ID != p.SessionID {
				t.Fatalf("current flag on %s, want %s", s.ID, p.SessionID)
			}
		}
	}
	if current != 1 {
		t.Fatalf("current sessions = %d, want 1", current)
	}

	n, err := f.engine.LogoutAll(ctx, p)
	if err != nil || n != 2 {
		t.Fatalf("LogoutAll = %d, %v", n, err)
	}
}

func TestBuilderRequiresBackends(t *testing.T) {
	if _, err := New().WithConfig(testConfig()).Build(); err == nil {
		t.Fatal("Build without redis succeeded")
	}

	_, rdb := newTestRedis(t)
	b := New().WithConfig(testConfig()).WithRedis(rdb)
	if _, err := b.Build(); err == nil {
		t.Fatal("Build without credential store succeeded")
	}
}

func TestUnbuiltEngineNotReady(t *testing.T) {
	var e Engine
	if _, err := e.Login(context.Background(), "a", "b"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("Login on zero Engine = %v", err)
	}
	if err := e.Authorize(context.Background(), &Principal{}, "read:fees", Universal()); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("Authorize on zero Engine = %v", err)
	}
}

func TestRevokeOnOneInstanceAppliesToAnother(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	second, err := New().
		WithConfig(testConfig()).
		WithRedis(rdb).
		WithCredentialStore(f.users).
		WithGraph(f.graph).
		WithPermissions("read:fees", "write:fees", "create:announcements").
		WithClock(f.clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build second instance: %v", err)
	}
	t.Cleanup(second.Close)

	u := f.register(t, "bursar@campus.test")
	pair, p := f.login(t, "bursar@campus.test")
	for _, role := range []string{"A", "B"} {
		if err := f.engine.GrantRole(ctx, Assignment{UserID: u.ID, RoleID: role}); err != nil {
			t.Fatalf("GrantRole(%s): %v", role, err)
		}
	}
	if err := f.engine.Authorize(ctx, p, "write:fees", Universal()); err != nil {
		t.Fatalf("warm write:fees on first instance: %v", err)
	}

	p2, err := second.Authenticate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("second instance rejected a live session: %v", err)
	}
	if err := second.RevokeRole(ctx, Assignment{UserID: u.ID, RoleID: "B"}); err != nil {
		t.Fatalf("RevokeRole on second instance: %v", err)
	}

	for name, e := range map[string]*Engine{"first": f.engine, "second": second} {
		principal := p
		if e == second {
			principal = p2
		}
		if err := e.Authorize(ctx, principal, "write:fees", Universal()); !errors.Is(err, ErrForbidden) {
			t.Fatalf("%s instance: expected write:fees forbidden after revoke, got %v", name, err)
		}
		if err := e.Authorize(ctx, principal, "read:fees", Universal()); err != nil {
			t.Fatalf("%s instance: read:fees lost: %v", name, err)
		}
	}
}
