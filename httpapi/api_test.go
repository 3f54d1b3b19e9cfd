package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/campusdesk/authcore"
	"github.com/campusdesk/authcore/credential"
	"github.com/campusdesk/authcore/graph"
	"github.com/campusdesk/authcore/graph/memory"
	"github.com/campusdesk/authcore/internal/httpx"
	"github.com/campusdesk/authcore/middleware"
)

const secret = "correct-horse-battery"

type testServer struct {
	engine *authcore.Engine
	api    *API
	router *mux.Router
}

func newServer(t *testing.T, mutate func(*authcore.Config)) *testServer {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	cfg := authcore.DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte(strings.Repeat("s", 32))
	cfg.Password = authcore.PasswordConfig{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
	cfg.Security.IPBurstRPS = 0
	if mutate != nil {
		mutate(&cfg)
	}

	g := memory.New()
	g.Seed(
		graph.Role{ID: "A", Name: "fee-reader", Permissions: []string{"read:fees"}},
		graph.Role{ID: "B", Name: "fee-writer", Permissions: []string{"write:fees"}},
		graph.Role{ID: "announcer", Name: "announcer", Permissions: []string{"create:announcements"}},
		graph.Role{ID: "admin", Name: "admin", Permissions: []string{"manage:roles"}},
	)

	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithCredentialStore(credential.NewMemoryStore()).
		WithGraph(g).
		WithPermissions("read:fees", "write:fees", "create:announcements").
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)

	api := New(engine)
	return &testServer{engine: engine, api: api, router: api.Router()}
}

type response struct {
	code   int
	header http.Header
	body   string
}

func (r response) decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal([]byte(r.body), v); err != nil {
		t.Fatalf("decode %q: %v", r.body, err)
	}
}

func (r response) detail(t *testing.T) string {
	t.Helper()
	var e httpx.ErrorBody
	r.decode(t, &e)
	return e.Detail
}

func (s *testServer) do(method, path, token, body string, header map[string]string) response {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return response{code: rec.Code, header: rec.Header(), body: rec.Body.String()}
}

// user registers identifier, optionally grants roles, and logs in.
func (s *testServer) user(t *testing.T, identifier string, roles ...string) (authcore.UserRecord, authcore.TokenPair) {
	t.Helper()
	ctx := context.Background()
	u, err := s.engine.Register(ctx, identifier, secret)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	for _, role := range roles {
		if err := s.engine.GrantRole(ctx, authcore.Assignment{UserID: u.ID, RoleID: role}); err != nil {
			t.Fatalf("GrantRole(%s): %v", role, err)
		}
	}
	res := s.do(http.MethodPost, "/api/auth/token/", "", fmt.Sprintf(`{"identifier":%q,"credential":%q}`, identifier, secret), nil)
	if res.code != http.StatusOK {
		t.Fatalf("token: %d %s", res.code, res.body)
	}
	var pair authcore.TokenPair
	res.decode(t, &pair)
	return u, pair
}

func (s *testServer) grants(t *testing.T, token, query string) authcore.Grants {
	t.Helper()
	res := s.do(http.MethodGet, "/api/accounts/me/roles-permissions/"+query, token, "", nil)
	if res.code != http.StatusOK {
		t.Fatalf("roles-permissions: %d %s", res.code, res.body)
	}
	var g authcore.Grants
	res.decode(t, &g)
	sort.Strings(g.Permissions)
	return g
}

func TestTokenLifecycle(t *testing.T) {
	s := newServer(t, nil)
	u, pair := s.user(t, "ada@campus.test")
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("incomplete pair: %+v", pair)
	}

	g := s.grants(t, pair.AccessToken, "")
	if g.UserID != u.ID || len(g.Permissions) != 0 || g.Roles == nil {
		t.Fatalf("grants = %+v", g)
	}

	res := s.do(http.MethodPost, "/api/auth/token/refresh/", "", fmt.Sprintf(`{"refreshToken":%q}`, pair.RefreshToken), nil)
	if res.code != http.StatusOK {
		t.Fatalf("refresh: %d %s", res.code, res.body)
	}
	var rotated authcore.TokenPair
	res.decode(t, &rotated)

	res = s.do(http.MethodPost, "/api/accounts/logout/", rotated.AccessToken, "", nil)
	if res.code != http.StatusNoContent {
		t.Fatalf("logout: %d %s", res.code, res.body)
	}

	res = s.do(http.MethodGet, "/api/accounts/me/roles-permissions/", rotated.AccessToken, "", nil)
	if res.code != http.StatusUnauthorized || res.detail(t) != "session invalid" {
		t.Fatalf("after logout: %d %s", res.code, res.body)
	}
	res = s.do(http.MethodPost, "/api/accounts/logout/", rotated.AccessToken, "", nil)
	if res.code != http.StatusUnauthorized {
		t.Fatalf("second logout: %d", res.code)
	}
}

func TestTokenRejections(t *testing.T) {
	s := newServer(t, nil)
	s.user(t, "ada@campus.test")

	tests := []struct {
		name   string
		body   string
		code   int
		detail string
	}{
		{"wrong secret", `{"identifier":"ada@campus.test","credential":"wrong-secret-123"}`, http.StatusUnauthorized, "invalid credentials"},
		{"unknown user", `{"identifier":"bob@campus.test","credential":"wrong-secret-123"}`, http.StatusUnauthorized, "invalid credentials"},
		{"malformed", `{"identifier":`, http.StatusBadRequest, "bad request"},
		{"unknown field", `{"username":"ada"}`, http.StatusBadRequest, "bad request"},
		{"missing credential", `{"identifier":"ada@campus.test"}`, http.StatusBadRequest, "bad request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.do(http.MethodPost, "/api/auth/token/", "", tt.body, nil)
			if res.code != tt.code || res.detail(t) != tt.detail {
				t.Fatalf("got %d %s, want %d %q", res.code, res.body, tt.code, tt.detail)
			}
		})
	}

	res := s.do(http.MethodPost, "/api/auth/token/refresh/", "", `{"refreshToken":"garbage"}`, nil)
	if res.code != http.StatusUnauthorized {
		t.Fatalf("refresh with garbage: %d", res.code)
	}
}

func TestGrantAndRevokeThroughAdminEndpoints(t *testing.T) {
	s := newServer(t, nil)
	_, admin := s.user(t, "registrar@campus.test", "admin")
	u, pair := s.user(t, "ada@campus.test")

	for i, role := range []string{"A", "B"} {
		res := s.do(http.MethodPost, "/api/admin/role-assignments/", admin.AccessToken,
			fmt.Sprintf(`{"userId":%q,"roleId":%q}`, u.ID, role),
			map[string]string{"Idempotency-Key": fmt.Sprintf("grant-%d", i)})
		if res.code != http.StatusCreated {
			t.Fatalf("grant %s: %d %s", role, res.code, res.body)
		}
	}
	g := s.grants(t, pair.AccessToken, "")
	if strings.Join(g.Permissions, ",") != "read:fees,write:fees" {
		t.Fatalf("after grants: %v", g.Permissions)
	}

	res := s.do(http.MethodDelete, "/api/admin/role-assignments/", admin.AccessToken,
		fmt.Sprintf(`{"userId":%q,"roleId":"B"}`, u.ID), nil)
	if res.code != http.StatusNoContent {
		t.Fatalf("revoke: %d %s", res.code, res.body)
	}
	g = s.grants(t, pair.AccessToken, "")
	if strings.Join(g.Permissions, ",") != "read:fees" {
		t.Fatalf("after revoke: %v", g.Permissions)
	}

	res = s.do(http.MethodPost, "/api/admin/role-assignments/", admin.AccessToken,
		fmt.Sprintf(`{"userId":%q,"roleId":"missing"}`, u.ID), nil)
	if res.code != http.StatusNotFound {
		t.Fatalf("unknown role: %d %s", res.code, res.body)
	}
}

func TestScopedGrantVisibleOnlyInScope(t *testing.T) {
	s := newServer(t, nil)
	_, admin := s.user(t, "registrar@campus.test", "admin")
	u, pair := s.user(t, "ada@campus.test")

	res := s.do(http.MethodPost, "/api/admin/role-assignments/", admin.AccessToken,
		fmt.Sprintf(`{"userId":%q,"roleId":"A","scope":"physics"}`, u.ID), nil)
	if res.code != http.StatusCreated {
		t.Fatalf("grant: %d %s", res.code, res.body)
	}

	if g := s.grants(t, pair.AccessToken, ""); len(g.Permissions) != 0 {
		t.Fatalf("universal grants = %v", g.Permissions)
	}
	g := s.grants(t, pair.AccessToken, "?scope=physics")
	if g.Scope != "physics" || strings.Join(g.Permissions, ",") != "read:fees" {
		t.Fatalf("scoped grants = %+v", g)
	}
}

func TestAdminRoutesRequirePermission(t *testing.T) {
	body := `{"userId":"00000000-0000-4000-8000-000000000000","roleId":"A"}`

	s := newServer(t, nil)
	_, pair := s.user(t, "ada@campus.test")
	res := s.do(http.MethodPost, "/api/admin/role-assignments/", pair.AccessToken, body, nil)
	if res.code != http.StatusForbidden || res.body != "{\"detail\":\"forbidden\"}\n" {
		t.Fatalf("unmasked: %d %q", res.code, res.body)
	}
	res = s.do(http.MethodPost, "/api/admin/role-assignments/", "", body, nil)
	if res.code != http.StatusUnauthorized {
		t.Fatalf("anonymous: %d", res.code)
	}

	masked := newServer(t, func(c *authcore.Config) { c.Authorization.MaskForbidden = true })
	_, pair = masked.user(t, "ada@campus.test")
	res = masked.do(http.MethodPost, "/api/admin/role-assignments/", pair.AccessToken, body, nil)
	if res.code != http.StatusNotFound {
		t.Fatalf("masked: %d %s", res.code, res.body)
	}
}

func TestDeactivatedUserIsLoggedOut(t *testing.T) {
	s := newServer(t, nil)
	_, admin := s.user(t, "registrar@campus.test", "admin")
	u, pair := s.user(t, "ada@campus.test")

	res := s.do(http.MethodPatch, "/api/admin/users/"+u.ID+"/", admin.AccessToken, `{"active":false}`, nil)
	if res.code != http.StatusNoContent {
		t.Fatalf("deactivate: %d %s", res.code, res.body)
	}
	res = s.do(http.MethodGet, "/api/accounts/me/roles-permissions/", pair.AccessToken, "", nil)
	if res.code != http.StatusUnauthorized {
		t.Fatalf("after deactivation: %d", res.code)
	}
	res = s.do(http.MethodPost, "/api/auth/token/", "", fmt.Sprintf(`{"identifier":"ada@campus.test","credential":%q}`, secret), nil)
	if res.code != http.StatusUnauthorized || res.detail(t) != "user inactive" {
		t.Fatalf("login while inactive: %d %s", res.code, res.body)
	}
}

func TestRegisterUserEndpoint(t *testing.T) {
	s := newServer(t, nil)
	_, admin := s.user(t, "registrar@campus.test", "admin")

	res := s.do(http.MethodPost, "/api/admin/users/", admin.AccessToken,
		`{"identifier":"New.Student@campus.test","credential":"long-enough-secret"}`, nil)
	if res.code != http.StatusCreated {
		t.Fatalf("register: %d %s", res.code, res.body)
	}
	var u userResponse
	res.decode(t, &u)
	if u.Identifier != "new.student@campus.test" || !u.Active || res.header.Get("Location") == "" {
		t.Fatalf("registered = %+v, location %q", u, res.header.Get("Location"))
	}

	res = s.do(http.MethodPost, "/api/admin/users/", admin.AccessToken,
		`{"identifier":"new.student@campus.test","credential":"long-enough-secret"}`, nil)
	if res.code != http.StatusConflict {
		t.Fatalf("duplicate: %d", res.code)
	}
	res = s.do(http.MethodPost, "/api/admin/users/", admin.AccessToken,
		`{"identifier":"short@campus.test","credential":"short"}`, nil)
	if res.code != http.StatusUnprocessableEntity {
		t.Fatalf("short secret: %d", res.code)
	}
}

func TestSessionsAndLogoutAll(t *testing.T) {
	s := newServer(t, nil)
	s.user(t, "ada@campus.test")
	res := s.do(http.MethodPost, "/api/auth/token/", "", fmt.Sprintf(`{"identifier":"ada@campus.test","credential":%q}`, secret), nil)
	var second authcore.TokenPair
	res.decode(t, &second)

	res = s.do(http.MethodGet, "/api/accounts/me/sessions/", second.AccessToken, "", nil)
	if res.code != http.StatusOK {
		t.Fatalf("sessions: %d %s", res.code, res.body)
	}
	var list struct {
		Sessions []authcore.SessionInfo `json:"sessions"`
	}
	res.decode(t, &list)
	if len(list.Sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(list.Sessions))
	}
	current := 0
	for _, si := range list.Sessions {
		if si.Current {
			current++
		}
	}
	if current != 1 {
		t.Fatalf("current sessions = %d", current)
	}

	res = s.do(http.MethodPost, "/api/accounts/logout/all/", second.AccessToken, "", nil)
	var out map[string]int
	res.decode(t, &out)
	if res.code != http.StatusOK || out["revoked"] != 2 {
		t.Fatalf("logout all: %d %s", res.code, res.body)
	}
}

func TestConcurrentCreatesWithSameKey(t *testing.T) {
	s := newServer(t, nil)
	_, pair := s.user(t, "ada@campus.test", "announcer")

	var (
		mu            sync.Mutex
		announcements []string
		seq           atomic.Int64
	)
	create := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpx.WriteError(w, httpx.ErrBadRequest)
			return
		}
		time.Sleep(30 * time.Millisecond)
		id := seq.Add(1)
		mu.Lock()
		announcements = append(announcements, body.Title)
		mu.Unlock()
		httpx.WriteJSON(w, http.StatusCreated, map[string]any{"id": id, "title": body.Title})
	})
	s.router.Handle("/api/announcements/", s.api.Protect(Route{
		Permission: "create:announcements",
		Idempotent: true,
	}, create)).Methods(http.MethodPost)

	const n = 6
	results := make([]response, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.do(http.MethodPost, "/api/announcements/", pair.AccessToken,
				`{"title":"exam timetable"}`, map[string]string{"Idempotency-Key": "K"})
		}(i)
	}
	wg.Wait()

	if len(announcements) != 1 {
		t.Fatalf("announcements created = %d, want 1", len(announcements))
	}
	replayed := 0
	for i, res := range results {
		if res.code != http.StatusCreated {
			t.Fatalf("response %d: %d %s", i, res.code, res.body)
		}
		if res.body != results[0].body {
			t.Fatalf("response %d body %q != %q", i, res.body, results[0].body)
		}
		if res.header.Get(middleware.ReplayedHeader) == "true" {
			replayed++
		}
	}
	if replayed != n-1 {
		t.Fatalf("replayed = %d, want %d", replayed, n-1)
	}

	res := s.do(http.MethodPost, "/api/announcements/", pair.AccessToken,
		`{"title":"different"}`, map[string]string{"Idempotency-Key": "K"})
	if res.code != http.StatusUnprocessableEntity {
		t.Fatalf("reused key: %d %s", res.code, res.body)
	}

	snap := s.engine.MetricsSnapshot()
	if snap.Counters[authcore.MetricIdempotencyExecuted] != 1 || snap.Counters[authcore.MetricIdempotencyReplayed] != n-1 {
		t.Fatalf("idempotency metrics = %d executed, %d replayed",
			snap.Counters[authcore.MetricIdempotencyExecuted], snap.Counters[authcore.MetricIdempotencyReplayed])
	}
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	s := newServer(t, nil)
	res := s.do(http.MethodGet, "/api/nope/", "", "", nil)
	if res.code != http.StatusNotFound || res.detail(t) != "not found" {
		t.Fatalf("got %d %s", res.code, res.body)
	}
	res = s.do(http.MethodGet, "/api/auth/token/", "", "", nil)
	if res.code != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method: %d", res.code)
	}
}
