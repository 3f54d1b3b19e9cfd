package authcore

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/campusdesk/authcore/credential"
	"github.com/campusdesk/authcore/graph"
	"github.com/campusdesk/authcore/graph/memory"
)

const testSecret = "correct-horse-battery"

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
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
	return mr, rdb
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte(strings.Repeat("k", 32))
	cfg.Password = PasswordConfig{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
	cfg.Security.IPBurstRPS = 0
	return cfg
}

type fixture struct {
	engine *Engine
	mr     *miniredis.Miniredis
	graph  *memory.Graph
	users  *credential.MemoryStore
	clock  *testClock
}

func newFixture(t *testing.T, mutate func(*Config), opts ...func(*Builder)) *fixture {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	mr, rdb := newTestRedis(t)
	g := memory.New()
	g.Seed(
		graph.Role{ID: "A", Name: "fee-reader", Permissions: []string{"read:fees"}},
		graph.Role{ID: "B", Name: "fee-writer", Permissions: []string{"write:fees"}},
		graph.Role{ID: "admin", Name: "admin", Permissions: []string{"manage:roles"}},
	)
	users := credential.NewMemoryStore()
	clock := newTestClock()

	b := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithCredentialStore(users).
		WithGraph(g).
		WithPermissions("read:fees", "write:fees", "create:announcements").
		WithClock(clock.Now)
	for _, o := range opts {
		o(b)
	}
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return &fixture{engine: engine, mr: mr, graph: g, users: users, clock: clock}
}

func (f *fixture) register(t *testing.T, identifier string) UserRecord {
	t.Helper()
	u, err := f.engine.Register(context.Background(), identifier, testSecret)
	if err != nil {
		t.Fatalf("Register(%s): %v", identifier, err)
	}
	return u
}

func (f *fixture) login(t *testing.T, identifier string) (TokenPair, *Principal) {
	t.Helper()
	ctx := context.Background()
	pair, err := f.engine.Login(ctx, identifier, testSecret)
	if err != nil {
		t.Fatalf("Login(%s): %v", identifier, err)
	}
	p, err := f.engine.Authenticate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate after login: %v", err)
	}
	return pair, p
}
