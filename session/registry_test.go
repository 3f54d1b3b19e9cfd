package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/campusdesk/authcore/cache"
	"github.com/campusdesk/authcore/internal"
	"github.com/campusdesk/authcore/session/geo"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
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

func newRegistryTest(t *testing.T, cfg Config, opts ...Option) (*Registry, *miniredis.Miniredis, *testClock, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	reg := NewRegistry(cache.New(rdb, cache.Options{Prefix: "t"}), cfg, opts...)
	return reg, mr, clock, func() {
		reg.Close()
		rdb.Close()
		mr.Close()
	}
}

func TestSessionValidAtMinute29InvalidAtMinute31(t *testing.T) {
	reg, _, clock, done := newRegistryTest(t, Config{Lifetime: 30 * time.Minute})
	defer done()
	ctx := context.Background()

	sess, _, err := reg.Create(ctx, "u1", "10.0.0.1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clock.Advance(29 * time.Minute)
	got, err := reg.Validate(ctx, sess.ID)
	if err != nil {
		t.Fatalf("validate at minute 29: %v", err)
	}
	if !got.LastSeen.Equal(clock.Now()) {
		t.Fatalf("expected last seen to be touched, got %v", got.LastSeen)
	}

	clock.Advance(2 * time.Minute)
	if _, err := reg.Validate(ctx, sess.ID); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid at minute 31, got %v", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	reg, mr, _, done := newRegistryTest(t, Config{})
	defer done()
	ctx := context.Background()

	sess, _, err := reg.Create(ctx, "u1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := reg.Revoke(ctx, sess.ID); err != nil {
			t.Fatalf("revoke #%d: %v", i+1, err)
		}
	}
	if err := reg.Revoke(ctx, "never-existed"); err != nil {
		t.Fatalf("revoke unknown: %v", err)
	}

	if _, err := reg.Validate(ctx, sess.ID); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid after revoke, got %v", err)
	}
	got, err := reg.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get tombstone: %v", err)
	}
	if got.State(time.Now()) != StateRevoked {
		t.Fatalf("expected revoked state, got %v", got.State(time.Now()))
	}
	if ok, _ := mr.IsMember(reg.userKey("u1"), sess.ID); ok {
		t.Fatal("revoked session still indexed")
	}
}

func TestTouchDoesNotResurrectRevokedSession(t *testing.T) {
	reg, mr, clock, done := newRegistryTest(t, Config{})
	defer done()
	ctx := context.Background()

	sess, _, err := reg.Create(ctx, "u1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.Revoke(ctx, sess.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := reg.cache.Run(ctx, touchScript, []string{reg.key(sess.ID)}, fieldSeen, clock.Now().UnixMilli()); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if seen := mr.HGet(reg.key(sess.ID), fieldSeen); seen != strconv.FormatInt(sess.LastSeen.UnixMilli(), 10) {
		t.Fatalf("touch wrote to revoked session: %s", seen)
	}
	if rev := mr.HGet(reg.key(sess.ID), fieldRevoked); rev != "1" {
		t.Fatalf("revoked flag lost: %q", rev)
	}

	if _, err := reg.cache.Run(ctx, touchScript, []string{reg.key("missing")}, fieldSeen, 1); err != nil {
		t.Fatalf("touch missing: %v", err)
	}
	if mr.Exists(reg.key("missing")) {
		t.Fatal("touch created a record")
	}
}

func TestRefreshRotatesAndInheritsMetadata(t *testing.T) {
	reg, _, clock, done := newRegistryTest(t, Config{Lifetime: 30 * time.Minute})
	defer done()
	ctx := context.Background()

	first, token, err := reg.Create(ctx, "u1", "203.0.113.7")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clock.Advance(10 * time.Minute)
	next, nextToken, err := reg.Refresh(ctx, token)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.ID == first.ID || nextToken == token {
		t.Fatal("refresh did not rotate identifiers")
	}
	if next.UserID != "u1" || next.ClientIP != "203.0.113.7" {
		t.Fatalf("metadata not inherited: %+v", next)
	}
	if !next.AuthTime.Equal(first.AuthTime) {
		t.Fatalf("auth time changed: %v vs %v", next.AuthTime, first.AuthTime)
	}
	if !next.ExpiresAt.Equal(clock.Now().Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", next.ExpiresAt)
	}
	if next.FamilyID != first.FamilyID {
		t.Fatal("refresh left the family")
	}

	if _, err := reg.Validate(ctx, first.ID); !errors.Is(err, ErrInvalid) {
		t.Fatalf("old session still valid: %v", err)
	}
	if _, err := reg.Validate(ctx, next.ID); err != nil {
		t.Fatalf("new session invalid: %v", err)
	}
}

func TestRefreshReuseRevokesChain(t *testing.T) {
	reg, _, _, done := newRegistryTest(t, Config{})
	defer done()
	ctx := context.Background()

	_, token, err := reg.Create(ctx, "u1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	other, _, err := reg.Create(ctx, "u1", "")
	if err != nil {
		t.Fatalf("create other: %v", err)
	}
	next, _, err := reg.Refresh(ctx, token)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if _, _, err := reg.Refresh(ctx, token); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse, got %v", err)
	}
	if _, err := reg.Validate(ctx, next.ID); !errors.Is(err, ErrInvalid) {
		t.Fatalf("successor survived reuse: %v", err)
	}
	if _, err := reg.Validate(ctx, other.ID); err != nil {
		t.Fatalf("unrelated session revoked: %v", err)
	}
}

func TestRefreshWrongSecretRevokes(t *testing.T) {
	reg, _, _, done := newRegistryTest(t, Config{})
	defer done()
	ctx := context.Background()

	sess, _, err := reg.Create(ctx, "u1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, forged, err := reg.newSession("u1", "", time.Now(), time.Now(), "")
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	// Same session id, different secret.
	forgedToken := swapSessionID(t, forged, sess.ID)

	if _, _, err := reg.Refresh(ctx, forgedToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse, got %v", err)
	}
	if _, err := reg.Validate(ctx, sess.ID); !errors.Is(err, ErrInvalid) {
		t.Fatalf("session survived forged refresh: %v", err)
	}
}

func TestRefreshCappedByAbsoluteLifetime(t *testing.T) {
	reg, _, clock, done := newRegistryTest(t, Config{
		Lifetime:         30 * time.Minute,
		AbsoluteLifetime: 45 * time.Minute,
	})
	defer done()
	ctx := context.Background()

	first, token, err := reg.Create(ctx, "u1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clock.Advance(20 * time.Minute)
	next, token, err := reg.Refresh(ctx, token)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if want := first.AuthTime.Add(45 * time.Minute); !next.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry capped at %v, got %v", want, next.ExpiresAt)
	}

	clock.Advance(26 * time.Minute)
	if _, _, err := reg.Refresh(ctx, token); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid past absolute lifetime, got %v", err)
	}
}

func TestRefreshRejectsGarbage(t *testing.T) {
	reg, _, _, done := newRegistryTest(t, Config{})
	defer done()

	if _, _, err := reg.Refresh(context.Background(), "not-a-token"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestListRevokeAllAndSweep(t *testing.T) {
	reg, _, clock, done := newRegistryTest(t, Config{Lifetime: 30 * time.Minute})
	defer done()
	ctx := context.Background()

	a, _, _ := reg.Create(ctx, "u1", "")
	clock.Advance(time.Minute)
	b, _, _ := reg.Create(ctx, "u1", "")
	clock.Advance(time.Minute)
	c, _, _ := reg.Create(ctx, "u1", "")
	if _, _, err := reg.Create(ctx, "u2", ""); err != nil {
		t.Fatalf("create u2: %v", err)
	}

	if err := reg.Revoke(ctx, b.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	list, err := reg.List(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != c.ID || list[1].ID != a.ID {
		t.Fatalf("unexpected listing: %+v", list)
	}

	clock.Advance(29*time.Minute + time.Second)
	removed, err := reg.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected a's expired entry to be swept, removed %d", removed)
	}

	n, err := reg.RevokeAllForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one remaining session revoked, got %d", n)
	}
	if _, err := reg.Validate(ctx, c.ID); !errors.Is(err, ErrInvalid) {
		t.Fatalf("session survived revoke all: %v", err)
	}
}

func TestLocationResolvedInBackground(t *testing.T) {
	reg, _, _, done := newRegistryTest(t, Config{}, WithLocator(geo.Static("Pune, India")))
	defer done()
	ctx := context.Background()

	public, _, err := reg.Create(ctx, "u1", "203.0.113.7")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	private, _, err := reg.Create(ctx, "u1", "192.168.1.20")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	reg.Wait()

	got, err := reg.Get(ctx, public.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Location != "Pune, India" {
		t.Fatalf("unexpected location %q", got.Location)
	}
	got, err = reg.Get(ctx, private.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Location != geo.PrivateNetwork {
		t.Fatalf("unexpected location %q", got.Location)
	}
}

func TestValidateFailsClosedWhenCacheDown(t *testing.T) {
	reg, mr, _, done := newRegistryTest(t, Config{})
	defer done()
	ctx := context.Background()

	sess, _, err := reg.Create(ctx, "u1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mr.Close()

	_, err = reg.Validate(ctx, sess.ID)
	if !errors.Is(err, ErrInvalid) || !errors.Is(err, cache.ErrUnavailable) {
		t.Fatalf("expected ErrInvalid wrapping ErrUnavailable, got %v", err)
	}
}

func swapSessionID(t *testing.T, token, sessionID string) string {
	t.Helper()
	_, secret, err := internal.DecodeRefreshToken(token)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	out, err := internal.EncodeRefreshToken(sessionID, secret)
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}
	return out
}

// afterSMembers runs fn once, right after the first SMEMBERS reply.
type afterSMembers struct {
	once sync.Once
	fn   func()
}

func (h *afterSMembers) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *afterSMembers) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if cmd.Name() == "smembers" {
			h.once.Do(h.fn)
		}
		return err
	}
}

func (h *afterSMembers) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRevokeAllKeepsSessionCreatedDuringSweep(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	defer mr.Close()
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}

	other := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer other.Close()
	creator := NewRegistry(cache.New(other, cache.Options{Prefix: "t"}), Config{}, WithClock(clock.Now))
	defer creator.Close()

	var late *Session
	hook := &afterSMembers{fn: func() {
		s, _, err := creator.Create(ctx, "u1", "")
		if err != nil {
			t.Errorf("concurrent create: %v", err)
			return
		}
		late = s
	}}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	rdb.AddHook(hook)
	defer rdb.Close()
	reg := NewRegistry(cache.New(rdb, cache.Options{Prefix: "t"}), Config{}, WithClock(clock.Now))
	defer reg.Close()

	first, _, err := reg.Create(ctx, "u1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := reg.RevokeAllForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the indexed session revoked, got %d", n)
	}
	if _, err := reg.Validate(ctx, first.ID); !errors.Is(err, ErrInvalid) {
		t.Fatalf("first session survived: %v", err)
	}
	if late == nil {
		t.Fatal("concurrent session was not created")
	}

	list, err := reg.List(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != late.ID {
		t.Fatalf("session created during the sweep dropped from the index: %+v", list)
	}

	n, err = reg.RevokeAllForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("second revoke all: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the late session revoked, got %d", n)
	}
	if _, err := reg.Validate(ctx, late.ID); !errors.Is(err, ErrInvalid) {
		t.Fatalf("late session still valid: %v", err)
	}
}
