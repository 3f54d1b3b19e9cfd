package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/campusdesk/authcore/cache"
	"github.com/campusdesk/authcore/internal"
	"github.com/campusdesk/authcore/session/geo"
)

var (
	// ErrInvalid covers absent, revoked and expired sessions and sessions that
	// could not be read.
	ErrInvalid = errors.New("session invalid")
	// ErrRefreshReuse is returned when a refresh token was presented for a
	// session that already rotated, or with the wrong secret.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
)

const (
	refreshStatusNotFound int64 = 0
	refreshStatusReused   int64 = 1
	refreshStatusExpired  int64 = 2
	refreshStatusMismatch int64 = 3
	refreshStatusRotated  int64 = 4
)

// Config holds session lifetimes.
type Config struct {
	// Lifetime of one session. Zero selects 30m.
	Lifetime time.Duration
	// AbsoluteLifetime caps a refresh chain from the original login. Zero
	// selects 12h.
	AbsoluteLifetime time.Duration
	// TombstoneGrace keeps revoked and expired records readable after expiry
	// so late writes cannot resurrect them. Zero selects 5m.
	TombstoneGrace time.Duration
	// TouchInterval throttles last-seen writes. Zero touches on every
	// validation.
	TouchInterval time.Duration
	// LocationTimeout bounds one background lookup. Zero selects 3s.
	LocationTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Lifetime <= 0 {
		c.Lifetime = 30 * time.Minute
	}
	if c.AbsoluteLifetime <= 0 {
		c.AbsoluteLifetime = 12 * time.Hour
	}
	if c.TombstoneGrace <= 0 {
		c.TombstoneGrace = 5 * time.Minute
	}
	if c.LocationTimeout <= 0 {
		c.LocationTimeout = 3 * time.Second
	}
	return c
}

// Option customizes a Registry.
type Option func(*Registry)

// WithLocator enables background location lookups.
func WithLocator(l geo.Locator) Option {
	return func(r *Registry) { r.locator = l }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock replaces time.Now. Expiry decisions use this clock, not the
// cache's key TTLs.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry stores sessions as hashes in the shared cache. Each user also has
// an index set of session ids used for listing and bulk revocation.
//
// Registry is safe for concurrent use.
type Registry struct {
	cache   *cache.Client
	cfg     Config
	locator geo.Locator
	logger  *zap.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

func NewRegistry(c *cache.Client, cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cache:  c,
		cfg:    cfg.withDefaults(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective lifetimes.
func (r *Registry) Config() Config { return r.cfg }

func (r *Registry) key(sessionID string) string {
	return r.cache.Key("sess", sessionID)
}

func (r *Registry) userKey(userID string) string {
	return r.cache.UserKey("sessions", userID)
}

// touch and setLocation never write to a missing or revoked record.
var touchScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "rev") ~= "0" then
  return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

var revokeScript = redis.NewScript(`
local uid = redis.call("HGET", KEYS[1], "uid")
if not uid then
  return false
end
redis.call("HSET", KEYS[1], "rev", "1")
return uid
`)

// refreshScript verifies and retires the presented session in one step. The
// successor is written by the caller, so only one key is touched here.
var refreshScript = redis.NewScript(`
local f = redis.call("HMGET", KEYS[1], "uid", "rev", "exp", "rh", "fam", "auth", "ip", "loc")
local uid = f[1]
if not uid then
  return {0}
end
if f[2] == "1" then
  if f[4] == ARGV[1] then
    return {1, uid, f[5] or ""}
  end
  return {0}
end
local now = tonumber(ARGV[2])
if tonumber(f[3]) < now then
  return {2}
end
if f[4] ~= ARGV[1] then
  redis.call("HSET", KEYS[1], "rev", "1")
  return {3, uid, f[5] or ""}
end
local exp = now + tonumber(ARGV[3])
local cap = tonumber(f[6]) + tonumber(ARGV[4])
if cap < exp then
  exp = cap
end
redis.call("HSET", KEYS[1], "rev", "1")
if exp <= now then
  return {2}
end
return {4, uid, exp, f[6], f[7] or "", f[8] or "", f[5] or ""}
`)

// Create starts a session for userID and returns it with its refresh token.
func (r *Registry) Create(ctx context.Context, userID, clientIP string) (*Session, string, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, "", fmt.Errorf("%w: empty user id", ErrInvalid)
	}
	now := r.now()
	sess, token, err := r.newSession(userID, clientIP, now, now, "")
	if err != nil {
		return nil, "", err
	}
	sess.ExpiresAt = now.Add(r.cfg.Lifetime)

	if err := r.save(ctx, sess, now); err != nil {
		return nil, "", err
	}
	r.locate(sess.ID, clientIP)
	return sess, token, nil
}

func (r *Registry) newSession(userID, clientIP string, now, authTime time.Time, family string) (*Session, string, error) {
	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, "", err
	}
	secret, err := internal.NewRefreshSecret()
	if err != nil {
		return nil, "", err
	}
	id := sid.String()
	token, err := internal.EncodeRefreshToken(id, secret)
	if err != nil {
		return nil, "", err
	}
	if family == "" {
		family = id
	}
	return &Session{
		ID:          id,
		UserID:      userID,
		FamilyID:    family,
		IssuedAt:    now,
		LastSeen:    now,
		AuthTime:    authTime,
		ClientIP:    clientIP,
		RefreshHash: secret.Hash(),
	}, token, nil
}

func (r *Registry) save(ctx context.Context, sess *Session, now time.Time) error {
	ttl := sess.ExpiresAt.Sub(now) + r.cfg.TombstoneGrace
	key, userKey := r.key(sess.ID), r.userKey(sess.UserID)

	_, err := r.cache.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, sess.fields())
		p.PExpire(ctx, key, ttl)
		p.SAdd(ctx, userKey, sess.ID)
		p.PExpire(ctx, userKey, r.cfg.AbsoluteLifetime+r.cfg.TombstoneGrace)
		return nil
	})
	return err
}

// Get returns the stored record in whatever state it is in.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Session, error) {
	fields, err := r.cache.HGetAll(ctx, r.key(sessionID))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, ErrInvalid
		}
		return nil, err
	}
	sess, ok := fromFields(sessionID, fields)
	if !ok {
		return nil, ErrInvalid
	}
	return sess, nil
}

// Validate returns the session if it is active and records the access as
// last-seen. Any read failure is reported as ErrInvalid.
func (r *Registry) Validate(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := r.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrInvalid) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	now := r.now()
	if sess.State(now) != StateActive {
		return nil, ErrInvalid
	}

	if r.cfg.TouchInterval <= 0 || now.Sub(sess.LastSeen) >= r.cfg.TouchInterval {
		if _, err := r.cache.Run(ctx, touchScript, []string{r.key(sessionID)}, fieldSeen, now.UnixMilli()); err != nil {
			r.logger.Warn("session touch failed", zap.String("session_id", sessionID), zap.Error(err))
		} else {
			sess.LastSeen = now
		}
	}
	return sess, nil
}

// Revoke ends a session. Unknown and already revoked sessions are a no-op.
func (r *Registry) Revoke(ctx context.Context, sessionID string) error {
	res, err := r.cache.Run(ctx, revokeScript, []string{r.key(sessionID)})
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil
		}
		return err
	}
	if uid, ok := res.(string); ok && uid != "" {
		r.unindex(ctx, uid, sessionID)
	}
	return nil
}

// RevokeAllForUser revokes every indexed session of userID and reports how
// many records were marked. Only the ids it processed leave the index, so a
// session created concurrently stays reachable by the next call.
func (r *Registry) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	ids, err := r.cache.Members(ctx, r.userKey(userID))
	if err != nil {
		return 0, err
	}
	n := 0
	done := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		if _, err := r.cache.Run(ctx, revokeScript, []string{r.key(id)}); err != nil {
			if !errors.Is(err, cache.ErrMiss) {
				r.forget(ctx, userID, done)
				return n, err
			}
		} else {
			n++
		}
		done = append(done, id)
	}
	if err := r.forget(ctx, userID, done); err != nil {
		return n, err
	}
	return n, nil
}

func (r *Registry) forget(ctx context.Context, userID string, sessionIDs []interface{}) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	_, err := r.cache.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, r.userKey(userID), sessionIDs...)
		return nil
	})
	return err
}

// Refresh rotates the session named by refreshToken. The old session is
// revoked and a successor inheriting user, client metadata and auth time is
// created. Presenting a token of an already rotated session revokes the
// whole chain.
func (r *Registry) Refresh(ctx context.Context, refreshToken string) (*Session, string, error) {
	sessionID, secret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		return nil, "", ErrInvalid
	}

	now := r.now()
	res, err := r.cache.Run(ctx, refreshScript, []string{r.key(sessionID)},
		secret.Hash(), now.UnixMilli(),
		r.cfg.Lifetime.Milliseconds(), r.cfg.AbsoluteLifetime.Milliseconds())
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, "", fmt.Errorf("%w: unexpected refresh reply", ErrInvalid)
	}
	code, _ := parts[0].(int64)
	str := func(i int) string {
		if i < len(parts) {
			s, _ := parts[i].(string)
			return s
		}
		return ""
	}

	switch code {
	case refreshStatusNotFound, refreshStatusExpired:
		return nil, "", ErrInvalid
	case refreshStatusReused, refreshStatusMismatch:
		uid, family := str(1), str(2)
		r.unindex(ctx, uid, sessionID)
		if code == refreshStatusReused {
			if n, err := r.revokeFamily(ctx, uid, family); err != nil {
				r.logger.Warn("refresh family revocation incomplete",
					zap.String("user_id", uid), zap.Int("revoked", n), zap.Error(err))
			}
		}
		return nil, "", ErrRefreshReuse
	case refreshStatusRotated:
	default:
		return nil, "", fmt.Errorf("%w: unknown refresh status %d", ErrInvalid, code)
	}

	uid := str(1)
	expMillis, ok := parts[2].(int64)
	if !ok {
		return nil, "", fmt.Errorf("%w: malformed expiry", ErrInvalid)
	}
	exp := time.UnixMilli(expMillis)
	auth, ok := millis(str(3))
	if !ok {
		auth = now
	}

	next, token, err := r.newSession(uid, str(4), now, auth, str(6))
	if err != nil {
		return nil, "", err
	}
	next.Location = str(5)
	next.ExpiresAt = exp

	r.unindex(ctx, uid, sessionID)
	if err := r.save(ctx, next, now); err != nil {
		return nil, "", err
	}
	return next, token, nil
}

func (r *Registry) revokeFamily(ctx context.Context, userID, family string) (int, error) {
	if family == "" {
		return 0, nil
	}
	sessions, err := r.load(ctx, userID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range sessions {
		if s.FamilyID != family || s.Revoked {
			continue
		}
		if err := r.Revoke(ctx, s.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// List returns the active sessions of userID, newest first.
func (r *Registry) List(ctx context.Context, userID string) ([]*Session, error) {
	sessions, err := r.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := sessions[:0]
	for _, s := range sessions {
		if s.State(now) == StateActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

func (r *Registry) load(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := r.cache.Members(ctx, r.userKey(userID))
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*Session{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	if _, err := r.cache.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, r.key(id))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	out := make([]*Session, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		if s, ok := fromFields(ids[i], fields); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// Sweep drops index entries that point at missing, revoked or expired
// sessions. It returns the number of entries removed.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	removed := 0
	err := r.cache.Scan(ctx, r.cache.UserKey("sessions", "*"), func(keys []string) error {
		for _, userKey := range keys {
			n, err := r.sweepIndex(ctx, userKey)
			if err != nil {
				return err
			}
			removed += n
		}
		return nil
	})
	return removed, err
}

func (r *Registry) sweepIndex(ctx context.Context, userKey string) (int, error) {
	ids, err := r.cache.Members(ctx, userKey)
	if err != nil {
		return 0, err
	}
	now := r.now()
	var dead []interface{}
	for _, id := range ids {
		sess, err := r.Get(ctx, id)
		if errors.Is(err, ErrInvalid) {
			dead = append(dead, id)
			continue
		}
		if err != nil {
			return 0, err
		}
		if sess.State(now) != StateActive {
			dead = append(dead, id)
		}
	}
	if len(dead) == 0 {
		return 0, nil
	}
	if _, err := r.cache.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, userKey, dead...)
		return nil
	}); err != nil {
		return 0, err
	}
	return len(dead), nil
}

func (r *Registry) unindex(ctx context.Context, userID, sessionID string) {
	if userID == "" {
		return
	}
	if _, err := r.cache.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, r.userKey(userID), sessionID)
		return nil
	}); err != nil {
		r.logger.Warn("session index update failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (r *Registry) locate(sessionID, clientIP string) {
	if r.locator == nil || clientIP == "" {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.LocationTimeout)
		defer cancel()

		loc, err := r.locator.Locate(ctx, clientIP)
		if err != nil || loc == "" {
			r.logger.Debug("session location unavailable",
				zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		if _, err := r.cache.Run(ctx, touchScript, []string{r.key(sessionID)}, fieldLocation, loc); err != nil {
			r.logger.Debug("session location write failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}()
}

// Wait blocks until background location lookups finish.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// Close waits for background work. The cache client is not closed.
func (r *Registry) Close() error {
	r.wg.Wait()
	return nil
}
