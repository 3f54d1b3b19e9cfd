package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/campusdesk/authcore/cache"
	"github.com/campusdesk/authcore/graph"
	"github.com/campusdesk/authcore/internal/ids"
)

const (
	defaultTTL          = 5 * time.Minute
	defaultFlightBudget = 5 * time.Second
)

// Event is reported through Options.OnEvent for every cache decision.
type Event int

const (
	EventHit Event = iota
	EventMiss
	EventFallback
	EventStaleWriteRejected
	EventInvalidate
	EventInvalidateFailure
)

func (e Event) String() string {
	switch e {
	case EventHit:
		return "hit"
	case EventMiss:
		return "miss"
	case EventFallback:
		return "fallback"
	case EventStaleWriteRejected:
		return "stale_write_rejected"
	case EventInvalidate:
		return "invalidate"
	case EventInvalidateFailure:
		return "invalidate_failure"
	default:
		return "unknown"
	}
}

// UserChecker reports whether a user may hold permissions at all.
// It returns the credential store's not-found and inactive errors.
type UserChecker interface {
	CheckActive(ctx context.Context, userID string) error
}

// Set is a sorted, duplicate-free list of permission identifiers.
type Set []string

// Has reports whether p is in the set.
func (s Set) Has(p string) bool {
	i := sort.SearchStrings(s, p)
	return i < len(s) && s[i] == p
}

// Options configures a Resolver.
type Options struct {
	// TTL of a cached set. Zero selects 5m.
	TTL time.Duration
	// FlightBudget bounds a shared graph load. Zero selects 5s.
	FlightBudget time.Duration
	Logger       *zap.Logger
	OnEvent      func(Event)
}

// Resolver computes effective permission sets, caching them in the shared
// cache under a per-user generation.
//
// Cache layout per user (all keys share the user's hash tag):
//
//	perm:{uid}:gen     invalidation generation, a fresh ulid per invalidation
//	                   with no expiry so a value is never reused (absent reads as 0)
//	perm:{uid}:s:<sc>  {"g":<gen>,"p":[...]} for scope sc
//	perm:{uid}:idx     set of entry keys written since the last invalidation
type Resolver struct {
	cache   *cache.Client
	graph   graph.Graph
	users   UserChecker
	ttl     time.Duration
	budget  time.Duration
	logger  *zap.Logger
	onEvent func(Event)
	flight  singleflight.Group
}

// NewResolver builds a Resolver. users may be nil when every user in the
// graph is considered active.
func NewResolver(c *cache.Client, g graph.Graph, users UserChecker, opts Options) *Resolver {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.FlightBudget <= 0 {
		opts.FlightBudget = defaultFlightBudget
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.OnEvent == nil {
		opts.OnEvent = func(Event) {}
	}
	return &Resolver{
		cache:   c,
		graph:   g,
		users:   users,
		ttl:     opts.TTL,
		budget:  opts.FlightBudget,
		logger:  opts.Logger,
		onEvent: opts.OnEvent,
	}
}

// TTL reports the lifetime of a cached set.
func (r *Resolver) TTL() time.Duration { return r.ttl }

var setIfGenerationScript = redis.NewScript(`
local gen = redis.call("GET", KEYS[1])
if not gen then
  gen = "0"
end
if gen ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
redis.call("SADD", KEYS[3], KEYS[2])
redis.call("PEXPIRE", KEYS[3], ARGV[4])
return 1
`)

var invalidateScript = redis.NewScript(`
redis.call("SET", KEYS[1], ARGV[1])
local entries = redis.call("SMEMBERS", KEYS[2])
for _, k in ipairs(entries) do
  redis.call("DEL", k)
end
redis.call("DEL", KEYS[2])
return ARGV[1]
`)

type entry struct {
	Gen   string   `json:"g"`
	Perms []string `json:"p"`
}

func (r *Resolver) genKey(userID string) string {
	return r.cache.UserKey("perm", userID, "gen")
}

func (r *Resolver) entryKey(userID string, scope graph.Scope) string {
	return r.cache.UserKey("perm", userID, "s", scope.Key())
}

func (r *Resolver) indexKey(userID string) string {
	return r.cache.UserKey("perm", userID, "idx")
}

// Resolve returns the union of permissions of every role assigned to userID
// whose assignment covers scope.
func (r *Resolver) Resolve(ctx context.Context, userID string, scope graph.Scope) (Set, error) {
	genKey, entryKey := r.genKey(userID), r.entryKey(userID, scope)

	vals, err := r.cache.MGet(ctx, genKey, entryKey)
	if err != nil {
		r.onEvent(EventFallback)
		r.logger.Warn("permission cache read failed, reading graph directly",
			zap.String("user_id", userID), zap.Error(err))
		return r.loadDirect(ctx, userID, scope)
	}

	gen := "0"
	if vals[0] != nil {
		gen = string(vals[0])
	}
	if vals[1] != nil {
		var e entry
		if err := json.Unmarshal(vals[1], &e); err == nil && e.Gen == gen {
			r.onEvent(EventHit)
			return Set(e.Perms), nil
		}
	}
	r.onEvent(EventMiss)

	flightKey := userID + "|" + scope.Key() + "|" + gen
	ch := r.flight.DoChan(flightKey, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.budget)
		defer cancel()

		set, err := r.load(fctx, userID, scope)
		if err != nil {
			return nil, err
		}
		r.store(fctx, userID, genKey, entryKey, gen, set)
		return set, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Set), nil
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}
}

// Has resolves userID in scope and reports whether perm is included.
func (r *Resolver) Has(ctx context.Context, userID string, scope graph.Scope, perm string) (bool, error) {
	set, err := r.Resolve(ctx, userID, scope)
	if err != nil {
		return false, err
	}
	return set.Has(perm), nil
}

// Roles lists the names of the roles that apply to userID in scope. It is
// read from the graph on every call.
func (r *Resolver) Roles(ctx context.Context, userID string, scope graph.Scope) ([]string, error) {
	if err := r.checkUser(ctx, userID); err != nil {
		return nil, err
	}
	bindings, err := r.graph.Bindings(ctx, userID)
	if err != nil {
		return nil, err
	}
	return graph.RoleNames(bindings, scope), nil
}

// Invalidate replaces the user's generation with a new unique token and drops
// every cached set. When it returns nil, no cached set computed before the call
// can be served or written.
func (r *Resolver) Invalidate(ctx context.Context, userID string) error {
	_, err := r.cache.Run(ctx, invalidateScript,
		[]string{r.genKey(userID), r.indexKey(userID)}, ids.New())
	if err != nil {
		r.onEvent(EventInvalidateFailure)
		return err
	}
	r.onEvent(EventInvalidate)
	return nil
}

// Grant writes a to the graph and invalidates the user's cached sets.
func (r *Resolver) Grant(ctx context.Context, a graph.Assignment) error {
	if err := r.graph.Grant(ctx, a); err != nil {
		return err
	}
	return r.invalidateAfterWrite(ctx, a.UserID)
}

// Revoke removes a from the graph and invalidates the user's cached sets.
// Revoking an absent assignment still invalidates.
func (r *Resolver) Revoke(ctx context.Context, a graph.Assignment) error {
	if err := r.graph.Revoke(ctx, a); err != nil {
		return err
	}
	return r.invalidateAfterWrite(ctx, a.UserID)
}

// SetRolePermissions replaces a role's permissions and invalidates every
// holder of the role.
func (r *Resolver) SetRolePermissions(ctx context.Context, roleID string, permissions []string) error {
	if err := r.graph.SetRolePermissions(ctx, roleID, permissions); err != nil {
		return err
	}
	users, err := r.graph.UsersWithRole(ctx, roleID)
	if err != nil {
		return fmt.Errorf("list holders of %s: %w", roleID, err)
	}
	var errs []error
	for _, uid := range users {
		if err := r.invalidateAfterWrite(ctx, uid); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Resolver) invalidateAfterWrite(ctx context.Context, userID string) error {
	if err := r.Invalidate(ctx, userID); err != nil {
		r.logger.Error("permission invalidation failed after committed graph write",
			zap.String("user_id", userID), zap.Error(err))
		return err
	}
	return nil
}

func (r *Resolver) load(ctx context.Context, userID string, scope graph.Scope) (Set, error) {
	if err := r.checkUser(ctx, userID); err != nil {
		return nil, err
	}
	bindings, err := r.graph.Bindings(ctx, userID)
	if err != nil {
		return nil, err
	}
	return Set(graph.Effective(bindings, scope)), nil
}

func (r *Resolver) loadDirect(ctx context.Context, userID string, scope graph.Scope) (Set, error) {
	set, err := r.load(ctx, userID, scope)
	if err != nil && ctx.Err() != nil {
		return nil, ctxErr(ctx)
	}
	return set, err
}

func (r *Resolver) store(ctx context.Context, userID, genKey, entryKey, gen string, set Set) {
	raw, err := json.Marshal(entry{Gen: gen, Perms: set})
	if err != nil {
		return
	}
	res, err := r.cache.Run(ctx, setIfGenerationScript,
		[]string{genKey, entryKey, r.indexKey(userID)},
		gen, raw, r.ttl.Milliseconds(), (2 * r.ttl).Milliseconds())
	if err != nil {
		r.logger.Warn("permission cache write failed",
			zap.String("user_id", userID), zap.Error(err))
		return
	}
	if n, _ := res.(int64); n == 0 {
		r.onEvent(EventStaleWriteRejected)
	}
}

func (r *Resolver) checkUser(ctx context.Context, userID string) error {
	if r.users == nil {
		return nil
	}
	return r.users.CheckActive(ctx, userID)
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", graph.ErrTimeout, ctx.Err())
	}
	return ctx.Err()
}
