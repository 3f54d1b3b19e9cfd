package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrMiss is returned by Get when the key is absent.
	ErrMiss = errors.New("cache miss")
	// ErrUnavailable wraps every transport failure and timeout.
	ErrUnavailable = errors.New("cache unavailable")
)

const defaultOpTimeout = 250 * time.Millisecond

// Options configures a Client.
type Options struct {
	// Prefix namespaces every key built with Key or UserKey.
	Prefix string
	// OpTimeout bounds each round trip. Zero selects 250ms.
	OpTimeout time.Duration
}

// Client is the shared cache used by every instance of the service. It is a
// thin layer over a Redis client that bounds each call and normalizes errors.
//
// Client is safe for concurrent use.
type Client struct {
	rdb     redis.UniversalClient
	prefix  string
	timeout time.Duration
}

// New wraps rdb. The caller keeps ownership of rdb and closes it.
func New(rdb redis.UniversalClient, opts Options) *Client {
	timeout := opts.OpTimeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	prefix := strings.TrimSuffix(opts.Prefix, ":")
	if prefix == "" {
		prefix = "ac"
	}
	return &Client{
		rdb:     rdb,
		prefix:  prefix,
		timeout: timeout,
	}
}

// Redis exposes the underlying client for callers that need raw commands.
func (c *Client) Redis() redis.UniversalClient {
	return c.rdb
}

// OpTimeout reports the per-call bound.
func (c *Client) OpTimeout() time.Duration {
	return c.timeout
}

// Key joins parts under the client prefix.
func (c *Client) Key(parts ...string) string {
	return c.prefix + ":" + strings.Join(parts, ":")
}

// UserKey builds a key that hashes to the same cluster slot as every other
// key of the same user, so multi-key scripts over one user stay valid.
func (c *Client) UserKey(kind, userID string, parts ...string) string {
	key := c.prefix + ":" + kind + ":{" + userID + "}"
	if len(parts) > 0 {
		key += ":" + strings.Join(parts, ":")
	}
	return key
}

// Get returns the value stored at key or ErrMiss.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	val, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, unavailable(err)
	}
	return val, nil
}

// MGet reads several keys in one round trip. Absent keys yield nil entries.
func (c *Client) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	out := make([][]byte, len(vals))
	for i, v := range vals {
		switch s := v.(type) {
		case string:
			out[i] = []byte(s)
		case []byte:
			out[i] = s
		}
	}
	return out, nil
}

// Set overwrites key and resets its TTL. ttl <= 0 stores without expiry.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// SetNX stores value only when key is absent and reports whether it did.
func (c *Client) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return ok, nil
}

// Delete removes keys. Absent keys are not an error.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()

	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

var incrWindowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) == -1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// IncrWindow increments a fixed-window counter. The TTL is set in the same
// script as the increment, only while the key has none, so the window does
// not slide and a counter never outlives its window.
func (c *Client) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	count, err := incrWindowScript.Run(ctx, c.rdb, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	return count, nil
}

// Counter reads an integer key. Absent keys read as zero.
func (c *Client) Counter(ctx context.Context, key string) (int64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	n, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, unavailable(err)
	}
	return n, nil
}

// Run executes a Lua script. A nil reply is returned as ErrMiss.
func (c *Client) Run(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	res, err := script.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, unavailable(err)
	}
	return res, nil
}

// HGetAll reads a hash. An absent key yields ErrMiss.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	fields, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, ErrMiss
	}
	return fields, nil
}

// Members lists a set. An absent key yields an empty slice.
func (c *Client) Members(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	members, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return members, nil
}

// Pipelined sends the commands queued by fn in one round trip. The pipeline
// is not transactional, so keys may live in different cluster slots.
func (c *Client) Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	cmds, err := c.rdb.Pipelined(ctx, fn)
	if err != nil && !errors.Is(err, redis.Nil) {
		return cmds, unavailable(err)
	}
	return cmds, nil
}

// Scan walks keys matching pattern and calls fn with each batch.
func (c *Client) Scan(ctx context.Context, pattern string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		callCtx, cancel := c.bound(ctx)
		keys, next, err := c.rdb.Scan(callCtx, cursor, pattern, 256).Result()
		cancel()
		if err != nil {
			return unavailable(err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.timeout)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// IsTimeout reports whether err came from a deadline rather than a refusal.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
