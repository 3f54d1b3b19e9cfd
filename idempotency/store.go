package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/campusdesk/authcore/cache"
	"github.com/campusdesk/authcore/internal/ids"
)

var (
	// ErrDuplicateRequest accompanies the recorded outcome of a completed
	// request with the same key and payload.
	ErrDuplicateRequest = errors.New("duplicate request")
	// ErrConflictInProgress is returned when the original request is still
	// running after the wait budget.
	ErrConflictInProgress = errors.New("request with this idempotency key is in progress")
	// ErrKeyReused is returned when a key is presented with a different payload.
	ErrKeyReused = errors.New("idempotency key reused with a different request")
	// ErrInvalidKey is returned by ValidateKey.
	ErrInvalidKey = errors.New("invalid idempotency key")
	// ErrReservationLost is returned by Complete when the placeholder expired
	// or was replaced before the outcome could be recorded.
	ErrReservationLost = errors.New("idempotency reservation lost")
)

const (
	statePending  = "pending"
	stateComplete = "complete"

	maxKeyLength = 128
)

// Config bounds reservation lifetimes and waiting.
type Config struct {
	// PlaceholderTTL is how long a pending reservation survives a crashed
	// owner. Zero selects 30s.
	PlaceholderTTL time.Duration
	// RecordTTL is how long a completed outcome is replayed. Zero selects 24h.
	RecordTTL time.Duration
	// WaitTimeout bounds how long a duplicate waits for the original. Zero
	// selects 5s.
	WaitTimeout time.Duration
	// PollInterval between reads while waiting. Zero selects 25ms.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PlaceholderTTL <= 0 {
		c.PlaceholderTTL = 30 * time.Second
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = 24 * time.Hour
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 25 * time.Millisecond
	}
	return c
}

// Outcome is the replayable part of a response.
type Outcome struct {
	Status      int               `json:"status"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
}

// Record is the stored form of a key.
type Record struct {
	State       string   `json:"state"`
	Owner       string   `json:"owner,omitempty"`
	Fingerprint string   `json:"fingerprint"`
	CreatedAt   int64    `json:"created_at"`
	Outcome     *Outcome `json:"outcome,omitempty"`
}

// Store keeps idempotency records in the shared cache.
type Store struct {
	cache  *cache.Client
	cfg    Config
	logger *zap.Logger
}

func NewStore(c *cache.Client, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{cache: c, cfg: cfg.withDefaults(), logger: logger}
}

// Reservation is held by the one caller allowed to execute a request.
type Reservation struct {
	store       *Store
	key         string
	placeholder []byte
}

var completeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

var abortScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// ValidateKey accepts 1 to 128 printable ASCII characters.
func ValidateKey(key string) error {
	if key == "" || len(key) > maxKeyLength {
		return fmt.Errorf("%w: length must be 1..%d", ErrInvalidKey, maxKeyLength)
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return fmt.Errorf("%w: non-printable character", ErrInvalidKey)
		}
	}
	return nil
}

// Fingerprint hashes a request payload.
func Fingerprint(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Signature names the operation a key is scoped to.
func Signature(method, route, userID string) string {
	return method + " " + route + " " + userID
}

// Definitive reports whether a status may be replayed. Server errors and
// statuses that invite a retry release the key instead.
func Definitive(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return status >= 200 && status < 500
}

func (s *Store) recordKey(clientKey, signature string) string {
	sum := sha256.Sum256([]byte(clientKey + "\x00" + signature))
	return s.cache.Key("idem", hex.EncodeToString(sum[:]))
}

// Begin reserves clientKey for signature. Exactly one caller receives a
// Reservation; a later caller with the same payload receives the recorded
// Outcome together with ErrDuplicateRequest once the first completes. A
// caller that gives up while the original is pending gets
// ErrConflictInProgress wrapping the context error.
func (s *Store) Begin(ctx context.Context, clientKey, signature, fingerprint string) (*Reservation, *Outcome, error) {
	if err := ValidateKey(clientKey); err != nil {
		return nil, nil, err
	}
	key := s.recordKey(clientKey, signature)
	placeholder, err := json.Marshal(Record{
		State:       statePending,
		Owner:       ids.New(),
		Fingerprint: fingerprint,
		CreatedAt:   time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, nil, err
	}

	deadline := time.Now().Add(s.cfg.WaitTimeout)
	for {
		ok, err := s.cache.SetNX(ctx, key, placeholder, s.cfg.PlaceholderTTL)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			return &Reservation{store: s, key: key, placeholder: placeholder}, nil, nil
		}

		raw, err := s.cache.Get(ctx, key)
		if errors.Is(err, cache.ErrMiss) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, nil, fmt.Errorf("decode idempotency record: %w", err)
		}
		if rec.Fingerprint != fingerprint {
			return nil, nil, ErrKeyReused
		}
		if rec.State == stateComplete && rec.Outcome != nil {
			return nil, rec.Outcome, ErrDuplicateRequest
		}

		if !time.Now().Before(deadline) {
			return nil, nil, ErrConflictInProgress
		}
		t := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, nil, fmt.Errorf("%w: %w", ErrConflictInProgress, ctx.Err())
		case <-t.C:
		}
	}
}

// Complete records out for replay. Non-definitive statuses release the key
// instead.
func (r *Reservation) Complete(ctx context.Context, out Outcome) error {
	if !Definitive(out.Status) {
		return r.Abort(ctx)
	}

	var rec Record
	if err := json.Unmarshal(r.placeholder, &rec); err != nil {
		return err
	}
	rec.State = stateComplete
	rec.Owner = ""
	rec.Outcome = &out
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	res, err := r.store.cache.Run(ctx, completeScript, []string{r.key},
		r.placeholder, raw, r.store.cfg.RecordTTL.Milliseconds())
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n == 0 {
		r.store.logger.Warn("idempotency placeholder expired before completion")
		return ErrReservationLost
	}
	return nil
}

// Abort releases the key so the client can retry. Releasing a key that has
// already been replaced is a no-op.
func (r *Reservation) Abort(ctx context.Context) error {
	_, err := r.store.cache.Run(ctx, abortScript, []string{r.key}, r.placeholder)
	return err
}

// Do runs fn at most once per key and payload. Duplicates receive the first
// outcome and replayed=true.
func (s *Store) Do(ctx context.Context, clientKey, signature, fingerprint string, fn func(context.Context) (Outcome, error)) (out Outcome, replayed bool, err error) {
	res, prior, err := s.Begin(ctx, clientKey, signature, fingerprint)
	if errors.Is(err, ErrDuplicateRequest) {
		return *prior, true, nil
	}
	if err != nil {
		return Outcome{}, false, err
	}

	out, err = fn(ctx)
	if err != nil {
		if abortErr := res.Abort(context.WithoutCancel(ctx)); abortErr != nil {
			s.logger.Warn("idempotency abort failed", zap.Error(abortErr))
		}
		return Outcome{}, false, err
	}
	if err := res.Complete(context.WithoutCancel(ctx), out); err != nil {
		s.logger.Warn("idempotency completion failed", zap.Error(err))
	}
	return out, false, nil
}
