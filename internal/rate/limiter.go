package rate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/campusdesk/authcore/cache"
)

// Config holds fixed-window limits shared across instances.
type Config struct {
	EnableIPThrottle      bool
	EnableRefreshThrottle bool

	MaxLoginAttempts int
	LoginWindow      time.Duration

	MaxRefreshAttempts int
	RefreshWindow      time.Duration
}

// Limiter counts failed logins per identifier and per IP, and refreshes per
// session, in the shared cache.
type Limiter struct {
	cache  *cache.Client
	config Config
}

func New(c *cache.Client, cfg Config) *Limiter {
	return &Limiter{cache: c, config: cfg}
}

// CheckLogin fails with ErrRateLimited once the identifier or IP has used its
// failure budget for the current window.
func (l *Limiter) CheckLogin(ctx context.Context, identifier, ip string) error {
	if l.config.MaxLoginAttempts <= 0 {
		return nil
	}
	if err := l.checkCounter(ctx, l.loginUserKey(identifier)); err != nil {
		return err
	}
	if l.config.EnableIPThrottle && ip != "" {
		if err := l.checkCounter(ctx, l.loginIPKey(ip)); err != nil {
			return err
		}
	}
	return nil
}

// IncrementLogin records a failed login.
func (l *Limiter) IncrementLogin(ctx context.Context, identifier, ip string) error {
	if l.config.MaxLoginAttempts <= 0 {
		return nil
	}
	if _, err := l.cache.IncrWindow(ctx, l.loginUserKey(identifier), l.config.LoginWindow); err != nil {
		return err
	}
	if l.config.EnableIPThrottle && ip != "" {
		if _, err := l.cache.IncrWindow(ctx, l.loginIPKey(ip), l.config.LoginWindow); err != nil {
			return err
		}
	}
	return nil
}

// ResetLogin clears the identifier counter after a successful login. The IP
// counter is left to expire so one good account cannot launder a sprayer.
func (l *Limiter) ResetLogin(ctx context.Context, identifier string) error {
	return l.cache.Delete(ctx, l.loginUserKey(identifier))
}

// CheckRefresh counts a refresh of sessionID and fails once the window's
// budget is exceeded.
func (l *Limiter) CheckRefresh(ctx context.Context, sessionID string) error {
	if !l.config.EnableRefreshThrottle || l.config.MaxRefreshAttempts <= 0 {
		return nil
	}
	count, err := l.cache.IncrWindow(ctx, l.cache.Key("rl", "refresh", sessionID), l.config.RefreshWindow)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxRefreshAttempts) {
		return ErrRateLimited
	}
	return nil
}

// LoginAttempts returns the failure count for identifier in this window.
func (l *Limiter) LoginAttempts(ctx context.Context, identifier string) (int, error) {
	n, err := l.cache.Counter(ctx, l.loginUserKey(identifier))
	if err != nil || n < 0 {
		return 0, err
	}
	return int(n), nil
}

func (l *Limiter) checkCounter(ctx context.Context, key string) error {
	count, err := l.cache.Counter(ctx, key)
	if err != nil {
		return err
	}
	if count >= int64(l.config.MaxLoginAttempts) {
		return ErrRateLimited
	}
	return nil
}

// Identifiers are hashed so counters never hold login names.
func (l *Limiter) loginUserKey(identifier string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(identifier))))
	return l.cache.Key("rl", "login", hex.EncodeToString(sum[:16]))
}

func (l *Limiter) loginIPKey(ip string) string {
	return l.cache.Key("rl", "login-ip", ip)
}
