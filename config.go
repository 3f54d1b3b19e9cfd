package authcore

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every tunable of the Engine. Build it with DefaultConfig and
// adjust, or load it with LoadConfig.
type Config struct {
	Cache         CacheConfig         `yaml:"cache"`
	JWT           JWTConfig           `yaml:"jwt"`
	Session       SessionConfig       `yaml:"session"`
	Permission    PermissionConfig    `yaml:"permission"`
	Graph         GraphConfig         `yaml:"graph"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Authorization AuthorizationConfig `yaml:"authorization"`
	Password      PasswordConfig      `yaml:"password"`
	Security      SecurityConfig      `yaml:"security"`
	Location      LocationConfig      `yaml:"location"`
	Audit         AuditConfig         `yaml:"audit"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

/*
====================================
SHARED CACHE
====================================
*/

type CacheConfig struct {
	// Prefix namespaces every key the Engine writes.
	Prefix    string        `yaml:"prefix"`
	OpTimeout time.Duration `yaml:"op_timeout"`
}

/*
====================================
JWT
====================================
*/

type JWTConfig struct {
	AccessTTL     time.Duration `yaml:"access_ttl"`
	SigningMethod string        `yaml:"signing_method"` // "ed25519" (default) or "hs256"
	PrivateKey    []byte        `yaml:"-"`
	PublicKey     []byte        `yaml:"-"`
	// PrivateKeyFile and PublicKeyFile are read by LoadConfig into the key
	// fields.
	PrivateKeyFile string        `yaml:"private_key_file"`
	PublicKeyFile  string        `yaml:"public_key_file"`
	Issuer         string        `yaml:"issuer"`
	Audience       string        `yaml:"audience"`
	Leeway         time.Duration `yaml:"leeway"`
	KeyID          string        `yaml:"key_id"`
}

/*
====================================
SESSIONS
====================================
*/

type SessionConfig struct {
	Lifetime         time.Duration `yaml:"lifetime"`
	AbsoluteLifetime time.Duration `yaml:"absolute_lifetime"`
	TombstoneGrace   time.Duration `yaml:"tombstone_grace"`
	TouchInterval    time.Duration `yaml:"touch_interval"`
	// SweepSchedule is a cron expression for index cleanup; empty disables it.
	SweepSchedule string `yaml:"sweep_schedule"`
}

/*
====================================
AUTHORIZATION
====================================
*/

type PermissionConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	FlightBudget time.Duration `yaml:"flight_budget"`
}

type GraphConfig struct {
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

type AuthorizationConfig struct {
	// MaskForbidden answers 404 instead of 403 on routes registered as masked.
	MaskForbidden bool `yaml:"mask_forbidden"`
	// AdminPermission guards the role-assignment endpoints.
	AdminPermission string `yaml:"admin_permission"`
}

type IdempotencyConfig struct {
	Header         string        `yaml:"header"`
	PlaceholderTTL time.Duration `yaml:"placeholder_ttl"`
	RecordTTL      time.Duration `yaml:"record_ttl"`
	WaitTimeout    time.Duration `yaml:"wait_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

/*
====================================
CREDENTIALS AND THROTTLING
====================================
*/

type PasswordConfig struct {
	Memory      uint32 `yaml:"memory_kib"`
	Time        uint32 `yaml:"time"`
	Parallelism uint8  `yaml:"parallelism"`
	SaltLength  uint32 `yaml:"salt_length"`
	KeyLength   uint32 `yaml:"key_length"`
}

type SecurityConfig struct {
	MaxLoginAttempts      int           `yaml:"max_login_attempts"`
	LoginWindow           time.Duration `yaml:"login_window"`
	EnableIPThrottle      bool          `yaml:"enable_ip_throttle"`
	EnableRefreshThrottle bool          `yaml:"enable_refresh_throttle"`
	MaxRefreshAttempts    int           `yaml:"max_refresh_attempts"`
	RefreshWindow         time.Duration `yaml:"refresh_window"`
	// IPBurstRPS and IPBurst size the in-process token bucket in front of
	// the token endpoints. Zero RPS disables it.
	IPBurstRPS float64 `yaml:"ip_burst_rps"`
	IPBurst    int     `yaml:"ip_burst"`
	// TrustProxy takes the client IP from the first X-Forwarded-For hop.
	TrustProxy bool `yaml:"trust_proxy"`
}

type LocationConfig struct {
	Enabled bool `yaml:"enabled"`
	// Endpoint is a URL template containing "{ip}".
	Endpoint  string        `yaml:"endpoint"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

type AuditConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
	DropIfFull bool `yaml:"drop_if_full"`
}

type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms"`
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the production defaults. JWT keys are not set.
func DefaultConfig() Config {
	return Config{
		Cache: CacheConfig{
			Prefix:    "ac",
			OpTimeout: 250 * time.Millisecond,
		},
		JWT: JWTConfig{
			AccessTTL:     5 * time.Minute,
			SigningMethod: "ed25519",
			Issuer:        "authcore",
		},
		Session: SessionConfig{
			Lifetime:         30 * time.Minute,
			AbsoluteLifetime: 12 * time.Hour,
			TombstoneGrace:   5 * time.Minute,
			TouchInterval:    0,
			SweepSchedule:    "@every 10m",
		},
		Permission: PermissionConfig{
			TTL:          5 * time.Minute,
			FlightBudget: 5 * time.Second,
		},
		Graph: GraphConfig{
			QueryTimeout: 2 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			Header:         "Idempotency-Key",
			PlaceholderTTL: 30 * time.Second,
			RecordTTL:      24 * time.Hour,
			WaitTimeout:    5 * time.Second,
			PollInterval:   25 * time.Millisecond,
		},
		Authorization: AuthorizationConfig{
			MaskForbidden:   false,
			AdminPermission: "manage:roles",
		},
		Password: PasswordConfig{
			Memory:      65536,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Security: SecurityConfig{
			MaxLoginAttempts:      5,
			LoginWindow:           15 * time.Minute,
			EnableIPThrottle:      true,
			EnableRefreshThrottle: true,
			MaxRefreshAttempts:    20,
			RefreshWindow:         time.Minute,
			IPBurstRPS:            5,
			IPBurst:               20,
		},
		Location: LocationConfig{
			Enabled:   false,
			Timeout:   3 * time.Second,
			CacheSize: 4096,
			CacheTTL:  6 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	switch c.JWT.SigningMethod {
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 || len(c.JWT.PublicKey) == 0 {
			return errors.New("ed25519 requires PrivateKey and PublicKey")
		}
	case "hs256":
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
		}
	default:
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}
	if c.JWT.Audience != "" && strings.TrimSpace(c.JWT.Audience) == "" {
		return errors.New("JWT Audience must not be blank")
	}

	// Session
	if c.Session.Lifetime <= 0 {
		return errors.New("Session Lifetime must be > 0")
	}
	if c.Session.AbsoluteLifetime < c.Session.Lifetime {
		return errors.New("Session AbsoluteLifetime must be >= Lifetime")
	}
	if c.Session.TombstoneGrace < 0 || c.Session.TouchInterval < 0 {
		return errors.New("Session TombstoneGrace and TouchInterval must be >= 0")
	}
	if c.JWT.AccessTTL > c.Session.Lifetime {
		return errors.New("JWT AccessTTL must not exceed Session Lifetime")
	}

	// Cache and graph
	if c.Cache.OpTimeout <= 0 {
		return errors.New("Cache OpTimeout must be > 0")
	}
	if strings.ContainsAny(c.Cache.Prefix, "{} ") {
		return errors.New("Cache Prefix must not contain braces or spaces")
	}
	if c.Graph.QueryTimeout <= 0 {
		return errors.New("Graph QueryTimeout must be > 0")
	}
	if c.Permission.TTL <= 0 {
		return errors.New("Permission TTL must be > 0")
	}
	if c.Permission.FlightBudget <= 0 {
		return errors.New("Permission FlightBudget must be > 0")
	}
	if c.Permission.FlightBudget >= 2*c.Permission.TTL {
		return errors.New("Permission FlightBudget must be shorter than twice the TTL")
	}

	// Idempotency
	if strings.TrimSpace(c.Idempotency.Header) == "" {
		return errors.New("Idempotency Header must be set")
	}
	if c.Idempotency.PlaceholderTTL <= 0 || c.Idempotency.RecordTTL <= 0 {
		return errors.New("Idempotency PlaceholderTTL and RecordTTL must be > 0")
	}
	if c.Idempotency.WaitTimeout <= 0 || c.Idempotency.PollInterval <= 0 {
		return errors.New("Idempotency WaitTimeout and PollInterval must be > 0")
	}
	if c.Idempotency.WaitTimeout > c.Idempotency.PlaceholderTTL {
		return errors.New("Idempotency WaitTimeout must not exceed PlaceholderTTL")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}

	// Security
	if c.Security.MaxLoginAttempts < 0 || c.Security.MaxRefreshAttempts < 0 {
		return errors.New("Security attempt limits must be >= 0")
	}
	if c.Security.MaxLoginAttempts > 0 && c.Security.LoginWindow <= 0 {
		return errors.New("Security LoginWindow must be > 0 when MaxLoginAttempts is set")
	}
	if c.Security.EnableRefreshThrottle && c.Security.MaxRefreshAttempts > 0 && c.Security.RefreshWindow <= 0 {
		return errors.New("Security RefreshWindow must be > 0 when refresh throttling is on")
	}
	if c.Security.IPBurstRPS < 0 || (c.Security.IPBurstRPS > 0 && c.Security.IPBurst < 1) {
		return errors.New("Security IPBurst must be >= 1 when IPBurstRPS is set")
	}

	// Location
	if c.Location.Enabled {
		if !strings.Contains(c.Location.Endpoint, "{ip}") {
			return errors.New("Location Endpoint must contain {ip}")
		}
		if c.Location.Timeout <= 0 {
			return errors.New("Location Timeout must be > 0")
		}
	}

	// Authorization
	if strings.TrimSpace(c.Authorization.AdminPermission) == "" {
		return errors.New("Authorization AdminPermission must be set")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return fmt.Errorf("Audit BufferSize must be > 0, got %d", c.Audit.BufferSize)
	}
	return nil
}
