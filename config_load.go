package authcore

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "AUTHCORE_"

// LoadConfig starts from DefaultConfig, overlays the YAML file at path (when
// path is not empty), applies AUTHCORE_* environment overrides, reads key
// files and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg, err := readConfig(path)
	if err != nil {
		return Config{}, err
	}
	if err := loadKeys(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadPasswordConfig reads only the password cost from the same sources as
// LoadConfig. JWT keys need not be configured.
func LoadPasswordConfig(path string) (PasswordConfig, error) {
	cfg, err := readConfig(path)
	if err != nil {
		return PasswordConfig{}, err
	}
	return cfg.Password, nil
}

func readConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Cache.Prefix = getEnv("CACHE_PREFIX", cfg.Cache.Prefix)
	cfg.Cache.OpTimeout = getEnvDuration("CACHE_OP_TIMEOUT", cfg.Cache.OpTimeout)

	cfg.JWT.AccessTTL = getEnvDuration("JWT_ACCESS_TTL", cfg.JWT.AccessTTL)
	cfg.JWT.SigningMethod = strings.ToLower(getEnv("JWT_SIGNING_METHOD", cfg.JWT.SigningMethod))
	cfg.JWT.PrivateKeyFile = getEnv("JWT_PRIVATE_KEY_FILE", cfg.JWT.PrivateKeyFile)
	cfg.JWT.PublicKeyFile = getEnv("JWT_PUBLIC_KEY_FILE", cfg.JWT.PublicKeyFile)
	cfg.JWT.Issuer = getEnv("JWT_ISSUER", cfg.JWT.Issuer)
	cfg.JWT.Audience = getEnv("JWT_AUDIENCE", cfg.JWT.Audience)
	if secret := os.Getenv(envPrefix + "JWT_SECRET"); secret != "" {
		cfg.JWT.PrivateKey = []byte(secret)
	}

	cfg.Session.Lifetime = getEnvDuration("SESSION_LIFETIME", cfg.Session.Lifetime)
	cfg.Session.AbsoluteLifetime = getEnvDuration("SESSION_ABSOLUTE_LIFETIME", cfg.Session.AbsoluteLifetime)
	cfg.Session.TouchInterval = getEnvDuration("SESSION_TOUCH_INTERVAL", cfg.Session.TouchInterval)
	cfg.Session.SweepSchedule = getEnv("SESSION_SWEEP_SCHEDULE", cfg.Session.SweepSchedule)

	cfg.Permission.TTL = getEnvDuration("PERMISSION_TTL", cfg.Permission.TTL)
	cfg.Graph.QueryTimeout = getEnvDuration("GRAPH_QUERY_TIMEOUT", cfg.Graph.QueryTimeout)
	cfg.Authorization.MaskForbidden = getEnvBool("AUTHZ_MASK_FORBIDDEN", cfg.Authorization.MaskForbidden)

	cfg.Idempotency.Header = getEnv("IDEMPOTENCY_HEADER", cfg.Idempotency.Header)
	cfg.Idempotency.RecordTTL = getEnvDuration("IDEMPOTENCY_RECORD_TTL", cfg.Idempotency.RecordTTL)
	cfg.Idempotency.WaitTimeout = getEnvDuration("IDEMPOTENCY_WAIT_TIMEOUT", cfg.Idempotency.WaitTimeout)

	cfg.Security.MaxLoginAttempts = getEnvInt("MAX_LOGIN_ATTEMPTS", cfg.Security.MaxLoginAttempts)
	cfg.Security.LoginWindow = getEnvDuration("LOGIN_WINDOW", cfg.Security.LoginWindow)
	cfg.Security.TrustProxy = getEnvBool("TRUST_PROXY", cfg.Security.TrustProxy)

	cfg.Location.Enabled = getEnvBool("LOCATION_ENABLED", cfg.Location.Enabled)
	cfg.Location.Endpoint = getEnv("LOCATION_ENDPOINT", cfg.Location.Endpoint)

	cfg.Audit.Enabled = getEnvBool("AUDIT_ENABLED", cfg.Audit.Enabled)
	cfg.Metrics.Enabled = getEnvBool("METRICS_ENABLED", cfg.Metrics.Enabled)
}

func loadKeys(cfg *Config) error {
	if cfg.JWT.PrivateKeyFile != "" {
		b, err := os.ReadFile(cfg.JWT.PrivateKeyFile)
		if err != nil {
			return fmt.Errorf("read jwt private key: %w", err)
		}
		cfg.JWT.PrivateKey = b
	}
	if cfg.JWT.PublicKeyFile != "" {
		b, err := os.ReadFile(cfg.JWT.PublicKeyFile)
		if err != nil {
			return fmt.Errorf("read jwt public key: %w", err)
		}
		cfg.JWT.PublicKey = b
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(envPrefix + key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(envPrefix + key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(envPrefix + key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
