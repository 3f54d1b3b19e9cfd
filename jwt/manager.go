package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the access token algorithm.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

var (
	// ErrInvalidToken wraps every parse and validation failure.
	ErrInvalidToken = errors.New("invalid access token")

	errNoSigningKey = errors.New("no signing key configured")
	errMissingKid   = errors.New("missing kid")
	errUnknownKid   = errors.New("unknown kid")
)

// Config controls issuance and verification of access tokens.
type Config struct {
	AccessTTL     time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	RequireIAT    bool
	MaxFutureIAT  time.Duration
	// KeyID is written to the kid header. With VerifyKeys set, tokens are
	// verified with the key named by their kid, which allows rotation.
	KeyID      string
	VerifyKeys map[string][]byte
}

// AccessClaims are the claims of an access token.
type AccessClaims struct {
	UID string `json:"uid"`
	SID string `json:"sid"`
	jwt.RegisteredClaims
}

// keyring holds keys decoded once at construction.
type keyring struct {
	method jwt.SigningMethod
	sign   any
	// verify is used when byKid is empty.
	verify any
	kid    string
	byKid  map[string]any
}

func (k *keyring) lookup(t *jwt.Token) (any, error) {
	if t.Method.Alg() != k.method.Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}
	kid, _ := t.Header["kid"].(string)
	if len(k.byKid) > 0 {
		if kid == "" {
			return nil, errMissingKid
		}
		key, ok := k.byKid[kid]
		if !ok {
			return nil, errUnknownKid
		}
		return key, nil
	}
	if k.kid != "" {
		if kid == "" {
			return nil, errMissingKid
		}
		if kid != k.kid {
			return nil, errUnknownKid
		}
	}
	return k.verify, nil
}

// Manager signs and parses access tokens. An access token names a session;
// it never carries permissions.
type Manager struct {
	config Config
	keys   keyring
	parser *jwt.Parser
	now    func() time.Time
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}

	keys, err := buildKeyring(cfg)
	if err != nil {
		return nil, err
	}
	m := &Manager{config: cfg, keys: keys, now: time.Now}
	m.parser = m.newParser()
	return m, nil
}

func buildKeyring(cfg Config) (keyring, error) {
	k := keyring{kid: cfg.KeyID}
	var decode func([]byte) (any, error)

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < 32 {
			return k, errors.New("hs256 requires a key of at least 32 bytes")
		}
		k.method = jwt.SigningMethodHS256
		k.sign, k.verify = cfg.PrivateKey, cfg.PrivateKey
		decode = func(b []byte) (any, error) { return b, nil }
	case MethodEd25519:
		k.method = jwt.SigningMethodEdDSA
		if len(cfg.PrivateKey) > 0 {
			priv, err := parseEdPrivateKey(cfg.PrivateKey)
			if err != nil {
				return k, err
			}
			k.sign = priv
		}
		if len(cfg.PublicKey) > 0 {
			pub, err := parseEdPublicKey(cfg.PublicKey)
			if err != nil {
				return k, err
			}
			k.verify = pub
		}
		if len(cfg.VerifyKeys) == 0 && k.verify == nil {
			return k, errors.New("ed25519 requires public key or verify key set")
		}
		decode = func(b []byte) (any, error) { return parseEdPublicKey(b) }
	default:
		return k, errors.New("unsupported signing method")
	}

	if len(cfg.VerifyKeys) > 0 {
		k.byKid = make(map[string]any, len(cfg.VerifyKeys))
		for kid, raw := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return k, errors.New("verify key map contains empty kid")
			}
			key, err := decode(raw)
			if err != nil {
				return k, fmt.Errorf("invalid verify key for kid %q: %w", kid, err)
			}
			k.byKid[kid] = key
		}
	}
	return k, nil
}

func (j *Manager) newParser() *jwt.Parser {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{j.keys.method.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return j.now() }),
		jwt.WithExpirationRequired(),
	}
	if j.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(j.config.Leeway))
	}
	if j.config.RequireIAT {
		options = append(options, jwt.WithIssuedAt())
	}
	if j.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(j.config.Issuer))
	}
	if j.config.Audience != "" {
		options = append(options, jwt.WithAudience(j.config.Audience))
	}
	return jwt.NewParser(options...)
}

// SetClock replaces time.Now for issuance and verification.
func (j *Manager) SetClock(now func() time.Time) {
	j.now = now
}

// TTL reports the configured access token lifetime.
func (j *Manager) TTL() time.Duration { return j.config.AccessTTL }

// CreateAccess signs a token for uid and sid. The token never outlives
// notAfter, the expiry of the session it names; a zero notAfter is ignored.
func (j *Manager) CreateAccess(uid, sid string, notAfter time.Time) (string, time.Time, error) {
	if j.keys.sign == nil {
		return "", time.Time{}, errNoSigningKey
	}
	now := j.now()
	exp := now.Add(j.config.AccessTTL)
	if !notAfter.IsZero() && notAfter.Before(exp) {
		exp = notAfter
	}

	claims := AccessClaims{
		UID: uid,
		SID: sid,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    j.config.Issuer,
		},
	}
	if j.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{j.config.Audience}
	}

	token := jwt.NewWithClaims(j.keys.method, claims)
	if j.keys.kid != "" {
		token.Header["kid"] = j.keys.kid
	}
	signed, err := token.SignedString(j.keys.sign)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ParseAccess verifies tokenStr and returns its claims. Every failure wraps
// ErrInvalidToken.
func (j *Manager) ParseAccess(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := j.parser.ParseWithClaims(tokenStr, claims, j.keys.lookup)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, jwt.ErrTokenInvalidClaims)
	}
	if claims.UID == "" || claims.SID == "" {
		return nil, fmt.Errorf("%w: missing uid or sid", ErrInvalidToken)
	}
	if claims.IssuedAt != nil && claims.IssuedAt.Time.After(j.now().Add(j.config.MaxFutureIAT)) {
		return nil, fmt.Errorf("%w: iat too far in the future", ErrInvalidToken)
	}
	return claims, nil
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
