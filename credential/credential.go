package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campusdesk/authcore/password"
)

var (
	// ErrUserNotFound is returned when no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserInactive is returned for users that exist but may not act.
	ErrUserInactive = errors.New("user inactive")
	// ErrInvalidCredentials hides whether the identifier or the secret was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserExists is returned when creating a user whose identifier is taken.
	ErrUserExists = errors.New("user already exists")
	// ErrStoreUnavailable wraps backend failures of a Store.
	ErrStoreUnavailable = errors.New("credential store unavailable")
)

// User is the identity record owned by the credential store.
type User struct {
	ID           string
	Identifier   string
	PasswordHash string
	Active       bool
}

// Store persists users. Lookups return ErrUserNotFound for unknown users.
type Store interface {
	ByIdentifier(ctx context.Context, identifier string) (User, error)
	ByID(ctx context.Context, userID string) (User, error)
	Create(ctx context.Context, u User) error
	SetActive(ctx context.Context, userID string, active bool) error
	UpdatePasswordHash(ctx context.Context, userID, hash string) error
}

// Verifier checks identity material against a Store.
type Verifier struct {
	store  Store
	hasher *password.Hasher
	logger *zap.Logger
}

func NewVerifier(store Store, hasher *password.Hasher, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{store: store, hasher: hasher, logger: logger}
}

// Verify authenticates identifier/secret. Unknown identifiers and wrong
// secrets both yield ErrInvalidCredentials after the same amount of hashing
// work. A correct secret for a disabled user yields ErrUserInactive.
func (v *Verifier) Verify(ctx context.Context, identifier, secret string) (User, error) {
	identifier = NormalizeIdentifier(identifier)
	if identifier == "" || secret == "" {
		return User{}, ErrInvalidCredentials
	}

	u, err := v.store.ByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			v.hasher.Burn(secret)
			return User{}, ErrInvalidCredentials
		}
		return User{}, err
	}

	ok, err := v.hasher.Verify(secret, u.PasswordHash)
	if err != nil {
		if errors.Is(err, password.ErrTooLong) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, fmt.Errorf("verify stored hash for %s: %w", u.ID, err)
	}
	if !ok {
		return User{}, ErrInvalidCredentials
	}
	if !u.Active {
		return User{}, ErrUserInactive
	}

	v.maybeUpgrade(ctx, u, secret)
	return u, nil
}

// CheckActive returns nil when userID exists and is active.
func (v *Verifier) CheckActive(ctx context.Context, userID string) error {
	u, err := v.store.ByID(ctx, userID)
	if err != nil {
		return err
	}
	if !u.Active {
		return ErrUserInactive
	}
	return nil
}

// Register hashes secret and creates an active user with a fresh UUID.
func (v *Verifier) Register(ctx context.Context, identifier, secret string) (User, error) {
	identifier = NormalizeIdentifier(identifier)
	if identifier == "" {
		return User{}, fmt.Errorf("%w: empty identifier", ErrInvalidCredentials)
	}
	hash, err := v.hasher.Hash(secret)
	if err != nil {
		return User{}, err
	}
	u := User{
		ID:           uuid.NewString(),
		Identifier:   identifier,
		PasswordHash: hash,
		Active:       true,
	}
	if err := v.store.Create(ctx, u); err != nil {
		return User{}, err
	}
	return u, nil
}

func (v *Verifier) maybeUpgrade(ctx context.Context, u User, secret string) {
	up, err := v.hasher.NeedsUpgrade(u.PasswordHash)
	if err != nil || !up {
		return
	}
	hash, err := v.hasher.Hash(secret)
	if err != nil {
		return
	}
	if err := v.store.UpdatePasswordHash(ctx, u.ID, hash); err != nil {
		v.logger.Warn("password rehash failed", zap.String("user_id", u.ID), zap.Error(err))
	}
}

// NormalizeIdentifier trims and lower-cases a login identifier.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// ValidUserID reports whether id is a canonical UUID.
func ValidUserID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
