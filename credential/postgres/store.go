// Package postgres implements credential.Store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/campusdesk/authcore/credential"
)

const (
	pgErrUniqueViolation = "23505"
	defaultQueryTimeout  = 2 * time.Second
)

//go:embed schema.sql
var schema string

// Store keeps users in a single table.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

var _ credential.Store = (*Store)(nil)

// New wraps db. queryTimeout bounds every statement; zero selects 2s.
func New(db *sql.DB, queryTimeout time.Duration) *Store {
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &Store{db: db, timeout: queryTimeout}
}

// Migrate creates the users table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply credential schema: %w", err)
	}
	return nil
}

func (s *Store) ByIdentifier(ctx context.Context, identifier string) (credential.User, error) {
	return s.one(ctx, `
		select id, identifier, password_hash, active from users where identifier = $1
	`, credential.NormalizeIdentifier(identifier))
}

func (s *Store) ByID(ctx context.Context, userID string) (credential.User, error) {
	return s.one(ctx, `
		select id, identifier, password_hash, active from users where id = $1
	`, userID)
}

func (s *Store) one(ctx context.Context, query string, arg string) (credential.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var u credential.User
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Identifier, &u.PasswordHash, &u.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.User{}, credential.ErrUserNotFound
	}
	if err != nil {
		return credential.User{}, wrap("load user", err)
	}
	return u, nil
}

func (s *Store) Create(ctx context.Context, u credential.User) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		insert into users (id, identifier, password_hash, active) values ($1, $2, $3, $4)
	`, u.ID, credential.NormalizeIdentifier(u.Identifier), u.PasswordHash, u.Active)
	return wrap("create user", err)
}

func (s *Store) SetActive(ctx context.Context, userID string, active bool) error {
	return s.update(ctx, "set active", `
		update users set active = $2, updated_at = now() where id = $1
	`, userID, active)
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	return s.update(ctx, "update password hash", `
		update users set password_hash = $2, updated_at = now() where id = $1
	`, userID, hash)
}

func (s *Store) update(ctx context.Context, op, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(op, err)
	}
	if n == 0 {
		return credential.ErrUserNotFound
	}
	return nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation {
		return credential.ErrUserExists
	}
	return fmt.Errorf("%w: %s: %v", credential.ErrStoreUnavailable, op, err)
}
