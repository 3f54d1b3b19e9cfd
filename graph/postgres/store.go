// Package postgres implements graph.Graph on PostgreSQL through the pgx
// database/sql driver.
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

	"github.com/campusdesk/authcore/graph"
)

const (
	pgErrForeignKeyViolation = "23503"
	pgErrUniqueViolation     = "23505"

	defaultQueryTimeout = 2 * time.Second
)

//go:embed schema.sql
var schema string

// PoolConfig tunes the database/sql pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store is a graph.Graph backed by four tables: permissions, roles,
// role_permissions and role_assignments.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

var _ graph.Graph = (*Store)(nil)

// Open connects with the pgx driver and applies pool settings.
func Open(dsn string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if pool.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}
	return db, nil
}

// New wraps db. queryTimeout bounds every statement; zero selects 2s.
func New(db *sql.DB, queryTimeout time.Duration) *Store {
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &Store{db: db, timeout: queryTimeout}
}

// Migrate creates the graph tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply graph schema: %w", err)
	}
	return nil
}

func (s *Store) Bindings(ctx context.Context, userID string) ([]graph.Binding, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		select ra.role_id, ra.scope, r.name, coalesce(rp.permission_id, '')
		from role_assignments ra
		join roles r on r.id = ra.role_id
		left join role_permissions rp on rp.role_id = ra.role_id
		where ra.user_id = $1
		order by ra.role_id, ra.scope, rp.position
	`, userID)
	if err != nil {
		return nil, s.wrap(ctx, "load bindings", err)
	}
	defer rows.Close()

	var (
		out  []graph.Binding
		last *graph.Binding
	)
	for rows.Next() {
		var roleID, scope, name, perm string
		if err := rows.Scan(&roleID, &scope, &name, &perm); err != nil {
			return nil, s.wrap(ctx, "scan binding", err)
		}
		if last == nil || last.Role.ID != roleID || last.Assignment.Scope.Value() != scope {
			out = append(out, graph.Binding{
				Assignment: graph.Assignment{UserID: userID, RoleID: roleID, Scope: graph.ScopeOf(scope)},
				Role:       graph.Role{ID: roleID, Name: name},
			})
			last = &out[len(out)-1]
		}
		if perm != "" {
			last.Role.Permissions = append(last.Role.Permissions, perm)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(ctx, "iterate bindings", err)
	}
	return out, nil
}

func (s *Store) UsersWithRole(ctx context.Context, roleID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		select distinct user_id from role_assignments where role_id = $1 order by user_id
	`, roleID)
	if err != nil {
		return nil, s.wrap(ctx, "list role holders", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, s.wrap(ctx, "scan role holder", err)
		}
		users = append(users, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(ctx, "iterate role holders", err)
	}
	return users, nil
}

func (s *Store) Grant(ctx context.Context, a graph.Assignment) error {
	if err := graph.ValidateAssignment(a); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		insert into role_assignments (user_id, role_id, scope)
		values ($1, $2, $3)
		on conflict (user_id, role_id, scope) do nothing
	`, a.UserID, a.RoleID, a.Scope.Value())
	return s.wrap(ctx, "grant role", err)
}

func (s *Store) Revoke(ctx context.Context, a graph.Assignment) error {
	if err := graph.ValidateAssignment(a); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		delete from role_assignments where user_id = $1 and role_id = $2 and scope = $3
	`, a.UserID, a.RoleID, a.Scope.Value())
	return s.wrap(ctx, "revoke role", err)
}

func (s *Store) UpsertPermission(ctx context.Context, p graph.Permission) error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty permission id", graph.ErrInvalid)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		insert into permissions (id, name, resource, action)
		values ($1, $2, $3, $4)
		on conflict (id) do update
		set name = excluded.name, resource = excluded.resource, action = excluded.action
	`, p.ID, p.Name, p.Resource, p.Action)
	return s.wrap(ctx, "upsert permission", err)
}

func (s *Store) UpsertRole(ctx context.Context, r graph.Role) error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty role id", graph.ErrInvalid)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(ctx, "begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into roles (id, name) values ($1, $2)
		on conflict (id) do update set name = excluded.name, updated_at = now()
	`, r.ID, r.Name); err != nil {
		return s.wrap(ctx, "upsert role", err)
	}
	if err := replacePermissions(ctx, tx, r.ID, r.Permissions); err != nil {
		return s.wrap(ctx, "set role permissions", err)
	}
	if err := tx.Commit(); err != nil {
		return s.wrap(ctx, "commit", err)
	}
	return nil
}

func (s *Store) SetRolePermissions(ctx context.Context, roleID string, permissions []string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(ctx, "begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `select 1 from roles where id = $1 for update`, roleID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: role %q", graph.ErrNotFound, roleID)
	}
	if err != nil {
		return s.wrap(ctx, "lock role", err)
	}

	if err := replacePermissions(ctx, tx, roleID, permissions); err != nil {
		return s.wrap(ctx, "set role permissions", err)
	}
	if _, err := tx.ExecContext(ctx, `update roles set updated_at = now() where id = $1`, roleID); err != nil {
		return s.wrap(ctx, "touch role", err)
	}
	if err := tx.Commit(); err != nil {
		return s.wrap(ctx, "commit", err)
	}
	return nil
}

func replacePermissions(ctx context.Context, tx *sql.Tx, roleID string, permissions []string) error {
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for i, p := range permissions {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id, position)
			values ($1, $2, $3)
			on conflict (role_id, permission_id) do nothing
		`, roleID, p, i); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) wrap(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, graph.ErrNotFound) || errors.Is(err, graph.ErrInvalid) {
		return err
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s: %s", graph.ErrNotFound, op, pgErr.Detail)
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: %s: %s", graph.ErrInvalid, op, pgErr.Detail)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", graph.ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %v", graph.ErrUnavailable, op, err)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
