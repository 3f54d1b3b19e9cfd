package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnavailable is returned when the backing store cannot answer.
	ErrUnavailable = errors.New("role graph unavailable")
	// ErrTimeout is a subset of ErrUnavailable: the store did not answer in time.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrUnavailable)
	// ErrNotFound is returned when a referenced role, permission or user does not exist.
	ErrNotFound = errors.New("role graph entity not found")
	// ErrInvalid is returned for malformed identifiers.
	ErrInvalid = errors.New("invalid role graph input")
)

// Scope qualifies where an assignment applies (a department, a course...).
// The zero value is the universal scope.
type Scope struct {
	value string
	set   bool
}

// Universal returns the unqualified scope.
func Universal() Scope { return Scope{} }

// ScopeOf returns a qualified scope. An empty string yields Universal.
func ScopeOf(value string) Scope {
	value = strings.TrimSpace(value)
	if value == "" {
		return Scope{}
	}
	return Scope{value: value, set: true}
}

func (s Scope) IsSet() bool   { return s.set }
func (s Scope) Value() string { return s.value }

// Key is a stable cache-key fragment for the scope.
func (s Scope) Key() string {
	if !s.set {
		return "*"
	}
	return "s=" + s.value
}

func (s Scope) String() string {
	if !s.set {
		return "universal"
	}
	return s.value
}

// Covers reports whether an assignment carrying s applies to a request made
// in scope req. Universal assignments apply everywhere; qualified ones only
// to the same qualified scope.
func (s Scope) Covers(req Scope) bool {
	if !s.set {
		return true
	}
	return req.set && req.value == s.value
}

// Permission is an immutable permission identifier such as "read:fees".
type Permission struct {
	ID       string
	Name     string
	Resource string
	Action   string
}

// Role is a named, ordered collection of permission identifiers.
type Role struct {
	ID          string
	Name        string
	Permissions []string
}

// Assignment binds a user to a role, optionally within a scope.
type Assignment struct {
	UserID string
	RoleID string
	Scope  Scope
}

// Binding is an assignment joined with the role it grants.
type Binding struct {
	Assignment Assignment
	Role       Role
}

// Graph is the authoritative store of roles, permissions and assignments.
// Implementations must be safe for concurrent use and must respect ctx.
type Graph interface {
	// Bindings returns every assignment of userID joined with its role.
	Bindings(ctx context.Context, userID string) ([]Binding, error)
	// UsersWithRole lists the users currently holding roleID in any scope.
	UsersWithRole(ctx context.Context, roleID string) ([]string, error)

	Grant(ctx context.Context, a Assignment) error
	// Revoke removes an assignment. Removing an absent assignment is not an error.
	Revoke(ctx context.Context, a Assignment) error

	UpsertPermission(ctx context.Context, p Permission) error
	UpsertRole(ctx context.Context, r Role) error
	// SetRolePermissions replaces the permission list of roleID.
	SetRolePermissions(ctx context.Context, roleID string, permissions []string) error
}

// Effective computes the union of permissions granted by the bindings that
// cover scope. The result is sorted and duplicate free.
func Effective(bindings []Binding, scope Scope) []string {
	seen := make(map[string]struct{})
	for _, b := range bindings {
		if !b.Assignment.Scope.Covers(scope) {
			continue
		}
		for _, p := range b.Role.Permissions {
			seen[p] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// RoleNames lists the distinct role names of the bindings that cover scope.
func RoleNames(bindings []Binding, scope Scope) []string {
	seen := make(map[string]struct{})
	for _, b := range bindings {
		if !b.Assignment.Scope.Covers(scope) {
			continue
		}
		name := b.Role.Name
		if name == "" {
			name = b.Role.ID
		}
		seen[name] = struct{}{}
	}
	return sortedKeys(seen)
}

// ValidateAssignment checks the identifiers of a.
func ValidateAssignment(a Assignment) error {
	if strings.TrimSpace(a.UserID) == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalid)
	}
	if strings.TrimSpace(a.RoleID) == "" {
		return fmt.Errorf("%w: empty role id", ErrInvalid)
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
