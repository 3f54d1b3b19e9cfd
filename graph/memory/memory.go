// Package memory is an in-process graph.Graph used by tests, the development
// server and examples.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/campusdesk/authcore/graph"
)

// Graph is a mutex-guarded graph.Graph.
type Graph struct {
	mu          sync.RWMutex
	permissions map[string]graph.Permission
	roles       map[string]graph.Role
	assignments map[string]map[assignmentKey]graph.Assignment

	// fault injection
	delay time.Duration
	fail  error
	reads int
}

type assignmentKey struct {
	role  string
	scope string
	set   bool
}

var _ graph.Graph = (*Graph)(nil)

func New() *Graph {
	return &Graph{
		permissions: make(map[string]graph.Permission),
		roles:       make(map[string]graph.Role),
		assignments: make(map[string]map[assignmentKey]graph.Assignment),
	}
}

// SetDelay makes every call wait d before answering, honouring ctx.
func (g *Graph) SetDelay(d time.Duration) {
	g.mu.Lock()
	g.delay = d
	g.mu.Unlock()
}

// SetFailure makes every call return err until reset with nil.
func (g *Graph) SetFailure(err error) {
	g.mu.Lock()
	g.fail = err
	g.mu.Unlock()
}

// Reads counts Bindings calls, which lets tests observe cache hits.
func (g *Graph) Reads() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reads
}

func (g *Graph) Bindings(ctx context.Context, userID string) ([]graph.Binding, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.reads++

	keys := make([]assignmentKey, 0, len(g.assignments[userID]))
	for k := range g.assignments[userID] {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].role != keys[j].role {
			return keys[i].role < keys[j].role
		}
		return keys[i].scope < keys[j].scope
	})

	out := make([]graph.Binding, 0, len(keys))
	for _, k := range keys {
		role, ok := g.roles[k.role]
		if !ok {
			continue
		}
		out = append(out, graph.Binding{
			Assignment: g.assignments[userID][k],
			Role:       cloneRole(role),
		})
	}
	return out, nil
}

func (g *Graph) UsersWithRole(ctx context.Context, roleID string) ([]string, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var users []string
	for uid, set := range g.assignments {
		for k := range set {
			if k.role == roleID {
				users = append(users, uid)
				break
			}
		}
	}
	sort.Strings(users)
	return users, nil
}

func (g *Graph) Grant(ctx context.Context, a graph.Assignment) error {
	if err := graph.ValidateAssignment(a); err != nil {
		return err
	}
	if err := g.wait(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.roles[a.RoleID]; !ok {
		return fmt.Errorf("%w: role %q", graph.ErrNotFound, a.RoleID)
	}
	set, ok := g.assignments[a.UserID]
	if !ok {
		set = make(map[assignmentKey]graph.Assignment)
		g.assignments[a.UserID] = set
	}
	set[keyOf(a)] = a
	return nil
}

func (g *Graph) Revoke(ctx context.Context, a graph.Assignment) error {
	if err := graph.ValidateAssignment(a); err != nil {
		return err
	}
	if err := g.wait(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if set, ok := g.assignments[a.UserID]; ok {
		delete(set, keyOf(a))
		if len(set) == 0 {
			delete(g.assignments, a.UserID)
		}
	}
	return nil
}

func (g *Graph) UpsertPermission(ctx context.Context, p graph.Permission) error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty permission id", graph.ErrInvalid)
	}
	if err := g.wait(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.permissions[p.ID] = p
	return nil
}

func (g *Graph) UpsertRole(ctx context.Context, r graph.Role) error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty role id", graph.ErrInvalid)
	}
	if err := g.wait(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkPermissionsLocked(r.Permissions); err != nil {
		return err
	}
	g.roles[r.ID] = cloneRole(r)
	return nil
}

func (g *Graph) SetRolePermissions(ctx context.Context, roleID string, permissions []string) error {
	if err := g.wait(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	role, ok := g.roles[roleID]
	if !ok {
		return fmt.Errorf("%w: role %q", graph.ErrNotFound, roleID)
	}
	if err := g.checkPermissionsLocked(permissions); err != nil {
		return err
	}
	role.Permissions = append([]string(nil), permissions...)
	g.roles[roleID] = role
	return nil
}

// Seed registers permissions and roles in one call. Permissions referenced by
// roles are created on the fly.
func (g *Graph) Seed(roles ...graph.Role) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range roles {
		for _, p := range r.Permissions {
			if _, ok := g.permissions[p]; !ok {
				g.permissions[p] = graph.Permission{ID: p, Name: p}
			}
		}
		g.roles[r.ID] = cloneRole(r)
	}
}

func (g *Graph) checkPermissionsLocked(perms []string) error {
	for _, p := range perms {
		if _, ok := g.permissions[p]; !ok {
			return fmt.Errorf("%w: permission %q", graph.ErrNotFound, p)
		}
	}
	return nil
}

func (g *Graph) wait(ctx context.Context) error {
	g.mu.RLock()
	delay, fail := g.delay, g.fail
	g.mu.RUnlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %v", graph.ErrTimeout, ctx.Err())
			}
			return fmt.Errorf("%w: %v", graph.ErrUnavailable, ctx.Err())
		}
	}
	if fail != nil {
		return fail
	}
	return nil
}

func keyOf(a graph.Assignment) assignmentKey {
	return assignmentKey{role: a.RoleID, scope: a.Scope.Value(), set: a.Scope.IsSet()}
}

func cloneRole(r graph.Role) graph.Role {
	r.Permissions = append([]string(nil), r.Permissions...)
	return r
}
