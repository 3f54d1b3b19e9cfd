package permission

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnknownPermission is returned by Check for names never registered.
	ErrUnknownPermission = errors.New("unknown permission")
	// ErrCatalogFrozen is returned by Register after Freeze.
	ErrCatalogFrozen = errors.New("permission catalog frozen")
)

// Catalog is the set of permission identifiers a deployment knows about.
// Routes and role updates are checked against it so a typo fails at startup
// instead of silently denying every request.
type Catalog struct {
	mu     sync.RWMutex
	names  map[string]struct{}
	frozen bool
}

func NewCatalog(names ...string) (*Catalog, error) {
	c := &Catalog{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if err := c.Register(n); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds name. Registering a name twice is a no-op.
func (c *Catalog) Register(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return ErrCatalogFrozen
	}
	if err := validName(name); err != nil {
		return err
	}
	c.names[name] = struct{}{}
	return nil
}

// Freeze prevents further registrations.
func (c *Catalog) Freeze() {
	c.mu.Lock()
	c.frozen = true
	c.mu.Unlock()
}

func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.names[name]
	return ok
}

// Check returns ErrUnknownPermission naming the first unregistered entry.
func (c *Catalog) Check(names ...string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, n := range names {
		if _, ok := c.names[n]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPermission, n)
		}
	}
	return nil
}

// Names returns the registered identifiers in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.names))
	for n := range c.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.names)
}

// validName accepts "action:resource" identifiers such as read:fees.
func validName(name string) error {
	action, resource, ok := strings.Cut(name, ":")
	if !ok || action == "" || resource == "" || strings.ContainsAny(name, " \t\n|*") {
		return fmt.Errorf("invalid permission name %q", name)
	}
	return nil
}
