package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/campusdesk/authcore/graph"
)

// catalogFile is the YAML form of the permission and role catalog.
//
//	permissions:
//	  - id: read:fees
//	    name: Read fee statements
//	roles:
//	  - id: bursar
//	    name: Bursar
//	    permissions: [read:fees, write:fees]
type catalogFile struct {
	Permissions []catalogPermission `yaml:"permissions"`
	Roles       []catalogRole       `yaml:"roles"`
}

type catalogPermission struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Resource string `yaml:"resource"`
	Action   string `yaml:"action"`
}

type catalogRole struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

func loadCatalog(path string) (catalogFile, error) {
	var c catalogFile
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read catalog: %w", err)
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return c, nil
}

// defaultCatalog is used when no catalog file is given.
func defaultCatalog(adminPermission string) catalogFile {
	return catalogFile{
		Permissions: []catalogPermission{
			{ID: announcePermission, Name: "Create announcements", Resource: "announcements", Action: "create"},
			{ID: adminPermission, Name: "Manage role assignments"},
		},
		Roles: []catalogRole{
			{ID: "announcer", Name: "announcer", Permissions: []string{announcePermission}},
			{ID: "admin", Name: "admin", Permissions: []string{adminPermission}},
		},
	}
}

// permissionIDs lists every permission the catalog declares or references.
func (c catalogFile) permissionIDs() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, p := range c.Permissions {
		add(p.ID)
	}
	for _, r := range c.Roles {
		for _, p := range r.Permissions {
			add(p)
		}
	}
	return out
}

// apply upserts the catalog into g. Permissions go first so role writes
// can reference them.
func (c catalogFile) apply(ctx context.Context, g graph.Graph) error {
	declared := make(map[string]bool)
	for _, p := range c.Permissions {
		declared[p.ID] = true
		if err := g.UpsertPermission(ctx, graph.Permission{ID: p.ID, Name: p.Name, Resource: p.Resource, Action: p.Action}); err != nil {
			return fmt.Errorf("upsert permission %s: %w", p.ID, err)
		}
	}
	for _, id := range c.permissionIDs() {
		if declared[id] {
			continue
		}
		if err := g.UpsertPermission(ctx, graph.Permission{ID: id, Name: id}); err != nil {
			return fmt.Errorf("upsert permission %s: %w", id, err)
		}
	}
	for _, r := range c.Roles {
		if err := g.UpsertRole(ctx, graph.Role{ID: r.ID, Name: r.Name, Permissions: r.Permissions}); err != nil {
			return fmt.Errorf("upsert role %s: %w", r.ID, err)
		}
	}
	return nil
}
