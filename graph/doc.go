// Package graph defines the role/permission graph: permissions, roles that
// group them, and scoped assignments of roles to users.
//
// The graph is pure data plus queries. It knows nothing about caching;
// callers that mutate assignments are responsible for invalidating any
// derived permission sets (see the permission package).
//
// Implementations live in graph/memory (tests, development) and
// graph/postgres (production).
package graph
