// Package permission resolves a user's effective permission set from the
// role graph and caches it in the shared cache.
//
// # Caching
//
// Every cached set is stamped with the user's invalidation generation. A set
// is served only while its stamp equals the current generation, and it is
// written only if the generation did not move while the graph was being read.
// [Resolver.Invalidate] bumps the generation and deletes the user's entries in
// a single script, so once it returns no instance can serve or repopulate a
// set computed from the old assignments.
//
// Concurrent misses for the same user, scope and generation share one graph
// load through singleflight.
//
// When the cache cannot be read the resolver answers from the graph without
// writing back.
//
// # Architecture boundaries
//
// The resolver owns invalidation. Grants, revocations and role edits that go
// around [Resolver.Grant], [Resolver.Revoke] and
// [Resolver.SetRolePermissions] must call [Resolver.Invalidate] themselves.
//
// # What this package must NOT do
//
//   - Keep an in-process copy of any permission set.
//   - Decide HTTP status codes; callers map errors.
//   - Import authcore, session or middleware.
package permission
