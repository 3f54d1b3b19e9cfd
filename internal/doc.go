// Package internal contains helpers private to authcore: session identifiers
// and the opaque refresh-token codec.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher and Sink implementations)
//   - flows: orchestrators behind the Engine's login, refresh, authenticate, authorize and logout
//   - httpx: JSON envelope writers and the error-to-status table
//   - ids: monotonic ULIDs for request ids and reservation owners
//   - rate: Redis-backed fixed-window login throttling and the per-IP token bucket
//
// # What this package must NOT do
//
//   - Export types that appear in the public authcore API.
//   - Be imported by any package outside the authcore module.
package internal
