// Package middleware adapts authcore.Engine to net/http.
//
//   - [RequestContext] assigns a request id and records the client IP.
//   - [Logging] writes one structured line per request.
//   - [RateLimit] sheds per-IP floods before they reach Redis.
//   - [Authenticate] resolves the bearer token to a session principal.
//   - [Require] is the route-level call into Engine.Authorize.
//   - [Idempotency] makes keyed mutations run once and replays the result.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls and Engine errors
// into the {"detail": ...} envelope. Authentication and authorization
// decisions are made by the Engine.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly.
//   - Read or cache permission data.
//   - Grant access when the Engine returns any error.
package middleware
