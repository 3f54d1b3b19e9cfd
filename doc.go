// Package authcore is the authorization and session core of the campus
// backend. It resolves effective permissions from overlapping role
// assignments, caches them in Redis behind a per-user invalidation
// generation, tracks live sessions with IP and location metadata, and
// guards retried mutations with idempotency keys.
//
// An [Engine] is assembled once with [Builder] and is safe for concurrent
// use. Handlers authenticate with [Engine.Authenticate] and ask every
// authorization question through [Engine.Authorize].
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config]
// and value types ([Principal], [TokenPair], [Grants], [SessionInfo]). The
// leaf packages (cache, credential, graph, permission, session, idempotency,
// jwt, password) do the work; flow orchestration, throttling and audit
// dispatch live under internal/.
//
// # What this package must NOT do
//
//   - Keep an in-process copy of permission data. Redis is the only cache.
//   - Return success from a role change before the holder's cached sets are
//     invalidated.
//   - Allow a request when a graph or cache deadline prevents a decision.
//   - Import middleware or httpapi (they import authcore).
package authcore
