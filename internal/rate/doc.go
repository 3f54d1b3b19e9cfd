// Package rate throttles authentication endpoints.
//
// # Window semantics
//
// [Limiter] keeps fixed-window counters in the shared cache: INCR, with the
// TTL applied on the first hit only. Key prefixes under the cache namespace:
//   - rl:login:    failed logins per hashed identifier
//   - rl:login-ip: failed logins per client IP
//   - rl:refresh:  refreshes per session
//
// [IPBurst] is an in-process token bucket per IP in front of the handlers.
//
// # What this package must NOT do
//
//   - Decide HTTP responses.
//   - Be imported outside the authcore module.
package rate
