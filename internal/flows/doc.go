// Package flows contains pure-function orchestrators for every Engine operation.
//
// Each flow function (RunLogin, RunRefresh, RunAuthenticate, RunAuthorize,
// RunLogout) accepts a typed dependency struct and returns a result carrying a
// failure kind instead of a host error. The Engine maps kinds to its sentinel
// errors, metrics and audit events.
//
// # Architecture boundaries
//
// Flow functions coordinate the credential verifier, session registry, token
// issuer, rate limiter and permission resolver. They do NOT own any of these
// resources; ownership stays with the Engine.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import authcore (to avoid import cycles).
//   - Perform I/O directly; all I/O is mediated through dependency interfaces.
package flows
