// Package session is the session registry: it creates, validates, refreshes
// and revokes login sessions stored in the shared cache.
//
// # Storage
//
// Each session is a hash under sess:<id> with millisecond timestamps, client
// metadata and the SHA-256 of the current refresh secret. A per-user set
// indexes live session ids for listing and bulk revocation.
//
// Expiry is decided against the registry clock, not key TTLs. Keys outlive
// their expiry by a grace period so a revoked record stays revoked: the
// last-seen and location writers refuse to touch a missing or revoked hash.
//
// # Refresh
//
// A refresh verifies and retires the presented session in one script, then
// writes a successor that keeps the user, client metadata, family and
// original auth time. Presenting the secret of an already rotated session
// revokes every live session in its family.
//
// # What this package must NOT do
//
//   - Interpret access tokens or permissions.
//   - Store plaintext refresh secrets.
//   - Import authcore, jwt or permission.
package session
