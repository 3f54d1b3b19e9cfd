// Package jwt issues and verifies short-lived access tokens. A token names a
// user and a session; the session registry decides whether it is still good.
//
// Supported algorithms are Ed25519 and HS256, with optional kid-based key
// rotation through Config.VerifyKeys.
package jwt
